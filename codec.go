package peerlink

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Message wire format (all integers little-endian):
//
//	[1-byte kind]
//	[1-byte status]          Reply only
//	[4-byte query id]        Query and Reply
//	[4-byte metadata count]
//	count × ([4-byte key len][key][4-byte value len][value])
//	[payload]                everything that remains
//
// An empty buffer is the Invalid message.

// Encode serializes m. Metadata pairs are written in sorted key order.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(nil, m)
}

// AppendEncode appends the encoding of m to buf.
func AppendEncode(buf []byte, m Message) ([]byte, error) {
	var c *Content
	switch msg := m.(type) {
	case *Info:
		buf = append(buf, byte(KindInfo))
		c = &msg.Content
	case *Query:
		if msg.ID == 0 {
			return buf, fmt.Errorf("peerlink encode: query id must be nonzero")
		}
		buf = append(buf, byte(KindQuery))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(msg.ID))
		c = &msg.Content
	case *Reply:
		if msg.ID == 0 {
			return buf, fmt.Errorf("peerlink encode: reply id must be nonzero")
		}
		if !msg.Status.valid() {
			return buf, fmt.Errorf("peerlink encode: unknown reply status %d", msg.Status)
		}
		buf = append(buf, byte(KindReply), byte(msg.Status))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(msg.ID))
		c = &msg.Content
	case Invalid, *Invalid:
		return buf, nil
	case nil:
		return buf, fmt.Errorf("peerlink encode: nil message")
	default:
		return buf, fmt.Errorf("peerlink encode: unsupported message %T", m)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Metadata)))
	if len(c.Metadata) > 0 {
		keys := make([]string, 0, len(c.Metadata))
		for k := range c.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = putStr(buf, k)
			buf = putStr(buf, c.Metadata[k])
		}
	}
	return append(buf, c.Payload...), nil
}

// Decode parses a message. Empty input yields Invalid{}; malformed input
// yields a *FormatError. The returned message does not alias data.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Invalid{}, nil
	}

	d := decoder{data: data}
	kind := Kind(data[0])
	d.off = 1

	var (
		status ReplyStatus
		id     QueryID
	)
	switch kind {
	case KindInfo:
	case KindQuery:
		v, err := d.u32("query id")
		if err != nil {
			return nil, err
		}
		id = QueryID(v)
	case KindReply:
		if d.remaining() < 1 {
			return nil, formatErr(d.off, "short data for reply status")
		}
		status = ReplyStatus(data[d.off])
		if !status.valid() {
			return nil, formatErr(d.off, "unknown reply status %d", status)
		}
		d.off++
		v, err := d.u32("query id")
		if err != nil {
			return nil, err
		}
		id = QueryID(v)
	default:
		return nil, formatErr(0, "unknown kind %d", data[0])
	}
	if (kind == KindQuery || kind == KindReply) && id == 0 {
		return nil, formatErr(d.off-4, "zero query id")
	}

	count, err := d.u32("metadata count")
	if err != nil {
		return nil, err
	}
	// Every pair needs at least 8 bytes of length fields.
	if uint64(count)*8 > uint64(d.remaining()) {
		return nil, formatErr(d.off-4, "metadata count %d exceeds remaining %d bytes", count, d.remaining())
	}

	var md Metadata
	if count > 0 {
		md = make(Metadata, count)
		for i := uint32(0); i < count; i++ {
			keyOff := d.off
			k, err := d.str("metadata key")
			if err != nil {
				return nil, err
			}
			v, err := d.str("metadata value")
			if err != nil {
				return nil, err
			}
			if _, dup := md[k]; dup {
				return nil, formatErr(keyOff, "duplicate metadata key %q", k)
			}
			md[k] = v
		}
	}

	var payload []byte
	if d.remaining() > 0 {
		payload = append([]byte(nil), data[d.off:]...)
	}
	c := Content{Metadata: md, Payload: payload}

	switch kind {
	case KindQuery:
		return &Query{ID: id, Content: c}, nil
	case KindReply:
		return &Reply{ID: id, Status: status, Content: c}, nil
	default:
		return &Info{Content: c}, nil
	}
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) u32(what string) (uint32, error) {
	if d.remaining() < 4 {
		return 0, formatErr(d.off, "short data for %s", what)
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) str(what string) (string, error) {
	n, err := d.u32(what + " length")
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(d.remaining()) {
		return "", formatErr(d.off-4, "%s length %d exceeds remaining %d bytes", what, n, d.remaining())
	}
	s := string(d.data[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func putStr(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
