package peerlink

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Link frame tags.
//
// Frame format: [4-byte big-endian length][1-byte tag][payload]
// The length covers the tag byte plus the payload.
const (
	tagHello   byte = 1 // client handshake message
	tagApprove byte = 2 // acceptance payload
	tagDeny    byte = 3 // denial reason
	tagData    byte = 4 // encoded Message
	tagPing    byte = 5 // 8-byte send timestamp
	tagPong    byte = 6 // echoed timestamp
	tagBye     byte = 7 // close reason
)

// maxFramePayload is the upper bound on a single frame (tag + payload).
const maxFramePayload = 16 << 20 // 16 MB

func tagName(tag byte) string {
	switch tag {
	case tagHello:
		return "hello"
	case tagApprove:
		return "approve"
	case tagDeny:
		return "deny"
	case tagData:
		return "data"
	case tagPing:
		return "ping"
	case tagPong:
		return "pong"
	case tagBye:
		return "bye"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// appendFrame appends one complete frame to buf.
func appendFrame(buf []byte, tag byte, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+1))
	buf = append(buf, tag)
	return append(buf, payload...)
}

// writeFrame writes a single frame in one Write call.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	_, err := w.Write(appendFrame(make([]byte, 0, 5+len(payload)), tag, payload))
	return err
}

// readFrame reads one frame from r. The returned payload is freshly
// allocated and owned by the caller.
func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n < 1 {
		return 0, nil, fmt.Errorf("transport: frame length %d too small", n)
	}
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("transport: frame too large (%d bytes)", n)
	}
	if _, err := io.ReadFull(r, hdr[4:5]); err != nil {
		return 0, nil, fmt.Errorf("transport: incomplete frame: %w", err)
	}
	var payload []byte
	if n > 1 {
		payload = make([]byte, n-1)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("transport: incomplete frame: %w", err)
		}
	}
	return hdr[4], payload, nil
}

func pingPayload(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

func pingTime(payload []byte) (time.Time, bool) {
	if len(payload) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(payload))), true
}
