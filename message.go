package peerlink

import "fmt"

// Kind is the wire tag identifying a message variant.
type Kind byte

const (
	KindInvalid Kind = 0 // never encoded; produced by decoding an empty buffer
	KindInfo    Kind = 1
	KindQuery   Kind = 2
	KindReply   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInfo:
		return "info"
	case KindQuery:
		return "query"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// ReplyStatus is the outcome carried by a Reply.
type ReplyStatus byte

const (
	StatusSuccess   ReplyStatus = 0
	StatusError     ReplyStatus = 1
	StatusUnhandled ReplyStatus = 2
	StatusUnused    ReplyStatus = 3
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusUnhandled:
		return "unhandled"
	case StatusUnused:
		return "unused"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

func (s ReplyStatus) valid() bool {
	return s <= StatusUnused
}

// QueryID correlates a Query with its Reply. Zero is never a valid id.
type QueryID uint32

// Well-known metadata keys.
const (
	MetaAlias  = "Alias"
	MetaHeader = "Header"
)

// Metadata is the string key/value section of a message.
type Metadata map[string]string

// Clone returns an independent copy. A nil Metadata clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Content is the metadata and payload shared by every message variant.
type Content struct {
	Metadata Metadata
	Payload  []byte
}

// Header returns the Header metadata value used for query routing.
func (c Content) Header() string {
	return c.Metadata[MetaHeader]
}

// Message is one of *Info, *Query, *Reply or Invalid.
type Message interface {
	Kind() Kind
	content() *Content
}

// Info is a fire-and-forget notice.
type Info struct {
	Content
}

// Query expects exactly one Reply carrying the same ID.
type Query struct {
	ID QueryID
	Content
}

// Reply answers the Query with the same ID.
type Reply struct {
	ID     QueryID
	Status ReplyStatus
	Content
}

// Invalid is produced by decoding an empty buffer. Dispatch ignores it.
type Invalid struct{}

func (*Info) Kind() Kind  { return KindInfo }
func (*Query) Kind() Kind { return KindQuery }
func (*Reply) Kind() Kind { return KindReply }
func (Invalid) Kind() Kind { return KindInvalid }

func (m *Info) content() *Content  { return &m.Content }
func (m *Query) content() *Content { return &m.Content }
func (m *Reply) content() *Content { return &m.Content }
func (Invalid) content() *Content  { return nil }

// ContentOf returns the content of m, or the zero Content for Invalid.
func ContentOf(m Message) Content {
	if m == nil {
		return Content{}
	}
	if c := m.content(); c != nil {
		return *c
	}
	return Content{}
}

// NewInfo builds an Info message.
func NewInfo(c Content) *Info {
	return &Info{Content: c}
}
