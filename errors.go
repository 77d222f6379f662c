package peerlink

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = fmt.Errorf("timeout")
	ErrInvalidState     = fmt.Errorf("invalid state")
	ErrHandshakeDenied  = fmt.Errorf("handshake denied")
	ErrHandshakeDecided = fmt.Errorf("handshake already decided")
	ErrUnauthorized     = fmt.Errorf("unauthorized")
	ErrDuplicateAlias   = fmt.Errorf("duplicate alias")
	ErrDuplicateAddress = fmt.Errorf("duplicate address")
	ErrQueryIDExhausted = fmt.Errorf("query id space exhausted")
	ErrClosed           = fmt.Errorf("closed")
	ErrConnectFailed    = fmt.Errorf("connect failed")
)

// FormatError reports malformed wire bytes.
type FormatError struct {
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("peerlink: malformed message at offset %d: %s", e.Offset, e.Reason)
}

func formatErr(offset int, format string, args ...any) *FormatError {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// IsFormatError reports whether err wraps a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// HandshakeDeniedError is returned by Client.Connect when the server
// rejects the handshake. It matches ErrHandshakeDenied.
type HandshakeDeniedError struct {
	Reason string
}

func (e *HandshakeDeniedError) Error() string {
	if e.Reason == "" {
		return ErrHandshakeDenied.Error()
	}
	return fmt.Sprintf("%v: %s", ErrHandshakeDenied, e.Reason)
}

func (e *HandshakeDeniedError) Is(target error) bool {
	return target == ErrHandshakeDenied
}
