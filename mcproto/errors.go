package mcproto

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError reports bytes that cannot be a valid packet: a runaway varint, an
// oversized frame, an unexpected packet id or next state, or a truncated body.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err, or anything it wraps, is a *ProtocolError.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}
