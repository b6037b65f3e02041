package transport

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the transport's daemon or tool is absent. The
// registry excludes such transports from a refresh instead of failing it.
var ErrUnavailable = errors.New("transport unavailable")

// ProtocolError reports a malformed or failed protocol exchange. Message
// carries the daemon's error string verbatim when one was supplied. The
// error is fatal to the affected channel; whether it invalidates the whole
// daemon connection depends on the transport (see Bridge and Lockdown docs).
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
