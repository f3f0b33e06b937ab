package client

import (
	"errors"
	"fmt"

	"github.com/localrivet/gocoap/message"
)

// ServerError reports a response whose code was not a 2.xx success (spec
// §7 "CoapCode"), surfaced to callers alongside the raw response so they
// can still inspect the payload (diagnostic text per RFC 7252 §5.5.2).
type ServerError struct {
	Code    message.Code
	Payload []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server responded %s: %s", e.Code, e.Payload)
}

// ErrServerError is the sentinel every *ServerError wraps, for
// errors.Is-based callers that don't need the code or payload.
var ErrServerError = errors.New("client: server error response")

func (e *ServerError) Unwrap() error { return ErrServerError }

// IsServerError reports whether err is, or wraps, a *ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se) || errors.Is(err, ErrServerError)
}
