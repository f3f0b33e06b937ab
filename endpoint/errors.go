package endpoint

import (
	"errors"
	"fmt"

	"github.com/localrivet/gocoap/message"
)

// Sentinel errors from spec.md §7, usable with errors.Is.
var (
	ErrTimeout                  = errors.New("endpoint: timeout")
	ErrTooManyRequestsForEndpoint = errors.New("endpoint: too many requests for endpoint")
	ErrObservationTerminated    = errors.New("endpoint: observation terminated")
	ErrTransport                = errors.New("endpoint: transport failure")
	ErrProtocol                 = errors.New("endpoint: protocol error")
	ErrShutdown                 = errors.New("endpoint: shut down")
)

// TimeoutError carries the context of a transmission or delayed-response
// timeout (spec §7 "Timeout"), modeled on the teacher's client.TimeoutError.
type TimeoutError struct {
	Remote    string
	MsgID     uint16
	Token     message.Token
	Attempts  int
	Operation string // "retransmit" or "delayed-response"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("endpoint: %s timeout for %s msgid=%d token=%s after %d attempts",
		e.Operation, e.Remote, e.MsgID, e.Token, e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// QueueFullError reports admission failure for spec §4.4's enqueue cap.
type QueueFullError struct {
	Remote string
	Depth  int
	Cap    int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("endpoint: queue for %s at depth %d exceeds cap %d", e.Remote, e.Depth, e.Cap)
}

func (e *QueueFullError) Unwrap() error { return ErrTooManyRequestsForEndpoint }

// ObservationTerminatedError reports why an observation relation died
// (spec §4.7 item 5).
type ObservationTerminatedError struct {
	Remote string
	Token  message.Token
	Reason string // "reset", "non-notification-response", "peer-follow-up"
}

func (e *ObservationTerminatedError) Error() string {
	return fmt.Sprintf("endpoint: observation %s/%s terminated: %s", e.Remote, e.Token, e.Reason)
}

func (e *ObservationTerminatedError) Unwrap() error { return ErrObservationTerminated }

// CoapCodeError is raised by a resource handler to produce a protocol-level
// error response (spec §6 "Resource handler contract", §7 "CoapCode").
type CoapCodeError struct {
	Code    message.Code
	Payload []byte
}

func (e *CoapCodeError) Error() string {
	return fmt.Sprintf("endpoint: handler requested response code %s", e.Code)
}

// TransportError wraps a failure from the underlying send/receive
// collaborator (spec §7 "Transport").
type TransportError struct {
	Remote string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("endpoint: transport failure sending to %s: %v", e.Remote, e.Cause)
}

func (e *TransportError) Unwrap() error { return ErrTransport }

// ProtocolError reports a malformed or unsupported critical option
// (spec §7 "Protocol").
type ProtocolError struct {
	Remote       string
	OptionNumber message.OptionNumber
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("endpoint: unsupported critical option %d from %s", e.OptionNumber, e.Remote)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// IsTimeout reports whether err is, or wraps, a timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, ErrTimeout)
}

// IsQueueFull reports whether err is, or wraps, a queue admission failure.
func IsQueueFull(err error) bool {
	var qe *QueueFullError
	return errors.As(err, &qe) || errors.Is(err, ErrTooManyRequestsForEndpoint)
}

// IsObservationTerminated reports whether err is, or wraps, an observation
// termination.
func IsObservationTerminated(err error) bool {
	var oe *ObservationTerminatedError
	return errors.As(err, &oe) || errors.Is(err, ErrObservationTerminated)
}
