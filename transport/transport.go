// Package transport defines the abstract transport and receiver
// contracts the endpoint core is built against (spec §6 "Transport
// (consumed)"). Concrete transports live in subpackages: udp for plain
// UDP, coapws for CoAP-over-WebSocket, mock for in-process tests.
package transport

import "github.com/localrivet/gocoap/message"

// Receiver is implemented by the endpoint core. Handle carries no
// framing or retransmission responsibility of its own — decoding happens
// in the transport before Handle is called; duplicate suppression and
// dispatch happen inside the receiver.
type Receiver interface {
	Handle(msg *message.Message, transportContext interface{})
}

// Transport is the abstract carrier the endpoint core is built against.
// transportContext is an opaque value round-tripped between Receiver.Handle
// and Send, used for session-identifying data such as a DTLS session
// handle; implementations that have none may pass nil consistently.
type Transport interface {
	// Start begins delivering inbound messages to receiver. It must not
	// block; inbound delivery happens on transport-owned goroutines.
	Start(receiver Receiver) error

	// Stop releases the transport's resources. After Stop returns, no
	// further calls to the receiver will occur.
	Stop() error

	// Send transmits msg to remote. transportContext, if non-nil, was
	// previously supplied by a call to Receiver.Handle for this remote.
	Send(msg *message.Message, remote string, transportContext interface{}) error

	// LocalAddress reports the address this transport is bound to.
	LocalAddress() string
}
