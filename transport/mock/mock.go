// Package mock provides an in-process transport pair for tests that need a
// real transport.Transport without a socket, grounded on the teacher's
// client/transport_inmemory.go.
package mock

import (
	"fmt"
	"sync"

	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

// Transport is one side of an in-memory transport.Transport pair. Sending
// delivers synchronously to the peer's registered receiver, on the calling
// goroutine, mirroring the teacher's in-memory transport semantics.
type Transport struct {
	localAddr string

	mu       sync.RWMutex
	receiver transport.Receiver
	peer     *Transport
	stopped  bool
}

// NewPair returns two linked transports addressed by clientAddr and
// serverAddr respectively; sending on one delivers to the other with Remote
// set to the sender's address.
func NewPair(clientAddr, serverAddr string) (client *Transport, server *Transport) {
	client = &Transport{localAddr: clientAddr}
	server = &Transport{localAddr: serverAddr}
	client.peer = server
	server.peer = client
	return client, server
}

// Start implements transport.Transport.
func (t *Transport) Start(receiver transport.Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = receiver
	t.stopped = false
	return nil
}

// Stop implements transport.Transport.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// Send implements transport.Transport. remote is ignored and not
// validated: a mock pair has exactly one possible destination per side.
func (t *Transport) Send(msg *message.Message, remote string, txCtx interface{}) error {
	t.mu.RLock()
	peer := t.peer
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		return fmt.Errorf("mock: transport %s stopped", t.localAddr)
	}

	peer.mu.RLock()
	receiver := peer.receiver
	peerStopped := peer.stopped
	peer.mu.RUnlock()
	if peerStopped || receiver == nil {
		return fmt.Errorf("mock: peer %s not listening", peer.localAddr)
	}

	delivered := cloneMessage(msg)
	delivered.Remote = t.localAddr
	receiver.Handle(delivered, txCtx)
	return nil
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() string { return t.localAddr }

func cloneMessage(m *message.Message) *message.Message {
	clone := *m
	clone.Token = append(message.Token{}, m.Token...)
	clone.Options = append(message.OptionSet{}, m.Options...)
	clone.Payload = append([]byte{}, m.Payload...)
	return &clone
}
