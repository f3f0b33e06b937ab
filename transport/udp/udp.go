// Package udp implements transport.Transport over plain UDP, the default
// carrier for CoAP described in spec.md §6. Datagram loss and reordering
// are left entirely to the endpoint's own retransmission and duplicate
// detection; this package only encodes, decodes and ships packets.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

// DefaultMaxPacketSize is conservative enough to avoid IP fragmentation on
// most paths; CoAP messages that need more room belong on a transport that
// itself supports large payloads (spec §1 non-goal: "no Block-wise
// transfer").
const DefaultMaxPacketSize = 1400

// Option configures a Transport at construction time, mirroring the
// functional-options idiom the teacher uses for its own transports.
type Option func(*Transport)

// WithMaxPacketSize overrides DefaultMaxPacketSize.
func WithMaxPacketSize(size int) Option {
	return func(t *Transport) { t.maxPacketSize = size }
}

// WithLogger overrides the transport's logger.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport is a UDP-backed transport.Transport. Constructed for either a
// bound server socket (addr is a local bind address) or a connected client
// socket (addr is the remote to dial); both modes share the same read loop
// once the *net.UDPConn exists.
type Transport struct {
	addr          string
	isServer      bool
	maxPacketSize int
	logger        logx.Logger

	mu       sync.RWMutex
	conn     *net.UDPConn
	receiver transport.Receiver
	stopped  chan struct{}
}

// NewTransport creates a UDP transport. When isServer is true, addr is
// resolved and bound for listening; otherwise addr is the remote the
// socket connects to, and in that client mode Send ignores its remote
// argument and always writes to addr.
func NewTransport(addr string, isServer bool, opts ...Option) *Transport {
	t := &Transport{
		addr:          addr,
		isServer:      isServer,
		maxPacketSize: DefaultMaxPacketSize,
		logger:        logx.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start implements transport.Transport.
func (t *Transport) Start(receiver transport.Receiver) error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return fmt.Errorf("udp: resolve %s: %w", t.addr, err)
	}

	var conn *net.UDPConn
	if t.isServer {
		conn, err = net.ListenUDP("udp", udpAddr)
	} else {
		conn, err = net.DialUDP("udp", nil, udpAddr)
	}
	if err != nil {
		return fmt.Errorf("udp: open %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.receiver = receiver
	t.stopped = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(conn, t.stopped)
	return nil
}

// Stop implements transport.Transport.
func (t *Transport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	stopped := t.stopped
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if stopped != nil {
		close(stopped)
	}
	return conn.Close()
}

// Send implements transport.Transport. transportContext is unused by plain
// UDP, which carries no session identity beyond the address itself.
func (t *Transport) Send(msg *message.Message, remote string, _ interface{}) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("udp: transport not started")
	}

	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("udp: encode: %w", err)
	}
	if len(raw) > t.maxPacketSize {
		return fmt.Errorf("udp: encoded message %d bytes exceeds max packet size %d", len(raw), t.maxPacketSize)
	}

	if t.isServer {
		dst, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return fmt.Errorf("udp: resolve remote %s: %w", remote, err)
		}
		_, err = conn.WriteToUDP(raw, dst)
		return err
	}
	_, err = conn.Write(raw)
	return err
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return t.addr
	}
	return t.conn.LocalAddr().String()
}

func (t *Transport) readLoop(conn *net.UDPConn, stopped chan struct{}) {
	buf := make([]byte, t.maxPacketSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopped:
				return
			default:
				t.logger.Warn("udp: read error: %v", err)
				return
			}
		}

		msg, err := message.Decode(buf[:n])
		if err != nil {
			t.logger.Debug("udp: dropping malformed packet from %s: %v", remote, err)
			continue
		}
		msg.Remote = remote.String()

		t.mu.RLock()
		receiver := t.receiver
		t.mu.RUnlock()
		if receiver != nil {
			receiver.Handle(msg, nil)
		}
	}
}
