// Package coapws implements transport.Transport over a single WebSocket
// binary-frame connection per peer, for the CoAP-over-WebSocket carrier
// named in spec.md §6. Each WebSocket message frames exactly one encoded
// CoAP message; there is no further header, since the socket framing
// already delimits messages (RFC 8323 §5).
package coapws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

// DefaultShutdownTimeout bounds how long Stop waits for the HTTP server to
// drain in-flight upgrades before closing sockets out from under it.
const DefaultShutdownTimeout = 10 * time.Second

// Transport is a WebSocket-backed transport.Transport. addr starting with
// "ws://" or "wss://" puts it in client mode (dials once, remote is addr
// itself); any other addr is a bind address for server mode, where each
// upgraded connection is addressed by its remote socket address.
type Transport struct {
	addr     string
	isClient bool
	logger   logx.Logger

	httpServer *http.Server
	receiver   transport.Receiver

	connsMu sync.Mutex
	conns   map[string]net.Conn

	doneCh chan struct{}
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger overrides the transport's logger.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates a coapws transport. addr determines client vs.
// server mode as described on Transport.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:     addr,
		isClient: strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://"),
		logger:   logx.NewDefaultLogger(),
		conns:    make(map[string]net.Conn),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start implements transport.Transport.
func (t *Transport) Start(receiver transport.Receiver) error {
	t.receiver = receiver

	if t.isClient {
		conn, _, _, err := ws.Dial(context.Background(), t.addr)
		if err != nil {
			return fmt.Errorf("coapws: dial %s: %w", t.addr, err)
		}
		t.connsMu.Lock()
		t.conns[t.addr] = conn
		t.connsMu.Unlock()
		go t.readLoop(t.addr, conn)
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.acceptConnection)
	t.httpServer = &http.Server{Addr: t.addr, Handler: mux}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("coapws: listen %s: %w", t.addr, err)
	}
	t.addr = ln.Addr().String()

	go func() {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("coapws: server exited: %v", err)
		}
	}()
	return nil
}

// Stop implements transport.Transport.
func (t *Transport) Stop() error {
	close(t.doneCh)

	t.connsMu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]net.Conn)
	t.connsMu.Unlock()

	if t.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return t.httpServer.Shutdown(ctx)
}

// Send implements transport.Transport. transportContext is unused: the
// remote string is the connection key in both client and server mode.
func (t *Transport) Send(msg *message.Message, remote string, _ interface{}) error {
	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("coapws: encode: %w", err)
	}

	t.connsMu.Lock()
	conn, ok := t.conns[remote]
	t.connsMu.Unlock()
	if !ok {
		return fmt.Errorf("coapws: no open connection to %s", remote)
	}

	if t.isClient {
		return wsutil.WriteClientMessage(conn, ws.OpBinary, raw)
	}
	return wsutil.WriteServerMessage(conn, ws.OpBinary, raw)
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() string { return t.addr }

func (t *Transport) acceptConnection(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		t.logger.Warn("coapws: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	remote := conn.RemoteAddr().String()

	t.connsMu.Lock()
	t.conns[remote] = conn
	t.connsMu.Unlock()

	go t.readLoop(remote, conn)
}

func (t *Transport) readLoop(remote string, conn net.Conn) {
	defer func() {
		conn.Close()
		t.connsMu.Lock()
		delete(t.conns, remote)
		t.connsMu.Unlock()
	}()

	for {
		var raw []byte
		var op ws.OpCode
		var err error
		if t.isClient {
			raw, op, err = wsutil.ReadServerData(conn)
		} else {
			raw, op, err = wsutil.ReadClientData(conn)
		}
		if err != nil {
			select {
			case <-t.doneCh:
			default:
				t.logger.Debug("coapws: connection to %s closed: %v", remote, err)
			}
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpBinary {
			continue
		}

		msg, err := message.Decode(raw)
		if err != nil {
			t.logger.Debug("coapws: dropping malformed frame from %s: %v", remote, err)
			continue
		}
		msg.Remote = remote
		if t.receiver != nil {
			t.receiver.Handle(msg, nil)
		}
	}
}
