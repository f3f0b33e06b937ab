package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/message"
)

// fakeTransport is a minimal transport.Transport double: it records every
// outbound message and lets tests drive inbound delivery directly via the
// endpoint's Handle method rather than through a real network loop.
type fakeTransport struct {
	mu   sync.Mutex
	sent []*message.Message
}

func (f *fakeTransport) Start(_ interface {
	Handle(msg *message.Message, transportContext interface{})
}) error {
	return nil
}
func (f *fakeTransport) Stop() error { return nil }
func (f *fakeTransport) Send(msg *message.Message, remote string, txCtx interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) LocalAddress() string { return "fake:0" }

func (f *fakeTransport) last() *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEndpoint(clock Clock) (*Endpoint, *fakeTransport) {
	cfg := DefaultConfig()
	cfg.AckRandomFactor = 1.0 // deterministic retransmit timing for tests
	ft := &fakeTransport{}
	return NewEndpoint(ft, cfg, clock, nil), ft
}

func TestEndpointConRequestPiggybackAck(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ep, ft := newTestEndpoint(clock)

	req := &message.Message{Type: message.CON, Code: message.GET, Remote: "peer:1", Token: []byte{0x01}}
	req.Options.SetPath("/temp")

	var gotResp *message.Message
	var gotErr error
	require.NoError(t, ep.Send(req, PriorityNormal, false, nil, func(resp *message.Message, err error) {
		gotResp, gotErr = resp, err
	}))
	require.Equal(t, 1, ft.count())

	ack := &message.Message{Type: message.ACK, Code: message.Content, MsgID: req.MsgID, Token: req.Token, Remote: "peer:1", Payload: []byte("21C")}
	ep.Handle(ack, nil)

	require.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	assert.Equal(t, []byte("21C"), gotResp.Payload)
	assert.Equal(t, 0, ep.txs.Total())
}

func TestEndpointEmptyAckThenSeparateResponse(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ep, ft := newTestEndpoint(clock)

	req := &message.Message{Type: message.CON, Code: message.GET, Remote: "peer:1", Token: []byte{0x02}}
	req.Options.SetPath("/slow")

	var gotResp *message.Message
	var gotErr error
	require.NoError(t, ep.Send(req, PriorityNormal, false, nil, func(resp *message.Message, err error) {
		gotResp, gotErr = resp, err
	}))

	emptyAck := &message.Message{Type: message.ACK, MsgID: req.MsgID, Remote: "peer:1"}
	ep.Handle(emptyAck, nil)
	assert.Equal(t, 1, ep.delayed.Len())
	assert.Equal(t, 0, ep.txs.Total())

	clock.Advance(3 * time.Second)
	separate := &message.Message{Type: message.CON, Code: message.Content, MsgID: 0x2000, Token: req.Token, Remote: "peer:1", Payload: []byte("ok")}
	ep.Handle(separate, nil)

	last := ft.last()
	require.NotNil(t, last)
	assert.Equal(t, message.ACK, last.Type)
	assert.Equal(t, uint16(0x2000), last.MsgID)

	require.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	assert.Equal(t, []byte("ok"), gotResp.Payload)
	assert.Equal(t, 0, ep.delayed.Len())
}

func TestEndpointRetransmitThenTimeout(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ep, ft := newTestEndpoint(clock)

	req := &message.Message{Type: message.CON, Code: message.GET, Remote: "peer:1", Token: []byte{0x03}}
	req.Options.SetPath("/unreachable")

	var gotErr error
	done := make(chan struct{})
	require.NoError(t, ep.Send(req, PriorityNormal, false, nil, func(resp *message.Message, err error) {
		gotErr = err
		close(done)
	}))
	require.Equal(t, 1, ft.count())

	// schedule: initial deadline at t=2; each subsequent arm doubles the
	// interval from the tick it fires on (t=2,6,14,30), final arm at t=30
	// with a 32s window exhausts the 4-attempt budget at t=62.
	deadlines := []time.Duration{2, 6, 14, 30}
	for i, d := range deadlines {
		clock.Advance(time.Duration(d)*time.Second - clock.Now().Sub(time.Unix(0, 0)))
		ep.Tick()
		require.Equalf(t, i+2, ft.count(), "expected a retransmit at deadline %d", d)
	}

	clock.Advance(32 * time.Second)
	ep.Tick()

	select {
	case <-done:
	default:
		t.Fatal("completion callback was not invoked after retransmit budget exhausted")
	}
	assert.ErrorIs(t, gotErr, ErrTimeout)
	assert.Equal(t, 0, ep.txs.Total())
}

func TestEndpointDuplicateRequestInvokesHandlerOnce(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ep, ft := newTestEndpoint(clock)

	handlerCalls := 0
	require.NoError(t, ep.Router().Handle("/x", func(ex *Exchange) error {
		handlerCalls++
		ex.Response.Code = message.Changed
		ex.Response.Payload = []byte("done")
		return nil
	}))

	first := &message.Message{Type: message.CON, Code: message.PUT, MsgID: 0x300, Remote: "peer:2", Token: []byte{0x09}}
	first.Options.SetPath("/x")
	ep.Handle(first, nil)
	assert.Equal(t, 1, handlerCalls)
	assert.Equal(t, 1, ft.count())

	dup := &message.Message{Type: message.CON, Code: message.PUT, MsgID: 0x300, Remote: "peer:2", Token: []byte{0x09}}
	dup.Options.SetPath("/x")
	ep.Handle(dup, nil)

	assert.Equal(t, 1, handlerCalls, "handler must not be invoked twice for a duplicate")
	require.Equal(t, 2, ft.count(), "the cached response must be replayed")
	assert.Equal(t, ft.sent[0].Payload, ft.sent[1].Payload)
}

type testObservationHandler struct {
	notifications [][]byte
	terminatedErr error
}

func (h *testObservationHandler) Notify(n *message.Message) {
	h.notifications = append(h.notifications, n.Payload)
}
func (h *testObservationHandler) Terminate(err error) { h.terminatedErr = err }

func TestEndpointObservationNotifyAndTerminate(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	ep, ft := newTestEndpoint(clock)

	token := message.Token{0xAA}
	handler := &testObservationHandler{}
	ep.RegisterObservationHandler("peer:3", token, handler)

	n1 := &message.Message{Type: message.NON, Code: message.Content, Remote: "peer:3", Token: token, Payload: []byte("v1")}
	n1.Options.SetObserve(1)
	ep.Handle(n1, nil)
	require.Len(t, handler.notifications, 1)
	assert.Equal(t, []byte("v1"), handler.notifications[0])

	n2 := &message.Message{Type: message.CON, Code: message.Content, MsgID: 0x9000, Remote: "peer:3", Token: token, Payload: []byte("v2")}
	n2.Options.SetObserve(2)
	ep.Handle(n2, nil)
	require.Len(t, handler.notifications, 2)
	last := ft.last()
	require.NotNil(t, last)
	assert.Equal(t, message.ACK, last.Type)
	assert.Equal(t, uint16(0x9000), last.MsgID)

	rst := &message.Message{Type: message.RST, Remote: "peer:3", Token: token}
	ep.Handle(rst, nil)
	require.Error(t, handler.terminatedErr)
	assert.True(t, IsObservationTerminated(handler.terminatedErr))

	// further notifications for the unregistered token are dropped
	n3 := &message.Message{Type: message.NON, Code: message.Content, Remote: "peer:3", Token: token, Payload: []byte("v3")}
	ep.Handle(n3, nil)
	assert.Len(t, handler.notifications, 2)
}
