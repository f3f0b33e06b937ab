// Package endpoint implements the CoAP endpoint core described by
// spec.md §4: message-id issuance, duplicate suppression, confirmable
// retransmission, delayed-response correlation, observation relations
// and the inbound dispatcher tying them together. Within this module it
// depends only on the message and transport packages and on logx for
// diagnostics — no concrete transport lives here; router.go and config.go
// also use the wilduri and mapstructure libraries.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

// ObservationHandler is the client-side collaborator for an observe
// registered by this endpoint against a remote resource (spec §6
// "Observation handler contract"). Notify is called for every valid
// notification; Terminate is called once, when the relation dies.
type ObservationHandler interface {
	Notify(notification *message.Message)
	Terminate(err error)
}

// Endpoint is one CoAP endpoint instance: its own message-id supplier,
// duplicate cache, transaction manager, delayed-transaction manager and
// router, bound to exactly one transport (spec §9 "Global-ish state":
// nothing here is process-wide).
type Endpoint struct {
	config    Config
	clock     Clock
	logger    logx.Logger
	transport transport.Transport

	msgIDs  *MessageIDSupplier
	dedup   *DuplicateDetector
	txs     *TransactionManager
	delayed *DelayedTransactionManager
	router  *Router

	obsMu        sync.Mutex
	observations map[message.TokenKey]ObservationHandler

	tickStop chan struct{}
	tickDone chan struct{}
}

// replaySenderAdapter bridges DuplicateDetector's ReplaySender contract
// to the endpoint's own transport, with no stored remote/transportContext
// beyond what the cached response itself carries.
type replaySenderAdapter struct {
	e *Endpoint
}

func (a replaySenderAdapter) Replay(resp *message.Message) error {
	return a.e.transport.Send(resp, resp.Remote, nil)
}

// NewEndpoint creates an endpoint bound to t. Call Start before any
// message is delivered to it.
func NewEndpoint(t transport.Transport, cfg Config, clock Clock, logger logx.Logger) *Endpoint {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	e := &Endpoint{
		config:       cfg,
		clock:        clock,
		logger:       logger,
		transport:    t,
		msgIDs:       NewMessageIDSupplier(),
		txs:          NewTransactionManager(cfg.PerEndpointQueueCap, logger),
		delayed:      NewDelayedTransactionManager(cfg.DelayedTransactionTimeout, clock, logger),
		router:       NewRouter(),
		observations: make(map[message.TokenKey]ObservationHandler),
	}
	e.dedup = NewDuplicateDetector(cfg.DuplicateCacheSize, cfg.DuplicateTTL, clock, replaySenderAdapter{e}, logger)
	return e
}

// Router exposes the path-based handler registry (spec §4.7 "URI
// matching") for resources to register against.
func (e *Endpoint) Router() *Router { return e.router }

// transportSender adapts an Endpoint's bound transport to the Sender
// contract ObservableResource.NotifyChange/NotifyTermination need.
type transportSender struct{ e *Endpoint }

func (s transportSender) SendNON(msg *message.Message, remote string, txCtx interface{}) error {
	return s.e.transport.Send(msg, remote, txCtx)
}

func (s transportSender) SendCON(txn *Transaction) error {
	return s.e.transmit(txn)
}

// Sender returns this endpoint's transport wrapped as an
// ObservableResource Sender, for callers driving NotifyChange /
// NotifyTermination directly against the endpoint's own transport.
func (e *Endpoint) Sender() Sender { return transportSender{e} }

// NewObservableResource creates and returns a resource at path, wired to
// this endpoint's transaction manager and retransmission schedule (spec
// §4.6).
func (e *Endpoint) NewObservableResource(path string, listener DeliveryListener) *ObservableResource {
	return NewObservableResource(path, e.config.ForceConFrequency, e.txs, e.config.RetransmitSchedule(), e.clock, listener, e.logger)
}

// RegisterObservationHandler installs the client-side handler for
// notifications carrying token from remote (spec §6 "Observation handler
// contract").
func (e *Endpoint) RegisterObservationHandler(remote string, token message.Token, handler ObservationHandler) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observations[message.TokenKey{Remote: remote, Token: string(token)}] = handler
}

// UnregisterObservationHandler removes a previously registered handler.
func (e *Endpoint) UnregisterObservationHandler(remote string, token message.Token) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	delete(e.observations, message.TokenKey{Remote: remote, Token: string(token)})
}

func (e *Endpoint) observationHandlerFor(tk message.TokenKey) (ObservationHandler, bool) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	h, ok := e.observations[tk]
	return h, ok
}

// NextMessageID issues the next message id from this endpoint's supplier.
func (e *Endpoint) NextMessageID() uint16 { return e.msgIDs.Next() }

// Start begins the periodic tick (spec §4.8) and the underlying
// transport's receive loop, wiring this endpoint as its Receiver.
func (e *Endpoint) Start() error {
	if err := e.transport.Start(e); err != nil {
		return err
	}
	e.tickStop = make(chan struct{})
	e.tickDone = make(chan struct{})
	go e.tickLoop()
	return nil
}

// Stop halts the tick loop, stops the transport, and synchronously fails
// every pending transaction and delayed transaction with ErrShutdown
// (spec §5 "Cancellation and timeouts").
func (e *Endpoint) Stop() error {
	if e.tickStop != nil {
		close(e.tickStop)
		<-e.tickDone
	}
	err := e.transport.Stop()

	for _, txn := range e.txs.DrainAll() {
		txn.Complete(nil, ErrShutdown)
	}
	for _, txn := range e.delayed.DrainAll() {
		txn.Complete(nil, ErrShutdown)
	}
	return err
}

func (e *Endpoint) tickLoop() {
	defer close(e.tickDone)
	ticker := time.NewTicker(e.config.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.tickStop:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one pass of the periodic task described in spec §4.8. It is
// exported so tests and hosts that prefer to drive ticks manually (e.g.
// against a ManualClock) can call it directly instead of waiting on the
// wall-clock ticker started by Start.
func (e *Endpoint) Tick() {
	now := e.clock.Now()

	for _, txn := range e.txs.FindTimeoutTransactions(now) {
		if txn.Exhausted() {
			e.txs.RemoveInFlight(txn.Remote)
			txn.Complete(nil, &TimeoutError{Remote: txn.Remote, MsgID: txn.Msg.MsgID, Token: txn.Msg.Token, Attempts: txn.Attempt(), Operation: "retransmit"})
			if next, ok := e.txs.UnlockOrRemoveAndGetNext(txn.Remote); ok {
				e.transmit(next)
			}
			continue
		}
		txn.ArmNextAttempt(now)
		if err := e.transport.Send(txn.Msg, txn.Remote, txn.TransportContext); err != nil {
			e.logger.Warn("endpoint: retransmit to %s failed: %v", txn.Remote, err)
		}
	}

	for _, txn := range e.delayed.Sweep() {
		txn.Complete(nil, &TimeoutError{Remote: txn.Remote, MsgID: txn.Msg.MsgID, Token: txn.Msg.Token, Attempts: txn.Attempt(), Operation: "delayed-response"})
	}

	e.dedup.Evict()
}

// Send enqueues an outbound request through this endpoint's per-remote
// transaction queue (spec §4.4) and transmits it immediately if it is
// admitted as the in-flight transaction for its remote.
func (e *Endpoint) Send(msg *message.Message, priority Priority, forceAdmit bool, txCtx interface{}, cb CompletionCallback) error {
	if msg.MsgID == 0 {
		msg.MsgID = e.msgIDs.Next()
	}
	txn := NewTransaction(msg, e.config.RetransmitSchedule(), e.clock, cb, priority, txCtx)

	ready, err := e.txs.Enqueue(txn, forceAdmit)
	if err != nil {
		return err
	}
	if ready {
		return e.transmit(txn)
	}
	return nil
}

func (e *Endpoint) transmit(txn *Transaction) error {
	if err := e.transport.Send(txn.Msg, txn.Remote, txn.TransportContext); err != nil {
		e.txs.RemoveInFlight(txn.Remote)
		wrapped := &TransportError{Remote: txn.Remote, Cause: err}
		txn.Complete(nil, wrapped)
		if next, ok := e.txs.UnlockOrRemoveAndGetNext(txn.Remote); ok {
			e.transmit(next)
		}
		return wrapped
	}
	return nil
}

// Handle implements transport.Receiver. It classifies msg per spec §4.7
// and dispatches to the matching internal handler.
func (e *Endpoint) Handle(msg *message.Message, txCtx interface{}) {
	switch {
	case msg.IsPing():
		e.handlePing(msg, txCtx)
	case msg.Code.IsRequest():
		e.handleRequest(msg, txCtx)
	case msg.Type == message.ACK && msg.IsEmpty():
		e.handleEmptyAck(msg, txCtx)
	default:
		e.handleResponseLike(msg, txCtx)
	}
}

// handlePing implements spec §4.7 item 1.
func (e *Endpoint) handlePing(msg *message.Message, txCtx interface{}) {
	if action := e.dedup.Observe(msg); action != ActionProcess {
		return
	}
	resp := &message.Message{Type: message.RST, MsgID: msg.MsgID, Remote: msg.Remote}
	if err := e.transport.Send(resp, msg.Remote, txCtx); err != nil {
		e.logger.Warn("endpoint: failed to RST ping from %s: %v", msg.Remote, err)
	}
	e.dedup.RecordResponse(msg, resp)
}

// newResponseSkeleton mirrors spec §6's createResponse helper: a CON
// request gets an ACK skeleton carrying its message id (piggyback), a NON
// request gets a fresh NON skeleton with a newly issued message id.
func (e *Endpoint) newResponseSkeleton(req *message.Message) *message.Message {
	if req.Type == message.CON {
		return req.CreateResponse(message.CodeEmpty)
	}
	return &message.Message{
		Type:    message.NON,
		MsgID:   e.msgIDs.Next(),
		Token:   req.Token,
		Remote:  req.Remote,
		Options: message.OptionSet{},
	}
}

// handleRequest implements spec §4.7 item 2.
func (e *Endpoint) handleRequest(msg *message.Message, txCtx interface{}) {
	action := e.dedup.Observe(msg)
	if action != ActionProcess {
		return
	}

	resp := e.newResponseSkeleton(msg)

	if e.config.CriticalOptionTestEnabled {
		if optNum, bad := msg.Options.UnknownCritical(); bad {
			resp.Code = message.BadOption
			e.logger.Debug("endpoint: rejecting unsupported critical option %d from %s", optNum, msg.Remote)
			e.sendResponse(msg, resp, txCtx)
			return
		}
	}

	handler, ok := e.router.Lookup(msg.Options.Path())
	if !ok {
		resp.Code = message.NotFound
		e.sendResponse(msg, resp, txCtx)
		return
	}

	ex := &Exchange{Request: msg, Remote: msg.Remote, TransportContext: txCtx, Response: resp, Context: context.Background()}
	if err := e.invokeHandler(handler, ex); err != nil {
		var codeErr *CoapCodeError
		if errors.As(err, &codeErr) {
			ex.Response.Code = codeErr.Code
			ex.Response.Payload = codeErr.Payload
		} else {
			e.logger.Error("endpoint: handler for %s failed: %v", msg.Options.Path(), err)
			ex.Response.Code = message.InternalServerError
		}
	}
	e.sendResponse(msg, ex.Response, txCtx)
}

// invokeHandler calls handler, converting a panic into a 5.00-producing
// error (spec §6 "Any other thrown error becomes 5.00").
func (e *Endpoint) invokeHandler(handler Handler, ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint: handler panic: %v", r)
		}
	}()
	return handler(ex)
}

func (e *Endpoint) sendResponse(req, resp *message.Message, txCtx interface{}) {
	if err := e.transport.Send(resp, req.Remote, txCtx); err != nil {
		e.logger.Warn("endpoint: failed to send response to %s: %v", req.Remote, err)
	}
	e.dedup.RecordResponse(req, resp)
}

// handleEmptyAck implements spec §4.7 item 4.
func (e *Endpoint) handleEmptyAck(msg *message.Message, txCtx interface{}) {
	txn, ok := e.txs.RemoveAndLock(msg.Key())
	if !ok {
		return
	}
	e.delayed.Insert(txn)
	if next, ok := e.txs.UnlockOrRemoveAndGetNext(txn.Remote); ok {
		e.transmit(next)
	}
}

// handleResponseLike covers spec §4.7 items 3, 5 and 6: a response to an
// outstanding primary or delayed transaction, an observation
// notification, or an unmatched message.
func (e *Endpoint) handleResponseLike(msg *message.Message, txCtx interface{}) {
	if txn, ok := e.txs.RemoveAndLock(msg.Key()); ok {
		e.completeTransaction(txn, msg)
		return
	}

	if txn, ok := e.delayed.RemoveForSeparateResponse(msg.TokenKey()); ok {
		if msg.Type == message.CON {
			ack := &message.Message{Type: message.ACK, MsgID: msg.MsgID, Remote: msg.Remote}
			if err := e.transport.Send(ack, msg.Remote, txCtx); err != nil {
				e.logger.Warn("endpoint: failed to ack separate response from %s: %v", msg.Remote, err)
			}
		}
		txn.Complete(msg, nil)
		return
	}

	if handler, ok := e.observationHandlerFor(msg.TokenKey()); ok {
		e.handleObservationNotification(msg, handler, txCtx)
		return
	}

	if msg.Type != message.ACK {
		rst := &message.Message{Type: message.RST, MsgID: msg.MsgID, Remote: msg.Remote}
		if err := e.transport.Send(rst, msg.Remote, txCtx); err != nil {
			e.logger.Warn("endpoint: failed to RST unmatched message from %s: %v", msg.Remote, err)
		}
	}
}

func (e *Endpoint) completeTransaction(txn *Transaction, msg *message.Message) {
	var err error
	if msg.Type == message.RST {
		err = fmt.Errorf("endpoint: peer reset transaction to %s", txn.Remote)
	}
	txn.Complete(msg, err)
	if next, ok := e.txs.UnlockOrRemoveAndGetNext(txn.Remote); ok {
		e.transmit(next)
	}
}

// handleObservationNotification implements spec §4.7 item 5.
func (e *Endpoint) handleObservationNotification(msg *message.Message, handler ObservationHandler, txCtx interface{}) {
	_, hasObserve := msg.Options.Observe()
	isNotificationCode := msg.Code == message.Content || msg.Code == message.Valid
	if msg.Type == message.RST || !hasObserve || !isNotificationCode {
		e.UnregisterObservationHandler(msg.Remote, msg.Token)
		reason := "non-notification-response"
		if msg.Type == message.RST {
			reason = "reset"
		} else if !hasObserve {
			reason = "peer-follow-up"
		}
		handler.Terminate(&ObservationTerminatedError{Remote: msg.Remote, Token: msg.Token, Reason: reason})
		return
	}

	if msg.Type == message.CON {
		ack := msg.CreateResponse(message.CodeEmpty)
		if err := e.transport.Send(ack, msg.Remote, txCtx); err != nil {
			e.logger.Warn("endpoint: failed to ack notification from %s: %v", msg.Remote, err)
		}
	}
	handler.Notify(msg)
}
