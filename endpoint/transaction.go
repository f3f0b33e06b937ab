package endpoint

import (
	"math/rand"
	"time"

	"github.com/localrivet/gocoap/message"
)

// Priority orders the per-endpoint transaction queue (spec §4.3, §4.4).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// CompletionCallback is invoked exactly once when a Transaction finishes,
// either with the response that completed it or with a terminal error
// (ErrTimeout, ErrShutdown, ...). Modeled on the teacher's backoff/retry
// callback shape (client/backoff.go) generalized to CoAP's
// response-or-error completion.
type CompletionCallback func(resp *message.Message, err error)

// RetransmitSchedule computes per-attempt deadlines for a confirmable
// exchange (spec §4.3): ackTimeout * random factor in [1.0, factor] for
// the first attempt, doubling on each subsequent attempt, capped at
// maxRetransmit attempts.
type RetransmitSchedule struct {
	AckTimeout      time.Duration
	MaxRetransmit   int
	AckRandomFactor float64
}

// InitialTimeout returns the randomized timeout for attempt 0, following
// the same randomized-interval idiom as dustin-go-coap's randTimeout and
// the teacher's client.ExponentialBackoff jitter.
func (s RetransmitSchedule) InitialTimeout() time.Duration {
	if s.AckRandomFactor <= 1.0 {
		return s.AckTimeout
	}
	factor := 1.0 + rand.Float64()*(s.AckRandomFactor-1.0)
	return time.Duration(float64(s.AckTimeout) * factor)
}

// NextTimeout doubles the previous attempt's timeout (spec §4.3:
// "ackTimeout x 2^k").
func (s RetransmitSchedule) NextTimeout(previous time.Duration) time.Duration {
	return previous * 2
}

// Transaction is one outstanding confirmable exchange (spec §3).
type Transaction struct {
	Msg      *message.Message
	Remote   string
	Priority Priority

	// Confirmable mirrors Msg.Type == message.CON at construction time:
	// only confirmable transactions are retransmitted and can time out on
	// the transmission schedule (spec §4.3). A non-confirmable
	// transaction is completed only by a matching response or by
	// endpoint shutdown.
	Confirmable bool

	schedule RetransmitSchedule
	clock    Clock

	attempt  int // 0-indexed count of attempts made so far
	deadline time.Time
	lastSent time.Duration

	Callback CompletionCallback

	// TransportContext is round-tripped to the transport's Send call
	// (spec §6, e.g. DTLS session identity).
	TransportContext interface{}

	locked bool // set while removeAndLock holds this transaction out of the queue
	done   bool // true once Callback has fired; guards against double-firing
}

// NewTransaction creates a transaction for an outbound CON message and
// arms its first deadline.
func NewTransaction(msg *message.Message, schedule RetransmitSchedule, clock Clock, cb CompletionCallback, priority Priority, txCtx interface{}) *Transaction {
	t := &Transaction{
		Msg:              msg,
		Remote:           msg.Remote,
		Priority:         priority,
		Confirmable:      msg.Type == message.CON,
		schedule:         schedule,
		clock:            clock,
		Callback:         cb,
		TransportContext: txCtx,
	}
	t.lastSent = schedule.InitialTimeout()
	t.deadline = clock.Now().Add(t.lastSent)
	return t
}

// Key identifies the transaction by (remote, message id), per spec §3.
func (t *Transaction) Key() message.Key { return t.Msg.Key() }

// TokenKey identifies the transaction by (token, remote), used for
// separate-response matching and promotion into a delayed transaction.
func (t *Transaction) TokenKey() message.TokenKey { return t.Msg.TokenKey() }

// DeadlinePassed reports whether now is at or after the transaction's
// current retransmit deadline.
func (t *Transaction) DeadlinePassed(now time.Time) bool {
	return !now.Before(t.deadline)
}

// Exhausted reports whether the transaction has already made its final
// allowed attempt (spec §4.3: "if k == maxRetransmit, fail with TIMEOUT").
func (t *Transaction) Exhausted() bool {
	return t.attempt >= t.schedule.MaxRetransmit
}

// ArmNextAttempt increments the attempt counter and re-arms the deadline
// at double the previous interval (spec §4.3).
func (t *Transaction) ArmNextAttempt(now time.Time) {
	t.attempt++
	t.lastSent = t.schedule.NextTimeout(t.lastSent)
	t.deadline = now.Add(t.lastSent)
}

// Attempt returns the 0-indexed count of attempts made so far.
func (t *Transaction) Attempt() int { return t.attempt }

// Complete fires the callback exactly once.
func (t *Transaction) Complete(resp *message.Message, err error) {
	if t.done {
		return
	}
	t.done = true
	if t.Callback != nil {
		t.Callback(resp, err)
	}
}

// Done reports whether Complete has already fired.
func (t *Transaction) Done() bool { return t.done }
