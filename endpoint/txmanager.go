package endpoint

import (
	"container/heap"
	"sync"
	"time"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
)

// pqItem is one entry in an endpoint's pending queue. Priority queue
// discipline (HIGH > NORMAL > LOW, FIFO within a priority, spec §4.3) is
// implemented with container/heap: no third-party priority-queue library
// appears anywhere in the retrieved example pack, and the discipline
// needed here is small enough that pulling one in would not pay for
// itself (see DESIGN.md).
type pqItem struct {
	txn *Transaction
	seq uint64 // insertion sequence, breaks priority ties FIFO
}

type transactionHeap []*pqItem

func (h transactionHeap) Len() int { return len(h) }
func (h transactionHeap) Less(i, j int) bool {
	if h[i].txn.Priority != h[j].txn.Priority {
		return h[i].txn.Priority > h[j].txn.Priority // HIGH first
	}
	return h[i].seq < h[j].seq
}
func (h transactionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *transactionHeap) Push(x any)   { *h = append(*h, x.(*pqItem)) }
func (h *transactionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// endpointQueue holds the single in-flight transaction and the waiting
// queue for one remote endpoint (spec §4.4: "at most one in-flight
// transaction per endpoint").
type endpointQueue struct {
	inFlight *Transaction
	pending  transactionHeap
}

// TransactionManager implements spec §4.4: per-endpoint FIFO/priority
// queues with admission control, at most one in-flight transaction per
// remote, and the removeAndLock/unlockOrRemoveAndGetNext two-step that
// keeps response-handler work from racing the next queued transaction
// (spec §4.4 "Rationale", §9 "Callback re-entrancy").
type TransactionManager struct {
	mu       sync.Mutex
	byRemote map[string]*endpointQueue
	queueCap int // 0 = unbounded
	nextSeq  uint64
	total    int
	logger   logx.Logger
}

// NewTransactionManager creates a manager with the given per-endpoint
// queue cap (0 = unbounded, spec §6 default).
func NewTransactionManager(queueCap int, logger logx.Logger) *TransactionManager {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &TransactionManager{
		byRemote: make(map[string]*endpointQueue),
		queueCap: queueCap,
		logger:   logger,
	}
}

func (m *TransactionManager) queueFor(remote string) *endpointQueue {
	q, ok := m.byRemote[remote]
	if !ok {
		q = &endpointQueue{}
		m.byRemote[remote] = q
	}
	return q
}

// Enqueue implements spec §4.4 enqueue(trans, forceAdmit). If no
// transaction is currently in-flight for trans's remote, trans becomes
// in-flight immediately and Enqueue returns (true, nil): the caller must
// transmit it. Otherwise it is appended to the endpoint's priority queue
// and Enqueue returns (false, nil), unless the queue is at capacity and
// forceAdmit is false, in which case it returns a *QueueFullError and the
// caller must not send.
func (m *TransactionManager) Enqueue(txn *Transaction, forceAdmit bool) (readyToSend bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueFor(txn.Remote)
	if q.inFlight == nil {
		q.inFlight = txn
		m.total++
		return true, nil
	}

	if m.queueCap > 0 && len(q.pending) >= m.queueCap && !forceAdmit {
		return false, &QueueFullError{Remote: txn.Remote, Depth: len(q.pending), Cap: m.queueCap}
	}

	m.nextSeq++
	heap.Push(&q.pending, &pqItem{txn: txn, seq: m.nextSeq})
	m.total++
	return false, nil
}

// RemoveAndLock atomically removes the in-flight transaction matching key
// and marks it locked, so the caller can run response-dispatch work
// before the next queued transaction is admitted (spec §4.4, §9).
func (m *TransactionManager) RemoveAndLock(key message.Key) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byRemote[key.Remote]
	if !ok || q.inFlight == nil || q.inFlight.Key() != key {
		return nil, false
	}
	txn := q.inFlight
	q.inFlight = nil
	txn.locked = true
	m.total--
	return txn, true
}

// FindMatchAndRemoveForSeparateResponse matches by token + remote rather
// than message id, for when the peer's confirmable response arrives as a
// new message instead of piggybacked on the ACK (spec §4.4).
func (m *TransactionManager) FindMatchAndRemoveForSeparateResponse(tk message.TokenKey) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byRemote[tk.Remote]
	if !ok || q.inFlight == nil {
		return nil, false
	}
	if string(q.inFlight.Msg.Token) != tk.Token {
		return nil, false
	}
	txn := q.inFlight
	q.inFlight = nil
	txn.locked = true
	m.total--
	return txn, true
}

// UnlockOrRemoveAndGetNext releases the lock taken by RemoveAndLock for
// remote and, if a transaction is waiting in that endpoint's queue,
// promotes it to in-flight and returns it so the caller can transmit it.
func (m *TransactionManager) UnlockOrRemoveAndGetNext(remote string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byRemote[remote]
	if !ok || q.inFlight != nil {
		// Either no state for this remote, or something else already
		// became in-flight (shouldn't happen under correct usage).
		return nil, false
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	next := heap.Pop(&q.pending).(*pqItem).txn
	q.inFlight = next
	return next, true
}

// FindTimeoutTransactions returns every in-flight transaction (across all
// remotes) whose retransmit deadline has passed as of now (spec §4.4,
// §4.8).
func (m *TransactionManager) FindTimeoutTransactions(now time.Time) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, q := range m.byRemote {
		if q.inFlight != nil && !q.inFlight.locked && q.inFlight.Confirmable && q.inFlight.DeadlinePassed(now) {
			out = append(out, q.inFlight)
		}
	}
	return out
}

// RemoveInFlight drops the in-flight transaction for remote unconditionally
// (used when retransmission finally exhausts its budget, spec §4.8).
func (m *TransactionManager) RemoveInFlight(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.byRemote[remote]; ok && q.inFlight != nil {
		q.inFlight = nil
		m.total--
	}
}

// Total returns the number of transactions currently tracked (in-flight
// plus queued), across every remote — used by tests asserting the
// "manager empty" postcondition from spec §8 scenarios 1 and 3.
func (m *TransactionManager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// DrainAll removes and returns every transaction tracked by the manager,
// in-flight or queued, across every remote (spec §5 "shutdown
// synchronously fails all pending callbacks").
func (m *TransactionManager) DrainAll() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, q := range m.byRemote {
		if q.inFlight != nil {
			out = append(out, q.inFlight)
		}
		for _, item := range q.pending {
			out = append(out, item.txn)
		}
	}
	m.byRemote = make(map[string]*endpointQueue)
	m.total = 0
	return out
}

// QueueDepth reports how many transactions are waiting (not in-flight)
// for remote.
func (m *TransactionManager) QueueDepth(remote string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.byRemote[remote]; ok {
		return len(q.pending)
	}
	return 0
}
