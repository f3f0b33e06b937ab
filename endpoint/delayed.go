package endpoint

import (
	"sync"
	"time"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
)

// delayedEntry is a transaction waiting for a separate response after its
// request was acknowledged empty (spec §4.5 "Delayed transaction").
type delayedEntry struct {
	txn       *Transaction
	insertedAt time.Time
}

// DelayedTransactionManager tracks transactions whose request received an
// empty ACK and is now waiting for the peer to deliver the real response
// as a separate CON/NON message, correlated by token rather than message
// id (spec §4.5). Entries that sit unanswered past their timeout fail
// with ErrTimeout, mirroring the retransmission manager's own timeout
// path so callers see one failure shape regardless of which manager held
// the transaction.
type DelayedTransactionManager struct {
	mu      sync.Mutex
	entries map[message.TokenKey]*delayedEntry
	timeout time.Duration
	clock   Clock
	logger  logx.Logger
}

// NewDelayedTransactionManager creates a manager with the given
// separate-response timeout (spec §6 default: 120s).
func NewDelayedTransactionManager(timeout time.Duration, clock Clock, logger logx.Logger) *DelayedTransactionManager {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &DelayedTransactionManager{
		entries: make(map[message.TokenKey]*delayedEntry),
		timeout: timeout,
		clock:   clock,
		logger:  logger,
	}
}

// Insert registers txn as awaiting a separate response, keyed by its
// token and remote. Called after the empty ACK for a confirmable request
// has been observed (spec §4.5 "on receipt of an empty ACK").
func (m *DelayedTransactionManager) Insert(txn *Transaction) {
	key := txn.TokenKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &delayedEntry{txn: txn, insertedAt: m.clock.Now()}
}

// RemoveForSeparateResponse looks up and removes the delayed transaction
// matching a response's token and remote (spec §4.5 "on receipt of a
// separate response").
func (m *DelayedTransactionManager) RemoveForSeparateResponse(tk message.TokenKey) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[tk]
	if !ok {
		return nil, false
	}
	delete(m.entries, tk)
	return entry.txn, true
}

// Sweep removes and returns every delayed transaction whose
// separate-response timeout has elapsed (spec §4.5, §4.8 periodic tick).
// It does not complete them; the caller (Endpoint.Tick) completes each
// one with a timeout error.
func (m *DelayedTransactionManager) Sweep() []*Transaction {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []*Transaction
	for key, entry := range m.entries {
		if now.Sub(entry.insertedAt) >= m.timeout {
			expired = append(expired, entry.txn)
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
	return expired
}

// DrainAll removes and returns every delayed transaction, regardless of
// how long it has been waiting (spec §5 shutdown).
func (m *DelayedTransactionManager) DrainAll() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry.txn)
	}
	m.entries = make(map[message.TokenKey]*delayedEntry)
	return out
}

// Len reports the number of transactions currently awaiting a separate
// response.
func (m *DelayedTransactionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
