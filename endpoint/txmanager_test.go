package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/message"
)

func txnWithPriority(clock Clock, remote string, msgID uint16, prio Priority) *Transaction {
	msg := &message.Message{Type: message.CON, Code: message.GET, MsgID: msgID, Remote: remote}
	schedule := RetransmitSchedule{AckTimeout: 2 * time.Second, MaxRetransmit: 4, AckRandomFactor: 1.0}
	return NewTransaction(msg, schedule, clock, nil, prio, nil)
}

func TestTransactionManagerFirstEnqueueIsReadyImmediately(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	txn := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	ready, err := m.Enqueue(txn, false)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, 1, m.Total())
}

func TestTransactionManagerSecondEnqueueQueuesNotReady(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	first := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	_, err := m.Enqueue(first, false)
	require.NoError(t, err)

	second := txnWithPriority(clock, "peer:1", 2, PriorityNormal)
	ready, err := m.Enqueue(second, false)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, 1, m.QueueDepth("peer:1"))
}

func TestTransactionManagerQueueFullRejectsWithoutForceAdmit(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(1, nil)

	first := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	_, err := m.Enqueue(first, false)
	require.NoError(t, err)

	second := txnWithPriority(clock, "peer:1", 2, PriorityNormal)
	_, err = m.Enqueue(second, false)
	require.NoError(t, err)

	third := txnWithPriority(clock, "peer:1", 3, PriorityNormal)
	_, err = m.Enqueue(third, false)
	require.Error(t, err)
	assert.True(t, IsQueueFull(err))

	// forceAdmit bypasses the cap
	_, err = m.Enqueue(third, true)
	assert.NoError(t, err)
}

func TestTransactionManagerPromotesHighPriorityFirst(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	inFlight := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	_, err := m.Enqueue(inFlight, false)
	require.NoError(t, err)

	low := txnWithPriority(clock, "peer:1", 2, PriorityLow)
	_, err = m.Enqueue(low, false)
	require.NoError(t, err)

	high := txnWithPriority(clock, "peer:1", 3, PriorityHigh)
	_, err = m.Enqueue(high, false)
	require.NoError(t, err)

	_, ok := m.RemoveAndLock(inFlight.Key())
	require.True(t, ok)

	next, ok := m.UnlockOrRemoveAndGetNext("peer:1")
	require.True(t, ok)
	assert.Same(t, high, next)
}

func TestTransactionManagerFIFOWithinSamePriority(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	inFlight := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	m.Enqueue(inFlight, false)

	a := txnWithPriority(clock, "peer:1", 2, PriorityNormal)
	m.Enqueue(a, false)
	b := txnWithPriority(clock, "peer:1", 3, PriorityNormal)
	m.Enqueue(b, false)

	m.RemoveAndLock(inFlight.Key())
	next, ok := m.UnlockOrRemoveAndGetNext("peer:1")
	require.True(t, ok)
	assert.Same(t, a, next)
}

func TestTransactionManagerRemoveAndLockThenUnlockPromotesNext(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	inFlight := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	m.Enqueue(inFlight, false)
	next := txnWithPriority(clock, "peer:1", 2, PriorityNormal)
	m.Enqueue(next, false)

	locked, ok := m.RemoveAndLock(inFlight.Key())
	require.True(t, ok)
	assert.Same(t, inFlight, locked)
	assert.True(t, locked.locked)

	// no new transaction is in-flight until explicitly promoted
	_, ok = m.RemoveAndLock(inFlight.Key())
	assert.False(t, ok)

	promoted, ok := m.UnlockOrRemoveAndGetNext("peer:1")
	require.True(t, ok)
	assert.Same(t, next, promoted)
}

func TestTransactionManagerFindMatchAndRemoveForSeparateResponse(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	txn := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	txn.Msg.Token = []byte("tok")
	m.Enqueue(txn, false)

	got, ok := m.FindMatchAndRemoveForSeparateResponse(message.TokenKey{Remote: "peer:1", Token: "tok"})
	require.True(t, ok)
	assert.Same(t, txn, got)

	_, ok = m.FindMatchAndRemoveForSeparateResponse(message.TokenKey{Remote: "peer:1", Token: "tok"})
	assert.False(t, ok)
}

func TestTransactionManagerFindTimeoutTransactions(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	txn := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	m.Enqueue(txn, false)

	assert.Empty(t, m.FindTimeoutTransactions(clock.Now()))

	clock.Advance(2 * time.Second)
	timedOut := m.FindTimeoutTransactions(clock.Now())
	require.Len(t, timedOut, 1)
	assert.Same(t, txn, timedOut[0])
}

func TestTransactionManagerLockedTransactionNeverReportsAsTimedOut(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	m := NewTransactionManager(0, nil)

	txn := txnWithPriority(clock, "peer:1", 1, PriorityNormal)
	m.Enqueue(txn, false)
	m.RemoveAndLock(txn.Key())

	clock.Advance(2 * time.Second)
	assert.Empty(t, m.FindTimeoutTransactions(clock.Now()))
}
