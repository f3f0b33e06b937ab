package endpoint

import (
	"sync"
	"time"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
)

// ReplayAction is the verdict DuplicateDetector.Observe returns for an
// inbound request (spec §4.2).
type ReplayAction int

const (
	// ActionProcess means this is the first time the (remote, msgid) pair
	// has been seen; the caller should invoke the resource handler.
	ActionProcess ReplayAction = iota
	// ActionSuppressSilently means the original request is still being
	// processed; the caller must not invoke the handler again and must
	// not reply.
	ActionSuppressSilently
	// ActionReplay means a cached response exists and has been re-sent by
	// the detector; the caller must not invoke the handler.
	ActionReplay
)

// dedupEntry is either the EMPTY sentinel (response field nil) or a
// cached response, plus its insertion time for TTL/FIFO
// eviction (spec §3 "Duplicate-cache entry").
type dedupEntry struct {
	response  *message.Message // nil while request is still in flight
	insertedAt time.Time
	key       message.Key
}

// DuplicateDetector is a time-bounded, capacity-bounded cache of
// (remote, message-id) -> cached-response|EMPTY, with FIFO-by-insertion
// eviction (spec §4.2, §3).
type DuplicateDetector struct {
	mu       sync.Mutex
	entries  map[message.Key]*dedupEntry
	order    []*dedupEntry // insertion order, oldest first
	capacity int
	ttl      time.Duration
	clock    Clock
	sender   ReplaySender
	logger   logx.Logger
}

// ReplaySender re-emits a cached response on the original transport, used
// by Observe when it finds a cache hit (spec §4.2 "re-emit the cached
// response via transport").
type ReplaySender interface {
	Replay(resp *message.Message) error
}

// NewDuplicateDetector creates a detector with the given capacity and TTL.
func NewDuplicateDetector(capacity int, ttl time.Duration, clock Clock, sender ReplaySender, logger logx.Logger) *DuplicateDetector {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &DuplicateDetector{
		entries:  make(map[message.Key]*dedupEntry),
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		sender:   sender,
		logger:   logger,
	}
}

// Observe implements the contract from spec §4.2: on receipt of any
// request, look up (remote, message-id).
func (d *DuplicateDetector) Observe(req *message.Message) ReplayAction {
	key := req.Key()

	d.mu.Lock()
	entry, exists := d.entries[key]
	if !exists {
		d.insertLocked(key)
		d.mu.Unlock()
		return ActionProcess
	}
	if entry.response == nil {
		d.mu.Unlock()
		return ActionSuppressSilently
	}
	cached := entry.response
	d.mu.Unlock()

	if d.sender != nil {
		if err := d.sender.Replay(cached); err != nil {
			d.logger.Warn("duplicate detector: failed to replay cached response to %s: %v", req.Remote, err)
		}
	}
	return ActionReplay
}

// insertLocked must be called with d.mu held. It inserts the EMPTY
// sentinel, evicting the oldest entry first if at capacity.
func (d *DuplicateDetector) insertLocked(key message.Key) {
	if d.capacity > 0 && len(d.order) >= d.capacity {
		d.evictOldestLocked()
	}
	entry := &dedupEntry{insertedAt: d.clock.Now(), key: key}
	d.entries[key] = entry
	d.order = append(d.order, entry)
}

func (d *DuplicateDetector) evictOldestLocked() {
	for len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		if cur, ok := d.entries[oldest.key]; ok && cur == oldest {
			delete(d.entries, oldest.key)
			return
		}
		// stale slice entry already replaced/removed, keep scanning
	}
}

// RecordResponse overwrites the sentinel with the response actually sent,
// including RST/4.xx/5.xx (spec §4.2 "record-response").
func (d *DuplicateDetector) RecordResponse(req *message.Message, resp *message.Message) {
	key := req.Key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[key]; ok {
		entry.response = resp
	}
}

// Evict removes entries older than the configured TTL (spec §4.2
// "Eviction: on each tick...").
func (d *DuplicateDetector) Evict() {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	cut := 0
	for cut < len(d.order) && now.Sub(d.order[cut].insertedAt) >= d.ttl {
		cut++
	}
	if cut == 0 {
		return
	}
	for _, e := range d.order[:cut] {
		if cur, ok := d.entries[e.key]; ok && cur == e {
			delete(d.entries, e.key)
		}
	}
	d.order = d.order[cut:]
}

// Len reports the current number of cached entries (test/metrics hook).
func (d *DuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
