package session

import (
	"sync"

	"github.com/melq/mdgate/internal/distributor"
	"github.com/melq/mdgate/internal/schema"
)

// pendingEntry is one coalesced per-instrument delivery waiting for a flush.
type pendingEntry struct {
	snapshot schema.Snapshot
	fields   schema.FieldSet
	full     bool
}

// outbox is a bounded, coalescing map of pending per-instrument updates.
// Repeated enqueues for the same key merge in place, so memory is
// proportional to distinct instruments with pending state, not to deltas.
type outbox struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	limit   int
}

func newOutbox(limit int) *outbox {
	return &outbox{
		entries: make(map[string]*pendingEntry),
		limit:   limit,
	}
}

// put merges the update into the pending entry for its key. It returns the
// outbox depth after the merge and whether the hard cap was breached (the
// update that would exceed the cap is discarded).
func (o *outbox) put(u distributor.Update) (depth int, overflow bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[u.Key]
	if !ok {
		if len(o.entries) >= o.limit {
			return len(o.entries), true
		}
		o.entries[u.Key] = &pendingEntry{snapshot: u.Snapshot, fields: u.Fields, full: u.Full}
		return len(o.entries), false
	}
	entry.snapshot = u.Snapshot
	entry.fields = entry.fields.Union(u.Fields)
	entry.full = entry.full || u.Full
	return len(o.entries), false
}

// take drains and returns all pending entries.
func (o *outbox) take() map[string]*pendingEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.entries) == 0 {
		return nil
	}
	out := o.entries
	o.entries = make(map[string]*pendingEntry)
	return out
}

func (o *outbox) depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
