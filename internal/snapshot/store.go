// Package snapshot defines canonical snapshot storage primitives.
package snapshot

import (
	"time"

	"github.com/melq/mdgate/internal/schema"
)

// Record represents a canonical snapshot entry for one instrument. Seq
// orders merges per key: it advances on every upstream arrival folded in.
type Record struct {
	Key       string
	Seq       uint64
	Snapshot  schema.Snapshot
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() Record {
	clone := *r
	clone.Snapshot = r.Snapshot.Clone()
	return clone
}

// Store holds the canonical last-snapshot per instrument. All access happens
// on the owning actor goroutine, so the store carries no locking; records
// are created on first arrival and never deleted, bounding memory by the
// universe of instruments seen.
type Store struct {
	records map[string]*Record
}

// NewStore creates an empty canonical store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Get returns the record for key.
func (s *Store) Get(key string) (*Record, bool) {
	rec, ok := s.records[key]
	return rec, ok
}

// Merge folds the provided fields of snap into the canonical record for
// key, creating the record on first arrival, and advances Seq.
func (s *Store) Merge(key string, snap *schema.Snapshot, now time.Time) *Record {
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key, Snapshot: snap.Clone()}
		s.records[key] = rec
	} else {
		rec.Snapshot.Merge(snap, snap.Fields)
	}
	rec.Seq++
	rec.UpdatedAt = now
	return rec
}

// Len returns the number of instruments with canonical state.
func (s *Store) Len() int {
	return len(s.records)
}

// View tracks the delivered state of one subscriber: a record per
// instrument mirroring what that subscriber has already received. A
// late-joining subscriber gets its own view, so per-subscriber diffs stay
// correct regardless of join order.
type View struct {
	records map[string]*Record
}

// NewView creates an empty delivered-state view.
func NewView() *View {
	return &View{records: make(map[string]*Record)}
}

// Get returns the delivered record for key.
func (v *View) Get(key string) (*Record, bool) {
	rec, ok := v.records[key]
	return rec, ok
}

// Remember records a full delivery of the canonical record.
func (v *View) Remember(canon *Record) {
	clone := canon.Clone()
	v.records[canon.Key] = &clone
}

// Apply folds the changed fields of the canonical record into the delivered
// state and catches the view record up to the canonical Seq.
func (v *View) Apply(canon *Record, changed schema.FieldSet) {
	rec, ok := v.records[canon.Key]
	if !ok {
		v.Remember(canon)
		return
	}
	rec.Snapshot.Merge(&canon.Snapshot, changed)
	rec.Seq = canon.Seq
	rec.UpdatedAt = canon.UpdatedAt
}

// Forget drops the delivered state for key.
func (v *View) Forget(key string) {
	delete(v.records, key)
}

// Len returns the number of instruments with delivered state.
func (v *View) Len() int {
	return len(v.records)
}
