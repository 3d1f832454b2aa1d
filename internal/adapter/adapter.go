// Package adapter holds shared pieces of the upstream feed adapters.
package adapter

import (
	"sync"
	"time"

	"github.com/melq/mdgate/internal/schema"
)

// Emit delivers one normalized snapshot downstream. Implemented by the
// connector relay.
type Emit func(schema.Snapshot)

// ConnState tracks upstream connection health shared by adapter loops.
type ConnState struct {
	mu         sync.Mutex
	connected  bool
	since      time.Time
	reconnects uint64
}

// SetConnected records a connection state change.
func (s *ConnState) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return
	}
	s.connected = connected
	s.since = time.Now()
}

// Reconnected counts one reconnect attempt.
func (s *ConnState) Reconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

// Snapshot returns the current health values.
func (s *ConnState) Snapshot() (connected bool, since time.Time, reconnects uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.since, s.reconnects
}

// SubscriptionSet is the desired upstream instrument set an adapter keeps so
// it can replay subscriptions after a reconnect.
type SubscriptionSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewSubscriptionSet returns an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{keys: make(map[string]struct{})}
}

// Add inserts keys and reports whether the set changed.
func (s *SubscriptionSet) Add(keys []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, key := range keys {
		if _, ok := s.keys[key]; !ok {
			s.keys[key] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Remove deletes keys and reports whether the set changed.
func (s *SubscriptionSet) Remove(keys []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, key := range keys {
		if _, ok := s.keys[key]; ok {
			delete(s.keys, key)
			changed = true
		}
	}
	return changed
}

// List returns the current set.
func (s *SubscriptionSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for key := range s.keys {
		out = append(out, key)
	}
	return out
}

// Len returns the set size.
func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
