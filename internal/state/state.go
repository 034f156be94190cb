// Package state holds the mutable render context shared across
// renders within one pipeline run. Keys keep insertion order; access
// is serialized so no render observes a partially-applied write.
package state

import (
	"sort"
	"sync"
)

// Store is an insertion-ordered key/value map. One pipeline owns one
// store; subprocess pipelines get their own and never share it.
type Store struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{vals: make(map[string]any)}
}

// Get returns the value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns all keys in insertion order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Snapshot returns a shallow copy of the current contents. Mutating
// the returned map does not affect the store, so a render can be
// given a stable view while later renders write.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out
}

// Apply writes all entries atomically. Existing keys keep their
// position; new keys are appended in sorted order so repeated runs
// produce the same key order regardless of map iteration.
func (s *Store) Apply(writes map[string]any) {
	if len(writes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for k := range writes {
		if _, ok := s.vals[k]; !ok {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	s.keys = append(s.keys, added...)
	for k, v := range writes {
		s.vals[k] = v
	}
}
