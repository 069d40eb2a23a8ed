package rewrite

import "sync"

// Store is the mutex-guarded, in-memory model-swap configuration the admin
// API reads and writes at /admin/model-swap-config. It is seeded from
// config at startup but, unlike tenant keys and backends, is never
// persisted to Postgres: the data model has no table for it, matching the
// original's file-backed (not DB-backed) model mapping.
type Store struct {
	mu      sync.RWMutex
	enabled bool
	mapping Mapping
}

// NewStore seeds a Store from startup configuration.
func NewStore(enabled bool, mapping Mapping) *Store {
	cloned := Mapping{}
	for k, v := range mapping {
		cloned[k] = v
	}
	return &Store{enabled: enabled, mapping: cloned}
}

// Enabled reports whether model swapping is currently turned on.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Mapping returns a snapshot of the current from-name -> to-name table.
func (s *Store) Mapping() Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Mapping, len(s.mapping))
	for k, v := range s.mapping {
		out[k] = v
	}
	return out
}

// Set replaces the enabled flag and mapping atomically.
func (s *Store) Set(enabled bool, mapping Mapping) {
	cloned := make(Mapping, len(mapping))
	for k, v := range mapping {
		cloned[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.mapping = cloned
}
