package status

import "sync"

// Store maps absolute file paths to their cached status records. It is
// the single source of truth for status queries; every mutation happens
// under an exclusive lock so readers never observe a partially applied
// merge or rebuild.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Get returns the record for path if one is cached.
func (s *Store) Get(path string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[path]
	return rec, ok
}

// Merge replaces the store's record for every path in subset. Merging
// the same subset twice leaves the store unchanged after the first.
func (s *Store) Merge(subset map[string]Record) {
	if len(subset) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, rec := range subset {
		s.records[path] = rec
	}
}

// Remove evicts a single path. Removing an absent path is a no-op.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, path)
}

// RemoveAll evicts every path in the slice.
func (s *Store) RemoveAll(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		delete(s.records, path)
	}
}

// Replace atomically swaps the store's entire contents for newRecords.
// Used by full rebuilds; paths absent from newRecords are gone afterward
// even if they were cached before.
func (s *Store) Replace(newRecords map[string]Record) {
	if newRecords == nil {
		newRecords = make(map[string]Record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = newRecords
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]Record)
}

// Count returns the number of cached records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Snapshot returns a copy of the store's contents, taken under the
// read lock.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Record, len(s.records))
	for path, rec := range s.records {
		out[path] = rec
	}
	return out
}
