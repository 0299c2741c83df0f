package engine

import (
	"sort"
	"sync"
)

// RootManager tracks the directories recognized as repository roots,
// including nested sub-repositories. The set only grows during a
// session; it is emptied on teardown.
type RootManager struct {
	mu    sync.Mutex
	roots map[string]bool
}

// NewRootManager creates an empty root set.
func NewRootManager() *RootManager {
	return &RootManager{roots: make(map[string]bool)}
}

// Add records root as recognized and active. Returns false when the
// root was already known.
func (m *RootManager) Add(root string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.roots[root] {
		return false
	}
	m.roots[root] = true
	return true
}

// Has reports whether root is recognized.
func (m *RootManager) Has(root string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.roots[root]
}

// HasAny reports whether at least one root is recognized.
func (m *RootManager) HasAny() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.roots) > 0
}

// Roots returns the recognized roots sorted by path length ascending,
// so a parent root is queried before its nested sub-repositories.
func (m *RootManager) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	roots := make([]string, 0, len(m.roots))
	for root := range m.roots {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		if len(roots[i]) != len(roots[j]) {
			return len(roots[i]) < len(roots[j])
		}
		return roots[i] < roots[j]
	})
	return roots
}

// Clear empties the root set.
func (m *RootManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roots = make(map[string]bool)
}
