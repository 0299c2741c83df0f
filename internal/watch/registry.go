package watch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// neverFired stands in for "no source has ever fired" so elapsed-time
// comparisons read as plenty of time having passed.
const neverFired = 24 * time.Hour

// RootChanges pairs a root with its drained dirty map.
type RootChanges struct {
	Root  string
	Dirty map[string]time.Time
}

// Registry owns one Source per watched root.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*Source
	enabled bool
	logger  *zap.Logger
}

// NewRegistry creates an empty registry with event recording enabled.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sources: make(map[string]*Source),
		enabled: true,
		logger:  logger,
	}
}

// Watch starts a source for root. Idempotent per root.
func (r *Registry) Watch(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[root]; ok {
		return nil
	}

	source, err := NewSource(root, r.logger)
	if err != nil {
		return fmt.Errorf("starting change source: %w", err)
	}
	source.SetEnabled(r.enabled)

	r.sources[root] = source
	r.logger.Info("watching root", zap.String("root", root))
	return nil
}

// HasSources reports whether any root is being watched.
func (r *Registry) HasSources() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sources) > 0
}

// Roots returns the watched roots sorted by path length ascending, so
// a parent repository precedes its nested sub-repositories.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots := make([]string, 0, len(r.sources))
	for root := range r.sources {
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

// SetEnabled pauses or resumes event recording across all sources,
// including ones added later.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enabled = enabled
	for _, source := range r.sources {
		source.SetEnabled(enabled)
	}
}

// ChangedFileCount sums pending dirty-map sizes across all sources.
func (r *Registry) ChangedFileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, source := range r.sources {
		total += source.ChangedCount()
	}
	return total
}

// LatestChangeTime returns the most recent event timestamp across all
// sources, or a point far in the past when none has fired.
func (r *Registry) LatestChangeTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest time.Time
	for _, source := range r.sources {
		if t := source.LatestEventTime(); t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return time.Now().Add(-neverFired)
	}
	return latest
}

// DrainAll drains every source once, in root order.
func (r *Registry) DrainAll() []RootChanges {
	roots := r.Roots()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RootChanges, 0, len(roots))
	for _, root := range roots {
		source, ok := r.sources[root]
		if !ok {
			continue
		}
		out = append(out, RootChanges{Root: root, Dirty: source.Drain()})
	}
	return out
}

// Clear stops and discards all sources.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for root, source := range r.sources {
		if err := source.Close(); err != nil {
			r.logger.Warn("closing change source", zap.String("root", root), zap.Error(err))
		}
	}
	r.sources = make(map[string]*Source)
}
