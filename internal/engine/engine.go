// Package engine drives the status cache: a periodic tick drains the
// change sources, decides between incremental refresh and full rebuild,
// queries the external tool and merges results into the store.
package engine

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hgcache/internal/dispatch"
	"hgcache/internal/hg"
	"hgcache/internal/status"
	"hgcache/internal/watch"
)

// Config holds the engine's timing thresholds.
type Config struct {
	// TickInterval is the period between processing passes.
	TickInterval time.Duration
	// IncrementalQuiet is how long a burst must have settled before an
	// incremental refresh runs.
	IncrementalQuiet time.Duration
	// RebuildQuiet is how long a burst must have settled before a full
	// rebuild runs.
	RebuildQuiet time.Duration
	// HighChurnCount is the pending-change count above which one full
	// query is cheaper than per-file refreshes.
	HighChurnCount int
	// SelfModWindow is how long after a self-initiated metadata write a
	// dirstate change is still attributed to ourselves.
	SelfModWindow time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		TickInterval:     300 * time.Millisecond,
		IncrementalQuiet: 100 * time.Millisecond,
		RebuildQuiet:     1000 * time.Millisecond,
		HighChurnCount:   200,
		SelfModWindow:    3000 * time.Millisecond,
	}
}

// Engine owns the status store, the watched roots and the dirty-state
// bookkeeping. One instance per host session; no ambient globals.
type Engine struct {
	cfg        Config
	store      *status.Store
	registry   *watch.Registry
	roots      *RootManager
	tool       hg.Tool
	dispatcher dispatch.Dispatcher
	logger     *zap.Logger

	rebuildRequired atomic.Bool
	selfModifiedAt  atomic.Int64 // UnixNano
	buildInProgress atomic.Bool

	subMu       sync.Mutex
	subscribers map[uuid.UUID]func()

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New constructs an engine around the given tool binding. Notifications
// are delivered through dispatcher so subscribers see a
// single-threaded view.
func New(cfg Config, tool hg.Tool, dispatcher dispatch.Dispatcher, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       status.NewStore(),
		registry:    watch.NewRegistry(logger),
		roots:       NewRootManager(),
		tool:        tool,
		dispatcher:  dispatcher,
		logger:      logger,
		subscribers: make(map[uuid.UUID]func()),
		done:        make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.tickLoop()
}

// tickLoop re-arms a single-shot timer after each processing pass, so
// ticks never overlap.
func (e *Engine) tickLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-timer.C:
			if !e.buildInProgress.Load() {
				e.process(time.Now())
			}
			timer.Reset(e.cfg.TickInterval)
		}
	}
}

type action int

const (
	actionNone action = iota
	actionIncremental
	actionRebuild
)

// decide picks this tick's action from the pending-change count and the
// time elapsed since the most recent change. A rebuild needs a longer
// quiet period than an incremental pass so it never runs mid-burst.
func (e *Engine) decide(count int, elapsed time.Duration) action {
	switch {
	case (e.rebuildRequired.Load() || count > e.cfg.HighChurnCount) && elapsed > e.cfg.RebuildQuiet:
		return actionRebuild
	case count > 0 && elapsed > e.cfg.IncrementalQuiet:
		return actionIncremental
	default:
		return actionNone
	}
}

// process runs one tick: read the pending-change counters and pick
// between full rebuild, incremental refresh, or nothing.
func (e *Engine) process(now time.Time) {
	count := e.registry.ChangedFileCount()
	elapsed := now.Sub(e.registry.LatestChangeTime())

	switch e.decide(count, elapsed) {
	case actionRebuild:
		e.rebuild()
	case actionIncremental:
		e.incremental(now)
	}
}

// rebuild discards and requeries the entire cache for all roots.
func (e *Engine) rebuild() {
	e.rebuildRequired.Store(false)
	e.MarkSelfModified()

	// Discard pending events: the full query is the new baseline.
	e.registry.DrainAll()

	roots := e.roots.Roots()
	fresh := make(map[string]status.Record)
	for _, root := range roots {
		chars, err := e.tool.QueryRootStatus(root)
		if err != nil {
			e.logger.Warn("root status query failed during rebuild",
				zap.String("root", root), zap.Error(err))
			continue
		}
		e.buildRecords(fresh, chars)
	}

	e.store.Replace(fresh)
	e.logger.Info("cache rebuilt",
		zap.Int("roots", len(roots)), zap.Int("records", len(fresh)))
	e.notify()
}

// incremental refreshes only the paths classified dirty since the last
// pass. If classification raises the rebuild flag, the pass is
// abandoned without issuing any query; the next tick rebuilds instead.
func (e *Engine) incremental(now time.Time) {
	drained := e.registry.DrainAll()

	queries := make(map[string][]string)
	total := 0
	for _, rc := range drained {
		for path := range rc.Dirty {
			if e.classify(path, now) {
				queries[rc.Root] = append(queries[rc.Root], path)
				total++
			}
		}
	}

	if e.rebuildRequired.Load() {
		return
	}
	if total == 0 {
		return
	}

	e.MarkSelfModified()

	merged := make(map[string]status.Record)
	for root, paths := range queries {
		chars, err := e.tool.QueryFileStatus(root, paths)
		if err != nil {
			e.logger.Warn("file status query failed",
				zap.String("root", root), zap.Error(err))
			continue
		}
		e.buildRecords(merged, chars)
	}

	e.store.Merge(merged)
	e.notify()
}

// buildRecords converts a tool status mapping into store records,
// stat-ing each path for the size and mtime the classifier compares
// against later.
func (e *Engine) buildRecords(dst map[string]status.Record, chars map[string]byte) {
	for path, char := range chars {
		rec := status.Record{Path: path, Char: char}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			rec.Size = info.Size()
			rec.ModTime = info.ModTime()
		}
		dst[path] = rec
	}
}

func (e *Engine) selfModified() time.Time {
	return time.Unix(0, e.selfModifiedAt.Load())
}

// AddRoot resolves the nearest enclosing repository root for directory,
// registers it and issues the initial full-root query asynchronously.
// Returns false only for an empty input path; a directory outside any
// repository is "nothing to add", not an error.
func (e *Engine) AddRoot(directory string) bool {
	if directory == "" {
		return false
	}

	root, err := e.tool.FindRootDirectory(directory)
	if err != nil || root == "" {
		return true
	}
	if !e.roots.Add(root) {
		return true
	}

	if err := e.registry.Watch(root); err != nil {
		e.logger.Error("starting change source", zap.String("root", root), zap.Error(err))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		chars, err := e.tool.QueryRootStatus(root)
		if err != nil {
			e.logger.Warn("initial root status query failed",
				zap.String("root", root), zap.Error(err))
			return
		}

		subset := make(map[string]status.Record)
		e.buildRecords(subset, chars)
		e.store.Merge(subset)
		e.notify()
	}()

	return true
}

// UpdateProjects registers the root for every project directory.
func (e *Engine) UpdateProjects(projects map[string]string) {
	for _, dir := range projects {
		e.AddRoot(dir)
	}
}

// HasAnyRoot reports whether at least one root is registered.
func (e *Engine) HasAnyRoot() bool {
	return e.roots.HasAny()
}

// GetFileStatus returns the cached status for path, Uncontrolled when
// nothing is cached.
func (e *Engine) GetFileStatus(path string) status.FileStatus {
	rec, ok := e.store.Get(path)
	if !ok {
		return status.Uncontrolled
	}
	return rec.Status()
}

// GetFileStatusInfo returns the cached record for path.
func (e *Engine) GetFileStatusInfo(path string) (status.Record, bool) {
	return e.store.Get(path)
}

// groupByRoot buckets paths by their repository root, dropping paths
// outside any repository.
func (e *Engine) groupByRoot(paths []string) map[string][]string {
	groups := make(map[string][]string)
	for _, path := range paths {
		root, err := e.tool.FindRootDirectory(path)
		if err != nil || root == "" {
			continue
		}
		groups[root] = append(groups[root], path)
	}
	return groups
}

// runMutation stamps the self-modification timestamp, runs op per root
// on a worker goroutine, merges the completion results and notifies
// once. Failures leave the cache stale-but-present.
func (e *Engine) runMutation(name string, groups map[string][]string,
	op func(root string, paths []string) (map[string]byte, error)) {

	if len(groups) == 0 {
		return
	}

	e.MarkSelfModified()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		merged := make(map[string]status.Record)
		for root, paths := range groups {
			chars, err := op(root, paths)
			if err != nil {
				e.logger.Warn("repository mutation failed",
					zap.String("op", name), zap.String("root", root), zap.Error(err))
				continue
			}
			e.buildRecords(merged, chars)
		}

		e.store.Merge(merged)
		e.notify()
	}()
}

// AddFiles schedules paths for addition in their repositories.
func (e *Engine) AddFiles(paths []string) {
	e.runMutation("add", e.groupByRoot(paths), e.tool.AddFiles)
}

// AddFilesNotIgnored adds paths the repository's ignore rules allow.
func (e *Engine) AddFilesNotIgnored(paths []string) {
	e.runMutation("add-not-ignored", e.groupByRoot(paths), e.tool.AddFilesNotIgnored)
}

// PropagateRenamed records on-disk renames with the tool. Both sides of
// every pair are evicted immediately so the cache never shows stale
// entries while the tool call is in flight.
func (e *Engine) PropagateRenamed(oldPaths, newPaths []string) {
	if len(oldPaths) != len(newPaths) || len(oldPaths) == 0 {
		return
	}

	e.MarkSelfModified()
	e.store.RemoveAll(oldPaths)
	e.store.RemoveAll(newPaths)

	type pair struct{ old, new []string }
	groups := make(map[string]*pair)
	for i, newPath := range newPaths {
		root, err := e.tool.FindRootDirectory(newPath)
		if err != nil || root == "" {
			continue
		}
		p := groups[root]
		if p == nil {
			p = &pair{}
			groups[root] = p
		}
		p.old = append(p.old, oldPaths[i])
		p.new = append(p.new, newPath)
	}
	if len(groups) == 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		merged := make(map[string]status.Record)
		for root, p := range groups {
			chars, err := e.tool.PropagateRenamed(root, p.old, p.new)
			if err != nil {
				e.logger.Warn("rename propagation failed",
					zap.String("root", root), zap.Error(err))
				continue
			}
			e.buildRecords(merged, chars)
		}

		e.store.Merge(merged)
		e.notify()
	}()
}

// PropagateRemoved records on-disk removals with the tool. Paths are
// evicted immediately; the asynchronous completion merges the tool's
// answer back in.
func (e *Engine) PropagateRemoved(paths []string) {
	if len(paths) == 0 {
		return
	}

	groups := e.groupByRoot(paths)
	e.store.RemoveAll(paths)
	e.runMutation("remove", groups, e.tool.PropagateRemoved)
}

// RemoveFromCache evicts a single path without touching the repository.
func (e *Engine) RemoveFromCache(path string) {
	e.store.Remove(path)
}

// EnterBuildMode suspends ticking while a host build rewrites files.
func (e *Engine) EnterBuildMode() {
	e.buildInProgress.Store(true)
}

// ExitBuildMode resumes ticking.
func (e *Engine) ExitBuildMode() {
	e.buildInProgress.Store(false)
}

// MarkSelfModified stamps the self-modification timestamp. Call before
// any operation expected to touch repository metadata.
func (e *Engine) MarkSelfModified() {
	e.selfModifiedAt.Store(time.Now().UnixNano())
}

// MarkCacheDirty forces a full rebuild on the next eligible tick.
func (e *Engine) MarkCacheDirty() {
	e.rebuildRequired.Store(true)
}

// SetWatchingEnabled pauses or resumes raw event delivery across all
// change sources.
func (e *Engine) SetWatchingEnabled(enabled bool) {
	e.registry.SetEnabled(enabled)
}

// ClearAll discards all sources, roots and cached records.
func (e *Engine) ClearAll() {
	e.registry.Clear()
	e.roots.Clear()
	e.store.Clear()
}

// OnStatusChanged registers a handler invoked (via the dispatcher)
// whenever the cache contents change. The returned token deregisters
// the handler through Unsubscribe.
func (e *Engine) OnStatusChanged(handler func()) uuid.UUID {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := uuid.New()
	e.subscribers[id] = handler
	return id
}

// Unsubscribe removes a previously registered handler.
func (e *Engine) Unsubscribe(id uuid.UUID) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	delete(e.subscribers, id)
}

func (e *Engine) notify() {
	e.subMu.Lock()
	handlers := make([]func(), 0, len(e.subscribers))
	for _, handler := range e.subscribers {
		handlers = append(handlers, handler)
	}
	e.subMu.Unlock()

	for _, handler := range handlers {
		e.dispatcher.Post(handler)
	}
}

// CacheSnapshot returns a copy of the cached records, for warm-start
// persistence by the host.
func (e *Engine) CacheSnapshot() map[string]status.Record {
	return e.store.Snapshot()
}

// WarmStart seeds the cache with previously persisted records and
// forces a rebuild so the first tick replaces them with the truth.
func (e *Engine) WarmStart(records map[string]status.Record) {
	e.store.Merge(records)
	e.rebuildRequired.Store(true)
}

// Close stops the tick loop and tears down all state.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
	e.ClearAll()
}
