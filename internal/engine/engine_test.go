package engine

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hgcache/internal/status"
)

// syncDispatcher delivers callbacks inline; fine for tests, which only
// need delivery to happen at all.
type syncDispatcher struct{}

func (syncDispatcher) Post(fn func()) { fn() }

// fakeTool answers from canned mappings and records every invocation.
type fakeTool struct {
	mu sync.Mutex

	roots      map[string]string          // directory (or prefix) -> root
	rootStatus map[string]map[string]byte // root -> full status
	fileStatus map[string]byte            // per-path answers for file queries
	addStatus  map[string]byte            // answers for add operations

	rootQueries []string   // QueryRootStatus call order
	fileQueries [][]string // QueryFileStatus call arguments

	removeGate chan struct{} // when set, PropagateRemoved blocks on it
}

func newFakeTool() *fakeTool {
	return &fakeTool{
		roots:      make(map[string]string),
		rootStatus: make(map[string]map[string]byte),
		fileStatus: make(map[string]byte),
		addStatus:  make(map[string]byte),
	}
}

func (f *fakeTool) FindRootDirectory(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Longest matching prefix wins, like real nested-repo detection.
	best := ""
	for prefix, root := range f.roots {
		if path != prefix && !strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			continue
		}
		if len(prefix) > len(best) {
			best = root
		}
	}
	return best, nil
}

func (f *fakeTool) QueryRootStatus(root string) (map[string]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rootQueries = append(f.rootQueries, root)
	out := make(map[string]byte, len(f.rootStatus[root]))
	for p, c := range f.rootStatus[root] {
		out[p] = c
	}
	return out, nil
}

func (f *fakeTool) rootQueryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rootQueries)
}

func (f *fakeTool) fileQueryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fileQueries)
}

func (f *fakeTool) QueryFileStatus(root string, paths []string) (map[string]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fileQueries = append(f.fileQueries, paths)
	out := make(map[string]byte)
	for _, p := range paths {
		if c, ok := f.fileStatus[p]; ok {
			out[p] = c
		}
	}
	return out, nil
}

func (f *fakeTool) answer(paths []string) map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]byte)
	for _, p := range paths {
		if c, ok := f.addStatus[p]; ok {
			out[p] = c
		}
	}
	return out
}

func (f *fakeTool) AddFiles(root string, paths []string) (map[string]byte, error) {
	return f.answer(paths), nil
}

func (f *fakeTool) AddFilesNotIgnored(root string, paths []string) (map[string]byte, error) {
	return f.answer(paths), nil
}

func (f *fakeTool) PropagateRenamed(root string, oldPaths, newPaths []string) (map[string]byte, error) {
	return f.answer(newPaths), nil
}

func (f *fakeTool) PropagateRemoved(root string, paths []string) (map[string]byte, error) {
	if f.removeGate != nil {
		<-f.removeGate
	}
	return f.answer(paths), nil
}

func newTestEngine(t *testing.T, tool *fakeTool) *Engine {
	t.Helper()
	eng := New(DefaultConfig(), tool, syncDispatcher{}, zap.NewNop())
	t.Cleanup(eng.Close)
	return eng
}

func TestDecide(t *testing.T) {
	t.Run("HighChurnBoundary", func(t *testing.T) {
		eng := newTestEngine(t, newFakeTool())

		assert.Equal(t, actionRebuild, eng.decide(201, 1001*time.Millisecond),
			"201 pending changes after a quiet second must rebuild")
		assert.Equal(t, actionIncremental, eng.decide(200, 1001*time.Millisecond),
			"200 pending changes stay incremental")
	})

	t.Run("RebuildWaitsForQuiet", func(t *testing.T) {
		eng := newTestEngine(t, newFakeTool())
		eng.MarkCacheDirty()

		assert.Equal(t, actionIncremental, eng.decide(5, 500*time.Millisecond))
		assert.Equal(t, actionRebuild, eng.decide(5, 1500*time.Millisecond))
	})

	t.Run("IncrementalWaitsForQuiet", func(t *testing.T) {
		eng := newTestEngine(t, newFakeTool())

		assert.Equal(t, actionNone, eng.decide(5, 50*time.Millisecond))
		assert.Equal(t, actionIncremental, eng.decide(5, 150*time.Millisecond))
	})

	t.Run("NothingPending", func(t *testing.T) {
		eng := newTestEngine(t, newFakeTool())
		assert.Equal(t, actionNone, eng.decide(0, 24*time.Hour))
	})
}

func TestClassifyDirstateWindow(t *testing.T) {
	eng := newTestEngine(t, newFakeTool())
	dirstate := filepath.Join("/repo", ".hg", "dirstate")
	now := time.Now()

	t.Run("WithinWindowIsSelfCaused", func(t *testing.T) {
		eng.rebuildRequired.Store(false)
		eng.selfModifiedAt.Store(now.Add(-2999 * time.Millisecond).UnixNano())

		assert.False(t, eng.classify(dirstate, now))
		assert.False(t, eng.rebuildRequired.Load())
	})

	t.Run("BeyondWindowIsExternal", func(t *testing.T) {
		eng.rebuildRequired.Store(false)
		eng.selfModifiedAt.Store(now.Add(-3001 * time.Millisecond).UnixNano())

		assert.False(t, eng.classify(dirstate, now), "dirstate is never individually dirty")
		assert.True(t, eng.rebuildRequired.Load())
	})
}

func TestClassify(t *testing.T) {
	eng := newTestEngine(t, newFakeTool())
	now := time.Now()

	t.Run("DirectoryIsNotDirty", func(t *testing.T) {
		assert.False(t, eng.classify(t.TempDir(), now))
	})

	t.Run("MetaDirContentsIgnored", func(t *testing.T) {
		path := filepath.Join("/repo", ".hg", "store", "data")
		assert.False(t, eng.classify(path, now))
		assert.False(t, eng.rebuildRequired.Load())
	})

	t.Run("UnknownPathIsDirty", func(t *testing.T) {
		assert.True(t, eng.classify(filepath.Join(t.TempDir(), "fresh.txt"), now))
	})

	t.Run("UnchangedFileIsNotDirty", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "same.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

		info, err := os.Stat(path)
		require.NoError(t, err)

		eng.store.Merge(map[string]status.Record{
			path: {Path: path, Char: status.CharClean, Size: info.Size(), ModTime: info.ModTime()},
		})

		assert.False(t, eng.classify(path, now))
	})

	t.Run("SizeMismatchIsDirty", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "grown.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

		info, err := os.Stat(path)
		require.NoError(t, err)

		eng.store.Merge(map[string]status.Record{
			path: {Path: path, Char: status.CharClean, Size: info.Size() + 1, ModTime: info.ModTime()},
		})

		assert.True(t, eng.classify(path, now))
	})

	t.Run("MissingTrackedFileIsDirty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gone.txt")
		eng.store.Merge(map[string]status.Record{
			path: {Path: path, Char: status.CharModified, Size: 100},
		})

		assert.True(t, eng.classify(path, now))
	})

	t.Run("MissingRemovedFileIsNotDirty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "already-removed.txt")
		eng.store.Merge(map[string]status.Record{
			path: {Path: path, Char: status.CharRemoved},
		})

		assert.False(t, eng.classify(path, now))
	})

	t.Run("MissingUntrackedFileIsNotDirty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "never-tracked.txt")
		eng.store.Merge(map[string]status.Record{
			path: {Path: path, Char: status.CharUnknown},
		})

		assert.False(t, eng.classify(path, now))
	})
}

func TestRebuildQueriesParentsFirst(t *testing.T) {
	tool := newFakeTool()
	parent := t.TempDir()
	nested := filepath.Join(parent, "sub")
	require.NoError(t, os.MkdirAll(nested, 0755))

	tool.roots[nested] = nested
	tool.roots[parent] = parent

	eng := newTestEngine(t, tool)
	require.True(t, eng.AddRoot(nested))
	require.True(t, eng.AddRoot(parent))

	// Wait out the initial per-root queries before counting order.
	require.Eventually(t, func() bool { return tool.rootQueryCount() == 2 },
		time.Second, 10*time.Millisecond)

	eng.rebuild()

	tool.mu.Lock()
	defer tool.mu.Unlock()
	require.Len(t, tool.rootQueries, 4)
	assert.Equal(t, parent, tool.rootQueries[2], "parent root must be queried first")
	assert.Equal(t, nested, tool.rootQueries[3])
}

func TestRebuildReplacesStore(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	tool.roots[root] = root

	eng := newTestEngine(t, tool)
	stale := filepath.Join(root, "stale.txt")
	eng.store.Merge(map[string]status.Record{stale: {Path: stale, Char: status.CharClean}})

	fresh := filepath.Join(root, "fresh.txt")
	tool.rootStatus[root] = map[string]byte{fresh: status.CharModified}
	require.True(t, eng.AddRoot(root))

	eng.rebuild()

	assert.Equal(t, status.Uncontrolled, eng.GetFileStatus(stale),
		"rebuild replaces, never unions")
	assert.Equal(t, status.Modified, eng.GetFileStatus(fresh))
}

func TestAddRootScenario(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	file := filepath.Join(root, "x.txt")
	tool.roots[root] = root
	tool.rootStatus[root] = map[string]byte{file: status.CharClean}

	eng := newTestEngine(t, tool)

	assert.False(t, eng.AddRoot(""))
	assert.False(t, eng.HasAnyRoot())

	assert.True(t, eng.AddRoot(filepath.Join(t.TempDir(), "elsewhere")),
		"root-detection failure is nothing to add, not an error")
	assert.False(t, eng.HasAnyRoot())

	require.True(t, eng.AddRoot(root))
	assert.True(t, eng.HasAnyRoot())

	require.Eventually(t, func() bool {
		return eng.GetFileStatus(file) == status.Controlled
	}, time.Second, 10*time.Millisecond)

	rec, ok := eng.GetFileStatusInfo(file)
	require.True(t, ok)
	assert.Equal(t, status.CharClean, rec.Char)

	// Re-adding the same root issues no second query.
	require.True(t, eng.AddRoot(root))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tool.rootQueryCount())
}

func TestAddFilesScenario(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	file := filepath.Join(root, "new.txt")
	tool.roots[root] = root
	tool.addStatus[file] = status.CharAdded

	eng := newTestEngine(t, tool)

	var notified atomic.Int32
	eng.OnStatusChanged(func() { notified.Add(1) })

	require.True(t, eng.AddRoot(root))

	// Wait out the notification from the initial root query.
	require.Eventually(t, func() bool { return notified.Load() == 1 },
		time.Second, 10*time.Millisecond)

	eng.AddFiles([]string{file})

	require.Eventually(t, func() bool {
		return eng.GetFileStatus(file) == status.Added
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), notified.Load(), "one notification per operation")
}

func TestPropagateRemovedEvictsImmediately(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	file := filepath.Join(root, "x.txt")
	tool.roots[root] = root
	tool.addStatus[file] = status.CharRemoved
	tool.removeGate = make(chan struct{})

	eng := newTestEngine(t, tool)
	eng.store.Merge(map[string]status.Record{file: {Path: file, Char: status.CharClean}})

	eng.PropagateRemoved([]string{file})

	// The eviction is visible before the tool completion returns.
	assert.Equal(t, status.Uncontrolled, eng.GetFileStatus(file))

	close(tool.removeGate)
	require.Eventually(t, func() bool {
		return eng.GetFileStatus(file) == status.Removed
	}, time.Second, 10*time.Millisecond)
}

func TestPropagateRenamedEvictsBothSides(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	oldPath := filepath.Join(root, "old.txt")
	newPath := filepath.Join(root, "new.txt")
	tool.roots[root] = root
	tool.addStatus[newPath] = status.CharRenamed

	eng := newTestEngine(t, tool)
	eng.store.Merge(map[string]status.Record{
		oldPath: {Path: oldPath, Char: status.CharClean},
		newPath: {Path: newPath, Char: status.CharUnknown},
	})

	eng.PropagateRenamed([]string{oldPath}, []string{newPath})
	assert.Equal(t, status.Uncontrolled, eng.GetFileStatus(oldPath))

	require.Eventually(t, func() bool {
		return eng.GetFileStatus(newPath) == status.Renamed
	}, time.Second, 10*time.Millisecond)
}

func TestBuildModeSuspendsTicking(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	tool.roots[root] = root

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond

	eng := New(cfg, tool, syncDispatcher{}, zap.NewNop())
	defer eng.Close()

	require.True(t, eng.AddRoot(root))
	require.Eventually(t, func() bool { return tool.rootQueryCount() == 1 },
		time.Second, 10*time.Millisecond)

	eng.EnterBuildMode()
	eng.MarkCacheDirty()
	eng.Start()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tool.rootQueryCount(), "no rebuild while build-suspended")

	eng.ExitBuildMode()
	require.Eventually(t, func() bool { return tool.rootQueryCount() >= 2 },
		time.Second, 10*time.Millisecond)
}

func TestIncrementalRefreshFromWatcher(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	tool.roots[root] = root

	eng := newTestEngine(t, tool)
	require.True(t, eng.AddRoot(root))
	require.Eventually(t, func() bool { return tool.rootQueryCount() == 1 },
		time.Second, 10*time.Millisecond)

	file := filepath.Join(root, "made.txt")
	tool.fileStatus[file] = status.CharUnknown
	require.NoError(t, os.WriteFile(file, []byte("data"), 0644))

	// Drive ticks by hand with a simulated quiet period.
	require.Eventually(t, func() bool {
		eng.process(time.Now().Add(200 * time.Millisecond))
		_, ok := eng.GetFileStatusInfo(file)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	rec, ok := eng.GetFileStatusInfo(file)
	require.True(t, ok)
	assert.Equal(t, status.CharUnknown, rec.Char)
}

func TestExternalDirstateChangeAbortsIncremental(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	tool.roots[root] = root
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hg"), 0755))

	eng := newTestEngine(t, tool)
	require.True(t, eng.AddRoot(root))
	require.Eventually(t, func() bool { return tool.rootQueryCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Last self-modification was long ago, so a dirstate change is
	// externally caused.
	eng.selfModifiedAt.Store(time.Now().Add(-time.Minute).UnixNano())

	// A genuinely dirty file alongside the dirstate change; the abort
	// must swallow it too.
	file := filepath.Join(root, "edited.txt")
	tool.fileStatus[file] = status.CharModified
	require.NoError(t, os.WriteFile(file, []byte("data"), 0644))

	dirstate := filepath.Join(root, ".hg", "dirstate")
	require.NoError(t, os.WriteFile(dirstate, []byte("state"), 0644))

	// Hold off processing until both raw events are pending, so the
	// dirty file and the dirstate change land in the same pass.
	require.Eventually(t, func() bool {
		return eng.registry.ChangedFileCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	eng.process(time.Now().Add(200 * time.Millisecond))

	assert.True(t, eng.rebuildRequired.Load())
	assert.Equal(t, 0, tool.fileQueryCount(),
		"the aborted incremental pass must not issue a file query")

	// The next quiet tick performs the rebuild instead.
	eng.process(time.Now().Add(2 * time.Second))
	assert.Equal(t, 2, tool.rootQueryCount())
	assert.False(t, eng.rebuildRequired.Load())
}

func TestUpdateProjects(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	proj := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(proj, 0755))
	tool.roots[root] = root

	eng := newTestEngine(t, tool)
	eng.UpdateProjects(map[string]string{"app": proj})

	assert.True(t, eng.HasAnyRoot())
	assert.True(t, eng.roots.Has(root), "project dirs resolve to their enclosing root")
}

func TestUnsubscribe(t *testing.T) {
	eng := newTestEngine(t, newFakeTool())

	var fired atomic.Int32
	id := eng.OnStatusChanged(func() { fired.Add(1) })

	eng.notify()
	assert.Equal(t, int32(1), fired.Load())

	eng.Unsubscribe(id)
	eng.notify()
	assert.Equal(t, int32(1), fired.Load())
}

func TestClearAll(t *testing.T) {
	tool := newFakeTool()
	root := t.TempDir()
	tool.roots[root] = root

	eng := newTestEngine(t, tool)
	require.True(t, eng.AddRoot(root))
	eng.store.Merge(map[string]status.Record{"/x": {Path: "/x", Char: status.CharClean}})

	eng.ClearAll()
	assert.False(t, eng.HasAnyRoot())
	assert.Equal(t, 0, eng.store.Count())
}

func TestWarmStartForcesRebuild(t *testing.T) {
	eng := newTestEngine(t, newFakeTool())

	eng.WarmStart(map[string]status.Record{
		"/repo/a.txt": {Path: "/repo/a.txt", Char: status.CharClean},
	})

	assert.Equal(t, status.Controlled, eng.GetFileStatus("/repo/a.txt"))
	assert.True(t, eng.rebuildRequired.Load())
}
