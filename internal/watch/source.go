// Package watch turns raw filesystem notifications into per-root dirty
// maps the sync engine drains on each tick.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source watches a single working-copy root and accumulates changed
// paths between drains. Changes to the same path collapse to one entry
// with the latest timestamp.
type Source struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	enabled atomic.Bool

	mu     sync.Mutex
	dirty  map[string]time.Time
	latest time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSource starts watching root and all its subdirectories. The
// metadata directory itself is watched (its control file matters) but
// its contents are not descended into.
func NewSource(root string, logger *zap.Logger) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	s := &Source{
		root:    root,
		watcher: watcher,
		logger:  logger,
		dirty:   make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	s.enabled.Store(true)

	if err := s.addDirectories(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	s.wg.Add(1)
	go s.watchLoop()

	return s, nil
}

// addDirectories registers root and every subdirectory with the
// watcher, skipping descent into metadata directories.
func (s *Source) addDirectories() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}

		if filepath.Base(path) == metaDirName && path != s.root {
			return filepath.SkipDir
		}
		return nil
	})
}

// metaDirName mirrors hg.MetaDirName without importing the binding.
const metaDirName = ".hg"

// Root returns the watched directory.
func (s *Source) Root() string {
	return s.root
}

// watchLoop processes filesystem events
func (s *Source) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", zap.String("root", s.root), zap.Error(err))
		case <-s.done:
			return
		}
	}
}

func (s *Source) handleEvent(event fsnotify.Event) {
	// New directories must join the watch set even while paused, or
	// events under them are lost for good.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(event.Name); err != nil {
				s.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
	}

	if !s.enabled.Load() {
		return
	}

	s.mu.Lock()
	now := time.Now()
	s.dirty[event.Name] = now
	s.latest = now
	s.mu.Unlock()
}

// SetEnabled pauses or resumes event recording. Paused sources keep
// their watch registrations.
func (s *Source) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Drain atomically returns the accumulated dirty map and resets it.
func (s *Source) Drain() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.dirty
	s.dirty = make(map[string]time.Time)
	return drained
}

// ChangedCount returns the number of pending dirty paths.
func (s *Source) ChangedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.dirty)
}

// LatestEventTime returns the timestamp of the most recent event, or
// the zero time if none has fired.
func (s *Source) LatestEventTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

// Close stops the watcher and its delivery goroutine.
func (s *Source) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}
