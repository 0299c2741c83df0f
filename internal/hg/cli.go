package hg

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CLI invokes the hg executable. Root detection is memoized in an LRU
// cache keyed by directory, since the same directories are resolved
// over and over as projects load.
type CLI struct {
	binary    string
	rootCache *lru.Cache[string, string]
	logger    *zap.Logger
}

const rootCacheSize = 512

// NewCLI creates a binding for the given hg binary ("hg" when empty).
func NewCLI(binary string, logger *zap.Logger) (*CLI, error) {
	if binary == "" {
		binary = "hg"
	}

	cache, err := lru.New[string, string](rootCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating root cache: %w", err)
	}

	return &CLI{
		binary:    binary,
		rootCache: cache,
		logger:    logger,
	}, nil
}

// run executes hg with the given arguments and returns stdout.
func (c *CLI) run(cwd string, args ...string) (string, error) {
	cmd := exec.Command(c.binary, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("hg %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

// FindRootDirectory implements Tool. A path outside any repository
// resolves to "" without error.
func (c *CLI) FindRootDirectory(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}

	if root, ok := c.rootCache.Get(dir); ok {
		return root, nil
	}

	out, err := c.run(dir, "root")
	if err != nil {
		// Not inside a repository, or hg unavailable. Either way there
		// is nothing to add.
		c.logger.Debug("root detection failed", zap.String("dir", dir), zap.Error(err))
		c.rootCache.Add(dir, "")
		return "", nil
	}

	root := strings.TrimSpace(out)
	c.rootCache.Add(dir, root)
	return root, nil
}

// QueryRootStatus implements Tool.
func (c *CLI) QueryRootStatus(root string) (map[string]byte, error) {
	out, err := c.run(root, "status", "-A", "-C")
	if err != nil {
		return nil, fmt.Errorf("querying root status: %w", err)
	}
	return parseStatus(root, out), nil
}

// QueryFileStatus implements Tool. A failed invocation contributes an
// empty mapping rather than an error; the cache stays stale-but-present
// for those paths.
func (c *CLI) QueryFileStatus(root string, paths []string) (map[string]byte, error) {
	if len(paths) == 0 {
		return map[string]byte{}, nil
	}

	args := append([]string{"status", "-A", "-C"}, paths...)
	out, err := c.run(root, args...)
	if err != nil {
		c.logger.Warn("file status query failed",
			zap.String("root", root),
			zap.Int("paths", len(paths)),
			zap.Error(err))
		return map[string]byte{}, nil
	}

	return parseStatus(root, out), nil
}

// AddFiles implements Tool.
func (c *CLI) AddFiles(root string, paths []string) (map[string]byte, error) {
	if len(paths) == 0 {
		return map[string]byte{}, nil
	}

	if _, err := c.run(root, append([]string{"add"}, paths...)...); err != nil {
		return nil, fmt.Errorf("adding files: %w", err)
	}

	return c.QueryFileStatus(root, paths)
}

// AddFilesNotIgnored implements Tool. Paths the repository's ignore
// rules match are skipped before the add.
func (c *CLI) AddFilesNotIgnored(root string, paths []string) (map[string]byte, error) {
	if len(paths) == 0 {
		return map[string]byte{}, nil
	}

	out, err := c.run(root, append([]string{"status", "-i"}, paths...)...)
	if err != nil {
		return nil, fmt.Errorf("querying ignored files: %w", err)
	}

	ignored := parseStatus(root, out)
	keep := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, ok := ignored[path]; !ok {
			keep = append(keep, path)
		}
	}

	if len(keep) == 0 {
		return map[string]byte{}, nil
	}
	return c.AddFiles(root, keep)
}

// PropagateRenamed implements Tool. The renames have already happened
// on disk, so each pair is recorded with --after.
func (c *CLI) PropagateRenamed(root string, oldPaths, newPaths []string) (map[string]byte, error) {
	if len(oldPaths) != len(newPaths) {
		return nil, fmt.Errorf("rename path count mismatch: %d old, %d new", len(oldPaths), len(newPaths))
	}

	for i := range oldPaths {
		if _, err := c.run(root, "rename", "--after", oldPaths[i], newPaths[i]); err != nil {
			return nil, fmt.Errorf("recording rename %s: %w", newPaths[i], err)
		}
	}

	return c.QueryFileStatus(root, newPaths)
}

// PropagateRemoved implements Tool.
func (c *CLI) PropagateRemoved(root string, paths []string) (map[string]byte, error) {
	if len(paths) == 0 {
		return map[string]byte{}, nil
	}

	if _, err := c.run(root, append([]string{"remove", "--after"}, paths...)...); err != nil {
		return nil, fmt.Errorf("recording removals: %w", err)
	}

	return c.QueryFileStatus(root, paths)
}
