// Package hg binds the cache to the Mercurial command-line tool. The
// engine only depends on the Tool interface; the CLI implementation
// lives in cli.go.
package hg

import (
	"bufio"
	"path/filepath"
	"strings"
)

// Tool is the operation set the cache consumes from the external
// version-control tool. Every status mapping uses absolute paths and a
// single status character per path. Implementations report failures as
// errors; callers treat a failure as "no information obtained".
type Tool interface {
	// FindRootDirectory resolves the nearest enclosing repository root
	// for path, or "" when path is not inside any repository.
	FindRootDirectory(path string) (string, error)

	// QueryRootStatus returns the status of every file under root.
	QueryRootStatus(root string) (map[string]byte, error)

	// QueryFileStatus returns the status of exactly the given paths,
	// all of which belong to root.
	QueryFileStatus(root string, paths []string) (map[string]byte, error)

	// AddFiles schedules paths for addition and returns their
	// resulting statuses.
	AddFiles(root string, paths []string) (map[string]byte, error)

	// AddFilesNotIgnored behaves like AddFiles but skips paths the
	// repository's ignore rules match.
	AddFilesNotIgnored(root string, paths []string) (map[string]byte, error)

	// PropagateRenamed records already-performed renames (old[i] ->
	// new[i]) and returns the statuses of the new paths.
	PropagateRenamed(root string, oldPaths, newPaths []string) (map[string]byte, error)

	// PropagateRemoved records already-performed removals and returns
	// the statuses of the removed paths.
	PropagateRemoved(root string, paths []string) (map[string]byte, error)
}

// MetaDirName is the tool's private metadata directory.
const MetaDirName = ".hg"

// DirstateName is the control file recording working-copy state.
// Changes to it signal repository-level operations.
const DirstateName = "dirstate"

// DirstatePath returns the absolute path of root's dirstate file.
func DirstatePath(root string) string {
	return filepath.Join(root, MetaDirName, DirstateName)
}

// IsDirstate reports whether path is a dirstate file.
func IsDirstate(path string) bool {
	dir, name := filepath.Split(path)
	return name == DirstateName && filepath.Base(filepath.Clean(dir)) == MetaDirName
}

// InMetaDir reports whether path lies inside a metadata directory.
func InMetaDir(path string) bool {
	sep := string(filepath.Separator)
	if strings.Contains(path, sep+MetaDirName+sep) {
		return true
	}
	return filepath.Base(path) == MetaDirName
}

// parseStatus converts `hg status` output into an absolute-path status
// mapping. Lines are "X path" with X one of MARC!?I; with -C, a rename
// or copy source follows its 'A' line indented by two spaces, which
// promotes the entry to 'N' (renamed). Unparseable lines are skipped.
func parseStatus(root, out string) map[string]byte {
	result := make(map[string]byte)

	var lastAdded string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		if strings.HasPrefix(line, "  ") {
			// Copy source for the preceding 'A' entry.
			if lastAdded != "" {
				result[lastAdded] = 'N'
				lastAdded = ""
			}
			continue
		}

		char := line[0]
		if line[1] != ' ' {
			continue
		}
		path := filepath.Join(root, line[2:])

		switch char {
		case 'M', 'A', 'R', 'C', '?', 'I':
			result[path] = char
		case '!':
			// Tracked but missing from disk; surfaces as removed.
			result[path] = 'R'
		default:
			continue
		}

		lastAdded = ""
		if char == 'A' {
			lastAdded = path
		}
	}

	return result
}
