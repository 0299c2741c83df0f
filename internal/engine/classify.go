package engine

import (
	"os"
	"time"

	"hgcache/internal/hg"
	"hgcache/internal/status"
)

// classify decides whether a raw changed path must be requeried. It is
// called once per drained path before an incremental pass; as a side
// effect, an externally caused change to the control-metadata file
// raises the rebuildRequired flag.
func (e *Engine) classify(path string, now time.Time) bool {
	// Directories carry no status of their own.
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return false
	}

	if hg.IsDirstate(path) {
		// Within the self-modification window this is our own doing;
		// beyond it, something external (a branch switch, a pull)
		// rewrote the working-copy state and the whole cache is suspect.
		if now.Sub(e.selfModified()) > e.cfg.SelfModWindow {
			e.rebuildRequired.Store(true)
		}
		return false
	}

	if hg.InMetaDir(path) {
		return false
	}

	rec, ok := e.store.Get(path)
	if !ok {
		// New or unknown file.
		return true
	}

	info, err := os.Stat(path)
	if err == nil {
		// Identical size and mtime means a duplicate event or a touch
		// with no content change.
		return info.Size() != rec.Size || !info.ModTime().Equal(rec.ModTime)
	}

	// The file is gone. That is only expected when the cached status
	// already said removed or untracked; a tracked file disappearing
	// must be requeried.
	return rec.Char != status.CharRemoved && rec.Char != status.CharUnknown
}
