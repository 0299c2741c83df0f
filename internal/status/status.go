// Package status holds the per-file status cache shared by the sync
// engine, root registration and the repository-mutating operations.
package status

import "time"

// FileStatus is the host-facing status of a single file.
type FileStatus int

const (
	Uncontrolled FileStatus = iota
	Controlled
	Modified
	Added
	Removed
	Renamed
	Ignored
)

// String returns a human-readable representation of the status.
func (s FileStatus) String() string {
	switch s {
	case Controlled:
		return "controlled"
	case Modified:
		return "modified"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case Ignored:
		return "ignored"
	default:
		return "uncontrolled"
	}
}

// Status characters as reported by the external tool.
const (
	CharClean    byte = 'C'
	CharModified byte = 'M'
	CharAdded    byte = 'A'
	CharRemoved  byte = 'R'
	CharIgnored  byte = 'I'
	CharRenamed  byte = 'N'
	CharUnknown  byte = '?'
)

// FromChar maps a tool status character to a FileStatus. Unrecognized
// characters map to Uncontrolled.
func FromChar(c byte) FileStatus {
	switch c {
	case CharClean:
		return Controlled
	case CharModified:
		return Modified
	case CharAdded:
		return Added
	case CharRemoved:
		return Removed
	case CharIgnored:
		return Ignored
	case CharRenamed:
		return Renamed
	default:
		return Uncontrolled
	}
}

// Record is the cached state of a single file. Records are replaced
// wholesale on every merge, never mutated in place.
type Record struct {
	Path    string    `json:"path"`
	Char    byte      `json:"char"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Status returns the host-facing status for the record.
func (r Record) Status() FileStatus {
	return FromChar(r.Char)
}
