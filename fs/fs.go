// Package fs holds the core types shared by all of sshget.
package fs

import (
	"os"
	"time"
)

// FileEntry describes one remote file scheduled for download.
//
// Entries are produced by the remote enumerator and are immutable from
// then on.
type FileEntry struct {
	// RelativePath is the path relative to the matched root. For a file
	// root it is the basename.
	RelativePath string
	// FullPath is the absolute path on the remote host.
	FullPath string
	Size     int64
	// Mode carries the permission bits only.
	Mode    os.FileMode
	ModTime time.Time
	// MatchedRoot is the enumeration root (source path or wildcard
	// expansion) this entry came from.
	MatchedRoot      string
	MatchedRootIsDir bool
}
