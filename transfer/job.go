// Package transfer plans and executes downloads over the agent pool.
package transfer

import (
	"fmt"

	"github.com/sshget/sshget/fs"
)

// Job is one unit of work for an agent: a whole file, or one byte range
// of a file split across tunnels.
type Job struct {
	File       fs.FileEntry
	RemotePath string
	LocalPath  string
	// Start and End bound the range inclusively; meaningful only when
	// TotalChunks > 0.
	Start int64
	End   int64
	// ChunkIndex is dense 0..TotalChunks-1. TotalChunks is 0 for
	// whole-file jobs.
	ChunkIndex  int
	TotalChunks int
}

// IsRange reports whether the job is one chunk of a split file.
func (j Job) IsRange() bool {
	return j.TotalChunks > 0
}

// Length is the number of bytes this job transfers.
func (j Job) Length() int64 {
	if j.IsRange() {
		return j.End - j.Start + 1
	}
	return j.File.Size
}

// Label identifies the job in logs and error messages.
func (j Job) Label() string {
	if j.IsRange() {
		return fmt.Sprintf("%s chunk %d/%d", j.RemotePath, j.ChunkIndex+1, j.TotalChunks)
	}
	return j.RemotePath
}

// jobKey identifies a job across requeues for the retry ledger.
type jobKey struct {
	localPath  string
	chunkIndex int
}

func (j Job) key() jobKey {
	if j.IsRange() {
		return jobKey{localPath: j.LocalPath, chunkIndex: j.ChunkIndex}
	}
	return jobKey{localPath: j.LocalPath, chunkIndex: -1}
}
