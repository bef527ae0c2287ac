package transfer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/sshget/sshget/fs"
)

// TempSuffix marks in-flight downloads; a temp file is always either
// renamed into place or eligible for cleanup.
const TempSuffix = ".sshget.tmp"

// TempPath returns the temp companion for a local target.
func TempPath(localPath string) string {
	return localPath + TempSuffix
}

// Worker is the slice of an agent the downloader needs.
type Worker interface {
	ID() int
	ReadRangeStreaming(ctx context.Context, path string, offset, length int64, sink func([]byte) error) error
}

// Preallocate creates the sparse temp file for localPath at its final
// size. Truncate-to-size leaves holes; chunk writes later land at their
// offsets without any zero-fill pass.
func Preallocate(localPath string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", localPath)
	}
	f, err := os.OpenFile(TempPath(localPath), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", localPath)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "preallocate %s to %d bytes", localPath, size)
	}
	return errors.Wrapf(f.Close(), "close temp file for %s", localPath)
}

// DownloadWhole streams the entire file through one agent into its temp
// file and commits it, metadata included.
func DownloadWhole(ctx context.Context, w Worker, job Job, onBytes func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(job.LocalPath), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", job.LocalPath)
	}
	f, err := os.OpenFile(TempPath(job.LocalPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", job.LocalPath)
	}
	streamErr := w.ReadRangeStreaming(ctx, job.RemotePath, 0, job.File.Size, func(b []byte) error {
		if _, err := f.Write(b); err != nil {
			return errors.Wrapf(err, "write %s", TempPath(job.LocalPath))
		}
		onBytes(int64(len(b)))
		return nil
	})
	closeErr := f.Close()
	if streamErr != nil {
		return streamErr
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "close %s", TempPath(job.LocalPath))
	}
	return Finalize(job.LocalPath, job.File.Mode, job.File.ModTime)
}

// DownloadRange streams one chunk into the preallocated temp file at its
// offset. Chunks of one file never overlap, so writers share the temp
// file without coordination.
func DownloadRange(ctx context.Context, w Worker, job Job, onBytes func(int64)) error {
	f, err := os.OpenFile(TempPath(job.LocalPath), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open temp file for %s", job.LocalPath)
	}
	var written int64
	streamErr := w.ReadRangeStreaming(ctx, job.RemotePath, job.Start, job.Length(), func(b []byte) error {
		if _, err := f.WriteAt(b, job.Start+written); err != nil {
			return errors.Wrapf(err, "write %s at offset %d", TempPath(job.LocalPath), job.Start+written)
		}
		written += int64(len(b))
		onBytes(int64(len(b)))
		return nil
	})
	closeErr := f.Close()
	if streamErr != nil {
		return streamErr
	}
	return errors.Wrapf(closeErr, "close %s", TempPath(job.LocalPath))
}

// Finalize renames the temp file into place and applies mode and mtime.
// The rename is the commit point and its failure fails the transfer;
// metadata failures are logged and swallowed.
func Finalize(localPath string, mode os.FileMode, mtime time.Time) error {
	if err := os.Rename(TempPath(localPath), localPath); err != nil {
		return errors.Wrapf(err, "finalize %s", localPath)
	}
	if err := os.Chmod(localPath, mode); err != nil {
		fs.Infof(nil, "failed to set mode on %s: %v", localPath, err)
	}
	if err := os.Chtimes(localPath, mtime, mtime); err != nil {
		fs.Infof(nil, "failed to set mtime on %s: %v", localPath, err)
	}
	return nil
}

// CleanupTemp removes the temp file for localPath if present.
func CleanupTemp(localPath string) {
	if err := os.Remove(TempPath(localPath)); err != nil && !os.IsNotExist(err) {
		fs.Infof(nil, "failed to remove %s: %v", TempPath(localPath), err)
	}
}
