package conn

import (
	"context"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sshget/sshget/fs"
)

// statFlavor selects between GNU and BSD stat invocation syntax.
type statFlavor int

const (
	statUnknown statFlavor = iota
	statGNU                // stat -c '%s %a %Y %n'
	statBSD                // stat -f '%z %Lp %m %N'
)

func (f statFlavor) String() string {
	switch f {
	case statGNU:
		return "gnu"
	case statBSD:
		return "bsd"
	}
	return "unknown"
}

func (f statFlavor) command() string {
	if f == statBSD {
		return `stat -f '%z %Lp %m %N'`
	}
	return `stat -c '%s %a %Y %n'`
}

// runner abstracts one-shot remote execution so the enumerator can be
// tested without a network.
type runner interface {
	Output(ctx context.Context, remoteCmd string) ([]byte, error)
}

// Enumerator classifies and lists paths on the remote host over one-shot
// shell commands.
type Enumerator struct {
	r runner

	mu     sync.Mutex
	flavor statFlavor
}

// NewEnumerator returns an Enumerator running over c.
func NewEnumerator(c *Config) *Enumerator {
	return &Enumerator{r: c}
}

// statCommand picks the stat syntax the remote supports, probing once
// with /dev/null.
func (e *Enumerator) statCommand(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flavor != statUnknown {
		return e.flavor.command(), nil
	}
	if _, err := e.r.Output(ctx, statGNU.command()+" /dev/null"); err == nil {
		e.flavor = statGNU
	} else if _, err := e.r.Output(ctx, statBSD.command()+" /dev/null"); err == nil {
		e.flavor = statBSD
	} else {
		return "", errors.New("remote stat supports neither GNU nor BSD syntax")
	}
	fs.Debugf(nil, "remote stat flavor: %v", e.flavor)
	return e.flavor.command(), nil
}

// Classify reports whether remotePath exists and whether it is a
// directory.
func (e *Enumerator) Classify(ctx context.Context, remotePath string) (exists, isDir bool, err error) {
	q := Quote(remotePath)
	out, err := e.r.Output(ctx, "if test -d "+q+"; then echo dir; elif test -e "+q+"; then echo file; else echo missing; fi")
	if err != nil {
		return false, false, errors.Wrapf(err, "classify %s", remotePath)
	}
	switch strings.TrimSpace(string(out)) {
	case "dir":
		return true, true, nil
	case "file":
		return true, false, nil
	}
	return false, false, nil
}

// ListFiles enumerates remotePath: a single entry for a file, or every
// regular file under it for a directory. Symlinks are not followed.
func (e *Enumerator) ListFiles(ctx context.Context, remotePath string) ([]fs.FileEntry, error) {
	exists, isDir, err := e.Classify(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("remote path not found: %s", remotePath)
	}
	statCmd, err := e.statCommand(ctx)
	if err != nil {
		return nil, err
	}
	var remoteCmd string
	if isDir {
		// -exec ... {} + batches many files per stat invocation
		remoteCmd = "find -P " + Quote(remotePath) + " -type f -exec " + statCmd + " {} +"
	} else {
		remoteCmd = statCmd + " " + Quote(remotePath)
	}
	out, err := e.r.Output(ctx, remoteCmd)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", remotePath)
	}
	entries, err := parseStatLines(string(out), remotePath, isDir)
	if err != nil {
		return nil, err
	}
	fs.Debugf(nil, "enumerated %d files under %s", len(entries), remotePath)
	return entries, nil
}

// parseStatLines parses "size mode(octal) mtime name" lines. Names may
// contain spaces, so only the first three fields are split off.
func parseStatLines(out, root string, rootIsDir bool) ([]fs.FileEntry, error) {
	var entries []fs.FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) != 4 {
			return nil, errors.Errorf("unparseable stat output %q", line)
		}
		size, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad size in stat output %q", line)
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "bad mode in stat output %q", line)
		}
		mtime, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad mtime in stat output %q", line)
		}
		full := parts[3]
		var rel string
		if rootIsDir {
			rel = strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
		} else {
			rel = path.Base(full)
		}
		entries = append(entries, fs.FileEntry{
			RelativePath:     rel,
			FullPath:         full,
			Size:             size,
			Mode:             os.FileMode(mode & 0o7777),
			ModTime:          time.Unix(mtime, 0),
			MatchedRoot:      root,
			MatchedRootIsDir: rootIsDir,
		})
	}
	return entries, nil
}

// ExpandWildcard expands pattern using the remote shell's globbing. The
// pattern is intentionally unquoted; the guard inside the loop survives
// patterns with no matches. An empty result is returned as an empty list.
func (e *Enumerator) ExpandWildcard(ctx context.Context, pattern string) ([]string, error) {
	remoteCmd := `for f in ` + pattern + `; do if [ -e "$f" ]; then printf '%s\n' "$f"; fi; done`
	out, err := e.r.Output(ctx, remoteCmd)
	if err != nil {
		return nil, errors.Wrapf(err, "expand wildcard %s", pattern)
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
