package transfer

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sshget/sshget/fs"
)

// LocalPath computes where file lands under dest, scp-style.
//
// A single plain file (one source argument, not a wildcard, source not a
// directory, one resulting file) copies onto dest literally, or into it
// when dest is a directory or ends in a slash. Everything else copies
// into dest: directory roots keep their top-level name, loose files from
// wildcard matches lay out flat.
func LocalPath(file fs.FileEntry, dest string, singleFile bool) string {
	if singleFile {
		if strings.HasSuffix(dest, "/") || isLocalDir(dest) {
			return filepath.Join(dest, path.Base(file.RelativePath))
		}
		return dest
	}
	if file.MatchedRootIsDir {
		return filepath.Join(dest, path.Base(file.MatchedRoot), filepath.FromSlash(file.RelativePath))
	}
	return filepath.Join(dest, path.Base(file.FullPath))
}

func isLocalDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
