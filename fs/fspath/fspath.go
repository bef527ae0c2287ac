// Package fspath parses [user@]host:path source strings and guards the
// local destination against remote-looking paths.
package fspath

import (
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var sourceMatcher = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+):(.+)$`)

// RemoteSource is one parsed [user@]host:path triple.
type RemoteSource struct {
	User string
	Host string
	Path string
}

// UserHost returns the user@host part of the source.
func (r RemoteSource) UserHost() string {
	return r.User + "@" + r.Host
}

func (r RemoteSource) String() string {
	return r.UserHost() + ":" + r.Path
}

// IsWildcard reports whether the path needs remote glob expansion.
func (r RemoteSource) IsWildcard() bool {
	return strings.ContainsAny(r.Path, "*?")
}

// DefaultUser returns the user to connect as when the source does not name
// one: the environment user, falling back to root.
func DefaultUser() string {
	for _, key := range []string{"USER", "LOGNAME"} {
		if u := os.Getenv(key); u != "" {
			return u
		}
	}
	return "root"
}

// Parse parses a single source string.
func Parse(s string) (RemoteSource, error) {
	m := sourceMatcher.FindStringSubmatch(s)
	if m == nil {
		return RemoteSource{}, errors.Errorf("invalid source %q: expected [user@]host:path", s)
	}
	user := m[1]
	if user == "" {
		user = DefaultUser()
	}
	return RemoteSource{User: user, Host: m[2], Path: m[3]}, nil
}

// ParseSources parses all source arguments and checks that they share a
// single user@host. Mismatches are fatal before any network activity.
func ParseSources(args []string) ([]RemoteSource, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one source is required")
	}
	sources := make([]RemoteSource, 0, len(args))
	for _, arg := range args {
		src, err := Parse(arg)
		if err != nil {
			return nil, err
		}
		if len(sources) > 0 && src.UserHost() != sources[0].UserHost() {
			return nil, errors.Errorf("all sources must share one host: %q does not match %q", src.UserHost(), sources[0].UserHost())
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// CheckDestination rejects destinations that look like remote paths so a
// forgotten argument cannot silently create a file named "host:path". A
// path containing a slash before the colon (./host:file) is accepted.
func CheckDestination(dest string) error {
	m := sourceMatcher.FindStringSubmatch(dest)
	if m == nil {
		return nil
	}
	if strings.Contains(m[2], "/") {
		return nil
	}
	return errors.Errorf("destination %q looks like a remote path; the last argument must be a local path (use ./%s to force)", dest, dest)
}
