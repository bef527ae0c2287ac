package fs

import "errors"

// ErrAborted marks cooperative cancellation. A transfer that ends with it
// is not reported as an error to observers.
var ErrAborted = errors.New("transfer aborted")

// IsAborted reports whether err is (or wraps) ErrAborted.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
