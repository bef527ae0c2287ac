package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// StalledError reports that no data arrived on an agent channel within
// the stall timeout during an active read.
type StalledError struct {
	Timeout time.Duration
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("read stalled: no data for %v", e.Timeout)
}

// ClosedError reports the agent channel closing mid-request.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

// RemoteError is a status=1 failure reported by the agent itself, such as
// permission denied or file not found. It indicts the job, not the
// channel.
type RemoteError struct {
	Path string
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote read %s: %s", e.Path, e.Msg)
}

// RuntimeError reports an unusable remote runtime.
type RuntimeError struct {
	Msg string
}

func (e *RuntimeError) Error() string {
	return e.Msg
}

// SpawnError is a non-retryable agent startup failure.
type SpawnError struct {
	ID  int
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("tunnel %d failed to start: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsAgentLevel reports whether err indicts the agent channel rather than
// the job. Agent-level failures quarantine the agent and requeue the job
// without spending its retry budget.
func IsAgentLevel(err error) bool {
	if err == nil {
		return false
	}
	var stalled *StalledError
	var closed *ClosedError
	if errors.As(err, &stalled) || errors.As(err, &closed) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"stalled", "read timeout", "read stalled", "connection closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
