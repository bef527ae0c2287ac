// Package accounting keeps the shared statistics for one transfer.
package accounting

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/sshget/sshget/fs"
)

// StringSet holds some strings
type StringSet map[string]bool

// Strings returns all the strings in the StringSet, sorted
func (ss StringSet) Strings() []string {
	out := make([]string, 0, len(ss))
	for k := range ss {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String returns all the strings in the StringSet joined by comma
func (ss StringSet) String() string {
	return strings.Join(ss.Strings(), ", ")
}

// Stats accounts a transfer.
//
// bytes is monotonically non-decreasing; skipped bytes are tracked
// separately so progress observers don't see a one-shot spike when files
// already present locally are skipped.
type Stats struct {
	mu           sync.RWMutex
	bytes        int64
	skipped      int64
	errors       int64
	totalBytes   int64
	totalFiles   int
	doneFiles    int
	skippedFiles int
	transferring StringSet
	start        time.Time
}

// NewStats creates an initialised Stats
func NewStats() *Stats {
	return &Stats{
		transferring: make(StringSet),
		start:        time.Now(),
	}
}

// SetTotals records the planned transfer size.
func (s *Stats) SetTotals(totalBytes int64, totalFiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBytes = totalBytes
	s.totalFiles = totalFiles
}

// TotalBytes returns the planned transfer size.
func (s *Stats) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

// Bytes adds n received bytes and returns the new running total.
func (s *Stats) Bytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += n
	return s.bytes
}

// BytesReceived returns the bytes received so far, excluding skips.
func (s *Stats) BytesReceived() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Skip accounts one file skipped because it already exists locally.
func (s *Stats) Skip(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped += size
	s.skippedFiles++
}

// SkippedBytes returns the bytes accounted to skipped files.
func (s *Stats) SkippedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skipped
}

// Error adds a single error into the stats
func (s *Stats) Error() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// Transferring marks label as in flight
func (s *Stats) Transferring(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferring[label] = true
}

// DoneTransferring removes label from the in-flight set, counting the
// file as done when ok.
func (s *Stats) DoneTransferring(label string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transferring, label)
	if ok {
		s.doneFiles++
	}
}

// Rate returns the average receive rate in bytes per second.
func (s *Stats) Rate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dt := time.Since(s.start).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(s.bytes) / dt
}

// String converts the Stats to a string for printing
func (s *Stats) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dt := time.Since(s.start)
	speed := 0.0
	if secs := dt.Seconds(); secs > 0 {
		speed = float64(s.bytes) / secs
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, `
Transferred:   %s (%s/s)
Files:         %d done, %d skipped, %d total
Errors:        %d
Elapsed time:  %v
`,
		units.BytesSize(float64(s.bytes)), units.BytesSize(speed),
		s.doneFiles, s.skippedFiles, s.totalFiles,
		s.errors,
		dt.Round(time.Millisecond))
	if len(s.transferring) > 0 {
		fmt.Fprintf(buf, "Transferring:  %s\n", s.transferring)
	}
	return buf.String()
}

// Log outputs the Stats to the log
func (s *Stats) Log() {
	fs.Infof(nil, "%v", s)
}
