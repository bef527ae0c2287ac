package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshget/sshget/agent"
	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/fs/accounting"
)

// fakeTunnel is a Worker serving from an in-memory filesystem, with
// scripted failures.
type fakeTunnel struct {
	id   int
	pool *fakePool
}

func (w *fakeTunnel) ID() int { return w.id }

func (w *fakeTunnel) ReadRangeStreaming(ctx context.Context, path string, offset, length int64, sink func([]byte) error) error {
	w.pool.mu.Lock()
	if n := w.pool.failures[w.id]; n > 0 {
		w.pool.failures[w.id] = n - 1
		err := w.pool.failureErr
		w.pool.mu.Unlock()
		return err
	}
	content, ok := w.pool.files[path]
	gate := w.pool.gate
	w.pool.mu.Unlock()

	if !ok {
		return &agent.RemoteError{Path: path, Msg: "No such file or directory"}
	}
	size := int64(len(content))
	if offset > size {
		offset = size
	}
	actual := size - offset
	if length < actual {
		actual = length
	}
	payload := content[offset : offset+actual]
	const piece = 997
	first := true
	for len(payload) > 0 {
		n := piece
		if n > len(payload) {
			n = len(payload)
		}
		if err := sink(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
		if first && gate != nil {
			<-gate // hold mid-stream so tests can abort deterministically
			first = false
		}
	}
	return nil
}

// fakePool implements WorkerPool over fakeTunnels.
type fakePool struct {
	mu         sync.Mutex
	workers    []*fakeTunnel
	busy       map[int]bool
	unhealthy  map[int]string
	labels     map[int]string
	files      map[string][]byte
	failures   map[int]int // worker id -> remaining failures
	failureErr error
	gate       chan struct{}
}

func newFakePool(n int, files map[string][]byte) *fakePool {
	p := &fakePool{
		busy:      make(map[int]bool),
		unhealthy: make(map[int]string),
		labels:    make(map[int]string),
		files:     files,
		failures:  make(map[int]int),
	}
	for id := 0; id < n; id++ {
		p.workers = append(p.workers, &fakeTunnel{id: id, pool: p})
	}
	return p
}

func (p *fakePool) Acquire() Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if !p.busy[w.id] {
			if _, bad := p.unhealthy[w.id]; bad {
				continue
			}
			p.busy[w.id] = true
			return w
		}
	}
	return nil
}

func (p *fakePool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[id] = false
}

func (p *fakePool) MarkUnhealthy(id int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.unhealthy[id]; !ok {
		p.unhealthy[id] = reason
	}
}

func (p *fakePool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if _, bad := p.unhealthy[w.id]; !bad {
			n++
		}
	}
	return n
}

func (p *fakePool) SetJobLabel(id int, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels[id] = label
}

// eventLog collects events thread-safely.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(match func(Event) bool) int {
	n := 0
	for _, ev := range l.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func planFor(t *testing.T, dir string, files map[string][]byte, tunnels int, threshold int64) Plan {
	t.Helper()
	var targets []Target
	for path, content := range files {
		targets = append(targets, Target{
			File: fs.FileEntry{
				RelativePath: filepath.Base(path),
				FullPath:     path,
				Size:         int64(len(content)),
				Mode:         0o644,
				ModTime:      time.Unix(1700000000, 0),
			},
			LocalPath: filepath.Join(dir, filepath.Base(path)),
		})
	}
	return PlanJobs(targets, tunnels, threshold)
}

func TestSchedulerWholeFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"/srv/a.txt": []byte("alpha"),
		"/srv/b.txt": []byte("bravo-bravo"),
		"/srv/c.txt": []byte("charlie"),
	}
	pool := newFakePool(2, files)
	stats := accounting.NewStats()
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	aborted, err := s.Run(context.Background(), planFor(t, dir, files, 2, DefaultParallelThreshold))
	require.NoError(t, err)
	assert.False(t, aborted)

	var total int64
	for path, content := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(path)))
		require.NoError(t, err)
		assert.Equal(t, content, data)
		total += int64(len(content))
	}
	assert.Equal(t, total, stats.BytesReceived())
	assert.Equal(t, 3, log.count(func(ev Event) bool { _, ok := ev.(FileCompleteEvent); return ok }))
}

func TestSchedulerChunkedFile(t *testing.T) {
	dir := t.TempDir()
	content := randomBytes(1 << 20)
	files := map[string][]byte{"/srv/big.iso": content}
	pool := newFakePool(4, files)
	stats := accounting.NewStats()
	stats.SetTotals(int64(len(content)), 1)
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	plan := planFor(t, dir, files, 4, 1<<18)
	require.Len(t, plan.Jobs, 4)
	aborted, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, aborted)

	data, err := os.ReadFile(filepath.Join(dir, "big.iso"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	// one finalize, one complete event
	assert.Equal(t, 1, log.count(func(ev Event) bool { _, ok := ev.(FileCompleteEvent); return ok }))
	_, err = os.Stat(TempPath(filepath.Join(dir, "big.iso")))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(len(content)), stats.BytesReceived())
}

func TestSchedulerSkip(t *testing.T) {
	dir := t.TempDir()
	content := []byte("already here")
	local := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(local, content, 0o644))

	files := map[string][]byte{"/srv/f.txt": content}
	pool := newFakePool(1, files)
	stats := accounting.NewStats()
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	aborted, err := s.Run(context.Background(), planFor(t, dir, files, 1, DefaultParallelThreshold))
	require.NoError(t, err)
	assert.False(t, aborted)
	assert.Equal(t, 1, log.count(func(ev Event) bool { _, ok := ev.(FileSkipEvent); return ok }))
	assert.Equal(t, int64(0), stats.BytesReceived())
	assert.Equal(t, int64(len(content)), stats.SkippedBytes())
}

func TestSchedulerAgentFailureRequeuesWithoutRetryCost(t *testing.T) {
	dir := t.TempDir()
	content := randomBytes(64 * 1024)
	files := map[string][]byte{"/srv/f.bin": content}
	pool := newFakePool(2, files)
	// tunnel 0 stalls every time it is asked; the job must migrate to a
	// sibling without spending its retry budget
	pool.failures[0] = 100
	pool.failureErr = &agent.StalledError{Timeout: 30 * time.Second}
	stats := accounting.NewStats()
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	aborted, err := s.Run(context.Background(), planFor(t, dir, files, 2, DefaultParallelThreshold))
	require.NoError(t, err)
	assert.False(t, aborted)

	data, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	pool.mu.Lock()
	_, quarantined := pool.unhealthy[0]
	pool.mu.Unlock()
	assert.True(t, quarantined)
	// agent-level failure must not consume the job retry budget
	s.mu.Lock()
	for key, n := range s.retries {
		assert.Zero(t, n, "retry count for %v", key)
	}
	s.mu.Unlock()
}

func TestSchedulerAllTunnelsExhausted(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{"/srv/f.bin": randomBytes(1024)}
	pool := newFakePool(2, files)
	pool.failures[0] = 100
	pool.failures[1] = 100
	pool.failureErr = &agent.ClosedError{Reason: "EOF"}
	s := NewScheduler(pool, accounting.NewStats(), (&eventLog{}).emit)

	_, err := s.Run(context.Background(), planFor(t, dir, files, 2, DefaultParallelThreshold))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/srv/f.bin")
	assert.Contains(t, err.Error(), "exhausted")
}

func TestSchedulerJobErrorRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	content := randomBytes(1024)
	files := map[string][]byte{"/srv/f.bin": content}
	pool := newFakePool(1, files)
	// two job-level failures, then success: inside the 3-attempt budget
	pool.failures[0] = 2
	pool.failureErr = &agent.RemoteError{Path: "/srv/f.bin", Msg: "Input/output error"}
	stats := accounting.NewStats()
	s := NewScheduler(pool, stats, (&eventLog{}).emit)

	aborted, err := s.Run(context.Background(), planFor(t, dir, files, 1, DefaultParallelThreshold))
	require.NoError(t, err)
	assert.False(t, aborted)
	data, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestSchedulerJobErrorExhaustsBudget(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{"/srv/locked.bin": randomBytes(128)}
	pool := newFakePool(1, files)
	pool.failures[0] = 100
	pool.failureErr = &agent.RemoteError{Path: "/srv/locked.bin", Msg: "Permission denied"}
	s := NewScheduler(pool, accounting.NewStats(), (&eventLog{}).emit)

	_, err := s.Run(context.Background(), planFor(t, dir, files, 1, DefaultParallelThreshold))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/srv/locked.bin")
	assert.Contains(t, err.Error(), "Permission denied")
	// the failing tunnel is not quarantined for a job problem
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestSchedulerAbort(t *testing.T) {
	dir := t.TempDir()
	content := randomBytes(512 * 1024)
	files := map[string][]byte{"/srv/big.iso": content}
	pool := newFakePool(2, files)
	pool.gate = make(chan struct{})
	stats := accounting.NewStats()
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	plan := planFor(t, dir, files, 2, 1<<10)
	require.Greater(t, len(plan.Jobs), 1)

	var aborted bool
	var runErr error
	doneCh := make(chan struct{})
	go func() {
		aborted, runErr = s.Run(context.Background(), plan)
		close(doneCh)
	}()

	// wait for the first progress, then abort while chunks hold at the gate
	require.Eventually(t, func() bool {
		return log.count(func(ev Event) bool { _, ok := ev.(FileProgressEvent); return ok }) > 0
	}, 5*time.Second, time.Millisecond)

	temps := s.Abort()
	assert.Contains(t, temps, TempPath(filepath.Join(dir, "big.iso")))
	// idempotent: the second call returns an empty, already-cleared set
	assert.Empty(t, s.Abort())

	close(pool.gate)
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not resolve after abort")
	}
	require.NoError(t, runErr)
	assert.True(t, aborted)

	// nothing finalizes after an abort, and no new file starts
	starts := log.count(func(ev Event) bool { _, ok := ev.(FileStartEvent); return ok })
	assert.Zero(t, log.count(func(ev Event) bool { _, ok := ev.(FileCompleteEvent); return ok }))
	_, statErr := os.Stat(filepath.Join(dir, "big.iso"))
	assert.True(t, os.IsNotExist(statErr))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, starts, log.count(func(ev Event) bool { _, ok := ev.(FileStartEvent); return ok }))
}

// TestSchedulerEventInvariants checks the ordering guarantees over a
// mixed plan: per-file start-before-progress-before-complete, monotonic
// bytesReceived, and the progress deltas summing to the total.
func TestSchedulerEventInvariants(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"/srv/one.bin":   randomBytes(3000),
		"/srv/two.bin":   randomBytes(60 * 1024),
		"/srv/three.bin": randomBytes(17),
	}
	pool := newFakePool(3, files)
	stats := accounting.NewStats()
	log := &eventLog{}
	s := NewScheduler(pool, stats, log.emit)

	aborted, err := s.Run(context.Background(), planFor(t, dir, files, 3, 16*1024))
	require.NoError(t, err)
	require.False(t, aborted)

	started := map[string]bool{}
	completed := map[string]bool{}
	var sumDeltas int64
	var lastReceived int64
	for _, ev := range log.snapshot() {
		switch e := ev.(type) {
		case FileStartEvent:
			assert.False(t, completed[e.File.FullPath], "start after complete for %s", e.File.FullPath)
			started[e.File.FullPath] = true
		case FileProgressEvent:
			assert.True(t, started[e.File.FullPath], "progress before start for %s", e.File.FullPath)
			assert.GreaterOrEqual(t, e.BytesReceived, lastReceived, "bytesReceived must not decrease")
			lastReceived = e.BytesReceived
			sumDeltas += e.ChunkBytes
		case FileCompleteEvent:
			assert.True(t, started[e.File.FullPath])
			completed[e.File.FullPath] = true
		}
	}
	var total int64
	for _, content := range files {
		total += int64(len(content))
	}
	assert.Equal(t, total, sumDeltas)
	assert.Equal(t, total, stats.BytesReceived())
	assert.Len(t, completed, len(files))
}
