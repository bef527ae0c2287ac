package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/sshget/sshget/agent"
	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/fs/accounting"
)

// WorkerPool is the slice of the agent pool the scheduler needs.
type WorkerPool interface {
	// Acquire returns an idle healthy worker or nil; it never blocks.
	Acquire() Worker
	Release(id int)
	MarkUnhealthy(id int, reason string)
	HealthyCount() int
	SetJobLabel(id int, label string)
}

// maxJobAttempts is the job-level retry budget. Agent-level failures
// requeue without touching it; a job problem is given this many tries on
// any agent before the transfer fails.
const maxJobAttempts = 3

type jobResult struct {
	worker Worker
	job    Job
	err    error
}

// Scheduler dispatches planned jobs over the worker pool and owns the
// transfer state: the pending queue, in-flight jobs, completed chunks,
// retry counts and active temp files.
type Scheduler struct {
	pool  WorkerPool
	stats *accounting.Stats
	emit  func(Event)

	// progressMu makes the bytes-received increment and its progress
	// event one atomic step, keeping BytesReceived monotonic across the
	// event sequence even with many streams accounting at once.
	progressMu sync.Mutex

	mu        sync.Mutex
	pending   []Job
	active    map[int]Job
	completed map[string]map[int]bool
	retries   map[jobKey]int
	tempFiles map[string]bool
	aborted   bool
	abortCh   chan struct{}

	results chan jobResult
}

// NewScheduler returns a scheduler dispatching over pool and accounting
// into stats. Events go to emit.
func NewScheduler(pool WorkerPool, stats *accounting.Stats, emit func(Event)) *Scheduler {
	return &Scheduler{
		pool:      pool,
		stats:     stats,
		emit:      emit,
		active:    make(map[int]Job),
		completed: make(map[string]map[int]bool),
		retries:   make(map[jobKey]int),
		tempFiles: make(map[string]bool),
		abortCh:   make(chan struct{}),
		// buffered so in-flight jobs finishing after an abort never block
		results: make(chan jobResult, 64),
	}
}

// Abort stops the transfer at the next dispatch tick. It returns the
// temp paths that were active and clears the set atomically; the caller
// is responsible for unlinking them. Idempotent.
func (s *Scheduler) Abort() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.abortCh)
	}
	temps := make([]string, 0, len(s.tempFiles))
	for localPath := range s.tempFiles {
		temps = append(temps, TempPath(localPath))
	}
	s.tempFiles = make(map[string]bool)
	sort.Strings(temps)
	return temps
}

func (s *Scheduler) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Run executes the plan. It returns aborted=true when Abort was called;
// no Complete event should follow in that case.
func (s *Scheduler) Run(ctx context.Context, plan Plan) (aborted bool, err error) {
	for _, t := range plan.Skipped {
		s.stats.Skip(t.File.Size)
		s.emit(FileSkipEvent{File: t.File, Size: t.File.Size})
		fs.Debugf(nil, "skipping %s: local copy is already %d bytes", t.LocalPath, t.File.Size)
	}
	for localPath, size := range plan.Preallocate {
		if err := Preallocate(localPath, size); err != nil {
			return false, err
		}
		s.addTemp(localPath)
	}
	s.mu.Lock()
	s.pending = append(s.pending, plan.Jobs...)
	s.mu.Unlock()

	for {
		if s.isAborted() {
			return true, nil
		}
		s.dispatch(ctx)
		pendingN, activeN := s.queueSizes()
		if pendingN == 0 && activeN == 0 {
			return false, nil
		}
		if activeN == 0 && s.pool.HealthyCount() == 0 {
			return false, errors.New("no healthy tunnels remain")
		}
		select {
		case res := <-s.results:
			if err := s.handleResult(res); err != nil {
				return false, err
			}
		case <-s.abortCh:
			// swallowed; the loop head resolves the abort
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// dispatch hands pending jobs to idle agents until one of the two runs
// out.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.aborted || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		w := s.pool.Acquire()
		if w == nil {
			s.mu.Unlock()
			return
		}
		job := s.pending[0]
		s.pending = s.pending[1:]
		s.active[w.ID()] = job
		if !job.IsRange() {
			s.tempFiles[job.LocalPath] = true
		}
		s.mu.Unlock()

		s.pool.SetJobLabel(w.ID(), job.Label())
		s.stats.Transferring(job.Label())
		s.emit(FileStartEvent{File: job.File, Job: job})
		go s.execute(ctx, w, job)
	}
}

// execute runs one job on its acquired agent and reports the outcome.
func (s *Scheduler) execute(ctx context.Context, w Worker, job Job) {
	onBytes := func(n int64) {
		s.progressMu.Lock()
		received := s.stats.Bytes(n)
		s.emit(FileProgressEvent{
			File:          job.File,
			ChunkBytes:    n,
			BytesReceived: received,
			TotalBytes:    s.stats.TotalBytes(),
		})
		s.progressMu.Unlock()
	}
	var err error
	if job.IsRange() {
		err = DownloadRange(ctx, w, job, onBytes)
	} else {
		err = DownloadWhole(ctx, w, job, onBytes)
	}
	s.results <- jobResult{worker: w, job: job, err: err}
}

// handleResult applies the retry policy to one finished job.
func (s *Scheduler) handleResult(res jobResult) error {
	w, job := res.worker, res.job
	s.mu.Lock()
	delete(s.active, w.ID())
	s.mu.Unlock()
	s.pool.SetJobLabel(w.ID(), "")
	s.stats.DoneTransferring(job.Label(), res.err == nil)

	if s.isAborted() {
		// in-flight jobs landing after an abort are swallowed; chunk
		// writes may have completed but nothing finalizes
		s.pool.Release(w.ID())
		return nil
	}
	if res.err == nil {
		s.pool.Release(w.ID())
		return s.finishJob(job)
	}

	err := res.err
	if agent.IsAgentLevel(err) {
		s.stats.Error()
		s.pool.MarkUnhealthy(w.ID(), err.Error())
		if s.pool.HealthyCount() > 0 {
			fs.Infof(nil, "%s failed on tunnel %d, requeueing on a sibling: %v", job.Label(), w.ID(), err)
			s.requeue(job)
			return nil
		}
		// nothing left to requeue onto: exit the retry loop with a
		// clear exhaustion error instead of burning the job budget
		return errors.Wrapf(err, "download failed: %s: all tunnels exhausted", job.Label())
	}
	s.pool.Release(w.ID())

	s.mu.Lock()
	s.retries[job.key()]++
	attempts := s.retries[job.key()]
	s.mu.Unlock()
	if attempts < maxJobAttempts {
		s.stats.Error()
		fs.Infof(nil, "%s failed (attempt %d/%d), retrying: %v", job.Label(), attempts, maxJobAttempts, err)
		s.requeue(job)
		return nil
	}
	return errors.Wrapf(err, "download failed: %s", job.Label())
}

// finishJob records completion, finalizing the file once every chunk has
// landed.
func (s *Scheduler) finishJob(job Job) error {
	if !job.IsRange() {
		s.removeTemp(job.LocalPath)
		s.emit(FileCompleteEvent{File: job.File})
		return nil
	}
	s.mu.Lock()
	set := s.completed[job.LocalPath]
	if set == nil {
		set = make(map[int]bool)
		s.completed[job.LocalPath] = set
	}
	set[job.ChunkIndex] = true
	done := len(set) == job.TotalChunks
	s.mu.Unlock()
	if !done {
		return nil
	}
	if err := Finalize(job.LocalPath, job.File.Mode, job.File.ModTime); err != nil {
		return err
	}
	s.removeTemp(job.LocalPath)
	s.emit(FileCompleteEvent{File: job.File})
	return nil
}

// requeue puts a job back at the tail of the pending queue.
func (s *Scheduler) requeue(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, job)
}

func (s *Scheduler) addTemp(localPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempFiles[localPath] = true
}

func (s *Scheduler) removeTemp(localPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tempFiles, localPath)
}

func (s *Scheduler) queueSizes() (pending, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.active)
}
