package transfer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/sshget/sshget/agent"
	"github.com/sshget/sshget/conn"
	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/fs/accounting"
	"github.com/sshget/sshget/fs/fspath"
)

// Options configures a transfer.
type Options struct {
	// Tunnels is the worker count; it also bounds the chunk fan-out.
	Tunnels int
	// ParallelThreshold is the file size at which chunking starts.
	ParallelThreshold int64
	// DryRun plans and reports without downloading.
	DryRun bool
}

func (o *Options) setDefaults() {
	if o.Tunnels <= 0 {
		o.Tunnels = 8
	}
	if o.ParallelThreshold <= 0 {
		o.ParallelThreshold = DefaultParallelThreshold
	}
}

// Transfer coordinates one download session: parse, expand, connect,
// enumerate, plan, download, finalize. It owns the pool and the
// scheduler and multiplexes lifecycle events to a single subscriber.
type Transfer struct {
	connCfg conn.Config
	poolOpt agent.Options
	opt     Options

	stats  *accounting.Stats
	events chan Event

	mu      sync.Mutex
	pool    *agent.Pool
	sched   *Scheduler
	aborted bool
}

// New returns an idle Transfer. The conn.Config needs everything but
// user and host, which come from the parsed sources.
func New(connCfg conn.Config, poolOpt agent.Options, opt Options) *Transfer {
	opt.setDefaults()
	return &Transfer{
		connCfg: connCfg,
		poolOpt: poolOpt,
		opt:     opt,
		stats:   accounting.NewStats(),
		events:  make(chan Event, 64),
	}
}

// Events returns the observable event stream. It is closed when Run
// returns.
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Stats exposes the transfer's accounting.
func (t *Transfer) Stats() *accounting.Stats {
	return t.stats
}

func (t *Transfer) emit(ev Event) {
	t.events <- ev
}

// Abort cancels the transfer cooperatively and returns the temp files
// the caller should remove. Idempotent; safe from any goroutine.
func (t *Transfer) Abort() []string {
	t.mu.Lock()
	t.aborted = true
	sched := t.sched
	t.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Abort()
}

func (t *Transfer) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// poolAdapter narrows *agent.Pool to the scheduler's WorkerPool.
type poolAdapter struct {
	*agent.Pool
}

func (p poolAdapter) Acquire() Worker {
	if a := p.Pool.Acquire(); a != nil {
		return a
	}
	return nil
}

// Run performs the whole pipeline. The events channel is closed on
// return. Errors are also surfaced as an ErrorEvent unless the transfer
// was aborted, in which case cleanup is silent and Run returns nil.
func (t *Transfer) Run(ctx context.Context, sources []string, dest string) error {
	defer close(t.events)
	err := t.run(ctx, sources, dest)
	if err != nil {
		if fs.IsAborted(err) || t.isAborted() {
			return nil
		}
		t.emit(ErrorEvent{Err: err})
		return err
	}
	return nil
}

func (t *Transfer) run(ctx context.Context, rawSources []string, dest string) error {
	sources, err := fspath.ParseSources(rawSources)
	if err != nil {
		return err
	}
	if err := fspath.CheckDestination(dest); err != nil {
		return err
	}
	t.connCfg.User = sources[0].User
	t.connCfg.Host = sources[0].Host

	enum := conn.NewEnumerator(&t.connCfg)

	// wildcard expansion happens before enumeration; an empty expansion
	// is fatal before any pool spins up
	var roots []string
	for _, src := range sources {
		if !src.IsWildcard() {
			roots = append(roots, src.Path)
			continue
		}
		matches, err := enum.ExpandWildcard(ctx, src.Path)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return errors.Errorf("wildcard %s matched nothing on %v", src.Path, &t.connCfg)
		}
		roots = append(roots, matches...)
	}

	pool := agent.NewPool(&t.connCfg, t.poolOpt)
	if err := pool.Connect(ctx); err != nil {
		return err
	}
	defer pool.Close()
	t.mu.Lock()
	t.pool = pool
	t.mu.Unlock()
	t.emit(TunnelReadyEvent{})
	t.emit(TunnelStatusEvent{Tunnels: pool.Statuses()})

	var files []fs.FileEntry
	for _, root := range roots {
		entries, err := enum.ListFiles(ctx, root)
		if err != nil {
			return err
		}
		files = append(files, entries...)
	}
	if len(files) == 0 {
		return errors.Errorf("nothing to download from %v", &t.connCfg)
	}

	singleFile := len(rawSources) == 1 && !sources[0].IsWildcard() &&
		len(files) == 1 && !files[0].MatchedRootIsDir
	targets := make([]Target, len(files))
	var totalBytes int64
	for i, f := range files {
		targets[i] = Target{File: f, LocalPath: LocalPath(f, dest, singleFile)}
		totalBytes += f.Size
	}
	t.stats.SetTotals(totalBytes, len(files))
	t.emit(StartEvent{TotalBytes: totalBytes, TotalFiles: len(files), Files: files})

	tunnels := pool.HealthyCount()
	if tunnels > t.opt.Tunnels {
		tunnels = t.opt.Tunnels
	}
	plan := PlanJobs(targets, tunnels, t.opt.ParallelThreshold)
	if t.opt.DryRun {
		for _, job := range plan.Jobs {
			fs.Infof(nil, "would download %s -> %s (%d bytes)", job.Label(), job.LocalPath, job.Length())
		}
		for _, skip := range plan.Skipped {
			fs.Infof(nil, "would skip %s", skip.LocalPath)
		}
		t.emit(CompleteEvent{BytesReceived: 0, Files: len(files)})
		return nil
	}

	sched := NewScheduler(poolAdapter{pool}, t.stats, t.emit)
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return fs.ErrAborted
	}
	t.sched = sched
	t.mu.Unlock()

	aborted, err := sched.Run(ctx, plan)
	if err != nil {
		return err
	}
	if aborted {
		fs.Infof(nil, "transfer aborted")
		return nil
	}
	t.emit(CompleteEvent{BytesReceived: t.stats.BytesReceived(), Files: len(files)})
	return nil
}
