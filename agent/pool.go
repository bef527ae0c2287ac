package agent

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sshget/sshget/conn"
	"github.com/sshget/sshget/fs"
)

const (
	// spawnBatchSize limits how many connections open at once so
	// server-side connection-rate limits (MaxStartups) are not tripped.
	spawnBatchSize  = 6
	spawnBatchDelay = 300 * time.Millisecond
	// spawnRetries is the number of retries after the first attempt for
	// transient connection errors.
	spawnRetries      = 3
	spawnRetryBackoff = 500 * time.Millisecond
)

// Options configures the agent pool.
type Options struct {
	Count        int
	StallTimeout time.Duration
	PingTimeout  time.Duration
	SpawnTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Count <= 0 {
		o.Count = 8
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = 30 * time.Second
	}
}

// Pool owns the remote reader agents for one host. The scheduler drives
// busy transitions through Acquire/Release; the pool owns readiness and
// quarantine.
type Pool struct {
	c   *conn.Config
	opt Options

	mu     sync.Mutex
	agents []*Agent
	closed bool
}

// NewPool returns an unconnected pool.
func NewPool(c *conn.Config, opt Options) *Pool {
	opt.setDefaults()
	return &Pool{c: c, opt: opt}
}

// checkRuntime verifies the remote python is version 3 or newer before
// any agent source ships over.
func (p *Pool) checkRuntime(ctx context.Context) error {
	out, err := p.c.Output(ctx, `python3 -c 'import sys; print(sys.version_info[0])'`)
	if err != nil {
		return &RuntimeError{Msg: "remote host has no usable python3: " + err.Error()}
	}
	major, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || major < 3 {
		return &RuntimeError{Msg: "remote python reports major version " + strings.TrimSpace(string(out)) + ", need 3 or newer"}
	}
	return nil
}

// Connect verifies the remote runtime and spawns the agents in batches.
func (p *Pool) Connect(ctx context.Context) error {
	if err := p.checkRuntime(ctx); err != nil {
		return err
	}
	for batch := 0; batch < p.opt.Count; batch += spawnBatchSize {
		end := batch + spawnBatchSize
		if end > p.opt.Count {
			end = p.opt.Count
		}
		g, gctx := errgroup.WithContext(ctx)
		for id := batch; id < end; id++ {
			g.Go(func() error {
				a, err := p.spawnWithRetry(gctx, id)
				if err != nil {
					return err
				}
				p.mu.Lock()
				p.agents = append(p.agents, a)
				p.mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			p.Close()
			return err
		}
		if end < p.opt.Count {
			time.Sleep(spawnBatchDelay)
		}
	}
	fs.Infof(nil, "%d tunnels ready to %v", p.HealthyCount(), p.c)
	return nil
}

// retryableSpawn matches the transient connection failures worth
// retrying; everything else fails the startup immediately.
func retryableSpawn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Connection reset") || strings.Contains(msg, "kex_exchange")
}

// spawnWithRetry starts one agent, retrying transient errors with linear
// backoff.
func (p *Pool) spawnWithRetry(ctx context.Context, id int) (*Agent, error) {
	var lastErr error
	for attempt := 0; attempt <= spawnRetries; attempt++ {
		if attempt > 0 {
			fs.Debugf(nil, "tunnel %d spawn retry %d after: %v", id, attempt, lastErr)
			select {
			case <-time.After(time.Duration(attempt) * spawnRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		a, err := p.spawn(ctx, id)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if !retryableSpawn(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// spawn starts one agent and waits for its readiness ping.
func (p *Pool) spawn(ctx context.Context, id int) (*Agent, error) {
	sctx, cancel := context.WithTimeout(ctx, p.opt.SpawnTimeout)
	defer cancel()
	a, err := startAgent(p.c, id, p.opt.StallTimeout)
	if err != nil {
		return nil, err
	}
	if err := a.Ping(sctx, p.opt.PingTimeout); err != nil {
		tail := strings.TrimSpace(a.StderrTail())
		a.shutdown()
		if tail != "" {
			return nil, errors.Wrapf(err, "tunnel %d failed readiness ping (stderr: %s)", id, tail)
		}
		return nil, errors.Wrapf(err, "tunnel %d failed readiness ping", id)
	}
	a.setReady()
	fs.Debugf(a, "ready")
	return a, nil
}

// Acquire returns the first ready, idle, healthy agent or nil. It never
// blocks.
func (p *Pool) Acquire() *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.tryAcquire() {
			return a
		}
	}
	return nil
}

// Release returns an acquired agent to the idle state.
func (p *Pool) Release(id int) {
	if a := p.byID(id); a != nil {
		a.release()
	}
}

// MarkUnhealthy quarantines an agent so it is never acquired again and
// tears its connection down. Idempotent.
func (p *Pool) MarkUnhealthy(id int, reason string) {
	a := p.byID(id)
	if a == nil {
		return
	}
	if a.markUnhealthy(reason) {
		fs.Errorf(a, "quarantined: %s", reason)
		if tail := strings.TrimSpace(a.StderrTail()); tail != "" {
			fs.Debugf(a, "stderr tail: %s", tail)
		}
		go a.shutdown()
	}
}

// HealthyCount returns the number of agents still eligible for work.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.healthy() {
			n++
		}
	}
	return n
}

// SetJobLabel records what agent id is working on, for status observers.
func (p *Pool) SetJobLabel(id int, label string) {
	if a := p.byID(id); a != nil {
		a.SetJobLabel(label)
	}
}

// Statuses snapshots every agent.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Status())
	}
	return out
}

func (p *Pool) byID(id int) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.id == id {
			return a
		}
	}
	return nil
}

// Close shuts every agent down. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	agents := append([]*Agent(nil), p.agents...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.shutdown()
		}(a)
	}
	wg.Wait()
}
