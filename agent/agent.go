// Package agent spawns and supervises the remote reader processes, one
// per SSH channel, and speaks the binary frame protocol to them.
package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sshget/sshget/conn"
	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/lib/tailbuffer"
)

const (
	stderrTailSize = 5 * 1024
	closeGrace     = 500 * time.Millisecond
)

type readResult struct {
	data []byte
	err  error
}

// Agent is one remote reader process on its own SSH connection. A single
// request is outstanding at a time; the response framing carries no
// request id, so pipelining would corrupt the channel.
type Agent struct {
	id int

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *tailbuffer.Buffer

	// reqMu serializes requests on the channel.
	reqMu sync.Mutex
	// results is fed by the reader goroutine; pending holds bytes
	// received but not yet consumed.
	results chan readResult
	done    chan struct{}
	pending []byte
	readErr error

	stallTimeout time.Duration

	closeOnce sync.Once

	mu              sync.Mutex
	ready           bool
	busy            bool
	unhealthy       bool
	unhealthyReason string
	jobLabel        string
}

// Status is a point-in-time snapshot of one agent for observers.
type Status struct {
	ID        int
	Ready     bool
	Busy      bool
	Unhealthy bool
	Reason    string
	JobInfo   string
}

func (a *Agent) String() string {
	return fmt.Sprintf("tunnel %d", a.id)
}

// ID returns the agent's pool slot.
func (a *Agent) ID() int {
	return a.id
}

// newAgent wires an Agent around arbitrary channel endpoints. The tests
// use this with in-memory pipes; startAgent uses it with an ssh process.
func newAgent(id int, stdin io.WriteCloser, stdout io.Reader, stallTimeout time.Duration) *Agent {
	a := &Agent{
		id:           id,
		stdin:        stdin,
		stderr:       tailbuffer.New(stderrTailSize),
		results:      make(chan readResult, 1),
		done:         make(chan struct{}),
		stallTimeout: stallTimeout,
	}
	go a.readLoop(stdout)
	return a
}

// startAgent launches the remote reader over a fresh ssh connection. The
// returned agent is not ready until it answers a ping.
func startAgent(c *conn.Config, id int, stallTimeout time.Duration) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	remoteCmd := "exec python3 -c " + conn.Quote(agentSource)
	cmd, err := c.CommandContext(ctx, remoteCmd, true)
	if err != nil {
		cancel()
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{ID: id, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{ID: id, Err: err}
	}
	a := newAgent(id, stdin, stdout, stallTimeout)
	a.cmd = cmd
	a.cancel = cancel
	cmd.Stderr = a.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{ID: id, Err: err}
	}
	fs.Debugf(a, "spawned ssh pid %d", cmd.Process.Pid)
	return a, nil
}

// readLoop moves inbound bytes from the channel to the consumer. It owns
// the read side: exactly one goroutine reads stdout.
func (a *Agent) readLoop(r io.Reader) {
	for {
		buf := make([]byte, streamPiece)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case a.results <- readResult{data: buf[:n]}:
			case <-a.done:
				return
			}
		}
		if err != nil {
			select {
			case a.results <- readResult{err: err}:
			case <-a.done:
			}
			return
		}
	}
}

// next returns the next chunk of inbound bytes, waiting up to timeout for
// data. The timeout covers only the gap since the last arrival, so slow
// but live channels never stall out.
func (a *Agent) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if len(a.pending) > 0 {
		b := a.pending
		a.pending = nil
		return b, nil
	}
	if a.readErr != nil {
		return nil, &ClosedError{Reason: a.readErr.Error()}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-a.results:
		if res.err != nil {
			a.readErr = res.err
			a.setNotReady()
			return nil, &ClosedError{Reason: res.err.Error()}
		}
		return res.data, nil
	case <-timer.C:
		return nil, &StalledError{Timeout: timeout}
	case <-a.done:
		return nil, &ClosedError{Reason: "agent shut down"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readExact reads exactly n bytes from the channel.
func (a *Agent) readExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk, err := a.next(ctx, timeout)
		if err != nil {
			return nil, err
		}
		if need := n - len(buf); len(chunk) > need {
			a.pending = chunk[need:]
			chunk = chunk[:need]
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// streamBody forwards n body bytes to sink as they arrive. Partial
// chunks are passed straight through.
func (a *Agent) streamBody(ctx context.Context, n uint64, sink func([]byte) error, timeout time.Duration) error {
	remaining := n
	for remaining > 0 {
		chunk, err := a.next(ctx, timeout)
		if err != nil {
			return err
		}
		if uint64(len(chunk)) > remaining {
			a.pending = chunk[remaining:]
			chunk = chunk[:remaining]
		}
		if err := sink(chunk); err != nil {
			return err
		}
		remaining -= uint64(len(chunk))
	}
	return nil
}

func (a *Agent) readRange(ctx context.Context, path string, offset, length uint64, sink func([]byte) error, stall time.Duration) error {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	req, err := encodeRequest(path, offset, length)
	if err != nil {
		return err
	}
	if _, err := a.stdin.Write(req); err != nil {
		a.setNotReady()
		return &ClosedError{Reason: err.Error()}
	}
	hdr, err := a.readExact(ctx, responseHeaderLen, stall)
	if err != nil {
		return err
	}
	status := hdr[0]
	dataLen := binary.BigEndian.Uint64(hdr[1:])
	if status == statusErr {
		if dataLen > maxErrorLen {
			a.setNotReady()
			return &ClosedError{Reason: fmt.Sprintf("oversized error frame (%d bytes)", dataLen)}
		}
		msg, err := a.readExact(ctx, int(dataLen), stall)
		if err != nil {
			return err
		}
		return &RemoteError{Path: path, Msg: string(msg)}
	}
	return a.streamBody(ctx, dataLen, sink, stall)
}

// ReadRangeStreaming requests length bytes of path at offset and feeds
// the streamed body to sink. The agent may return fewer bytes than
// requested when the range runs past end of file; the header's byte count
// is authoritative.
func (a *Agent) ReadRangeStreaming(ctx context.Context, path string, offset, length int64, sink func([]byte) error) error {
	return a.readRange(ctx, path, uint64(offset), uint64(length), sink, a.stallTimeout)
}

// Ping issues a zero-length read of /dev/null, proving the SSH channel,
// the agent process and the framing end to end. Readiness before a
// successful ping means nothing.
func (a *Agent) Ping(ctx context.Context, timeout time.Duration) error {
	return a.readRange(ctx, "/dev/null", 0, 0, func(b []byte) error {
		return &ClosedError{Reason: fmt.Sprintf("ping returned %d unexpected bytes", len(b))}
	}, timeout)
}

// StderrTail returns the retained tail of the agent's stderr.
func (a *Agent) StderrTail() string {
	return a.stderr.Tail()
}

func (a *Agent) setReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
}

func (a *Agent) setNotReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
}

// tryAcquire atomically claims an idle healthy agent.
func (a *Agent) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready || a.busy || a.unhealthy {
		return false
	}
	a.busy = true
	return true
}

func (a *Agent) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	a.jobLabel = ""
}

// markUnhealthy quarantines the agent. Idempotent; the first reason
// sticks.
func (a *Agent) markUnhealthy(reason string) bool {
	a.mu.Lock()
	if a.unhealthy {
		a.mu.Unlock()
		return false
	}
	a.unhealthy = true
	a.unhealthyReason = reason
	a.ready = false
	a.mu.Unlock()
	return true
}

func (a *Agent) healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready && !a.unhealthy
}

// SetJobLabel records what the agent is working on for UI observers.
func (a *Agent) SetJobLabel(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobLabel = label
}

// Status snapshots the agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ID:        a.id,
		Ready:     a.ready,
		Busy:      a.busy,
		Unhealthy: a.unhealthy,
		Reason:    a.unhealthyReason,
		JobInfo:   a.jobLabel,
	}
}

// shutdown stops the agent process: stdin first so a clean agent exits on
// EOF, then SIGTERM, then a hard kill for survivors of the grace period.
func (a *Agent) shutdown() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.setNotReady()
		if a.stdin != nil {
			_ = a.stdin.Close()
		}
		if a.cmd != nil && a.cmd.Process != nil {
			_ = a.cmd.Process.Signal(syscall.SIGTERM)
			waited := make(chan struct{})
			go func() {
				_ = a.cmd.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-time.After(closeGrace):
				fs.Debugf(a, "did not exit in %v, killing", closeGrace)
				a.cancel()
				<-waited
			}
		} else if a.cancel != nil {
			a.cancel()
		}
	})
}
