package main

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"

	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/transfer"
)

// renderer turns the event stream into terminal output: a single
// rewritten progress line on a TTY, plain log lines otherwise.
type renderer struct {
	progress   bool
	start      time.Time
	lastDraw   time.Time
	lineActive bool
	totalBytes int64
	totalFiles int
	doneFiles  int
}

func newRenderer(progress bool) *renderer {
	return &renderer{progress: progress, start: time.Now()}
}

func (r *renderer) handle(ev transfer.Event) {
	switch e := ev.(type) {
	case transfer.StartEvent:
		r.totalBytes = e.TotalBytes
		r.totalFiles = e.TotalFiles
		fs.Infof(nil, "downloading %d files, %s", e.TotalFiles, units.BytesSize(float64(e.TotalBytes)))
	case transfer.TunnelStatusEvent:
		for _, st := range e.Tunnels {
			fs.Debugf(nil, "tunnel %d: ready=%v busy=%v unhealthy=%v %s", st.ID, st.Ready, st.Busy, st.Unhealthy, st.JobInfo)
		}
	case transfer.FileStartEvent:
		fs.Debugf(nil, "starting %s", e.Job.Label())
	case transfer.FileSkipEvent:
		fs.Infof(nil, "skipping %s (already downloaded, %s)", e.File.RelativePath, units.BytesSize(float64(e.Size)))
	case transfer.FileProgressEvent:
		r.draw(e.BytesReceived)
	case transfer.FileCompleteEvent:
		r.doneFiles++
		r.clearLine()
		fs.Infof(nil, "completed %s", e.File.RelativePath)
	case transfer.CompleteEvent:
		r.clearLine()
	case transfer.ErrorEvent:
		r.clearLine()
	}
}

// draw rewrites the progress line, rate limited so the terminal is not
// flooded by 256 KiB increments.
func (r *renderer) draw(received int64) {
	if !r.progress {
		return
	}
	now := time.Now()
	if now.Sub(r.lastDraw) < 100*time.Millisecond {
		return
	}
	r.lastDraw = now
	percent := int64(0)
	if r.totalBytes > 0 {
		percent = received * 100 / r.totalBytes
	}
	rate := float64(received) / time.Since(r.start).Seconds()
	fmt.Fprintf(os.Stdout, "\r%s / %s (%d%%) %s/s, %d/%d files   ",
		units.BytesSize(float64(received)), units.BytesSize(float64(r.totalBytes)),
		percent, units.BytesSize(rate), r.doneFiles, r.totalFiles)
	r.lineActive = true
}

func (r *renderer) clearLine() {
	if r.lineActive {
		fmt.Fprint(os.Stdout, "\r\033[K")
		r.lineActive = false
	}
}

func (r *renderer) finish() {
	r.clearLine()
}
