package transfer

import (
	"os"

	"github.com/sshget/sshget/fs"
)

// DefaultParallelThreshold is the file size at which downloads are split
// across tunnels.
const DefaultParallelThreshold int64 = 50 * 1024 * 1024

// Target pairs a remote file with its local destination.
type Target struct {
	File      fs.FileEntry
	LocalPath string
}

// Plan holds the planned work for one transfer.
type Plan struct {
	Jobs    []Job
	Skipped []Target
	// Preallocate maps the localPath of every range-planned file to its
	// size; each needs a sparse temp file before any chunk lands.
	Preallocate map[string]int64
}

// PlanJobs decides each target's job shape: skip when an identical-size
// local copy exists, split across tunnels above the threshold, otherwise
// a single whole-file job.
func PlanJobs(targets []Target, tunnelCount int, threshold int64) Plan {
	if threshold <= 0 {
		threshold = DefaultParallelThreshold
	}
	plan := Plan{Preallocate: make(map[string]int64)}
	for _, t := range targets {
		if info, err := os.Stat(t.LocalPath); err == nil && !info.IsDir() && info.Size() == t.File.Size {
			plan.Skipped = append(plan.Skipped, t)
			continue
		}
		if t.File.Size >= threshold && tunnelCount > 1 {
			jobs := chunkJobs(t, tunnelCount)
			plan.Jobs = append(plan.Jobs, jobs...)
			plan.Preallocate[t.LocalPath] = t.File.Size
			continue
		}
		plan.Jobs = append(plan.Jobs, Job{
			File:       t.File,
			RemotePath: t.File.FullPath,
			LocalPath:  t.LocalPath,
		})
	}
	return plan
}

// chunkJobs splits a file into up to tunnelCount contiguous ranges of
// ⌈size/tunnelCount⌉ bytes. Degenerate tail chunks whose start would run
// past the file are dropped, and TotalChunks reflects the retained count.
func chunkJobs(t Target, tunnelCount int) []Job {
	size := t.File.Size
	chunkSize := (size + int64(tunnelCount) - 1) / int64(tunnelCount)
	var jobs []Job
	for i := 0; i < tunnelCount; i++ {
		start := int64(i) * chunkSize
		if start > size-1 {
			break
		}
		end := start + chunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		jobs = append(jobs, Job{
			File:       t.File,
			RemotePath: t.File.FullPath,
			LocalPath:  t.LocalPath,
			Start:      start,
			End:        end,
			ChunkIndex: i,
		})
	}
	for i := range jobs {
		jobs[i].TotalChunks = len(jobs)
	}
	return jobs
}
