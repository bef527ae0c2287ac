package transfer

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshget/sshget/fs"
)

func target(name string, size int64) Target {
	return Target{
		File: fs.FileEntry{
			RelativePath: name,
			FullPath:     "/srv/" + name,
			Size:         size,
		},
		LocalPath: filepath.Join("/nonexistent-dest", name),
	}
}

func TestPlanSmallFileWhole(t *testing.T) {
	plan := PlanJobs([]Target{target("small", 128)}, 4, DefaultParallelThreshold)
	require.Len(t, plan.Jobs, 1)
	job := plan.Jobs[0]
	assert.False(t, job.IsRange())
	assert.Equal(t, int64(128), job.Length())
	assert.Empty(t, plan.Preallocate)
}

func TestPlanZeroByteFile(t *testing.T) {
	plan := PlanJobs([]Target{target("empty", 0)}, 4, DefaultParallelThreshold)
	require.Len(t, plan.Jobs, 1)
	assert.False(t, plan.Jobs[0].IsRange())
	assert.Equal(t, int64(0), plan.Jobs[0].Length())
}

func TestPlanThresholdBoundary(t *testing.T) {
	// just below the threshold stays whole; exactly at it splits
	below := PlanJobs([]Target{target("f", DefaultParallelThreshold-1)}, 4, DefaultParallelThreshold)
	require.Len(t, below.Jobs, 1)
	assert.False(t, below.Jobs[0].IsRange())

	at := PlanJobs([]Target{target("f", DefaultParallelThreshold)}, 4, DefaultParallelThreshold)
	assert.Greater(t, len(at.Jobs), 1)
	assert.True(t, at.Jobs[0].IsRange())
}

func TestPlanSingleTunnelNeverSplits(t *testing.T) {
	plan := PlanJobs([]Target{target("big", 100 * 1024 * 1024)}, 1, DefaultParallelThreshold)
	require.Len(t, plan.Jobs, 1)
	assert.False(t, plan.Jobs[0].IsRange())
}

func TestPlanChunkedLargeFile(t *testing.T) {
	// 100 MiB over 4 tunnels: 25 MiB chunks with the documented bounds
	plan := PlanJobs([]Target{target("big.iso", 100 * 1024 * 1024)}, 4, DefaultParallelThreshold)
	require.Len(t, plan.Jobs, 4)
	want := [][2]int64{
		{0, 26214399},
		{26214400, 52428799},
		{52428800, 78643199},
		{78643200, 104857599},
	}
	for i, job := range plan.Jobs {
		assert.True(t, job.IsRange())
		assert.Equal(t, want[i][0], job.Start, "chunk %d start", i)
		assert.Equal(t, want[i][1], job.End, "chunk %d end", i)
		assert.Equal(t, i, job.ChunkIndex)
		assert.Equal(t, 4, job.TotalChunks)
	}
	size, ok := plan.Preallocate[plan.Jobs[0].LocalPath]
	require.True(t, ok)
	assert.Equal(t, int64(100*1024*1024), size)
}

func TestPlanDegenerateTail(t *testing.T) {
	// sizes where ⌈size/n⌉*(n-1) ≥ size drop the surplus chunks and
	// TotalChunks reflects the retained count
	plan := PlanJobs([]Target{target("f", 10)}, 7, 5)
	var total int64
	for _, job := range plan.Jobs {
		assert.Equal(t, len(plan.Jobs), job.TotalChunks)
		total += job.Length()
	}
	assert.Equal(t, int64(10), total)
	assert.LessOrEqual(t, len(plan.Jobs), 7)
}

// TestPlanPartitionProperty checks that for arbitrary sizes and tunnel
// counts, the ranges partition [0, size-1] exactly: contiguous,
// non-overlapping, dense chunk indexes and a consistent TotalChunks.
func TestPlanPartitionProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		size := rnd.Int63n(1 << 30)
		if size == 0 {
			size = 1
		}
		tunnels := 2 + rnd.Intn(15)
		threshold := int64(1) // force range planning
		plan := PlanJobs([]Target{target("f", size)}, tunnels, threshold)
		jobs := plan.Jobs
		require.NotEmpty(t, jobs)
		var next int64
		for k, job := range jobs {
			require.True(t, job.IsRange())
			require.Equal(t, k, job.ChunkIndex, "size=%d tunnels=%d", size, tunnels)
			require.Equal(t, len(jobs), job.TotalChunks)
			require.Equal(t, next, job.Start, "size=%d tunnels=%d chunk=%d", size, tunnels, k)
			require.GreaterOrEqual(t, job.End, job.Start)
			next = job.End + 1
		}
		require.Equal(t, size, next, "coverage for size=%d tunnels=%d", size, tunnels)
	}
}

func TestPlanSkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "done.bin")
	require.NoError(t, os.WriteFile(local, make([]byte, 100), 0o644))

	tgt := target("done.bin", 100)
	tgt.LocalPath = local
	plan := PlanJobs([]Target{tgt}, 4, DefaultParallelThreshold)
	assert.Empty(t, plan.Jobs)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, local, plan.Skipped[0].LocalPath)
}

func TestPlanSizeMismatchRedownloads(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "partial.bin")
	require.NoError(t, os.WriteFile(local, make([]byte, 50), 0o644))

	tgt := target("partial.bin", 100)
	tgt.LocalPath = local
	plan := PlanJobs([]Target{tgt}, 4, DefaultParallelThreshold)
	require.Len(t, plan.Jobs, 1)
	assert.Empty(t, plan.Skipped)
}

func TestJobLabel(t *testing.T) {
	whole := Job{RemotePath: "/srv/a"}
	assert.Equal(t, "/srv/a", whole.Label())

	chunk := Job{RemotePath: "/srv/a", ChunkIndex: 1, TotalChunks: 4, Start: 10, End: 19}
	assert.Equal(t, "/srv/a chunk 2/4", chunk.Label())
	assert.Equal(t, int64(10), chunk.Length())
}
