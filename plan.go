package turbodl

import (
	"fmt"
	"math"
	"time"
)

const (
	// MinWorkers and MaxWorkers bound worker_count per spec §3.
	MinWorkers = 1
	MaxWorkers = 24

	oneMiB = 1 << 20
)

// RAMBufferMode is the three-way use_ram_buffer preference.
type RAMBufferMode int

const (
	RAMBufferAuto RAMBufferMode = iota
	RAMBufferOn
	RAMBufferOff
)

// Chunk is one contiguous byte range, inclusive at both ends, assigned to a worker.
type Chunk struct {
	Index int
	Start int64 // inclusive
	End   int64 // inclusive
}

func (c Chunk) Len() int64 { return c.End - c.Start + 1 }

// DownloadPlan is the adaptive chunk partition and per-request settings
// derived from a RemoteFileInfo and the caller's Options. See spec §3/§4.B.
type DownloadPlan struct {
	WorkerCount    int
	Chunks         []Chunk
	UseRAMBuffer   bool
	PreAllocate    bool
	TotalTimeout   int // seconds, 0 = none
	ConnectTimeout int // seconds
	Inactivity     int // seconds
}

// sizeBreaks and mbpsBreaks are the thresholds that locate a (size, mbps)
// point in workerTable, the reference table from spec §4.B: sizeBreaks
// (in bytes) select rows, mbpsBreaks select columns. Both axes are
// interpolated linearly between rows/columns; values below the smallest
// threshold or at/above the largest use the nearest edge row/column.
var sizeBreaks = []float64{10 * oneMiB, 100 * oneMiB, 1 << 30, 5 * (1 << 30)} // <10MiB row is the first tabulated point
var mbpsBreaks = []float64{10, 100, 500}                                     // ≤10 column is the first tabulated point

// rows correspond to size bins: [<10MiB, 10-100MiB, 100MiB-1GiB, 1-5GiB, >5GiB]
// cols correspond to mbps bins: [≤10, 10-100, 100-500, ≥500]
var workerTable = [5][4]float64{
	{2, 2, 4, 4},
	{2, 4, 8, 10},
	{4, 8, 12, 16},
	{4, 12, 16, 20},
	{8, 16, 20, 24},
}

// interpolatedWorkerCount implements f(size, mbps) from spec §4.B: a
// bilinear lookup over workerTable, monotonically non-decreasing in both
// size and mbps over practical ranges.
func interpolatedWorkerCount(size int64, mbps float64) float64 {
	sizeF := float64(size)

	rowLow, rowHigh, rowT := interpAxis(sizeF, sizeBreaks)
	colLow, colHigh, colT := interpAxis(mbps, mbpsBreaks)

	v00 := workerTable[rowLow][colLow]
	v01 := workerTable[rowLow][colHigh]
	v10 := workerTable[rowHigh][colLow]
	v11 := workerTable[rowHigh][colHigh]

	v0 := v00 + (v01-v00)*colT
	v1 := v10 + (v11-v10)*colT
	return v0 + (v1-v0)*rowT
}

// interpAxis locates x among breaks (n breaks, producing n+1 bins indexed
// 0..n) and returns the bin below, the bin above, and the fraction of the
// way x lies from the lower break to the upper one. Below the first break
// or at/above the last, it clamps to the edge bin with t=0.
func interpAxis(x float64, breaks []float64) (low, high int, t float64) {
	n := len(breaks)
	for i, b := range breaks {
		if x < b {
			if i == 0 {
				return 0, 0, 0
			}
			lo, hi := breaks[i-1], b
			frac := (x - lo) / (hi - lo)
			return i - 1, i, frac
		}
	}
	return n, n, 0
}

// BuildPlan derives a DownloadPlan from probed file info and caller
// options. See spec §4.B.
func BuildPlan(info RemoteFileInfo, opts Options, ramBacked bool) (DownloadPlan, error) {
	plan := DownloadPlan{
		PreAllocate:    opts.PreAllocateSpace,
		TotalTimeout:   opts.TimeoutSeconds,
		ConnectTimeout: int(defaultConnectTimeout / time.Second),
		Inactivity:     opts.InactivityTimeoutSeconds,
	}

	worker := resolveWorkerCount(info, opts)
	plan.WorkerCount = worker

	chunks, err := partition(info.Size, worker)
	if err != nil {
		return DownloadPlan{}, err
	}
	plan.Chunks = chunks
	plan.WorkerCount = len(chunks)

	plan.UseRAMBuffer = resolveRAMBuffer(opts.UseRAMBuffer, ramBacked)

	return plan, nil
}

func resolveWorkerCount(info RemoteFileInfo, opts Options) int {
	if !info.SupportsRanges || info.Size == SizeUnknown || info.Size <= oneMiB {
		return MinWorkers
	}

	if opts.MaxConnections > 0 {
		return clamp(opts.MaxConnections, MinWorkers, MaxWorkers)
	}

	w := interpolatedWorkerCount(info.Size, opts.ConnectionSpeedMbps)
	return clamp(int(math.Round(w)), 2, MaxWorkers)
}

// UnknownEnd marks a Chunk whose size was never established (spec
// §4.A UnidentifiedFileSize): the worker issues a plain GET with no
// Range header and reads until EOF instead of a fixed byte count.
const UnknownEnd int64 = -2

// partition splits [0, size-1] into worker contiguous chunks of length
// ceil(size/worker), the last absorbing the remainder, decrementing worker
// and retrying if that would produce a zero-length segment. See spec §4.B
// and scenario S1. size == SizeUnknown produces a single UnknownEnd chunk;
// size == 0 produces a single empty chunk (spec scenario S5).
func partition(size int64, worker int) ([]Chunk, error) {
	if size == SizeUnknown {
		return []Chunk{{Index: 0, Start: 0, End: UnknownEnd}}, nil
	}
	if size == 0 {
		return []Chunk{{Index: 0, Start: 0, End: -1}}, nil
	}
	if worker < 1 {
		worker = 1
	}

	for worker > 1 {
		chunkLen := ceilDiv(size, int64(worker))
		if chunkLen > 0 {
			lastLen := size - chunkLen*int64(worker-1)
			if lastLen > 0 {
				break
			}
		}
		worker--
	}

	chunkLen := ceilDiv(size, int64(worker))
	chunks := make([]Chunk, 0, worker)
	var start int64
	for i := 0; i < worker; i++ {
		end := start + chunkLen - 1
		if i == worker-1 || end > size-1 {
			end = size - 1
		}
		if end < start {
			return nil, fmt.Errorf("turbodl: internal chunking error, worker=%d size=%d", worker, size)
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
		start = end + 1
	}
	return chunks, nil
}

func resolveRAMBuffer(mode RAMBufferMode, ramBacked bool) bool {
	switch mode {
	case RAMBufferOn:
		return true
	case RAMBufferOff:
		return false
	default: // auto
		return !ramBacked
	}
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
