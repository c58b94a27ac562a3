package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const frameHistorySize = 1000

// FrameTimeTracker keeps a bounded ring of recent frame times and derives
// summary statistics from it. One tracker exists per room loop.
type FrameTimeTracker struct {
	mu         sync.Mutex
	frames     []float64
	next       int
	filled     bool
	frameStart time.Time
}

// FrameTimeStats is a point-in-time summary of the tracked frames
type FrameTimeStats struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	StdMs  float64 `json:"std_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// NewFrameTimeTracker creates a tracker with the standard 1000-frame ring
func NewFrameTimeTracker() *FrameTimeTracker {
	return &FrameTimeTracker{
		frames: make([]float64, frameHistorySize),
	}
}

// StartFrame marks the beginning of a frame
func (t *FrameTimeTracker) StartFrame() {
	t.mu.Lock()
	t.frameStart = time.Now()
	t.mu.Unlock()
}

// EndFrame records the elapsed frame time and returns it in milliseconds
func (t *FrameTimeTracker) EndFrame() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := float64(time.Since(t.frameStart).Microseconds()) / 1000.0
	t.recordLocked(elapsed)
	return elapsed
}

// Record stores one frame time in milliseconds
func (t *FrameTimeTracker) Record(frameMs float64) {
	t.mu.Lock()
	t.recordLocked(frameMs)
	t.mu.Unlock()
}

func (t *FrameTimeTracker) recordLocked(frameMs float64) {
	t.frames[t.next] = frameMs
	t.next++
	if t.next >= len(t.frames) {
		t.next = 0
		t.filled = true
	}
	FrameTime.Observe(frameMs)
}

// Stats computes mean, standard deviation, p90, and p99 over the ring
func (t *FrameTimeTracker) Stats() FrameTimeStats {
	t.mu.Lock()
	count := t.next
	if t.filled {
		count = len(t.frames)
	}
	samples := make([]float64, count)
	copy(samples, t.frames[:count])
	t.mu.Unlock()

	if count == 0 {
		return FrameTimeStats{}
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(count)

	var variance float64
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(count)

	sort.Float64s(samples)

	return FrameTimeStats{
		Count:  count,
		MeanMs: mean,
		StdMs:  math.Sqrt(variance),
		P90Ms:  percentile(samples, 0.90),
		P99Ms:  percentile(samples, 0.99),
	}
}

// percentile reads the p-th percentile from sorted samples
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
