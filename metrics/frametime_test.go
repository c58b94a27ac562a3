package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTimeStatsEmpty(t *testing.T) {
	tracker := NewFrameTimeTracker()
	stats := tracker.Stats()
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.MeanMs)
}

func TestFrameTimeStatsMath(t *testing.T) {
	tracker := NewFrameTimeTracker()
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		tracker.Record(v)
	}

	stats := tracker.Stats()
	assert.Equal(t, 8, stats.Count)
	assert.InDelta(t, 5.0, stats.MeanMs, 1e-9)
	assert.InDelta(t, 2.0, stats.StdMs, 1e-9)
	assert.InDelta(t, 9.0, stats.P99Ms, 1e-9)
}

func TestFrameTimeRingBounded(t *testing.T) {
	tracker := NewFrameTimeTracker()
	for i := 0; i < frameHistorySize+500; i++ {
		tracker.Record(1.0)
	}
	stats := tracker.Stats()
	assert.Equal(t, frameHistorySize, stats.Count)
}

func TestFrameTimingRoundTrip(t *testing.T) {
	tracker := NewFrameTimeTracker()
	tracker.StartFrame()
	elapsed := tracker.EndFrame()
	assert.GreaterOrEqual(t, elapsed, 0.0)
	require.Equal(t, 1, tracker.Stats().Count)
}

func TestBandwidthAccounting(t *testing.T) {
	b := NewBandwidthTracker()
	b.RecordSent(ClassFullState, 1000)
	b.RecordSent(ClassDeltaState, 200)
	b.RecordSent(ClassDeltaState, 300)
	b.RecordReceived(ClassAck, 24)

	report := b.Report()
	assert.Equal(t, uint64(1000), report.SentByClass[ClassFullState])
	assert.Equal(t, uint64(500), report.SentByClass[ClassDeltaState])
	assert.Equal(t, uint64(1500), report.TotalSent)
	assert.Equal(t, uint64(24), report.TotalReceived)
	assert.Greater(t, report.SentPerSecond, 0.0)

	b.Reset()
	report = b.Report()
	assert.Zero(t, report.TotalSent)
}
