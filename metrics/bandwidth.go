package metrics

import (
	"sync"
	"time"
)

// Message classes tracked by the bandwidth accountant. These mirror the
// state-channel payload variants on the wire.
const (
	ClassFullState        = "full_state"
	ClassDeltaState       = "delta_state"
	ClassReconcile        = "reconcile"
	ClassAck              = "ack"
	ClassClientPrediction = "client_prediction"
)

// BandwidthTracker accounts bytes sent and received per message class and
// derives rolling bytes-per-second figures
type BandwidthTracker struct {
	mu            sync.Mutex
	sentByClass   map[string]uint64
	recvByClass   map[string]uint64
	totalSent     uint64
	totalReceived uint64
	startedAt     time.Time
}

// BandwidthReport is a point-in-time copy of the accounting
type BandwidthReport struct {
	SentByClass     map[string]uint64 `json:"sent_by_class"`
	ReceivedByClass map[string]uint64 `json:"received_by_class"`
	TotalSent       uint64            `json:"total_sent"`
	TotalReceived   uint64            `json:"total_received"`
	ElapsedSeconds  float64           `json:"elapsed_seconds"`
	SentPerSecond   float64           `json:"sent_per_second"`
	RecvPerSecond   float64           `json:"recv_per_second"`
}

// NewBandwidthTracker creates an empty tracker
func NewBandwidthTracker() *BandwidthTracker {
	return &BandwidthTracker{
		sentByClass: make(map[string]uint64),
		recvByClass: make(map[string]uint64),
		startedAt:   time.Now(),
	}
}

// RecordSent accounts bytes written for one message class
func (t *BandwidthTracker) RecordSent(class string, bytes int) {
	t.mu.Lock()
	t.sentByClass[class] += uint64(bytes)
	t.totalSent += uint64(bytes)
	t.mu.Unlock()
	SnapshotBytes.WithLabelValues(class).Add(float64(bytes))
}

// RecordReceived accounts bytes read for one message class
func (t *BandwidthTracker) RecordReceived(class string, bytes int) {
	t.mu.Lock()
	t.recvByClass[class] += uint64(bytes)
	t.totalReceived += uint64(bytes)
	t.mu.Unlock()
}

// Reset zeroes the accounting and restarts the elapsed clock
func (t *BandwidthTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentByClass = make(map[string]uint64)
	t.recvByClass = make(map[string]uint64)
	t.totalSent = 0
	t.totalReceived = 0
	t.startedAt = time.Now()
}

// Report computes the rolling rates
func (t *BandwidthTracker) Report() BandwidthReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startedAt).Seconds()
	report := BandwidthReport{
		SentByClass:     make(map[string]uint64, len(t.sentByClass)),
		ReceivedByClass: make(map[string]uint64, len(t.recvByClass)),
		TotalSent:       t.totalSent,
		TotalReceived:   t.totalReceived,
		ElapsedSeconds:  elapsed,
	}
	for k, v := range t.sentByClass {
		report.SentByClass[k] = v
	}
	for k, v := range t.recvByClass {
		report.ReceivedByClass[k] = v
	}
	if elapsed > 0 {
		report.SentPerSecond = float64(t.totalSent) / elapsed
		report.RecvPerSecond = float64(t.totalReceived) / elapsed
	}
	return report
}
