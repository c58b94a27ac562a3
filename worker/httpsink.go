package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"arena1/config"
	"arena1/logging"
	"arena1/memory"
	"arena1/metrics"
)

// HTTPSink posts per-tick frame batches to the gateway's snapshot endpoint.
// Delivery is fire-and-forget: the tick loop never blocks on the edge, and
// a slow gateway sheds batches rather than stalling simulation.
type HTTPSink struct {
	endpoint string
	secret   string
	client   *http.Client
	queue    chan SnapshotPush
}

// SnapshotPush mirrors the gateway's ingest body
type SnapshotPush struct {
	RoomID string     `json:"room_id"`
	Frames []OutFrame `json:"frames"`
}

// NewHTTPSink creates a sink posting to the configured gateway endpoint
func NewHTTPSink() *HTTPSink {
	s := &HTTPSink{
		endpoint: config.GetGatewayEndpoint() + "/worker/snapshot",
		secret:   config.GetWorkerSecret(),
		client: &http.Client{
			Timeout: config.GetRPCTimeout(),
		},
		queue: make(chan SnapshotPush, 256),
	}
	go s.drain()
	return s
}

// Deliver implements SnapshotSink with drop-oldest backpressure
func (s *HTTPSink) Deliver(roomID string, frames []OutFrame) {
	push := SnapshotPush{RoomID: roomID, Frames: frames}
	select {
	case s.queue <- push:
	default:
		select {
		case <-s.queue:
			metrics.BackpressureDrops.WithLabelValues("snapshot_push").Inc()
		default:
		}
		select {
		case s.queue <- push:
		default:
			metrics.BackpressureDrops.WithLabelValues("snapshot_push").Inc()
		}
	}
}

// drain posts queued batches sequentially
func (s *HTTPSink) drain() {
	for push := range s.queue {
		buf := memory.GetJSONBuffer()
		if err := json.NewEncoder(buf).Encode(push); err != nil {
			memory.PutJSONBuffer(buf)
			continue
		}

		req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(buf.Bytes()))
		if err != nil {
			memory.PutJSONBuffer(buf)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if s.secret != "" {
			req.Header.Set("X-Arena1-Worker-Secret", s.secret)
		}

		resp, err := s.client.Do(req)
		memory.PutJSONBuffer(buf)
		if err != nil {
			logging.Trace("worker", "snapshot push failed", map[string]interface{}{
				"room_id": push.RoomID,
				"error":   err.Error(),
			})
			// Brief pause so a down gateway does not spin the drain loop
			time.Sleep(50 * time.Millisecond)
			continue
		}
		resp.Body.Close()
	}
}
