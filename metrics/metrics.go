// Package metrics provides arena1's performance surface: Prometheus
// collectors for operational counters plus in-process frame-time and
// bandwidth trackers backing the performance endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RateLimitedRequests counts admission rejections by key type and layer
	RateLimitedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena1_rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"key_type", "layer"})

	// RequestsTotal counts control-plane requests by endpoint and status
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena1_requests_total",
		Help: "Control plane requests",
	}, []string{"endpoint", "status"})

	// TicksTotal counts simulation ticks across all rooms
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena1_simulation_ticks_total",
		Help: "Simulation ticks advanced",
	})

	// BackpressureDrops counts messages dropped by bounded channels
	BackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena1_backpressure_drops_total",
		Help: "Messages dropped due to channel overflow",
	}, []string{"channel"})

	// SnapshotBytes counts encoded snapshot bytes by form
	SnapshotBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena1_snapshot_bytes_total",
		Help: "Encoded snapshot bytes by snapshot form",
	}, []string{"form"})

	// ActiveRooms tracks the number of rooms currently hosted
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena1_active_rooms",
		Help: "Rooms currently hosted by this worker",
	})

	// ActiveConnections tracks data-plane connections by transport kind
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena1_active_connections",
		Help: "Data plane connections by transport",
	}, []string{"transport"})

	// FrameTime observes per-tick frame times in milliseconds
	FrameTime = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "arena1_frame_time_ms",
		Help:       "Per-tick frame time in milliseconds",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	// BreakerState reports each collaborator breaker position
	// (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena1_circuit_breaker_state",
		Help: "Circuit breaker state per collaborator",
	}, []string{"collaborator"})
)

// Handler returns the Prometheus text-format scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
