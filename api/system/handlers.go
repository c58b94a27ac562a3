// Package system provides liveness, readiness, and performance surfaces.
package system

import (
	"encoding/json"
	"net/http"

	"arena1/config"
	"arena1/gateway"
)

type Handler struct {
	hub *gateway.Hub
}

func NewHandler(hub *gateway.Hub) *Handler {
	return &Handler{hub: hub}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     config.GetVersion(),
		"connections": h.hub.ConnectionCount(),
	})
}

// Ready handles GET /ready: readiness requires a reachable worker
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.WorkerClient().HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// Live handles GET /live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

// Performance handles GET /game/performance: gateway bandwidth plus the
// worker's frame-time and error surface
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"success":           true,
		"gateway_bandwidth": h.hub.BandwidthReport(),
	}

	if workerPerf, err := h.hub.WorkerClient().GetPerformance(r.Context()); err == nil {
		body["worker"] = json.RawMessage(workerPerf)
	} else {
		body["worker_error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
