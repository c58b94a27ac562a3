package gateway

import (
	"encoding/json"
	"net/http"

	"arena1/config"
	"arena1/logging"
	"arena1/worker"
)

// SnapshotPush is the body the worker posts after each tick
type SnapshotPush struct {
	RoomID string            `json:"room_id"`
	Frames []worker.OutFrame `json:"frames"`
}

// HandleWorkerSnapshot accepts the worker's per-tick frame batches and fans
// them out through the hub. Guarded by the shared worker secret.
func (h *Hub) HandleWorkerSnapshot(w http.ResponseWriter, r *http.Request) {
	secret := config.GetWorkerSecret()
	if secret != "" && r.Header.Get("X-Arena1-Worker-Secret") != secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var push SnapshotPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		logging.Warn("unparseable snapshot push", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.Deliver(push.RoomID, push.Frames)
	w.WriteHeader(http.StatusNoContent)
}
