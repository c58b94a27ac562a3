// Package game provides the gateway's data-adjacent control handlers:
// single input frames over HTTP and chat relay.
package game

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	authPkg "arena1/auth"
	"arena1/errs"
	"arena1/gateway"
	"arena1/logging"
	"arena1/sim"
	"arena1/worker"
)

type Handler struct {
	worker *gateway.WorkerClient
}

func NewHandler(workerClient *gateway.WorkerClient) *Handler {
	return &Handler{worker: workerClient}
}

type inputRequest struct {
	RoomID string          `json:"room_id"`
	Input  sim.PlayerInput `json:"input"`
}

// Input handles POST /api/game/input: one input frame outside the
// persistent data plane. The response is the post-tick snapshot for the
// caller plus any pending reconciliation.
func (h *Handler) Input(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}
	if req.RoomID == "" {
		writeError(w, errs.New(errs.KindInputInvalid, "room_id required"))
		return
	}

	// Peer identity comes from the token, never the payload
	req.Input.PlayerID = claims.Subject

	resp, err := h.worker.PushInput(req.RoomID, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"snapshot":  resp.Snapshot,
		"reconcile": resp.Reconcile,
	})
}

type chatSendRequest struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

// ChatSend handles POST /api/chat
func (h *Handler) ChatSend(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	err := h.worker.SendChatMessage(r.Context(), worker.SendChatRequest{
		RoomID:     req.RoomID,
		SenderID:   claims.Subject,
		SenderName: claims.Name,
		Body:       req.Body,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ChatHistory handles GET /api/chat/history/{room_id}
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.worker.GetChatHistory(r.Context(), mux.Vars(r)["room_id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"kind":    string(errs.KindOf(err)),
		"error":   err.Error(),
	})
}
