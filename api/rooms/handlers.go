// Package rooms provides the gateway's room control-plane handlers. Every
// handler resolves the caller from the validated token and proxies to the
// worker RPC under the circuit breaker.
package rooms

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	authPkg "arena1/auth"
	"arena1/errs"
	"arena1/gateway"
	"arena1/logging"
	"arena1/worker"
)

type Handler struct {
	worker *gateway.WorkerClient
}

func NewHandler(workerClient *gateway.WorkerClient) *Handler {
	return &Handler{worker: workerClient}
}

type createRequest struct {
	Name              string  `json:"name"`
	MaxPlayers        int     `json:"max_players"`
	GameMode          string  `json:"game_mode"`
	MapName           string  `json:"map_name"`
	TimeLimitSeconds  float64 `json:"time_limit_seconds"`
	Password          string  `json:"password"`
	Private           bool    `json:"private"`
	AllowSpectators   bool    `json:"allow_spectators"`
	AutoStart         bool    `json:"auto_start"`
	MinPlayersToStart int     `json:"min_players_to_start"`
}

type joinRequest struct {
	AsSpectator bool   `json:"as_spectator"`
	Password    string `json:"password"`
	Team        string `json:"team"`
	Camera      string `json:"camera"`
}

// Create handles POST /api/rooms. The authenticated caller becomes host.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	room, err := h.worker.CreateRoom(r.Context(), worker.CreateRoomRequest{
		Name:              req.Name,
		HostID:            claims.Subject,
		HostName:          claims.Name,
		MaxPlayers:        req.MaxPlayers,
		GameMode:          req.GameMode,
		MapName:           req.MapName,
		TimeLimitSeconds:  req.TimeLimitSeconds,
		Password:          req.Password,
		Private:           req.Private,
		AllowSpectators:   req.AllowSpectators,
		AutoStart:         req.AutoStart,
		MinPlayersToStart: req.MinPlayersToStart,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}

// List handles GET /api/rooms with filter query parameters
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := url.Values{}
	for _, key := range []string{"game_mode", "state", "has_capacity", "public_only"} {
		if value := r.URL.Query().Get(key); value != "" {
			filter.Set(key, value)
		}
	}

	roomsList, err := h.worker.ListRooms(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"rooms":   roomsList,
	})
}

// Status handles GET /api/rooms/{id}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	room, err := h.worker.GetRoomInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}

// Join handles POST /api/rooms/{id}/join for players and spectators. The
// response carries the seed snapshot for the new subscriber.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	roomID := mux.Vars(r)["id"]
	var body interface{}
	if req.AsSpectator {
		body = worker.JoinSpectatorRequest{
			SpectatorID: claims.Subject,
			Name:        claims.Name,
			Camera:      req.Camera,
		}
	} else {
		body = worker.JoinPlayerRequest{
			PlayerID: claims.Subject,
			Name:     claims.Name,
			Password: req.Password,
			Team:     req.Team,
		}
	}

	envelope, err := h.worker.JoinRoom(r.Context(), roomID, req.AsSpectator, body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(envelope)
}

// Leave handles POST /api/rooms/{id}/leave
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	if err := h.worker.LeaveRoom(r.Context(), mux.Vars(r)["id"], claims.Subject); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Start handles POST /api/rooms/{id}/start, host-only
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	if err := h.worker.StartGame(r.Context(), mux.Vars(r)["id"], claims.Subject); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// End handles POST /api/rooms/{id}/end, host-only, returning final results
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	room, err := h.worker.EndGame(r.Context(), mux.Vars(r)["id"], claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}

// Ready handles POST /api/rooms/{id}/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "authentication required"))
		return
	}

	var req struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := h.worker.SetPlayerReady(r.Context(), mux.Vars(r)["id"], claims.Subject, req.Ready); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
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
