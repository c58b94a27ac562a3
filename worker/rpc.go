package worker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/prediction"
	"arena1/rooms"
	"arena1/sim"
	"arena1/snapshot"
	"arena1/statesync"
)

// Wire shapes for the unary worker RPC. The gateway is the only caller;
// requests authenticate with the shared-secret header.

type CreateRoomRequest struct {
	Name              string  `json:"name"`
	HostID            string  `json:"host_id"`
	HostName          string  `json:"host_name"`
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

type JoinPlayerRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Team     string `json:"team"`
}

type JoinSpectatorRequest struct {
	SpectatorID string `json:"spectator_id"`
	Name        string `json:"name"`
	Camera      string `json:"camera"`
}

type LeaveRequest struct {
	MemberID string `json:"member_id"`
}

type StartEndRequest struct {
	RequesterID string `json:"requester_id"`
}

type SetReadyRequest struct {
	PlayerID string `json:"player_id"`
	Ready    bool   `json:"ready"`
}

type UpdatePingRequest struct {
	PlayerID string  `json:"player_id"`
	PingMs   float64 `json:"ping_ms"`
}

type PushInputRequest struct {
	RoomID string          `json:"room_id"`
	Input  sim.PlayerInput `json:"input"`
}

type PushInputResponse struct {
	Snapshot  *snapshot.Message             `json:"snapshot,omitempty"`
	Reconcile *statesync.ReconciliationData `json:"reconcile,omitempty"`
}

type AckRequest struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	Tick     uint64 `json:"tick"`
}

type ClientPredictionRequest struct {
	RoomID            string   `json:"room_id"`
	PlayerID          string   `json:"player_id"`
	PredictedTick     uint64   `json:"predicted_tick"`
	PredictedPosition sim.Vec3 `json:"predicted_position"`
	InputSequence     uint32   `json:"input_sequence"`
}

type ClientPredictionResponse struct {
	Predicted *prediction.PredictedState `json:"predicted,omitempty"`
}

type SendChatRequest struct {
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
}

type JoinResponse struct {
	Room *rooms.Info       `json:"room"`
	Seed *snapshot.Message `json:"seed,omitempty"`
}

// NewRouter builds the worker RPC router
func (s *Service) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/rpc/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	rpc := r.PathPrefix("/rpc").Subrouter()
	rpc.Use(s.secretMiddleware)

	rpc.HandleFunc("/rooms/create", s.handleCreateRoom).Methods("POST")
	rpc.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	rpc.HandleFunc("/rooms/{id}", s.handleGetRoom).Methods("GET")
	rpc.HandleFunc("/rooms/{id}/join-player", s.handleJoinPlayer).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/join-spectator", s.handleJoinSpectator).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/leave", s.handleLeave).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/start", s.handleStart).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/end", s.handleEnd).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/ready", s.handleSetReady).Methods("POST")
	rpc.HandleFunc("/rooms/{id}/ping", s.handleUpdatePing).Methods("POST")

	rpc.HandleFunc("/game/input", s.handlePushInput).Methods("POST")
	rpc.HandleFunc("/game/ack", s.handleAck).Methods("POST")
	rpc.HandleFunc("/game/prediction", s.handleClientPrediction).Methods("POST")

	rpc.HandleFunc("/chat/send", s.handleSendChat).Methods("POST")
	rpc.HandleFunc("/chat/history/{room_id}", s.handleChatHistory).Methods("GET")

	rpc.HandleFunc("/performance", s.handlePerformance).Methods("GET")

	return r
}

// secretMiddleware rejects callers missing the shared worker secret. An
// empty configured secret disables the check (single-host deployments).
func (s *Service) secretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := config.GetWorkerSecret()
		if secret != "" && r.Header.Get("X-Arena1-Worker-Secret") != secret {
			writeError(w, errs.New(errs.KindAuthFailed, "invalid worker secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "healthy",
		"rooms":   s.manager.RoomCount(),
	})
}

func (s *Service) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	info, err := s.CreateRoom(rooms.CreateRequest{
		Name:              req.Name,
		HostID:            req.HostID,
		HostName:          req.HostName,
		MaxPlayers:        req.MaxPlayers,
		GameMode:          req.GameMode,
		MapName:           req.MapName,
		TimeLimit:         time.Duration(req.TimeLimitSeconds * float64(time.Second)),
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
		"room":    info,
	})
}

func (s *Service) handleListRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := rooms.ListFilter{
		GameMode:    query.Get("game_mode"),
		State:       query.Get("state"),
		HasCapacity: query.Get("has_capacity") == "true",
		PublicOnly:  query.Get("public_only") == "true",
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"rooms":   s.manager.List(filter),
	})
}

func (s *Service) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.GetInfo(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    info,
	})
}

func (s *Service) handleJoinPlayer(w http.ResponseWriter, r *http.Request) {
	var req JoinPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	info, seed, err := s.JoinPlayer(mux.Vars(r)["id"], req.PlayerID, req.Name, req.Password, req.Team)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    info,
		"seed":    seed,
	})
}

func (s *Service) handleJoinSpectator(w http.ResponseWriter, r *http.Request) {
	var req JoinSpectatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	info, seed, err := s.JoinSpectator(mux.Vars(r)["id"], req.SpectatorID, req.Name, req.Camera)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    info,
		"seed":    seed,
	})
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.Leave(mux.Vars(r)["id"], req.MemberID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.StartGame(mux.Vars(r)["id"], req.RequesterID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req StartEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	info, err := s.EndGame(mux.Vars(r)["id"], req.RequesterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    info,
	})
}

func (s *Service) handleSetReady(w http.ResponseWriter, r *http.Request) {
	var req SetReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.SetReady(mux.Vars(r)["id"], req.PlayerID, req.Ready); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handleUpdatePing(w http.ResponseWriter, r *http.Request) {
	var req UpdatePingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.UpdatePing(mux.Vars(r)["id"], req.PlayerID, req.PingMs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handlePushInput(w http.ResponseWriter, r *http.Request) {
	var req PushInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	snap, recon, err := s.PushInput(req.Input, req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"snapshot":  snap,
		"reconcile": recon,
	})
}

func (s *Service) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.Ack(req.RoomID, req.PlayerID, req.Tick); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handleClientPrediction(w http.ResponseWriter, r *http.Request) {
	var req ClientPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	predicted, err := s.ClientPrediction(req.RoomID, req.PlayerID, req.PredictedTick,
		req.PredictedPosition, req.InputSequence)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"predicted": predicted,
	})
}

func (s *Service) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req SendChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	if err := s.SendChat(req.RoomID, req.SenderID, req.SenderName, req.Body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := s.ChatHistory(mux.Vars(r)["room_id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
	})
}

func (s *Service) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"frame_time": s.FrameStats(),
		"bandwidth":  s.BandwidthReport(),
		"errors":     s.ErrorStats(),
	})
}

// writeJSON serializes one response envelope
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError maps a typed error onto its HTTP status with a machine-readable
// kind and a human message
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))

	body := map[string]interface{}{
		"success": false,
		"kind":    string(errs.KindOf(err)),
		"error":   err.Error(),
	}
	if typed, ok := err.(*errs.Error); ok && typed.Data != nil {
		body["data"] = typed.Data
	}
	json.NewEncoder(w).Encode(body)
}
