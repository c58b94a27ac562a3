package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"arena1/breaker"
	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/sim"
	"arena1/worker"
)

// WorkerClient is the gateway's RPC client for the authority tier. Every
// call is guarded by the worker circuit breaker; transient transport faults
// retry with backoff.
type WorkerClient struct {
	endpoint string
	secret   string
	client   *http.Client
	breaker  *breaker.Breaker
	errors   *errs.Handler
}

// NewWorkerClient creates a client for the configured worker endpoint
func NewWorkerClient() *WorkerClient {
	return &WorkerClient{
		endpoint: config.GetWorkerEndpoint(),
		secret:   config.GetWorkerSecret(),
		client: &http.Client{
			Timeout: config.GetRPCTimeout(),
		},
		breaker: breaker.New("worker-rpc"),
		errors:  errs.NewHandler(),
	}
}

// rpcEnvelope is the worker's error response wrapper
type rpcEnvelope struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// call performs one JSON round trip under the breaker. Transport faults and
// timeouts run through the retry strategy; a 5xx response surfaces as
// CollaboratorDown and is not retried.
func (w *WorkerClient) call(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (json.RawMessage, error) {
	var result json.RawMessage

	attempt := func() error {
		return w.breaker.Call(func() error {
			raw, err := w.doOnce(ctx, method, path, body, timeout)
			if err != nil {
				return err
			}
			result = raw
			return nil
		})
	}

	err := attempt()
	if err != nil && (errs.IsKind(err, errs.KindTransportFault) || errs.IsKind(err, errs.KindTimeout)) {
		if action, retryErr := w.errors.Handle(err, attempt); action == errs.ActionRetried && retryErr == nil {
			err = nil
		} else if retryErr != nil {
			err = retryErr
		}
	}

	w.publishBreakerState()
	return result, err
}

// doOnce performs a single HTTP exchange
func (w *WorkerClient) doOnce(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Wrap(errs.KindEncodingFault, "rpc request marshal failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, w.endpoint+path, reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportFault, "rpc request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Arena1-Worker-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, errs.Wrap(errs.KindTimeout, "worker rpc timed out", err)
		}
		return nil, errs.Wrap(errs.KindTransportFault, "worker rpc failed", err).
			WithSeverity(errs.SeverityCritical)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportFault, "worker rpc read failed", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errs.Newf(errs.KindCollaboratorDown, "worker returned %d", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		// Surface the worker's typed rejection to the caller
		var envelope rpcEnvelope
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Kind != "" {
			return nil, errs.New(errs.Kind(envelope.Kind), envelope.Error)
		}
		return nil, errs.Newf(errs.KindTransportFault, "worker returned %d", resp.StatusCode)
	}

	return raw, nil
}

// publishBreakerState mirrors the breaker position into the metrics gauge
func (w *WorkerClient) publishBreakerState() {
	metrics.BreakerState.WithLabelValues(w.breaker.Name()).Set(float64(w.breaker.State()))
}

// HealthCheck probes the worker's health endpoint
func (w *WorkerClient) HealthCheck(ctx context.Context) error {
	_, err := w.call(ctx, http.MethodGet, "/rpc/health", nil, 100*time.Millisecond)
	return err
}

// CreateRoom provisions a room on the worker
func (w *WorkerClient) CreateRoom(ctx context.Context, req worker.CreateRoomRequest) (json.RawMessage, error) {
	raw, err := w.call(ctx, http.MethodPost, "/rpc/rooms/create", req, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}
	return extractField(raw, "room")
}

// ListRooms queries the room listing with the given filter values
func (w *WorkerClient) ListRooms(ctx context.Context, filter url.Values) (json.RawMessage, error) {
	path := "/rpc/rooms"
	if encoded := filter.Encode(); encoded != "" {
		path += "?" + encoded
	}
	raw, err := w.call(ctx, http.MethodGet, path, nil, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}
	return extractField(raw, "rooms")
}

// GetRoomInfo reads one room's status
func (w *WorkerClient) GetRoomInfo(ctx context.Context, roomID string) (json.RawMessage, error) {
	raw, err := w.call(ctx, http.MethodGet, "/rpc/rooms/"+roomID, nil, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return extractField(raw, "room")
}

// JoinRoom admits a player or spectator and returns the full envelope
// (membership info plus the seed snapshot)
func (w *WorkerClient) JoinRoom(ctx context.Context, roomID string, asSpectator bool, body interface{}) (json.RawMessage, error) {
	path := "/rpc/rooms/" + roomID + "/join-player"
	if asSpectator {
		path = "/rpc/rooms/" + roomID + "/join-spectator"
	}
	return w.call(ctx, http.MethodPost, path, body, config.GetRPCTimeout())
}

// LeaveRoom removes a member
func (w *WorkerClient) LeaveRoom(ctx context.Context, roomID, memberID string) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/rooms/"+roomID+"/leave",
		worker.LeaveRequest{MemberID: memberID}, config.GetRPCTimeout())
	return err
}

// StartGame begins the countdown, host-only
func (w *WorkerClient) StartGame(ctx context.Context, roomID, requesterID string) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/rooms/"+roomID+"/start",
		worker.StartEndRequest{RequesterID: requesterID}, config.GetRPCTimeout())
	return err
}

// EndGame finishes the match, host-only, returning the final room info
func (w *WorkerClient) EndGame(ctx context.Context, roomID, requesterID string) (json.RawMessage, error) {
	raw, err := w.call(ctx, http.MethodPost, "/rpc/rooms/"+roomID+"/end",
		worker.StartEndRequest{RequesterID: requesterID}, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}
	return extractField(raw, "room")
}

// SetPlayerReady toggles the ready flag
func (w *WorkerClient) SetPlayerReady(ctx context.Context, roomID, playerID string, ready bool) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/rooms/"+roomID+"/ready",
		worker.SetReadyRequest{PlayerID: playerID, Ready: ready}, config.GetRPCTimeout())
	return err
}

// UpdatePlayerPing records one ping sample
func (w *WorkerClient) UpdatePlayerPing(ctx context.Context, roomID, playerID string, pingMs float64) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/rooms/"+roomID+"/ping",
		worker.UpdatePingRequest{PlayerID: playerID, PingMs: pingMs}, 100*time.Millisecond)
	return err
}

// PushInput forwards one input frame; the response carries the post-tick
// snapshot for the caller and any pending reconciliation
func (w *WorkerClient) PushInput(roomID string, input sim.PlayerInput) (*worker.PushInputResponse, error) {
	raw, err := w.call(context.Background(), http.MethodPost, "/rpc/game/input",
		worker.PushInputRequest{RoomID: roomID, Input: input}, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}

	var resp worker.PushInputResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.KindEncodingFault, "push input response unparseable", err)
	}
	return &resp, nil
}

// Ack forwards a client's acknowledged tick
func (w *WorkerClient) Ack(ctx context.Context, roomID, playerID string, tick uint64) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/game/ack",
		worker.AckRequest{RoomID: roomID, PlayerID: playerID, Tick: tick}, 100*time.Millisecond)
	return err
}

// ClientPrediction forwards a client's predicted state and returns the
// server-side extrapolation
func (w *WorkerClient) ClientPrediction(ctx context.Context, req worker.ClientPredictionRequest) (json.RawMessage, error) {
	raw, err := w.call(ctx, http.MethodPost, "/rpc/game/prediction", req, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}
	return extractField(raw, "predicted")
}

// SendChatMessage relays one chat line
func (w *WorkerClient) SendChatMessage(ctx context.Context, req worker.SendChatRequest) error {
	_, err := w.call(ctx, http.MethodPost, "/rpc/chat/send", req, config.GetRPCTimeout())
	return err
}

// GetChatHistory reads a room's recent chat
func (w *WorkerClient) GetChatHistory(ctx context.Context, roomID string, limit int) (json.RawMessage, error) {
	raw, err := w.call(ctx, http.MethodGet,
		fmt.Sprintf("/rpc/chat/history/%s?limit=%d", roomID, limit), nil, config.GetRPCTimeout())
	if err != nil {
		return nil, err
	}
	return extractField(raw, "messages")
}

// GetPerformance reads the worker's performance surface
func (w *WorkerClient) GetPerformance(ctx context.Context) (json.RawMessage, error) {
	return w.call(ctx, http.MethodGet, "/rpc/performance", nil, config.GetRPCTimeout())
}

// extractField pulls one top-level field out of a response envelope
func extractField(raw json.RawMessage, field string) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.Wrap(errs.KindEncodingFault, "rpc envelope unparseable", err)
	}
	value, ok := envelope[field]
	if !ok {
		logging.Debug("rpc envelope missing field", map[string]interface{}{
			"field": field,
		})
		return nil, nil
	}
	return value, nil
}
