package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/config"
	"arena1/sim"
)

func rpcRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var envelope map[string]interface{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	}
	return rr, envelope
}

func TestRPCRoomLifecycle(t *testing.T) {
	s, _ := testService(t)
	router := s.NewRouter()

	// Health is open
	rr, envelope := rpcRequest(t, router, "GET", "/rpc/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", envelope["status"])

	// Create
	rr, envelope = rpcRequest(t, router, "POST", "/rpc/rooms/create", CreateRoomRequest{
		Name:       "wired room",
		HostID:     "host",
		HostName:   "Host",
		MaxPlayers: 4,
		GameMode:   "deathmatch",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	room := envelope["room"].(map[string]interface{})
	roomID := room["id"].(string)
	require.NotEmpty(t, roomID)

	// List
	rr, envelope = rpcRequest(t, router, "GET", "/rpc/rooms", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, envelope["rooms"], 1)

	// Join returns membership plus the seed snapshot
	rr, envelope = rpcRequest(t, router, "POST", "/rpc/rooms/"+roomID+"/join-player",
		JoinPlayerRequest{PlayerID: "p2", Name: "P2"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, envelope["seed"])
	seed := envelope["seed"].(map[string]interface{})
	assert.Equal(t, "full_state", seed["type"])

	// Push input through the wire surface
	rr, envelope = rpcRequest(t, router, "POST", "/rpc/game/input", PushInputRequest{
		RoomID: roomID,
		Input: sim.PlayerInput{
			PlayerID:      "p2",
			InputSequence: 1,
			Movement:      sim.Vec3{1, 0, 0},
			Timestamp:     uint64(time.Now().UnixMilli()),
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	snapshotBody := envelope["snapshot"].(map[string]interface{})
	assert.Equal(t, float64(1), snapshotBody["tick"])

	// Unknown room surfaces the typed kind and a 404
	rr, envelope = rpcRequest(t, router, "GET", "/rpc/rooms/no-such-room", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "room_not_found", envelope["kind"])
}

func TestRPCMalformedBody(t *testing.T) {
	s, _ := testService(t)
	router := s.NewRouter()

	req := httptest.NewRequest("POST", "/rpc/rooms/create", bytes.NewReader([]byte("{broken")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRPCSecretEnforced(t *testing.T) {
	prev := config.Config
	c := &config.Arena1Config{}
	config.Config = c
	t.Cleanup(func() { config.Config = prev })

	// Start from an empty config; only the tick rate and the secret are set
	c.Simulation.TickRate = 60
	c.Gateway.WorkerSecret = "shared-secret"

	s, _ := testService(t)
	router := s.NewRouter()

	req := httptest.NewRequest("GET", "/rpc/rooms", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest("GET", "/rpc/rooms", nil)
	req.Header.Set("X-Arena1-Worker-Secret", "shared-secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
