package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/breaker"
	"arena1/config"
	"arena1/errs"
	"arena1/sim"
	"arena1/transport"
	"arena1/worker"
)

// fakeSender records everything written to one connection
type fakeSender struct {
	mu     sync.Mutex
	sent   [][]byte
	failAt int // fail every send once set (1-based); zero disables
	count  int
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.failAt > 0 && f.count >= f.failAt {
		return errs.New(errs.KindTransportFault, "induced send failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) frames(t *testing.T) []transport.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var frames []transport.Frame
	for _, raw := range f.sent {
		var frame transport.Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func (f *fakeSender) waitForSends(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		got := len(f.sent)
		f.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// testWorkerServer fakes the worker RPC input endpoint
func testWorkerServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc/game/input" {
			http.NotFound(w, r)
			return
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":  true,
			"snapshot": map[string]interface{}{"type": "full_state", "tick": n},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testHub(t *testing.T, workerURL string) *Hub {
	t.Helper()
	client := &WorkerClient{
		endpoint: workerURL,
		client:   &http.Client{Timeout: time.Second},
		breaker:  breaker.New("worker-rpc"),
		errors:   errs.NewHandler(),
	}
	h := NewHub(client)
	ctx, cancel := context.WithCancel(context.Background())
	h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.Shutdown()
	})
	return h
}

func TestRegisterAndReverseIndices(t *testing.T) {
	h := testHub(t, "http://127.0.0.1:0")

	s1, s2 := &fakeSender{}, &fakeSender{}
	c1 := h.Register("alice", "room-1", transport.KindWebSocket, false, s1)
	h.Register("bob", "room-1", transport.KindWebRTC, false, s2)

	assert.Equal(t, 2, h.ConnectionCount())
	assert.Equal(t, 2, h.ConnectionsInRoom("room-1"))

	h.Unregister(c1.ID)
	assert.Equal(t, 1, h.ConnectionCount())
	assert.Equal(t, 1, h.ConnectionsInRoom("room-1"))

	// Unregister of an unknown id is harmless
	h.Unregister("ghost")
}

func TestDeliverRoutesByPeer(t *testing.T) {
	h := testHub(t, "http://127.0.0.1:0")

	aliceSender, bobSender := &fakeSender{}, &fakeSender{}
	h.Register("alice", "room-1", transport.KindWebSocket, false, aliceSender)
	h.Register("bob", "room-1", transport.KindWebSocket, false, bobSender)

	payload, _ := json.Marshal(map[string]interface{}{"tick": 7})
	h.Deliver("room-1", []worker.OutFrame{
		{PeerID: "alice", Class: transport.TypeFullState, Payload: payload},
	})

	aliceSender.waitForSends(t, 1)
	frames := aliceSender.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, transport.TypeFullState, frames[0].Type)
	assert.Equal(t, transport.ChannelState, frames[0].Channel)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bobSender.frames(t), "frames route only to their peer")
}

func TestPerConnectionSequenceIsFIFO(t *testing.T) {
	h := testHub(t, "http://127.0.0.1:0")

	sender := &fakeSender{}
	conn := h.Register("alice", "room-1", transport.KindWebSocket, false, sender)

	for i := 0; i < 5; i++ {
		h.SendState(conn, transport.TypeDeltaState, map[string]int{"n": i})
	}
	sender.waitForSends(t, 5)

	frames := sender.frames(t)
	for i, frame := range frames {
		assert.Equal(t, uint32(i+1), frame.Seq, "per-connection order preserved")
	}
}

func TestSendFailureMarksConnectionDead(t *testing.T) {
	h := testHub(t, "http://127.0.0.1:0")

	sender := &fakeSender{failAt: 1}
	conn := h.Register("alice", "room-1", transport.KindWebSocket, false, sender)

	h.SendState(conn, transport.TypeDeltaState, nil)

	deadline := time.Now().Add(2 * time.Second)
	for !conn.Dead() {
		if time.Now().After(deadline) {
			t.Fatal("connection never marked dead")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sweepDead()
	assert.Zero(t, h.ConnectionCount())
}

func TestIngressDeduplicatesBySequence(t *testing.T) {
	srv, calls := testWorkerServer(t)
	h := testHub(t, srv.URL)

	sender := &fakeSender{}
	conn := h.Register("alice", "room-1", transport.KindWebSocket, false, sender)

	input := sim.PlayerInput{PlayerID: "alice", InputSequence: 1, Timestamp: uint64(time.Now().UnixMilli())}
	h.IngressInput(conn, input)
	h.IngressInput(conn, input) // duplicate dropped at the edge
	h.IngressInput(conn, sim.PlayerInput{PlayerID: "alice", InputSequence: 2})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 forwarded inputs, got %d", calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load(), "duplicate sequence must not reach the worker")
}

func TestForwardLoopReturnsSnapshotToOrigin(t *testing.T) {
	srv, _ := testWorkerServer(t)
	h := testHub(t, srv.URL)

	sender := &fakeSender{}
	conn := h.Register("alice", "room-1", transport.KindWebSocket, false, sender)

	h.IngressInput(conn, sim.PlayerInput{PlayerID: "alice", InputSequence: 1})

	sender.waitForSends(t, 1)
	frames := sender.frames(t)
	assert.Equal(t, transport.TypeFullState, frames[0].Type)
}

func TestBackpressureDropsOldest(t *testing.T) {
	prev := config.Config
	config.Config = &config.Arena1Config{
		Gateway: config.GatewayConfig{
			SendTimeout:   50 * time.Millisecond,
			EgressBuffer:  2,
			SendSemaphore: 1,
		},
	}
	t.Cleanup(func() { config.Config = prev })

	h := NewHub(nil)
	// No Run: the write pump stays parked so the channel actually fills
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(h.cancel)

	conn := &Connection{
		ID:     "c1",
		PeerID: "alice",
		RoomID: "room-1",
		seq:    transport.NewSequenceState(),
		send:   make(chan []byte, 2),
		sem:    make(chan struct{}, 1),
		sender: &fakeSender{},
		closed: make(chan struct{}),
	}

	assert.True(t, h.trySend(conn, []byte("a")))
	assert.True(t, h.trySend(conn, []byte("b")))
	// Channel full: the oldest is dropped, the newest admitted
	assert.True(t, h.trySend(conn, []byte("c")))

	assert.Equal(t, "b", string(<-conn.send))
	assert.Equal(t, "c", string(<-conn.send))
}
