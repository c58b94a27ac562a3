package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/errs"
	"arena1/rooms"
	"arena1/sim"
	"arena1/snapshot"
)

// captureSink records delivered frames for assertions
type captureSink struct {
	mu     sync.Mutex
	frames map[string][]OutFrame
}

func newCaptureSink() *captureSink {
	return &captureSink{frames: make(map[string][]OutFrame)}
}

func (c *captureSink) Deliver(roomID string, frames []OutFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[roomID] = append(c.frames[roomID], frames...)
}

func (c *captureSink) classesFor(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var classes []string
	for _, f := range c.frames[roomID] {
		classes = append(classes, f.Class)
	}
	return classes
}

func testService(t *testing.T) (*Service, *captureSink) {
	t.Helper()
	sink := newCaptureSink()
	s := NewService(nil, sink)
	s.rootCtx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() { s.cancel(); s.wg.Wait() })
	return s, sink
}

func createRoom(t *testing.T, s *Service, name, host string, max int) *rooms.Info {
	t.Helper()
	info, err := s.CreateRoom(rooms.CreateRequest{
		Name:       name,
		HostID:     host,
		HostName:   host,
		MaxPlayers: max,
		GameMode:   "deathmatch",
	})
	require.NoError(t, err)
	return info
}

func gameInput(player string, seq uint32, movement sim.Vec3) sim.PlayerInput {
	return sim.PlayerInput{
		PlayerID:      player,
		InputSequence: seq,
		Movement:      movement,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
}

func TestCreateJoinAndTick(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	_, seed, err := s.JoinPlayer(info.ID, "p2", "P2", "", "")
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, snapshot.TypeFullState, seed.Type)

	// Push input for p1: the lobby room ticks on demand
	msg, _, err := s.PushInput(gameInput("p1", 1, sim.Vec3{1, 0, 0}), info.ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, uint64(1), msg.Tick, "push returns the post-tick snapshot")

	// p1 moved in +x from its spawn slot
	g, err := s.gameFor(info.ID)
	require.NoError(t, err)
	snap := g.world.Snapshot()
	es, found := snap.FindPlayer("p1")
	require.True(t, found)
	assert.Greater(t, es.Position[0], -10.0)

	// The history ring holds ServerState at tick 1
	state, ok := g.sync.GetServerState(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), state.Tick)
	require.Len(t, state.ProcessedInputs, 1)
	assert.Equal(t, uint32(1), state.ProcessedInputs[0].InputSequence)
}

func TestDuplicateInputSequenceRejected(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	_, _, err := s.PushInput(gameInput("p1", 1, sim.Vec3{1, 0, 0}), info.ID)
	require.NoError(t, err)

	_, _, err = s.PushInput(gameInput("p1", 1, sim.Vec3{1, 0, 0}), info.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInputInvalid))
}

func TestRoomFatalIsolation(t *testing.T) {
	s, _ := testService(t)
	roomA := createRoom(t, s, "A", "alice", 4)
	roomB := createRoom(t, s, "B", "bob", 4)

	// Poison room A's simulation
	gA, err := s.gameFor(roomA.ID)
	require.NoError(t, err)
	gA.world.SetFaultHook(func() { panic("induced corruption") })

	_, _, err = s.PushInput(gameInput("alice", 1, sim.Vec3{1, 0, 0}), roomA.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindSimulationFault))

	// Room A transitioned to Closed; further input is a state error
	stateA, err := s.manager.State(roomA.ID)
	require.NoError(t, err)
	assert.Equal(t, rooms.StateClosed, stateA)

	_, _, err = s.PushInput(gameInput("alice", 2, sim.Vec3{1, 0, 0}), roomA.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRoomStateInvalid))

	// Room B is unaffected and keeps ticking
	msg, _, err := s.PushInput(gameInput("bob", 1, sim.Vec3{1, 0, 0}), roomB.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Tick)

	// A closed room disappears from the listing
	for _, info := range s.manager.List(rooms.ListFilter{}) {
		assert.NotEqual(t, roomA.ID, info.ID)
	}
}

func TestReconciliationEmittedOnDivergence(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	// Advance one tick to have authoritative state
	_, _, err := s.PushInput(gameInput("p1", 1, sim.Vec3{}), info.ID)
	require.NoError(t, err)

	g, err := s.gameFor(info.ID)
	require.NoError(t, err)
	tick := g.world.CurrentTick()

	// The client reports a wildly wrong prediction
	predicted, err := s.ClientPrediction(info.ID, "p1", tick, sim.Vec3{50, 0, 0}, 1)
	require.NoError(t, err)
	require.NotNil(t, predicted)

	// The next push carries the correction
	_, recon, err := s.PushInput(gameInput("p1", 2, sim.Vec3{}), info.ID)
	require.NoError(t, err)
	require.NotNil(t, recon)

	assert.Equal(t, sim.Vec3{50, 0, 0}, recon.ClientPredictedPosition)
	// Correction points from the predicted position back to server truth
	assert.Less(t, recon.PositionCorrection[0], 0.0)
}

func TestAckAdvancesDeltaBase(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	// Two ticks so there is something to acknowledge
	first, _, err := s.PushInput(gameInput("p1", 1, sim.Vec3{1, 0, 0}), info.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.TypeFullState, first.Type, "new subscriber starts on full")

	require.NoError(t, s.Ack(info.ID, "p1", first.Tick))

	second, _, err := s.PushInput(gameInput("p1", 2, sim.Vec3{1, 0, 0}), info.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.TypeDeltaState, second.Type)
	assert.Equal(t, first.Tick, second.BaseTick)
}

func TestGameLifecycleStartPlayFinish(t *testing.T) {
	s, sink := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)
	_, _, err := s.JoinPlayer(info.ID, "p2", "P2", "", "")
	require.NoError(t, err)

	require.NoError(t, s.StartGame(info.ID, "p1"))

	// Promote past the countdown via the manager's time-driven tick
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.manager.Tick()
		state, err := s.manager.State(info.ID)
		require.NoError(t, err)
		if state == rooms.StatePlaying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room never promoted to playing")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The loop runs: wait for fan-out traffic
	deadline = time.Now().Add(3 * time.Second)
	for {
		if classes := sink.classesFor(info.ID); len(classes) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frames delivered while playing")
		}
		time.Sleep(20 * time.Millisecond)
	}

	_, err = s.EndGame(info.ID, "p1")
	require.NoError(t, err)

	state, err := s.manager.State(info.ID)
	require.NoError(t, err)
	assert.Equal(t, rooms.StateFinished, state)

	// The finish event reached the room
	deadline = time.Now().Add(2 * time.Second)
	for {
		classes := sink.classesFor(info.ID)
		found := false
		for _, class := range classes {
			if class == FrameEvent {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finish event never delivered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestChatRoundTrip(t *testing.T) {
	s, sink := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	require.NoError(t, s.SendChat(info.ID, "p1", "P1", "hello arena"))

	history, err := s.ChatHistory(info.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello arena", history[0].Body)
	assert.Equal(t, "p1", history[0].SenderID)

	classes := sink.classesFor(info.ID)
	assert.Contains(t, classes, FrameEvent)

	err = s.SendChat(info.ID, "p1", "P1", "")
	assert.Error(t, err, "empty chat rejected")
}

func TestLeaveCleansUpRuntimeState(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)
	_, _, err := s.JoinPlayer(info.ID, "p2", "P2", "", "")
	require.NoError(t, err)

	require.NoError(t, s.Leave(info.ID, "p2"))

	g, err := s.gameFor(info.ID)
	require.NoError(t, err)
	snap := g.world.Snapshot()
	_, found := snap.FindPlayer("p2")
	assert.False(t, found, "entity despawned on leave")

	// Rejoining restarts the input sequence cleanly
	_, _, err = s.JoinPlayer(info.ID, "p2", "P2", "", "")
	require.NoError(t, err)
	_, _, err = s.PushInput(gameInput("p2", 1, sim.Vec3{1, 0, 0}), info.ID)
	assert.NoError(t, err)
}

func TestUpdatePingFeedsCompensation(t *testing.T) {
	s, _ := testService(t)
	info := createRoom(t, s, "R1", "p1", 4)

	require.NoError(t, s.UpdatePing(info.ID, "p1", 300))

	g, err := s.gameFor(info.ID)
	require.NoError(t, err)
	assert.Greater(t, g.predict.CompensationFor("p1"), uint64(50),
		"high ping raises compensation above base")

	roomInfo, err := s.manager.GetInfo(info.ID)
	require.NoError(t, err)
	require.NotEmpty(t, roomInfo.Players)
	assert.Equal(t, 300.0, roomInfo.Players[0].PingMs)
}
