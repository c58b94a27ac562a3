package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorld(t *testing.T, mode GameMode) *World {
	t.Helper()
	return NewWorld("room-test", mode, DefaultMap("test_map"))
}

func freshInput(player string, seq uint32, movement Vec3) PlayerInput {
	return PlayerInput{
		PlayerID:      player,
		InputSequence: seq,
		Movement:      movement,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
}

func TestTickAdvancesMonotonically(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	var lastTick uint64
	for i := 0; i < 10; i++ {
		snap, _, err := w.Tick()
		require.NoError(t, err)
		assert.Equal(t, lastTick+1, snap.Tick)
		lastTick = snap.Tick
	}
	assert.Equal(t, uint64(10), w.CurrentTick())
}

func TestInputMovesPlayer(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	require.NoError(t, w.SubmitInput(freshInput("p1", 1, Vec3{1, 0, 0})))

	snap, processed, err := w.Tick()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Tick)
	require.Len(t, processed, 1)

	// First spawn slot is (-10, 0, -10)
	es, found := snap.FindPlayer("p1")
	require.True(t, found)
	assert.Greater(t, es.Position[0], -10.0, "positive x movement must advance x")
}

func TestOneInputPerPlayerPerTick(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, w.SubmitInput(freshInput("p1", seq, Vec3{1, 0, 0})))
	}

	_, processed, err := w.Tick()
	require.NoError(t, err)
	assert.Len(t, processed, 1, "at most one input per player per tick")
	assert.Equal(t, uint32(1), processed[0].InputSequence)

	_, processed, err = w.Tick()
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, uint32(2), processed[0].InputSequence)
}

func TestInputBufferDropsOldestBeyondCapacity(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.bufferCap = 3
	w.AddPlayer("p1", "")
	w.buffers["p1"] = newInputBuffer(3)

	for seq := uint32(1); seq <= 5; seq++ {
		require.NoError(t, w.SubmitInput(freshInput("p1", seq, Vec3{})))
	}

	// Oldest two were evicted; first drained input is sequence 3
	_, processed, err := w.Tick()
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, uint32(3), processed[0].InputSequence)
}

func TestGravityAndGroundContact(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	// Jump: vertical velocity then gravity pulls the player back down
	require.NoError(t, w.SubmitInput(freshInput("p1", 1, Vec3{0, 0, 0})))
	in := freshInput("p1", 2, Vec3{})
	in.Actions = ActionJump
	require.NoError(t, w.SubmitInput(in))

	w.Tick() // seq 1, grounded
	snap, _, err := w.Tick()
	require.NoError(t, err)
	es, _ := snap.FindPlayer("p1")
	assert.Greater(t, es.Position[1], 0.0, "jump must leave the ground")

	// Enough ticks of gravity return the player to the ground plane
	for i := 0; i < 120; i++ {
		snap, _, err = w.Tick()
		require.NoError(t, err)
	}
	es, _ = snap.FindPlayer("p1")
	assert.Equal(t, 0.0, es.Position[1])
}

func TestFrictionDampsHorizontalVelocity(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	require.NoError(t, w.SubmitInput(freshInput("p1", 1, Vec3{10, 0, 0})))
	snap, _, err := w.Tick()
	require.NoError(t, err)
	es, _ := snap.FindPlayer("p1")
	moving := es.Velocity[0]
	require.Greater(t, moving, 0.0)

	// No further inputs: friction decays the horizontal component
	for i := 0; i < 60; i++ {
		snap, _, err = w.Tick()
		require.NoError(t, err)
	}
	es, _ = snap.FindPlayer("p1")
	assert.Less(t, es.Velocity[0], moving*0.1)
}

func TestPickupCollection(t *testing.T) {
	mapCfg := DefaultMap("test_map")
	mapCfg.Pickups = []MapPickup{{Position: Vec3{-10, 0, -10}, Value: 7}}
	w := NewWorld("room-test", ModeDeathmatch, mapCfg)

	// Player spawns exactly on the pickup
	w.AddPlayer("p1", "")

	snap, _, err := w.Tick()
	require.NoError(t, err)

	score, ok := w.PlayerScore("p1")
	require.True(t, ok)
	assert.Equal(t, 7, score)

	// Pickup entity despawned and reported as removed
	for _, es := range snap.Entities {
		assert.NotEqual(t, RolePickup, es.Role, "collected pickup must despawn")
	}
	assert.NotEmpty(t, snap.Removed)
}

func TestEntityIDsNeverReused(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	first := w.AddPlayer("p1", "")
	w.RemovePlayer("p1")
	second := w.AddPlayer("p1", "")
	assert.Greater(t, second, first)
}

func TestDeterministicTickSequences(t *testing.T) {
	build := func() *World {
		mapCfg := DefaultMap("det_map")
		w := NewWorld("room-det", ModeDeathmatch, mapCfg)
		w.AddPlayer("alice", "")
		w.AddPlayer("bob", "")
		return w
	}

	inputs := []PlayerInput{
		freshInput("alice", 1, Vec3{1, 0, 0}),
		freshInput("bob", 1, Vec3{0, 0, -1}),
		freshInput("alice", 2, Vec3{-2, 0, 3}),
		freshInput("bob", 2, Vec3{4, 0, 0}),
	}

	run := func() []Snapshot {
		w := build()
		var snaps []Snapshot
		for i := 0; i < len(inputs); i += 2 {
			require.NoError(t, w.SubmitInput(inputs[i]))
			require.NoError(t, w.SubmitInput(inputs[i+1]))
			snap, _, err := w.Tick()
			require.NoError(t, err)
			snaps = append(snaps, snap)
		}
		return snaps
	}

	a, b := run(), run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i], "tick %d diverged between identical runs", i+1)
	}
}

func TestTickPanicIsIsolated(t *testing.T) {
	w := testWorld(t, ModeDeathmatch)
	w.AddPlayer("p1", "")

	w.SetFaultHook(func() { panic("induced fault") })

	_, _, err := w.Tick()
	require.Error(t, err)
	assert.True(t, w.Faulted())

	// A faulted world refuses further ticks instead of crashing
	_, _, err = w.Tick()
	assert.Error(t, err)
}

func TestDeathmatchScoreLimitFinishesMatch(t *testing.T) {
	mapCfg := DefaultMap("test_map")
	mapCfg.Modes.ScoreLimit = 5
	mapCfg.Pickups = []MapPickup{{Position: Vec3{-10, 0, -10}, Value: 5}}
	w := NewWorld("room-test", ModeDeathmatch, mapCfg)
	w.AddPlayer("p1", "")

	_, _, err := w.Tick()
	require.NoError(t, err)

	status := w.ModeStatus()
	assert.True(t, status.Finished)
	assert.Equal(t, "p1", status.Winner)
	assert.Equal(t, "score_limit", status.Reason)
}

func TestObstacleZeroesContactVelocity(t *testing.T) {
	mapCfg := DefaultMap("test_map")
	mapCfg.Pickups = nil
	mapCfg.Obstacles = []MapBox{{Position: Vec3{-8, 0, -10}, HalfExtents: Vec3{1, 1, 1}}}
	w := NewWorld("room-test", ModeDeathmatch, mapCfg)
	w.AddPlayer("p1", "") // spawns at (-10, 0, -10), obstacle ahead on +x

	var seq uint32
	for i := 0; i < 120; i++ {
		seq++
		require.NoError(t, w.SubmitInput(freshInput("p1", seq, Vec3{10, 0, 0})))
		snap, _, err := w.Tick()
		require.NoError(t, err)
		es, _ := snap.FindPlayer("p1")
		// The player never penetrates the obstacle face
		assert.LessOrEqual(t, es.Position[0], -8.0-1.0-playerRadius+0.05,
			"tick %d: player penetrated obstacle at x=%f", i, es.Position[0])
	}
}
