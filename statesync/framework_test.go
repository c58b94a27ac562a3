package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/sim"
)

func playerSnapshot(tick uint64, playerID string, pos sim.Vec3) sim.Snapshot {
	return sim.Snapshot{
		Tick: tick,
		Entities: []sim.EntityState{{
			ID:       1,
			Position: pos,
			Rotation: sim.IdentityQuat,
			Role:     sim.RolePlayer,
			PlayerID: playerID,
		}},
	}
}

func TestHistoryRingKeepsOneStatePerTick(t *testing.T) {
	f := NewFramework()

	for tick := uint64(1); tick <= 10; tick++ {
		f.AddServerState(playerSnapshot(tick, "p1", sim.Vec3{}), nil)
	}

	assert.Equal(t, 10, f.HistoryLen())
	for tick := uint64(1); tick <= 10; tick++ {
		state, ok := f.GetServerState(tick)
		require.True(t, ok, "tick %d missing", tick)
		assert.Equal(t, tick, state.Tick)
	}
}

func TestHistoryRingEvictsOldestOnOverflow(t *testing.T) {
	f := NewFramework()
	f.maxHistory = 5

	for tick := uint64(1); tick <= 8; tick++ {
		f.AddServerState(playerSnapshot(tick, "p1", sim.Vec3{}), nil)
	}

	assert.Equal(t, 5, f.HistoryLen())
	_, ok := f.GetServerState(3)
	assert.False(t, ok, "evicted tick still present")
	_, ok = f.GetServerState(4)
	assert.True(t, ok)

	latest, ok := f.LatestState()
	require.True(t, ok)
	assert.Equal(t, uint64(8), latest.Tick)
}

func TestNonMonotonicStatesDropped(t *testing.T) {
	f := NewFramework()
	f.AddServerState(playerSnapshot(5, "p1", sim.Vec3{}), nil)
	f.AddServerState(playerSnapshot(5, "p1", sim.Vec3{}), nil)
	f.AddServerState(playerSnapshot(4, "p1", sim.Vec3{}), nil)
	assert.Equal(t, 1, f.HistoryLen())
}

func TestAckIsIdempotentAndMonotonic(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	f.RecordAck("p1", 10)
	tick, ok := f.AckedTick("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(10), tick)

	// Re-delivery never decreases the recorded tick
	f.RecordAck("p1", 10)
	f.RecordAck("p1", 7)
	tick, _ = f.AckedTick("p1")
	assert.Equal(t, uint64(10), tick)

	f.RecordAck("p1", 12)
	tick, _ = f.AckedTick("p1")
	assert.Equal(t, uint64(12), tick)
}

func TestReconciliationOnDivergence(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	// Server truth: [3,0,0]; client predicted [5,0,0]
	f.AddServerState(playerSnapshot(7, "p1", sim.Vec3{3, 0, 0}), nil)
	f.UpdateClientPrediction("p1", 7, sim.Vec3{5, 0, 0}, 1)

	require.True(t, f.NeedsReconciliation("p1", 7))

	data, err := f.CalculateReconciliation("p1", 7)
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, uint64(7), data.ServerTick)
	assert.Equal(t, sim.Vec3{3, 0, 0}, data.ServerPosition)
	assert.Equal(t, sim.Vec3{5, 0, 0}, data.ClientPredictedPosition)
	assert.Equal(t, sim.Vec3{-2, 0, 0}, data.PositionCorrection)
}

func TestNoReconciliationWhenConverged(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	f.AddServerState(playerSnapshot(7, "p1", sim.Vec3{3, 0, 0}), nil)
	f.UpdateClientPrediction("p1", 7, sim.Vec3{3.2, 0, 0}, 1)

	assert.False(t, f.NeedsReconciliation("p1", 7))

	data, err := f.CalculateReconciliation("p1", 7)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestReconciliationOnStaleness(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	f.AddServerState(playerSnapshot(20, "p1", sim.Vec3{}), nil)
	f.UpdateClientPrediction("p1", 5, sim.Vec3{}, 1)

	// 20 - 5 = 15 ticks stale, beyond the 10 tick threshold
	assert.True(t, f.NeedsReconciliation("p1", 20))
}

func TestReconciliationOnAccumulatedError(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	f.mu.Lock()
	c := f.clients["p1"]
	for i := 0; i < errorHistoryLen; i++ {
		c.recordError(0.8) // each below the 1.0 divergence limit
	}
	f.mu.Unlock()

	// Mean 0.8 > 0.5 accumulated-error threshold
	f.AddServerState(playerSnapshot(1, "p1", sim.Vec3{}), nil)
	f.UpdateClientPrediction("p1", 1, sim.Vec3{0.8, 0, 0}, 1)
	assert.True(t, f.NeedsReconciliation("p1", 1))
}

func TestPingEWMA(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")

	f.UpdatePing("p1", 100)
	assert.InDelta(t, 100.0, f.Ping("p1"), 1e-9)

	// alpha = 0.2: 0.2*200 + 0.8*100 = 120
	f.UpdatePing("p1", 200)
	assert.InDelta(t, 120.0, f.Ping("p1"), 1e-9)
}

func TestClientStateEviction(t *testing.T) {
	f := NewFramework()
	base := time.Now()
	f.now = func() time.Time { return base }

	f.RegisterClient("p1")
	f.RegisterClient("p2")
	f.RecordAck("p1", 3)

	// p1 goes idle past the timeout; p2 stays fresh
	f.now = func() time.Time { return base.Add(61 * time.Second) }
	f.UpdateClientPrediction("p2", 1, sim.Vec3{}, 1)

	evicted := f.Cleanup()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, f.ClientCount())

	_, ok := f.AckedTick("p1")
	assert.False(t, ok, "evicted client's ack state must go with it")
}

func TestResetClientClearsShadow(t *testing.T) {
	f := NewFramework()
	f.RegisterClient("p1")
	f.UpdateClientPrediction("p1", 9, sim.Vec3{4, 0, 0}, 3)

	f.ResetClient("p1")

	f.mu.RLock()
	c := f.clients["p1"]
	f.mu.RUnlock()
	require.NotNil(t, c)
	assert.Equal(t, uint64(0), c.LastPredictedTick)
	assert.Equal(t, sim.Vec3{}, c.PredictedPosition)
}
