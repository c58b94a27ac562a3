package prediction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/sim"
	"arena1/statesync"
)

func seedSnapshot(playerID string, pos sim.Vec3) sim.Snapshot {
	return sim.Snapshot{
		Tick: 1,
		Entities: []sim.EntityState{{
			ID:       1,
			Position: pos,
			Rotation: sim.IdentityQuat,
			Role:     sim.RolePlayer,
			PlayerID: playerID,
		}},
	}
}

func TestCompensationDefaults(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, uint64(50), e.CompensationFor("unknown"))
}

func TestCompensationTracksPing(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	// Low ping with default accuracy (0.8): target stays at base 50;
	// applied remains 50 through smoothing
	e.UpdateLatency("p1", 40)
	assert.Equal(t, uint64(50), e.CompensationFor("p1"))

	// High ping: target = 50 + (300-100)/2 = 150;
	// applied = 0.7*50 + 0.3*150 = 80
	e.UpdateLatency("p1", 300)
	assert.Equal(t, uint64(80), e.CompensationFor("p1"))
}

func TestCompensationRespondsToAccuracy(t *testing.T) {
	t.Run("poor accuracy raises the target", func(t *testing.T) {
		e := NewEngine()
		e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

		// Saturate the ring with terrible predictions
		for i := 0; i < accuracyHistoryLen; i++ {
			e.RecordReconciliation("p1", 10.0, 1.0) // accuracy sample 0
		}

		// target = 50 + 20 = 70; applied = 0.7*50 + 0.3*70 = 56
		e.UpdateLatency("p1", 40)
		assert.Equal(t, uint64(56), e.CompensationFor("p1"))
	})

	t.Run("excellent accuracy lowers the target", func(t *testing.T) {
		e := NewEngine()
		e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

		for i := 0; i < accuracyHistoryLen; i++ {
			e.RecordReconciliation("p1", 0.0, 1.0) // accuracy sample 1
		}

		// target = 50 - 10 = 40; applied = 0.7*50 + 0.3*40 = 47
		e.UpdateLatency("p1", 40)
		assert.Equal(t, uint64(47), e.CompensationFor("p1"))
	})
}

func TestCompensationClampedToBounds(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	// Repeated extreme pings converge toward the 200ms ceiling, never past
	for i := 0; i < 50; i++ {
		e.UpdateLatency("p1", 2000)
	}
	applied := e.CompensationFor("p1")
	assert.LessOrEqual(t, applied, uint64(200))
	assert.Greater(t, applied, uint64(190), "smoothing should converge near the ceiling")
}

func TestAccuracyScoring(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	// error/threshold = 0.3 -> accuracy 0.7
	e.RecordReconciliation("p1", 0.3, 1.0)
	assert.InDelta(t, 0.7, e.MeanAccuracy("p1"), 1e-9)

	// error beyond the threshold floors at zero
	e.RecordReconciliation("p1", 5.0, 1.0)
	assert.InDelta(t, 0.35, e.MeanAccuracy("p1"), 1e-9)
}

func TestPredictExtrapolatesForward(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	input := sim.PlayerInput{PlayerID: "p1", Movement: sim.Vec3{10, 0, 0}}
	predicted, ok := e.Predict("p1", input, 1, 5)
	require.True(t, ok)

	assert.Equal(t, uint64(6), predicted.PredictedTick)
	assert.Greater(t, predicted.PredictedPosition[0], 0.0)
	assert.GreaterOrEqual(t, predicted.Confidence, 0.0)
	assert.LessOrEqual(t, predicted.Confidence, 1.0)
}

func TestPredictionStepsClamped(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	predicted, ok := e.Predict("p1", sim.PlayerInput{PlayerID: "p1"}, 1, 50)
	require.True(t, ok)
	assert.Equal(t, uint64(1+10), predicted.PredictedTick, "steps clamp at the maximum")
}

func TestPredictUnknownPlayer(t *testing.T) {
	e := NewEngine()
	_, ok := e.Predict("ghost", sim.PlayerInput{}, 1, 1)
	assert.False(t, ok)
}

func TestConfidenceDecreasesWithSteps(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{}))

	input := sim.PlayerInput{PlayerID: "p1"}
	one, ok := e.Predict("p1", input, 1, 1)
	require.True(t, ok)
	ten, ok := e.Predict("p1", input, 1, 10)
	require.True(t, ok)

	assert.Greater(t, one.Confidence, ten.Confidence)
}

func TestApplyReconciliationSnapsShadow(t *testing.T) {
	e := NewEngine()
	e.InitializePlayer("p1", seedSnapshot("p1", sim.Vec3{5, 0, 0}))

	e.ApplyReconciliation("p1", &statesync.ReconciliationData{
		ServerPosition:     sim.Vec3{3, 0, 0},
		VelocityCorrection: sim.Vec3{1, 0, 0},
	})

	predicted, ok := e.Predict("p1", sim.PlayerInput{PlayerID: "p1"}, 1, 0)
	require.True(t, ok)
	assert.Equal(t, sim.Vec3{3, 0, 0}, predicted.PredictedPosition)
}
