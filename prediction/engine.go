// Package prediction implements the server-side shadow of client
// prediction: adaptive latency compensation, prediction accuracy tracking,
// and short-horizon physics extrapolation. The shadow scores prediction
// quality and informs reconciliation; it never replaces authority.
package prediction

import (
	"math"
	"sync"
	"time"

	"arena1/config"
	"arena1/sim"
	"arena1/statesync"
)

// accuracyHistoryLen bounds the per-player accuracy ring
const accuracyHistoryLen = 20

// defaultAccuracy is assumed before any sample arrives
const defaultAccuracy = 0.8

// Compensation is one player's adaptive latency compensation state
type Compensation struct {
	CurrentPingMs uint64
	AppliedMs     uint64
	LastUpdate    time.Time

	accuracy       []float64
	accuracyNext   int
	accuracyFilled bool
}

func newCompensation(baseMs uint64) *Compensation {
	return &Compensation{
		AppliedMs:  baseMs,
		LastUpdate: time.Now(),
	}
}

// recordAccuracy pushes one sample into the ring
func (c *Compensation) recordAccuracy(sample float64) {
	if c.accuracy == nil {
		c.accuracy = make([]float64, accuracyHistoryLen)
	}
	c.accuracy[c.accuracyNext] = sample
	c.accuracyNext++
	if c.accuracyNext >= len(c.accuracy) {
		c.accuracyNext = 0
		c.accuracyFilled = true
	}
}

// meanAccuracy averages the ring, assuming the default before any samples
func (c *Compensation) meanAccuracy() float64 {
	count := c.accuracyNext
	if c.accuracyFilled {
		count = len(c.accuracy)
	}
	if count == 0 {
		return defaultAccuracy
	}
	var sum float64
	for i := 0; i < count; i++ {
		sum += c.accuracy[i]
	}
	return sum / float64(count)
}

// PredictedState is the extrapolated state published alongside snapshots.
// Confidence is informational; it never gates authority.
type PredictedState struct {
	PredictedTick     uint64   `json:"predicted_tick"`
	PredictedPosition sim.Vec3 `json:"predicted_position"`
	PredictedVelocity sim.Vec3 `json:"predicted_velocity"`
	Confidence        float64  `json:"confidence"`
}

// Engine tracks compensation and prediction shadows for one room's players
type Engine struct {
	mu sync.Mutex

	compensation map[string]*Compensation
	lastKnown    map[string]sim.EntityState

	baseMs      uint64
	minMs       uint64
	maxMs       uint64
	smoothing   float64
	maxSteps    int
	dt          float64
	gravity     float64
	friction    float64
}

// NewEngine creates an engine with the configured compensation bounds
func NewEngine() *Engine {
	return &Engine{
		compensation: make(map[string]*Compensation),
		lastKnown:    make(map[string]sim.EntityState),
		baseMs:       config.GetBaseCompensationMs(),
		minMs:        config.GetMinCompensationMs(),
		maxMs:        config.GetMaxCompensationMs(),
		smoothing:    config.GetSmoothingFactor(),
		maxSteps:     config.GetMaxPredictionSteps(),
		dt:           1.0 / float64(config.GetTickRate()),
		gravity:      config.GetGravity(),
		friction:     config.GetFriction(),
	}
}

// InitializePlayer seeds the shadow from the player's first snapshot state
func (e *Engine) InitializePlayer(playerID string, snap sim.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if es, ok := snap.FindPlayer(playerID); ok {
		e.lastKnown[playerID] = es
	}
	if _, ok := e.compensation[playerID]; !ok {
		e.compensation[playerID] = newCompensation(e.baseMs)
	}
}

// RemovePlayer drops a player's shadow state
func (e *Engine) RemovePlayer(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compensation, playerID)
	delete(e.lastKnown, playerID)
}

// Observe refreshes the shadow from the latest authoritative snapshot
func (e *Engine) Observe(snap sim.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range snap.Entities {
		es := snap.Entities[i]
		if es.Role == sim.RolePlayer {
			if _, tracked := e.lastKnown[es.PlayerID]; tracked {
				e.lastKnown[es.PlayerID] = es
			}
		}
	}
}

// UpdateLatency folds one ping sample into a player's adaptive compensation:
// target = base + max(0, (ping-100)/2), +20 under poor accuracy, -10 under
// excellent accuracy, clamped, then smoothed toward the target.
func (e *Engine) UpdateLatency(playerID string, pingMs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	comp, ok := e.compensation[playerID]
	if !ok {
		comp = newCompensation(e.baseMs)
		e.compensation[playerID] = comp
	}

	comp.CurrentPingMs = pingMs
	comp.LastUpdate = time.Now()

	target := e.baseMs
	if pingMs > 100 {
		target += (pingMs - 100) / 2
	}

	mean := comp.meanAccuracy()
	if mean < 0.7 {
		target += 20
	} else if mean > 0.9 {
		if target >= 10 {
			target -= 10
		} else {
			target = 0
		}
	}

	if target < e.minMs {
		target = e.minMs
	}
	if target > e.maxMs {
		target = e.maxMs
	}

	smoothed := float64(comp.AppliedMs)*(1-e.smoothing) + float64(target)*e.smoothing
	comp.AppliedMs = uint64(math.Round(smoothed))
}

// CompensationFor reads a player's applied compensation, defaulting to base
func (e *Engine) CompensationFor(playerID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if comp, ok := e.compensation[playerID]; ok {
		return comp.AppliedMs
	}
	return e.baseMs
}

// RecordReconciliation scores one reconciliation event as a prediction
// accuracy sample: 1 - min(1, error/threshold)
func (e *Engine) RecordReconciliation(playerID string, errorDistance, threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	comp, ok := e.compensation[playerID]
	if !ok {
		comp = newCompensation(e.baseMs)
		e.compensation[playerID] = comp
	}

	if threshold <= 0 {
		threshold = 1
	}
	sample := 1 - math.Min(1, errorDistance/threshold)
	comp.recordAccuracy(sample)
}

// MeanAccuracy reads a player's mean prediction accuracy
func (e *Engine) MeanAccuracy(playerID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if comp, ok := e.compensation[playerID]; ok {
		return comp.meanAccuracy()
	}
	return defaultAccuracy
}

// Predict extrapolates a player's state stepsAhead ticks forward using the
// shadow physics: commanded velocity easing, gravity, ground contact, and
// friction, mirroring the authoritative integration
func (e *Engine) Predict(playerID string, input sim.PlayerInput, currentTick uint64, stepsAhead int) (PredictedState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known, ok := e.lastKnown[playerID]
	if !ok {
		return PredictedState{}, false
	}

	if stepsAhead > e.maxSteps {
		stepsAhead = e.maxSteps
	}
	if stepsAhead < 0 {
		stepsAhead = 0
	}

	pos := known.Position
	vel := known.Velocity
	grounded := pos[1] <= 0

	for i := 0; i < stepsAhead; i++ {
		// Commanded horizontal velocity eases toward the input vector,
		// matching the authoritative applyInput blend
		vel[0] = vel[0]*0.7 + input.Movement[0]*0.3
		vel[2] = vel[2]*0.7 + input.Movement[2]*0.3

		if !grounded {
			vel[1] += e.gravity * e.dt
		}

		pos = pos.Add(vel.Scale(e.dt))

		if pos[1] <= 0 {
			pos[1] = 0
			if vel[1] < 0 {
				vel[1] = 0
			}
			grounded = true
		} else {
			grounded = false
		}

		if grounded {
			vel[0] *= e.friction
			vel[2] *= e.friction
		}
	}

	return PredictedState{
		PredictedTick:     currentTick + uint64(stepsAhead),
		PredictedPosition: pos,
		PredictedVelocity: vel,
		Confidence:        e.confidenceLocked(playerID, stepsAhead),
	}, true
}

// confidenceLocked computes base(1 - 0.1*steps) * latency factor * accuracy
// factor, clamped to [0, 1]; caller holds the lock
func (e *Engine) confidenceLocked(playerID string, steps int) float64 {
	base := 1.0 - math.Min(0.8, float64(steps)*0.1)

	compMs := e.baseMs
	accuracy := defaultAccuracy
	if comp, ok := e.compensation[playerID]; ok {
		compMs = comp.AppliedMs
		accuracy = comp.meanAccuracy()
	}

	latencyFactor := 1.0
	if compMs > 100 {
		latencyFactor = 0.8
	} else if compMs > 50 {
		latencyFactor = 0.9
	}

	confidence := base * latencyFactor * accuracy
	return math.Max(0, math.Min(1, confidence))
}

// ApplyReconciliation snaps the shadow to server truth after a correction
// is issued
func (e *Engine) ApplyReconciliation(playerID string, data *statesync.ReconciliationData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known, ok := e.lastKnown[playerID]
	if !ok {
		return
	}
	known.Position = data.ServerPosition
	known.Velocity = data.VelocityCorrection
	e.lastKnown[playerID] = known
}
