// Package statesync implements the server state history ring, the
// client-state registry, and the reconciliation calculator that corrects
// client prediction against server authority.
package statesync

import (
	"sync"
	"time"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/sim"
)

// pingAlpha is the EWMA smoothing constant for client ping samples
const pingAlpha = 0.2

// errorHistoryLen bounds the per-client prediction-error ring
const errorHistoryLen = 20

// ServerState is one historical tick record
type ServerState struct {
	Tick            uint64            `json:"tick"`
	Snapshot        sim.Snapshot      `json:"snapshot"`
	ProcessedInputs []sim.PlayerInput `json:"processed_inputs"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ClientState is the server-side shadow of one client's prediction
type ClientState struct {
	PlayerID          string
	LastPredictedTick uint64
	PredictedPosition sim.Vec3
	LastInputSequence uint32
	PingMs            float64 // EWMA
	LastUpdate        time.Time

	errorHistory []float64
	errorNext    int
	errorFilled  bool
}

// meanError computes the mean of the prediction-error ring
func (c *ClientState) meanError() float64 {
	count := c.errorNext
	if c.errorFilled {
		count = len(c.errorHistory)
	}
	if count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < count; i++ {
		sum += c.errorHistory[i]
	}
	return sum / float64(count)
}

// recordError pushes one error sample into the ring
func (c *ClientState) recordError(err float64) {
	if c.errorHistory == nil {
		c.errorHistory = make([]float64, errorHistoryLen)
	}
	c.errorHistory[c.errorNext] = err
	c.errorNext++
	if c.errorNext >= len(c.errorHistory) {
		c.errorNext = 0
		c.errorFilled = true
	}
}

// ReconciliationData is the correction payload sent to a diverged client.
// The client snaps to the server position and replays unacknowledged inputs
// forward from ServerTick.
type ReconciliationData struct {
	ServerTick              uint64   `json:"server_tick"`
	ServerPosition          sim.Vec3 `json:"server_position"`
	ClientPredictedPosition sim.Vec3 `json:"client_predicted_position"`
	PositionCorrection      sim.Vec3 `json:"position_correction"`
	VelocityCorrection      sim.Vec3 `json:"velocity_correction"`
}

// Framework owns one room's state history and client registry
type Framework struct {
	mu sync.RWMutex

	history    []ServerState // ring, oldest first
	maxHistory int

	clients map[string]*ClientState
	acked   map[string]uint64

	divergenceLimit float64
	staleTicks      uint64
	meanErrorLimit  float64
	clientTimeout   time.Duration
	reconcileBudget time.Duration

	now func() time.Time
}

// NewFramework creates a framework with the configured ring size and
// reconciliation thresholds
func NewFramework() *Framework {
	return &Framework{
		maxHistory:      config.GetHistorySize(),
		clients:         make(map[string]*ClientState),
		acked:           make(map[string]uint64),
		divergenceLimit: config.GetDivergenceLimit(),
		staleTicks:      config.GetStaleTicks(),
		meanErrorLimit:  config.GetMeanErrorLimit(),
		clientTimeout:   config.GetClientStateTimeout(),
		reconcileBudget: config.GetReconcileBudget(),
		now:             time.Now,
	}
}

// AddServerState appends one tick record, evicting the oldest past capacity.
// Non-monotonic ticks are dropped.
func (f *Framework) AddServerState(snap sim.Snapshot, inputs []sim.PlayerInput) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.history); n > 0 && snap.Tick <= f.history[n-1].Tick {
		logging.Warn("dropping non-monotonic server state", map[string]interface{}{
			"tick":   snap.Tick,
			"latest": f.history[n-1].Tick,
		})
		return
	}

	if len(f.history) >= f.maxHistory {
		copy(f.history, f.history[1:])
		f.history = f.history[:len(f.history)-1]
	}
	f.history = append(f.history, ServerState{
		Tick:            snap.Tick,
		Snapshot:        snap,
		ProcessedInputs: inputs,
		Timestamp:       f.now(),
	})
}

// GetServerState returns the record at an exact tick
func (f *Framework) GetServerState(tick uint64) (*ServerState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].Tick == tick {
			state := f.history[i]
			return &state, true
		}
		if f.history[i].Tick < tick {
			break
		}
	}
	return nil, false
}

// LatestState returns the most recent record
func (f *Framework) LatestState() (*ServerState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.history) == 0 {
		return nil, false
	}
	state := f.history[len(f.history)-1]
	return &state, true
}

// HistoryLen returns the current ring occupancy
func (f *Framework) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

// RegisterClient creates the prediction shadow for a joining player
func (f *Framework) RegisterClient(playerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clients[playerID] = &ClientState{
		PlayerID:   playerID,
		LastUpdate: f.now(),
	}
}

// RemoveClient drops a player's shadow and ack state
func (f *Framework) RemoveClient(playerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, playerID)
	delete(f.acked, playerID)
}

// ResetClient re-initializes a player's shadow in place. This is the
// SimulationFault recovery path for a single player.
func (f *Framework) ResetClient(playerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.clients[playerID]; ok {
		f.clients[playerID] = &ClientState{
			PlayerID:   playerID,
			LastUpdate: f.now(),
		}
	}
}

// UpdateClientPrediction records a client's self-reported predicted state
func (f *Framework) UpdateClientPrediction(playerID string, tick uint64, pos sim.Vec3, inputSeq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.clients[playerID]
	if !ok {
		return
	}
	c.LastPredictedTick = tick
	c.PredictedPosition = pos
	if inputSeq > c.LastInputSequence {
		c.LastInputSequence = inputSeq
	}
	c.LastUpdate = f.now()
}

// UpdatePing folds one ping sample into the client's EWMA
func (f *Framework) UpdatePing(playerID string, pingMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.clients[playerID]
	if !ok {
		return
	}
	if c.PingMs == 0 {
		c.PingMs = pingMs
	} else {
		c.PingMs = pingAlpha*pingMs + (1-pingAlpha)*c.PingMs
	}
	c.LastUpdate = f.now()
}

// Ping reads the smoothed ping for a player
func (f *Framework) Ping(playerID string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.clients[playerID]; ok {
		return c.PingMs
	}
	return 0
}

// RecordAck advances the client's acknowledged tick. Re-delivered or stale
// acks never move it backwards.
func (f *Framework) RecordAck(playerID string, tick uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if current, ok := f.acked[playerID]; !ok || tick > current {
		f.acked[playerID] = tick
	}
}

// AckedTick reads the highest acknowledged tick for a client
func (f *Framework) AckedTick(playerID string) (uint64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tick, ok := f.acked[playerID]
	return tick, ok
}

// NeedsReconciliation checks the three trigger conditions: positional
// divergence, prediction staleness, and accumulated mean error
func (f *Framework) NeedsReconciliation(playerID string, serverTick uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.clients[playerID]
	if !ok {
		return false
	}

	// Staleness
	if c.LastPredictedTick < serverTick && serverTick-c.LastPredictedTick > f.staleTicks {
		return true
	}

	// Accumulated error
	if c.meanError() > f.meanErrorLimit {
		return true
	}

	// Divergence against the authoritative position at serverTick
	if state := f.stateAtLocked(serverTick); state != nil {
		if es, found := state.Snapshot.FindPlayer(playerID); found {
			if es.Position.DistanceTo(c.PredictedPosition) > f.divergenceLimit {
				return true
			}
		}
	}

	return false
}

// stateAtLocked finds a record without taking the lock; caller holds it
func (f *Framework) stateAtLocked(tick uint64) *ServerState {
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].Tick == tick {
			return &f.history[i]
		}
		if f.history[i].Tick < tick {
			return nil
		}
	}
	return nil
}

// CalculateReconciliation builds the correction payload for one player at
// one tick. Returns nil when no correction is needed. Exceeding the
// calculation budget is surfaced as a Timeout error.
func (f *Framework) CalculateReconciliation(playerID string, serverTick uint64) (*ReconciliationData, error) {
	started := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.clients[playerID]
	if !ok {
		return nil, nil
	}
	state := f.stateAtLocked(serverTick)
	if state == nil {
		return nil, nil
	}
	es, found := state.Snapshot.FindPlayer(playerID)
	if !found {
		return nil, nil
	}

	correction := es.Position.Sub(c.PredictedPosition)
	distance := correction.Length()
	c.recordError(distance)

	stale := c.LastPredictedTick < serverTick && serverTick-c.LastPredictedTick > f.staleTicks
	if distance <= f.divergenceLimit && !stale && c.meanError() <= f.meanErrorLimit {
		return nil, nil
	}

	data := &ReconciliationData{
		ServerTick:              serverTick,
		ServerPosition:          es.Position,
		ClientPredictedPosition: c.PredictedPosition,
		PositionCorrection:      correction,
		VelocityCorrection:      es.Velocity, // server truth; client replays from it
	}

	if elapsed := f.now().Sub(started); elapsed > f.reconcileBudget {
		return nil, errs.Newf(errs.KindTimeout, "reconciliation calc exceeded budget: %v", elapsed)
	}

	return data, nil
}

// PredictionError returns the mean of a client's error ring
func (f *Framework) PredictionError(playerID string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.clients[playerID]; ok {
		return c.meanError()
	}
	return 0
}

// Cleanup evicts client states idle past the inactivity timeout
func (f *Framework) Cleanup() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-f.clientTimeout)
	evicted := 0
	for id, c := range f.clients {
		if c.LastUpdate.Before(cutoff) {
			delete(f.clients, id)
			delete(f.acked, id)
			evicted++
		}
	}
	if evicted > 0 {
		logging.Debug("evicted inactive client states", map[string]interface{}{
			"count": evicted,
		})
	}
	return evicted
}

// ClientCount returns the registry occupancy
func (f *Framework) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}
