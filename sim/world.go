package sim

import (
	"math"
	"sort"
	"sync"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
)

// Physics tuning shared by the authoritative world and the server-side
// prediction shadow
const (
	playerRadius     = 0.5
	pickupRadius     = 0.5
	enemyRadius      = 0.5
	jumpSpeed        = 5.0
	velocityLerp     = 0.3
	playerFullHealth = 100.0
)

// World is one room's authoritative simulation. The tick critical section is
// CPU-only under the exclusive lock; inputs are staged before the tick and
// snapshots published after.
type World struct {
	mu sync.RWMutex

	roomID   string
	mode     GameMode
	mapCfg   *MapConfig
	tickRate int
	dt       float64
	gravity  float64
	friction float64

	tick     uint64
	nextID   EntityID
	entities map[EntityID]*Entity
	order    []EntityID // ascending id iteration for determinism

	players      map[string]EntityID
	spawnCounter int

	buffers   map[string]*inputBuffer
	bufferCap int
	validator *Validator

	modeState ModeState
	removed   []EntityID

	faultHook func() // fault injection point, runs at tick start when set
	faulted   bool
}

// NewWorld creates a world for one room on the given map
func NewWorld(roomID string, mode GameMode, mapCfg *MapConfig) *World {
	w := &World{
		roomID:    roomID,
		mode:      mode,
		mapCfg:    mapCfg,
		tickRate:  config.GetTickRate(),
		gravity:   config.GetGravity(),
		friction:  config.GetFriction(),
		nextID:    1,
		entities:  make(map[EntityID]*Entity),
		players:   make(map[string]EntityID),
		buffers:   make(map[string]*inputBuffer),
		bufferCap: config.GetInputBufferCap(),
		validator: NewValidator(),
	}
	w.dt = 1.0 / float64(w.tickRate)

	w.populateFromMap()
	return w
}

// populateFromMap spawns the static layout: pickups, obstacles, enemies
func (w *World) populateFromMap() {
	for _, p := range w.mapCfg.Pickups {
		e := w.spawn(RolePickup)
		e.Position = p.Position
		e.Value = p.Value
	}
	for _, o := range w.mapCfg.Obstacles {
		e := w.spawn(RoleObstacle)
		e.Position = o.Position
		e.HalfExtents = o.HalfExtents
		e.Static = true
	}
	for _, m := range w.mapCfg.Enemies {
		e := w.spawn(RoleEnemy)
		e.Position = m.Position
		e.Damage = w.mapCfg.ContactDamage
	}
}

// spawn allocates the next id and registers the entity. Caller holds the
// lock (or the world is not yet shared).
func (w *World) spawn(role Role) *Entity {
	e := &Entity{
		ID:       w.nextID,
		Rotation: IdentityQuat,
		Role:     role,
	}
	w.nextID++
	w.entities[e.ID] = e
	w.insertOrdered(e.ID)
	return e
}

// insertOrdered keeps w.order sorted ascending
func (w *World) insertOrdered(id EntityID) {
	idx := sort.Search(len(w.order), func(i int) bool { return w.order[i] >= id })
	w.order = append(w.order, 0)
	copy(w.order[idx+1:], w.order[idx:])
	w.order[idx] = id
}

// despawn frees an entity id; ids are never reused
func (w *World) despawn(id EntityID) {
	if _, ok := w.entities[id]; !ok {
		return
	}
	delete(w.entities, id)
	idx := sort.Search(len(w.order), func(i int) bool { return w.order[i] >= id })
	if idx < len(w.order) && w.order[idx] == id {
		w.order = append(w.order[:idx], w.order[idx+1:]...)
	}
	w.removed = append(w.removed, id)
}

// AddPlayer spawns a player entity at the next map spawn slot with zero
// velocity. Re-adding a present player is a no-op returning the existing id.
func (w *World) AddPlayer(playerID, team string) EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.players[playerID]; ok {
		return id
	}

	e := w.spawn(RolePlayer)
	e.Position = w.mapCfg.SpawnPointFor(w.spawnCounter)
	e.Grounded = e.Position[1] <= 0
	e.PlayerID = playerID
	e.Team = team
	e.Health = playerFullHealth
	w.spawnCounter++

	w.players[playerID] = e.ID
	w.buffers[playerID] = newInputBuffer(w.bufferCap)

	logging.Debug("player spawned", map[string]interface{}{
		"room":      w.roomID,
		"player_id": playerID,
		"entity_id": e.ID,
	})
	return e.ID
}

// RemovePlayer despawns the player's entity and drops its buffers
func (w *World) RemovePlayer(playerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.players[playerID]
	if !ok {
		return
	}
	w.despawn(id)
	delete(w.players, playerID)
	delete(w.buffers, playerID)
	w.validator.Forget(playerID)
}

// SubmitInput validates and stages one input frame for the next tick
func (w *World) SubmitInput(in PlayerInput) error {
	if err := w.validator.Validate(in); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.buffers[in.PlayerID]
	if !ok {
		return errs.Newf(errs.KindRoomStateInvalid, "player %s not in room", in.PlayerID)
	}
	buf.push(in)
	return nil
}

// SetFaultHook installs a fault injection point invoked at the start of each
// tick. Used by failure-path tests and drills; nil disables it.
func (w *World) SetFaultHook(hook func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faultHook = hook
}

// Tick advances the simulation by one fixed step and returns the resulting
// snapshot along with the inputs processed this tick. A panic inside the
// tick is recovered and surfaced as a SimulationFault; the world is marked
// faulted and stops advancing.
func (w *World) Tick() (snap Snapshot, processed []PlayerInput, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.faulted {
		return Snapshot{}, nil, errs.Newf(errs.KindSimulationFault, "world %s is faulted", w.roomID)
	}

	defer func() {
		if r := recover(); r != nil {
			w.faulted = true
			err = errs.Newf(errs.KindSimulationFault, "tick panic in room %s: %v", w.roomID, r).
				WithSeverity(errs.SeverityHigh)
			logging.Error("simulation tick panic", map[string]interface{}{
				"room":  w.roomID,
				"tick":  w.tick,
				"panic": r,
			})
		}
	}()

	if w.faultHook != nil {
		w.faultHook()
	}

	w.removed = w.removed[:0]

	// 1. Drain one input per player, players in deterministic order
	processed = w.applyInputs()

	// 2. Integrate physics
	w.integrate()

	// 3. Resolve collisions
	w.resolveCollisions()

	// 4. Game mode rules
	w.advanceMode()

	// 5. Emit snapshot, then advance the tick counter
	w.tick++
	snap = w.snapshotLocked()

	metrics.TicksTotal.Inc()
	return snap, processed, nil
}

// applyInputs pops at most one buffered input per player, in sorted player
// order so float work never depends on map iteration
func (w *World) applyInputs() []PlayerInput {
	ids := make([]string, 0, len(w.buffers))
	for playerID := range w.buffers {
		ids = append(ids, playerID)
	}
	sort.Strings(ids)

	var processed []PlayerInput
	for _, playerID := range ids {
		in, ok := w.buffers[playerID].pop()
		if !ok {
			continue
		}
		entityID, ok := w.players[playerID]
		if !ok {
			continue
		}
		w.applyInput(w.entities[entityID], in)
		processed = append(processed, in)
	}
	return processed
}

// applyInput folds one input frame into the player entity
func (w *World) applyInput(e *Entity, in PlayerInput) {
	// Horizontal velocity eases toward the commanded movement vector
	e.Velocity[0] = e.Velocity[0]*(1-velocityLerp) + in.Movement[0]*velocityLerp
	e.Velocity[2] = e.Velocity[2]*(1-velocityLerp) + in.Movement[2]*velocityLerp

	if in.Actions&ActionJump != 0 && e.Grounded {
		e.Velocity[1] = jumpSpeed
		e.Grounded = false
	}
}

// integrate runs the physics step over every dynamic entity
func (w *World) integrate() {
	for _, id := range w.order {
		e := w.entities[id]
		if e.Static {
			continue
		}

		if !e.Grounded {
			e.Velocity[1] += w.gravity * w.dt
		}

		e.Position = e.Position.Add(e.Velocity.Scale(w.dt))

		// Ground plane
		if e.Position[1] <= 0 {
			e.Position[1] = 0
			if e.Velocity[1] < 0 {
				e.Velocity[1] = 0
			}
			e.Grounded = true
		} else {
			e.Grounded = false
		}

		// Friction on horizontal components while in contact
		if e.Grounded {
			e.Velocity[0] *= w.friction
			e.Velocity[2] *= w.friction
		}

		w.clampToBounds(e)
	}
}

// clampToBounds keeps entities inside the map AABB, zeroing velocity into
// the wall
func (w *World) clampToBounds(e *Entity) {
	for i := 0; i < 3; i++ {
		if e.Position[i] < w.mapCfg.Bounds.Min[i] {
			e.Position[i] = w.mapCfg.Bounds.Min[i]
			if e.Velocity[i] < 0 {
				e.Velocity[i] = 0
			}
		}
		if e.Position[i] > w.mapCfg.Bounds.Max[i] {
			e.Position[i] = w.mapCfg.Bounds.Max[i]
			if e.Velocity[i] > 0 {
				e.Velocity[i] = 0
			}
		}
	}
}

// resolveCollisions runs step 3: pickups award and despawn, obstacles zero
// the contact-normal velocity component, enemies apply the map's damage
func (w *World) resolveCollisions() {
	// Snapshot the order; pickup despawn mutates w.order
	ids := make([]EntityID, len(w.order))
	copy(ids, w.order)

	for _, id := range ids {
		player, ok := w.entities[id]
		if !ok || player.Role != RolePlayer {
			continue
		}

		for _, otherID := range ids {
			if otherID == id {
				continue
			}
			other, ok := w.entities[otherID]
			if !ok {
				continue
			}

			switch other.Role {
			case RolePickup, RolePowerUp:
				if player.Position.DistanceTo(other.Position) <= playerRadius+pickupRadius {
					player.Score += other.Value
					w.despawn(other.ID)
				}

			case RoleObstacle:
				w.resolveObstacle(player, other)

			case RoleEnemy:
				if other.Damage > 0 &&
					player.Position.DistanceTo(other.Position) <= playerRadius+enemyRadius {
					player.Health -= other.Damage
					if player.Health <= 0 {
						w.respawnPlayer(player)
					}
				}
			}
		}
	}
}

// resolveObstacle pushes a player sphere out of an AABB and zeroes the
// velocity component along the contact normal
func (w *World) resolveObstacle(player, box *Entity) {
	// Closest point on the AABB to the player center
	var closest Vec3
	for i := 0; i < 3; i++ {
		min := box.Position[i] - box.HalfExtents[i]
		max := box.Position[i] + box.HalfExtents[i]
		closest[i] = math.Max(min, math.Min(player.Position[i], max))
	}

	delta := player.Position.Sub(closest)
	dist := delta.Length()
	if dist >= playerRadius || dist == 0 {
		return
	}

	normal := delta.Normalized()
	penetration := playerRadius - dist
	player.Position = player.Position.Add(normal.Scale(penetration))

	// Zero the velocity component into the surface
	vn := player.Velocity.Dot(normal)
	if vn < 0 {
		player.Velocity = player.Velocity.Sub(normal.Scale(vn))
	}
}

// respawnPlayer returns a dead player to a spawn slot with zero velocity
func (w *World) respawnPlayer(player *Entity) {
	player.Position = w.mapCfg.SpawnPointFor(w.spawnCounter)
	w.spawnCounter++
	player.Velocity = Vec3{}
	player.Health = playerFullHealth
	player.Grounded = player.Position[1] <= 0
}

// snapshotLocked copies the entity set in id order; caller holds the lock
func (w *World) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tick:     w.tick,
		Entities: make([]EntityState, 0, len(w.order)),
	}
	for _, id := range w.order {
		snap.Entities = append(snap.Entities, w.entities[id].state())
	}
	if len(w.removed) > 0 {
		snap.Removed = append([]EntityID(nil), w.removed...)
	}
	return snap
}

// Snapshot returns a copy of the current world state under the shared lock
func (w *World) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

// CurrentTick returns the current tick counter
func (w *World) CurrentTick() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tick
}

// Mode returns the active game mode
func (w *World) Mode() GameMode {
	return w.mode
}

// ModeStatus returns a copy of the win-condition progress
func (w *World) ModeStatus() ModeState {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := w.modeState
	if w.modeState.TeamScores != nil {
		status.TeamScores = make(map[string]int, len(w.modeState.TeamScores))
		for k, v := range w.modeState.TeamScores {
			status.TeamScores[k] = v
		}
	}
	return status
}

// PlayerScore reads one player's score
func (w *World) PlayerScore(playerID string) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	id, ok := w.players[playerID]
	if !ok {
		return 0, false
	}
	return w.entities[id].Score, true
}

// Faulted reports whether the world hit an unrecoverable tick fault
func (w *World) Faulted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.faulted
}

// Validator exposes the room's input validator for ingress checks
func (w *World) Validator() *Validator {
	return w.validator
}
