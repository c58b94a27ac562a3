package snapshot

import (
	"encoding/json"
	"sort"
	"sync"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/sim"
)

// Message types on the state channel
const (
	TypeFullState  = "full_state"
	TypeDeltaState = "delta_state"
)

// Message is one encoded snapshot addressed to a single subscriber
type Message struct {
	Type     string         `json:"type"`
	Tick     uint64         `json:"tick"`
	BaseTick uint64         `json:"base_tick,omitempty"`
	Entities []QEntity      `json:"entities,omitempty"`
	Changes  []EntityChange `json:"changes,omitempty"`
	Removed  []sim.EntityID `json:"removed,omitempty"`
}

// EntityChange carries one entity's changed fields relative to the base.
// New entities carry the full quantized state with all field bits set.
type EntityChange struct {
	EntityID sim.EntityID `json:"entity_id"`
	Fields   uint8        `json:"fields"`
	Pos      *[3]int32    `json:"pos,omitempty"`
	Rot      *uint32      `json:"rot,omitempty"`
	Vel      *[3]int16    `json:"vel,omitempty"`
	State    *QEntity     `json:"state,omitempty"` // full state for newly visible entities
	Score    *int32       `json:"score,omitempty"`
	Health   *int32       `json:"health,omitempty"`
}

// subscriber tracks one client's encoding state: AOI membership, sent
// snapshot baselines awaiting acknowledgement, and full-snapshot pacing
type subscriber struct {
	playerID  string
	spectator bool

	inAOI map[sim.EntityID]bool

	// sent maps tick -> quantized visible set, retained until acknowledged
	sent       map[uint64]map[sim.EntityID]QEntity
	sentOrder  []uint64
	ackedTick  uint64
	hasAcked   bool
	forceFull  bool
	lastFull   uint64
	hasFull    bool
	chainBytes int
}

// Encoder produces per-subscriber snapshot messages for one room
type Encoder struct {
	mu sync.Mutex

	fullInterval uint64
	aoiRadius    float64
	hysteresis   float64
	chainBudget  int
	sentHistory  int

	subs map[string]*subscriber
}

// NewEncoder creates an encoder with the configured pacing and AOI tuning
func NewEncoder() *Encoder {
	return &Encoder{
		fullInterval: uint64(config.GetFullInterval()),
		aoiRadius:    config.GetAOIRadius(),
		hysteresis:   config.GetAOIHysteresis(),
		chainBudget:  config.GetDeltaChainMaxBytes(),
		sentHistory:  config.GetHistorySize(),
		subs:         make(map[string]*subscriber),
	}
}

// AddSubscriber registers a player subscriber; their first message is Full
func (e *Encoder) AddSubscriber(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[playerID] = &subscriber{
		playerID:  playerID,
		inAOI:     make(map[sim.EntityID]bool),
		sent:      make(map[uint64]map[sim.EntityID]QEntity),
		forceFull: true,
	}
}

// AddSpectator registers a spectator subscriber; spectators bypass AOI
func (e *Encoder) AddSpectator(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[id] = &subscriber{
		playerID:  id,
		spectator: true,
		inAOI:     make(map[sim.EntityID]bool),
		sent:      make(map[uint64]map[sim.EntityID]QEntity),
		forceFull: true,
	}
}

// RemoveSubscriber drops a subscriber's encoding state
func (e *Encoder) RemoveSubscriber(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

// Ack advances the subscriber's delta base to the acknowledged tick.
// Acks are idempotent and never move the base backwards.
func (e *Encoder) Ack(id string, tick uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[id]
	if !ok {
		return
	}
	if sub.hasAcked && tick <= sub.ackedTick {
		return
	}
	if _, known := sub.sent[tick]; !known {
		// The acked tick fell out of the retained window; the next update
		// must re-baseline with a full snapshot
		sub.forceFull = true
		return
	}
	sub.ackedTick = tick
	sub.hasAcked = true

	// Prune sent baselines older than the acknowledged tick
	kept := sub.sentOrder[:0]
	for _, t := range sub.sentOrder {
		if t < tick {
			delete(sub.sent, t)
			continue
		}
		kept = append(kept, t)
	}
	sub.sentOrder = kept
}

// ForceFull abandons a subscriber's delta chain; the next encode is Full.
// This is the EncodingFault recovery path.
func (e *Encoder) ForceFull(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		sub.forceFull = true
	}
}

// Encode produces the next message for one subscriber from the current
// world snapshot. The returned size is the encoded byte length used for
// bandwidth accounting.
func (e *Encoder) Encode(id string, snap sim.Snapshot) (*Message, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[id]
	if !ok {
		return nil, 0, errs.Newf(errs.KindEncodingFault, "unknown subscriber %s", id)
	}

	visible := e.visibleSet(sub, snap)

	wantFull := sub.forceFull ||
		!sub.hasAcked ||
		!sub.hasFull ||
		snap.Tick-sub.lastFull >= e.fullInterval ||
		sub.chainBytes > e.chainBudget

	var msg *Message
	if wantFull {
		msg = e.encodeFull(sub, snap.Tick, visible)
	} else {
		base, haveBase := sub.sent[sub.ackedTick]
		if !haveBase {
			msg = e.encodeFull(sub, snap.Tick, visible)
		} else {
			msg = e.encodeDelta(sub, snap.Tick, base, visible)
		}
	}

	// Retain what was sent as a future delta base candidate. Re-encoding
	// the same tick (input push racing the room loop) replaces in place.
	if _, seen := sub.sent[snap.Tick]; !seen {
		sub.sentOrder = append(sub.sentOrder, snap.Tick)
	}
	sub.sent[snap.Tick] = visible
	for len(sub.sentOrder) > e.sentHistory {
		oldest := sub.sentOrder[0]
		sub.sentOrder = sub.sentOrder[1:]
		delete(sub.sent, oldest)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindEncodingFault, "snapshot marshal failed", err)
	}
	size := len(encoded)

	if msg.Type == TypeFullState {
		sub.chainBytes = 0
		sub.lastFull = snap.Tick
		sub.hasFull = true
		sub.forceFull = false
		metrics.SnapshotBytes.WithLabelValues("full").Add(float64(size))
	} else {
		sub.chainBytes += size
		metrics.SnapshotBytes.WithLabelValues("delta").Add(float64(size))
	}

	logging.Trace("snapshot", "encoded snapshot", map[string]interface{}{
		"subscriber": id,
		"type":       msg.Type,
		"tick":       snap.Tick,
		"bytes":      size,
	})

	return msg, size, nil
}

// visibleSet applies the AOI filter for one subscriber and returns the
// quantized visible entities. Hysteresis keeps entities already in the set
// visible out to radius+band, so boundary crossings do not flicker.
func (e *Encoder) visibleSet(sub *subscriber, snap sim.Snapshot) map[sim.EntityID]QEntity {
	visible := make(map[sim.EntityID]QEntity, len(snap.Entities))

	if sub.spectator {
		// Spectators observe the whole room
		nextAOI := make(map[sim.EntityID]bool, len(snap.Entities))
		for _, es := range snap.Entities {
			visible[es.ID] = Quantize(es)
			nextAOI[es.ID] = true
		}
		sub.inAOI = nextAOI
		return visible
	}

	// Locate the subscriber's own entity for the AOI origin
	var origin sim.Vec3
	haveOrigin := false
	for i := range snap.Entities {
		if snap.Entities[i].Role == sim.RolePlayer && snap.Entities[i].PlayerID == sub.playerID {
			origin = snap.Entities[i].Position
			haveOrigin = true
			break
		}
	}

	nextAOI := make(map[sim.EntityID]bool, len(sub.inAOI))
	for _, es := range snap.Entities {
		include := false
		switch {
		case es.Global:
			include = true
		case es.Role == sim.RolePlayer && es.PlayerID == sub.playerID:
			include = true
		case !haveOrigin:
			// No own entity (e.g. between join and first tick): global view
			include = true
		default:
			dist := origin.DistanceTo(es.Position)
			if sub.inAOI[es.ID] {
				include = dist <= e.aoiRadius+e.hysteresis
			} else {
				include = dist <= e.aoiRadius
			}
		}
		if include {
			visible[es.ID] = Quantize(es)
			nextAOI[es.ID] = true
		}
	}
	sub.inAOI = nextAOI
	return visible
}

// encodeFull emits the complete visible set in ascending id order
func (e *Encoder) encodeFull(sub *subscriber, tick uint64, visible map[sim.EntityID]QEntity) *Message {
	msg := &Message{
		Type:     TypeFullState,
		Tick:     tick,
		Entities: make([]QEntity, 0, len(visible)),
	}
	for _, q := range sortedEntities(visible) {
		msg.Entities = append(msg.Entities, q)
	}
	return msg
}

// encodeDelta emits only entities whose quantized representation differs
// from the base. Entities newly visible carry full state; entities no longer
// visible (despawned or out of AOI) appear as tombstones.
func (e *Encoder) encodeDelta(sub *subscriber, tick uint64, base, visible map[sim.EntityID]QEntity) *Message {
	msg := &Message{
		Type:     TypeDeltaState,
		Tick:     tick,
		BaseTick: sub.ackedTick,
	}

	for _, current := range sortedEntities(visible) {
		prev, existed := base[current.ID]
		if !existed {
			// Newly visible: full state with every field bit set
			state := current
			msg.Changes = append(msg.Changes, EntityChange{
				EntityID: current.ID,
				Fields:   FieldPosition | FieldRotation | FieldVelocity | FieldGameplay,
				State:    &state,
			})
			continue
		}

		mask := diffFields(prev, current)
		if mask == 0 {
			continue
		}

		change := EntityChange{EntityID: current.ID, Fields: mask}
		if mask&FieldPosition != 0 {
			pos := current.Pos
			change.Pos = &pos
		}
		if mask&FieldRotation != 0 {
			rot := current.Rot
			change.Rot = &rot
		}
		if mask&FieldVelocity != 0 {
			vel := current.Vel
			change.Vel = &vel
		}
		if mask&FieldGameplay != 0 {
			score, health := current.Score, current.Health
			change.Score = &score
			change.Health = &health
		}
		msg.Changes = append(msg.Changes, change)
	}

	// Tombstones for entities in the base no longer visible
	for id := range base {
		if _, stillVisible := visible[id]; !stillVisible {
			msg.Removed = append(msg.Removed, id)
		}
	}
	sortEntityIDs(msg.Removed)

	return msg
}

// sortedEntities returns map values in ascending id order for deterministic
// wire output
func sortedEntities(m map[sim.EntityID]QEntity) []QEntity {
	ids := make([]sim.EntityID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortEntityIDs(ids)
	out := make([]QEntity, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func sortEntityIDs(ids []sim.EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
