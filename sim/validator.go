package sim

import (
	"sync"
	"time"

	"arena1/config"
	"arena1/errs"
)

// Timestamp acceptance window relative to server wall clock
const (
	maxTimestampAge  = 5 * time.Second
	maxTimestampSkew = 1 * time.Second
)

// Validator rejects malformed, out-of-range, out-of-order, and rate-abusive
// inputs before they reach the simulation. One validator serves a room; it is
// also the ingress de-duplicator, since a repeated sequence fails the
// monotonicity check.
type Validator struct {
	mu          sync.Mutex
	lastSeq     map[string]uint32
	rateWindows map[string][]time.Time
	maxPerSec   int
	now         func() time.Time
}

// NewValidator creates a validator with the configured per-player rate cap
func NewValidator() *Validator {
	return &Validator{
		lastSeq:     make(map[string]uint32),
		rateWindows: make(map[string][]time.Time),
		maxPerSec:   config.GetMaxInputsPerSec(),
		now:         time.Now,
	}
}

// Validate checks one input frame. A nil return admits the frame; otherwise
// the typed error names the rejection reason.
func (v *Validator) Validate(in PlayerInput) error {
	if in.PlayerID == "" {
		return errs.New(errs.KindInputInvalid, "missing player id")
	}
	if in.InputSequence == 0 {
		return errs.New(errs.KindInputInvalid, "input sequence must start at 1")
	}

	// Movement bounds
	for i := 0; i < 3; i++ {
		if in.Movement[i] > MaxMovementComponent || in.Movement[i] < -MaxMovementComponent {
			return errs.Newf(errs.KindInputInvalid, "movement component %d out of range", i).
				WithData("value", in.Movement[i])
		}
	}

	// Unknown action flags
	if in.Actions&^KnownActionMask != 0 {
		return errs.New(errs.KindInputInvalid, "unknown action flags").
			WithData("actions", in.Actions)
	}

	now := v.now()

	// Timestamp window
	ts := time.UnixMilli(int64(in.Timestamp))
	if ts.Before(now.Add(-maxTimestampAge)) {
		return errs.New(errs.KindInputInvalid, "timestamp too old")
	}
	if ts.After(now.Add(maxTimestampSkew)) {
		return errs.New(errs.KindInputInvalid, "timestamp in the future")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Sequence monotonicity - covers duplicates and reordering
	if last, ok := v.lastSeq[in.PlayerID]; ok && in.InputSequence <= last {
		return errs.Newf(errs.KindInputInvalid, "stale input sequence %d (last accepted %d)",
			in.InputSequence, last)
	}

	// Per-player rate cap over a one second window
	window := v.rateWindows[in.PlayerID]
	cutoff := now.Add(-time.Second)
	trimmed := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	if len(trimmed) >= v.maxPerSec {
		v.rateWindows[in.PlayerID] = trimmed
		return errs.New(errs.KindRateLimited, "input rate abuse").
			WithData("player_id", in.PlayerID).
			WithData("max_per_sec", v.maxPerSec)
	}
	v.rateWindows[in.PlayerID] = append(trimmed, now)

	v.lastSeq[in.PlayerID] = in.InputSequence
	return nil
}

// Forget drops a player's validator state on leave
func (v *Validator) Forget(playerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastSeq, playerID)
	delete(v.rateWindows, playerID)
}

// LastAccepted returns the last admitted sequence for a player
func (v *Validator) LastAccepted(playerID string) uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeq[playerID]
}
