package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/errs"
)

func validInput(player string, seq uint32, now time.Time) PlayerInput {
	return PlayerInput{
		PlayerID:      player,
		InputSequence: seq,
		Movement:      Vec3{1, 0, 0},
		Timestamp:     uint64(now.UnixMilli()),
	}
}

func TestValidatorAcceptsSequentialInputs(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	for seq := uint32(1); seq <= 5; seq++ {
		err := v.Validate(validInput("p1", seq, now))
		require.NoError(t, err, "sequence %d should be accepted", seq)
	}
	assert.Equal(t, uint32(5), v.LastAccepted("p1"))
}

func TestValidatorRejectsStaleAndDuplicateSequences(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	require.NoError(t, v.Validate(validInput("p1", 10, now)))

	// Duplicate
	err := v.Validate(validInput("p1", 10, now))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInputInvalid))

	// Out of order
	err = v.Validate(validInput("p1", 9, now))
	require.Error(t, err)

	// Gaps are tolerated
	assert.NoError(t, v.Validate(validInput("p1", 20, now)))
}

func TestValidatorSequencesAreIndependentPerPlayer(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	require.NoError(t, v.Validate(validInput("p1", 5, now)))
	assert.NoError(t, v.Validate(validInput("p2", 1, now)))
}

func TestValidatorRejectsMovementOutOfRange(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	in := validInput("p1", 1, now)
	in.Movement = Vec3{10.5, 0, 0}
	err := v.Validate(in)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInputInvalid))

	in = validInput("p1", 1, now)
	in.Movement = Vec3{0, -11, 0}
	assert.Error(t, v.Validate(in))

	// Boundary values are allowed
	in = validInput("p1", 1, now)
	in.Movement = Vec3{10, -10, 10}
	assert.NoError(t, v.Validate(in))
}

func TestValidatorRejectsUnknownActionFlags(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	in := validInput("p1", 1, now)
	in.Actions = KnownActionMask
	require.NoError(t, v.Validate(in))

	in = validInput("p1", 2, now)
	in.Actions = 1 << 30
	err := v.Validate(in)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInputInvalid))
}

func TestValidatorTimestampWindow(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	cases := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"fresh", now, true},
		{"old within window", now.Add(-4 * time.Second), true},
		{"too old", now.Add(-6 * time.Second), false},
		{"slight skew", now.Add(500 * time.Millisecond), true},
		{"future", now.Add(2 * time.Second), false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput("p1", uint32(i+1), now)
			in.Timestamp = uint64(tc.ts.UnixMilli())
			err := v.Validate(in)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatorRateAbuse(t *testing.T) {
	v := NewValidator()
	v.maxPerSec = 10
	now := time.Now()
	v.now = func() time.Time { return now }

	for seq := uint32(1); seq <= 10; seq++ {
		require.NoError(t, v.Validate(validInput("p1", seq, now)))
	}

	err := v.Validate(validInput("p1", 11, now))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRateLimited))

	// The window slides: a second later the player is admitted again
	later := now.Add(1100 * time.Millisecond)
	v.now = func() time.Time { return later }
	in := validInput("p1", 12, later)
	assert.NoError(t, v.Validate(in))
}

func TestValidatorForget(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	require.NoError(t, v.Validate(validInput("p1", 50, now)))
	v.Forget("p1")

	// Sequence tracking restarts after forget
	assert.NoError(t, v.Validate(validInput("p1", 1, now)))
}
