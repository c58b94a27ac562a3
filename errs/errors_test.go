package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsCarryDefaultSeverities(t *testing.T) {
	assert.Equal(t, SeverityLow, New(KindRateLimited, "x").Severity)
	assert.Equal(t, SeverityHigh, New(KindAuthFailed, "x").Severity)
	assert.Equal(t, SeverityCritical, New(KindCollaboratorDown, "x").Severity)
	assert.Equal(t, SeverityCritical, New(KindConfigInvalid, "x").Severity)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindTransportFault, "rpc failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rpc failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindRoomFull, "full")
	outer := fmt.Errorf("while joining: %w", inner)

	assert.Equal(t, KindRoomFull, KindOf(outer))
	assert.True(t, IsKind(outer, KindRoomFull))
	assert.False(t, IsKind(outer, KindRoomNotFound))

	// Untyped errors land in the transport bucket
	assert.Equal(t, KindTransportFault, KindOf(errors.New("mystery")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInputInvalid:     http.StatusBadRequest,
		KindRateLimited:      http.StatusTooManyRequests,
		KindAuthFailed:       http.StatusUnauthorized,
		KindRoomNotFound:     http.StatusNotFound,
		KindRoomFull:         http.StatusConflict,
		KindTimeout:          http.StatusGatewayTimeout,
		KindCollaboratorDown: http.StatusServiceUnavailable,
		KindSimulationFault:  http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(New(kind, "x")), "kind %s", kind)
	}
}

func TestHandlerCountsByKindAndSeverity(t *testing.T) {
	h := NewHandler()

	h.Handle(New(KindRateLimited, "a"), nil)
	h.Handle(New(KindRateLimited, "b"), nil)
	h.Handle(New(KindAuthFailed, "c"), nil)

	stats := h.Statistics()
	assert.Equal(t, uint64(3), stats.Total)
	assert.Equal(t, uint64(2), stats.ByKind[KindRateLimited])
	assert.Equal(t, uint64(1), stats.ByKind[KindAuthFailed])
	assert.Equal(t, uint64(2), stats.BySeverity[SeverityLow])
	assert.Equal(t, uint64(1), stats.BySeverity[SeverityHigh])
}

func TestRetryStrategyRecovers(t *testing.T) {
	h := NewHandler()

	attempts := 0
	action, err := h.Handle(New(KindTransportFault, "flaky"), func() error {
		attempts++
		if attempts < 2 {
			return New(KindTransportFault, "still flaky")
		}
		return nil
	})

	assert.Equal(t, ActionRetried, action)
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryStrategyGivesUp(t *testing.T) {
	strategy := &RetryStrategy{MaxRetries: 3, BaseDelay: 0, MaxDelay: 0}

	attempts := 0
	action, err := strategy.Recover(New(KindTimeout, "slow"), func() error {
		attempts++
		return New(KindTimeout, "still slow")
	})

	assert.Equal(t, ActionRetried, action)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDegradationStrategies(t *testing.T) {
	h := NewHandler()

	action, _ := h.Handle(New(KindSimulationFault, "bad player state"), nil)
	assert.Equal(t, ActionResetClientState, action)

	action, _ = h.Handle(New(KindEncodingFault, "delta mismatch"), nil)
	assert.Equal(t, ActionForceFullSnapshot, action)

	action, _ = h.Handle(New(KindRoomFull, "no strategy registered"), nil)
	assert.Equal(t, ActionNone, action)
}

func TestWithDataAndSeverityOverride(t *testing.T) {
	err := New(KindRateLimited, "slow down").
		WithData("retry_after_ms", int64(200)).
		WithSeverity(SeverityMedium)

	assert.Equal(t, SeverityMedium, err.Severity)
	assert.Equal(t, int64(200), err.Data["retry_after_ms"])
	assert.Equal(t, SeverityMedium, SeverityOf(err))
}
