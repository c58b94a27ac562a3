package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/config"
	"arena1/errs"
)

func testConfig(t *testing.T, endpoints map[string]config.EndpointLimit) {
	t.Helper()
	prev := config.Config
	config.Config = &config.Arena1Config{
		RateLimit: config.RateLimitConfig{
			Shards:    4,
			Endpoints: endpoints,
			Default: config.EndpointLimit{
				BurstCapacity: 100,
				RefillRate:    10,
				Window:        time.Minute,
				WindowMax:     600,
			},
		},
	}
	t.Cleanup(func() { config.Config = prev })
}

func rejectionLayer(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	typed, ok := err.(*errs.Error)
	require.True(t, ok)
	layer, _ := typed.Data["layer"].(string)
	return layer
}

func TestBurstLayerBoundary(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{
		"/api/game/input": {
			BurstCapacity: 200,
			RefillRate:    166.67,
			Window:        6 * time.Second,
			WindowMax:     1000,
		},
	})

	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	// Exactly C admissions in zero elapsed time at cold start
	for i := 0; i < 200; i++ {
		require.NoError(t, l.Check("/api/game/input", "10.0.0.1", ""), "admission %d", i+1)
	}

	// The (C+1)-th is burst limited
	err := l.Check("/api/game/input", "10.0.0.1", "")
	assert.Equal(t, LayerBurst, rejectionLayer(t, err))

	// After one refill period (6ms at R=166.67/s) exactly one further
	// admission is granted
	now = now.Add(6 * time.Millisecond)
	require.NoError(t, l.Check("/api/game/input", "10.0.0.1", ""))
	err = l.Check("/api/game/input", "10.0.0.1", "")
	assert.Equal(t, LayerBurst, rejectionLayer(t, err))
}

func TestSustainedLayerBoundary(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{
		"/api/game/input": {
			BurstCapacity: 5000,
			RefillRate:    100000, // burst layer never trips
			Window:        6 * time.Second,
			WindowMax:     1000,
		},
	})

	l := NewLimiter()
	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	// 1000 requests spread over the 6 second window
	for i := 0; i < 1000; i++ {
		now = base.Add(time.Duration(i) * 5 * time.Millisecond)
		require.NoError(t, l.Check("/api/game/input", "10.0.0.1", ""), "admission %d", i+1)
	}

	// The 1001st inside the window is sustained limited
	now = base.Add(5 * time.Second)
	err := l.Check("/api/game/input", "10.0.0.1", "")
	assert.Equal(t, LayerSustained, rejectionLayer(t, err))

	// Once the window slides past the oldest entries, admission resumes
	now = base.Add(6*time.Second + 100*time.Millisecond)
	assert.NoError(t, l.Check("/api/game/input", "10.0.0.1", ""))
}

func TestKeysAreIndependent(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{
		"/api/rooms": {
			BurstCapacity: 2,
			RefillRate:    1,
			Window:        time.Minute,
			WindowMax:     100,
		},
	})

	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Check("/api/rooms", "10.0.0.1", ""))
	require.NoError(t, l.Check("/api/rooms", "10.0.0.1", ""))
	require.Error(t, l.Check("/api/rooms", "10.0.0.1", ""))

	// A different IP has its own bucket
	assert.NoError(t, l.Check("/api/rooms", "10.0.0.2", ""))
}

func TestUserLayerSkippedForAnonymous(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{
		"/api/rooms": {
			BurstCapacity: 3,
			RefillRate:    1,
			Window:        time.Minute,
			WindowMax:     100,
		},
	})

	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	// An authenticated user consumes both the IP and the user bucket
	require.NoError(t, l.Check("/api/rooms", "10.0.0.1", "alice"))
	require.NoError(t, l.Check("/api/rooms", "10.0.0.2", "alice"))
	require.NoError(t, l.Check("/api/rooms", "10.0.0.3", "alice"))

	// The user bucket is exhausted regardless of IP
	err := l.Check("/api/rooms", "10.0.0.4", "alice")
	require.Error(t, err)

	// Anonymous requests from a fresh IP only face the IP layer
	assert.NoError(t, l.Check("/api/rooms", "10.0.0.5", ""))
}

func TestUnlistedEndpointUsesDefaultTuple(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{})

	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check("/api/something", "10.0.0.1", ""))
	}
	assert.Error(t, l.Check("/api/something", "10.0.0.1", ""))
}

func TestRejectionCarriesRetryAfter(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{
		"/api/rooms": {
			BurstCapacity: 1,
			RefillRate:    5,
			Window:        time.Minute,
			WindowMax:     100,
		},
	})

	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Check("/api/rooms", "10.0.0.1", ""))
	err := l.Check("/api/rooms", "10.0.0.1", "")
	require.Error(t, err)

	typed := err.(*errs.Error)
	retryMs, ok := typed.Data["retry_after_ms"].(int64)
	require.True(t, ok)
	assert.Equal(t, int64(200), retryMs, "1/R at R=5 is 200ms")
}

func TestSweepDropsIdleState(t *testing.T) {
	testConfig(t, map[string]config.EndpointLimit{})

	l := NewLimiter()
	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	require.NoError(t, l.Check("/api/x", "10.0.0.1", ""))

	now = base.Add(10 * time.Minute)
	l.Sweep(5 * time.Minute)

	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	assert.Zero(t, total)
}
