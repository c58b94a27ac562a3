package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena1/config"
	"arena1/errs"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	prev := config.Config
	c := &config.Arena1Config{}
	c.Auth.JWTSecret = "test-secret-for-suite"
	c.Auth.TokenLifetime = time.Hour
	c.Auth.BlacklistTTL = time.Hour
	config.Config = c
	t.Cleanup(func() { config.Config = prev })
	return NewManager(nil)
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	userID, token, err := m.Register(ctx, "alice", "correct-horse-battery")
	require.NoError(t, err)
	require.NotEmpty(t, userID)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.Subject)
	assert.Equal(t, "alice", claims.Name)

	loginID, loginToken, err := m.Login(ctx, "alice", "correct-horse-battery")
	require.NoError(t, err)
	assert.Equal(t, userID, loginID)
	assert.NotEmpty(t, loginToken)
}

func TestRegisterValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, _, err := m.Register(ctx, "", "longenoughpassword")
	assert.Error(t, err)

	_, _, err = m.Register(ctx, "bob", "short")
	assert.Error(t, err)

	_, _, err = m.Register(ctx, "carol", "longenoughpassword")
	require.NoError(t, err)
	_, _, err = m.Register(ctx, "carol", "longenoughpassword")
	assert.Error(t, err, "duplicate username rejected")
}

func TestLoginWrongPassword(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, _, err := m.Register(ctx, "dave", "longenoughpassword")
	require.NoError(t, err)

	_, _, err = m.Login(ctx, "dave", "wrong-password")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthFailed))

	_, _, err = m.Login(ctx, "nobody", "whatever-it-is")
	assert.Error(t, err)
}

func TestValidateRejectsGarbageAndForeignTokens(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.ValidateToken(ctx, "not-a-token")
	assert.Error(t, err)

	// A token signed under a different secret fails verification
	other := NewManager(nil)
	other.secret = []byte("some-other-secret")
	foreign, err := other.IssueToken("eve", "Eve")
	require.NoError(t, err)

	_, err = m.ValidateToken(ctx, foreign)
	assert.Error(t, err)
}

func TestRevokedTokenRejected(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.Register(ctx, "frank", "longenoughpassword")
	require.NoError(t, err)

	claims, err := m.ValidateToken(ctx, token)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, claims))

	_, err = m.ValidateToken(ctx, token)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthFailed))
}

func TestValidateRequestSources(t *testing.T) {
	m := testManager(t)

	_, token, err := m.Register(context.Background(), "grace", "longenoughpassword")
	require.NoError(t, err)

	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/rooms", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		claims, err := m.ValidateRequest(r)
		require.NoError(t, err)
		assert.Equal(t, "grace", claims.Name)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?access_token="+token, nil)
		_, err := m.ValidateRequest(r)
		assert.NoError(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/rooms", nil)
		_, err := m.ValidateRequest(r)
		assert.Error(t, err)
	})
}

func TestMissingSecretIsConfigError(t *testing.T) {
	prev := config.Config
	config.Config = &config.Arena1Config{}
	t.Cleanup(func() { config.Config = prev })

	m := NewManager(nil)
	_, err := m.IssueToken("x", "X")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfigInvalid))
}
