// Package auth issues and validates the bearer tokens guarding the control
// plane and data plane. Account records are held in memory only; the
// record-store collaborator, when present, backs the token blacklist, which
// is consulted through a TTL lookaside cache.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"arena1/config"
	"arena1/database"
	"arena1/errs"
	"arena1/logging"
)

// Claims is the token payload. Subject carries the opaque player id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// account is the in-memory fallback user record
type account struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Manager validates and issues tokens
type Manager struct {
	secret        []byte
	tokenLifetime time.Duration
	store         *database.Store

	mu       sync.RWMutex
	accounts map[string]*account // by username

	// blacklistCache fronts the record-store blacklist; entries expire with
	// the configured TTL so revocations propagate without hot queries
	blacklistCache *cache.Cache
}

// NewManager creates a manager. Accounts always live in memory; store backs
// only the token blacklist and may be nil, in which case blacklisting is
// process-local.
func NewManager(store *database.Store) *Manager {
	ttl := config.GetBlacklistTTL()
	return &Manager{
		secret:         []byte(config.GetJWTSecret()),
		tokenLifetime:  config.GetTokenLifetime(),
		store:          store,
		accounts:       make(map[string]*account),
		blacklistCache: cache.New(ttl, ttl/2),
	}
}

// Register creates an account and returns its token
func (m *Manager) Register(ctx context.Context, username, password string) (string, string, error) {
	if username == "" || len(password) < 8 {
		return "", "", errs.New(errs.KindInputInvalid, "username and 8+ character password required")
	}

	m.mu.Lock()
	if _, exists := m.accounts[username]; exists {
		m.mu.Unlock()
		return "", "", errs.New(errs.KindAuthFailed, "username already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		m.mu.Unlock()
		return "", "", errs.Wrap(errs.KindConfigInvalid, "password hash failed", err)
	}

	acct := &account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	m.accounts[username] = acct
	m.mu.Unlock()

	logging.Info("account registered", map[string]interface{}{
		"user_id":  acct.ID,
		"username": username,
	})

	token, err := m.IssueToken(acct.ID, username)
	return acct.ID, token, err
}

// Login verifies credentials and returns a fresh token
func (m *Manager) Login(ctx context.Context, username, password string) (string, string, error) {
	m.mu.RLock()
	acct, ok := m.accounts[username]
	m.mu.RUnlock()

	if !ok {
		return "", "", errs.New(errs.KindAuthFailed, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return "", "", errs.New(errs.KindAuthFailed, "invalid credentials")
	}

	token, err := m.IssueToken(acct.ID, username)
	return acct.ID, token, err
}

// IssueToken signs a token for an externally-authenticated identity
func (m *Manager) IssueToken(subject, name string) (string, error) {
	if len(m.secret) == 0 {
		return "", errs.New(errs.KindConfigInvalid, "JWT secret not configured")
	}

	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenLifetime)),
			Issuer:    "arena1",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindAuthFailed, "token signing failed", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies one bearer token
func (m *Manager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errs.New(errs.KindConfigInvalid, "JWT secret not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.KindAuthFailed, "unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.New(errs.KindAuthFailed, "invalid or expired token")
	}

	if m.isBlacklisted(ctx, claims.ID) {
		return nil, errs.New(errs.KindAuthFailed, "token revoked")
	}

	return claims, nil
}

// Revoke blacklists one token until its natural expiry
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	expiry := time.Now().Add(m.tokenLifetime)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	m.blacklistCache.Set(claims.ID, true, time.Until(expiry))

	if m.store != nil {
		if err := m.store.BlacklistToken(ctx, claims.ID, expiry); err != nil {
			return errs.Wrap(errs.KindCollaboratorDown, "blacklist write failed", err)
		}
	}
	return nil
}

// isBlacklisted checks the lookaside cache first, then the record store
func (m *Manager) isBlacklisted(ctx context.Context, tokenID string) bool {
	if tokenID == "" {
		return false
	}
	if _, found := m.blacklistCache.Get(tokenID); found {
		return true
	}
	if m.store != nil {
		blacklisted, err := m.store.IsTokenBlacklisted(ctx, tokenID)
		if err == nil && blacklisted {
			m.blacklistCache.Set(tokenID, true, cache.DefaultExpiration)
			return true
		}
	}
	return false
}

// ValidateRequest extracts and validates the bearer token from an HTTP
// request (Authorization header or access_token query parameter)
func (m *Manager) ValidateRequest(r *http.Request) (*Claims, error) {
	token := extractToken(r)
	if token == "" {
		return nil, errs.New(errs.KindAuthFailed, "authorization token required")
	}
	return m.ValidateToken(r.Context(), token)
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("access_token")
}
