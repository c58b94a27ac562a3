package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"arena1/logging"
)

type contextKey string

const (
	// ClaimsContextKey holds the validated *Claims on authenticated requests
	ClaimsContextKey contextKey = "claims"
)

type Middleware struct {
	manager *Manager
}

func NewMiddleware(manager *Manager) *Middleware {
	return &Middleware{manager: manager}
}

// AuthRequired rejects requests without a valid bearer token
func (m *Middleware) AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.manager.ValidateRequest(r)
		if err != nil {
			logging.Warn("token validation failed", map[string]interface{}{
				"error": err.Error(),
				"ip":    r.RemoteAddr,
			})
			m.respondWithError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthOptional attaches claims when a valid token is present but admits
// anonymous requests
func (m *Middleware) AuthOptional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := m.manager.ValidateRequest(r); err == nil {
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	json.NewEncoder(w).Encode(response)
}

// ClaimsFromContext reads the validated claims off a request context
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

// UserIDFromRequest returns the authenticated subject or "" for anonymous
// requests; used as the rate limiter's user key
func UserIDFromRequest(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}
