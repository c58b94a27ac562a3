// Package auth provides the public authentication handlers: register,
// login, and logout (token revocation).
package auth

import (
	"encoding/json"
	"net/http"

	authPkg "arena1/auth"
	"arena1/errs"
	"arena1/logging"
)

type Handler struct {
	manager *authPkg.Manager
}

func NewHandler(manager *authPkg.Manager) *Handler {
	return &Handler{manager: manager}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles POST /api/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	userID, token, err := h.manager.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"user_id": userID,
		"token":   token,
	})
}

// Login handles POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInputInvalid, "malformed request body", err))
		return
	}

	userID, token, err := h.manager.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user_id": userID,
		"token":   token,
	})
}

// Logout handles POST /api/auth/logout - revokes the presented token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := authPkg.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthFailed, "no authenticated session"))
		return
	}

	if err := h.manager.Revoke(r.Context(), claims); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"kind":    string(errs.KindOf(err)),
		"error":   err.Error(),
	})
}
