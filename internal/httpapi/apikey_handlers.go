package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/audit"
)

type createKeyRequest struct {
	TenantID   string   `json:"tenant_id"`
	ProjectID  string   `json:"project_id"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	ExpiresInS int64    `json:"expires_in_seconds,omitempty"`
}

type keyResponse struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	ProjectID  string     `json:"project_id"`
	Name       string     `json:"name"`
	Display    string     `json:"display"`
	Scopes     []string   `json:"scopes"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func toKeyResponse(k *apikey.Key) keyResponse {
	scopes := make([]string, len(k.Scopes))
	for i, s := range k.Scopes {
		scopes[i] = string(s)
	}
	resp := keyResponse{
		ID:        k.ID,
		TenantID:  k.TenantID,
		ProjectID: k.ProjectID,
		Name:      k.Name,
		Display:   k.Display,
		Scopes:    scopes,
		Active:    k.Active && !k.Revoked(),
		CreatedAt: k.CreatedAt,
	}
	if !k.ExpiresAt.IsZero() {
		t := k.ExpiresAt
		resp.ExpiresAt = &t
	}
	if !k.LastUsedAt.IsZero() {
		t := k.LastUsedAt
		resp.LastUsedAt = &t
	}
	return resp
}

func (a *API) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleAPIKeyCreate(w, r)
	case http.MethodGet:
		a.handleAPIKeyList(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scopes := make([]apikey.Scope, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		scope, err := apikey.ParseScope(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scopes = append(scopes, scope)
	}
	var ttl time.Duration
	if req.ExpiresInS > 0 {
		ttl = time.Duration(req.ExpiresInS) * time.Second
	}
	key, secret, err := a.keys.CreateKey(r.Context(), p.UserID, req.TenantID, req.ProjectID, req.Name, scopes, ttl)
	if err != nil {
		handleKeyError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.created", map[string]any{
		"key_id":     key.ID,
		"project_id": key.ProjectID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/api-keys/%s", key.ID))
	writeJSON(w, http.StatusCreated, map[string]any{
		"key": toKeyResponse(key),
		// The full secret appears exactly once, in this response.
		"secret": secret,
	})
}

func (a *API) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	keys, err := a.keys.ListKeys(r.Context(), p.UserID, r.URL.Query().Get("project_id"))
	if err != nil {
		handleKeyError(w, r, err)
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/api-keys/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.handleAPIKeyDelete(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.handleAPIKeyRevoke(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request, keyID string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := a.keys.RevokeKey(r.Context(), keyID, p.UserID); err != nil {
		handleKeyError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.revoked", map[string]any{"key_id": keyID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAPIKeyDelete(w http.ResponseWriter, r *http.Request, keyID string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := a.keys.DeleteKey(r.Context(), keyID, p.UserID); err != nil {
		handleKeyError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "apikey.deleted", map[string]any{"key_id": keyID})
	w.WriteHeader(http.StatusNoContent)
}

func handleKeyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apikey.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, apikey.ErrInvalidKey):
		writeError(w, r, http.StatusUnauthorized, "invalid api key")
	case errors.Is(err, apikey.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, apikey.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "api key operation failed")
	}
}
