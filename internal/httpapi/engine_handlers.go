package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ragforge.dev/internal/access"
	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/audit"
	"ragforge.dev/internal/instance"
)

type queryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

type insertRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// engineAccess authorizes the caller for an engine endpoint: principal,
// scope, project access. Runs before the request body is read so a caller
// the gate rejects learns nothing about body validation.
func (a *API) engineAccess(w http.ResponseWriter, r *http.Request, tenantID, projectID string, scope apikey.Scope) bool {
	principal, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if err := a.resolver.RequireScope(principal, scope); err != nil {
		handleAccessError(w, r, err)
		return false
	}
	if _, err := a.resolver.CheckProjectAccess(r.Context(), principal, tenantID, projectID); err != nil {
		handleAccessError(w, r, err)
		return false
	}
	return true
}

// engineHandle fetches the project's pooled instance for an already
// authorized request.
func (a *API) engineHandle(w http.ResponseWriter, r *http.Request, tenantID, projectID string) (instance.Handle, bool) {
	h, err := a.cache.Get(r.Context(), tenantID, projectID)
	if err != nil {
		handleInstanceError(w, r, err)
		return nil, false
	}
	return h, true
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.engineAccess(w, r, tenantID, projectID, apikey.ScopeQuery) {
		return
	}
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	h, ok := a.engineHandle(w, r, tenantID, projectID)
	if !ok {
		return
	}
	answer, err := a.engine.Query(r.Context(), h, req.Query, req.Mode)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "engine query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer": answer,
		"mode":   req.Mode,
	})
}

func (a *API) handleInsert(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.engineAccess(w, r, tenantID, projectID, apikey.ScopeInsert) {
		return
	}
	var req insertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}
	h, ok := a.engineHandle(w, r, tenantID, projectID)
	if !ok {
		return
	}
	docID, err := a.engine.Insert(r.Context(), h, req.Text, req.Source)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "engine insert failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "engine.document_inserted", map[string]any{
		"tenant_id":  tenantID,
		"project_id": projectID,
		"doc_id":     docID,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"doc_id": docID})
}

func (a *API) handleDocumentDelete(w http.ResponseWriter, r *http.Request, tenantID, projectID, docID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.engineAccess(w, r, tenantID, projectID, apikey.ScopeDelete) {
		return
	}
	h, ok := a.engineHandle(w, r, tenantID, projectID)
	if !ok {
		return
	}
	if err := a.engine.Delete(r.Context(), h, docID); err != nil {
		writeError(w, r, http.StatusBadGateway, "engine delete failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "engine.document_deleted", map[string]any{
		"tenant_id":  tenantID,
		"project_id": projectID,
		"doc_id":     docID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func handleInstanceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, instance.ErrConfigMissing):
		writeError(w, r, http.StatusPreconditionFailed, "project has no provider configuration")
	case errors.Is(err, instance.ErrShutdown):
		writeError(w, r, http.StatusServiceUnavailable, "service is shutting down")
	default:
		writeError(w, r, http.StatusBadGateway, "engine instance unavailable")
	}
}
