package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ragforge.dev/internal/audit"
	"ragforge.dev/internal/provider"
)

type providerConfigRequest struct {
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	APIKey         string            `json:"api_key,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	MakeDefault    bool              `json:"make_default,omitempty"`
}

type providerConfigResponse struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	ProjectID      string            `json:"project_id"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	BaseURL        string            `json:"base_url,omitempty"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	IsDefault      bool              `json:"is_default"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// API keys never round-trip through config responses.
func toProviderConfigResponse(c *provider.Config) providerConfigResponse {
	return providerConfigResponse{
		ID:             c.ID,
		TenantID:       c.TenantID,
		ProjectID:      c.ProjectID,
		Provider:       c.Provider,
		Model:          c.Model,
		BaseURL:        c.BaseURL,
		EmbeddingModel: c.EmbeddingModel,
		Options:        c.Options,
		IsDefault:      c.IsDefault,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (a *API) handleProviderConfigs(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req providerConfigRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		cfg, err := a.providers.CreateConfig(r.Context(), p.UserID, &provider.Config{
			TenantID:       tenantID,
			ProjectID:      projectID,
			Provider:       req.Provider,
			Model:          req.Model,
			APIKey:         req.APIKey,
			BaseURL:        req.BaseURL,
			EmbeddingModel: req.EmbeddingModel,
			Options:        req.Options,
		}, req.MakeDefault)
		if err != nil {
			handleProviderError(w, r, err)
			return
		}
		// A fresh default config invalidates any pooled instance built from
		// the previous one.
		a.cache.Remove(r.Context(), tenantID, projectID)
		_ = audit.LogEvent(r.Context(), "provider.config_created", map[string]any{
			"project_id": projectID,
			"config_id":  cfg.ID,
			"provider":   cfg.Provider,
		})
		writeJSON(w, http.StatusCreated, toProviderConfigResponse(cfg))
	case http.MethodGet:
		configs, err := a.providers.ListConfigs(r.Context(), p.UserID, tenantID, projectID)
		if err != nil {
			handleProviderError(w, r, err)
			return
		}
		out := make([]providerConfigResponse, 0, len(configs))
		for _, c := range configs {
			out = append(out, toProviderConfigResponse(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"configs": out})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleProviderConfigResource routes /v1/provider-configs/{id}.
func (a *API) handleProviderConfigResource(w http.ResponseWriter, r *http.Request) {
	configID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/provider-configs/"), "/")
	if configID == "" || strings.Contains(configID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req providerConfigRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		err := a.providers.UpdateConfig(r.Context(), p.UserID, &provider.Config{
			ID:             configID,
			Provider:       req.Provider,
			Model:          req.Model,
			APIKey:         req.APIKey,
			BaseURL:        req.BaseURL,
			EmbeddingModel: req.EmbeddingModel,
			Options:        req.Options,
		}, req.MakeDefault)
		if err != nil {
			handleProviderError(w, r, err)
			return
		}
		a.invalidateForConfig(r, configID)
		_ = audit.LogEvent(r.Context(), "provider.config_updated", map[string]any{"config_id": configID})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		cfg, err := a.providers.DeleteConfig(r.Context(), p.UserID, configID)
		if err != nil {
			handleProviderError(w, r, err)
			return
		}
		a.cache.Remove(r.Context(), cfg.TenantID, cfg.ProjectID)
		_ = audit.LogEvent(r.Context(), "provider.config_deleted", map[string]any{"config_id": configID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

// invalidateForConfig drops the pooled instance of the project owning the
// config. Only called after an authorized write on that config succeeded;
// cache invalidation must never fire for a caller the write gate rejected.
func (a *API) invalidateForConfig(r *http.Request, configID string) {
	cfg, err := a.providers.GetConfigMeta(r.Context(), configID)
	if err != nil {
		return
	}
	a.cache.Remove(r.Context(), cfg.TenantID, cfg.ProjectID)
}

func handleProviderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, provider.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, provider.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "provider config operation failed")
	}
}
