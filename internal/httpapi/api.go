// Package httpapi is the HTTP/JSON surface of the RagForge control plane.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"ragforge.dev/internal/access"
	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/auth"
	"ragforge.dev/internal/instance"
	"ragforge.dev/internal/obs"
	"ragforge.dev/internal/project"
	"ragforge.dev/internal/provider"
)

// ReadyProbe is a readiness check, typically a DB ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Engine runs queries and ingestion against a pooled instance handle.
type Engine interface {
	Query(ctx context.Context, h instance.Handle, query, mode string) (string, error)
	Insert(ctx context.Context, h instance.Handle, text, source string) (string, error)
	Delete(ctx context.Context, h instance.Handle, docID string) error
}

// Services bundles the domain services the API fronts.
type Services struct {
	Auth      *auth.Service
	Projects  *project.Service
	Keys      *apikey.Service
	Providers *provider.Service
	Resolver  *access.Resolver
	Cache     *instance.Cache
	Engine    Engine
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth      *auth.Service
	projects  *project.Service
	keys      *apikey.Service
	providers *provider.Service
	resolver  *access.Resolver
	cache     *instance.Cache
	engine    Engine
}

func New(rp ReadyProbe, version string, svcs Services) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		auth:       svcs.Auth,
		projects:   svcs.Projects,
		keys:       svcs.Keys,
		providers:  svcs.Providers,
		resolver:   svcs.Resolver,
		cache:      svcs.Cache,
		engine:     svcs.Engine,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/password-reset/request", a.handlePasswordResetRequest)
	a.mux.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// api keys
	a.mux.HandleFunc("/v1/api-keys", a.handleAPIKeys)
	a.mux.HandleFunc("/v1/api-keys/", a.handleAPIKeyResource)

	// tenants, projects and everything nested under them
	a.mux.HandleFunc("/v1/tenants", a.handleTenants)
	a.mux.HandleFunc("/v1/tenants/", a.handleTenantScoped)

	// invitations addressed by token
	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationResource)

	// provider configs addressed by id
	a.mux.HandleFunc("/v1/provider-configs/", a.handleProviderConfigResource)

	// instance diagnostics
	a.mux.HandleFunc("/v1/instances/stats", a.handleInstanceStats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware stack around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ragforge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "ragforge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handleInstanceStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	st := a.cache.Stats()
	// Per-entry identifiers are only listed for projects the caller can
	// reach; the aggregate counters are not tenant-scoped.
	entries := make([]map[string]any, 0, len(st.Entries))
	for _, e := range st.Entries {
		if p.Kind == access.KindAPIKey {
			if e.TenantID != p.TenantID || e.ProjectID != p.ProjectID {
				continue
			}
		} else if _, err := a.projects.CheckAccess(r.Context(), p.UserID, e.TenantID, e.ProjectID); err != nil {
			continue
		}
		entries = append(entries, map[string]any{
			"tenant_id":   e.TenantID,
			"project_id":  e.ProjectID,
			"last_access": e.LastAccess.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":      st.Active,
		"max":         st.Max,
		"ttl_seconds": int(st.TTL.Seconds()),
		"instances":   entries,
	})
}
