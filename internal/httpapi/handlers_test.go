package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"ragforge.dev/internal/access"
	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/auth"
	"ragforge.dev/internal/instance"
	"ragforge.dev/internal/project"
	"ragforge.dev/internal/provider"
)

type testHandle struct {
	model string
}

func (h *testHandle) Resources() []instance.Resource { return nil }

type testEngine struct{}

func (testEngine) Query(_ context.Context, h instance.Handle, query, _ string) (string, error) {
	return "answer for " + query, nil
}

func (testEngine) Insert(context.Context, instance.Handle, string, string) (string, error) {
	return "doc-1", nil
}

func (testEngine) Delete(context.Context, instance.Handle, string) error { return nil }

type testEnv struct {
	handler http.Handler
	builds  atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	authSvc, err := auth.NewService(auth.NewMemStore(), "test-secret-0123456789")
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	projSvc, err := project.NewService(project.NewMemStore(), authSvc)
	if err != nil {
		t.Fatalf("project service: %v", err)
	}
	keySvc, err := apikey.NewService(apikey.NewMemStore(), projSvc)
	if err != nil {
		t.Fatalf("apikey service: %v", err)
	}
	cipher, err := provider.NewCipher(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	provSvc, err := provider.NewService(provider.NewMemStore(), cipher, projSvc)
	if err != nil {
		t.Fatalf("provider service: %v", err)
	}
	resolver, err := access.NewResolver(authSvc, keySvc, projSvc)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	cache, err := instance.New(provSvc, func(_ context.Context, cfg *provider.Config) (instance.Handle, error) {
		env.builds.Add(1)
		return &testHandle{model: cfg.Model}, nil
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	api := New(ReadyProbe{}, "test", Services{
		Auth:      authSvc,
		Projects:  projSvc,
		Keys:      keySvc,
		Providers: provSvc,
		Resolver:  resolver,
		Cache:     cache,
		Engine:    testEngine{},
	})
	env.handler = api.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:9999"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// signup registers and logs in a user, returning the access token.
func (e *testEnv) signup(t *testing.T, email, password string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": email, "password": password, "name": "Test User",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, rr.Code, rr.Body.String())
	}
	rr = e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": password,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	tokens := body["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func (e *testEnv) seedProject(t *testing.T, token string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/tenants", token, map[string]any{
		"id": "acme", "name": "Acme",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create tenant: %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(t, http.MethodPost, "/v1/tenants/acme/projects", token, map[string]any{
		"id": "proj1", "name": "Project One",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rr.Code, rr.Body.String())
	}
}

func (e *testEnv) seedProviderConfig(t *testing.T, token string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/provider-configs", token, map[string]any{
		"provider": "openai", "model": "gpt-4o", "api_key": "sk-test",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create provider config: %d %s", rr.Code, rr.Body.String())
	}
	return decodeBody(t, rr)["id"].(string)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	token := env.signup(t, "alice@example.com", "s3cretpass")

	rr := env.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["email"] != "alice@example.com" {
		t.Fatalf("me body = %v", body)
	}

	rr = env.do(t, http.MethodGet, "/v1/auth/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/auth/me", "bogus-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me with bogus token: %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "wrongpass",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/auth/login", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login: %d", rr.Code)
	}
	if rr.Header().Get("Allow") == "" {
		t.Fatal("expected Allow header")
	}
}

func TestQueryRequiresProviderConfig(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, token)

	rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", token, map[string]any{
		"query": "what is ragforge?",
	})
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("query without config: %d %s", rr.Code, rr.Body.String())
	}

	env.seedProviderConfig(t, token)
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", token, map[string]any{
		"query": "what is ragforge?",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("query: %d %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["answer"] != "answer for what is ragforge?" {
		t.Fatalf("answer = %v", body)
	}

	// The second query reuses the pooled instance.
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", token, map[string]any{
		"query": "again",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("second query: %d", rr.Code)
	}
	if n := env.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
}

func TestQueryDeniedWithoutMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, owner)
	env.seedProviderConfig(t, owner)

	outsider := env.signup(t, "mallory@example.com", "s3cretpass")
	rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", outsider, map[string]any{
		"query": "let me in",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider query: %d %s", rr.Code, rr.Body.String())
	}
}

func TestForbiddenConfigDeleteKeepsInstance(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, owner)
	configID := env.seedProviderConfig(t, owner)

	if rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", owner, map[string]any{
		"query": "warm up",
	}); rr.Code != http.StatusOK {
		t.Fatalf("query: %d", rr.Code)
	}
	if n := env.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}

	// A non-member's delete is rejected and must leave the pooled instance
	// untouched.
	outsider := env.signup(t, "mallory@example.com", "s3cretpass")
	rr := env.do(t, http.MethodDelete, "/v1/provider-configs/"+configID, outsider, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider delete: %d %s", rr.Code, rr.Body.String())
	}

	if rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", owner, map[string]any{
		"query": "still warm",
	}); rr.Code != http.StatusOK {
		t.Fatalf("query after forbidden delete: %d %s", rr.Code, rr.Body.String())
	}
	if n := env.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1 after forbidden delete", n)
	}

	// The owner's delete evicts the instance and queries need a config again.
	rr = env.do(t, http.MethodDelete, "/v1/provider-configs/"+configID, owner, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("owner delete: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", owner, map[string]any{
		"query": "after delete",
	})
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("query after owner delete: %d %s", rr.Code, rr.Body.String())
	}
}

func TestEngineAuthorizationPrecedesBodyValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, owner)
	env.seedProviderConfig(t, owner)

	badBody := map[string]any{"not_a_field": true}

	outsider := env.signup(t, "mallory@example.com", "s3cretpass")
	rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", outsider, badBody)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider with bad body: %d, want 403", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/insert", outsider, badBody)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("outsider insert with bad body: %d, want 403", rr.Code)
	}

	// The same body is a validation error once the caller is authorized.
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", owner, badBody)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("owner with bad body: %d, want 400", rr.Code)
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, token)
	env.seedProviderConfig(t, token)

	rr := env.do(t, http.MethodPost, "/v1/api-keys", token, map[string]any{
		"tenant_id": "acme", "project_id": "proj1",
		"name": "ci key", "scopes": []string{"query"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create key: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	secret := body["secret"].(string)
	keyID := body["key"].(map[string]any)["id"].(string)

	// The key works as a bearer credential for its granted scope.
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", secret, map[string]any{
		"query": "via key",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("query with key: %d %s", rr.Code, rr.Body.String())
	}

	// Insert needs the insert scope; this key only has query.
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/insert", secret, map[string]any{
		"text": "some document",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("insert with query key: %d %s", rr.Code, rr.Body.String())
	}

	// API keys cannot manage accounts or projects.
	rr = env.do(t, http.MethodGet, "/v1/auth/me", secret, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("me with key: %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, fmt.Sprintf("/v1/api-keys/%s/revoke", keyID), token, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", secret, map[string]any{
		"query": "after revoke",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("query with revoked key: %d", rr.Code)
	}
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, owner)

	rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/invitations", owner, map[string]any{
		"email": "bob@example.com", "role": "viewer",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("invite: %d %s", rr.Code, rr.Body.String())
	}
	invToken := decodeBody(t, rr)["token"].(string)

	bob := env.signup(t, "bob@example.com", "s3cretpass")
	rr = env.do(t, http.MethodPost, "/v1/invitations/"+invToken+"/accept", bob, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/tenants/acme/projects/proj1/members", bob, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("members: %d %s", rr.Code, rr.Body.String())
	}
	members := decodeBody(t, rr)["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}

	// A second accept hits the non-pending invitation.
	rr = env.do(t, http.MethodPost, "/v1/invitations/"+invToken+"/accept", bob, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second accept: %d", rr.Code)
	}
}

func TestInstanceStats(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "alice@example.com", "s3cretpass")
	env.seedProject(t, token)
	env.seedProviderConfig(t, token)

	if rr := env.do(t, http.MethodPost, "/v1/tenants/acme/projects/proj1/query", token, map[string]any{
		"query": "warm up",
	}); rr.Code != http.StatusOK {
		t.Fatalf("query: %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/v1/instances/stats", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["active"] != float64(1) {
		t.Fatalf("active = %v, want 1", body["active"])
	}
	if n := len(body["instances"].([]any)); n != 1 {
		t.Fatalf("instances = %d, want 1", n)
	}

	// A user with no membership sees the aggregate counters but no entry
	// identifiers from other tenants.
	outsider := env.signup(t, "mallory@example.com", "s3cretpass")
	rr = env.do(t, http.MethodGet, "/v1/instances/stats", outsider, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("outsider stats: %d %s", rr.Code, rr.Body.String())
	}
	body = decodeBody(t, rr)
	if body["active"] != float64(1) {
		t.Fatalf("outsider active = %v, want 1", body["active"])
	}
	if n := len(body["instances"].([]any)); n != 0 {
		t.Fatalf("outsider instances = %d, want 0", n)
	}
}
