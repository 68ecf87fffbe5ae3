package access

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/auth"
	"ragforge.dev/internal/project"
)

type fakeDecoder struct {
	claims map[string]*auth.AccessClaims
}

func (d *fakeDecoder) DecodeAccessToken(token string) (*auth.AccessClaims, error) {
	c, ok := d.claims[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return c, nil
}

type fakeValidator struct {
	keys map[string]*apikey.Key
}

func (v *fakeValidator) ValidateKey(_ context.Context, secret string) (*apikey.Key, error) {
	k, ok := v.keys[secret]
	if !ok {
		return nil, apikey.ErrInvalidKey
	}
	return k, nil
}

type fakeRoles struct {
	roles map[string]project.Role // userID+"/"+tenantID+"/"+projectID
}

func (r *fakeRoles) CheckAccess(_ context.Context, userID, tenantID, projectID string) (project.Role, error) {
	role, ok := r.roles[userID+"/"+tenantID+"/"+projectID]
	if !ok {
		return "", project.ErrNotFound
	}
	return role, nil
}

func newTestResolver(t *testing.T) (*Resolver, *fakeRoles) {
	t.Helper()
	decoder := &fakeDecoder{claims: map[string]*auth.AccessClaims{
		"good-jwt": {
			Email:            "alice@example.com",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
		},
	}}
	validator := &fakeValidator{keys: map[string]*apikey.Key{
		"rag_querykey": {
			ID: "k1", TenantID: "acme", ProjectID: "proj1", UserID: "alice",
			Scopes: []apikey.Scope{apikey.ScopeQuery},
		},
		"rag_adminkey": {
			ID: "k2", TenantID: "acme", ProjectID: "proj1", UserID: "alice",
			Scopes: []apikey.Scope{apikey.ScopeAdmin},
		},
	}}
	roles := &fakeRoles{roles: map[string]project.Role{
		"alice/acme/proj1": project.RoleOwner,
	}}
	r, err := NewResolver(decoder, validator, roles)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r, roles
}

func TestResolvePrincipalRoutesByShape(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.ResolvePrincipal(ctx, "good-jwt")
	if err != nil {
		t.Fatalf("jwt resolve: %v", err)
	}
	if p.Kind != KindUser || p.UserID != "alice" || p.Email != "alice@example.com" {
		t.Fatalf("principal = %+v", p)
	}

	p, err = r.ResolvePrincipal(ctx, "rag_querykey")
	if err != nil {
		t.Fatalf("key resolve: %v", err)
	}
	if p.Kind != KindAPIKey || p.TenantID != "acme" || p.ProjectID != "proj1" || p.KeyID != "k1" {
		t.Fatalf("principal = %+v", p)
	}

	for _, bad := range []string{"", "not-a-jwt", "rag_unknown"} {
		if _, err := r.ResolvePrincipal(ctx, bad); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("ResolvePrincipal(%q) err = %v, want ErrUnauthorized", bad, err)
		}
	}
}

func TestAPIKeyBindingIsFixed(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	p, err := r.ResolvePrincipal(ctx, "rag_adminkey")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Even the admin scope never crosses the key's project boundary.
	if _, err := r.CheckProjectAccess(ctx, p, "acme", "other"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-project err = %v, want ErrForbidden", err)
	}
	if _, err := r.CheckProjectAccess(ctx, p, "other", "proj1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-tenant err = %v, want ErrForbidden", err)
	}
	if _, err := r.CheckProjectAccess(ctx, p, "acme", "proj1"); err != nil {
		t.Fatalf("bound project err = %v", err)
	}
}

func TestAdminScopeSatisfiesRoleRequirements(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	admin, _ := r.ResolvePrincipal(ctx, "rag_adminkey")
	if _, err := r.CheckProjectAccess(ctx, admin, "acme", "proj1", project.RoleOwner); err != nil {
		t.Fatalf("admin scope err = %v", err)
	}

	query, _ := r.ResolvePrincipal(ctx, "rag_querykey")
	if _, err := r.CheckProjectAccess(ctx, query, "acme", "proj1", project.RoleOwner); !errors.Is(err, ErrForbidden) {
		t.Fatalf("query scope against role gate err = %v, want ErrForbidden", err)
	}
	if _, err := r.CheckProjectAccess(ctx, query, "acme", "proj1"); err != nil {
		t.Fatalf("ungated err = %v", err)
	}
}

func TestUserRoleIsResolvedPerRequest(t *testing.T) {
	r, roles := newTestResolver(t)
	ctx := context.Background()

	p, _ := r.ResolvePrincipal(ctx, "good-jwt")
	role, err := r.CheckProjectAccess(ctx, p, "acme", "proj1")
	if err != nil || role != project.RoleOwner {
		t.Fatalf("role = %q err = %v, want owner", role, err)
	}
	if _, err := r.CheckProjectAccess(ctx, p, "acme", "proj1", project.RoleOwner, project.RoleAdmin); err != nil {
		t.Fatalf("role gate err = %v", err)
	}

	// Removing the membership revokes access with the same principal.
	delete(roles.roles, "alice/acme/proj1")
	if _, err := r.CheckProjectAccess(ctx, p, "acme", "proj1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("after removal err = %v, want ErrForbidden", err)
	}
}

func TestRequireScope(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	user, _ := r.ResolvePrincipal(ctx, "good-jwt")
	if err := r.RequireScope(user, apikey.ScopeDelete); err != nil {
		t.Fatalf("user principal err = %v", err)
	}

	query, _ := r.ResolvePrincipal(ctx, "rag_querykey")
	if err := r.RequireScope(query, apikey.ScopeQuery); err != nil {
		t.Fatalf("granted scope err = %v", err)
	}
	if err := r.RequireScope(query, apikey.ScopeInsert); !errors.Is(err, ErrForbidden) {
		t.Fatalf("missing scope err = %v, want ErrForbidden", err)
	}

	admin, _ := r.ResolvePrincipal(ctx, "rag_adminkey")
	if err := r.RequireScope(admin, apikey.ScopeDelete); err != nil {
		t.Fatalf("admin scope err = %v", err)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context must not carry a principal")
	}
	p := &Principal{Kind: KindUser, UserID: "alice"}
	ctx = WithPrincipal(ctx, p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "alice" {
		t.Fatalf("principal = %+v ok = %v", got, ok)
	}
}
