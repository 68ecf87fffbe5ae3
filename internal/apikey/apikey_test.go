package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ragforge.dev/internal/project"
)

type fakeAccess struct {
	roles map[string]project.Role // userID+"/"+projectID -> role
}

func (a *fakeAccess) CheckAccess(_ context.Context, userID, _, projectID string) (project.Role, error) {
	role, ok := a.roles[userID+"/"+projectID]
	if !ok {
		return "", project.ErrNotFound
	}
	return role, nil
}

func newTestService(t *testing.T, clock *time.Time) *Service {
	t.Helper()
	access := &fakeAccess{roles: map[string]project.Role{
		"alice/proj1": project.RoleOwner,
		"bob/proj1":   project.RoleViewer,
	}}
	svc, err := NewService(NewMemStore(), access, WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestCreateAndValidateKey(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	key, secret, err := svc.CreateKey(ctx, "alice", "acme", "proj1", "ci key", []Scope{ScopeQuery, ScopeInsert}, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !strings.HasPrefix(secret, KeyPrefix) {
		t.Fatalf("secret = %q, want %s prefix", secret, KeyPrefix)
	}
	if len(secret) != len(KeyPrefix)+43 {
		t.Fatalf("secret length = %d, want %d", len(secret), len(KeyPrefix)+43)
	}
	if key.Display != secret[:12]+"..." {
		t.Fatalf("display = %q, want first 12 chars of secret", key.Display)
	}
	if key.KeyHash == secret || key.KeyHash == "" {
		t.Fatal("key hash must not be the plaintext secret")
	}

	clock = clock.Add(time.Minute)
	got, err := svc.ValidateKey(ctx, secret)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.ID != key.ID || got.TenantID != "acme" || got.ProjectID != "proj1" {
		t.Fatalf("validated key = %+v", got)
	}
	if !got.LastUsedAt.Equal(clock) {
		t.Fatalf("last used = %v, want %v", got.LastUsedAt, clock)
	}
}

func TestValidateRejectsNonKeyShapes(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	for _, input := range []string{"", "eyJhbGciOiJIUzI1NiJ9.x.y", "bearer rag"} {
		if _, err := svc.ValidateKey(ctx, input); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q) err = %v, want ErrInvalidKey", input, err)
		}
	}
}

func TestValidateRejectsRevokedAndExpired(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	revoked, revokedSecret, err := svc.CreateKey(ctx, "alice", "acme", "proj1", "old", []Scope{ScopeQuery}, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := svc.RevokeKey(ctx, revoked.ID, "alice"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := svc.ValidateKey(ctx, revokedSecret); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("revoked key err = %v, want ErrInvalidKey", err)
	}

	_, expiringSecret, err := svc.CreateKey(ctx, "alice", "acme", "proj1", "short", []Scope{ScopeQuery}, time.Hour)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := svc.ValidateKey(ctx, expiringSecret); err != nil {
		t.Fatalf("fresh key: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := svc.ValidateKey(ctx, expiringSecret); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expired key err = %v, want ErrInvalidKey", err)
	}
}

func TestCreateKeyRequiresMembership(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	if _, _, err := svc.CreateKey(ctx, "mallory", "acme", "proj1", "nope", []Scope{ScopeQuery}, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRevokeAndDeleteAreOwnershipGated(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	key, _, err := svc.CreateKey(ctx, "alice", "acme", "proj1", "mine", []Scope{ScopeQuery}, 0)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := svc.RevokeKey(ctx, key.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-user revoke err = %v, want ErrForbidden", err)
	}
	if err := svc.DeleteKey(ctx, key.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-user delete err = %v, want ErrForbidden", err)
	}
	if err := svc.DeleteKey(ctx, key.ID, "alice"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := svc.ListKeys(ctx, "alice", "proj1"); err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
}

func TestListKeysHidesHashes(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &clock)
	ctx := context.Background()

	if _, _, err := svc.CreateKey(ctx, "alice", "acme", "proj1", "a", []Scope{ScopeQuery}, 0); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	keys, err := svc.ListKeys(ctx, "alice", "")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}
	if keys[0].KeyHash != "" {
		t.Fatal("listing must not expose key hashes")
	}
	if !strings.HasSuffix(keys[0].Display, "...") {
		t.Fatalf("display = %q, want trailing ellipsis", keys[0].Display)
	}
}

func TestHasScope(t *testing.T) {
	cases := []struct {
		granted  []Scope
		required Scope
		want     bool
	}{
		{[]Scope{ScopeQuery}, ScopeQuery, true},
		{[]Scope{ScopeQuery}, ScopeInsert, false},
		{[]Scope{ScopeAdmin}, ScopeDelete, true},
		{[]Scope{ScopeInsert, ScopeDelete}, ScopeQuery, false},
		{nil, ScopeQuery, false},
	}
	for _, tc := range cases {
		if got := HasScope(tc.granted, tc.required); got != tc.want {
			t.Errorf("HasScope(%v, %s) = %v, want %v", tc.granted, tc.required, got, tc.want)
		}
	}
}
