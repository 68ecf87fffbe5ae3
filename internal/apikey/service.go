package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ragforge.dev/internal/ids"
	"ragforge.dev/internal/obs"
	"ragforge.dev/internal/project"
)

// MembershipChecker resolves a user's role in a project. Satisfied by
// *project.Service.
type MembershipChecker interface {
	CheckAccess(ctx context.Context, userID, tenantID, projectID string) (project.Role, error)
}

// Service issues and validates project-scoped API keys.
type Service struct {
	store  Store
	access MembershipChecker
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, access MembershipChecker, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("apikey: store is required")
	}
	if access == nil {
		return nil, errors.New("apikey: membership checker is required")
	}
	svc := &Service{store: store, access: access, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateKey mints a new key bound to (tenantID, projectID). The caller must
// hold a membership in the project. The full secret is returned exactly once;
// only its bcrypt hash and display prefix are stored.
func (s *Service) CreateKey(ctx context.Context, userID, tenantID, projectID, name string, scopes []Scope, ttl time.Duration) (*Key, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: key name is required", ErrInvalidInput)
	}
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	if _, err := s.access.CheckAccess(ctx, userID, tenantID, projectID); err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: not a member of project %s", ErrForbidden, projectID)
		}
		return nil, "", err
	}

	secret, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	key := &Key{
		ID:        ids.New(),
		TenantID:  tenantID,
		ProjectID: projectID,
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		Display:   secret[:displayPrefixLen] + "...",
		Scopes:    append([]Scope(nil), scopes...),
		Active:    true,
		CreatedAt: now,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// ValidateKey checks a presented secret against the active key set and
// returns the matching key. The shape check rejects non-key inputs before
// any store access. Matching scans active keys and compares bcrypt hashes;
// this is linear in the number of live keys.
func (s *Service) ValidateKey(ctx context.Context, secret string) (*Key, error) {
	if !strings.HasPrefix(secret, KeyPrefix) {
		obs.AuthFailure("api_key")
		return nil, ErrInvalidKey
	}
	now := s.now().UTC()
	keys, err := s.store.ListActive(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(secret)) == nil {
			if err := s.store.TouchLastUsed(ctx, k.ID, now); err != nil {
				obs.Warn("api key last_used update failed", map[string]any{
					"key_id": k.ID, "error": err.Error(),
				})
			}
			k.LastUsedAt = now
			return k, nil
		}
	}
	obs.AuthFailure("api_key")
	return nil, ErrInvalidKey
}

// ListKeys returns key metadata for the user, optionally filtered to one
// project. Hashes are cleared before return.
func (s *Service) ListKeys(ctx context.Context, userID, projectID string) ([]*Key, error) {
	keys, err := s.store.ListForUser(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		k.KeyHash = ""
	}
	return keys, nil
}

// RevokeKey soft-revokes a key. Only its creator may revoke it.
func (s *Service) RevokeKey(ctx context.Context, keyID, userID string) error {
	key, err := s.store.Find(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return fmt.Errorf("%w: key belongs to a different user", ErrForbidden)
	}
	if key.Revoked() {
		return nil
	}
	return s.store.MarkRevoked(ctx, keyID, s.now().UTC())
}

// DeleteKey removes a key permanently. Only its creator may delete it.
func (s *Service) DeleteKey(ctx context.Context, keyID, userID string) error {
	key, err := s.store.Find(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return fmt.Errorf("%w: key belongs to a different user", ErrForbidden)
	}
	return s.store.Delete(ctx, keyID)
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
