// Package provider stores per-project LLM provider configuration. API keys
// are encrypted at rest with AES-GCM; Resolve returns them decrypted for the
// engine builder.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ragforge.dev/internal/ids"
	"ragforge.dev/internal/project"
)

var (
	ErrInvalidInput = errors.New("provider: invalid input")
	ErrNotFound     = errors.New("provider: not found")
	ErrForbidden    = errors.New("provider: forbidden")
)

// Config describes how to reach a project's LLM provider.
type Config struct {
	ID             string
	TenantID       string
	ProjectID      string
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	Options        map[string]string
	IsDefault      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists provider configs. Implementations receive and return the
// API key encrypted; the Service handles the cipher.
type Store interface {
	Create(ctx context.Context, c *Config) error
	Find(ctx context.Context, id string) (*Config, error)
	// FindDefault returns the project's default config.
	FindDefault(ctx context.Context, tenantID, projectID string) (*Config, error)
	ListForProject(ctx context.Context, tenantID, projectID string) ([]*Config, error)
	Update(ctx context.Context, c *Config) error
	Delete(ctx context.Context, id string) error
	// ClearDefault drops the default flag from every config of the project.
	ClearDefault(ctx context.Context, tenantID, projectID string) error
}

// MembershipChecker resolves a user's role in a project. Satisfied by
// *project.Service.
type MembershipChecker interface {
	CheckAccess(ctx context.Context, userID, tenantID, projectID string) (project.Role, error)
}

// Service manages provider configs with membership-gated writes.
type Service struct {
	store  Store
	cipher *Cipher
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
func NewService(store Store, cipher *Cipher, access MembershipChecker, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("provider: store is required")
	}
	if cipher == nil {
		return nil, errors.New("provider: cipher is required")
	}
	if access == nil {
		return nil, errors.New("provider: membership checker is required")
	}
	svc := &Service{store: store, cipher: cipher, access: access, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Resolve returns the project's default config with the API key decrypted.
// A project without a default config yields ErrNotFound.
func (s *Service) Resolve(ctx context.Context, tenantID, projectID string) (*Config, error) {
	cfg, err := s.store.FindDefault(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("provider: decrypting api key for %s/%s: %w", tenantID, projectID, err)
	}
	cfg.APIKey = plain
	return cfg, nil
}

// CreateConfig stores a new config. The caller must hold an owner or admin
// membership. The first config of a project, or one created with makeDefault,
// becomes the default.
func (s *Service) CreateConfig(ctx context.Context, userID string, cfg *Config, makeDefault bool) (*Config, error) {
	if cfg == nil || strings.TrimSpace(cfg.Provider) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: provider and model are required", ErrInvalidInput)
	}
	if err := s.requireWriter(ctx, userID, cfg.TenantID, cfg.ProjectID); err != nil {
		return nil, err
	}

	existing, err := s.store.ListForProject(ctx, cfg.TenantID, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	makeDefault = makeDefault || len(existing) == 0

	enc, err := s.cipher.Encrypt(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	stored := *cfg
	stored.ID = ids.New()
	stored.APIKey = enc
	stored.IsDefault = makeDefault
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if makeDefault {
		if err := s.store.ClearDefault(ctx, cfg.TenantID, cfg.ProjectID); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, &stored); err != nil {
		return nil, err
	}
	out := stored
	out.APIKey = cfg.APIKey
	return &out, nil
}

// UpdateConfig replaces a config's mutable fields. Owner or admin only.
func (s *Service) UpdateConfig(ctx context.Context, userID string, cfg *Config, makeDefault bool) error {
	current, err := s.store.Find(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if err := s.requireWriter(ctx, userID, current.TenantID, current.ProjectID); err != nil {
		return err
	}

	updated := *current
	if cfg.Provider != "" {
		updated.Provider = cfg.Provider
	}
	if cfg.Model != "" {
		updated.Model = cfg.Model
	}
	if cfg.BaseURL != "" {
		updated.BaseURL = cfg.BaseURL
	}
	if cfg.EmbeddingModel != "" {
		updated.EmbeddingModel = cfg.EmbeddingModel
	}
	if cfg.Options != nil {
		updated.Options = cfg.Options
	}
	if cfg.APIKey != "" {
		enc, err := s.cipher.Encrypt(cfg.APIKey)
		if err != nil {
			return err
		}
		updated.APIKey = enc
	}
	if makeDefault && !updated.IsDefault {
		if err := s.store.ClearDefault(ctx, current.TenantID, current.ProjectID); err != nil {
			return err
		}
		updated.IsDefault = true
	}
	updated.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, &updated)
}

// ListConfigs returns the project's configs with API keys redacted. Any
// member may read.
func (s *Service) ListConfigs(ctx context.Context, userID, tenantID, projectID string) ([]*Config, error) {
	if _, err := s.access.CheckAccess(ctx, userID, tenantID, projectID); err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, fmt.Errorf("%w: not a member of project %s", ErrForbidden, projectID)
		}
		return nil, err
	}
	configs, err := s.store.ListForProject(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		c.APIKey = ""
	}
	return configs, nil
}

// GetConfigMeta loads a config with its API key stripped. Used by callers
// that only need the project binding.
func (s *Service) GetConfigMeta(ctx context.Context, configID string) (*Config, error) {
	cfg, err := s.store.Find(ctx, configID)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = ""
	return cfg, nil
}

// DeleteConfig removes a config and returns its metadata, API key stripped,
// so callers can invalidate state keyed by the project. Owner or admin only.
func (s *Service) DeleteConfig(ctx context.Context, userID, configID string) (*Config, error) {
	cfg, err := s.store.Find(ctx, configID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWriter(ctx, userID, cfg.TenantID, cfg.ProjectID); err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, configID); err != nil {
		return nil, err
	}
	cfg.APIKey = ""
	return cfg, nil
}

func (s *Service) requireWriter(ctx context.Context, userID, tenantID, projectID string) error {
	role, err := s.access.CheckAccess(ctx, userID, tenantID, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return fmt.Errorf("%w: not a member of project %s", ErrForbidden, projectID)
		}
		return err
	}
	if role != project.RoleOwner && role != project.RoleAdmin {
		return fmt.Errorf("%w: provider configuration requires owner or admin", ErrForbidden)
	}
	return nil
}
