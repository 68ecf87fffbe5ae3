package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for development and tests.
type MemStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{configs: make(map[string]*Config)}
}

func (s *MemStore) Create(_ context.Context, c *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[c.ID]; ok {
		return fmt.Errorf("provider: config %s already exists", c.ID)
	}
	s.configs[c.ID] = copyConfig(c)
	return nil
}

func (s *MemStore) Find(_ context.Context, id string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConfig(c), nil
}

func (s *MemStore) FindDefault(_ context.Context, tenantID, projectID string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.ProjectID == projectID && c.IsDefault {
			return copyConfig(c), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListForProject(_ context.Context, tenantID, projectID string) ([]*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Config
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.ProjectID == projectID {
			out = append(out, copyConfig(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Update(_ context.Context, c *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[c.ID]; !ok {
		return ErrNotFound
	}
	s.configs[c.ID] = copyConfig(c)
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

func (s *MemStore) ClearDefault(_ context.Context, tenantID, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.ProjectID == projectID {
			c.IsDefault = false
		}
	}
	return nil
}

func copyConfig(c *Config) *Config {
	cp := *c
	if c.Options != nil {
		cp.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}
