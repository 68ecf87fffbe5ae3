package apikey

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for development and tests.
type MemStore struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{keys: make(map[string]*Key)}
}

func (s *MemStore) Create(_ context.Context, k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("apikey: key %s already exists", k.ID)
	}
	s.keys[k.ID] = copyKey(k)
	return nil
}

func (s *MemStore) Find(_ context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

func (s *MemStore) ListActive(_ context.Context, now time.Time) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Key
	for _, k := range s.keys {
		if k.Active && !k.Revoked() && !k.Expired(now) {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListForUser(_ context.Context, userID, projectID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Key
	for _, k := range s.keys {
		if k.UserID != userID {
			continue
		}
		if projectID != "" && k.ProjectID != projectID {
			continue
		}
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsedAt = at
	}
	return nil
}

func (s *MemStore) MarkRevoked(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.RevokedAt = at
	k.Active = false
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func copyKey(k *Key) *Key {
	cp := *k
	cp.Scopes = append([]Scope(nil), k.Scopes...)
	return &cp
}
