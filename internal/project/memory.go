package project

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store for development and tests.
type MemStore struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant
	projects    map[string]*Project
	members     map[string]*Member // key projectID + "/" + userID
	invitations map[string]*Invitation
	byToken     map[string]string // invitation token -> id
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tenants:     make(map[string]*Tenant),
		projects:    make(map[string]*Project),
		members:     make(map[string]*Member),
		invitations: make(map[string]*Invitation),
		byToken:     make(map[string]string),
	}
}

func (s *MemStore) Tenants() TenantStore         { return (*memTenantStore)(s) }
func (s *MemStore) Projects() ProjectStore       { return (*memProjectStore)(s) }
func (s *MemStore) Members() MemberStore         { return (*memMemberStore)(s) }
func (s *MemStore) Invitations() InvitationStore { return (*memInvitationStore)(s) }

func memberKey(projectID, userID string) string { return projectID + "/" + userID }

type memTenantStore MemStore

func (s *memTenantStore) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("%w: tenant %s already exists", ErrConflict, t.ID)
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memTenantStore) Find(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTenantStore) ListForUser(_ context.Context, userID string) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, t := range s.tenants {
		if t.OwnerID == userID {
			seen[t.ID] = true
		}
	}
	for _, m := range s.members {
		if m.UserID == userID {
			seen[m.TenantID] = true
		}
	}
	out := make([]*Tenant, 0, len(seen))
	for id := range seen {
		if t, ok := s.tenants[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memProjectStore MemStore

func (s *memProjectStore) Create(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("%w: project %s already exists", ErrConflict, p.ID)
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memProjectStore) Find(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type memMemberStore MemStore

func (s *memMemberStore) Add(_ context.Context, m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(m.ProjectID, m.UserID)
	if _, ok := s.members[key]; ok {
		return nil
	}
	cp := *m
	s.members[key] = &cp
	return nil
}

func (s *memMemberStore) Find(_ context.Context, projectID, userID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey(projectID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMemberStore) ListByProject(_ context.Context, projectID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Member
	for _, m := range s.members {
		if m.ProjectID == projectID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memMemberStore) ListForUser(_ context.Context, userID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Member
	for _, m := range s.members {
		if m.UserID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (s *memMemberStore) CountByProject(_ context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members {
		if m.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (s *memMemberStore) CountByRole(_ context.Context, projectID string, role Role) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members {
		if m.ProjectID == projectID && m.Role == role {
			n++
		}
	}
	return n, nil
}

func (s *memMemberStore) HasRoleInTenant(_ context.Context, tenantID, userID string, roles ...Role) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.TenantID != tenantID || m.UserID != userID {
			continue
		}
		for _, r := range roles {
			if m.Role == r {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *memMemberStore) UpdateRole(_ context.Context, projectID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey(projectID, userID)]
	if !ok {
		return ErrNotFound
	}
	m.Role = role
	return nil
}

func (s *memMemberStore) Remove(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(projectID, userID)
	if _, ok := s.members[key]; !ok {
		return ErrNotFound
	}
	delete(s.members, key)
	return nil
}

type memInvitationStore MemStore

func (s *memInvitationStore) Create(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.ID]; ok {
		return fmt.Errorf("%w: invitation %s already exists", ErrConflict, inv.ID)
	}
	cp := *inv
	s.invitations[inv.ID] = &cp
	s.byToken[inv.Token] = inv.ID
	return nil
}

func (s *memInvitationStore) FindByToken(_ context.Context, token string) (*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.invitations[id]
	return &cp, nil
}

func (s *memInvitationStore) HasPending(_ context.Context, projectID, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invitations {
		if inv.ProjectID == projectID && strings.EqualFold(inv.Email, email) && inv.Status == InvitationPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *memInvitationStore) Update(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.ID]; !ok {
		return ErrNotFound
	}
	cp := *inv
	s.invitations[inv.ID] = &cp
	return nil
}
