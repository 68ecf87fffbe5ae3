package auth

import (
	"context"
	"sync"
	"time"
)

// MemStore implements Store in process memory. It backs tests and the
// DSN-less development mode of cmd/api.
type MemStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byMail map[string]string // email -> user id
	tokens map[string]*RefreshToken
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:  make(map[string]*User),
		byMail: make(map[string]string),
		tokens: make(map[string]*RefreshToken),
	}
}

func (s *MemStore) Users() UserStore                 { return (*memUserStore)(s) }
func (s *MemStore) RefreshTokens() RefreshTokenStore { return (*memTokenStore)(s) }

type memUserStore MemStore

func (s *memUserStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byMail[u.Email]; taken {
		return ErrConflict
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byMail[u.Email] = u.ID
	return nil
}

func (s *memUserStore) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *memUserStore) FindByVerifyToken(ctx context.Context, token string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.VerifyToken != "" && u.VerifyToken == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) FindByResetToken(ctx context.Context, token string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ResetToken != "" && u.ResetToken == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) Update(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Email != u.Email {
		delete(s.byMail, prev.Email)
		s.byMail[u.Email] = u.ID
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

type memTokenStore MemStore

func (s *memTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *memTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memTokenStore) MarkRevoked(ctx context.Context, id, replacedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.RevokedAt = at
	if replacedBy != "" {
		tok.ReplacedBy = replacedBy
	}
	return nil
}

func (s *memTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt.IsZero() {
			tok.RevokedAt = at
		}
	}
	return nil
}
