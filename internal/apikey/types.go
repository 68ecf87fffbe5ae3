package apikey

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("apikey: invalid input")
	ErrNotFound     = errors.New("apikey: not found")
	ErrForbidden    = errors.New("apikey: forbidden")
	ErrInvalidKey   = errors.New("apikey: invalid key")
)

// KeyPrefix is the fixed literal prefix of every issued key. It lets callers
// tell a key apart from a JWT without a store round trip.
const KeyPrefix = "rag_"

// displayPrefixLen is how many leading characters of the full key are kept
// as the display prefix shown in listings.
const displayPrefixLen = 12

// Scope grants an API key a class of operations.
type Scope string

const (
	ScopeQuery  Scope = "query"
	ScopeInsert Scope = "insert"
	ScopeDelete Scope = "delete"
	ScopeAdmin  Scope = "admin"
)

// ParseScope normalizes and validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.TrimSpace(strings.ToLower(s))) {
	case ScopeQuery:
		return ScopeQuery, nil
	case ScopeInsert:
		return ScopeInsert, nil
	case ScopeDelete:
		return ScopeDelete, nil
	case ScopeAdmin:
		return ScopeAdmin, nil
	default:
		return "", errors.New("apikey: unknown scope " + s)
	}
}

// HasScope reports whether the granted scopes cover the required one. Admin
// implies every scope.
func HasScope(granted []Scope, required Scope) bool {
	for _, s := range granted {
		if s == required || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Key is an API key record. The secret is never stored; only a bcrypt hash
// and a short display prefix survive creation.
type Key struct {
	ID         string
	TenantID   string
	ProjectID  string
	UserID     string
	Name       string
	KeyHash    string
	Display    string
	Scopes     []Scope
	Active     bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the key has been soft-revoked.
func (k *Key) Revoked() bool { return !k.RevokedAt.IsZero() }

// Expired reports whether the key has passed its expiry, if it has one.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}
