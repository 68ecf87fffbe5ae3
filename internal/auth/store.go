package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the session manager.
type Store interface {
	Users() UserStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages user accounts.
type UserStore interface {
	// Create persists a new user. ErrConflict when the email is taken.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByVerifyToken(ctx context.Context, token string) (*User, error)
	FindByResetToken(ctx context.Context, token string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// MarkRevoked stamps the token revoked, optionally linking its
	// successor. Plain read-then-write; see the rotation note in DESIGN.md.
	MarkRevoked(ctx context.Context, id, replacedBy string, at time.Time) error
	// RevokeAllForUser invalidates every live token for the user
	// (global session reset after a password change).
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error
}
