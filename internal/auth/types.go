package auth

import "time"

// User is a human account. It can own tenants and hold project memberships.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Phone        string
	Active       bool
	Verified     bool

	// Email verification and password reset tokens. Zero expiry means no
	// token is outstanding.
	VerifyToken     string
	VerifyExpiresAt time.Time
	ResetToken      string
	ResetExpiresAt  time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time
}

// RefreshToken is the persisted half of an opaque refresh credential.
// The client holds "<id>.<secret>"; only the sha256 hash of the secret is
// stored. RevokedAt is zero while the token is live; ReplacedBy links a
// rotated token to its successor for the audit chain.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	RevokedAt  time.Time
	ReplacedBy string
}

// Revoked reports whether the token has been consumed or invalidated.
func (t *RefreshToken) Revoked() bool { return !t.RevokedAt.IsZero() }

// TokenPair carries freshly minted access and refresh credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
