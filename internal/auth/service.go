package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ragforge.dev/internal/ids"
	"ragforge.dev/internal/obs"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour

	verifyTokenTTL = 7 * 24 * time.Hour
	resetTokenTTL  = 2 * time.Hour

	minPasswordLength = 8
)

// Service issues and validates session credentials: bcrypt-hashed passwords,
// signed access tokens and rotating opaque refresh tokens.
type Service struct {
	store  Store
	secret []byte
	issuer string

	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service. The signing secret is required.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	svc := &Service{
		store:      store,
		secret:     []byte(secret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates a new account and returns it along with the email
// verification token the caller is expected to deliver out of band.
func (s *Service) Register(ctx context.Context, email, password, name, phone string) (*User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	verifyToken, err := randomToken(32)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	user := &User{
		ID:              ids.New(),
		Email:           email,
		PasswordHash:    hash,
		Name:            name,
		Phone:           strings.TrimSpace(phone),
		Active:          true,
		VerifyToken:     verifyToken,
		VerifyExpiresAt: now.Add(verifyTokenTTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, "", err
	}
	return user, verifyToken, nil
}

// Login authenticates credentials and mints a token pair. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrUnauthorized
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		obs.AuthFailure("password")
		return TokenPair{}, nil, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.AuthFailure("password")
		return TokenPair{}, nil, ErrUnauthorized
	}
	if !user.Active {
		return TokenPair{}, nil, ErrUnauthorized
	}

	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return TokenPair{}, nil, err
	}

	// Best-effort bookkeeping; a failed stamp must not fail the login.
	user.LastLoginAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		obs.Warn("last login update failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
	return pair, user, nil
}

// Refresh exchanges a live refresh token for a fresh pair. The presented
// token is revoked and linked to its successor.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	tokenID, tokenSecret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}

	tokens := s.store.RefreshTokens()
	record, err := tokens.Find(ctx, tokenID)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if record.Revoked() || s.now().After(record.ExpiresAt) {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if !secureCompareHash(record.TokenHash, tokenSecret) {
		// A guessed secret against a known id burns the token.
		_ = tokens.MarkRevoked(ctx, record.ID, "", s.now().UTC())
		return TokenPair{}, nil, ErrInvalidToken
	}

	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if !user.Active {
		return TokenPair{}, nil, ErrUnauthorized
	}

	pair, newID, err := s.mintPairWithID(ctx, user)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := tokens.MarkRevoked(ctx, record.ID, newID, s.now().UTC()); err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// Logout revokes the presented refresh token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tokenID, tokenSecret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	tokens := s.store.RefreshTokens()
	record, err := tokens.Find(ctx, tokenID)
	if err != nil {
		return nil
	}
	if !secureCompareHash(record.TokenHash, tokenSecret) {
		return nil
	}
	return tokens.MarkRevoked(ctx, record.ID, "", s.now().UTC())
}

// VerifyEmail consumes an email verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	user, err := s.store.Users().FindByVerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if user.Verified || s.now().After(user.VerifyExpiresAt) {
		return false, nil
	}
	user.Verified = true
	user.VerifyToken = ""
	user.VerifyExpiresAt = time.Time{}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

// RequestPasswordReset issues a reset token for the account, or nothing when
// the email is unknown or inactive. Callers must report success either way so
// account existence is never revealed.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if !user.Active {
		return "", nil
	}
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	user.ResetToken = token
	user.ResetExpiresAt = s.now().UTC().Add(resetTokenTTL)
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPassword consumes a reset token, replaces the password and revokes
// every outstanding refresh token for the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	if len(newPassword) < minPasswordLength {
		return false, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	user, err := s.store.Users().FindByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.now().After(user.ResetExpiresAt) {
		return false, nil
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return false, err
	}
	user.PasswordHash = hash
	user.ResetToken = ""
	user.ResetExpiresAt = time.Time{}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return false, err
	}
	if err := s.store.RefreshTokens().RevokeAllForUser(ctx, user.ID, s.now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Users().Find(ctx, userID)
}

// UserEmail returns the email registered for a user id.
func (s *Service) UserEmail(ctx context.Context, userID string) (string, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

// UserIDByEmail returns the user id registered for an email.
func (s *Service) UserIDByEmail(ctx context.Context, email string) (string, error) {
	user, err := s.store.Users().FindByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (s *Service) mintPair(ctx context.Context, user *User) (TokenPair, error) {
	pair, _, err := s.mintPairWithID(ctx, user)
	return pair, err
}

func (s *Service) mintPairWithID(ctx context.Context, user *User) (TokenPair, string, error) {
	accessToken, accessExp, err := s.CreateAccessToken(user.ID, user.Email)
	if err != nil {
		return TokenPair{}, "", err
	}
	refreshString, record, err := s.generateRefreshToken(user.ID)
	if err != nil {
		return TokenPair{}, "", err
	}
	if err := s.store.RefreshTokens().Create(ctx, record); err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, record.ID, nil
}

func (s *Service) generateRefreshToken(userID string) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	now := s.now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
