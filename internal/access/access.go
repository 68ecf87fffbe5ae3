package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/auth"
	"ragforge.dev/internal/project"
)

var (
	ErrUnauthorized = errors.New("access: unauthorized")
	ErrForbidden    = errors.New("access: forbidden")
)

// PrincipalKind distinguishes how a caller authenticated.
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindAPIKey PrincipalKind = "api_key"
)

// Principal is the authenticated identity of a request. It is built once
// when the credential is verified and treated as immutable afterwards.
// API-key principals carry the key's fixed project binding and scopes; user
// principals carry no project binding and have their role resolved per
// request.
type Principal struct {
	Kind      PrincipalKind
	UserID    string
	Email     string
	TenantID  string
	ProjectID string
	KeyID     string
	Scopes    []apikey.Scope
}

// TokenDecoder verifies access tokens. Satisfied by *auth.Service.
type TokenDecoder interface {
	DecodeAccessToken(token string) (*auth.AccessClaims, error)
}

// KeyValidator verifies API keys. Satisfied by *apikey.Service.
type KeyValidator interface {
	ValidateKey(ctx context.Context, secret string) (*apikey.Key, error)
}

// RoleResolver reads a user's current role in a project. Satisfied by
// *project.Service.
type RoleResolver interface {
	CheckAccess(ctx context.Context, userID, tenantID, projectID string) (project.Role, error)
}

// Resolver turns bearer credentials into principals and answers
// authorization questions about them.
type Resolver struct {
	tokens TokenDecoder
	keys   KeyValidator
	roles  RoleResolver
}

// NewResolver constructs a Resolver.
func NewResolver(tokens TokenDecoder, keys KeyValidator, roles RoleResolver) (*Resolver, error) {
	if tokens == nil || keys == nil || roles == nil {
		return nil, errors.New("access: token decoder, key validator and role resolver are required")
	}
	return &Resolver{tokens: tokens, keys: keys, roles: roles}, nil
}

// ResolvePrincipal verifies a bearer credential. The credential's shape picks
// the verification path: values with the API key prefix go to key validation,
// everything else is decoded as a JWT. Any failure yields ErrUnauthorized.
func (r *Resolver) ResolvePrincipal(ctx context.Context, bearer string) (*Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, ErrUnauthorized
	}
	if strings.HasPrefix(bearer, apikey.KeyPrefix) {
		key, err := r.keys.ValidateKey(ctx, bearer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return &Principal{
			Kind:      KindAPIKey,
			UserID:    key.UserID,
			TenantID:  key.TenantID,
			ProjectID: key.ProjectID,
			KeyID:     key.ID,
			Scopes:    append([]apikey.Scope(nil), key.Scopes...),
		}, nil
	}
	claims, err := r.tokens.DecodeAccessToken(bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return &Principal{
		Kind:   KindUser,
		UserID: claims.Subject,
		Email:  claims.Email,
	}, nil
}

// CheckProjectAccess authorizes a principal against a project and returns the
// effective role. An API key only ever reaches the project it was minted for;
// its admin scope satisfies any role requirement within that project. A user
// principal's role is read from membership state on every call.
func (r *Resolver) CheckProjectAccess(ctx context.Context, p *Principal, tenantID, projectID string, requiredRoles ...project.Role) (project.Role, error) {
	if p == nil {
		return "", ErrUnauthorized
	}
	switch p.Kind {
	case KindAPIKey:
		if p.TenantID != tenantID || p.ProjectID != projectID {
			return "", fmt.Errorf("%w: key is bound to a different project", ErrForbidden)
		}
		if len(requiredRoles) > 0 && !apikey.HasScope(p.Scopes, apikey.ScopeAdmin) {
			return "", fmt.Errorf("%w: role-gated operation requires the admin scope", ErrForbidden)
		}
		return project.RoleMember, nil
	case KindUser:
		role, err := r.roles.CheckAccess(ctx, p.UserID, tenantID, projectID)
		if err != nil {
			if errors.Is(err, project.ErrNotFound) {
				return "", fmt.Errorf("%w: no membership in project %s", ErrForbidden, projectID)
			}
			return "", err
		}
		if len(requiredRoles) > 0 && !roleIn(role, requiredRoles) {
			return "", fmt.Errorf("%w: role %s is insufficient", ErrForbidden, role)
		}
		return role, nil
	default:
		return "", ErrUnauthorized
	}
}

// RequireScope enforces an operation scope. User principals always pass;
// their permissions come from roles, not scopes.
func (r *Resolver) RequireScope(p *Principal, scope apikey.Scope) error {
	if p == nil {
		return ErrUnauthorized
	}
	if p.Kind != KindAPIKey {
		return nil
	}
	if !apikey.HasScope(p.Scopes, scope) {
		return fmt.Errorf("%w: missing %s scope", ErrForbidden, scope)
	}
	return nil
}

func roleIn(role project.Role, roles []project.Role) bool {
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}
