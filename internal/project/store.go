package project

import "context"

// Store describes persistence for tenants, projects, memberships and
// invitations.
type Store interface {
	Tenants() TenantStore
	Projects() ProjectStore
	Members() MemberStore
	Invitations() InvitationStore
}

// TenantStore manages tenants.
type TenantStore interface {
	// Create persists a tenant. ErrConflict when the id is taken.
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	// ListForUser returns tenants the user owns or holds a membership in.
	ListForUser(ctx context.Context, userID string) ([]*Tenant, error)
}

// ProjectStore manages projects.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Find(ctx context.Context, id string) (*Project, error)
}

// MemberStore manages project memberships.
type MemberStore interface {
	// Add inserts a membership; adding an existing (project,user) pair is
	// a no-op.
	Add(ctx context.Context, m *Member) error
	Find(ctx context.Context, projectID, userID string) (*Member, error)
	ListByProject(ctx context.Context, projectID string) ([]*Member, error)
	ListForUser(ctx context.Context, userID string) ([]*Member, error)
	CountByProject(ctx context.Context, projectID string) (int, error)
	CountByRole(ctx context.Context, projectID string, role Role) (int, error)
	// HasRoleInTenant reports whether the user holds any of the roles in
	// any project of the tenant.
	HasRoleInTenant(ctx context.Context, tenantID, userID string, roles ...Role) (bool, error)
	UpdateRole(ctx context.Context, projectID, userID string, role Role) error
	Remove(ctx context.Context, projectID, userID string) error
}

// InvitationStore manages invitations.
type InvitationStore interface {
	Create(ctx context.Context, inv *Invitation) error
	FindByToken(ctx context.Context, token string) (*Invitation, error)
	HasPending(ctx context.Context, projectID, email string) (bool, error)
	Update(ctx context.Context, inv *Invitation) error
}

// UserDirectory is the narrow slice of the account system the project
// service needs: invitation email matching and membership pre-checks.
type UserDirectory interface {
	UserEmail(ctx context.Context, userID string) (string, error)
	UserIDByEmail(ctx context.Context, email string) (string, error)
}
