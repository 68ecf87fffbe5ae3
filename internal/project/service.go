package project

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"ragforge.dev/internal/ids"
)

const invitationTTL = 7 * 24 * time.Hour

// Service provides tenant, project, membership and invitation operations.
// Roles are read from membership state on every check, so revoking a
// membership takes effect immediately.
type Service struct {
	store Store
	users UserDirectory
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, users UserDirectory, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("project: store is required")
	}
	if users == nil {
		return nil, errors.New("project: user directory is required")
	}
	svc := &Service{store: store, users: users, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateTenant registers a new tenant owned by ownerID.
func (s *Service) CreateTenant(ctx context.Context, tenantID, name, description, ownerID string) (*Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant id and name are required", ErrInvalidInput)
	}
	tenant := &Tenant{
		ID:          tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     ownerID,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Tenants().Create(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// GetTenant loads a tenant by id.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.Tenants().Find(ctx, tenantID)
}

// CreateProject creates a project under a tenant and grants the creator the
// owner role. The creator must own the tenant or hold an owner/admin
// membership somewhere in it.
func (s *Service) CreateProject(ctx context.Context, projectID, tenantID, name, description, userID string) (*Project, error) {
	projectID = strings.TrimSpace(projectID)
	name = strings.TrimSpace(name)
	if projectID == "" || name == "" {
		return nil, fmt.Errorf("%w: project id and name are required", ErrInvalidInput)
	}

	tenant, err := s.store.Tenants().Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.OwnerID != userID {
		ok, err := s.store.Members().HasRoleInTenant(ctx, tenantID, userID, RoleOwner, RoleAdmin)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no permission to create projects in tenant %s", ErrForbidden, tenantID)
		}
	}

	now := s.now().UTC()
	proj := &Project{
		ID:          projectID,
		TenantID:    tenant.ID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   userID,
		Active:      true,
		CreatedAt:   now,
	}
	if err := s.store.Projects().Create(ctx, proj); err != nil {
		return nil, err
	}
	member := &Member{
		ID:        ids.New(),
		ProjectID: proj.ID,
		TenantID:  tenant.ID,
		UserID:    userID,
		Role:      RoleOwner,
		JoinedAt:  now,
	}
	if err := s.store.Members().Add(ctx, member); err != nil {
		return nil, err
	}
	return proj, nil
}

// GetProject loads a project by id.
func (s *Service) GetProject(ctx context.Context, projectID string) (*Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	}
	return s.store.Projects().Find(ctx, projectID)
}

// ListUserProjects returns the tenants and projects visible to a user.
func (s *Service) ListUserProjects(ctx context.Context, userID string) ([]*Tenant, []*ProjectSummary, error) {
	tenants, err := s.store.Tenants().ListForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	memberships, err := s.store.Members().ListForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	summaries := make([]*ProjectSummary, 0, len(memberships))
	for _, m := range memberships {
		proj, err := s.store.Projects().Find(ctx, m.ProjectID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		count, err := s.store.Members().CountByProject(ctx, m.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, &ProjectSummary{
			Project:     *proj,
			UserRole:    m.Role,
			MemberCount: count,
		})
	}
	return tenants, summaries, nil
}

// CheckAccess returns the user's role in the project, or ErrNotFound when no
// membership exists for exactly that (tenant, project) pair.
func (s *Service) CheckAccess(ctx context.Context, userID, tenantID, projectID string) (Role, error) {
	member, err := s.store.Members().Find(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	if member.TenantID != tenantID {
		return "", ErrNotFound
	}
	return member.Role, nil
}

// InviteMember creates a pending invitation. The inviter must be an owner or
// admin of the project.
func (s *Service) InviteMember(ctx context.Context, projectID, email string, role Role, invitedBy string) (*Invitation, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if role == RoleOwner {
		return nil, fmt.Errorf("%w: ownership is granted by role update, not invitation", ErrInvalidInput)
	}

	inviter, err := s.store.Members().Find(ctx, projectID, invitedBy)
	if err != nil || (inviter.Role != RoleOwner && inviter.Role != RoleAdmin) {
		return nil, fmt.Errorf("%w: only owners and admins can invite members", ErrForbidden)
	}
	proj, err := s.store.Projects().Find(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// A user already holding a membership must not be re-invited.
	if existingID, err := s.users.UserIDByEmail(ctx, email); err == nil {
		if _, err := s.store.Members().Find(ctx, projectID, existingID); err == nil {
			return nil, fmt.Errorf("%w: user is already a member", ErrConflict)
		}
	}
	pending, err := s.store.Invitations().HasPending(ctx, projectID, email)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, fmt.Errorf("%w: a pending invitation already exists", ErrConflict)
	}

	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	inv := &Invitation{
		ID:        ids.New(),
		ProjectID: proj.ID,
		TenantID:  proj.TenantID,
		Email:     email,
		Role:      role,
		InvitedBy: invitedBy,
		Token:     token,
		ExpiresAt: now.Add(invitationTTL),
		Status:    InvitationPending,
		CreatedAt: now,
	}
	if err := s.store.Invitations().Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptInvitation consumes a pending invitation for the given user. The
// user's email must match the invitation; an expired invitation flips to the
// expired state on touch and is rejected.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID string) (*Project, error) {
	inv, err := s.store.Invitations().FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationPending {
		return nil, fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	if s.now().After(inv.ExpiresAt) {
		inv.Status = InvitationExpired
		if err := s.store.Invitations().Update(ctx, inv); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invitation has expired", ErrConflict)
	}

	email, err := s.users.UserEmail(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(email, inv.Email) {
		return nil, fmt.Errorf("%w: invitation addressed to a different email", ErrForbidden)
	}

	now := s.now().UTC()
	member := &Member{
		ID:        ids.New(),
		ProjectID: inv.ProjectID,
		TenantID:  inv.TenantID,
		UserID:    userID,
		Role:      inv.Role,
		JoinedAt:  now,
	}
	if err := s.store.Members().Add(ctx, member); err != nil {
		return nil, err
	}
	inv.Status = InvitationAccepted
	inv.AcceptedAt = now
	inv.AcceptedBy = userID
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return nil, err
	}
	return s.store.Projects().Find(ctx, inv.ProjectID)
}

// CancelInvitation marks a pending invitation cancelled. Owner/admin only.
func (s *Service) CancelInvitation(ctx context.Context, token, actorID string) error {
	inv, err := s.store.Invitations().FindByToken(ctx, token)
	if err != nil {
		return err
	}
	actor, err := s.store.Members().Find(ctx, inv.ProjectID, actorID)
	if err != nil || (actor.Role != RoleOwner && actor.Role != RoleAdmin) {
		return fmt.Errorf("%w: only owners and admins can cancel invitations", ErrForbidden)
	}
	if inv.Status != InvitationPending {
		return fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	inv.Status = InvitationCancelled
	return s.store.Invitations().Update(ctx, inv)
}

// Members lists a project's memberships.
func (s *Service) Members(ctx context.Context, projectID string) ([]*Member, error) {
	return s.store.Members().ListByProject(ctx, projectID)
}

// UpdateMemberRole changes a member's role. Owners only; demoting the last
// owner is rejected so the project never loses its final owner.
func (s *Service) UpdateMemberRole(ctx context.Context, projectID, targetUserID string, role Role, actorID string) error {
	actor, err := s.store.Members().Find(ctx, projectID, actorID)
	if err != nil || actor.Role != RoleOwner {
		return fmt.Errorf("%w: only owners can update member roles", ErrForbidden)
	}
	target, err := s.store.Members().Find(ctx, projectID, targetUserID)
	if err != nil {
		return err
	}
	if target.Role == RoleOwner && role != RoleOwner {
		if err := s.ensureNotLastOwner(ctx, projectID); err != nil {
			return err
		}
	}
	return s.store.Members().UpdateRole(ctx, projectID, targetUserID, role)
}

// RemoveMember removes a membership. Owners only; the last owner cannot be
// removed.
func (s *Service) RemoveMember(ctx context.Context, projectID, targetUserID, actorID string) error {
	actor, err := s.store.Members().Find(ctx, projectID, actorID)
	if err != nil || actor.Role != RoleOwner {
		return fmt.Errorf("%w: only owners can remove members", ErrForbidden)
	}
	target, err := s.store.Members().Find(ctx, projectID, targetUserID)
	if err != nil {
		return err
	}
	if target.Role == RoleOwner {
		if err := s.ensureNotLastOwner(ctx, projectID); err != nil {
			return err
		}
	}
	return s.store.Members().Remove(ctx, projectID, targetUserID)
}

func (s *Service) ensureNotLastOwner(ctx context.Context, projectID string) error {
	owners, err := s.store.Members().CountByRole(ctx, projectID, RoleOwner)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return fmt.Errorf("%w: cannot remove the last owner", ErrConflict)
	}
	return nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
