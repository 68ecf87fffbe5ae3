package project

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("project: invalid input")
	ErrNotFound     = errors.New("project: not found")
	ErrConflict     = errors.New("project: conflict")
	ErrForbidden    = errors.New("project: forbidden")
)

// Role is a project-level permission tier for human members.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleMember:
		return RoleMember, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", errors.New("project: unknown role " + s)
	}
}

// InvitationStatus transitions monotonically: pending moves to exactly one of
// the terminal states and never back.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
)

// Tenant is the top-level organizational owner of projects.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project is an isolated workspace under a tenant with its own members,
// provider configuration and pooled engine instance.
type Project struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member links a user to a project with a role.
type Member struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Invitation is a pending offer of membership, addressed to an email.
type Invitation struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	TenantID   string           `json:"tenant_id"`
	Email      string           `json:"email"`
	Role       Role             `json:"role"`
	InvitedBy  string           `json:"invited_by"`
	Token      string           `json:"token"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Status     InvitationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	AcceptedAt time.Time        `json:"accepted_at,omitempty"`
	AcceptedBy string           `json:"accepted_by,omitempty"`
}

// ProjectSummary is a project enriched with the viewer's role and the member
// count, as returned by listings.
type ProjectSummary struct {
	Project
	UserRole    Role `json:"user_role"`
	MemberCount int  `json:"member_count"`
}
