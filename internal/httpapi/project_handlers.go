package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ragforge.dev/internal/access"
	"ragforge.dev/internal/audit"
	"ragforge.dev/internal/project"
)

type createTenantRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type inviteMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type updateMemberRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleTenantCreate(w, r)
	case http.MethodGet:
		a.handleTenantList(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleTenantCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenant, err := a.projects.CreateTenant(r.Context(), req.ID, req.Name, req.Description, p.UserID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "tenant.created", map[string]any{"tenant_id": tenant.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", tenant.ID))
	writeJSON(w, http.StatusCreated, tenant)
}

func (a *API) handleTenantList(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	tenants, projects, err := a.projects.ListUserProjects(r.Context(), p.UserID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants":  tenants,
		"projects": projects,
	})
}

// handleTenantScoped routes everything under /v1/tenants/{tenant}/...
func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tenants/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	tenantID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleTenantGet(w, r, tenantID)
	case parts[1] == "projects" && len(parts) == 2:
		a.handleProjectCreate(w, r, tenantID)
	case parts[1] == "projects" && len(parts) >= 3:
		a.handleProjectScoped(w, r, tenantID, parts[2], parts[3:])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTenantGet(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := requireUser(w, r); !ok {
		return
	}
	tenant, err := a.projects.GetTenant(r.Context(), tenantID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (a *API) handleProjectCreate(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	proj, err := a.projects.CreateProject(r.Context(), req.ID, tenantID, req.Name, req.Description, p.UserID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "project.created", map[string]any{
		"tenant_id":  tenantID,
		"project_id": proj.ID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/projects/%s", tenantID, proj.ID))
	writeJSON(w, http.StatusCreated, proj)
}

// handleProjectScoped routes /v1/tenants/{t}/projects/{p}/...
func (a *API) handleProjectScoped(w http.ResponseWriter, r *http.Request, tenantID, projectID string, rest []string) {
	switch {
	case len(rest) == 0:
		a.handleProjectGet(w, r, tenantID, projectID)
	case rest[0] == "members" && len(rest) == 1:
		a.handleProjectMembers(w, r, tenantID, projectID)
	case rest[0] == "members" && len(rest) == 2:
		a.handleProjectMemberResource(w, r, tenantID, projectID, rest[1])
	case rest[0] == "invitations" && len(rest) == 1:
		a.handleProjectInvite(w, r, tenantID, projectID)
	case rest[0] == "provider-configs" && len(rest) == 1:
		a.handleProviderConfigs(w, r, tenantID, projectID)
	case rest[0] == "query" && len(rest) == 1:
		a.handleQuery(w, r, tenantID, projectID)
	case rest[0] == "insert" && len(rest) == 1:
		a.handleInsert(w, r, tenantID, projectID)
	case rest[0] == "documents" && len(rest) == 2:
		a.handleDocumentDelete(w, r, tenantID, projectID, rest[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleProjectGet(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if _, err := a.resolver.CheckProjectAccess(r.Context(), principal, tenantID, projectID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	proj, err := a.projects.GetProject(r.Context(), projectID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (a *API) handleProjectMembers(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, err := a.resolver.CheckProjectAccess(r.Context(), p, tenantID, projectID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	members, err := a.projects.Members(r.Context(), projectID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleProjectMemberResource(w http.ResponseWriter, r *http.Request, tenantID, projectID, userID string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req updateMemberRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := project.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.projects.UpdateMemberRole(r.Context(), projectID, userID, role, p.UserID); err != nil {
			handleProjectError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "project.member_role_updated", map[string]any{
			"project_id": projectID,
			"member_id":  userID,
			"role":       string(role),
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := a.projects.RemoveMember(r.Context(), projectID, userID, p.UserID); err != nil {
			handleProjectError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "project.member_removed", map[string]any{
			"project_id": projectID,
			"member_id":  userID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleProjectInvite(w http.ResponseWriter, r *http.Request, tenantID, projectID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req inviteMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := project.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.projects.InviteMember(r.Context(), projectID, req.Email, role, p.UserID)
	if err != nil {
		handleProjectError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "project.member_invited", map[string]any{
		"project_id": projectID,
		"email":      inv.Email,
		"role":       string(inv.Role),
	})
	writeJSON(w, http.StatusCreated, inv)
}

// handleInvitationResource routes /v1/invitations/{token}[/accept].
func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invitations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "accept":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		proj, err := a.projects.AcceptInvitation(r.Context(), parts[0], p.UserID)
		if err != nil {
			handleProjectError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "project.invitation_accepted", map[string]any{
			"project_id": proj.ID,
		})
		writeJSON(w, http.StatusOK, proj)
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.projects.CancelInvitation(r.Context(), parts[0], p.UserID); err != nil {
			handleProjectError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func handleProjectError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, project.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, project.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, project.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, project.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "project operation failed")
	}
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
	}
}
