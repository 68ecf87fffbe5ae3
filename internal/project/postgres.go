package project

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Tenants() TenantStore         { return &pgTenantStore{db: s.db} }
func (s *PGStore) Projects() ProjectStore       { return &pgProjectStore{db: s.db} }
func (s *PGStore) Members() MemberStore         { return &pgMemberStore{db: s.db} }
func (s *PGStore) Invitations() InvitationStore { return &pgInvitationStore{db: s.db} }

// Tenant store -------------------------------------------------------------

type pgTenantStore struct{ db *sql.DB }

func (s *pgTenantStore) Create(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into tenants(id, name, description, owner_id, active, created_at)
		 values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Name, nullString(t.Description), t.OwnerID, t.Active, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgTenantStore) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, owner_id, active, created_at
		 from tenants where id=$1`, id)
	return scanTenant(row)
}

func (s *pgTenantStore) ListForUser(ctx context.Context, userID string) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select distinct t.id, t.name, t.description, t.owner_id, t.active, t.created_at
		 from tenants t
		 left join project_members m on m.tenant_id = t.id and m.user_id = $1
		 where t.owner_id = $1 or m.user_id is not null
		 order by t.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t    Tenant
		desc sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &desc, &t.OwnerID, &t.Active, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Description = desc.String
	return &t, nil
}

// Project store ------------------------------------------------------------

type pgProjectStore struct{ db *sql.DB }

func (s *pgProjectStore) Create(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx,
		`insert into projects(id, tenant_id, name, description, created_by, active, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.TenantID, p.Name, nullString(p.Description), p.CreatedBy, p.Active, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgProjectStore) Find(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, tenant_id, name, description, created_by, active, created_at
		 from projects where id=$1`, id)
	var (
		p    Project
		desc sql.NullString
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &desc, &p.CreatedBy, &p.Active, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Description = desc.String
	return &p, nil
}

// Member store -------------------------------------------------------------

type pgMemberStore struct{ db *sql.DB }

const memberColumns = `id, project_id, tenant_id, user_id, role, joined_at`

func (s *pgMemberStore) Add(ctx context.Context, m *Member) error {
	_, err := s.db.ExecContext(ctx,
		`insert into project_members(id, project_id, tenant_id, user_id, role, joined_at)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (project_id, user_id) do nothing`,
		m.ID, m.ProjectID, m.TenantID, m.UserID, string(m.Role), m.JoinedAt,
	)
	return err
}

func (s *pgMemberStore) Find(ctx context.Context, projectID, userID string) (*Member, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+memberColumns+` from project_members where project_id=$1 and user_id=$2`,
		projectID, userID)
	return scanMember(row)
}

func (s *pgMemberStore) ListByProject(ctx context.Context, projectID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+memberColumns+` from project_members where project_id=$1 order by user_id`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func (s *pgMemberStore) ListForUser(ctx context.Context, userID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+memberColumns+` from project_members where user_id=$1 order by project_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func (s *pgMemberStore) CountByProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from project_members where project_id=$1`, projectID).Scan(&n)
	return n, err
}

func (s *pgMemberStore) CountByRole(ctx context.Context, projectID string, role Role) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from project_members where project_id=$1 and role=$2`,
		projectID, string(role)).Scan(&n)
	return n, err
}

func (s *pgMemberStore) HasRoleInTenant(ctx context.Context, tenantID, userID string, roles ...Role) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role from project_members where tenant_id=$1 and user_id=$2`,
		tenantID, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return false, err
		}
		for _, r := range roles {
			if Role(role) == r {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (s *pgMemberStore) UpdateRole(ctx context.Context, projectID, userID string, role Role) error {
	res, err := s.db.ExecContext(ctx,
		`update project_members set role=$3 where project_id=$1 and user_id=$2`,
		projectID, userID, string(role))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgMemberStore) Remove(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from project_members where project_id=$1 and user_id=$2`,
		projectID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		m    Member
		role string
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &m.TenantID, &m.UserID, &role, &m.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Role = Role(role)
	return &m, nil
}

func collectMembers(rows *sql.Rows) ([]*Member, error) {
	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Invitation store ---------------------------------------------------------

type pgInvitationStore struct{ db *sql.DB }

func (s *pgInvitationStore) Create(ctx context.Context, inv *Invitation) error {
	_, err := s.db.ExecContext(ctx,
		`insert into invitations(id, project_id, tenant_id, email, role, invited_by,
			token, expires_at, status, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		inv.ID, inv.ProjectID, inv.TenantID, inv.Email, string(inv.Role), inv.InvitedBy,
		inv.Token, inv.ExpiresAt, string(inv.Status), inv.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgInvitationStore) FindByToken(ctx context.Context, token string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, project_id, tenant_id, email, role, invited_by, token,
			expires_at, status, created_at, accepted_at, accepted_by
		 from invitations where token=$1`, token)
	var (
		inv        Invitation
		role       string
		status     string
		acceptedAt sql.NullTime
		acceptedBy sql.NullString
	)
	if err := row.Scan(&inv.ID, &inv.ProjectID, &inv.TenantID, &inv.Email, &role, &inv.InvitedBy,
		&inv.Token, &inv.ExpiresAt, &status, &inv.CreatedAt, &acceptedAt, &acceptedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inv.Role = Role(role)
	inv.Status = InvitationStatus(status)
	inv.AcceptedAt = acceptedAt.Time
	inv.AcceptedBy = acceptedBy.String
	return &inv, nil
}

func (s *pgInvitationStore) HasPending(ctx context.Context, projectID, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from invitations
		 where project_id=$1 and lower(email)=lower($2) and status='pending'`,
		projectID, email).Scan(&n)
	return n > 0, err
}

func (s *pgInvitationStore) Update(ctx context.Context, inv *Invitation) error {
	res, err := s.db.ExecContext(ctx,
		`update invitations set status=$2, accepted_at=$3, accepted_by=$4 where id=$1`,
		inv.ID, string(inv.Status), nullTime(inv.AcceptedAt), nullString(inv.AcceptedBy))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// helpers ------------------------------------------------------------------

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
