package apikey

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Scopes are held in a single
// text column as a comma-separated list.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const keyColumns = `id, tenant_id, project_id, user_id, name, key_hash, display,
	scopes, active, expires_at, created_at, last_used_at, revoked_at`

func (s *PGStore) Create(ctx context.Context, k *Key) error {
	_, err := s.db.ExecContext(ctx,
		`insert into api_keys(id, tenant_id, project_id, user_id, name, key_hash,
			display, scopes, active, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		k.ID, k.TenantID, k.ProjectID, k.UserID, k.Name, k.KeyHash,
		k.Display, joinScopes(k.Scopes), k.Active, nullTime(k.ExpiresAt), k.CreatedAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Key, error) {
	return scanKey(s.db.QueryRowContext(ctx,
		`select `+keyColumns+` from api_keys where id=$1`, id))
}

func (s *PGStore) ListActive(ctx context.Context, now time.Time) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+keyColumns+` from api_keys
		 where active and revoked_at is null
		   and (expires_at is null or expires_at > $1)
		 order by id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

func (s *PGStore) ListForUser(ctx context.Context, userID, projectID string) ([]*Key, error) {
	query := `select ` + keyColumns + ` from api_keys where user_id=$1`
	args := []any{userID}
	if projectID != "" {
		query += ` and project_id=$2`
		args = append(args, projectID)
	}
	query += ` order by id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

func (s *PGStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update api_keys set last_used_at=$2 where id=$1`, id, at)
	return err
}

func (s *PGStore) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set revoked_at=$2, active=false where id=$1`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from api_keys where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	var (
		k         Key
		scopes    string
		expiresAt sql.NullTime
		lastUsed  sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(&k.ID, &k.TenantID, &k.ProjectID, &k.UserID, &k.Name, &k.KeyHash,
		&k.Display, &scopes, &k.Active, &expiresAt, &k.CreatedAt, &lastUsed, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.Scopes = splitScopes(scopes)
	k.ExpiresAt = expiresAt.Time
	k.LastUsedAt = lastUsed.Time
	k.RevokedAt = revokedAt.Time
	return &k, nil
}

func collectKeys(rows *sql.Rows) ([]*Key, error) {
	var out []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func joinScopes(scopes []Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func splitScopes(s string) []Scope {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Scope, 0, len(parts))
	for _, p := range parts {
		out = append(out, Scope(p))
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
