package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Options are held as a jsonb
// column.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const configColumns = `id, tenant_id, project_id, provider, model, api_key,
	base_url, embedding_model, options, is_default, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, c *Config) error {
	opts, err := json.Marshal(c.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into provider_configs(id, tenant_id, project_id, provider, model,
			api_key, base_url, embedding_model, options, is_default, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.TenantID, c.ProjectID, c.Provider, c.Model,
		c.APIKey, nullString(c.BaseURL), nullString(c.EmbeddingModel), opts,
		c.IsDefault, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Config, error) {
	return scanConfig(s.db.QueryRowContext(ctx,
		`select `+configColumns+` from provider_configs where id=$1`, id))
}

func (s *PGStore) FindDefault(ctx context.Context, tenantID, projectID string) (*Config, error) {
	return scanConfig(s.db.QueryRowContext(ctx,
		`select `+configColumns+` from provider_configs
		 where tenant_id=$1 and project_id=$2 and is_default`,
		tenantID, projectID))
}

func (s *PGStore) ListForProject(ctx context.Context, tenantID, projectID string) ([]*Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+configColumns+` from provider_configs
		 where tenant_id=$1 and project_id=$2 order by id`,
		tenantID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) Update(ctx context.Context, c *Config) error {
	opts, err := json.Marshal(c.Options)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update provider_configs set provider=$2, model=$3, api_key=$4, base_url=$5,
			embedding_model=$6, options=$7, is_default=$8, updated_at=$9
		 where id=$1`,
		c.ID, c.Provider, c.Model, c.APIKey, nullString(c.BaseURL),
		nullString(c.EmbeddingModel), opts, c.IsDefault, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from provider_configs where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ClearDefault(ctx context.Context, tenantID, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		`update provider_configs set is_default=false
		 where tenant_id=$1 and project_id=$2 and is_default`,
		tenantID, projectID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var (
		c       Config
		baseURL sql.NullString
		embed   sql.NullString
		opts    []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.ProjectID, &c.Provider, &c.Model,
		&c.APIKey, &baseURL, &embed, &opts, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.BaseURL = baseURL.String
	c.EmbeddingModel = embed.String
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &c.Options); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
