package auth

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

func (s *PGStore) Users() UserStore                 { return &pgUserStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &pgTokenStore{db: s.db} }

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, name, phone, active, verified,
	verify_token, verify_expires_at, reset_token, reset_expires_at,
	created_at, updated_at, last_login_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, name, phone, active, verified,
			verify_token, verify_expires_at, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		u.ID, u.Email, u.PasswordHash, u.Name, nullString(u.Phone), u.Active, u.Verified,
		nullString(u.VerifyToken), nullTime(u.VerifyExpiresAt), u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *pgUserStore) FindByVerifyToken(ctx context.Context, token string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where verify_token=$1`, token))
}

func (s *pgUserStore) FindByResetToken(ctx context.Context, token string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where reset_token=$1`, token))
}

func (s *pgUserStore) Update(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email=$2, password_hash=$3, name=$4, phone=$5, active=$6,
			verified=$7, verify_token=$8, verify_expires_at=$9,
			reset_token=$10, reset_expires_at=$11, updated_at=$12, last_login_at=$13
		 where id=$1`,
		u.ID, u.Email, u.PasswordHash, u.Name, nullString(u.Phone), u.Active,
		u.Verified, nullString(u.VerifyToken), nullTime(u.VerifyExpiresAt),
		nullString(u.ResetToken), nullTime(u.ResetExpiresAt), u.UpdatedAt, nullTime(u.LastLoginAt),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) scanOne(row *sql.Row) (*User, error) {
	var (
		u          User
		phone      sql.NullString
		verifyTok  sql.NullString
		verifyExp  sql.NullTime
		resetTok   sql.NullString
		resetExp   sql.NullTime
		lastLogin  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &phone, &u.Active, &u.Verified,
		&verifyTok, &verifyExp, &resetTok, &resetExp, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Phone = phone.String
	u.VerifyToken = verifyTok.String
	u.VerifyExpiresAt = verifyExp.Time
	u.ResetToken = resetTok.String
	u.ResetExpiresAt = resetExp.Time
	u.LastLoginAt = lastLogin.Time
	return &u, nil
}

// Refresh token store ------------------------------------------------------

type pgTokenStore struct{ db *sql.DB }

func (s *pgTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt,
	)
	return err
}

func (s *pgTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, created_at, revoked_at, replaced_by
		 from refresh_tokens where id=$1`, id)
	var (
		tok        RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &revokedAt, &replacedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tok.RevokedAt = revokedAt.Time
	tok.ReplacedBy = replacedBy.String
	return &tok, nil
}

func (s *pgTokenStore) MarkRevoked(ctx context.Context, id, replacedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, replaced_by=coalesce($3, replaced_by) where id=$1`,
		id, at, nullString(replacedBy),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where user_id=$1 and revoked_at is null`,
		userID, at,
	)
	return err
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
