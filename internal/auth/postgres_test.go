package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPGUserStoreFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	created := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "name", "phone", "active", "verified",
		"verify_token", "verify_expires_at", "reset_token", "reset_expires_at",
		"created_at", "updated_at", "last_login_at",
	}).AddRow("user-1", "alice@example.com", "$2a$hash", "Alice", nil, true, true,
		nil, nil, nil, nil, created, created, nil)
	mock.ExpectQuery("select (.+) from users where email=").
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	store := NewPGStore(db)
	user, err := store.Users().FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "user-1" || !user.Verified {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.LastLoginAt.IsZero() {
		t.Fatalf("expected zero last login, got %v", user.LastLoginAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUserStoreCreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	store := NewPGStore(db)
	now := time.Now().UTC()
	err = store.Users().Create(context.Background(), &User{
		ID: "user-2", Email: "taken@example.com", PasswordHash: "h", Name: "Dup",
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTokenStoreMarkRevokedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("tok-404", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	err = store.RefreshTokens().MarkRevoked(context.Background(), "tok-404", "", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
