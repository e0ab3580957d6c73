package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
)

// uniqueViolation is the postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// AccountRepo provides data access for the accounts table using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the accounts table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  is_active BOOLEAN NOT NULL DEFAULT true,
  is_email_verified BOOLEAN NOT NULL DEFAULT false,
  otp TEXT,
  otp_expires_at TIMESTAMPTZ,
  reset_otp TEXT,
  reset_otp_expires_at TIMESTAMPTZ,
  reset_attempt_count INT NOT NULL DEFAULT 0,
  reset_request_count INT NOT NULL DEFAULT 0,
  reset_locked_until TIMESTAMPTZ,
  reset_verified_at TIMESTAMPTZ,
  password_changed_at TIMESTAMPTZ,
  last_seen_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_accounts_is_active ON accounts(is_active);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const selectColumns = `SELECT id, email, password_hash, first_name, last_name, is_active, is_email_verified,
	otp, otp_expires_at, reset_otp, reset_otp_expires_at, reset_attempt_count, reset_request_count,
	reset_locked_until, reset_verified_at, password_changed_at, last_seen_at, created_at, updated_at
  FROM accounts`

// Create inserts a new account. A taken email yields ErrDuplicate.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, email, password_hash, first_name, last_name, is_active, is_email_verified,
		otp, otp_expires_at, reset_otp, reset_otp_expires_at, reset_attempt_count, reset_request_count,
		reset_locked_until, reset_verified_at, password_changed_at, last_seen_at, created_at, updated_at)
	  VALUES (:id, :email, :password_hash, :first_name, :last_name, :is_active, :is_email_verified,
		:otp, :otp_expires_at, :reset_otp, :reset_otp_expires_at, :reset_attempt_count, :reset_request_count,
		:reset_locked_until, :reset_verified_at, :password_changed_at, :last_seen_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, a); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// FindByEmail returns the account for email regardless of its active flag.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.get(ctx, selectColumns+` WHERE email=$1`, email)
}

// FindActiveByEmail returns the account for email only when it is active.
func (r *AccountRepo) FindActiveByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.get(ctx, selectColumns+` WHERE email=$1 AND is_active`, email)
}

func (r *AccountRepo) FindByID(ctx context.Context, id string) (*entity.Account, error) {
	return r.get(ctx, selectColumns+` WHERE id=$1`, id)
}

func (r *AccountRepo) FindActiveByID(ctx context.Context, id string) (*entity.Account, error) {
	return r.get(ctx, selectColumns+` WHERE id=$1 AND is_active`, id)
}

func (r *AccountRepo) get(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Save overwrites every mutable column of the account (last write wins).
func (r *AccountRepo) Save(ctx context.Context, a *entity.Account) error {
	const q = `UPDATE accounts SET password_hash=:password_hash, first_name=:first_name, last_name=:last_name,
		is_active=:is_active, is_email_verified=:is_email_verified, otp=:otp, otp_expires_at=:otp_expires_at,
		reset_otp=:reset_otp, reset_otp_expires_at=:reset_otp_expires_at, reset_attempt_count=:reset_attempt_count,
		reset_request_count=:reset_request_count, reset_locked_until=:reset_locked_until,
		reset_verified_at=:reset_verified_at, password_changed_at=:password_changed_at, last_seen_at=:last_seen_at, updated_at=:updated_at
	  WHERE id=:id`
	res, err := r.db.NamedExecContext(ctx, q, a)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
