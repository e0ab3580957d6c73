package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("refresh session not found")

// Session is a persisted refresh token, keyed by the token's jti.
type Session struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS refresh_sessions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_account_id ON refresh_sessions(account_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *SessionRepo) Save(ctx context.Context, s Session) error {
	const q = `INSERT INTO refresh_sessions (id, account_id, expires_at, created_at) VALUES (:id, :account_id, :expires_at, :created_at)`
	_, err := r.db.NamedExecContext(ctx, q, s)
	return err
}

// Take deletes the session and returns it. Of two concurrent callers only one gets the row.
func (r *SessionRepo) Take(ctx context.Context, id string) (*Session, error) {
	var s Session
	const q = `DELETE FROM refresh_sessions WHERE id = $1 RETURNING id, account_id, expires_at, created_at`
	if err := r.db.GetContext(ctx, &s, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE id = $1`, id)
	return err
}

// DeleteByAccount revokes every refresh session of an account.
func (r *SessionRepo) DeleteByAccount(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE account_id = $1`, accountID)
	return err
}
