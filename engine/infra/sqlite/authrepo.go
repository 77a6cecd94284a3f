package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/core"
)

// AuthRepo implements auth.Repository on top of a SQLite *sql.DB.
type AuthRepo struct{ db *sql.DB }

// NewAuthRepo creates a new SQLite-backed auth repository.
func NewAuthRepo(db *sql.DB) auth.Repository { return &AuthRepo{db: db} }

// --- Users ---

func (r *AuthRepo) CreateUser(ctx context.Context, user *auth.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO users (id, username, role, created_at) VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, user.ID, user.Username, user.Role, fmtTime(user.CreatedAt)); err != nil {
		return fmt.Errorf("sqlite: create user: %w", err)
	}
	return nil
}

func (r *AuthRepo) GetUserByID(ctx context.Context, id core.ID) (*auth.User, error) {
	const q = `SELECT id, username, role, created_at FROM users WHERE id = ?`
	return r.scanUser(r.db.QueryRowContext(ctx, q, id), "get user by id")
}

func (r *AuthRepo) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const q = `SELECT id, username, role, created_at FROM users WHERE lower(username) = lower(?)`
	return r.scanUser(r.db.QueryRowContext(ctx, q, username), "get user by username")
}

func (r *AuthRepo) scanUser(row *sql.Row, op string) (*auth.User, error) {
	var (
		u         auth.User
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrUserNotFound
		}
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = created
	return &u, nil
}

func (r *AuthRepo) ListUsers(ctx context.Context) ([]*auth.User, error) {
	const q = `SELECT id, username, role, created_at FROM users ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	defer rows.Close()
	var out []*auth.User
	for rows.Next() {
		var (
			u         auth.User
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		created, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		u.CreatedAt = created
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter users: %w", err)
	}
	return out, nil
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, fingerprint, prefix, created_at, last_used, revoked`

func (r *AuthRepo) CreateAPIKey(ctx context.Context, key *auth.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO api_keys (id, user_id, name, fingerprint, prefix, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q,
		key.ID,
		key.UserID,
		key.Name,
		key.Fingerprint,
		key.Prefix,
		fmtTime(key.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: create api key: %w", err)
	}
	return nil
}

func (r *AuthRepo) scanAPIKey(row rowScanner, op string) (*auth.APIKey, error) {
	var (
		k         auth.APIKey
		createdAt string
		lastUsed  sql.NullString
		revoked   int
	)
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Fingerprint, &k.Prefix, &createdAt, &lastUsed, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	k.CreatedAt = created
	if k.LastUsed, err = parseTimePtr(lastUsed); err != nil {
		return nil, err
	}
	k.Revoked = revoked != 0
	return &k, nil
}

func (r *AuthRepo) GetAPIKeyByFingerprint(ctx context.Context, fingerprint []byte) (*auth.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE fingerprint = ?`
	return r.scanAPIKey(r.db.QueryRowContext(ctx, q, fingerprint), "get api key by fingerprint")
}

func (r *AuthRepo) ListAPIKeysByUserID(ctx context.Context, userID core.ID) ([]*auth.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list api keys: %w", err)
	}
	defer rows.Close()
	var out []*auth.APIKey
	for rows.Next() {
		k, err := r.scanAPIKey(rows, "scan api key")
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter api keys: %w", err)
	}
	return out, nil
}

func (r *AuthRepo) UpdateAPIKeyLastUsed(ctx context.Context, id core.ID) error {
	// Use CASE to emulate GREATEST(last_used, now) in SQLite
	const q = `UPDATE api_keys SET last_used = CASE
		WHEN last_used IS NULL OR last_used < ? THEN ?
		ELSE last_used END
		WHERE id = ?`
	now := fmtTime(time.Now())
	res, err := r.db.ExecContext(ctx, q, now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: update api key last_used: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return auth.ErrAPIKeyNotFound
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (update api key): %w", raErr)
	}
	return nil
}

func (r *AuthRepo) RevokeAPIKey(ctx context.Context, id core.ID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: revoke api key: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return auth.ErrAPIKeyNotFound
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (revoke api key): %w", raErr)
	}
	return nil
}

func (r *AuthRepo) CreateInitialAdminIfNone(ctx context.Context, user *auth.User) error {
	user.Role = auth.RoleAdmin
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	// Atomic insert-if-no-admin using INSERT ... SELECT ... WHERE NOT EXISTS
	const q = `
        INSERT INTO users (id, username, role, created_at)
        SELECT ?, ?, ?, ?
        WHERE NOT EXISTS (SELECT 1 FROM users WHERE role = 'admin')
    `
	res, err := r.db.ExecContext(ctx, q, user.ID, user.Username, user.Role, fmtTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create initial admin: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return core.NewError(fmt.Errorf("system already bootstrapped"), "ALREADY_BOOTSTRAPPED", nil)
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (bootstrap admin): %w", raErr)
	}
	return nil
}
