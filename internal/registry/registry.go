// Package registry is the durable record of peers, the administrator,
// derived connection sessions, and invites. It is the single source of
// truth the reconciler shapes the config file and kernel against.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrConflict is returned when a unique constraint is violated
	// (duplicate handle, public key, or assigned address).
	ErrConflict = errors.New("registry: conflict")
)

// Registry wraps the SQLite database holding control-plane state.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry at path and applies the
// schema. WAL mode keeps the telemetry writer from blocking API reads.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS peers (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL UNIQUE,
	public_key    TEXT    NOT NULL UNIQUE,
	private_key   TEXT    NOT NULL DEFAULT '',
	assigned_ip   TEXT    NOT NULL UNIQUE,
	client_os     TEXT    NOT NULL DEFAULT 'android'
		CHECK (client_os IN ('android', 'linux', 'ios', 'windows', 'macos')),
	acl_profile   TEXT    NOT NULL DEFAULT 'full'
		CHECK (acl_profile IN ('full', 'internet-only', 'intranet-only')),
	status        TEXT    NOT NULL DEFAULT 'active'
		CHECK (status IN ('active', 'disabled')),
	total_rx      INTEGER NOT NULL DEFAULT 0,
	total_tx      INTEGER NOT NULL DEFAULT 0,
	last_login    INTEGER NOT NULL DEFAULT 0,
	last_endpoint TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TABLE IF NOT EXISTS admin (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	username      TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	totp_secret   TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_id    INTEGER NOT NULL REFERENCES peers(id) ON DELETE CASCADE,
	public_key TEXT    NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL DEFAULT 0,
	endpoint   TEXT    NOT NULL DEFAULT '',
	rx         INTEGER NOT NULL DEFAULT 0,
	tx         INTEGER NOT NULL DEFAULT 0,
	is_active  INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS sessions_peer_idx ON sessions(peer_id, start_time DESC);

CREATE TABLE IF NOT EXISTS invites (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	email        TEXT    NOT NULL UNIQUE,
	token        TEXT    NOT NULL UNIQUE,
	code         TEXT    NOT NULL DEFAULT '',
	code_expires INTEGER NOT NULL DEFAULT 0,
	verified     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Admin is the single administrator row.
type Admin struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// GetAdmin returns the administrator, or ErrNotFound before bootstrap.
func (r *Registry) GetAdmin(ctx context.Context) (*Admin, error) {
	var a Admin
	err := r.db.QueryRowContext(ctx,
		`SELECT username, password_hash, totp_secret FROM admin WHERE id = 1`,
	).Scan(&a.Username, &a.PasswordHash, &a.TOTPSecret)
	if err != nil {
		return nil, wrapErr("get admin", err)
	}
	return &a, nil
}

// UpsertAdmin creates or replaces the administrator row.
func (r *Registry) UpsertAdmin(ctx context.Context, username, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin (id, username, password_hash) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username,
		                               password_hash = excluded.password_hash`,
		username, passwordHash)
	return wrapErr("upsert admin", err)
}

// Invite is a pending registration invitation.
type Invite struct {
	ID          int64
	Email       string
	Token       string
	Code        string
	CodeExpires int64
	Verified    bool
	CreatedAt   int64
}

// CreateInvite records a new invite token for an email address.
func (r *Registry) CreateInvite(ctx context.Context, email, token, code string, codeExpires int64) (*Invite, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (email, token, code, code_expires) VALUES (?, ?, ?, ?)`,
		email, token, code, codeExpires)
	if err != nil {
		return nil, wrapErr("create invite", err)
	}
	id, _ := res.LastInsertId()
	return &Invite{ID: id, Email: email, Token: token, Code: code, CodeExpires: codeExpires}, nil
}

// InviteByToken looks an invite up by its URL token.
func (r *Registry) InviteByToken(ctx context.Context, token string) (*Invite, error) {
	var inv Invite
	var verified int
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, token, code, code_expires, verified, created_at
		FROM invites WHERE token = ?`, token,
	).Scan(&inv.ID, &inv.Email, &inv.Token, &inv.Code, &inv.CodeExpires, &verified, &inv.CreatedAt)
	if err != nil {
		return nil, wrapErr("invite by token", err)
	}
	inv.Verified = verified != 0
	return &inv, nil
}

// MarkInviteVerified flips the verified flag after code confirmation.
func (r *Registry) MarkInviteVerified(ctx context.Context, token string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE invites SET verified = 1 WHERE token = ?`, token)
	if err != nil {
		return wrapErr("verify invite", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("verify invite: %w", ErrNotFound)
	}
	return nil
}

// ListInvites returns all invites, newest first.
func (r *Registry) ListInvites(ctx context.Context) ([]Invite, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, token, code, code_expires, verified, created_at
		FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapErr("list invites", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		var verified int
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.Token, &inv.Code,
			&inv.CodeExpires, &verified, &inv.CreatedAt); err != nil {
			return nil, wrapErr("scan invite", err)
		}
		inv.Verified = verified != 0
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// DeleteInvite removes an invite by token.
func (r *Registry) DeleteInvite(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM invites WHERE token = ?`, token)
	return wrapErr("delete invite", err)
}
