package registry

import (
	"context"
	"fmt"
)

// Session is one derived connection interval. Sessions are telemetry, not
// authority: losing them never affects the peer lifecycle.
type Session struct {
	ID        int64
	PeerID    int64
	PublicKey string
	StartTime int64
	EndTime   int64 // 0 while open
	Endpoint  string
	Rx        uint64
	Tx        uint64
	Active    bool
}

// OpenSession records the start of a connection interval for a peer.
func (r *Registry) OpenSession(ctx context.Context, publicKey, endpoint string, startUnix int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (peer_id, public_key, start_time, endpoint)
		SELECT id, public_key, ?, ? FROM peers WHERE public_key = ?`,
		startUnix, endpoint, publicKey)
	if err != nil {
		return 0, wrapErr("open session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("open session", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("open session: %w", ErrNotFound)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// AddSessionBytes adds per-tick counter deltas to an open session.
func (r *Registry) AddSessionBytes(ctx context.Context, sessionID int64, deltaRx, deltaTx uint64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET rx = rx + ?, tx = tx + ? WHERE id = ? AND is_active = 1`,
		deltaRx, deltaTx, sessionID)
	return wrapErr("add session bytes", err)
}

// CloseSession marks a session ended. Closing an already-closed session
// is a no-op so the poller can retry persistence safely.
func (r *Registry) CloseSession(ctx context.Context, sessionID, endUnix int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, is_active = 0 WHERE id = ? AND is_active = 1`,
		endUnix, sessionID)
	return wrapErr("close session", err)
}

// CloseAllOpenSessions ends every open session, used on startup: any
// session left open by a previous process cannot still be live.
func (r *Registry) CloseAllOpenSessions(ctx context.Context, endUnix int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, is_active = 0 WHERE is_active = 1`, endUnix)
	return wrapErr("close open sessions", err)
}

// SessionsForPeer returns a peer's session history, newest first.
func (r *Registry) SessionsForPeer(ctx context.Context, username string, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.peer_id, s.public_key, s.start_time, s.end_time,
		       s.endpoint, s.rx, s.tx, s.is_active
		FROM sessions s
		JOIN peers p ON p.id = s.peer_id
		WHERE p.username = ?
		ORDER BY s.start_time DESC, s.id DESC
		LIMIT ?`, username, limit)
	if err != nil {
		return nil, wrapErr("sessions for peer", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var active int
		if err := rows.Scan(&s.ID, &s.PeerID, &s.PublicKey, &s.StartTime,
			&s.EndTime, &s.Endpoint, &s.Rx, &s.Tx, &active); err != nil {
			return nil, wrapErr("scan session", err)
		}
		s.Active = active != 0
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
