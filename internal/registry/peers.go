package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
)

// Peer lifecycle statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// ACL profile tags.
const (
	ProfileFull         = "full"
	ProfileInternetOnly = "internet-only"
	ProfileIntranetOnly = "intranet-only"
)

// Peer is one tunnel client.
type Peer struct {
	ID           int64
	Username     string
	PublicKey    string
	PrivateKey   string // encrypted at rest; empty for legacy rows
	AssignedIP   netip.Addr
	ClientOS     string
	ACLProfile   string
	Status       string
	TotalRx      uint64
	TotalTx      uint64
	LastLogin    int64  // unix seconds of last observed handshake, 0 = never
	LastEndpoint string // last observed remote endpoint, "" = never
	CreatedAt    int64  // unix seconds
}

// Active reports whether the peer should be present in file and kernel.
func (p *Peer) Active() bool { return p.Status == StatusActive }

const peerColumns = `id, username, public_key, private_key, assigned_ip,
	client_os, acl_profile, status, total_rx, total_tx, last_login,
	last_endpoint, created_at`

func scanPeer(row interface{ Scan(...any) error }) (*Peer, error) {
	var p Peer
	var ip string
	err := row.Scan(&p.ID, &p.Username, &p.PublicKey, &p.PrivateKey, &ip,
		&p.ClientOS, &p.ACLProfile, &p.Status, &p.TotalRx, &p.TotalTx,
		&p.LastLogin, &p.LastEndpoint, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("peer %s has unparsable address %q: %w", p.Username, ip, err)
	}
	p.AssignedIP = addr
	return &p, nil
}

// CreatePeer inserts a new peer row. Uniqueness of handle, key, and
// address is enforced by the schema and surfaces as ErrConflict.
func (r *Registry) CreatePeer(ctx context.Context, p *Peer) (*Peer, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO peers (username, public_key, private_key, assigned_ip,
		                   client_os, acl_profile, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Username, p.PublicKey, p.PrivateKey, p.AssignedIP.String(),
		p.ClientOS, p.ACLProfile, StatusActive)
	if err != nil {
		return nil, wrapErr("create peer", err)
	}
	id, _ := res.LastInsertId()
	return r.PeerByID(ctx, id)
}

// PeerByID fetches a peer by row id.
func (r *Registry) PeerByID(ctx context.Context, id int64) (*Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("peer by id", err)
	}
	return p, nil
}

// PeerByUsername fetches a peer by handle.
func (r *Registry) PeerByUsername(ctx context.Context, username string) (*Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE username = ?`, username))
	if err != nil {
		return nil, wrapErr("peer by username", err)
	}
	return p, nil
}

// PeerByPublicKey fetches a peer by public key.
func (r *Registry) PeerByPublicKey(ctx context.Context, publicKey string) (*Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE public_key = ?`, publicKey))
	if err != nil {
		return nil, wrapErr("peer by public key", err)
	}
	return p, nil
}

// ListPeers returns every peer, newest first.
func (r *Registry) ListPeers(ctx context.Context) ([]*Peer, error) {
	return r.queryPeers(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY created_at DESC, id DESC`)
}

// ActivePeers returns the peers whose status is active, the set that must
// exist in the tunnel file and kernel.
func (r *Registry) ActivePeers(ctx context.Context) ([]*Peer, error) {
	return r.queryPeers(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE status = ? ORDER BY id`, StatusActive)
}

func (r *Registry) queryPeers(ctx context.Context, query string, args ...any) ([]*Peer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list peers", err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, wrapErr("scan peer", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// UsedIPs returns the set of assigned addresses across all peers,
// regardless of status; disabled peers keep their address.
func (r *Registry) UsedIPs(ctx context.Context) (map[netip.Addr]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT assigned_ip FROM peers`)
	if err != nil {
		return nil, wrapErr("used ips", err)
	}
	defer rows.Close()

	used := make(map[netip.Addr]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, wrapErr("scan ip", err)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		used[addr] = true
	}
	return used, rows.Err()
}

// UpdateStatus flips a peer between active and disabled.
func (r *Registry) UpdateStatus(ctx context.Context, username, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE peers SET status = ? WHERE username = ?`, status, username)
	if err != nil {
		return wrapErr("update status", err)
	}
	return requireRow("update status", res)
}

// UpdateKeys overwrites both keys after a rotation. The old public key is
// invalidated in the same statement that records the new one.
func (r *Registry) UpdateKeys(ctx context.Context, username, publicKey, privateKey string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE peers SET public_key = ?, private_key = ? WHERE username = ?`,
		publicKey, privateKey, username)
	if err != nil {
		return wrapErr("update keys", err)
	}
	return requireRow("update keys", res)
}

// DeletePeer removes a peer row; its sessions cascade.
func (r *Registry) DeletePeer(ctx context.Context, username string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM peers WHERE username = ?`, username)
	if err != nil {
		return wrapErr("delete peer", err)
	}
	return requireRow("delete peer", res)
}

// AddTraffic adds counter deltas to a peer's cumulative totals. The
// addition happens in SQL so concurrent writers cannot lose updates.
func (r *Registry) AddTraffic(ctx context.Context, publicKey string, deltaRx, deltaTx uint64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE peers SET total_rx = total_rx + ?, total_tx = total_tx + ?
		WHERE public_key = ?`, deltaRx, deltaTx, publicKey)
	return wrapErr("add traffic", err)
}

// UpdateLastSeen overwrites the last observed endpoint and handshake time
// with the latest non-empty values.
func (r *Registry) UpdateLastSeen(ctx context.Context, publicKey, endpoint string, handshakeUnix int64) error {
	if endpoint == "" && handshakeUnix == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE peers SET
			last_endpoint = CASE WHEN ? != '' THEN ? ELSE last_endpoint END,
			last_login    = CASE WHEN ? > 0 THEN ? ELSE last_login END
		WHERE public_key = ?`,
		endpoint, endpoint, handshakeUnix, handshakeUnix, publicKey)
	return wrapErr("update last seen", err)
}

func requireRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
