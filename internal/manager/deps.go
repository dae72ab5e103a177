package manager

import (
	"context"
	"net/netip"

	"github.com/kuuji/gatewarden/internal/registry"
)

// PeerRegistry abstracts the durable peer store for testability.
type PeerRegistry interface {
	CreatePeer(ctx context.Context, p *registry.Peer) (*registry.Peer, error)
	PeerByUsername(ctx context.Context, username string) (*registry.Peer, error)
	ListPeers(ctx context.Context) ([]*registry.Peer, error)
	ActivePeers(ctx context.Context) ([]*registry.Peer, error)
	UsedIPs(ctx context.Context) (map[netip.Addr]bool, error)
	UpdateStatus(ctx context.Context, username, status string) error
	UpdateKeys(ctx context.Context, username, publicKey, privateKey string) error
	DeletePeer(ctx context.Context, username string) error
}

// TunnelStore abstracts the interface config file plus the kernel sync
// that follows every write. On real systems this needs CAP_NET_ADMIN; in
// tests it is a recording fake.
type TunnelStore interface {
	AddPeer(ctx context.Context, publicKey string, addr netip.Addr, keepalive int, comment string) error
	RemovePeer(ctx context.Context, publicKey string) error
	PeerExists(publicKey string) bool
	Sync(ctx context.Context) error
}

// ACLEnforcer abstracts the per-peer firewall profiles.
type ACLEnforcer interface {
	ApplyProfile(source netip.Addr, profile string) error
	RevokeProfile(source netip.Addr) error
}

// KeySource abstracts key generation so tests produce stable keys.
type KeySource interface {
	GenerateKeypair() (privateKey, publicKey string, err error)
}

// KeyVault abstracts at-rest encryption of peer private keys.
type KeyVault interface {
	Seal(privateKey string) (string, error)
	Open(sealed string) (string, error)
}
