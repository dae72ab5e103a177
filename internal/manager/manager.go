// Package manager implements the peer lifecycle: create, delete,
// enable/disable, key rotation, and client artifact generation. Every
// mutation walks the same order — address, file and kernel, registry,
// filter — so a failure at any step leaves nothing earlier dangling.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kuuji/gatewarden/internal/clientconf"
	"github.com/kuuji/gatewarden/internal/ipalloc"
	"github.com/kuuji/gatewarden/internal/registry"
)

var (
	// ErrInvalidHandle rejects handles outside 2-32 chars of [a-z0-9_-].
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidProfile rejects unknown ACL profile names.
	ErrInvalidProfile = errors.New("invalid acl profile")
	// ErrInvalidOS rejects unknown client platforms.
	ErrInvalidOS = errors.New("invalid client os")
	// ErrNoPrivateKey means the artifact cannot be rendered because the
	// registry holds no private key for the peer and rotation is disabled.
	ErrNoPrivateKey = errors.New("no stored private key")
)

var handleRe = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

// Options carries the static knobs the lifecycle needs.
type Options struct {
	Endpoint         string // public host:port clients dial
	ServerPublicKey  string
	DNS              string
	MTU              int
	Keepalive        int
	StorePrivateKeys bool
}

// Manager owns peer lifecycle operations.
type Manager struct {
	reg   PeerRegistry
	store TunnelStore
	fw    ACLEnforcer
	alloc *ipalloc.Allocator
	keys  KeySource
	vault KeyVault
	opts  Options
	log   *slog.Logger
}

// New wires a Manager from its dependencies.
func New(reg PeerRegistry, store TunnelStore, fw ACLEnforcer, alloc *ipalloc.Allocator,
	keys KeySource, vault KeyVault, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		reg:   reg,
		store: store,
		fw:    fw,
		alloc: alloc,
		keys:  keys,
		vault: vault,
		opts:  opts,
		log:   logger.With("component", "manager"),
	}
}

// NormalizeHandle folds a requested handle to its canonical form.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(handle))
	if !handleRe.MatchString(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return h, nil
}

func validProfile(p string) bool {
	switch p {
	case registry.ProfileFull, registry.ProfileInternetOnly, registry.ProfileIntranetOnly:
		return true
	}
	return false
}

// Create provisions a new peer and returns its row plus the client
// artifact. The artifact carries the plaintext private key; this is the
// only moment it necessarily exists outside the vault.
func (m *Manager) Create(ctx context.Context, handle, clientOS, profile string) (*registry.Peer, string, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return nil, "", err
	}
	if !clientconf.KnownOS(clientOS) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidOS, clientOS)
	}
	if profile == "" {
		profile = registry.ProfileFull
	}
	if !validProfile(profile) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}

	// Reject duplicates before generating keys or touching the tunnel.
	if _, err := m.reg.PeerByUsername(ctx, h); err == nil {
		return nil, "", fmt.Errorf("create peer %s: %w", h, registry.ErrConflict)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, "", fmt.Errorf("create peer: %w", err)
	}

	used, err := m.reg.UsedIPs(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("create peer: %w", err)
	}
	addr, err := m.alloc.Allocate(used)
	if err != nil {
		return nil, "", fmt.Errorf("create peer: %w", err)
	}

	priv, pub, err := m.keys.GenerateKeypair()
	if err != nil {
		return nil, "", fmt.Errorf("create peer: %w", err)
	}

	if err := m.store.AddPeer(ctx, pub, addr, m.opts.Keepalive, h); err != nil {
		return nil, "", fmt.Errorf("create peer %s: %w", h, err)
	}

	stored := ""
	if m.opts.StorePrivateKeys {
		if stored, err = m.vault.Seal(priv); err != nil {
			m.rollbackTunnel(ctx, pub)
			return nil, "", fmt.Errorf("create peer %s: %w", h, err)
		}
	}
	peer, err := m.reg.CreatePeer(ctx, &registry.Peer{
		Username:   h,
		PublicKey:  pub,
		PrivateKey: stored,
		AssignedIP: addr,
		ClientOS:   clientOS,
		ACLProfile: profile,
	})
	if err != nil {
		m.rollbackTunnel(ctx, pub)
		return nil, "", fmt.Errorf("create peer %s: %w", h, err)
	}

	// Filter failures do not undo the peer; the next full sync reapplies
	// profiles once the firewall is reachable again.
	if err := m.fw.ApplyProfile(addr, profile); err != nil {
		m.log.Warn("acl profile not applied", "peer", h, "error", err)
	}

	artifact, err := m.render(priv, peer)
	if err != nil {
		return nil, "", fmt.Errorf("create peer %s: %w", h, err)
	}
	m.log.Info("peer created", "peer", h, "ip", addr.String(), "profile", profile)
	return peer, artifact, nil
}

// rollbackTunnel undoes a file+kernel add after a later step failed.
// Removal is idempotent, so a partial add rolls back cleanly too.
func (m *Manager) rollbackTunnel(ctx context.Context, publicKey string) {
	if err := m.store.RemovePeer(ctx, publicKey); err != nil {
		m.log.Error("rollback failed; peer may linger in tunnel config",
			"public_key", publicKey, "error", err)
	}
}

// Delete removes a peer everywhere. Tunnel state goes first so a
// registry failure cannot leave a keyed-in peer that no longer exists.
func (m *Manager) Delete(ctx context.Context, handle string) error {
	peer, err := m.reg.PeerByUsername(ctx, handle)
	if err != nil {
		return fmt.Errorf("delete peer %s: %w", handle, err)
	}

	if err := m.fw.RevokeProfile(peer.AssignedIP); err != nil {
		m.log.Warn("acl revoke failed", "peer", handle, "error", err)
	}
	if err := m.store.RemovePeer(ctx, peer.PublicKey); err != nil {
		return fmt.Errorf("delete peer %s: %w", handle, err)
	}
	if err := m.reg.DeletePeer(ctx, handle); err != nil {
		return fmt.Errorf("delete peer %s: %w", handle, err)
	}
	m.log.Info("peer deleted", "peer", handle, "ip", peer.AssignedIP.String())
	return nil
}

// SetEnabled toggles a peer. Disabling strips it from file, kernel, and
// filter while keeping its row and address reservation; enabling puts it
// back with the same key and address.
func (m *Manager) SetEnabled(ctx context.Context, handle string, enabled bool) (*registry.Peer, error) {
	peer, err := m.reg.PeerByUsername(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("toggle peer %s: %w", handle, err)
	}

	if enabled {
		if !m.store.PeerExists(peer.PublicKey) {
			if err := m.store.AddPeer(ctx, peer.PublicKey, peer.AssignedIP, m.opts.Keepalive, peer.Username); err != nil {
				return nil, fmt.Errorf("enable peer %s: %w", handle, err)
			}
		}
		if err := m.fw.ApplyProfile(peer.AssignedIP, peer.ACLProfile); err != nil {
			m.log.Warn("acl profile not applied", "peer", handle, "error", err)
		}
		if err := m.reg.UpdateStatus(ctx, handle, registry.StatusActive); err != nil {
			return nil, fmt.Errorf("enable peer %s: %w", handle, err)
		}
		peer.Status = registry.StatusActive
	} else {
		if err := m.fw.RevokeProfile(peer.AssignedIP); err != nil {
			m.log.Warn("acl revoke failed", "peer", handle, "error", err)
		}
		if err := m.store.RemovePeer(ctx, peer.PublicKey); err != nil {
			return nil, fmt.Errorf("disable peer %s: %w", handle, err)
		}
		if err := m.reg.UpdateStatus(ctx, handle, registry.StatusDisabled); err != nil {
			return nil, fmt.Errorf("disable peer %s: %w", handle, err)
		}
		peer.Status = registry.StatusDisabled
	}
	m.log.Info("peer toggled", "peer", handle, "enabled", enabled)
	return peer, nil
}

// Toggle flips the peer's enabled state.
func (m *Manager) Toggle(ctx context.Context, handle string) (*registry.Peer, error) {
	peer, err := m.reg.PeerByUsername(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("toggle peer %s: %w", handle, err)
	}
	return m.SetEnabled(ctx, handle, !peer.Active())
}

// RotateKeys replaces a peer's keypair, keeping its address and profile,
// and returns the fresh artifact. The old key stops working the moment
// the tunnel store swap completes.
func (m *Manager) RotateKeys(ctx context.Context, handle string) (*registry.Peer, string, error) {
	peer, err := m.reg.PeerByUsername(ctx, handle)
	if err != nil {
		return nil, "", fmt.Errorf("rotate keys for %s: %w", handle, err)
	}
	priv, peer, err := m.rotate(ctx, peer)
	if err != nil {
		return nil, "", fmt.Errorf("rotate keys for %s: %w", handle, err)
	}
	artifact, err := m.render(priv, peer)
	if err != nil {
		return nil, "", fmt.Errorf("rotate keys for %s: %w", handle, err)
	}
	m.log.Info("peer keys rotated", "peer", handle)
	return peer, artifact, nil
}

func (m *Manager) rotate(ctx context.Context, peer *registry.Peer) (string, *registry.Peer, error) {
	priv, pub, err := m.keys.GenerateKeypair()
	if err != nil {
		return "", nil, err
	}

	oldPub := peer.PublicKey
	if err := m.store.RemovePeer(ctx, oldPub); err != nil {
		return "", nil, err
	}
	if peer.Active() {
		if err := m.store.AddPeer(ctx, pub, peer.AssignedIP, m.opts.Keepalive, peer.Username); err != nil {
			return "", nil, err
		}
	}

	stored := ""
	if m.opts.StorePrivateKeys {
		if stored, err = m.vault.Seal(priv); err != nil {
			return "", nil, err
		}
	}
	if err := m.reg.UpdateKeys(ctx, peer.Username, pub, stored); err != nil {
		// Put the tunnel back the way the registry still describes it.
		if peer.Active() {
			m.rollbackTunnel(ctx, pub)
			if aerr := m.store.AddPeer(ctx, oldPub, peer.AssignedIP, m.opts.Keepalive, peer.Username); aerr != nil {
				m.log.Error("rotation rollback failed", "peer", peer.Username, "error", aerr)
			}
		}
		return "", nil, err
	}

	peer.PublicKey = pub
	peer.PrivateKey = stored
	return priv, peer, nil
}

// Artifact renders the client config and QR for an existing peer. Legacy
// rows without a stored private key get an implicit rotation: the only
// way to hand out a config whose key actually matches the tunnel.
func (m *Manager) Artifact(ctx context.Context, handle string) (conf, qr string, err error) {
	peer, err := m.reg.PeerByUsername(ctx, handle)
	if err != nil {
		return "", "", fmt.Errorf("artifact for %s: %w", handle, err)
	}

	var priv string
	switch {
	case peer.PrivateKey != "":
		if priv, err = m.vault.Open(peer.PrivateKey); err != nil {
			return "", "", fmt.Errorf("artifact for %s: %w", handle, err)
		}
	case m.opts.StorePrivateKeys:
		if priv, peer, err = m.rotate(ctx, peer); err != nil {
			return "", "", fmt.Errorf("artifact for %s: %w", handle, err)
		}
		m.log.Info("implicit key rotation for legacy peer", "peer", handle)
	default:
		return "", "", fmt.Errorf("artifact for %s: %w", handle, ErrNoPrivateKey)
	}

	if conf, err = m.render(priv, peer); err != nil {
		return "", "", fmt.Errorf("artifact for %s: %w", handle, err)
	}
	if qr, err = clientconf.QRDataURI(conf); err != nil {
		return "", "", fmt.Errorf("artifact for %s: %w", handle, err)
	}
	return conf, qr, nil
}

func (m *Manager) render(priv string, peer *registry.Peer) (string, error) {
	return clientconf.Render(clientconf.Params{
		PrivateKey:      priv,
		Address:         peer.AssignedIP,
		ServerPublicKey: m.opts.ServerPublicKey,
		Endpoint:        m.opts.Endpoint,
		DNS:             m.opts.DNS,
		MTU:             m.opts.MTU,
		Keepalive:       m.opts.Keepalive,
		ClientOS:        peer.ClientOS,
	})
}

// ApplyProfiles reapplies every active peer's ACL profile, used at
// startup and after a full sync. Individual failures are collected so
// one bad peer does not stop the rest.
func (m *Manager) ApplyProfiles(ctx context.Context) error {
	peers, err := m.reg.ActivePeers(ctx)
	if err != nil {
		return fmt.Errorf("apply profiles: %w", err)
	}
	var errs []error
	for _, p := range peers {
		if err := m.fw.ApplyProfile(p.AssignedIP, p.ACLProfile); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.Username, err))
		}
	}
	return errors.Join(errs...)
}
