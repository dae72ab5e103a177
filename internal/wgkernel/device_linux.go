//go:build linux

package wgkernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrInterfaceMissing is returned when the tunnel interface does not exist.
// The control plane never creates the interface; wg-quick owns it.
var ErrInterfaceMissing = errors.New("wireguard interface not found")

// Device manipulates the peer table of one kernel WireGuard interface.
type Device struct {
	iface string
	log   *slog.Logger
}

// New returns a Device bound to the named interface.
func New(iface string, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		iface: iface,
		log:   logger.With("component", "wgkernel", "iface", iface),
	}
}

// Interface returns the bound interface name.
func (d *Device) Interface() string { return d.iface }

// Exists reports whether the tunnel interface is present.
func (d *Device) Exists() bool {
	_, err := netlink.LinkByName(d.iface)
	return err == nil
}

// DumpPeers reads the live peer table, returning a map from base64 public
// key to counters and endpoint state.
func (d *Device) DumpPeers(_ context.Context) (map[string]PeerStat, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(d.iface)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInterfaceMissing, d.iface)
		}
		return nil, fmt.Errorf("inspect wireguard device: %w", err)
	}

	peers := make(map[string]PeerStat, len(dev.Peers))
	for _, p := range dev.Peers {
		stat := PeerStat{
			RxBytes: uint64(p.ReceiveBytes),
			TxBytes: uint64(p.TransmitBytes),
		}
		if p.Endpoint != nil {
			stat.Endpoint = p.Endpoint.String()
		}
		if !p.LastHandshakeTime.IsZero() {
			stat.LastHandshake = p.LastHandshakeTime.Unix()
		}
		peers[p.PublicKey.String()] = stat
	}
	return peers, nil
}

// RemovePeer deletes a peer from the kernel. Removing a peer that is not
// present is a successful no-op; the zombie purge and lifecycle rollback
// paths rely on that.
func (d *Device) RemovePeer(_ context.Context, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	wg, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	}
	if err := wg.ConfigureDevice(d.iface, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The kernel reports ENOENT both for a missing interface and a
			// missing peer; a missing peer is exactly what we want.
			if !d.Exists() {
				return fmt.Errorf("%w: %s", ErrInterfaceMissing, d.iface)
			}
			return nil
		}
		return fmt.Errorf("remove peer: %w", err)
	}

	d.log.Debug("peer removed from kernel", "public_key", publicKey)
	return nil
}

// PublicKey returns the interface's own public key, embedded in every
// client artifact.
func (d *Device) PublicKey() (string, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return "", fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(d.iface)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrInterfaceMissing, d.iface)
		}
		return "", fmt.Errorf("inspect wireguard device: %w", err)
	}
	return dev.PublicKey.String(), nil
}

// EnforcePeers upserts the given peers without touching peers that are
// not listed. This is the reconciler's enforce pass: one batch replaying
// every active peer with its allowed address.
func (d *Device) EnforcePeers(_ context.Context, entries []PeerEntry) error {
	cfgs, err := peerConfigs(entries)
	if err != nil {
		return err
	}
	return d.configure(wgtypes.Config{ReplacePeers: false, Peers: cfgs})
}

// ReplacePeers makes the kernel peer table exactly equal to entries,
// removing everything else. This is the kernel-sync step after a config
// file rewrite.
func (d *Device) ReplacePeers(_ context.Context, entries []PeerEntry) error {
	cfgs, err := peerConfigs(entries)
	if err != nil {
		return err
	}
	return d.configure(wgtypes.Config{ReplacePeers: true, Peers: cfgs})
}

func (d *Device) configure(cfg wgtypes.Config) error {
	wg, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	if err := wg.ConfigureDevice(d.iface, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrInterfaceMissing, d.iface)
		}
		return fmt.Errorf("configure wireguard peers: %w", err)
	}
	return nil
}

func peerConfigs(entries []PeerEntry) ([]wgtypes.PeerConfig, error) {
	cfgs := make([]wgtypes.PeerConfig, 0, len(entries))
	for _, e := range entries {
		key, err := wgtypes.ParseKey(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse public key %q: %w", e.PublicKey, err)
		}
		pc := wgtypes.PeerConfig{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs: []net.IPNet{{
				IP:   e.AllowedIP.Addr().AsSlice(),
				Mask: net.CIDRMask(e.AllowedIP.Bits(), 32),
			}},
		}
		if e.Keepalive > 0 {
			ka := time.Duration(e.Keepalive) * time.Second
			pc.PersistentKeepaliveInterval = &ka
		}
		cfgs = append(cfgs, pc)
	}
	return cfgs, nil
}

// UplinkInterface returns the name of the interface carrying the default
// route, used to scope the NAT masquerade rule.
func UplinkInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			continue // only the default route has a nil destination
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("resolve uplink interface: %w", err)
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route found")
}
