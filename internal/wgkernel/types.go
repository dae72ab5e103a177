// Package wgkernel drives the kernel WireGuard interface through wgctrl.
// It is the only component allowed to mutate the live peer table, and the
// source of the counter dumps the telemetry poller consumes.
package wgkernel

import (
	"net/netip"
	"time"
)

// PeerStat is one peer's live state as reported by the kernel.
type PeerStat struct {
	// Endpoint is the last observed remote endpoint ("ip:port"), or the
	// empty string when the kernel has never seen one.
	Endpoint string

	// LastHandshake is the unix time of the most recent handshake.
	// Zero means the peer has never completed a handshake.
	LastHandshake int64

	// RxBytes and TxBytes are the kernel's cumulative transfer counters.
	// They reset when the interface or the host restarts.
	RxBytes uint64
	TxBytes uint64
}

// PeerEntry is the desired kernel state for one peer.
type PeerEntry struct {
	// PublicKey is the peer's base64-encoded public key.
	PublicKey string

	// AllowedIP is the peer's tunnel address as a /32 prefix.
	AllowedIP netip.Prefix

	// Keepalive is the persistent keepalive interval in seconds.
	// Zero leaves keepalive unset.
	Keepalive int
}

// Connected classifies a handshake timestamp against the liveness window.
// A peer is connected only while its handshake age is strictly below the
// window; an age exactly at the window counts as disconnected, and a zero
// timestamp (never handshaken) is always disconnected.
func Connected(handshakeUnix, nowUnix int64, window time.Duration) bool {
	if handshakeUnix <= 0 {
		return false
	}
	age := time.Duration(nowUnix-handshakeUnix) * time.Second
	return age >= 0 && age < window
}
