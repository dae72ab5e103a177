// Package reconcile restores agreement between the three copies of peer
// state: the registry (authoritative), the tunnel configuration file,
// and the kernel peer table. Each sweep runs three passes in order:
// purge kernel peers the registry disowns, rewrite the file to match the
// registry, then enforce the result on the kernel.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/gatewarden/internal/confstore"
	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

// ErrNoInterfaceBlock means the config file has no [Interface] section.
// Rewriting such a file would destroy the interface definition, so the
// file pass refuses and leaves it for the operator.
var ErrNoInterfaceBlock = errors.New("config file has no interface block")

// Registry is the slice of the peer registry the reconciler reads.
type Registry interface {
	ActivePeers(ctx context.Context) ([]*registry.Peer, error)
}

// Kernel is the slice of the kernel device the reconciler drives.
type Kernel interface {
	DumpPeers(ctx context.Context) (map[string]wgkernel.PeerStat, error)
	RemovePeer(ctx context.Context, publicKey string) error
	EnforcePeers(ctx context.Context, entries []wgkernel.PeerEntry) error
}

// Store is the slice of the tunnel file store the reconciler rewrites.
type Store interface {
	Read() (string, error)
	WithLock(fn func() error) error
	WriteAtomic(text string) error
	Sync(ctx context.Context) error
}

// Result summarizes one sweep for logging and the heal CLI.
type Result struct {
	ZombiesRemoved []string
	FileRewritten  bool
	ActivePeers    int
}

// Reconciler runs sweeps.
type Reconciler struct {
	reg       Registry
	kernel    Kernel
	store     Store
	keepalive int
	log       *slog.Logger
}

// New wires a Reconciler.
func New(reg Registry, kernel Kernel, store Store, keepalive int, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		reg:       reg,
		kernel:    kernel,
		store:     store,
		keepalive: keepalive,
		log:       logger.With("component", "reconcile"),
	}
}

// Run performs one full sweep.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	active, err := r.reg.ActivePeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	activeSet := make(map[string]*registry.Peer, len(active))
	for _, p := range active {
		activeSet[p.PublicKey] = p
	}
	res := &Result{ActivePeers: len(active)}

	if err := r.purgeZombies(ctx, activeSet, res); err != nil {
		return res, err
	}
	if err := r.rewriteFile(activeSet, active, res); err != nil {
		if errors.Is(err, ErrNoInterfaceBlock) {
			// Kernel enforcement still runs; the file stays broken until an
			// operator restores the interface block.
			r.log.Error("config file rewrite refused", "error", err)
		} else {
			return res, err
		}
	}
	if err := r.enforceKernel(ctx, active); err != nil {
		return res, err
	}

	r.log.Info("reconcile sweep complete",
		"active", res.ActivePeers,
		"zombies_removed", len(res.ZombiesRemoved),
		"file_rewritten", res.FileRewritten)
	return res, nil
}

// purgeZombies removes kernel peers the registry does not consider
// active. These appear when a delete crashed between kernel and registry,
// or when something edited the device behind our back.
func (r *Reconciler) purgeZombies(ctx context.Context, activeSet map[string]*registry.Peer, res *Result) error {
	kernelPeers, err := r.kernel.DumpPeers(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: dump kernel peers: %w", err)
	}
	for pub := range kernelPeers {
		if _, ok := activeSet[pub]; ok {
			continue
		}
		if err := r.kernel.RemovePeer(ctx, pub); err != nil {
			return fmt.Errorf("reconcile: purge zombie %s: %w", pub, err)
		}
		r.log.Warn("zombie peer purged from kernel", "public_key", pub)
		res.ZombiesRemoved = append(res.ZombiesRemoved, pub)
	}
	return nil
}

// rewriteFile regenerates the peer sections from the registry, keeping
// the interface block and any matching peer blocks verbatim. The file is
// only written when its content would actually change.
func (r *Reconciler) rewriteFile(activeSet map[string]*registry.Peer, active []*registry.Peer, res *Result) error {
	return r.store.WithLock(func() error {
		current, err := r.store.Read()
		if err != nil {
			return fmt.Errorf("reconcile: read config: %w", err)
		}
		interfaceBlock, existing := confstore.ParseSections(current)
		if interfaceBlock == "" {
			return ErrNoInterfaceBlock
		}

		existingByKey := make(map[string]confstore.PeerSection, len(existing))
		for _, s := range existing {
			existingByKey[s.PublicKey] = s
		}

		desired := make([]confstore.PeerSection, 0, len(active))
		for _, p := range active {
			allowed := p.AssignedIP.String() + "/32"
			if s, ok := existingByKey[p.PublicKey]; ok && s.AllowedIP == allowed {
				desired = append(desired, s)
				continue
			}
			desired = append(desired, confstore.PeerSection{
				Raw:       confstore.RenderPeerSection(p.PublicKey, allowed, r.keepalive, p.Username),
				PublicKey: p.PublicKey,
				AllowedIP: allowed,
			})
		}

		next := confstore.RenderConfig(interfaceBlock, desired)
		if next == current {
			return nil
		}
		if err := r.store.WriteAtomic(next); err != nil {
			return fmt.Errorf("reconcile: rewrite config: %w", err)
		}
		res.FileRewritten = true
		return nil
	})
}

// enforceKernel replays the active peers onto the device, then syncs the
// file so the kernel table equals the file exactly.
func (r *Reconciler) enforceKernel(ctx context.Context, active []*registry.Peer) error {
	entries := make([]wgkernel.PeerEntry, 0, len(active))
	for _, p := range active {
		entries = append(entries, wgkernel.PeerEntry{
			PublicKey: p.PublicKey,
			AllowedIP: prefix32(p),
			Keepalive: r.keepalive,
		})
	}
	if err := r.kernel.EnforcePeers(ctx, entries); err != nil {
		return fmt.Errorf("reconcile: enforce kernel peers: %w", err)
	}
	if err := r.store.Sync(ctx); err != nil {
		return fmt.Errorf("reconcile: sync kernel from file: %w", err)
	}
	return nil
}

func prefix32(p *registry.Peer) netip.Prefix {
	pfx, _ := p.AssignedIP.Prefix(32)
	return pfx
}

// RunLoop sweeps on a fixed interval until ctx is canceled. Sweep
// failures are logged and retried on the next tick.
func (r *Reconciler) RunLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.log.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}
