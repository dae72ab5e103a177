// Package confstore owns the wg-quick configuration file. All mutations
// run under an advisory exclusive lock, write through a same-directory
// temp file with an fsync-rename, and keep a .bak sibling so a failed
// kernel sync can roll the file back to its previous state.
package confstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kuuji/gatewarden/internal/wgkernel"
)

var (
	// ErrConfigMissing is returned when the configuration file does not exist.
	ErrConfigMissing = errors.New("tunnel configuration file not found")

	// ErrDuplicatePeer is returned when a public key is already present.
	ErrDuplicatePeer = errors.New("public key already present in configuration")

	// ErrReloadFailed is returned when the kernel rejected a rewritten
	// configuration. The file has been rolled back to its backup.
	ErrReloadFailed = errors.New("kernel sync of rewritten configuration failed")
)

var keepaliveRe = regexp.MustCompile(`(?m)^\s*PersistentKeepalive\s*=\s*(\d+)`)

// KernelSyncer is the slice of the kernel adapter the store needs: peer
// removal and whole-table replacement from parsed file state.
type KernelSyncer interface {
	RemovePeer(ctx context.Context, publicKey string) error
	ReplacePeers(ctx context.Context, entries []wgkernel.PeerEntry) error
}

// Store reads and rewrites the tunnel configuration file and keeps the
// kernel in step with it.
type Store struct {
	path   string
	kernel KernelSyncer
	log    *slog.Logger
}

// New creates a Store for the configuration file at path.
func New(path string, kernel KernelSyncer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		kernel: kernel,
		log:    logger.With("component", "confstore"),
	}
}

// Path returns the configuration file path.
func (s *Store) Path() string { return s.path }

// BackupPath returns the path of the rollback sibling.
func (s *Store) BackupPath() string {
	return strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".conf.bak"
}

// Read returns the current file content.
func (s *Store) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrConfigMissing, s.path)
		}
		return "", fmt.Errorf("reading %s: %w", s.path, err)
	}
	return string(data), nil
}

// PeerExists reports whether the public key appears in the current file.
func (s *Store) PeerExists(publicKey string) bool {
	content, err := s.Read()
	if err != nil {
		return false
	}
	return strings.Contains(content, publicKey)
}

// WithLock runs fn while holding an exclusive advisory lock on the
// configuration file. Contending callers block; the lock is released on
// every exit path, including panics unwinding through fn.
func (s *Store) WithLock(fn func() error) error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigMissing, s.path)
		}
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking %s: %w", s.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// WriteAtomic replaces the file content in one step. The previous content
// is first copied to the .bak sibling, then the new text is written to a
// same-directory temp file with mode 0600, fsynced, and renamed over the
// target. On any failure the temp file is unlinked and the target is
// untouched.
func (s *Store) WriteAtomic(text string) error {
	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.BackupPath(), prev, 0600); err != nil {
			return fmt.Errorf("writing backup %s: %w", s.BackupPath(), err)
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".wgconf-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file over %s: %w", s.path, err)
	}
	return nil
}

// AddPeer appends a [Peer] section for the public key and syncs the kernel
// to the rewritten file. Duplicate keys are rejected before any write. If
// the kernel sync fails the backup is restored and re-synced, so the file
// remains the durable record of what the kernel is actually running.
func (s *Store) AddPeer(ctx context.Context, publicKey string, addr netip.Addr, keepalive int, comment string) error {
	return s.WithLock(func() error {
		content, err := s.Read()
		if err != nil {
			return err
		}
		if strings.Contains(content, publicKey) {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, publicKey)
		}

		section := RenderPeerSection(publicKey, addr.String()+"/32", keepalive, comment)
		next := strings.TrimRight(content, "\n") + "\n\n" + section + "\n"

		if err := s.WriteAtomic(next); err != nil {
			return err
		}
		if err := s.syncKernel(ctx, next); err != nil {
			s.rollback(ctx)
			return fmt.Errorf("%w: %v", ErrReloadFailed, err)
		}
		return nil
	})
}

// RemovePeer deletes the peer from the kernel first, then filters its
// section out of the file and re-syncs. Kernel removal happens outside the
// file lock so no zombie peer survives even if the rewrite races another
// writer; removing an absent peer is a no-op on both planes.
func (s *Store) RemovePeer(ctx context.Context, publicKey string) error {
	if err := s.kernel.RemovePeer(ctx, publicKey); err != nil {
		return err
	}

	return s.WithLock(func() error {
		content, err := s.Read()
		if err != nil {
			return err
		}
		if !strings.Contains(content, publicKey) {
			return nil
		}

		interfaceBlock, peers := ParseSections(content)
		kept := peers[:0]
		for _, p := range peers {
			if p.PublicKey != publicKey {
				kept = append(kept, p)
			}
		}

		next := RenderConfig(interfaceBlock, kept)
		if err := s.WriteAtomic(next); err != nil {
			return err
		}
		if err := s.syncKernel(ctx, next); err != nil {
			return fmt.Errorf("%w: %v", ErrReloadFailed, err)
		}
		return nil
	})
}

// Sync re-applies the current file content to the kernel.
func (s *Store) Sync(ctx context.Context) error {
	content, err := s.Read()
	if err != nil {
		return err
	}
	return s.syncKernel(ctx, content)
}

// syncKernel parses the given content and replaces the kernel peer table
// with exactly the peers it describes.
func (s *Store) syncKernel(ctx context.Context, content string) error {
	_, peers := ParseSections(content)
	entries := make([]wgkernel.PeerEntry, 0, len(peers))
	for _, p := range peers {
		if p.PublicKey == "" || p.AllowedIP == "" {
			s.log.Warn("skipping malformed peer section during kernel sync",
				"public_key", p.PublicKey, "allowed_ip", p.AllowedIP)
			continue
		}
		prefix, err := netip.ParsePrefix(p.AllowedIP)
		if err != nil {
			s.log.Warn("skipping peer with unparsable allowed address",
				"public_key", p.PublicKey, "allowed_ip", p.AllowedIP)
			continue
		}
		entry := wgkernel.PeerEntry{PublicKey: p.PublicKey, AllowedIP: prefix}
		if m := keepaliveRe.FindStringSubmatch(p.Raw); m != nil {
			entry.Keepalive, _ = strconv.Atoi(m[1])
		}
		entries = append(entries, entry)
	}
	return s.kernel.ReplacePeers(ctx, entries)
}

// rollback restores the backup over the live file and re-syncs the kernel
// to it. Best effort: rollback runs only on paths already reporting an
// error to the caller.
func (s *Store) rollback(ctx context.Context) {
	prev, err := os.ReadFile(s.BackupPath())
	if err != nil {
		s.log.Error("rollback failed: backup unreadable", "error", err)
		return
	}
	if err := s.WriteAtomic(string(prev)); err != nil {
		s.log.Error("rollback failed: restore write", "error", err)
		return
	}
	if err := s.syncKernel(ctx, string(prev)); err != nil {
		s.log.Error("rollback failed: kernel re-sync", "error", err)
	}
}
