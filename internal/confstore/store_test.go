package confstore

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kuuji/gatewarden/internal/wgkernel"
)

// fakeKernel records peer operations and can be told to fail syncs.
type fakeKernel struct {
	removed   []string
	replaced  [][]wgkernel.PeerEntry
	syncErr   error
	removeErr error
}

func (f *fakeKernel) RemovePeer(_ context.Context, publicKey string) error {
	f.removed = append(f.removed, publicKey)
	return f.removeErr
}

func (f *fakeKernel) ReplacePeers(_ context.Context, entries []wgkernel.PeerEntry) error {
	f.replaced = append(f.replaced, entries)
	return f.syncErr
}

func (f *fakeKernel) lastReplace() []wgkernel.PeerEntry {
	if len(f.replaced) == 0 {
		return nil
	}
	return f.replaced[len(f.replaced)-1]
}

func newTestStore(t *testing.T) (*Store, *fakeKernel) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		t.Fatal(err)
	}
	k := &fakeKernel{}
	return New(path, k, nil), k
}

const (
	aliceKey = "YWxpY2VwdWJrZXlhbGljZXB1YmtleWFsaWNlcHVia2V5YQ="
	carolKey = "Y2Fyb2xwdWJrZXljYXJvbHB1YmtleWNhcm9scHVia2V5Yw=="
)

func TestReadMissing(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "absent.conf"), &fakeKernel{}, nil)
	if _, err := s.Read(); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("Read() error = %v, want ErrConfigMissing", err)
	}
}

func TestAddPeer(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	addr := netip.MustParseAddr("10.50.0.7")

	if err := s.AddPeer(context.Background(), carolKey, addr, 25, "carol"); err != nil {
		t.Fatalf("AddPeer() error: %v", err)
	}

	content, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, carolKey) {
		t.Error("added peer missing from file")
	}
	if !strings.Contains(content, "AllowedIPs = 10.50.0.7/32") {
		t.Error("added peer missing /32 allowed address")
	}

	// Kernel was synced to the full file contents (3 peers now).
	entries := k.lastReplace()
	if len(entries) != 3 {
		t.Fatalf("kernel synced with %d peers, want 3", len(entries))
	}

	// Mode stays locked down.
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 0600", perm)
	}

	// A backup of the pre-rewrite content exists.
	bak, err := os.ReadFile(s.BackupPath())
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if strings.Contains(string(bak), carolKey) {
		t.Error("backup contains the new peer; it must hold the previous content")
	}
}

func TestAddPeerDuplicate(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	err := s.AddPeer(context.Background(), aliceKey, netip.MustParseAddr("10.50.0.3"), 25, "")
	if !errors.Is(err, ErrDuplicatePeer) {
		t.Fatalf("AddPeer() error = %v, want ErrDuplicatePeer", err)
	}
	if len(k.replaced) != 0 {
		t.Error("kernel sync ran despite duplicate rejection")
	}
}

func TestAddPeerRollbackOnSyncFailure(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	k.syncErr = errors.New("device gone")

	err := s.AddPeer(context.Background(), carolKey, netip.MustParseAddr("10.50.0.7"), 25, "")
	if !errors.Is(err, ErrReloadFailed) {
		t.Fatalf("AddPeer() error = %v, want ErrReloadFailed", err)
	}

	// The file was rolled back: no trace of the new peer.
	content, readErr := s.Read()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if strings.Contains(content, carolKey) {
		t.Error("file still contains the peer after rollback")
	}
}

func TestRemovePeer(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	if err := s.RemovePeer(context.Background(), aliceKey); err != nil {
		t.Fatalf("RemovePeer() error: %v", err)
	}

	// Kernel removal is issued before the file rewrite.
	if len(k.removed) != 1 || k.removed[0] != aliceKey {
		t.Errorf("kernel removals = %v, want [%s]", k.removed, aliceKey)
	}

	content, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(content, aliceKey) {
		t.Error("removed peer still present in file")
	}
	if !strings.Contains(content, "[Interface]") {
		t.Error("interface section lost during removal")
	}

	entries := k.lastReplace()
	for _, e := range entries {
		if e.PublicKey == aliceKey {
			t.Error("kernel re-synced with the removed peer")
		}
	}
}

func TestRemovePeerAbsentIsNoop(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	before, _ := s.Read()

	if err := s.RemovePeer(context.Background(), carolKey); err != nil {
		t.Fatalf("RemovePeer() of absent peer: %v", err)
	}

	after, _ := s.Read()
	if before != after {
		t.Error("file changed when removing an absent peer")
	}
	if len(k.replaced) != 0 {
		t.Error("kernel sync ran for an absent peer removal")
	}
}

func TestWriteAtomicFailureLeavesTarget(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	before, _ := s.Read()

	// Writing succeeds normally; verify the temp file never lingers.
	if err := s.WriteAtomic(before + "# touched\n"); err != nil {
		t.Fatalf("WriteAtomic() error: %v", err)
	}
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), ".wgconf-*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestSyncParsesKeepalive(t *testing.T) {
	t.Parallel()

	s, k := newTestStore(t)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	entries := k.lastReplace()
	if len(entries) != 2 {
		t.Fatalf("synced %d peers, want 2", len(entries))
	}
	if entries[0].Keepalive != 25 {
		t.Errorf("peer[0] keepalive = %d, want 25", entries[0].Keepalive)
	}
	if entries[1].Keepalive != 0 {
		t.Errorf("peer[1] keepalive = %d, want 0", entries[1].Keepalive)
	}
	if want := netip.MustParsePrefix("10.50.0.3/32"); entries[0].AllowedIP != want {
		t.Errorf("peer[0] allowed ip = %s, want %s", entries[0].AllowedIP, want)
	}
}
