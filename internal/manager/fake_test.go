package manager

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/kuuji/gatewarden/internal/registry"
)

// fakeRegistry is an in-memory PeerRegistry.
type fakeRegistry struct {
	mu     sync.Mutex
	peers  map[string]*registry.Peer
	nextID int64

	createErr error
	updateErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{peers: make(map[string]*registry.Peer)}
}

func (f *fakeRegistry) CreatePeer(_ context.Context, p *registry.Peer) (*registry.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.peers[p.Username]; ok {
		return nil, registry.ErrConflict
	}
	f.nextID++
	cp := *p
	cp.ID = f.nextID
	cp.Status = registry.StatusActive
	f.peers[p.Username] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRegistry) PeerByUsername(_ context.Context, username string) (*registry.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[username]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRegistry) ListPeers(_ context.Context) ([]*registry.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Peer
	for _, p := range f.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRegistry) ActivePeers(ctx context.Context) ([]*registry.Peer, error) {
	all, _ := f.ListPeers(ctx)
	var out []*registry.Peer
	for _, p := range all {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UsedIPs(_ context.Context) (map[netip.Addr]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	used := make(map[netip.Addr]bool)
	for _, p := range f.peers {
		used[p.AssignedIP] = true
	}
	return used, nil
}

func (f *fakeRegistry) UpdateStatus(_ context.Context, username, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[username]
	if !ok {
		return registry.ErrNotFound
	}
	p.Status = status
	return nil
}

func (f *fakeRegistry) UpdateKeys(_ context.Context, username, pub, priv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	p, ok := f.peers[username]
	if !ok {
		return registry.ErrNotFound
	}
	p.PublicKey = pub
	p.PrivateKey = priv
	return nil
}

func (f *fakeRegistry) DeletePeer(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[username]; !ok {
		return registry.ErrNotFound
	}
	delete(f.peers, username)
	return nil
}

// fakeStore records tunnel file membership.
type fakeStore struct {
	mu      sync.Mutex
	peers   map[string]netip.Addr
	addErr  error
	history []string

	synced int
}

func newFakeStore() *fakeStore {
	return &fakeStore{peers: make(map[string]netip.Addr)}
}

func (f *fakeStore) AddPeer(_ context.Context, pub string, addr netip.Addr, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.peers[pub] = addr
	f.history = append(f.history, "add:"+pub)
	return nil
}

func (f *fakeStore) RemovePeer(_ context.Context, pub string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, pub)
	f.history = append(f.history, "remove:"+pub)
	return nil
}

func (f *fakeStore) PeerExists(pub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[pub]
	return ok
}

func (f *fakeStore) Sync(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

// fakeFirewall records applied profiles per address.
type fakeFirewall struct {
	mu       sync.Mutex
	profiles map[netip.Addr]string
	applyErr error
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{profiles: make(map[netip.Addr]string)}
}

func (f *fakeFirewall) ApplyProfile(source netip.Addr, profile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.profiles[source] = profile
	return nil
}

func (f *fakeFirewall) RevokeProfile(source netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, source)
	return nil
}

// fakeKeys hands out deterministic keypairs.
type fakeKeys struct {
	mu sync.Mutex
	n  int
}

func (f *fakeKeys) GenerateKeypair() (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("priv-%d", f.n), fmt.Sprintf("pub-%d", f.n), nil
}

// fakeVault reversibly tags keys instead of encrypting them.
type fakeVault struct{}

func (fakeVault) Seal(priv string) (string, error) { return "sealed:" + priv, nil }

func (fakeVault) Open(sealed string) (string, error) {
	const prefix = "sealed:"
	if len(sealed) < len(prefix) || sealed[:len(prefix)] != prefix {
		return "", fmt.Errorf("not sealed: %q", sealed)
	}
	return sealed[len(prefix):], nil
}
