package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

type fakeKernel struct {
	mu    sync.Mutex
	stats map[string]wgkernel.PeerStat
}

func (f *fakeKernel) set(pub string, stat wgkernel.PeerStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[pub] = stat
}

func (f *fakeKernel) DumpPeers(context.Context) (map[string]wgkernel.PeerStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]wgkernel.PeerStat, len(f.stats))
	for k, v := range f.stats {
		out[k] = v
	}
	return out, nil
}

type sessionRec struct {
	open   bool
	rx, tx uint64
}

type fakeRegistry struct {
	mu       sync.Mutex
	peers    []*registry.Peer
	traffic  map[string][2]uint64
	sessions map[int64]*sessionRec
	nextID   int64
	lastSeen map[string][2]any // endpoint, handshake

	trafficGate chan struct{} // when set, AddTraffic blocks until closed
}

func newFakeRegistry(peers ...*registry.Peer) *fakeRegistry {
	return &fakeRegistry{
		peers:    peers,
		traffic:  make(map[string][2]uint64),
		sessions: make(map[int64]*sessionRec),
		lastSeen: make(map[string][2]any),
	}
}

func (f *fakeRegistry) ListPeers(context.Context) ([]*registry.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers, nil
}

func (f *fakeRegistry) AddTraffic(_ context.Context, pub string, rx, tx uint64) error {
	if f.trafficGate != nil {
		<-f.trafficGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.traffic[pub]
	f.traffic[pub] = [2]uint64{cur[0] + rx, cur[1] + tx}
	return nil
}

func (f *fakeRegistry) UpdateLastSeen(_ context.Context, pub, endpoint string, handshake int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[pub] = [2]any{endpoint, handshake}
	return nil
}

func (f *fakeRegistry) OpenSession(_ context.Context, pub, endpoint string, start int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sessions[f.nextID] = &sessionRec{open: true}
	return f.nextID, nil
}

func (f *fakeRegistry) AddSessionBytes(_ context.Context, id int64, rx, tx uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.open {
		s.rx += rx
		s.tx += tx
	}
	return nil
}

func (f *fakeRegistry) CloseSession(_ context.Context, id, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.open = false
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIntervals() Intervals {
	return Intervals{
		Poll:     2 * time.Second,
		Idle:     10 * time.Second,
		DBSync:   20 * time.Second,
		Liveness: 300 * time.Second,
	}
}

func telemetryPeer(name, pub string) *registry.Peer {
	return &registry.Peer{
		Username:   name,
		PublicKey:  pub,
		AssignedIP: netip.MustParseAddr("10.50.0.3"),
		Status:     registry.StatusActive,
	}
}

// harness drives the poller with a controllable clock.
type harness struct {
	p     *Poller
	k     *fakeKernel
	reg   *fakeRegistry
	b     *Broadcaster
	clock time.Time
}

func newHarness(peers ...*registry.Peer) *harness {
	h := &harness{
		k:     &fakeKernel{stats: make(map[string]wgkernel.PeerStat)},
		reg:   newFakeRegistry(peers...),
		b:     NewBroadcaster(discardLogger()),
		clock: time.Unix(1_700_000_000, 0),
	}
	h.p = NewPoller(h.k, h.reg, h.b, testIntervals(), discardLogger())
	h.p.now = func() time.Time { return h.clock }
	h.p.flush = h.clock
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) tick(t *testing.T) Frame {
	t.Helper()
	ch, cancel := h.b.Subscribe()
	defer cancel()
	// Drain the cached frame, if any.
	select {
	case <-ch:
	default:
	}
	if err := h.p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	select {
	case f := <-ch:
		return f
	default:
		t.Fatal("tick published no frame")
		return Frame{}
	}
}

func TestDeltaAccumulationAndBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 1000, TxBytes: 500, LastHandshake: h.clock.Unix()})
	h.tick(t) // seeds counters; first dump produces no deltas

	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 1500, TxBytes: 900, LastHandshake: h.clock.Unix()})
	frame := h.tick(t)

	m := frame.Data["alice-pub"]
	if m.RxBytes != 500 || m.TxBytes != 400 {
		t.Errorf("broadcast bytes = (%d, %d), want pending deltas (500, 400)", m.RxBytes, m.TxBytes)
	}
	if !m.Connected {
		t.Error("fresh handshake not classified as connected")
	}
	if frame.Type != FrameType {
		t.Errorf("frame type = %q", frame.Type)
	}

	// Nothing persisted before the flush interval elapses.
	if got := h.reg.traffic["alice-pub"]; got != [2]uint64{} {
		t.Errorf("traffic persisted early: %v", got)
	}
}

func TestCounterResetTreatedAsNewTraffic(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 10_000, TxBytes: 10_000})
	h.tick(t)

	// Kernel peer recreated: counters restart near zero.
	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 300, TxBytes: 200})
	frame := h.tick(t)

	m := frame.Data["alice-pub"]
	if m.RxBytes != 300 || m.TxBytes != 200 {
		t.Errorf("post-reset bytes = (%d, %d), want (300, 200)", m.RxBytes, m.TxBytes)
	}
}

func TestPersistenceFlush(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 0, TxBytes: 0, LastHandshake: h.clock.Unix()})
	h.tick(t)

	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 700, TxBytes: 300, LastHandshake: h.clock.Unix(), Endpoint: "203.0.113.9:51820"})
	h.tick(t)

	// Cross the flush boundary.
	h.advance(20 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 800, TxBytes: 350, LastHandshake: h.clock.Unix()})
	h.tick(t)
	h.p.flushWG.Wait()

	if got := h.reg.traffic["alice-pub"]; got != [2]uint64{800, 350} {
		t.Errorf("persisted traffic = %v, want [800 350]", got)
	}
	// The open session carries the same deltas.
	if s := h.reg.sessions[1]; s == nil || s.rx != 800 || s.tx != 350 {
		t.Errorf("session bytes = %+v, want (800, 350)", s)
	}
	seen := h.reg.lastSeen["alice-pub"]
	if seen[0] != "203.0.113.9:51820" {
		t.Errorf("last endpoint = %v", seen[0])
	}

	// After a flush, pending resets: broadcast shows stored + 0.
	h.advance(2 * time.Second)
	h.reg.mu.Lock()
	h.reg.peers[0].TotalRx, h.reg.peers[0].TotalTx = 800, 350
	h.reg.mu.Unlock()
	frame := h.tick(t)
	if m := frame.Data["alice-pub"]; m.RxBytes != 800 || m.TxBytes != 350 {
		t.Errorf("post-flush bytes = (%d, %d), want stored totals", m.RxBytes, m.TxBytes)
	}
}

func TestFrameWireFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))
	h.k.set("alice-pub", wgkernel.PeerStat{
		RxBytes: 10, TxBytes: 20,
		LastHandshake: h.clock.Unix(),
		Endpoint:      "203.0.113.9:51820",
	})
	frame := h.tick(t)

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type string                    `json:"type"`
		Data map[string]map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "metrics" {
		t.Errorf("type = %q, want metrics", decoded.Type)
	}
	m, ok := decoded.Data["alice-pub"]
	if !ok {
		t.Fatalf("data keys = %v, want the public key", decoded.Data)
	}
	for _, field := range []string{"connected", "endpoint", "latest_handshake", "transfer_rx", "transfer_tx"} {
		if _, ok := m[field]; !ok {
			t.Errorf("frame entry missing %q: %v", field, m)
		}
	}
}

func TestSlowStoreDoesNotStallPolling(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	h.k.set("alice-pub", wgkernel.PeerStat{LastHandshake: h.clock.Unix()})
	h.tick(t)

	gate := make(chan struct{})
	h.reg.trafficGate = gate

	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 100, TxBytes: 50, LastHandshake: h.clock.Unix()})
	h.tick(t)

	// Crossing the flush boundary hands the writes to a detached flush;
	// the tick still returns and publishes with the store parked.
	h.advance(20 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{RxBytes: 200, TxBytes: 80, LastHandshake: h.clock.Unix()})
	h.tick(t)

	// So does the next poll.
	h.advance(2 * time.Second)
	h.tick(t)

	close(gate)
	h.p.flushWG.Wait()
	if got := h.reg.traffic["alice-pub"]; got != [2]uint64{200, 80} {
		t.Errorf("persisted traffic = %v, want [200 80]", got)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	// Never handshaken: no session.
	h.k.set("alice-pub", wgkernel.PeerStat{})
	frame := h.tick(t)
	if frame.Data["alice-pub"].Connected {
		t.Error("zero handshake counted as connected")
	}
	if len(h.reg.sessions) != 0 {
		t.Fatal("session opened for disconnected peer")
	}

	// Handshake appears: session opens.
	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{LastHandshake: h.clock.Unix()})
	h.tick(t)
	if s := h.reg.sessions[1]; s == nil || !s.open {
		t.Fatal("session not opened on connect")
	}

	// Handshake ages past the window: session closes.
	h.advance(301 * time.Second)
	frame = h.tick(t)
	if frame.Data["alice-pub"].Connected {
		t.Error("stale handshake still connected")
	}
	if s := h.reg.sessions[1]; s.open {
		t.Error("session not closed on disconnect")
	}

	// Reconnect opens a fresh session rather than reviving the old one.
	h.advance(2 * time.Second)
	h.k.set("alice-pub", wgkernel.PeerStat{LastHandshake: h.clock.Unix()})
	h.tick(t)
	if s := h.reg.sessions[2]; s == nil || !s.open {
		t.Error("reconnect did not open a new session")
	}
}

func TestPeerRemovedFromKernelClosesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(telemetryPeer("alice", "alice-pub"))

	h.k.set("alice-pub", wgkernel.PeerStat{LastHandshake: h.clock.Unix()})
	h.tick(t)
	if s := h.reg.sessions[1]; s == nil || !s.open {
		t.Fatal("session not opened")
	}

	h.k.mu.Lock()
	delete(h.k.stats, "alice-pub")
	h.k.mu.Unlock()
	h.advance(2 * time.Second)
	h.tick(t)

	if s := h.reg.sessions[1]; s.open {
		t.Error("session survived kernel peer removal")
	}
}

func TestBroadcasterCachedFrameAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster(discardLogger())

	if b.HasObservers() {
		t.Error("fresh broadcaster has observers")
	}

	b.Publish(Frame{Type: FrameType, Data: map[string]PeerMetrics{"alice-pub": {Username: "alice"}}})

	ch, cancel := b.Subscribe()
	if !b.HasObservers() {
		t.Error("subscriber not counted")
	}
	select {
	case f := <-ch:
		if _, ok := f.Data["alice-pub"]; !ok {
			t.Error("cached frame missing data")
		}
	default:
		t.Error("no cached frame delivered on subscribe")
	}

	cancel()
	cancel() // double cancel is safe
	if b.HasObservers() {
		t.Error("observer survived cancel")
	}
	if _, open := <-ch; open {
		t.Error("channel not closed after cancel")
	}
}

func TestBroadcasterWakesOnFirstObserver(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster(discardLogger())

	_, cancel1 := b.Subscribe()
	defer cancel1()
	select {
	case <-b.Wake():
	default:
		t.Error("first subscriber did not wake the poller")
	}

	_, cancel2 := b.Subscribe()
	defer cancel2()
	select {
	case <-b.Wake():
		t.Error("second subscriber woke the poller again")
	default:
	}
}
