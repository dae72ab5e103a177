package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/gatewarden/internal/registry"
	"github.com/kuuji/gatewarden/internal/wgkernel"
)

// Kernel is the slice of the kernel device the poller reads.
type Kernel interface {
	DumpPeers(ctx context.Context) (map[string]wgkernel.PeerStat, error)
}

// Registry is the slice of the peer registry the poller writes.
type Registry interface {
	ListPeers(ctx context.Context) ([]*registry.Peer, error)
	AddTraffic(ctx context.Context, publicKey string, deltaRx, deltaTx uint64) error
	UpdateLastSeen(ctx context.Context, publicKey, endpoint string, handshakeUnix int64) error
	OpenSession(ctx context.Context, publicKey, endpoint string, startUnix int64) (int64, error)
	AddSessionBytes(ctx context.Context, sessionID int64, deltaRx, deltaTx uint64) error
	CloseSession(ctx context.Context, sessionID, endUnix int64) error
}

// Intervals tunes the poller's cadences.
type Intervals struct {
	Poll     time.Duration // between dumps while observed
	Idle     time.Duration // between dumps while unobserved
	DBSync   time.Duration // between persistence flushes
	Liveness time.Duration // max handshake age to count as connected
}

// peerTrack is the poller's memory of one public key between ticks.
type peerTrack struct {
	lastRx, lastTx       uint64 // raw kernel counters at the previous tick
	pendingRx, pendingTx uint64 // deltas accumulated since the last flush
	sessionID            int64  // 0 while disconnected
	connected            bool
	seeded               bool   // first dump observed; deltas valid from here
	endpoint             string // last non-empty endpoint seen
	lastHandshake        int64
}

// Poller drives the telemetry loop.
type Poller struct {
	kernel Kernel
	reg    Registry
	bcast  *Broadcaster
	iv     Intervals
	log    *slog.Logger

	now     func() time.Time
	tracks  map[string]*peerTrack
	flush   time.Time
	flushWG sync.WaitGroup
}

// NewPoller wires a Poller.
func NewPoller(kernel Kernel, reg Registry, bcast *Broadcaster, iv Intervals, logger *slog.Logger) *Poller {
	return &Poller{
		kernel: kernel,
		reg:    reg,
		bcast:  bcast,
		iv:     iv,
		log:    logger.With("component", "telemetry"),
		now:    time.Now,
		tracks: make(map[string]*peerTrack),
	}
}

// Run loops until ctx is canceled, polling fast while observed and
// slowly otherwise. Tick failures are logged and retried; a missing
// interface must not kill the process.
func (p *Poller) Run(ctx context.Context) {
	p.flush = p.now()
	for {
		interval := p.iv.Idle
		if p.bcast.HasObservers() {
			interval = p.iv.Poll
		}
		select {
		case <-ctx.Done():
			p.flushWG.Wait()
			p.flushBatch(context.WithoutCancel(ctx), p.snapshot())
			return
		case <-p.bcast.Wake():
		case <-time.After(interval):
		}
		if err := p.Tick(ctx); err != nil {
			p.log.Warn("telemetry tick failed", "error", err)
		}
	}
}

// Tick performs one poll: dump, delta accumulation, session transitions,
// periodic persistence, and broadcast.
func (p *Poller) Tick(ctx context.Context) error {
	now := p.now()
	stats, err := p.kernel.DumpPeers(ctx)
	if err != nil {
		return err
	}
	peers, err := p.reg.ListPeers(ctx)
	if err != nil {
		return err
	}

	frame := Frame{Type: FrameType, Data: make(map[string]PeerMetrics, len(peers))}
	for _, peer := range peers {
		stat, inKernel := stats[peer.PublicKey]
		track := p.tracks[peer.PublicKey]
		if track == nil {
			track = &peerTrack{}
			p.tracks[peer.PublicKey] = track
		}

		if inKernel {
			p.accumulate(track, stat)
			p.transition(ctx, peer, track, stat, now)
		} else if track.sessionID != 0 {
			p.closeSession(ctx, peer, track, now)
		}

		frame.Data[peer.PublicKey] = PeerMetrics{
			Username:      peer.Username,
			Connected:     track.connected,
			Endpoint:      stat.Endpoint,
			LastHandshake: stat.LastHandshake,
			RxBytes:       peer.TotalRx + track.pendingRx,
			TxBytes:       peer.TotalTx + track.pendingTx,
			Status:        peer.Status,
		}
	}
	p.dropStaleTracks(ctx, peers, now)

	if now.Sub(p.flush) >= p.iv.DBSync {
		batch := p.snapshot()
		p.flush = now
		// Persistence runs detached: a slow store must not stall the
		// broadcast or the next poll.
		p.flushWG.Add(1)
		go func() {
			defer p.flushWG.Done()
			p.flushBatch(context.WithoutCancel(ctx), batch)
		}()
	}
	p.bcast.Publish(frame)
	return nil
}

// accumulate folds the current raw counters into pending deltas. A
// counter lower than last time means the kernel peer was recreated and
// restarted from zero; the whole current value is new traffic.
func (p *Poller) accumulate(track *peerTrack, stat wgkernel.PeerStat) {
	if track.seeded {
		if stat.RxBytes < track.lastRx || stat.TxBytes < track.lastTx {
			track.pendingRx += stat.RxBytes
			track.pendingTx += stat.TxBytes
		} else {
			track.pendingRx += stat.RxBytes - track.lastRx
			track.pendingTx += stat.TxBytes - track.lastTx
		}
	}
	track.lastRx = stat.RxBytes
	track.lastTx = stat.TxBytes
	track.seeded = true
	if stat.Endpoint != "" {
		track.endpoint = stat.Endpoint
	}
	if stat.LastHandshake > track.lastHandshake {
		track.lastHandshake = stat.LastHandshake
	}
}

// transition opens or closes the peer's session when its liveness flips.
func (p *Poller) transition(ctx context.Context, peer *registry.Peer, track *peerTrack, stat wgkernel.PeerStat, now time.Time) {
	connected := wgkernel.Connected(stat.LastHandshake, now.Unix(), p.iv.Liveness)
	switch {
	case connected && track.sessionID == 0:
		id, err := p.reg.OpenSession(ctx, peer.PublicKey, stat.Endpoint, now.Unix())
		if err != nil {
			p.log.Warn("open session failed", "peer", peer.Username, "error", err)
		} else {
			track.sessionID = id
			p.log.Info("peer connected", "peer", peer.Username, "endpoint", stat.Endpoint)
		}
	case !connected && track.sessionID != 0:
		p.closeSession(ctx, peer, track, now)
	}
	track.connected = connected
}

func (p *Poller) closeSession(ctx context.Context, peer *registry.Peer, track *peerTrack, now time.Time) {
	if err := p.reg.CloseSession(ctx, track.sessionID, now.Unix()); err != nil {
		p.log.Warn("close session failed", "peer", peer.Username, "error", err)
		return
	}
	p.log.Info("peer disconnected", "peer", peer.Username)
	track.sessionID = 0
	track.connected = false
}

// dropStaleTracks forgets keys that no longer exist in the registry,
// closing any session still attached to them.
func (p *Poller) dropStaleTracks(ctx context.Context, peers []*registry.Peer, now time.Time) {
	known := make(map[string]bool, len(peers))
	for _, peer := range peers {
		known[peer.PublicKey] = true
	}
	for pub, track := range p.tracks {
		if known[pub] {
			continue
		}
		if track.sessionID != 0 {
			if err := p.reg.CloseSession(ctx, track.sessionID, now.Unix()); err != nil {
				p.log.Warn("close orphaned session failed", "public_key", pub, "error", err)
			}
		}
		delete(p.tracks, pub)
	}
}

// flushEntry is one peer's pending state, detached from its live track.
type flushEntry struct {
	pub           string
	rx, tx        uint64
	sessionID     int64
	connected     bool
	endpoint      string
	lastHandshake int64
}

// snapshot detaches the pending deltas from every track and resets them,
// so the flush can run concurrently with subsequent ticks. Only the loop
// goroutine touches tracks; snapshot must be called from it.
func (p *Poller) snapshot() []flushEntry {
	var batch []flushEntry
	for pub, track := range p.tracks {
		if track.pendingRx == 0 && track.pendingTx == 0 && !track.connected {
			continue
		}
		batch = append(batch, flushEntry{
			pub:           pub,
			rx:            track.pendingRx,
			tx:            track.pendingTx,
			sessionID:     track.sessionID,
			connected:     track.connected,
			endpoint:      track.endpoint,
			lastHandshake: track.lastHandshake,
		})
		track.pendingRx, track.pendingTx = 0, 0
	}
	return batch
}

// flushBatch writes a snapshot to cumulative totals, open sessions, and
// last-seen columns. Writes are best effort per peer; a failed write
// loses that interval's deltas and is logged.
func (p *Poller) flushBatch(ctx context.Context, batch []flushEntry) {
	for _, e := range batch {
		if e.rx > 0 || e.tx > 0 {
			if err := p.reg.AddTraffic(ctx, e.pub, e.rx, e.tx); err != nil {
				p.log.Warn("persist traffic failed", "public_key", e.pub, "error", err)
				continue
			}
			if e.sessionID != 0 {
				if err := p.reg.AddSessionBytes(ctx, e.sessionID, e.rx, e.tx); err != nil {
					p.log.Warn("persist session bytes failed", "public_key", e.pub, "error", err)
				}
			}
		}
		if e.connected {
			if err := p.reg.UpdateLastSeen(ctx, e.pub, e.endpoint, e.lastHandshake); err != nil {
				p.log.Warn("persist last seen failed", "public_key", e.pub, "error", err)
			}
		}
	}
}
