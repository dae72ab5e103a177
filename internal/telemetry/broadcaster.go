// Package telemetry polls the kernel peer table, derives connection
// state and counter deltas, persists them, and fans live frames out to
// dashboard observers.
package telemetry

import (
	"log/slog"
	"sync"
)

// PeerMetrics is one peer's slice of a telemetry frame. Transfer totals
// are lifetime cumulative: stored totals plus deltas not yet persisted.
type PeerMetrics struct {
	Username      string `json:"username"`
	Connected     bool   `json:"connected"`
	Endpoint      string `json:"endpoint,omitempty"`
	LastHandshake int64  `json:"latest_handshake"`
	RxBytes       uint64 `json:"transfer_rx"`
	TxBytes       uint64 `json:"transfer_tx"`
	Status        string `json:"status"`
}

// Frame is one broadcast snapshot, keyed by peer public key.
type Frame struct {
	Type string                 `json:"type"`
	Data map[string]PeerMetrics `json:"data"`
}

// FrameType is the type tag of every metrics frame.
const FrameType = "metrics"

// Broadcaster fans frames out to subscribers. Slow subscribers lose
// frames rather than stall the poller; a fresh frame supersedes anything
// they missed anyway.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Frame]struct{}
	last *Frame
	wake chan struct{}
	log  *slog.Logger
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Frame]struct{}),
		wake: make(chan struct{}, 1),
		log:  logger.With("component", "telemetry"),
	}
}

// Subscribe registers an observer. The returned channel immediately
// carries the most recent frame, if any, so new dashboards render
// without waiting a poll interval. cancel must be called when done.
func (b *Broadcaster) Subscribe() (frames <-chan Frame, cancel func()) {
	ch := make(chan Frame, 8)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.last != nil {
		ch <- *b.last
	}
	n := len(b.subs)
	b.mu.Unlock()

	// Nudge the poller off its idle cadence so the new observer gets a
	// fresh frame instead of the cached one for a whole idle interval.
	if n == 1 {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	b.log.Debug("observer subscribed", "observers", n)
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// HasObservers reports whether anyone is watching; the poller drops to
// its idle cadence when nobody is.
func (b *Broadcaster) HasObservers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

// Wake signals once when the first observer arrives.
func (b *Broadcaster) Wake() <-chan struct{} { return b.wake }

// Last returns the most recently published frame, if any.
func (b *Broadcaster) Last() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Frame{}, false
	}
	return *b.last, true
}

// Publish caches the frame and delivers it to every subscriber whose
// buffer has room.
func (b *Broadcaster) Publish(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &f
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}
