// Package peerhub implements the Peer Transport: a bidirectional, ordered
// stream of UTF-8 frames to a browser peer, carried over either WebSocket or
// HTTP long-polling. Callers never branch on which variant backed a given
// Peer; both funnel through the same Hub and the same event callbacks.
package peerhub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPeerClosed is returned by Send once a peer's transport has gone away.
var ErrPeerClosed = errors.New("peerhub: peer closed")

// outboxSize bounds how many frames can be queued for a single peer before
// Send starts blocking; a slow browser should apply backpressure to whoever
// is sending it notifications, not let the relay buffer unboundedly.
const outboxSize = 64

// Peer is an identified signalling endpoint. It is created by whichever
// transport variant completes a handshake and destroyed when that transport
// closes it (a WebSocket read or write failure or close, or a long-poll
// close request); an idle long-poll peer is not reaped. Everything bound to it (Sources, Transfers) must tolerate
// its disappearance, since Peer itself holds no back-reference to them.
type Peer struct {
	ID string

	mu     sync.Mutex
	closed bool
	outbox chan []byte
	done   chan struct{}
}

func newPeer() *Peer {
	return &Peer{
		ID:     uuid.NewString(),
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues a frame for delivery to this peer in FIFO order. Once
// outboxSize frames are queued it blocks until the transport drains one or
// the peer closes; it returns ErrPeerClosed if the peer is already closed
// or closes while Send waits.
func (p *Peer) Send(frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPeerClosed
	}
	select {
	case p.outbox <- frame:
		return nil
	default:
	}
	// Outbox is full: block, but also watch done so a peer that closes
	// while we wait doesn't leak this goroutine forever.
	select {
	case p.outbox <- frame:
		return nil
	case <-p.done:
		return ErrPeerClosed
	}
}

func (p *Peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}

// Closed reports whether the peer's transport has already torn down.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Outbox returns the channel a transport variant drains to deliver queued
// frames in FIFO order. Done returns the channel closed once the peer has
// torn down, so a transport's read/write loops can select on both without
// ever attempting to send on a closed outbox.
func (p *Peer) Outbox() <-chan []byte { return p.outbox }

// Done is closed exactly once, when the peer is torn down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Hub tracks live peers and fans transport events out to the single set of
// callbacks registered by the protocol layer (component B/C). It is the one
// mutation surface for the peer set, matching the "registry actor" design
// note generalised from sources/transfers to peers.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	onNewPeer    []func(*Peer)
	onPeerClosed []func(p *Peer, graceful bool)
	onMessage    func(p *Peer, frame []byte)
}

// New builds an empty Hub. Callbacks are attached with the On* setters
// before any transport handler is wired to it.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "peerhub").Logger(),
		peers: make(map[string]*Peer),
	}
}

// OnNewPeer adds a callback invoked once per handshake, in registration
// order. Any number of callbacks may be added.
func (h *Hub) OnNewPeer(fn func(*Peer)) { h.onNewPeer = append(h.onNewPeer, fn) }

// OnPeerClosed adds a callback invoked once per peer teardown, in
// registration order.
func (h *Hub) OnPeerClosed(fn func(p *Peer, graceful bool)) {
	h.onPeerClosed = append(h.onPeerClosed, fn)
}

// OnMessage registers the callback invoked for every inbound frame, in
// per-peer send order.
func (h *Hub) OnMessage(fn func(p *Peer, frame []byte)) { h.onMessage = fn }

// Register creates and tracks a new Peer, invoked by a transport variant
// once its handshake completes.
func (h *Hub) Register() *Peer {
	p := newPeer()
	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()
	h.log.Debug().Str("peer", p.ID).Msg("new peer")
	for _, fn := range h.onNewPeer {
		fn(p)
	}
	return p
}

// Deliver hands an inbound frame to the dispatch callback. Transports call
// this from whatever goroutine reads the frame; the callback itself must be
// safe to call concurrently across peers (ordering is only promised within
// a single peer).
func (h *Hub) Deliver(p *Peer, frame []byte) {
	if h.onMessage != nil {
		h.onMessage(p, frame)
	}
}

// Close tears a peer down exactly once and fires peer-closed. graceful
// distinguishes a clean disconnect (e.g. browser tab closed normally) from
// an I/O failure, purely for logging; the core treats both the same way.
func (h *Hub) Close(p *Peer, graceful bool) {
	if !p.markClosed() {
		return
	}
	h.mu.Lock()
	delete(h.peers, p.ID)
	h.mu.Unlock()
	h.log.Debug().Str("peer", p.ID).Bool("graceful", graceful).Msg("peer closed")
	for _, fn := range h.onPeerClosed {
		fn(p, graceful)
	}
}

// Peer looks a live peer up by id, used by the dispatcher to push
// notifications to a specific peer (e.g. fileTransferNew to the seeder).
func (h *Hub) Peer(id string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// Len reports the number of currently connected peers, used by /mgmt/stats.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
