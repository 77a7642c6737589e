package peerhub

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// DefaultIdleTimeout is how long a parked long-poll GET waits for a frame
// before returning an empty batch, so intermediate proxies never see a
// connection sit open indefinitely.
const DefaultIdleTimeout = 25 * time.Second

// LongPoll implements the Peer Transport over plain HTTP request/response
// pairs for browsers or proxies that cannot hold a WebSocket open. A
// handshake POST creates a Peer; subsequent GETs park waiting for outbound
// frames, and POSTs deliver inbound ones.
type LongPoll struct {
	hub         *Hub
	idleTimeout time.Duration
}

// NewLongPoll wires a LongPoll transport onto hub. idleTimeout <= 0 uses
// DefaultIdleTimeout.
func NewLongPoll(hub *Hub, idleTimeout time.Duration) *LongPoll {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &LongPoll{hub: hub, idleTimeout: idleTimeout}
}

type handshakeResponse struct {
	PeerID string `json:"peerId"`
}

// HandshakeHandler creates a new Peer and returns its id. Mount at
// POST /transport/longpoll/handshake.
func (lp *LongPoll) HandshakeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		peer := lp.hub.Register()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handshakeResponse{PeerID: peer.ID})
	})
}

// PollHandler parks the request until at least one frame is queued for the
// named peer, or idleTimeout elapses, and returns whatever frames are ready
// as a JSON array (possibly empty). Mount at GET /transport/longpoll/poll.
func (lp *LongPoll) PollHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := lp.hub.Peer(r.URL.Query().Get("peer"))
		if !ok {
			http.NotFound(w, r)
			return
		}

		timer := time.NewTimer(lp.idleTimeout)
		defer timer.Stop()

		var frames []json.RawMessage

		select {
		case frame, ok := <-peer.Outbox():
			if ok {
				frames = append(frames, json.RawMessage(frame))
			}
		case <-peer.Done():
			http.NotFound(w, r)
			return
		case <-timer.C:
			// idle: fall through and return an empty batch.
		case <-r.Context().Done():
			return
		}

		// Opportunistically drain anything else already queued so a
		// burst of notifications doesn't require one round trip each.
		draining := true
		for draining {
			select {
			case frame, ok := <-peer.Outbox():
				if ok {
					frames = append(frames, json.RawMessage(frame))
				}
			default:
				draining = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if frames == nil {
			frames = []json.RawMessage{}
		}
		_ = json.NewEncoder(w).Encode(frames)
	})
}

// SendHandler delivers the request body as a single inbound frame from the
// named peer. Mount at POST /transport/longpoll/send.
func (lp *LongPoll) SendHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := lp.hub.Peer(r.URL.Query().Get("peer"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		lp.hub.Deliver(peer, body)
		w.WriteHeader(http.StatusNoContent)
	})
}

// CloseHandler lets a well-behaved client tear its own peer down cleanly
// (e.g. on tab unload via navigator.sendBeacon) instead of waiting for the
// relay to notice abandonment. Mount at POST /transport/longpoll/close.
func (lp *LongPoll) CloseHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := lp.hub.Peer(r.URL.Query().Get("peer"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		lp.hub.Close(peer, true)
		w.WriteHeader(http.StatusNoContent)
	})
}
