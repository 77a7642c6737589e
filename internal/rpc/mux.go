package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/rs/zerolog"
)

// DispatchFunc handles one incoming request or notification. For a request,
// inv.Respond or inv.RespondError must be called exactly once; for a
// notification inv is nil.
type DispatchFunc func(method string, params json.RawMessage, peer *peerhub.Peer, inv *Invocation)

// Invocation identifies one incoming request awaiting exactly one response.
type Invocation struct {
	mux    *Mux
	peer   *peerhub.Peer
	id     json.RawMessage
	method string

	mu        sync.Mutex
	responded bool
}

// Respond sends {result: result} for this invocation. Calling it a second
// time (for this invocation or after RespondError) is a programmer bug and
// panics, per §4.B: "duplicate or missing response is a bug to be detected
// in tests."
func (inv *Invocation) Respond(result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc: marshaling result for %s: %w", inv.method, err)
	}
	return inv.send(Envelope{ID: inv.id, Result: raw})
}

// RespondError sends {error: {code, message}} for this invocation.
func (inv *Invocation) RespondError(code int, message string) error {
	return inv.send(Envelope{ID: inv.id, Error: &Error{Code: code, Message: message}})
}

func (inv *Invocation) send(env Envelope) error {
	inv.mu.Lock()
	if inv.responded {
		inv.mu.Unlock()
		panic(fmt.Sprintf("rpc: duplicate response to invocation %s (method %s)", inv.id, inv.method))
	}
	inv.responded = true
	inv.mu.Unlock()

	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return inv.peer.Send(frame)
}

// pendingCall is the completion handle for one outstanding outbound request.
type pendingCall struct {
	resultCh chan Envelope
}

// Mux is the JSON-RPC Multiplexer: it correlates outbound requests with
// their responses per peer, and hands every inbound request/notification to
// a single DispatchFunc in per-peer send order (guaranteed by the Hub
// calling OnMessage from one read goroutine per peer).
type Mux struct {
	hub      *peerhub.Hub
	dispatch DispatchFunc
	log      zerolog.Logger

	nextID int64

	mu      sync.Mutex
	pending map[string]map[string]*pendingCall // peer id -> request id -> call
}

// NewMux attaches a Mux to hub. dispatch is invoked for every inbound
// request and notification; it must not be nil.
func NewMux(hub *peerhub.Hub, log zerolog.Logger, dispatch DispatchFunc) *Mux {
	m := &Mux{
		hub:      hub,
		dispatch: dispatch,
		log:      log.With().Str("component", "rpc").Logger(),
		pending:  make(map[string]map[string]*pendingCall),
	}
	hub.OnMessage(m.handleFrame)
	hub.OnPeerClosed(func(p *peerhub.Peer, graceful bool) { m.cancelPending(p) })
	return m
}

func (m *Mux) handleFrame(peer *peerhub.Peer, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		m.log.Warn().Err(err).Str("peer", peer.ID).Msg("dropping malformed frame")
		return
	}

	switch env.Classify() {
	case KindRequest:
		inv := &Invocation{mux: m, peer: peer, id: env.ID, method: env.Method}
		m.safeDispatch(env.Method, env.Params, peer, inv)
	case KindNotification:
		m.safeDispatch(env.Method, env.Params, peer, nil)
	case KindResponse:
		m.resolve(peer, env)
	default:
		m.log.Warn().Str("peer", peer.ID).Msg("dropping envelope violating protocol shape")
	}
}

// safeDispatch isolates the relay from a panicking handler (e.g. the
// duplicate-response panic in Invocation.send): it is a bug in that one
// request's handling, never grounds to crash the process or close the peer.
func (m *Mux) safeDispatch(method string, params json.RawMessage, peer *peerhub.Peer, inv *Invocation) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("method", method).Str("peer", peer.ID).Msg("dispatch handler panicked")
		}
	}()
	m.dispatch(method, params, peer, inv)
}

func (m *Mux) resolve(peer *peerhub.Peer, env Envelope) {
	id := string(env.ID)
	m.mu.Lock()
	calls := m.pending[peer.ID]
	var call *pendingCall
	if calls != nil {
		call = calls[id]
		delete(calls, id)
	}
	m.mu.Unlock()
	if call == nil {
		m.log.Warn().Str("peer", peer.ID).Str("id", id).Msg("response for unknown or already-resolved request")
		return
	}
	call.resultCh <- env
}

func (m *Mux) cancelPending(peer *peerhub.Peer) {
	m.mu.Lock()
	calls := m.pending[peer.ID]
	delete(m.pending, peer.ID)
	m.mu.Unlock()
	for _, call := range calls {
		close(call.resultCh)
	}
}

// Call sends a JSON-RPC request to peer and blocks for its response or
// until ctx is done. Used sparingly by the core (most server→peer traffic
// is one-way notifications); kept for completeness and exercised by tests.
func (m *Mux) Call(ctx context.Context, peer *peerhub.Peer, method string, params interface{}) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	// Pending calls are keyed by the id's JSON encoding, the same form
	// resolve sees in the response envelope.
	idJSON, _ := json.Marshal(fmt.Sprintf("%d", atomic.AddInt64(&m.nextID, 1)))
	id := string(idJSON)
	call := &pendingCall{resultCh: make(chan Envelope, 1)}

	m.mu.Lock()
	if m.pending[peer.ID] == nil {
		m.pending[peer.ID] = make(map[string]*pendingCall)
	}
	m.pending[peer.ID][id] = call
	m.mu.Unlock()

	frame, err := json.Marshal(Envelope{ID: idJSON, Method: method, Params: rawParams})
	if err != nil {
		return nil, err
	}
	if err := peer.Send(frame); err != nil {
		m.mu.Lock()
		if calls := m.pending[peer.ID]; calls != nil {
			delete(calls, id)
		}
		m.mu.Unlock()
		return nil, err
	}

	select {
	case env, ok := <-call.resultCh:
		if !ok {
			return nil, fmt.Errorf("rpc: peer closed before responding to %s", method)
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-ctx.Done():
		m.mu.Lock()
		if calls := m.pending[peer.ID]; calls != nil {
			delete(calls, id)
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a one-way JSON-RPC notification to peer.
func (m *Mux) Notify(peer *peerhub.Peer, method string, params interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Method: method, Params: rawParams})
	if err != nil {
		return err
	}
	return peer.Send(frame)
}
