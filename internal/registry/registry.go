// Package registry implements the Source Registry (§4.D): the mapping from
// opaque source ids to Sources, HMAC-signed so a seeder can reclaim its ids
// across reconnects, plus the per-peer index peer-closed relies on to
// release everything a lost peer owned.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hannahhoward/go-pubsub"
	"github.com/rs/zerolog"
)

// RegisterArgs describes one element of a register() batch (§4.C).
type RegisterArgs struct {
	Name        string
	ContentType string
	Flags       Flags
	Size        int64
	Tags        []string

	// ID and Signature are set to reclaim a prior id; both empty means
	// "mint a new one".
	ID        string
	Signature string
}

// RegisterResult is one element of a register() response (§4.C): exactly
// one of Error or (ID, Signature) is meaningful.
type RegisterResult struct {
	Error     string
	ID        string
	Signature string
}

// Error codes surfaced in RegisterResult.Error.
const (
	ErrCodeInvalidArgument = "invalid-argument"
	ErrCodeInternal        = "internal"
)

// releasedEvent is published on the registry's bus whenever a Source stops
// being reachable under its id, whatever the reason (explicit unregister,
// owner-peer loss with no reclaim, or shutdown).
type releasedEvent struct {
	source *Source
	peer   string
}

type releasedSubscriber func(releasedEvent)

// ReleaseUnsubscribe cancels a subscription registered with OnReleased.
type ReleaseUnsubscribe = pubsub.Unsubscribe

// Registry is the live source-id -> Source mapping plus its mirror index
// peer -> set<source-id>, guarded by a single RWMutex: both must always
// move together (§8 invariant: by-source-id and by-peer-for-sources agree).
type Registry struct {
	log zerolog.Logger
	key []byte
	ids *idGenerator
	bus *pubsub.PubSub

	mu       sync.RWMutex
	byID     map[string]*Source
	byPeer   map[string]map[string]*Source
}

// New builds a Registry. instancePrefix is prepended to every generated id
// (node.id); key is the HMAC node.key; startDepth/maxDepth bound the
// generated suffix length (§4.D).
func New(instancePrefix string, key []byte, startDepth, maxDepth int, log zerolog.Logger) *Registry {
	r := &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		key:    key,
		ids:    newIDGenerator(instancePrefix, startDepth, maxDepth),
		bus:    pubsub.New(releaseDispatcher),
		byID:   make(map[string]*Source),
		byPeer: make(map[string]map[string]*Source),
	}
	return r
}

func releaseDispatcher(event pubsub.Event, subFn pubsub.SubscriberFn) error {
	evt, ok := event.(releasedEvent)
	if !ok {
		return fmt.Errorf("registry: unexpected event type %T", event)
	}
	sub, ok := subFn.(releasedSubscriber)
	if !ok {
		return fmt.Errorf("registry: unexpected subscriber type %T", subFn)
	}
	sub(evt)
	return nil
}

// OnReleased registers cb to run whenever a Source is dropped from the
// registry, for whichever component (the Transfer Engine, mainly) needs to
// tear down work still referencing it.
func (r *Registry) OnReleased(cb func(source *Source, peer string)) ReleaseUnsubscribe {
	var fn releasedSubscriber = func(evt releasedEvent) { cb(evt.source, evt.peer) }
	return r.bus.Subscribe(fn)
}

// Register applies one register() element for peerID (§4.C, §4.D).
func (r *Registry) Register(peerID string, args RegisterArgs) RegisterResult {
	if args.ID != "" || args.Signature != "" {
		return r.reRegister(peerID, args)
	}
	return r.registerNew(peerID, args)
}

func (r *Registry) registerNew(peerID string, args RegisterArgs) RegisterResult {
	contentType := args.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	for attempt := 0; attempt < 64; attempt++ {
		id, err := r.ids.next()
		if err != nil {
			return RegisterResult{Error: ErrCodeInternal}
		}

		r.mu.Lock()
		if _, taken := r.byID[id]; taken {
			r.mu.Unlock()
			r.ids.collision()
			continue
		}
		src := &Source{
			ID:          id,
			OwnerPeer:   peerID,
			Name:        args.Name,
			ContentType: contentType,
			Size:        args.Size,
			Flags:       args.Flags,
			Tags:        append([]string(nil), args.Tags...),
		}
		src.Signature = sign(r.key, src.ID, src.ContentType, src.Flags)
		base, cancel := newSource()
		src.ctx, src.cancel = base.ctx, cancel
		r.insertLocked(src)
		r.mu.Unlock()

		return RegisterResult{ID: src.ID, Signature: src.Signature}
	}
	return RegisterResult{Error: ErrCodeInternal}
}

// reRegister implements §4.D's re-registration/rebind path.
func (r *Registry) reRegister(peerID string, args RegisterArgs) RegisterResult {
	contentType := args.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !verify(r.key, args.ID, contentType, args.Flags, args.Signature) {
		return RegisterResult{Error: ErrCodeInvalidArgument}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[args.ID]; ok {
		r.rebindLocked(existing, peerID)
		return RegisterResult{ID: existing.ID, Signature: existing.Signature}
	}

	// No entry exists for the claimed id. The sources diverge on whether
	// this is allowed; a seeder surviving a relay restart needs its url to
	// keep working, so insertion under the claimed id is permitted.
	src := &Source{
		ID:          args.ID,
		Signature:   args.Signature,
		OwnerPeer:   peerID,
		Name:        args.Name,
		ContentType: contentType,
		Size:        args.Size,
		Flags:       args.Flags,
		Tags:        append([]string(nil), args.Tags...),
	}
	base, cancel := newSource()
	src.ctx, src.cancel = base.ctx, cancel
	r.insertLocked(src)
	return RegisterResult{ID: src.ID, Signature: src.Signature}
}

func (r *Registry) insertLocked(src *Source) {
	r.byID[src.ID] = src
	if r.byPeer[src.OwnerPeer] == nil {
		r.byPeer[src.OwnerPeer] = make(map[string]*Source)
	}
	r.byPeer[src.OwnerPeer][src.ID] = src
}

func (r *Registry) rebindLocked(src *Source, newPeer string) {
	if src.OwnerPeer == newPeer {
		return
	}
	if peers := r.byPeer[src.OwnerPeer]; peers != nil {
		delete(peers, src.ID)
		if len(peers) == 0 {
			delete(r.byPeer, src.OwnerPeer)
		}
	}
	src.OwnerPeer = newPeer
	if r.byPeer[newPeer] == nil {
		r.byPeer[newPeer] = make(map[string]*Source)
	}
	r.byPeer[newPeer][src.ID] = src
	r.log.Debug().Str("source", src.ID).Str("peer", newPeer).Msg("source rebound to new owner")
}

// Get returns a snapshot copy of the Source registered under id.
func (r *Registry) Get(id string) (*Source, bool) {
	r.mu.RLock()
	src, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return src.clone(), true
}

// Context returns the source's shared cancellation context, for the
// Transfer Engine to derive a per-transfer child from via
// context.WithCancel: cancelling the source cancels every transfer derived
// from it, while cancelling one transfer never touches its siblings.
func (r *Registry) Context(id string) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return src.ctx, true
}

// Watch returns the shared cancellation token for id, for the Transfer
// Engine's pump to select on (§5 cancellation). The channel is closed when
// the source is cancelled or released; the bool is false if id is unknown.
func (r *Registry) Watch(id string) (done <-chan struct{}, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return src.Done(), true
}

// AdoptSize updates a Source's recorded size (§4.E size-change detection)
// and returns the new size, or false if the source is gone.
func (r *Registry) AdoptSize(id string, size int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	src.Size = size
	return size, true
}

// Unregister removes id if peerID currently owns it. Per §4.C security
// policy the caller always gets success regardless of outcome; the bool
// return is for internal bookkeeping (tests, stats) only. The source's
// cancellation token is not fired, so transfers already under way finish
// gracefully; aborting them is the caller's job (unregister with force).
func (r *Registry) Unregister(peerID, id string) bool {
	r.mu.Lock()
	src, ok := r.byID[id]
	if !ok || src.OwnerPeer != peerID {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(src)
	r.mu.Unlock()

	r.bus.Publish(releasedEvent{source: src, peer: peerID})
	return true
}

func (r *Registry) removeLocked(src *Source) {
	delete(r.byID, src.ID)
	if peers := r.byPeer[src.OwnerPeer]; peers != nil {
		delete(peers, src.ID)
		if len(peers) == 0 {
			delete(r.byPeer, src.OwnerPeer)
		}
	}
}

// ReleasePeer drops every source owned by peerID, e.g. on peer-closed, and
// returns the sources that were released so the caller can fan out
// transfer-finished as needed. Cancellation tokens fire and OnReleased
// subscribers are notified for each.
func (r *Registry) ReleasePeer(peerID string) []*Source {
	r.mu.Lock()
	peers := r.byPeer[peerID]
	released := make([]*Source, 0, len(peers))
	for _, src := range peers {
		r.removeLocked(src)
		released = append(released, src)
	}
	r.mu.Unlock()

	for _, src := range released {
		src.Cancel()
		r.bus.Publish(releasedEvent{source: src, peer: peerID})
	}
	return released
}

// PeerSourceCount reports how many sources peerID currently owns, used by
// stats reporting and tests.
func (r *Registry) PeerSourceCount(peerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer[peerID])
}

// Len reports how many sources are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
