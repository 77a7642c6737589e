// Package transfer implements the Transfer Engine (§4.E): pairs a leecher's
// HTTP GET with a seeder's HTTP PUT against a registered Source and pumps
// bytes between them, enforcing start-timeout, cancellation, byte ranges and
// bandwidth shaping.
package transfer

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/elima/filetea/internal/registry"
	"github.com/elima/filetea/internal/rpc"
)

// DefaultBlockSize is the fixed pump block size recommended by §4.E.
const DefaultBlockSize = 16 * 1024

// DefaultStartTimeout is how long a GET waits for the seeder's PUT to pair (§4.E).
const DefaultStartTimeout = 30 * time.Second

// DefaultStatusInterval is the transfer-status broadcast period (§4.E).
const DefaultStatusInterval = time.Second

// Options configures an Engine.
type Options struct {
	BlockSize       int
	StartTimeout    time.Duration
	StatusInterval  time.Duration
	MaxBandwidthIn  int64 // bytes/sec, 0 = unlimited (node.max-bandwidth-in)
	MaxBandwidthOut int64 // bytes/sec, 0 = unlimited (node.max-bandwidth-out)
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = DefaultStatusInterval
	}
	return o
}

// DownloadOptions describes one leecher GET (§4.F).
type DownloadOptions struct {
	Action       Action
	Ranged       bool
	RangeStart   int64
	RangeEnd     int64 // inclusive, already resolved against the source's size
	TargetPeerID string
}

// Engine is the Transfer Engine: it owns the live transfer-id -> Transfer
// index and the secondary peer -> transfers index the status ticker and
// peer-closed handling rely on.
type Engine struct {
	log  zerolog.Logger
	hub  *peerhub.Hub
	mux  *rpc.Mux
	reg  *registry.Registry
	opts Options

	inLimiter  *rate.Limiter
	outLimiter *rate.Limiter

	mu           sync.Mutex
	byID         map[string]*Transfer
	byTargetPeer map[string]map[string]*Transfer
	tickerStop   chan struct{}
}

// New builds an Engine wired to hub (for peer lookups and notifications),
// mux (to send them) and reg (for source lookups and the shared
// cancellation token). It subscribes to reg's release events to log each
// release; the transfers themselves are cancelled through the source's
// context, which the registry cancels when the owner peer is released.
func New(hub *peerhub.Hub, mux *rpc.Mux, reg *registry.Registry, opts Options, log zerolog.Logger) *Engine {
	e := &Engine{
		log:          log.With().Str("component", "transfer").Logger(),
		hub:          hub,
		mux:          mux,
		reg:          reg,
		opts:         opts.withDefaults(),
		byID:         make(map[string]*Transfer),
		byTargetPeer: make(map[string]map[string]*Transfer),
	}
	if opts.MaxBandwidthIn > 0 {
		e.inLimiter = rate.NewLimiter(rate.Limit(opts.MaxBandwidthIn), e.opts.BlockSize)
	}
	if opts.MaxBandwidthOut > 0 {
		e.outLimiter = rate.NewLimiter(rate.Limit(opts.MaxBandwidthOut), e.opts.BlockSize)
	}
	reg.OnReleased(e.handleSourceReleased)
	return e
}

func (e *Engine) handleSourceReleased(src *registry.Source, peer string) {
	// On owner-peer loss the registry has already called src.Cancel, so
	// every transfer derived from src.Context unblocks on its own. An
	// explicit unregister leaves the source context alone: its transfers
	// keep running unless the dispatcher force-aborts them. This callback
	// only logs.
	e.log.Debug().Str("source", src.ID).Str("peer", peer).Msg("source released")
}

// Serve runs one leecher GET end to end: creates the Transfer, asks the
// seeder to push, waits for pairing (or start-timeout/source loss), invokes
// onPaired once the final content-type/size/range are known so the caller
// can write response headers, then pumps bytes until a terminal status.
// Cancellation from the HTTP side is carried by leecher's own closed
// channel rather than a context parameter, since that's the only source of
// "the leecher went away" the caller has.
func (e *Engine) Serve(sourceID string, opts DownloadOptions, leecher LeecherConn, onPaired func(contentType string, size int64, chunked bool, rng ByteRange)) (Snapshot, error) {
	src, ok := e.reg.Get(sourceID)
	if !ok {
		return Snapshot{}, ErrSourceNotFound
	}
	ranged := opts.Ranged && src.Flags.Has(registry.Chunkable)

	transferLen := src.Size
	rng := ByteRange{}
	if ranged {
		rng = ByteRange{Start: opts.RangeStart, End: opts.RangeEnd}
		transferLen = rng.End - rng.Start + 1
	}

	parentCtx, ok := e.reg.Context(sourceID)
	if !ok {
		return Snapshot{}, ErrSourceNotFound
	}

	id := uuid.NewString()
	t := newTransfer(id, sourceID, opts.Action, ranged, rng, opts.TargetPeerID, transferLen, leecher, parentCtx)
	e.track(t)
	defer e.untrack(t)

	if seederPeer, ok := e.hub.Peer(src.OwnerPeer); ok {
		params := []interface{}{sourceID, id}
		if ranged {
			params = append(params, rng.Start, rng.End)
		}
		if err := e.mux.Notify(seederPeer, "fileTransferNew", params); err != nil {
			e.log.Warn().Err(err).Str("source", sourceID).Msg("failed to notify seeder of new transfer")
		}
	}

	e.startLifecycleGuard(t)

	seederBody, err := t.awaitSeeder()
	if err != nil {
		return e.finish(t, err)
	}

	reader := bufio.NewReaderSize(seederBody, 512)
	contentType := src.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if peek, peekErr := reader.Peek(512); peekErr == nil || peekErr == io.EOF {
			contentType = mimetype.Detect(peek).String()
		}
	}

	t.setStatus(Active)
	if onPaired != nil {
		onPaired(contentType, t.currentTransferLen(), t.Chunked, t.Range)
	}

	pumpErr := e.pump(t, reader, seederBody)
	return e.finish(t, pumpErr)
}

// PairSeeder attaches the seeder's PUT body to the named transfer (§4.F).
// contentLength is the PUT's declared Content-Length; for a full (non
// ranged) transfer that differs from what was registered, the Source's
// size is adopted and the seeder is told via update-file-size.
func (e *Engine) PairSeeder(transferID string, body io.ReadCloser, contentLength int64) error {
	e.mu.Lock()
	t, ok := e.byID[transferID]
	e.mu.Unlock()
	if !ok {
		return ErrTransferNotFound
	}
	return e.pairSeederTransfer(t, body, contentLength)
}

// PairAndWait pairs the seeder's PUT body and blocks until the transfer
// reaches a terminal status, returning its final snapshot (§4.F, §6:
// "Response 200 with empty body on pump completion"). It holds the
// *Transfer directly rather than looking transferID up again after
// pairing, since the transfer is untracked from the id index the instant
// the pump finishes — a second by-id lookup here would race that removal.
func (e *Engine) PairAndWait(transferID string, body io.ReadCloser, contentLength int64) (Snapshot, error) {
	e.mu.Lock()
	t, ok := e.byID[transferID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrTransferNotFound
	}
	if err := e.pairSeederTransfer(t, body, contentLength); err != nil {
		return Snapshot{}, err
	}
	<-t.Done()
	return t.snapshot(), nil
}

func (e *Engine) pairSeederTransfer(t *Transfer, body io.ReadCloser, contentLength int64) error {
	if !t.Chunked && contentLength >= 0 && contentLength != t.currentTransferLen() {
		if newSize, ok := e.reg.AdoptSize(t.SourceID, contentLength); ok {
			if src, ok := e.reg.Get(t.SourceID); ok {
				if owner, ok := e.hub.Peer(src.OwnerPeer); ok {
					if err := e.mux.Notify(owner, "update-file-size", []interface{}{t.SourceID, newSize}); err != nil {
						e.log.Warn().Err(err).Str("source", t.SourceID).Msg("failed to notify seeder of size change")
					}
				}
			}
		}
	}

	if !t.pair(body, contentLength) {
		return fmt.Errorf("transfer: %s already paired", t.ID)
	}

	if t.TargetPeerID != "" {
		if peer, ok := e.hub.Peer(t.TargetPeerID); ok {
			var name string
			if src, ok := e.reg.Get(t.SourceID); ok {
				name = src.Name
			}
			if err := e.mux.Notify(peer, "transfer-started", []interface{}{t.ID, name, t.currentTransferLen(), true}); err != nil {
				e.log.Warn().Err(err).Str("transfer", t.ID).Msg("failed to notify target peer of transfer start")
			}
		}
	}
	return nil
}

// ExpectPush acknowledges a seeder's push-request notification (§4.C): it
// confirms transferID belongs to sourceID so the dispatcher can report a
// mismatch immediately rather than silently waiting out the start-timeout
// for a PUT that will never pair.
func (e *Engine) ExpectPush(transferID, sourceID string) bool {
	e.mu.Lock()
	t, ok := e.byID[transferID]
	e.mu.Unlock()
	return ok && t.SourceID == sourceID
}

// CancelTransfer implements the cancelTransfer RPC method: it cancels only
// this transfer's own context, leaving siblings sharing the same source
// untouched (§4.E).
func (e *Engine) CancelTransfer(transferID string) bool {
	e.mu.Lock()
	t, ok := e.byID[transferID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	t.requestCancel(true)
	return true
}

// startLifecycleGuard races the start-timeout against pairing/cancellation
// so a seeder that never shows up doesn't leave the transfer parked
// forever.
func (e *Engine) startLifecycleGuard(t *Transfer) {
	go func() {
		timer := time.NewTimer(e.opts.StartTimeout)
		defer timer.Stop()
		select {
		case <-t.paired:
			return
		case <-timer.C:
			t.abandonPairing(ErrStartTimeout)
		case <-t.ctx.Done():
			if t.wasExplicitlyCanceled() {
				t.abandonPairing(ErrCancelled)
			} else {
				t.abandonPairing(ErrSourceAborted)
			}
		}
	}()
}

func (e *Engine) track(t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID[t.ID] = t
	if t.TargetPeerID != "" {
		if e.byTargetPeer[t.TargetPeerID] == nil {
			e.byTargetPeer[t.TargetPeerID] = make(map[string]*Transfer)
		}
		e.byTargetPeer[t.TargetPeerID][t.ID] = t
	}
	e.ensureTicker()
}

func (e *Engine) untrack(t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byID, t.ID)
	if peers := e.byTargetPeer[t.TargetPeerID]; peers != nil {
		delete(peers, t.ID)
		if len(peers) == 0 {
			delete(e.byTargetPeer, t.TargetPeerID)
		}
	}
	e.stopTickerIfIdleLocked()
}

// HandlePeerClosed cancels every transfer targeting peerID, for the
// top-level wiring to call from hub.OnPeerClosed alongside whatever else
// needs to react to a peer going away (§5: "peer-closed on a target cancels
// only the transfers where that peer is the leecher").
func (e *Engine) HandlePeerClosed(peerID string) {
	e.mu.Lock()
	transfers := make([]*Transfer, 0, len(e.byTargetPeer[peerID]))
	for _, t := range e.byTargetPeer[peerID] {
		transfers = append(transfers, t)
	}
	e.mu.Unlock()
	for _, t := range transfers {
		t.requestCancel(false)
	}
}

func statusForErr(err error) Status {
	switch err {
	case ErrStartTimeout:
		return Error
	case ErrSourceAborted:
		return SourceAborted
	case ErrTargetAborted:
		return TargetAborted
	case ErrCancelled:
		return Cancelled
	case ErrPumpIO:
		return Error
	case nil:
		return Completed
	default:
		return Error
	}
}

func (e *Engine) finish(t *Transfer, err error) (Snapshot, error) {
	switch {
	case err == nil:
		t.setStatus(Completed)
	case statusForErr(err) == SourceAborted && t.wasExplicitlyCanceled():
		t.setStatus(Cancelled)
	default:
		t.setStatus(statusForErr(err))
	}

	if peer, ok := e.hub.Peer(t.TargetPeerID); t.TargetPeerID != "" && ok {
		if nerr := e.mux.Notify(peer, "transfer-finished", []interface{}{t.ID, t.Status().String()}); nerr != nil {
			e.log.Warn().Err(nerr).Str("transfer", t.ID).Msg("failed to notify transfer-finished")
		}
	}
	if src, ok := e.reg.Get(t.SourceID); ok {
		if seeder, ok := e.hub.Peer(src.OwnerPeer); ok {
			if nerr := e.mux.Notify(seeder, "transfer-finished", []interface{}{t.ID, t.Status().String()}); nerr != nil {
				e.log.Warn().Err(nerr).Str("transfer", t.ID).Msg("failed to notify seeder of transfer-finished")
			}
		}
	}
	return t.snapshot(), err
}

// Snapshots returns a point-in-time view of every live transfer, used by
// /mgmt/stats.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.byID))
	for _, t := range e.byID {
		out = append(out, t.snapshot())
	}
	return out
}

// Len reports how many transfers are currently live.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}
