package transfer

import (
	"context"
	"io"
	"sync"
)

// Action controls how the leecher-facing response presents the content.
type Action string

const (
	ActionDownload Action = "download"
	ActionView     Action = "view"
	ActionOpen     Action = "open"
)

// ByteRange is an inclusive byte range, honoured only for Chunkable
// sources (§4.E).
type ByteRange struct {
	Start, End int64
}

// LeecherConn is what the pump writes the payload to: an HTTP response
// body with a way to flush and to notice the client going away mid-stream.
type LeecherConn struct {
	w      io.Writer
	flush  func()
	closed <-chan struct{}
}

// NewLeecherConn wraps an HTTP response writer for the pump. flush may be
// nil if the underlying writer doesn't support explicit flushing; closed
// should be the request context's Done channel.
func NewLeecherConn(w io.Writer, flush func(), closed <-chan struct{}) LeecherConn {
	return LeecherConn{w: w, flush: flush, closed: closed}
}

// Transfer is a single leecher<->seeder byte-pump session (§3).
type Transfer struct {
	ID           string
	SourceID     string
	Action       Action
	Chunked      bool
	Range        ByteRange
	TargetPeerID string

	mu          sync.Mutex
	status      Status
	transferred int64
	transferLen int64
	bandwidth   float64 // bytes/sec, sampled by the pump

	leecher LeecherConn
	seeder  io.ReadCloser

	paired    chan struct{}
	pairOnce  sync.Once
	pairedRes error // non-nil if pairing was abandoned before a seeder arrived

	done chan struct{} // closed exactly once, when status goes terminal

	// ctx is derived from the owning Source's shared cancellation token
	// (§5): cancelling the source cancels every transfer built on it, while
	// cancelTransfer on this one never touches its siblings.
	ctx              context.Context
	cancel           context.CancelFunc
	explicitlyCanceled bool
}

func newTransfer(id, sourceID string, action Action, chunked bool, rng ByteRange, targetPeer string, transferLen int64, leecher LeecherConn, parent context.Context) *Transfer {
	ctx, cancel := context.WithCancel(parent)
	return &Transfer{
		ID:           id,
		SourceID:     sourceID,
		Action:       action,
		Chunked:      chunked,
		Range:        rng,
		TargetPeerID: targetPeer,
		transferLen:  transferLen,
		leecher:      leecher,
		paired:       make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// requestCancel requests termination: explicit marks whether this came from
// the cancelTransfer RPC (→ Cancelled). A non-explicit cancel (the engine's
// HandlePeerClosed for a lost target peer) is reported the same way as the
// source's shared token firing (→ SourceAborted).
func (t *Transfer) requestCancel(explicit bool) {
	t.mu.Lock()
	if explicit {
		t.explicitlyCanceled = true
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Transfer) wasExplicitlyCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.explicitlyCanceled
}

// Status returns the current state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot is an immutable view of a Transfer's progress, used for
// transfer-status notifications and stats reporting.
type Snapshot struct {
	ID          string
	SourceID    string
	Status      Status
	Transferred int64
	TransferLen int64
	Bandwidth   float64
}

func (t *Transfer) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{ID: t.ID, SourceID: t.SourceID, Status: t.status, Transferred: t.transferred, TransferLen: t.transferLen, Bandwidth: t.bandwidth}
}

// Done is closed once the transfer reaches a terminal status.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// setStatus advances the state machine. Advancing an already-terminal
// transfer is a no-op: terminal states are leaves (§4.E).
func (t *Transfer) setStatus(s Status) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = s
	if s.Terminal() {
		close(t.done)
	}
	return true
}

// pair attaches the seeder's PUT body, unblocking whatever is waiting on
// awaitSeeder. Only the first call has any effect; push-request racing a
// retried PUT must not re-pair a transfer already underway.
func (t *Transfer) pair(seeder io.ReadCloser, transferLen int64) bool {
	paired := false
	t.pairOnce.Do(func() {
		t.mu.Lock()
		t.seeder = seeder
		if transferLen != t.transferLen {
			t.transferLen = transferLen
		}
		t.mu.Unlock()
		paired = true
		close(t.paired)
	})
	return paired
}

// abandonPairing unblocks awaitSeeder without a seeder ever arriving, used
// by the start-timeout.
func (t *Transfer) abandonPairing(err error) {
	t.pairOnce.Do(func() {
		t.pairedRes = err
		close(t.paired)
	})
}

func (t *Transfer) awaitSeeder() (io.ReadCloser, error) {
	<-t.paired
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pairedRes != nil {
		return nil, t.pairedRes
	}
	return t.seeder, nil
}

func (t *Transfer) addTransferred(n int64) {
	t.mu.Lock()
	t.transferred += n
	t.mu.Unlock()
}

func (t *Transfer) setBandwidth(bps float64) {
	t.mu.Lock()
	t.bandwidth = bps
	t.mu.Unlock()
}

func (t *Transfer) currentTransferLen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLen
}
