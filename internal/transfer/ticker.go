package transfer

import "time"

// statusEntry is one element of a transfer-status notification's payload.
type statusEntry struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Transferred int64   `json:"transferred"`
	Bandwidth   float64 `json:"bandwidth"`
}

// ensureTicker starts the status-broadcast loop if it isn't already
// running. Must be called with e.mu held.
func (e *Engine) ensureTicker() {
	if e.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	e.tickerStop = stop
	go e.runTicker(stop)
}

// stopTickerIfIdleLocked stops the ticker once no transfers remain (§4.E:
// "stop the ticker when no transfers remain"). Must be called with e.mu held.
func (e *Engine) stopTickerIfIdleLocked() {
	if len(e.byID) > 0 || e.tickerStop == nil {
		return
	}
	close(e.tickerStop)
	e.tickerStop = nil
}

func (e *Engine) runTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.broadcastStatus()
		}
	}
}

func (e *Engine) broadcastStatus() {
	e.mu.Lock()
	byPeer := make(map[string][]statusEntry)
	for _, t := range e.byID {
		snap := t.snapshot()
		if snap.Status != Active {
			continue
		}
		entry := statusEntry{ID: snap.ID, Status: snap.Status.String(), Transferred: snap.Transferred, Bandwidth: snap.Bandwidth}
		if t.TargetPeerID != "" {
			byPeer[t.TargetPeerID] = append(byPeer[t.TargetPeerID], entry)
		}
		if src, ok := e.reg.Get(t.SourceID); ok && src.OwnerPeer != "" {
			byPeer[src.OwnerPeer] = append(byPeer[src.OwnerPeer], entry)
		}
	}
	e.mu.Unlock()

	for peerID, entries := range byPeer {
		peer, ok := e.hub.Peer(peerID)
		if !ok {
			continue
		}
		if err := e.mux.Notify(peer, "transfer-status", entries); err != nil {
			e.log.Warn().Err(err).Str("peer", peerID).Msg("failed to broadcast transfer-status")
		}
	}
}
