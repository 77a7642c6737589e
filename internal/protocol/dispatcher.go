package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/elima/filetea/internal/registry"
	"github.com/elima/filetea/internal/rpc"
	"github.com/elima/filetea/internal/transfer"
)

// Dispatcher implements rpc.DispatchFunc: it is the single point where
// method names become calls against the Registry and the Transfer Engine
// (§4.C). Everything it does is request-scoped; it holds no state of its
// own beyond references to the two components it fronts.
type Dispatcher struct {
	log zerolog.Logger
	reg *registry.Registry
	eng *transfer.Engine
}

// New builds a Dispatcher. Pass Dispatch (or Dispatch itself, which
// satisfies rpc.DispatchFunc) to rpc.NewMux.
func New(reg *registry.Registry, eng *transfer.Engine, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log: log.With().Str("component", "protocol").Logger(),
		reg: reg,
		eng: eng,
	}
}

// Dispatch routes one inbound request or notification by method name. It
// satisfies rpc.DispatchFunc.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
	switch method {
	case "register":
		d.handleRegister(params, peer, inv)
	case "unregister":
		d.handleUnregister(params, peer, inv)
	case "push-request":
		d.handlePushRequest(params, peer, inv)
	case "cancelTransfer":
		d.handleCancelTransfer(params, peer, inv)
	default:
		d.log.Debug().Str("method", method).Str("peer", peer.ID).Msg("unrecognised method")
		if inv != nil {
			_ = inv.RespondError(rpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
		}
	}
}

// handleRegister implements §4.C's register: validation errors are
// per-element, never abort the whole batch.
func (d *Dispatcher) handleRegister(params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
	var descriptors []sourceDescriptor
	if err := json.Unmarshal(params, &descriptors); err != nil {
		d.respondInvalidParams(inv, "register", err)
		return
	}

	results := make([]registerResultWire, len(descriptors))
	for i, desc := range descriptors {
		res := d.reg.Register(peer.ID, toRegisterArgs(desc))
		results[i] = toRegisterResultWire(res)
	}

	if inv != nil {
		if err := inv.Respond(results); err != nil {
			d.log.Warn().Err(err).Str("peer", peer.ID).Msg("failed to respond to register")
		}
	}
}

// handleUnregister implements §4.C's security policy: the caller always
// sees {result:true}; only the internal bookkeeping bool distinguishes
// whether anything actually happened.
func (d *Dispatcher) handleUnregister(params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
	var descriptors []unregisterDescriptor
	if err := json.Unmarshal(params, &descriptors); err != nil {
		d.respondInvalidParams(inv, "unregister", err)
		return
	}

	for _, desc := range descriptors {
		removed := d.reg.Unregister(peer.ID, desc.ID)
		if removed && desc.Force {
			d.forceAbortTransfersFor(desc.ID)
		}
	}

	if inv != nil {
		if err := inv.Respond(true); err != nil {
			d.log.Warn().Err(err).Str("peer", peer.ID).Msg("failed to respond to unregister")
		}
	}
}

// forceAbortTransfersFor cancels every live transfer still pumping from a
// just-unregistered source when the caller asked for force:true, rather
// than letting them drain or block on start-timeout.
func (d *Dispatcher) forceAbortTransfersFor(sourceID string) {
	for _, snap := range d.eng.Snapshots() {
		if snap.SourceID == sourceID && !snap.Status.Terminal() {
			d.eng.CancelTransfer(snap.ID)
		}
	}
}

// handlePushRequest implements the seeder→server push-request path (§4.C):
// the Transfer Engine already created the transfer when the leecher's GET
// arrived and told this seeder about it via fileTransferNew; this
// notification is the seeder's acknowledgement that it will push,
// confirmed here so a typo'd source/transfer pairing surfaces immediately
// instead of silently waiting out the start-timeout.
func (d *Dispatcher) handlePushRequest(params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
	p, err := decodePushRequestParams(params)
	if err != nil {
		d.respondInvalidParams(inv, "push-request", err)
		return
	}

	if !d.eng.ExpectPush(p.TransferID, p.SourceID) {
		d.log.Warn().Str("source", p.SourceID).Str("transfer", p.TransferID).Str("peer", peer.ID).
			Msg("push-request for unknown or mismatched transfer")
		if inv != nil {
			_ = inv.RespondError(rpc.CodeApplicationErr, "unknown transfer")
		}
		return
	}

	if inv != nil {
		if err := inv.Respond(true); err != nil {
			d.log.Warn().Err(err).Str("peer", peer.ID).Msg("failed to respond to push-request")
		}
	}
}

// handleCancelTransfer implements the cancelTransfer RPC method (§4.E): it
// cancels only the named transfer's own context.
func (d *Dispatcher) handleCancelTransfer(params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 1 {
		d.respondInvalidParams(inv, "cancelTransfer", fmt.Errorf("expected [transfer-id]"))
		return
	}
	var transferID string
	if err := json.Unmarshal(raw[0], &transferID); err != nil {
		d.respondInvalidParams(inv, "cancelTransfer", err)
		return
	}

	ok := d.eng.CancelTransfer(transferID)
	if inv == nil {
		return
	}
	if !ok {
		_ = inv.RespondError(rpc.CodeApplicationErr, "unknown transfer")
		return
	}
	if err := inv.Respond(true); err != nil {
		d.log.Warn().Err(err).Str("peer", peer.ID).Msg("failed to respond to cancelTransfer")
	}
}

func (d *Dispatcher) respondInvalidParams(inv *rpc.Invocation, method string, err error) {
	d.log.Debug().Err(err).Str("method", method).Msg("rejecting malformed params")
	if inv != nil {
		_ = inv.RespondError(rpc.CodeInvalidParams, fmt.Sprintf("invalid params for %s: %v", method, err))
	}
}

func decodePushRequestParams(params json.RawMessage) (pushRequestParams, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return pushRequestParams{}, err
	}
	if len(raw) < 2 {
		return pushRequestParams{}, fmt.Errorf("expected [source-id, transfer-id, byte-start?, byte-end?]")
	}
	var p pushRequestParams
	if err := json.Unmarshal(raw[0], &p.SourceID); err != nil {
		return pushRequestParams{}, err
	}
	if err := json.Unmarshal(raw[1], &p.TransferID); err != nil {
		return pushRequestParams{}, err
	}
	if len(raw) >= 4 {
		if err := json.Unmarshal(raw[2], &p.RangeStart); err != nil {
			return pushRequestParams{}, err
		}
		if err := json.Unmarshal(raw[3], &p.RangeEnd); err != nil {
			return pushRequestParams{}, err
		}
		p.HasRange = true
	}
	return p, nil
}
