// Package protocol implements the Protocol Dispatcher (§4.C): it decodes
// the params of each recognised method into a validated record, calls
// through to the Source Registry or Transfer Engine, and shapes the
// response. It never touches a transport or a socket directly; that is
// internal/rpc and internal/peerhub's job.
package protocol

import "github.com/elima/filetea/internal/registry"

// sourceDescriptor is one element of a register() batch, decoded straight
// off the wire (§4.C).
type sourceDescriptor struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Flags       uint32   `json:"flags"`
	Size        int64    `json:"size"`
	Tags        []string `json:"tags"`
	ID          string   `json:"id"`
	Signature   string   `json:"signature"`
}

// registerResultWire is one element of register()'s response.
type registerResultWire struct {
	Error     *string `json:"error"`
	ID        string  `json:"id"`
	Signature string  `json:"signature"`
}

func toRegisterArgs(d sourceDescriptor) registry.RegisterArgs {
	return registry.RegisterArgs{
		Name:        d.Name,
		ContentType: d.Type,
		Flags:       registry.Flags(d.Flags),
		Size:        d.Size,
		Tags:        d.Tags,
		ID:          d.ID,
		Signature:   d.Signature,
	}
}

func toRegisterResultWire(r registry.RegisterResult) registerResultWire {
	out := registerResultWire{ID: r.ID, Signature: r.Signature}
	if r.Error != "" {
		out.Error = &r.Error
	}
	return out
}

// unregisterDescriptor is one element of an unregister() batch.
type unregisterDescriptor struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

// pushRequestParams is push-request's positional params:
// [source-id, transfer-id, byte-start?, byte-end?].
type pushRequestParams struct {
	SourceID   string
	TransferID string
	HasRange   bool
	RangeStart int64
	RangeEnd   int64
}

// cancelTransferParams is cancelTransfer's positional params: [transfer-id].
type cancelTransferParams struct {
	TransferID string
}
