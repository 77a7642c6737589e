// Package relay wires the Peer Transport, JSON-RPC Multiplexer, Source
// Registry, Transfer Engine, Protocol Dispatcher and HTTP Front Door into
// one running instance, the way node.New assembles an ipfs node's
// collaborators from a single Options struct (§2 top-level composition).
package relay

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/elima/filetea/internal/config"
	"github.com/elima/filetea/internal/httpfront"
	"github.com/elima/filetea/internal/peerhub"
	"github.com/elima/filetea/internal/protocol"
	"github.com/elima/filetea/internal/registry"
	"github.com/elima/filetea/internal/rpc"
	"github.com/elima/filetea/internal/transfer"
)

// Options configures a Relay. Zero StartTimeout and StatusInterval fall
// back to the transfer package's defaults; the other fields are passed on
// as given, so FromConfig is the way to get config.Default()'s values.
type Options struct {
	InstancePrefix     string
	NodeKey            []byte
	SourceIDStartDepth int
	SourceIDMaxDepth   int
	ServerName         string
	ForceHTTPS         bool
	HTTPSPort          int
	MaxBandwidthIn     int64
	MaxBandwidthOut    int64
	StartTimeout       time.Duration
	StatusInterval     time.Duration
}

// FromConfig derives relay Options from a decoded config.Config, minting a
// random node key (§4.D: "randomly generated at startup, non-persistent in
// that case") when none is configured.
func FromConfig(cfg config.Config) (Options, error) {
	key := []byte(cfg.Node.Key)
	if len(key) == 0 {
		generated, err := registry.NewRandomKey()
		if err != nil {
			return Options{}, err
		}
		key = generated
	}
	return Options{
		InstancePrefix:     cfg.Node.ID,
		NodeKey:            key,
		SourceIDStartDepth: cfg.Node.SourceIDStartDepth,
		SourceIDMaxDepth:   16 + len(cfg.Node.ID),
		ServerName:         cfg.Node.ServerName,
		ForceHTTPS:         cfg.HTTP.ForceHTTPS,
		HTTPSPort:          cfg.HTTPS.Port,
		MaxBandwidthIn:     int64(cfg.Node.MaxBandwidthIn),
		MaxBandwidthOut:    int64(cfg.Node.MaxBandwidthOut),
	}, nil
}

// Relay is the fully wired instance; Front is the http.Handler an operator
// hands to http.ListenAndServe(TLS).
type Relay struct {
	Hub        *peerhub.Hub
	Mux        *rpc.Mux
	Registry   *registry.Registry
	Engine     *transfer.Engine
	Dispatcher *protocol.Dispatcher
	Front      *httpfront.Server
}

// New builds every collaborator and wires them together. The Mux needs a
// dispatch function before the Engine (which the Dispatcher needs) can be
// built, so the dispatch passed to rpc.NewMux is an indirection closure
// that doesn't resolve to the real Dispatcher until the first frame
// arrives — by which point New has finished assigning it.
func New(opts Options, log zerolog.Logger) *Relay {
	hub := peerhub.New(log)
	reg := registry.New(opts.InstancePrefix, opts.NodeKey, opts.SourceIDStartDepth, opts.SourceIDMaxDepth, log)

	var dispatcher *protocol.Dispatcher
	mux := rpc.NewMux(hub, log, func(method string, params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
		dispatcher.Dispatch(method, params, peer, inv)
	})

	eng := transfer.New(hub, mux, reg, transfer.Options{
		StartTimeout:    opts.StartTimeout,
		StatusInterval:  opts.StatusInterval,
		MaxBandwidthIn:  opts.MaxBandwidthIn,
		MaxBandwidthOut: opts.MaxBandwidthOut,
	}, log)

	dispatcher = protocol.New(reg, eng, log)

	// A seeder peer going away must release every source it owned (so a
	// different peer can reclaim those ids, §4.D) in addition to whatever
	// the Engine itself reacts to (§5: "peer-closed on a target cancels
	// only the transfers where that peer is the leecher").
	hub.OnPeerClosed(func(p *peerhub.Peer, graceful bool) {
		eng.HandlePeerClosed(p.ID)
		reg.ReleasePeer(p.ID)
	})

	front := httpfront.New(hub, reg, eng, httpfront.Options{
		ForceHTTPS: opts.ForceHTTPS,
		HTTPSPort:  opts.HTTPSPort,
		ServerName: opts.ServerName,
	}, log)

	return &Relay{
		Hub:        hub,
		Mux:        mux,
		Registry:   reg,
		Engine:     eng,
		Dispatcher: dispatcher,
		Front:      front,
	}
}
