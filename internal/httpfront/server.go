// Package httpfront implements the HTTP Front Door (§4.F): the public
// surface that serves the signalling transport, content GET/PUT, and a
// small set of operator-facing management endpoints.
package httpfront

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/elima/filetea/internal/registry"
	"github.com/elima/filetea/internal/transfer"
)

// Options configures the front door's pre-handler redirect rules (§4.F).
type Options struct {
	// ForceHTTPS redirects every plaintext request to its https:// (or
	// wss:// for the transport) equivalent on HTTPSPort.
	ForceHTTPS bool
	HTTPSPort  int
	// ServerName, when set, canonicalises any request whose Host header
	// differs, matching node.server-name.
	ServerName string
}

// Server is the front door: it owns the routing table and delegates every
// decision to the Hub/Registry/Engine it fronts. Constructed once at
// startup and handed to http.ListenAndServe(TLS) by the caller.
type Server struct {
	log   zerolog.Logger
	hub   *peerhub.Hub
	reg   *registry.Registry
	eng   *transfer.Engine
	opts  Options
	mux   *http.ServeMux
	start time.Time
}

// New builds a Server wired to hub (for the transport and stats), reg and
// eng (for content GET/PUT), and opts (redirect rules).
func New(hub *peerhub.Hub, reg *registry.Registry, eng *transfer.Engine, opts Options, log zerolog.Logger) *Server {
	s := &Server{
		log:   log.With().Str("component", "httpfront").Logger(),
		hub:   hub,
		reg:   reg,
		eng:   eng,
		opts:  opts,
		mux:   http.NewServeMux(),
		start: time.Now(),
	}
	s.routes()
	return s
}

// routes lays out the URL grammar of §4.F. The content handler is mounted
// last, at "/", since it must see every path net/http's ServeMux doesn't
// otherwise claim with a more specific pattern.
func (s *Server) routes() {
	lp := peerhub.NewLongPoll(s.hub, 0)
	s.mux.Handle("/transport/ws", peerhub.WebSocketHandler(s.hub))
	s.mux.Handle("/transport/longpoll/handshake", lp.HandshakeHandler())
	s.mux.Handle("/transport/longpoll/poll", lp.PollHandler())
	s.mux.Handle("/transport/longpoll/send", lp.SendHandler())
	s.mux.Handle("/transport/longpoll/close", lp.CloseHandler())

	s.mux.HandleFunc("/mgmt/healthz", s.handleHealthz)
	s.mux.HandleFunc("/mgmt/stats", s.handleStats)

	// /api/ and /js/ are reserved surfaces with no behaviour of their own
	// yet; the static app shell isn't part of this relay, only the
	// protocol and transfer core it talks to.
	s.mux.HandleFunc("/api/", http.NotFound)
	s.mux.HandleFunc("/js/", http.NotFound)

	s.mux.HandleFunc("/", s.handleContent)
}

// ServeHTTP satisfies http.Handler, applying the pre-handler redirect rules
// of §4.F before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.ForceHTTPS && r.TLS == nil {
		target := s.httpsEquivalent(r)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if s.opts.ServerName != "" && hostOnly(r.Host) != s.opts.ServerName {
		target := fmt.Sprintf("%s://%s%s", schemeOf(r), s.opts.ServerName, r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) httpsEquivalent(r *http.Request) string {
	scheme := "https"
	if strings.HasPrefix(r.URL.Path, "/transport/ws") {
		scheme = "wss"
	}
	host := hostOnly(r.Host)
	if s.opts.ServerName != "" {
		host = s.opts.ServerName
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, s.opts.HTTPSPort, r.URL.RequestURI())
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// handleContent implements GET/PUT on /<id>[/<action>] (§4.F).
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, id, action)
	case http.MethodPut:
		s.handlePut(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// splitIDAction splits "/<id>/<action>" (leading slash already present)
// into its two segments; action is "" if the path has only one segment.
func splitIDAction(path string) (id, action string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id, action string) {
	src, ok := s.reg.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if action == "" && looksLikeBrowser(r.UserAgent()) {
		http.Redirect(w, r, "/#"+id, http.StatusFound)
		return
	}

	dlOpts := transfer.DownloadOptions{
		Action:       resolveAction(action),
		TargetPeerID: r.URL.Query().Get("peer"),
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, multi, explicitEnd, err := parseRange(rangeHeader, src.Size)
		// "bytes=0-" with no explicit end covers the whole entity and is
		// libsoup's (and therefore every source's) trivial no-op range;
		// anything else - a bounded sub-range or a non-zero open start -
		// is a genuine sub-range that a non-chunkable source can't satisfy.
		trivialWholeEntity := !explicitEnd && start == 0
		switch {
		case multi:
			http.Error(w, "multiple ranges not supported", http.StatusRequestedRangeNotSatisfiable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		case src.Flags.Has(registry.Chunkable):
			dlOpts.Ranged = true
			dlOpts.RangeStart = start
			dlOpts.RangeEnd = end
		case trivialWholeEntity:
			// Non-chunkable source: the range is ignored and the full body
			// is served with 200.
		default:
			// Non-chunkable source, genuine sub-range: unsatisfiable (§8
			// Scenario 3).
			http.Error(w, "range not satisfiable on a non-chunkable source", http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}

	var flush func()
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}
	leecher := transfer.NewLeecherConn(w, flush, r.Context().Done())

	headersSent := false
	onPaired := func(contentType string, size int64, chunked bool, rng transfer.ByteRange) {
		headersSent = true
		w.Header().Set("Content-Type", contentType)
		if wantsDisposition(action) {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", src.Name))
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if chunked {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, src.Size))
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	_, err := s.eng.Serve(id, dlOpts, leecher, onPaired)
	if err == nil {
		return
	}
	if headersSent {
		s.log.Warn().Err(err).Str("source", id).Msg("transfer ended in error after response headers were sent")
		return
	}
	switch {
	case errors.Is(err, transfer.ErrSourceNotFound):
		http.NotFound(w, r)
	case errors.Is(err, transfer.ErrStartTimeout):
		http.Error(w, "seeder never arrived", http.StatusRequestTimeout)
	default:
		http.Error(w, "transfer failed", http.StatusInternalServerError)
	}
}

// wantsDisposition implements §4.E's content-disposition rule: download
// (default or an unrecognised action) attaches; view/open let the browser
// render inline.
func wantsDisposition(action string) bool {
	switch resolveAction(action) {
	case transfer.ActionView, transfer.ActionOpen:
		return false
	default:
		return true
	}
}

func resolveAction(action string) transfer.Action {
	switch action {
	case string(transfer.ActionView):
		return transfer.ActionView
	case string(transfer.ActionOpen):
		return transfer.ActionOpen
	default:
		return transfer.ActionDownload
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, transferID string) {
	snap, err := s.eng.PairAndWait(transferID, r.Body, r.ContentLength)
	if err != nil {
		if errors.Is(err, transfer.ErrTransferNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap.Status != transfer.Completed {
		http.Error(w, "pump ended: "+snap.Status.String(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type statsResponse struct {
	Peers           int `json:"peers"`
	Sources         int `json:"sources"`
	ActiveTransfers int `json:"activeTransfers"`
}

// handleStats answers GET /mgmt/stats with a point-in-time JSON snapshot,
// consumed by `filetea-relay stats` and any external monitoring.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, snap := range s.eng.Snapshots() {
		if !snap.Status.Terminal() {
			active++
		}
	}
	resp := statsResponse{Peers: s.hub.Len(), Sources: s.reg.Len(), ActiveTransfers: active}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealthz answers GET /mgmt/healthz with a trivial liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

