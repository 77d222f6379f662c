package peerlink

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminServer exposes operational endpoints for a Server over HTTP.
// Responses are JSON except /metrics. Intended for admin/internal
// networks only.
type AdminServer struct {
	srv      *Server
	server   *http.Server
	listener net.Listener
	log      *zap.Logger
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(srv *Server, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		srv:      srv,
		listener: ln,
		log:      srv.log.Named("admin"),
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/peers", as.handlePeers)
	mux.HandleFunc("/peer", as.handlePeer)
	mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			as.log.Error("admin server error", zap.Error(err))
		}
	}()
	as.log.Info("admin server started", zap.String("addr", as.Addr()))
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Alias       string           `json:"alias"`
	Addr        string           `json:"addr"`
	Running     bool             `json:"running"`
	Peers       int              `json:"peers"`
	Outstanding int              `json:"outstanding_queries"`
	Metrics     map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := as.srv
	writeJSON(w, as.log, statusResponse{
		Alias:       s.Alias(),
		Addr:        s.Addr(),
		Running:     s.running(),
		Peers:       s.registry.Len(),
		Outstanding: s.Outstanding(),
		Metrics:     s.Metrics().Snapshot(),
	})
}

// peerEntry is a single peer in the GET /peers response.
type peerEntry struct {
	Alias       string `json:"alias"`
	Address     string `json:"address"`
	Session     string `json:"session"`
	ConnectedAt string `json:"connected_at"`
	LatencyUs   int64  `json:"latency_us"`
}

func newPeerEntry(p *Peer) peerEntry {
	return peerEntry{
		Alias:       p.Alias,
		Address:     p.Address,
		Session:     p.Session.String(),
		ConnectedAt: p.ConnectedAt.Format(time.RFC3339),
		LatencyUs:   p.Latency().Microseconds(),
	}
}

// peersResponse is the JSON structure for GET /peers.
type peersResponse struct {
	Peers []peerEntry `json:"peers"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := as.srv.Peers()
	entries := make([]peerEntry, len(peers))
	for i, p := range peers {
		entries[i] = newPeerEntry(p)
	}
	writeJSON(w, as.log, peersResponse{Peers: entries})
}

// peerResponse is the JSON structure for GET /peer?alias=... or ?address=....
type peerResponse struct {
	Found bool       `json:"found"`
	Peer  *peerEntry `json:"peer,omitempty"`
}

func (as *AdminServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alias := r.URL.Query().Get("alias")
	address := r.URL.Query().Get("address")
	var (
		p  *Peer
		ok bool
	)
	switch {
	case address != "":
		p, ok = as.srv.Peer(address)
	case alias != "":
		p, ok = as.srv.PeerByAlias(alias)
	default:
		http.Error(w, `missing "alias" or "address" query parameter`, http.StatusBadRequest)
		return
	}

	resp := peerResponse{Found: ok}
	if ok {
		e := newPeerEntry(p)
		resp.Peer = &e
	}
	writeJSON(w, as.log, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("admin: json encode error", zap.Error(err))
	}
}
