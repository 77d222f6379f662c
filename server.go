package peerlink

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server accepts clients, decides their handshakes and exchanges
// messages with every admitted peer.
type Server struct {
	endpoint

	addr     string
	registry *Registry
	hs       handshakeController
	admin    *AdminServer

	onConnected    handlerList[PeerFunc]
	onDisconnected handlerList[PeerDisconnectFunc]
}

// NewServer creates a server that will listen on addr. Nothing is bound
// until Start.
func NewServer(addr string, opts ...Option) (*Server, error) {
	s := &Server{addr: addr}
	if err := s.init("server", s, opts); err != nil {
		return nil, err
	}
	s.registry = NewRegistry(s.cfg.allowDuplicateAlias)
	s.hs.registry = s.registry
	s.hs.allowDuplicate = s.cfg.allowDuplicateAlias
	s.hs.now = s.clock.Now
	if s.cfg.handshakeRate != rate.Inf {
		s.hs.limiter = rate.NewLimiter(s.cfg.handshakeRate, s.cfg.handshakeBurst)
	}
	return s, nil
}

// Start binds the listener, trying following ports when WithPortRetries
// allows it, and starts the event loop.
func (s *Server) Start() error {
	if err := s.begin(); err != nil {
		return err
	}
	tr, err := s.bind()
	if err != nil {
		s.abort()
		return err
	}

	alias := s.cfg.alias
	if alias == "" {
		alias = tr.Addr()
	}
	s.activate(tr, alias)
	s.hs.metrics = s.metrics
	s.hs.log = s.log

	if s.cfg.adminAddr != "" {
		admin, err := NewAdminServer(s, s.cfg.adminAddr)
		if err != nil {
			tr.Shutdown("admin server failed")
			s.abort()
			return fmt.Errorf("peerlink: admin server: %w", err)
		}
		s.admin = admin
		admin.Start()
	}

	s.run()
	s.log.Info("server started", zap.String("addr", tr.Addr()), zap.String("network", string(s.cfg.network)))
	return nil
}

func (s *Server) bind() (Transport, error) {
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		return nil, fmt.Errorf("peerlink: server address %q: %w", s.addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("peerlink: server port %q: %w", portStr, err)
	}

	factory := s.cfg.transportFactory()
	tlog := s.log.Named("transport")

	var errs error
	for i := 0; i <= s.cfg.portRetries; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		tr, err := factory(s.cfg.transportConfig(addr, tlog))
		if err == nil {
			if err = tr.Start(); err == nil {
				return tr, nil
			}
			tr.Shutdown("bind failed")
		}
		errs = multierr.Append(errs, err)
		if port == 0 {
			break
		}
		s.log.Warn("server bind failed", zap.String("addr", addr), zap.Error(err))
	}
	return nil, fmt.Errorf("peerlink: server start: %w", errs)
}

// Stop disconnects every peer with reason, shuts the transport down and
// waits for the event loop to exit. Remaining peers get
// OnClientDisconnected on the calling goroutine. Safe to call repeatedly.
func (s *Server) Stop(reason string) error {
	stopped, err := s.stop(reason)
	if !stopped {
		return err
	}
	if s.admin != nil {
		s.admin.Stop()
	}
	for _, p := range s.registry.RemoveAll() {
		s.fireDisconnected(p, reason)
	}
	s.metrics.Peers.Set(0)
	s.log.Info("server stopped", zap.String("reason", reason))
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.transport == nil {
		return ""
	}
	return s.transport.Addr()
}

// OnHandshake installs the admission decision. With none installed every
// request is approved. Passing nil removes it.
func (s *Server) OnHandshake(fn HandshakeFunc) {
	if fn == nil {
		s.hs.handler.Store(nil)
		return
	}
	s.hs.handler.Store(&fn)
}

func (s *Server) OnClientConnected(fn PeerFunc) Unsubscribe {
	return s.onConnected.add(fn)
}

func (s *Server) OnClientDisconnected(fn PeerDisconnectFunc) Unsubscribe {
	return s.onDisconnected.add(fn)
}

// Send delivers an Info to p without waiting.
func (s *Server) Send(p *Peer, c Content, mode DeliveryMode) error {
	if !s.running() {
		return fmt.Errorf("%w: server not running", ErrInvalidState)
	}
	return s.post(p.Conn(), NewInfo(c), mode)
}

// Query sends a Query to p and waits for its Reply. A zero timeout uses
// the configured query timeout. Must not be called from a handler.
func (s *Server) Query(p *Peer, c Content, timeout time.Duration, mode DeliveryMode) (*Reply, error) {
	if !s.running() {
		return nil, fmt.Errorf("%w: server not running", ErrInvalidState)
	}
	return s.query(p.Conn(), c, timeout, mode)
}

// Broadcast sends an Info to every connected peer.
func (s *Server) Broadcast(c Content, mode DeliveryMode) error {
	if !s.running() {
		return fmt.Errorf("%w: server not running", ErrInvalidState)
	}
	var errs error
	for _, p := range s.registry.Peers() {
		errs = multierr.Append(errs, s.post(p.Conn(), NewInfo(c), mode))
	}
	return errs
}

// Kick disconnects p. OnClientDisconnected follows with reason.
func (s *Server) Kick(p *Peer, reason string) error {
	return p.Conn().Close(reason)
}

func (s *Server) Peer(address string) (*Peer, bool) {
	return s.registry.Get(address)
}

// PeerByAlias returns the earliest admitted peer with alias.
func (s *Server) PeerByAlias(alias string) (*Peer, bool) {
	return s.registry.FindByAlias(alias)
}

// Peers returns the connected peers in admission order.
func (s *Server) Peers() []*Peer {
	return s.registry.Peers()
}

// Outstanding is the number of queries this server is waiting on.
func (s *Server) Outstanding() int {
	return s.corr.Outstanding()
}

// --- role ---

func (s *Server) connectionRequest(ev Event) {
	s.hs.handle(ev, s.call)
}

func (s *Server) connected(ev Event) {
	p, ok := s.peerFor(ev.Conn)
	if !ok {
		s.log.Warn("connected without admission", zap.String("remote", remoteOf(ev.Conn)))
		ev.Conn.Close(reasonUnauthorized)
		return
	}
	s.metrics.Peers.Set(float64(s.registry.Len()))
	s.log.Info("client connected", zap.String("peer", p.Alias), zap.String("remote", p.Address))
	for _, fn := range s.onConnected.snapshot() {
		s.call("client connected", func() { fn(p) })
	}
}

func (s *Server) disconnected(ev Event) {
	p, ok := s.peerFor(ev.Conn)
	if !ok {
		return
	}
	s.fireDisconnected(p, ev.Reason)
	s.registry.Remove(p.Address)
	s.metrics.Peers.Set(float64(s.registry.Len()))
	s.log.Info("client disconnected", zap.String("peer", p.Alias), zap.String("reason", ev.Reason))
}

func (s *Server) fireDisconnected(p *Peer, reason string) {
	for _, fn := range s.onDisconnected.snapshot() {
		s.call("client disconnected", func() { fn(p, reason) })
	}
}

func (s *Server) latencyUpdated(ev Event) {
	if _, ok := s.peerFor(ev.Conn); ok {
		s.registry.UpdateLatency(ev.Conn.RemoteAddr(), ev.Latency)
	}
}

func (s *Server) peerFor(c Conn) (*Peer, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := s.registry.Get(c.RemoteAddr())
	if !ok || p.Conn() != c {
		return nil, false
	}
	return p, true
}
