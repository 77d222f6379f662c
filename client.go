package peerlink

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ClientStatus is the connection state of a Client.
type ClientStatus int32

const (
	ClientIdle ClientStatus = iota
	ClientConnecting
	ClientConnected
	ClientClosed
)

func (s ClientStatus) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Client holds at most one connection to a Server.
//
// Invariants:
//   - Connect is accepted only from ClientIdle.
//   - A connect attempt stays registered until the transport reports its
//     outcome, even after Connect gave up waiting. A connection that
//     completes after that is closed, and the client returns to idle
//     only once the transport reports it gone.
type Client struct {
	endpoint

	status atomic.Int32

	mu      sync.Mutex // guards server and attempt
	server  *Peer
	attempt *connectAttempt

	onConnected    handlerList[ConnectedFunc]
	onDisconnected handlerList[DisconnectedFunc]
}

type connectAttempt struct {
	done      chan connectResult
	abandoned bool
}

type connectResult struct {
	response Message
	err      error
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{}
	if err := c.init("client", c, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Start creates the transport and the event loop. Connect may be called
// once Start returns.
func (c *Client) Start() error {
	if err := c.begin(); err != nil {
		return err
	}
	tr, err := c.cfg.transportFactory()(c.cfg.transportConfig("", c.log.Named("transport")))
	if err == nil {
		err = tr.Start()
	}
	if err != nil {
		c.abort()
		return fmt.Errorf("peerlink: client start: %w", err)
	}

	alias := c.cfg.alias
	if alias == "" {
		alias = c.cfg.localAddr
	}
	if alias == "" {
		alias, _ = os.Hostname()
	}
	c.activate(tr, alias)

	c.run()
	c.log.Info("client started", zap.String("network", string(c.cfg.network)))
	return nil
}

// Connect dials host:port with handshake as the handshake message (the
// client's alias is added to its metadata) and blocks until the server
// decides, the connection fails or timeout elapses. On success it returns
// the server's handshake response, or Invalid{} if the server sent none.
// Must not be called from a handler.
func (c *Client) Connect(host string, port int, timeout time.Duration, handshake Content) (Message, error) {
	if !c.running() {
		return nil, fmt.Errorf("%w: client not running", ErrInvalidState)
	}
	if !c.status.CompareAndSwap(int32(ClientIdle), int32(ClientConnecting)) {
		return nil, fmt.Errorf("%w: client is %v", ErrInvalidState, c.Status())
	}
	if timeout <= 0 {
		timeout = c.cfg.connectTimeout
	}

	md := handshake.Metadata.Clone()
	if md == nil {
		md = make(Metadata, 1)
	}
	md[MetaAlias] = c.Alias()
	hello, err := Encode(NewInfo(Content{Metadata: md, Payload: handshake.Payload}))
	if err != nil {
		c.status.Store(int32(ClientIdle))
		return nil, err
	}

	att := &connectAttempt{done: make(chan connectResult, 1)}
	c.mu.Lock()
	c.attempt = att
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := c.transport.Connect(addr, hello); err != nil {
		c.mu.Lock()
		c.attempt = nil
		c.mu.Unlock()
		c.status.Store(int32(ClientIdle))
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-att.done:
		return res.response, res.err
	case <-c.quit:
		return nil, fmt.Errorf("connect: %w", ErrClosed)
	case <-timer.C:
	}

	c.mu.Lock()
	if c.attempt == att {
		att.abandoned = true
		c.mu.Unlock()
		c.log.Info("connect timed out", zap.String("addr", addr), zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("connect to %s after %v: %w", addr, timeout, ErrTimeout)
	}
	c.mu.Unlock()
	// Decided between the timer and the lock.
	res := <-att.done
	return res.response, res.err
}

// Disconnect closes the connection with reason and stops the client.
// OnDisconnected fires on the calling goroutine if a connection was up.
// Safe to call repeatedly.
func (c *Client) Disconnect(reason string) error {
	stopped, err := c.stop(reason)
	if !stopped {
		return err
	}
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()
	c.status.Store(int32(ClientClosed))

	if srv != nil {
		c.fireDisconnected(reason)
	}
	c.log.Info("client stopped", zap.String("reason", reason))
	return err
}

// Send delivers an Info to the server without waiting.
func (c *Client) Send(content Content, mode DeliveryMode) error {
	srv, err := c.connectedServer()
	if err != nil {
		return err
	}
	return c.post(srv.Conn(), NewInfo(content), mode)
}

// Query sends a Query to the server and waits for its Reply. A zero
// timeout uses the configured query timeout. Must not be called from a
// handler.
func (c *Client) Query(content Content, timeout time.Duration, mode DeliveryMode) (*Reply, error) {
	srv, err := c.connectedServer()
	if err != nil {
		return nil, err
	}
	return c.query(srv.Conn(), content, timeout, mode)
}

func (c *Client) connectedServer() (*Peer, error) {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil || !c.running() {
		return nil, fmt.Errorf("%w: client is %v", ErrInvalidState, c.Status())
	}
	return srv, nil
}

func (c *Client) Status() ClientStatus {
	return ClientStatus(c.status.Load())
}

// Server returns the connected server peer, or nil.
func (c *Client) Server() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Latency is the last round-trip estimate to the server.
func (c *Client) Latency() time.Duration {
	if srv := c.Server(); srv != nil {
		return srv.Latency()
	}
	return 0
}

func (c *Client) OnConnected(fn ConnectedFunc) Unsubscribe {
	return c.onConnected.add(fn)
}

func (c *Client) OnDisconnected(fn DisconnectedFunc) Unsubscribe {
	return c.onDisconnected.add(fn)
}

// --- role ---

// connectionRequest never happens on a dial-only transport.
func (c *Client) connectionRequest(ev Event) {
	if ev.Approval != nil {
		ev.Approval.Deny(reasonUnauthorized)
	}
}

func (c *Client) connected(ev Event) {
	c.mu.Lock()
	att := c.attempt
	if att == nil || att.abandoned {
		c.mu.Unlock()
		c.log.Info("closing connection completed after connect gave up", zap.String("remote", remoteOf(ev.Conn)))
		ev.Conn.Close("connect abandoned")
		return
	}

	var resp Message = Invalid{}
	if len(ev.Payload) > 0 {
		m, err := Decode(ev.Payload)
		if err != nil {
			c.metrics.FramesDropped.WithLabelValues(dropMalformed).Inc()
			c.log.Warn("malformed handshake response", zap.Error(err))
		} else {
			resp = m
		}
	}
	alias := ContentOf(resp).Metadata[MetaAlias]
	if alias == "" {
		alias = ev.Conn.RemoteAddr()
	}

	c.server = newPeer(ev.Conn.RemoteAddr(), alias, ev.Conn, c.clock.Now())
	c.attempt = nil
	c.status.Store(int32(ClientConnected))
	c.mu.Unlock()

	c.metrics.Peers.Set(1)
	c.log.Info("connected", zap.String("remote", ev.Conn.RemoteAddr()))
	att.done <- connectResult{response: resp}

	for _, fn := range c.onConnected.snapshot() {
		c.call("connected", func() { fn(resp) })
	}
}

func (c *Client) disconnected(ev Event) {
	c.mu.Lock()
	if att := c.attempt; att != nil {
		c.attempt = nil
		c.mu.Unlock()
		c.status.CompareAndSwap(int32(ClientConnecting), int32(ClientIdle))
		if att.abandoned {
			return
		}
		var err error
		if ev.Denied {
			err = &HandshakeDeniedError{Reason: ev.Reason}
		} else {
			err = fmt.Errorf("%w: %s", ErrConnectFailed, ev.Reason)
		}
		att.done <- connectResult{err: err}
		return
	}
	if c.server == nil || c.server.Conn() != ev.Conn {
		c.mu.Unlock()
		return
	}
	c.server = nil
	c.mu.Unlock()

	c.status.CompareAndSwap(int32(ClientConnected), int32(ClientIdle))
	c.metrics.Peers.Set(0)
	c.log.Info("disconnected", zap.String("reason", ev.Reason))
	c.fireDisconnected(ev.Reason)
}

func (c *Client) fireDisconnected(reason string) {
	for _, fn := range c.onDisconnected.snapshot() {
		c.call("disconnected", func() { fn(reason) })
	}
}

func (c *Client) latencyUpdated(ev Event) {
	if srv, ok := c.peerFor(ev.Conn); ok {
		srv.latency.Store(int64(ev.Latency))
	}
}

func (c *Client) peerFor(conn Conn) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil || conn == nil || c.server.Conn() != conn {
		return nil, false
	}
	return c.server, true
}
