package peerlink

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeTransport lets tests inject events and observe what an endpoint
// sends, without sockets.
type fakeTransport struct {
	events chan Event

	mu       sync.Mutex
	dials    []string
	hellos   [][]byte
	shutdown string
	done     chan struct{}
	dialErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// factory returns a TransportFactory that hands out ft once.
func (ft *fakeTransport) factory() TransportFactory {
	return func(TransportConfig) (Transport, error) { return ft, nil }
}

func (ft *fakeTransport) Start() error { return nil }
func (ft *fakeTransport) Addr() string { return "127.0.0.1:4000" }

func (ft *fakeTransport) Connect(addr string, hello []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.dialErr != nil {
		return ft.dialErr
	}
	ft.dials = append(ft.dials, addr)
	ft.hellos = append(ft.hellos, hello)
	return nil
}

func (ft *fakeTransport) WaitEvent(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-ft.events:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	case <-ft.done:
		return Event{}, false
	}
}

func (ft *fakeTransport) Shutdown(reason string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.shutdown == "" {
		ft.shutdown = reason
		close(ft.done)
	}
	return nil
}

func (ft *fakeTransport) push(ev Event) {
	ft.events <- ev
}

func (ft *fakeTransport) dialCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.dials)
}

func (ft *fakeTransport) lastHello() []byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.hellos) == 0 {
		return nil
	}
	return ft.hellos[len(ft.hellos)-1]
}

// fakeConn records sent payloads.
type fakeConn struct {
	addr string

	mu     sync.Mutex
	sent   [][]byte
	closed string
	sentCh chan []byte
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, sentCh: make(chan []byte, 64)}
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Send(data []byte, _ DeliveryMode) error {
	c.mu.Lock()
	if c.closed != "" {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	c.sentCh <- data
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == "" {
		c.closed = reason
	}
	return nil
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next waits for the next payload sent on c.
func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	select {
	case data := <-c.sentCh:
		m, err := Decode(data)
		if err != nil {
			t.Fatalf("decode sent data: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing sent to %s", c.addr)
		return nil
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeApproval records the decision.
type fakeApproval struct {
	decided  chan struct{}
	once     sync.Once
	accepted bool
	response []byte
	reason   string
}

func newFakeApproval() *fakeApproval {
	return &fakeApproval{decided: make(chan struct{})}
}

func (a *fakeApproval) decide(accept bool, response []byte, reason string) error {
	err := ErrHandshakeDecided
	a.once.Do(func() {
		a.accepted, a.response, a.reason = accept, response, reason
		close(a.decided)
		err = nil
	})
	return err
}

func (a *fakeApproval) Approve(response []byte) error { return a.decide(true, response, "") }
func (a *fakeApproval) Deny(reason string) error      { return a.decide(false, nil, reason) }

func (a *fakeApproval) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.decided:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake was never decided")
	}
}

// helloFrom encodes a client handshake message carrying alias.
func helloFrom(t *testing.T, alias string, payload []byte) []byte {
	t.Helper()
	md := Metadata{}
	if alias != "" {
		md[MetaAlias] = alias
	}
	b, err := Encode(NewInfo(Content{Metadata: md, Payload: payload}))
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	return b
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

// newFakeServer starts a Server on a fakeTransport.
func newFakeServer(t *testing.T, opts ...Option) (*Server, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{
		WithTransport(ft.factory()),
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	s, err := NewServer("127.0.0.1:4000", opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop("test done") })
	return s, ft
}

// admit runs a connection request for addr/alias through s and waits
// for both the decision and the Connected event to be processed.
func admit(t *testing.T, s *Server, ft *fakeTransport, addr, alias string) *fakeConn {
	t.Helper()
	conn := newFakeConn(addr)
	admitConn(t, s, ft, conn, alias)
	return conn
}

// admitConn runs conn through an approved handshake and waits for the
// server to register it.
func admitConn(t *testing.T, s *Server, ft *fakeTransport, conn Conn, alias string) {
	t.Helper()
	addr := conn.RemoteAddr()
	a := newFakeApproval()
	ft.push(Event{Type: EventConnectionRequest, Conn: conn, Payload: helloFrom(t, alias, nil), Approval: a})
	a.wait(t)
	if !a.accepted {
		t.Fatalf("admit %s: denied with %q", alias, a.reason)
	}
	connected := make(chan struct{})
	unsub := s.OnClientConnected(func(p *Peer) {
		if p.Address == addr {
			close(connected)
		}
	})
	defer unsub()
	ft.push(Event{Type: EventStatusChanged, Conn: conn, State: ConnConnected})
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("admit %s: connected event not processed", alias)
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
