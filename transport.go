package peerlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport is the event-driven connection layer underneath a Server or
// Client. All inbound activity surfaces through WaitEvent, which is polled
// by exactly one goroutine.
type Transport interface {
	// Start binds the local socket. Non-blocking.
	Start() error
	// Addr is the bound local address, or "" before Start.
	Addr() string
	// Connect begins an outbound connection carrying hello as the
	// handshake payload. The outcome arrives as a StatusChanged event.
	Connect(addr string, hello []byte) error
	// WaitEvent blocks up to timeout for the next event.
	WaitEvent(timeout time.Duration) (Event, bool)
	// Shutdown closes every connection with reason and joins all
	// transport goroutines. Idempotent.
	Shutdown(reason string) error
}

// Conn is a single connection owned by a Transport.
type Conn interface {
	RemoteAddr() string
	// Send queues data for delivery. It never blocks on the network.
	Send(data []byte, mode DeliveryMode) error
	// Close flushes reason to the remote side and tears the connection down.
	Close(reason string) error
}

// Approval is the decision handle attached to a connection request.
// Only the first decision takes effect.
type Approval interface {
	Approve(response []byte) error
	Deny(reason string) error
}

// DeliveryMode selects how a message travels.
type DeliveryMode int

const (
	DeliveryDefault DeliveryMode = iota // the endpoint's configured default
	DeliveryReliableOrdered
	DeliveryBestEffort
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryDefault:
		return "default"
	case DeliveryReliableOrdered:
		return "reliable"
	case DeliveryBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("delivery(%d)", int(m))
	}
}

// EventType discriminates transport events.
type EventType int

const (
	EventConnectionRequest EventType = iota + 1
	EventStatusChanged
	EventLatencyUpdated
	EventData
)

// ConnState is carried by EventStatusChanged.
type ConnState int

const (
	ConnConnected ConnState = iota + 1
	ConnDisconnected
)

// Event is one unit of transport activity.
type Event struct {
	Type EventType
	Conn Conn

	// ConnectionRequest: the hello bytes. StatusChanged/Connected on the
	// dialing side: the acceptance payload. Data: the message bytes.
	Payload []byte

	Approval Approval // ConnectionRequest only

	State  ConnState // StatusChanged only
	Reason string    // StatusChanged/Disconnected
	Denied bool      // Disconnected because the handshake was denied

	Latency time.Duration // LatencyUpdated only
}

// TransportConfig is everything a transport needs from the endpoint.
type TransportConfig struct {
	ListenAddr       string // empty for dial-only transports
	LocalAddr        string // local bind for outbound connections
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	TLS              *tls.Config
	Logger           *zap.Logger
}

// TransportFactory builds a transport for one endpoint.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// eventQueueSize bounds buffered events; producers block when it is full.
const eventQueueSize = 1024

// transportBase is the event queue, shutdown signal and link bookkeeping
// shared by the TCP and QUIC transports.
type transportBase struct {
	cfg    TransportConfig
	log    *zap.Logger
	events chan Event

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	links   map[*link]struct{}
	dialing bool
}

func (b *transportBase) init(cfg TransportConfig) {
	b.cfg = cfg
	b.log = cfg.Logger
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.events = make(chan Event, eventQueueSize)
	b.done = make(chan struct{})
	b.links = make(map[*link]struct{})
}

// dialContext bounds an outbound attempt by timeout and by shutdown.
func (b *transportBase) dialContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// push delivers ev to the poller. Returns false once shut down.
func (b *transportBase) push(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *transportBase) WaitEvent(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-b.events:
		return ev, true
	case <-timer.C:
	case <-b.done:
	}
	return Event{}, false
}

func (b *transportBase) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *transportBase) track(l *link) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return false
	}
	b.links[l] = struct{}{}
	return true
}

func (b *transportBase) untrack(l *link) {
	b.mu.Lock()
	delete(b.links, l)
	b.mu.Unlock()
}

// beginDial guards against overlapping outbound connects.
func (b *transportBase) beginDial() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return ErrClosed
	}
	if b.dialing {
		return fmt.Errorf("%w: connect already in progress", ErrInvalidState)
	}
	b.dialing = true
	return nil
}

func (b *transportBase) endDial() {
	b.mu.Lock()
	b.dialing = false
	b.mu.Unlock()
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// acceptBackoff spaces out retries after Accept errors such as EMFILE,
// doubling from acceptBackoffMin up to acceptBackoffMax.
type acceptBackoff struct {
	delay time.Duration
}

// wait sleeps for the next delay. It reports false if done closes first.
func (b *acceptBackoff) wait(done <-chan struct{}) bool {
	if b.delay == 0 {
		b.delay = acceptBackoffMin
	} else {
		b.delay = min(2*b.delay, acceptBackoffMax)
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

func (b *acceptBackoff) reset() { b.delay = 0 }

// closeAll signals shutdown and closes every live link with reason.
// The caller joins b.wg afterwards.
func (b *transportBase) closeAll(reason string) {
	b.mu.Lock()
	close(b.done)
	links := make([]*link, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()

	for _, l := range links {
		l.Close(reason)
	}
}

// approval is the Approval handed out with each connection request.
type approval struct {
	once    sync.Once
	decided chan struct{}
	accept  bool
	payload []byte
	reason  string
}

func newApproval() *approval {
	return &approval{decided: make(chan struct{})}
}

func (a *approval) decide(accept bool, payload []byte, reason string) bool {
	won := false
	a.once.Do(func() {
		a.accept, a.payload, a.reason = accept, payload, reason
		close(a.decided)
		won = true
	})
	return won
}

func (a *approval) Approve(response []byte) error {
	if !a.decide(true, response, "") {
		return ErrHandshakeDecided
	}
	return nil
}

func (a *approval) Deny(reason string) error {
	if !a.decide(false, nil, reason) {
		return ErrHandshakeDecided
	}
	return nil
}

// reasonHandshakeTimeout is used when no decision arrives in time.
const reasonHandshakeTimeout = "handshake timed out"

// await blocks for a decision, denying on timeout or shutdown.
func (a *approval) await(timeout time.Duration, done <-chan struct{}) (accept bool, payload []byte, reason string) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.decided:
	case <-timer.C:
		a.decide(false, nil, reasonHandshakeTimeout)
	case <-done:
		a.decide(false, nil, "shutting down")
	}
	<-a.decided
	return a.accept, a.payload, a.reason
}
