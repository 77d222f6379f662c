package peerlink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// role is the Server- or Client-specific half of event dispatch.
type role interface {
	connectionRequest(ev Event)
	connected(ev Event)
	disconnected(ev Event)
	latencyUpdated(ev Event)
	// peerFor maps a connection to an admitted peer.
	peerFor(c Conn) (*Peer, bool)
}

// endpoint is the machinery shared by Server and Client: the poll loop,
// dispatch by message kind, the correlator and the send/query helpers.
//
// Invariants:
//   - One goroutine (loop) polls the transport and runs every handler
//     inline, so handlers never overlap and see events in arrival order.
//   - Query and Connect block their caller; calling them from a handler
//     blocks the loop and deadlocks until their timeout.
//   - stop closes quit before shutting the transport down, and returns
//     only after the loop goroutine has exited.
type endpoint struct {
	cfg     config
	kind    string // "server" or "client"
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	corr    *Correlator
	role    role

	transport Transport

	onMessage handlerList[MessageFunc]
	onQuery   handlerList[QueryFunc]

	routesMu sync.RWMutex
	routes   map[string]QueryFunc

	// lifeMu is held from begin until run or abort, so stop never sees
	// a half-started endpoint. started is set only once the loop runs.
	lifeMu   sync.Mutex
	claimed  bool
	started  atomic.Bool
	quit     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func (e *endpoint) init(kind string, r role, opts []Option) error {
	e.cfg = defaultConfig()
	for _, opt := range opts {
		opt(&e.cfg)
	}
	if err := e.cfg.validate(); err != nil {
		return err
	}

	e.kind = kind
	e.role = r
	e.log = e.cfg.logger
	if e.log == nil {
		e.log = NewLogger(e.cfg.logLevel)
	}
	e.clock = e.cfg.clock
	if e.clock == nil {
		e.clock = clock.New()
	}
	e.corr = NewCorrelator(e.clock, e.cfg.lateReplyMemory)
	e.routes = make(map[string]QueryFunc)
	e.quit = make(chan struct{})
	e.loopDone = make(chan struct{})
	return nil
}

// begin claims the endpoint for a single Start. On success the caller
// must finish with run or abort.
func (e *endpoint) begin() error {
	e.lifeMu.Lock()
	select {
	case <-e.quit:
		e.lifeMu.Unlock()
		return ErrClosed
	default:
	}
	if e.claimed {
		e.lifeMu.Unlock()
		return fmt.Errorf("%w: already started", ErrInvalidState)
	}
	e.claimed = true
	return nil
}

// run starts the loop and publishes the endpoint as started.
func (e *endpoint) run() {
	e.started.Store(true)
	go e.loop()
	e.lifeMu.Unlock()
}

// abort releases a failed Start so it can be retried.
func (e *endpoint) abort() {
	e.claimed = false
	e.lifeMu.Unlock()
}

// activate finishes setup once the alias is known. The caller starts
// the loop when the role is ready.
func (e *endpoint) activate(tr Transport, alias string) {
	e.transport = tr
	e.cfg.alias = alias
	e.log = e.log.With(zap.String("role", e.kind), zap.String("alias", alias))
	e.metrics = newMetrics(e.kind, alias)
	e.metrics.outstandingFn = e.corr.Outstanding
}

// OnMessageReceived subscribes to Info messages.
func (e *endpoint) OnMessageReceived(fn MessageFunc) Unsubscribe {
	return e.onMessage.add(fn)
}

// OnQuerying subscribes to every incoming Query. Subscribers run in
// subscription order after any HandleQuery route, and share one draft
// reply.
func (e *endpoint) OnQuerying(fn QueryFunc) Unsubscribe {
	return e.onQuery.add(fn)
}

// HandleQuery routes queries whose Header metadata equals header to fn.
// A later registration for the same header replaces the earlier one.
func (e *endpoint) HandleQuery(header string, fn QueryFunc) {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	if fn == nil {
		delete(e.routes, header)
		return
	}
	e.routes[header] = fn
}

// Alias is the name this endpoint presents to peers.
func (e *endpoint) Alias() string {
	return e.cfg.alias
}

// Metrics returns the endpoint's metrics, or nil before Start.
func (e *endpoint) Metrics() *Metrics {
	return e.metrics
}

// --- loop ---

func (e *endpoint) loop() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		ev, ok := e.transport.WaitEvent(e.cfg.pollInterval)
		if !ok {
			continue
		}
		e.dispatch(ev)
	}
}

func (e *endpoint) dispatch(ev Event) {
	switch ev.Type {
	case EventConnectionRequest:
		e.role.connectionRequest(ev)
	case EventStatusChanged:
		switch ev.State {
		case ConnConnected:
			e.role.connected(ev)
		case ConnDisconnected:
			e.role.disconnected(ev)
		}
	case EventLatencyUpdated:
		e.metrics.PeerLatency.Observe(ev.Latency.Seconds())
		e.role.latencyUpdated(ev)
	case EventData:
		e.handleData(ev)
	}
}

func (e *endpoint) handleData(ev Event) {
	peer, ok := e.role.peerFor(ev.Conn)
	if !ok {
		e.metrics.FramesDropped.WithLabelValues(dropUnauthorized).Inc()
		e.log.Debug("dropping data from unknown connection",
			zap.String("remote", remoteOf(ev.Conn)), zap.Error(ErrUnauthorized))
		return
	}

	msg, err := Decode(ev.Payload)
	if err != nil {
		e.metrics.FramesDropped.WithLabelValues(dropMalformed).Inc()
		e.log.Debug("dropping malformed message", zap.String("peer", peer.Alias), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *Info:
		e.metrics.MessagesReceived.WithLabelValues(KindInfo.String()).Inc()
		me := &MessageEvent{Peer: peer, Message: m}
		for _, fn := range e.onMessage.snapshot() {
			e.call("message", func() { fn(me) })
		}
	case *Query:
		e.metrics.MessagesReceived.WithLabelValues(KindQuery.String()).Inc()
		e.answer(peer, m)
	case *Reply:
		e.metrics.MessagesReceived.WithLabelValues(KindReply.String()).Inc()
		if e.corr.Resolve(m) {
			return
		}
		if e.corr.Late(m.ID) {
			e.metrics.LateReplies.Inc()
			e.log.Debug("late reply", zap.Uint32("query_id", uint32(m.ID)), zap.String("peer", peer.Alias))
			return
		}
		e.metrics.FramesDropped.WithLabelValues(dropUnknownReply).Inc()
		e.log.Debug("reply for unknown query", zap.Uint32("query_id", uint32(m.ID)), zap.String("peer", peer.Alias))
	case Invalid:
		// keep-alive
	}
}

// answer runs the query handlers and sends back whatever reply they left.
func (e *endpoint) answer(peer *Peer, q *Query) {
	qe := &QueryEvent{
		Peer:  peer,
		Query: q,
		Reply: &Reply{ID: q.ID, Status: StatusUnhandled},
	}

	e.routesMu.RLock()
	route := e.routes[q.Header()]
	e.routesMu.RUnlock()

	handlers := e.onQuery.snapshot()
	if route != nil {
		handlers = append([]QueryFunc{route}, handlers...)
	}
	for _, fn := range handlers {
		panicked := e.call("query", func() { fn(qe) })
		if qe.Reply == nil {
			qe.Reply = &Reply{Status: StatusUnhandled}
		}
		if panicked {
			qe.Reply.Status = StatusError
		}
	}
	qe.Reply.ID = q.ID
	if err := e.send(peer.Conn(), qe.Reply, DeliveryDefault); err != nil {
		e.log.Warn("reply send failed",
			zap.Uint32("query_id", uint32(q.ID)), zap.String("peer", peer.Alias), zap.Error(err))
	}
}

// call runs a user handler, recovering and logging a panic.
func (e *endpoint) call(what string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			e.metrics.HandlerPanics.Inc()
			e.log.Error("handler panic", zap.String("handler", what), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
	return false
}

// --- outbound ---

func (e *endpoint) send(c Conn, m Message, mode DeliveryMode) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if mode == DeliveryDefault {
		mode = e.cfg.delivery
	}
	if err := c.Send(data, mode); err != nil {
		return fmt.Errorf("peerlink send to %s: %w", c.RemoteAddr(), err)
	}
	e.metrics.MessagesSent.WithLabelValues(m.Kind().String()).Inc()
	return nil
}

// post sends a fire-and-forget message. A connection that is already
// closing drops it; the caller learns about that from the disconnect.
func (e *endpoint) post(c Conn, m Message, mode DeliveryMode) error {
	err := e.send(c, m, mode)
	if errors.Is(err, ErrClosed) {
		e.metrics.FramesDropped.WithLabelValues(dropClosed).Inc()
		e.log.Debug("dropping message for closed connection", zap.String("remote", remoteOf(c)))
		return nil
	}
	return err
}

func (e *endpoint) query(c Conn, content Content, timeout time.Duration, mode DeliveryMode) (*Reply, error) {
	if timeout <= 0 {
		timeout = e.cfg.queryTimeout
	}
	pq, err := e.corr.BeginQuery()
	if err != nil {
		return nil, err
	}
	if err := e.send(c, &Query{ID: pq.ID, Content: content}, mode); err != nil {
		e.corr.Abandon(pq)
		return nil, err
	}
	e.metrics.Queries.Inc()

	r, err := e.corr.Await(pq, timeout)
	if errors.Is(err, ErrTimeout) {
		e.metrics.QueryTimeouts.Inc()
		e.log.Debug("query timed out", zap.Uint32("query_id", uint32(pq.ID)), zap.Duration("timeout", timeout))
	}
	return r, err
}

// stop shuts the loop and transport down. Only the first call does work.
func (e *endpoint) stop(reason string) (stopped bool, err error) {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.lifeMu.Lock()
		started := e.started.Load()
		e.lifeMu.Unlock()
		if !started {
			return
		}
		stopped = true
		err = e.transport.Shutdown(reason)
		<-e.loopDone
		if n := e.corr.FailAll(); n > 0 {
			e.log.Debug("released waiting queries", zap.Int("count", n))
		}
	})
	return stopped, err
}

func (e *endpoint) running() bool {
	if !e.started.Load() {
		return false
	}
	select {
	case <-e.quit:
		return false
	default:
		return true
	}
}

func remoteOf(c Conn) string {
	if c == nil {
		return ""
	}
	return c.RemoteAddr()
}
