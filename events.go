package peerlink

import (
	"sort"
	"sync"
)

// MessageEvent is delivered to OnMessageReceived for every Info.
type MessageEvent struct {
	Peer    *Peer
	Message *Info
}

// QueryEvent is delivered to query handlers. Reply starts as a draft with
// StatusUnhandled and the query's id; whatever it holds after the last
// handler returns is sent back.
type QueryEvent struct {
	Peer  *Peer
	Query *Query
	Reply *Reply
}

// Respond replaces the draft reply's content and status.
func (e *QueryEvent) Respond(c Content, status ReplyStatus) {
	e.Reply.Content = c
	e.Reply.Status = status
}

// Handled reports whether some handler changed the draft status.
func (e *QueryEvent) Handled() bool {
	return e.Reply.Status != StatusUnhandled
}

type (
	MessageFunc        func(*MessageEvent)
	QueryFunc          func(*QueryEvent)
	PeerFunc           func(*Peer)
	PeerDisconnectFunc func(p *Peer, reason string)
	ConnectedFunc      func(response Message)
	DisconnectedFunc   func(reason string)
)

// Unsubscribe removes the handler it was returned for.
type Unsubscribe func()

// handlerList is an ordered, concurrency-safe set of subscribers.
type handlerList[F any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]F
}

func (l *handlerList[F]) add(fn F) Unsubscribe {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// snapshot returns subscribers in subscription order.
func (l *handlerList[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = l.fns[id]
	}
	return out
}
