package peerlink

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxIDAttempts bounds the rejection loop in BeginQuery.
const maxIDAttempts = 64

// defaultLateReplyMemory is how many timed-out ids are remembered so that
// their late replies can be told apart from garbage.
const defaultLateReplyMemory = 1024

// Correlator matches Replies to the Queries waiting on them.
//
// Invariants:
//   - An id is outstanding from BeginQuery until it is resolved, abandoned,
//     failed or its Await times out. No two outstanding ids are equal and
//     none is zero.
//   - A reply is delivered at most once: the entry is removed under the
//     lock before the reply is handed to the waiter.
//   - Each waiter channel has capacity 1 and exactly one sender, so
//     Resolve never blocks and a reply that beats Await stays buffered.
type Correlator struct {
	mu      sync.Mutex
	pending map[QueryID]chan *Reply
	expired *lru.Cache[QueryID, struct{}]
	closed  bool

	rand  io.Reader
	clock clock.Clock
}

// NewCorrelator returns a correlator drawing ids from crypto/rand.
// A nil clk uses the wall clock.
func NewCorrelator(clk clock.Clock, lateMemory int) *Correlator {
	if clk == nil {
		clk = clock.New()
	}
	if lateMemory <= 0 {
		lateMemory = defaultLateReplyMemory
	}
	expired, err := lru.New[QueryID, struct{}](lateMemory)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Correlator{
		pending: make(map[QueryID]chan *Reply),
		expired: expired,
		rand:    rand.Reader,
		clock:   clk,
	}
}

// Pending is an outstanding query. It owns the waiter channel, so a reply
// resolved before Await starts is still collected.
type Pending struct {
	ID QueryID
	ch chan *Reply
}

// BeginQuery registers a fresh id.
func (c *Correlator) BeginQuery() (*Pending, error) {
	var b [4]byte
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if _, err := io.ReadFull(c.rand, b[:]); err != nil {
			return nil, fmt.Errorf("peerlink: query id: %w", err)
		}
		id := QueryID(binary.LittleEndian.Uint32(b[:]))
		if id == 0 {
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("query: %w", ErrClosed)
		}
		if _, busy := c.pending[id]; busy {
			c.mu.Unlock()
			continue
		}
		p := &Pending{ID: id, ch: make(chan *Reply, 1)}
		c.pending[id] = p.ch
		c.mu.Unlock()
		c.expired.Remove(id)
		return p, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrQueryIDExhausted, maxIDAttempts)
}

// Await blocks until the reply for p arrives or timeout elapses. The id
// is no longer outstanding when Await returns.
func (c *Correlator) Await(p *Pending, timeout time.Duration) (*Reply, error) {
	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("query %d: %w", p.ID, ErrClosed)
		}
		return r, nil
	case <-timer.C:
	}

	c.mu.Lock()
	ch, still := c.pending[p.ID]
	still = still && ch == p.ch
	if still {
		delete(c.pending, p.ID)
	}
	c.mu.Unlock()

	if !still {
		// Resolved or failed between the timer firing and the lock. The
		// channel already holds the reply, or is closed.
		r, ok := <-p.ch
		if !ok {
			return nil, fmt.Errorf("query %d: %w", p.ID, ErrClosed)
		}
		return r, nil
	}
	c.expired.Add(p.ID, struct{}{})
	return nil, fmt.Errorf("query %d after %v: %w", p.ID, timeout, ErrTimeout)
}

// Resolve hands r to the waiter registered under r.ID. It reports false
// for unknown, already resolved and abandoned ids; those replies are
// discarded.
func (c *Correlator) Resolve(r *Reply) bool {
	if r == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	if ok {
		delete(c.pending, r.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// Late reports whether id belongs to a query that already timed out, and
// forgets it so the same late reply is only counted once.
func (c *Correlator) Late(id QueryID) bool {
	return c.expired.Remove(id)
}

// Abandon drops an outstanding query that could not be sent.
func (c *Correlator) Abandon(p *Pending) {
	c.mu.Lock()
	if c.pending[p.ID] == p.ch {
		delete(c.pending, p.ID)
	}
	c.mu.Unlock()
}

// FailAll releases every waiter with ErrClosed and refuses new queries.
// Used on shutdown.
func (c *Correlator) FailAll() int {
	c.mu.Lock()
	c.closed = true
	n := len(c.pending)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	return n
}

// Outstanding returns the number of in-flight queries.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
