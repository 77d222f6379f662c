package peerlink

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Peer is a remote endpoint known to this side of a link.
type Peer struct {
	Address     string
	Alias       string
	Session     uuid.UUID
	ConnectedAt time.Time

	conn    Conn
	seq     uint64
	latency atomic.Int64
	ctx     atomic.Value // ctxBox
}

type ctxBox struct{ v any }

func newPeer(address, alias string, conn Conn, now time.Time) *Peer {
	return &Peer{
		Address:     address,
		Alias:       alias,
		Session:     uuid.New(),
		ConnectedAt: now,
		conn:        conn,
	}
}

// Conn returns the transport handle. The peer does not own it.
func (p *Peer) Conn() Conn {
	return p.conn
}

// Latency is the last measured round-trip time, zero until measured.
func (p *Peer) Latency() time.Duration {
	return time.Duration(p.latency.Load())
}

// Context returns the value stored with SetContext.
func (p *Peer) Context() any {
	if b, ok := p.ctx.Load().(ctxBox); ok {
		return b.v
	}
	return nil
}

// SetContext attaches an arbitrary caller value to the peer.
func (p *Peer) SetContext(v any) {
	p.ctx.Store(ctxBox{v: v})
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s(%s)", p.Alias, p.Address)
}

// Registry maps transport addresses to admitted peers.
type Registry struct {
	mu             sync.RWMutex
	peers          map[string]*Peer
	seq            uint64
	allowDuplicate bool
}

func NewRegistry(allowDuplicateAlias bool) *Registry {
	return &Registry{
		peers:          make(map[string]*Peer),
		allowDuplicate: allowDuplicateAlias,
	}
}

// Add inserts a fully constructed peer. The alias check and the insert
// happen under one lock so concurrent handshakes cannot both win.
func (r *Registry) Add(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.Address]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, p.Address)
	}
	if !r.allowDuplicate {
		for _, other := range r.peers {
			if other.Alias == p.Alias {
				return fmt.Errorf("%w: %q", ErrDuplicateAlias, p.Alias)
			}
		}
	}
	r.seq++
	p.seq = r.seq
	r.peers[p.Address] = p
	return nil
}

// Remove deletes and returns the peer at address, if any.
func (r *Registry) Remove(address string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[address]
	if ok {
		delete(r.peers, address)
	}
	return p, ok
}

func (r *Registry) Get(address string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[address]
	return p, ok
}

// FindByAlias returns the earliest admitted peer with the given alias.
func (r *Registry) FindByAlias(alias string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Peer
	for _, p := range r.peers {
		if p.Alias == alias && (found == nil || p.seq < found.seq) {
			found = p
		}
	}
	return found, found != nil
}

// HasAlias reports whether a peer with alias is registered.
func (r *Registry) HasAlias(alias string) bool {
	_, ok := r.FindByAlias(alias)
	return ok
}

// UpdateLatency records a round-trip estimate. Reports false if the peer
// is gone.
func (r *Registry) UpdateLatency(address string, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[address]
	if ok {
		p.latency.Store(int64(d))
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peers returns a snapshot in admission order.
func (r *Registry) Peers() []*Peer {
	r.mu.RLock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// RemoveAll empties the registry and returns what it held.
func (r *Registry) RemoveAll() []*Peer {
	r.mu.Lock()
	out := make([]*Peer, 0, len(r.peers))
	for addr, p := range r.peers {
		out = append(out, p)
		delete(r.peers, addr)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
