package session

import (
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/1ureka/ensemble/internal/util"
)

// ErrDuplicatePeer is returned by Add when the id is already registered.
var ErrDuplicatePeer = errors.New("peer already registered")

// Registry keeps the connected peers in insertion order. Order matters:
// the sync cursor walks it and failover picks the first minimal peer in it.
type Registry struct {
	order []PeerID
	peers map[PeerID]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[PeerID]*Peer)}
}

// IDFor returns the id an instrument at addr is registered under.
func IDFor(addr net.Addr) PeerID {
	return PeerID(util.PeerIDFromAddr(addr))
}

// Add appends p to the registry.
func (r *Registry) Add(p *Peer) error {
	if _, ok := r.peers[p.ID]; ok {
		return fmt.Errorf("add %s: %w", p.ID, ErrDuplicatePeer)
	}
	r.order = append(r.order, p.ID)
	r.peers[p.ID] = p
	return nil
}

// Get looks a peer up by id.
func (r *Registry) Get(id PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Lookup finds the peer registered for addr.
func (r *Registry) Lookup(addr net.Addr) (*Peer, bool) {
	return r.Get(IDFor(addr))
}

// Len returns the number of registered peers, active or not.
func (r *Registry) Len() int { return len(r.order) }

// IDs returns the registered ids in insertion order.
func (r *Registry) IDs() []PeerID { return slices.Clone(r.order) }

// First returns the oldest registered peer id.
func (r *Registry) First() (PeerID, bool) {
	if len(r.order) == 0 {
		return 0, false
	}
	return r.order[0], true
}

// Next returns the id following id in insertion order. wrapped is true when
// the walk went past the end and restarted at the first peer.
func (r *Registry) Next(id PeerID) (next PeerID, wrapped bool) {
	if len(r.order) == 0 {
		return 0, true
	}
	i := slices.Index(r.order, id)
	if i < 0 || i+1 >= len(r.order) {
		return r.order[0], true
	}
	return r.order[i+1], false
}

// Peers returns every peer in insertion order.
func (r *Registry) Peers() []*Peer {
	out := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id])
	}
	return out
}

// Active returns the active peers in insertion order.
func (r *Registry) Active() []*Peer {
	var out []*Peer
	for _, id := range r.order {
		if p := r.peers[id]; p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Owner returns the active peer currently playing track.
func (r *Registry) Owner(track int) (*Peer, bool) {
	for _, id := range r.order {
		if p := r.peers[id]; p.Active && p.Owns(track) {
			return p, true
		}
	}
	return nil, false
}

// CloseAll closes every peer link.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, id := range r.order {
		if l := r.peers[id].Link; l != nil {
			errs = append(errs, l.Close())
		}
	}
	return errors.Join(errs...)
}
