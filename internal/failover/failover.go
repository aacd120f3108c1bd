// Package failover moves tracks away from instruments that stop answering
// SYNC and hands them back when the instrument returns.
package failover

import (
	"slices"

	"github.com/1ureka/ensemble/internal/clocksync"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/util"
)

// Parking holds tracks that have no active owner.
type Parking interface {
	Park(track int)
	Unpark(tracks []int)
	TakeUnowned() []int
}

// Event describes an ownership change, for the monitor feed.
type Event struct {
	Kind   string         `json:"kind"` // "inactive", "recovered" or "adopted"
	Peer   session.PeerID `json:"peer"`
	Tracks []int          `json:"tracks,omitempty"`
	At     int64          `json:"at"`
}

// Coordinator reacts to sync timeouts and recoveries.
type Coordinator struct {
	reg  *session.Registry
	sync *clocksync.Synchronizer
	park Parking

	// OnChange, if set, is called after every ownership change.
	OnChange func(Event)
}

// New creates a coordinator.
func New(reg *session.Registry, sync *clocksync.Synchronizer, park Parking) *Coordinator {
	return &Coordinator{reg: reg, sync: sync, park: park}
}

// HandleTimeout processes an overdue SYNC_ACK from p, the peer under the
// sync cursor. Below the trial budget the probe is resent. Once the budget
// is exhausted an active peer is deactivated and the cursor moves on.
func (c *Coordinator) HandleTimeout(p *session.Peer, now int64) error {
	misses := p.Miss()
	if misses < c.sync.Trials() {
		util.LogDebug("%s missed SYNC_ACK %d/%d", p, misses, c.sync.Trials())
		return c.sync.Probe(now)
	}

	if p.Active {
		c.Deactivate(p, now)
	}
	return c.sync.Advance(now)
}

// Deactivate marks p inactive and gives each of its tracks to the active
// peer holding the fewest tracks. Ties go to the peer registered first.
// Tracks nobody can take are parked.
func (c *Coordinator) Deactivate(p *session.Peer, now int64) {
	p.Active = false
	orphans := p.Tracks
	p.Tracks = nil

	util.LogWarning("%s stopped answering, %d track(s) to reassign", p, len(orphans))
	c.emit(Event{Kind: "inactive", Peer: p.ID, Tracks: orphans, At: now})

	for _, track := range orphans {
		target, ok := FirstMinimal(c.reg.Active())
		if !ok {
			c.park.Park(track)
			util.LogWarning("no active instrument for track %d, parked", track)
			continue
		}
		target.Adopt(track)
		util.LogInfo("track %d moved from %s to %s", track, p, target)
		c.emit(Event{Kind: "adopted", Peer: target.ID, Tracks: []int{track}, At: now})
	}
}

// Reintegrate marks a returning peer active. Its original tracks are taken
// back from every other peer and from the parking list, and its own list is
// reset to exactly that set. Parked tracks of other peers go to it as well.
func (c *Coordinator) Reintegrate(p *session.Peer, now int64) {
	if p.Active {
		return
	}
	p.Active = true
	p.Recoveries++

	for _, other := range c.reg.Peers() {
		if other.ID != p.ID {
			other.Release(p.OriginalTracks)
		}
	}
	c.park.Unpark(p.OriginalTracks)
	p.RestoreOriginal()

	util.LogSuccess("%s is back, reclaimed track(s) %v", p, p.Tracks)
	c.emit(Event{Kind: "recovered", Peer: p.ID, Tracks: slices.Clone(p.Tracks), At: now})

	c.AdoptParked(p, now)
}

// AdoptParked hands every parked track to p.
func (c *Coordinator) AdoptParked(p *session.Peer, now int64) {
	parked := c.park.TakeUnowned()
	if len(parked) == 0 {
		return
	}
	for _, track := range parked {
		p.Adopt(track)
	}
	util.LogInfo("%s adopted parked track(s) %v", p, parked)
	c.emit(Event{Kind: "adopted", Peer: p.ID, Tracks: parked, At: now})
}

func (c *Coordinator) emit(ev Event) {
	if c.OnChange != nil {
		c.OnChange(ev)
	}
}

// FirstMinimal returns the first peer with the fewest tracks.
func FirstMinimal(peers []*session.Peer) (*session.Peer, bool) {
	var best *session.Peer
	for _, p := range peers {
		if best == nil || len(p.Tracks) < len(best.Tracks) {
			best = p
		}
	}
	return best, best != nil
}
