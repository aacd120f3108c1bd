package conductor

import (
	"slices"

	"github.com/1ureka/ensemble/internal/scheduler"
	"github.com/1ureka/ensemble/internal/session"
)

// PeerStatus describes one instrument.
type PeerStatus struct {
	ID             string  `json:"id"`
	Addr           string  `json:"addr"`
	Active         bool    `json:"active"`
	Syncing        bool    `json:"syncing"`
	AvgDelayMs     int64   `json:"avg_delay_ms"`
	History        []int64 `json:"history"`
	Tracks         []int   `json:"tracks"`
	OriginalTracks []int   `json:"original_tracks"`
	Lost           int64   `json:"lost"`
	Stale          int64   `json:"stale"`
	Recoveries     int     `json:"recoveries"`
	JoinedAt       int64   `json:"joined_at"`
}

// Status is a point-in-time view of the conductor, safe to hand to other
// goroutines.
type Status struct {
	Now              int64            `json:"now"`
	MaxClientDelayMs int64            `json:"max_client_delay_ms"`
	Peers            []PeerStatus     `json:"peers"`
	Song             scheduler.Status `json:"song"`
}

// Event is published on every notable change.
type Event struct {
	Kind string `json:"kind"`
	At   int64  `json:"at"`
	Peer string `json:"peer,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Event kinds.
const (
	EventJoined    = "joined"
	EventRejected  = "rejected"
	EventOwnership = "ownership"
	EventSong      = "song"
	EventFinished  = "finished"
	EventMaxDelay  = "max_delay"
)

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// PeerDelay is one row of the delay trace.
type PeerDelay struct {
	ID         string
	Active     bool
	AvgDelayMs int64
}

// Tracer records the max client delay each time the sync cursor wraps.
type Tracer interface {
	Record(now, maxDelay int64, peers []PeerDelay) error
}

func peerStatus(p *session.Peer, syncing bool) PeerStatus {
	return PeerStatus{
		ID:             p.ID.String(),
		Addr:           p.Addr.String(),
		Active:         p.Active,
		Syncing:        syncing,
		AvgDelayMs:     p.AvgDelayMs,
		History:        p.History(),
		Tracks:         slices.Clone(p.Tracks),
		OriginalTracks: slices.Clone(p.OriginalTracks),
		Lost:           p.Lost,
		Stale:          p.Stale,
		Recoveries:     p.Recoveries,
		JoinedAt:       p.JoinedAt,
	}
}
