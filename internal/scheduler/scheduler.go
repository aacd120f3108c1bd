// Package scheduler turns a loaded song into timed MIDI packets. Tracks are
// dealt round-robin to the active instruments at load, and on every pass the
// events that are due for an instrument, after skew compensation, are
// packed into as few packets as the size limit allows.
package scheduler

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/song"
	"github.com/1ureka/ensemble/internal/util"
)

var (
	// ErrBusy is returned by Load while a song is playing under PolicyReject.
	ErrBusy = errors.New("a song is already playing")
	// ErrNoPeers is returned by Load when no instrument is active.
	ErrNoPeers = errors.New("no instruments connected")
	// ErrTooManyTracks is returned by Load when the song exceeds MaxTracks.
	ErrTooManyTracks = errors.New("too many tracks")
	// ErrTrackTooLong is returned by Load when a track exceeds MaxEventsPerTrack.
	ErrTrackTooLong = errors.New("track has too many events")
)

// Policy decides what happens to a new song while another is playing.
type Policy string

const (
	PolicyReject     Policy = "reject"      // refuse the new song
	PolicyDropOldest Policy = "drop-oldest" // discard what is left of the current song
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyReject || p == PolicyDropOldest
}

// Limits bound what a song may contain and how it is sent.
type Limits struct {
	MaxTracks          int
	MaxEventsPerTrack  int
	MaxEventsPerPacket int
	Policy             Policy
}

// Result summarizes one dispatch pass.
type Result struct {
	Packets  int
	Events   int
	Finished bool // the last queue drained during this pass
}

// Scheduler owns the track queues of the current song. It is driven by the
// conductor loop and is not safe for concurrent use.
type Scheduler struct {
	limits Limits

	queues  map[int]*TrackQueue
	unowned []int

	performance uuid.UUID
	name        string
	startedAt   int64
	playing     bool
}

// New creates an idle scheduler.
func New(limits Limits) *Scheduler {
	if limits.MaxEventsPerPacket <= 0 || limits.MaxEventsPerPacket > protocol.MaxEvents {
		limits.MaxEventsPerPacket = protocol.MaxEvents
	}
	if !limits.Policy.Valid() {
		limits.Policy = PolicyReject
	}
	return &Scheduler{limits: limits, queues: make(map[int]*TrackQueue)}
}

// Playing reports whether a song is in progress.
func (s *Scheduler) Playing() bool { return s.playing }

// Load replaces the queues with s's tracks and deals them round-robin to
// the active peers of reg, in registry order. now is the clock value that
// song time zero maps to.
func (s *Scheduler) Load(reg *session.Registry, sg *song.Song, now int64) (uuid.UUID, error) {
	if err := s.check(sg); err != nil {
		return uuid.Nil, fmt.Errorf("load %q: %w", sg.Name, err)
	}

	active := reg.Active()
	if len(active) == 0 {
		return uuid.Nil, fmt.Errorf("load %q: %w", sg.Name, ErrNoPeers)
	}

	if s.playing {
		if s.limits.Policy == PolicyReject {
			return uuid.Nil, fmt.Errorf("load %q: %w (%s)", sg.Name, ErrBusy, s.name)
		}
		util.LogWarning("dropping %d remaining event(s) of %q", s.Remaining(), s.name)
		s.Stop()
	}

	for _, p := range reg.Peers() {
		p.ClearTracks()
	}
	s.queues = make(map[int]*TrackQueue, len(sg.Tracks))
	s.unowned = nil

	for i, events := range sg.Tracks {
		s.queues[i] = NewTrackQueue(i, events)
		active[i%len(active)].AssignOriginal(i)
	}

	s.performance = uuid.New()
	s.name = sg.Name
	s.startedAt = now
	s.playing = true

	for _, p := range active {
		util.LogInfo("%s plays track(s) %v", p, p.Tracks)
	}
	return s.performance, nil
}

func (s *Scheduler) check(sg *song.Song) error {
	if s.limits.MaxTracks > 0 && len(sg.Tracks) > s.limits.MaxTracks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTracks, len(sg.Tracks), s.limits.MaxTracks)
	}
	if s.limits.MaxEventsPerTrack > 0 {
		for i, events := range sg.Tracks {
			if len(events) > s.limits.MaxEventsPerTrack {
				return fmt.Errorf("%w: track %d has %d > %d", ErrTrackTooLong, i, len(events), s.limits.MaxEventsPerTrack)
			}
		}
	}
	return nil
}

// Stop discards the current song.
func (s *Scheduler) Stop() {
	s.queues = make(map[int]*TrackQueue)
	s.unowned = nil
	s.playing = false
}

// Dispatch sends every due event to its owner. An event of a peer with skew
// k is due once its timestamp plus k has passed in song time, so that fast
// peers wait for the slowest one.
func (s *Scheduler) Dispatch(reg *session.Registry, skew func(*session.Peer) int64, now int64) Result {
	var res Result
	if !s.playing {
		return res
	}
	songNow := now - s.startedAt

	for _, p := range reg.Active() {
		k := max(0, skew(p))
		for _, track := range p.Tracks {
			q, ok := s.queues[track]
			if !ok {
				continue
			}
			if front, ok := q.Front(); !ok || int64(front.TimestampMs) > songNow {
				continue
			}

			var batch []protocol.Event
			for {
				ev, ok := q.Front()
				if !ok || int64(ev.TimestampMs)+k > songNow {
					break
				}
				batch = append(batch, ev)
				q.Pop()

				if len(batch) == s.limits.MaxEventsPerPacket {
					s.send(p, batch, &res)
					batch = nil
				}
			}
			if len(batch) > 0 {
				s.send(p, batch, &res)
			}
		}
	}

	if s.Remaining() == 0 {
		s.playing = false
		res.Finished = true
		util.LogSuccess("song %q finished (%s)", s.name, s.performance)
	}
	return res
}

func (s *Scheduler) send(p *session.Peer, events []protocol.Event, res *Result) {
	pkt := &protocol.Packet{
		Header: protocol.Header{SeqNum: p.NextSeq(), Flag: protocol.FlagMIDI},
		Events: events,
	}
	if err := p.Link.Send(pkt); err != nil {
		util.LogWarning("%s MIDI send failed: %v", p, err)
		return
	}
	res.Packets++
	res.Events += len(events)
}

// Remaining counts the events not yet sent.
func (s *Scheduler) Remaining() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// ---------------------------------------------------------------------------
// Unowned tracks
// ---------------------------------------------------------------------------

// Park records a track that has no active owner.
func (s *Scheduler) Park(track int) {
	if !slices.Contains(s.unowned, track) {
		s.unowned = append(s.unowned, track)
	}
}

// Unpark removes tracks from the unowned list.
func (s *Scheduler) Unpark(tracks []int) {
	s.unowned = slices.DeleteFunc(s.unowned, func(t int) bool {
		return slices.Contains(tracks, t)
	})
}

// TakeUnowned empties the unowned list and returns what it held.
func (s *Scheduler) TakeUnowned() []int {
	out := s.unowned
	s.unowned = nil
	return out
}

// Unowned returns a copy of the unowned list.
func (s *Scheduler) Unowned() []int { return slices.Clone(s.unowned) }

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status is a snapshot of the current song.
type Status struct {
	Performance string      `json:"performance,omitempty"`
	Name        string      `json:"name,omitempty"`
	Playing     bool        `json:"playing"`
	StartedAt   int64       `json:"started_at"`
	Remaining   map[int]int `json:"remaining,omitempty"`
	Unowned     []int       `json:"unowned,omitempty"`
}

// Status returns a snapshot for the monitor.
func (s *Scheduler) Status() Status {
	st := Status{
		Name:      s.name,
		Playing:   s.playing,
		StartedAt: s.startedAt,
		Unowned:   s.Unowned(),
	}
	if s.performance != uuid.Nil {
		st.Performance = s.performance.String()
	}
	if len(s.queues) > 0 {
		st.Remaining = make(map[int]int, len(s.queues))
		for track, q := range s.queues {
			st.Remaining[track] = q.Len()
		}
	}
	return st
}
