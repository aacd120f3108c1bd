// Package clocksync estimates the one-way delay to every instrument by
// probing them one at a time with SYNC packets.
//
// A single cursor walks the registry in insertion order. The peer under the
// cursor receives SYNC, answers with SYNC_ACK, and after Trials answers its
// delay estimate is refreshed and the cursor moves on. Each time the cursor
// wraps around, the largest estimate among active peers becomes the new
// max client delay used for skew compensation.
package clocksync

import (
	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/util"
)

// Config tunes the synchronizer.
type Config struct {
	Trials        int     // samples condensed into one delay value
	MinTimeoutMs  int64   // floor for the SYNC_ACK timeout
	TimeoutFactor float64 // timeout = TimeoutFactor × AvgDelayMs
}

// Outcome tells the caller what a SYNC_ACK did.
type Outcome int

const (
	// Ignored means the ack did not come from the peer under the cursor.
	Ignored Outcome = iota
	// Sampled means a sample was recorded and another probe was sent.
	Sampled
	// Condensed means the trial set completed and the cursor advanced.
	Condensed
)

// Synchronizer owns the sync cursor. It is driven by the conductor loop and
// is not safe for concurrent use.
type Synchronizer struct {
	reg *session.Registry
	cfg Config

	cursor  session.PeerID
	running bool

	maxDelay int64

	// OnWrap, if set, is called after every wraparound with the new max
	// client delay.
	OnWrap func(now, maxDelay int64)
}

// New creates a synchronizer over reg.
func New(reg *session.Registry, cfg Config) *Synchronizer {
	if cfg.Trials < 1 {
		cfg.Trials = 1
	}
	return &Synchronizer{reg: reg, cfg: cfg}
}

// Trials returns the configured trial budget.
func (s *Synchronizer) Trials() int { return s.cfg.Trials }

// MaxClientDelay is the largest active delay estimate as of the last
// wraparound. It is zero until the cursor has wrapped once.
func (s *Synchronizer) MaxClientDelay() int64 { return s.maxDelay }

// Current returns the peer under the cursor.
func (s *Synchronizer) Current() (*session.Peer, bool) {
	if !s.running {
		return nil, false
	}
	return s.reg.Get(s.cursor)
}

// Timeout is how long to wait for p's SYNC_ACK.
func (s *Synchronizer) Timeout(p *session.Peer) int64 {
	t := int64(s.cfg.TimeoutFactor * float64(p.AvgDelayMs))
	if t < s.cfg.MinTimeoutMs {
		t = s.cfg.MinTimeoutMs
	}
	return t
}

// Start points the cursor at the first registered peer and probes it. It
// does nothing when the cursor is already running or no peer exists.
func (s *Synchronizer) Start(now int64) error {
	if s.running {
		return nil
	}
	id, ok := s.reg.First()
	if !ok {
		return nil
	}
	s.cursor = id
	s.running = true
	return s.Probe(now)
}

// Probe sends SYNC to the peer under the cursor.
func (s *Synchronizer) Probe(now int64) error {
	p, ok := s.Current()
	if !ok {
		return nil
	}
	p.LastSyncSentAt = now
	return p.Link.Send(&protocol.Packet{Header: protocol.Header{
		SeqNum: p.NextSeq(),
		Flag:   protocol.FlagSync,
	}})
}

// OnSyncAck records the round trip of a SYNC_ACK from p.
func (s *Synchronizer) OnSyncAck(p *session.Peer, now int64) (Outcome, error) {
	if cur, ok := s.Current(); !ok || cur.ID != p.ID {
		return Ignored, nil
	}

	rtt := now - p.LastSyncSentAt
	if rtt < 0 {
		rtt = 0
	}
	if !p.RecordSample(rtt/2, s.cfg.Trials) {
		return Sampled, s.Probe(now)
	}

	util.LogDebug("%s delay estimate %d ms (history %v)", p, p.AvgDelayMs, p.History())
	return Condensed, s.Advance(now)
}

// Expired returns the peer under the cursor if its SYNC_ACK is overdue.
func (s *Synchronizer) Expired(now int64) (*session.Peer, bool) {
	p, ok := s.Current()
	if !ok {
		return nil, false
	}
	if now-p.LastSyncSentAt <= s.Timeout(p) {
		return nil, false
	}
	return p, true
}

// Advance moves the cursor to the next peer and probes it. Wrapping past the
// last peer recomputes the max client delay.
func (s *Synchronizer) Advance(now int64) error {
	if !s.running {
		return s.Start(now)
	}
	if p, ok := s.reg.Get(s.cursor); ok {
		p.ResetTrials()
	}

	next, wrapped := s.reg.Next(s.cursor)
	if wrapped {
		s.recompute(now)
	}
	s.cursor = next
	return s.Probe(now)
}

// recompute sets the max client delay over the active peers. With no active
// peer the previous value is kept.
func (s *Synchronizer) recompute(now int64) {
	active := s.reg.Active()
	if len(active) == 0 {
		return
	}
	var maxDelay int64
	for _, p := range active {
		maxDelay = max(maxDelay, p.AvgDelayMs)
	}
	s.maxDelay = maxDelay

	util.LogDebug("max client delay %d ms at %d", maxDelay, now)
	if s.OnWrap != nil {
		s.OnWrap(now, maxDelay)
	}
}

// Skew is how long p's events are held back so that they arrive together
// with those of the slowest peer. It is never negative.
func (s *Synchronizer) Skew(p *session.Peer) int64 {
	return max(0, s.maxDelay-p.AvgDelayMs)
}
