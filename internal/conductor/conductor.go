// Package conductor runs the server side of a performance.
//
// Everything happens on one loop goroutine. Each tick polls, without
// blocking and in this order: operator commands, handshakes on the
// listening socket, the peer being synchronized, every other peer, and
// finally the scheduler. Handling the syncing peer before the timeout check
// means a peer that answers in the same tick its probe expires is treated
// as alive.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/clocksync"
	"github.com/1ureka/ensemble/internal/failover"
	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/scheduler"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/song"
	"github.com/1ureka/ensemble/internal/transport"
	"github.com/1ureka/ensemble/internal/util"
)

// statusEvery bounds how stale the published Status may get, in ticks.
const statusEvery = 100

// Config tunes the conductor.
type Config struct {
	LoopInterval   time.Duration
	MaxPeers       int
	InitialDelayMs int64
	DelaySamples   int
	Sync           clocksync.Config
	Limits         scheduler.Limits
}

// Listener is the socket instruments send their handshake to.
type Listener interface {
	Inbox() <-chan transport.Datagram
	SendTo(pkt *protocol.Packet, addr *net.UDPAddr) error
}

// Opener creates the dedicated socket for a new instrument.
type Opener func(remote *net.UDPAddr) (session.Link, error)

// Conductor is the session loop.
type Conductor struct {
	cfg    Config
	clock  *clock.Clock
	listen Listener
	open   Opener

	reg   *session.Registry
	sync  *clocksync.Synchronizer
	sched *scheduler.Scheduler
	fail  *failover.Coordinator

	// Optional collaborators, set before Run.
	Publisher Publisher
	Tracer    Tracer
	LoadSong  func(path string) (*song.Song, error)

	answered map[session.PeerID]bool
	dirty    bool
	ticks    int
	quit     bool

	status atomic.Pointer[Status]
}

// New creates a conductor. Nothing runs until Run is called.
func New(cfg Config, clk *clock.Clock, listen Listener, open Opener) *Conductor {
	reg := session.NewRegistry()
	sync := clocksync.New(reg, cfg.Sync)
	sched := scheduler.New(cfg.Limits)

	c := &Conductor{
		cfg:      cfg,
		clock:    clk,
		listen:   listen,
		open:     open,
		reg:      reg,
		sync:     sync,
		sched:    sched,
		fail:     failover.New(reg, sync, sched),
		LoadSong: song.Load,
		answered: make(map[session.PeerID]bool),
	}

	sync.OnWrap = c.onWrap
	c.fail.OnChange = func(ev failover.Event) {
		c.dirty = true
		c.publish(Event{Kind: EventOwnership, At: ev.At, Peer: ev.Peer.String(), Data: ev})
	}
	c.refreshStatus(clk.Now())
	return c
}

// Status returns the latest snapshot. It may be read from any goroutine.
func (c *Conductor) Status() Status {
	return *c.status.Load()
}

// Run drives the loop until ctx is cancelled or "quit" is read from
// control. Every peer socket is closed on the way out.
func (c *Conductor) Run(ctx context.Context, control <-chan string) error {
	interval := c.cfg.LoopInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.reg.CloseAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.step(c.clock.Now(), control)
			if c.quit {
				return nil
			}
		}
	}
}

// step is one loop iteration at clock value now.
func (c *Conductor) step(now int64, control <-chan string) {
	clear(c.answered)

	// 1. operator commands
	for done := false; !done; {
		select {
		case line := <-control:
			c.command(line, now)
		default:
			done = true
		}
	}

	// 2. new instruments
	c.drain(c.listen.Inbox(), func(dg transport.Datagram) { c.handshake(dg, now) })

	// 3. the peer being synchronized
	syncing, hasSyncing := c.sync.Current()
	if hasSyncing {
		c.drain(syncing.Link.Inbox(), func(dg transport.Datagram) { c.receive(syncing, dg, now) })
	}

	// 4. everyone else
	for _, p := range c.reg.Peers() {
		if hasSyncing && p.ID == syncing.ID {
			continue
		}
		c.drain(p.Link.Inbox(), func(dg transport.Datagram) { c.receive(p, dg, now) })
	}

	if p, ok := c.sync.Expired(now); ok && !c.answered[p.ID] {
		if err := c.fail.HandleTimeout(p, now); err != nil {
			util.LogWarning("%s sync probe: %v", p, err)
		}
		c.dirty = true
	}

	// 5. playback
	if c.sched.Playing() {
		res := c.sched.Dispatch(c.reg, c.sync.Skew, now)
		if res.Finished {
			c.dirty = true
			c.publish(Event{Kind: EventFinished, At: now, Data: c.sched.Status()})
		}
	}

	c.ticks++
	if c.dirty || c.ticks%statusEvery == 0 {
		c.refreshStatus(now)
	}
}

// drain hands every datagram already waiting in inbox to fn.
func (c *Conductor) drain(inbox <-chan transport.Datagram, fn func(transport.Datagram)) {
	for {
		select {
		case dg := <-inbox:
			fn(dg)
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func (c *Conductor) handshake(dg transport.Datagram, now int64) {
	pkt, err := protocol.Decode(dg.Data)
	if err != nil {
		c.violation("handshake from %s: %v", dg.From, err)
		return
	}
	if pkt.Flag != protocol.FlagHS {
		c.violation("%s on the listening socket from %s", pkt.Flag, dg.From)
		return
	}

	if p, ok := c.reg.Lookup(dg.From); ok {
		util.LogDebug("%s repeated its handshake, resending HS_GOOD", p)
		c.sendHSGood(p, p.HandshakeSeq())
		return
	}

	if c.cfg.MaxPeers > 0 && c.reg.Len() >= c.cfg.MaxPeers {
		util.LogWarning("refusing %s: %d instruments already connected", dg.From, c.reg.Len())
		c.reject(pkt, dg.From, now)
		return
	}

	link, err := c.open(dg.From)
	if err != nil {
		util.LogError("dedicated socket for %s: %v", dg.From, err)
		c.reject(pkt, dg.From, now)
		return
	}

	p := session.NewPeer(session.IDFor(dg.From), dg.From, link, pkt.SeqNum, c.cfg.InitialDelayMs, c.cfg.DelaySamples)
	p.JoinedAt = now
	if err := c.reg.Add(p); err != nil {
		util.LogError("register %s: %v", dg.From, err)
		link.Close()
		return
	}
	c.sendHSGood(p, p.NextSeq())

	util.LogSuccess("%s joined from %s (%d connected)", p, dg.From, c.reg.Len())
	c.dirty = true
	c.publish(Event{Kind: EventJoined, At: now, Peer: p.ID.String(), Data: dg.From.String()})

	if err := c.sync.Start(now); err != nil {
		util.LogWarning("%s sync probe: %v", p, err)
	}
	if c.sched.Playing() {
		c.fail.AdoptParked(p, now)
	}
}

func (c *Conductor) sendHSGood(p *session.Peer, seq uint32) {
	err := p.Link.Send(&protocol.Packet{Header: protocol.Header{SeqNum: seq, Flag: protocol.FlagHSGood}})
	if err != nil {
		util.LogWarning("%s HS_GOOD: %v", p, err)
	}
}

func (c *Conductor) reject(hs *protocol.Packet, to *net.UDPAddr, now int64) {
	fail := &protocol.Packet{Header: protocol.Header{SeqNum: hs.SeqNum + 1, Flag: protocol.FlagHSFail}}
	if err := c.listen.SendTo(fail, to); err != nil {
		util.LogWarning("HS_FAIL to %s: %v", to, err)
	}
	c.publish(Event{Kind: EventRejected, At: now, Data: to.String()})
}

// ---------------------------------------------------------------------------
// Peer traffic
// ---------------------------------------------------------------------------

func (c *Conductor) receive(p *session.Peer, dg transport.Datagram, now int64) {
	if !dg.From.IP.Equal(p.Addr.IP) || dg.From.Port != p.Addr.Port {
		c.violation("%s socket got a datagram from %s", p, dg.From)
		return
	}

	pkt, err := protocol.Decode(dg.Data)
	if err != nil {
		c.violation("%s: %v", p, err)
		return
	}

	ok, lost := p.Accept(pkt.SeqNum)
	if !ok {
		c.violation("%s stale %s seq %d (expected %d)", p, pkt.Flag, pkt.SeqNum, p.ExpectedSeq())
		return
	}
	if lost > 0 {
		util.Stats.AddLost(lost)
		util.LogDebug("%s %d packet(s) lost before seq %d", p, lost, pkt.SeqNum)
	}

	switch pkt.Flag {
	case protocol.FlagHSFin:
		util.LogDebug("%s confirmed the handshake", p)

	case protocol.FlagSyncAck:
		c.answered[p.ID] = true
		if !p.Active {
			c.fail.Reintegrate(p, now)
		}
		out, err := c.sync.OnSyncAck(p, now)
		if err != nil {
			util.LogWarning("%s sync probe: %v", p, err)
		}
		if out == clocksync.Condensed {
			c.dirty = true
		}

	case protocol.FlagMIDIAck:
		util.LogDebug("%s acknowledged MIDI seq %d", p, pkt.SeqNum)

	default:
		c.violation("%s unexpected %s", p, pkt.Flag)
	}
}

func (c *Conductor) violation(format string, args ...any) {
	util.Stats.AddViolation()
	util.LogDebug("dropped: "+format, args...)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// command handles one control line: a song path, "status", "stop" or
// "quit".
func (c *Conductor) command(line string, now int64) {
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "":
		return
	case "quit", "exit":
		c.quit = true
	case "status":
		c.logStatus(now)
	case "stop":
		if c.sched.Playing() {
			c.sched.Stop()
			c.dirty = true
			util.LogWarning("song stopped")
		}
	default:
		if err := c.Play(cmd, now); err != nil {
			util.LogError("%v", err)
		}
	}
}

// Play loads the song at path and starts it at now.
func (c *Conductor) Play(path string, now int64) error {
	sg, err := c.LoadSong(path)
	if err != nil {
		return err
	}

	st := sg.Stats()
	util.LogEvent("song loaded", "name", st.Name, "tracks", len(st.Tracks), "events", st.Events, "duration_ms", st.DurationMs)

	id, err := c.sched.Load(c.reg, sg, now)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPeers) {
			return fmt.Errorf("%w: connect instruments before playing", err)
		}
		return err
	}

	util.LogSuccess("playing %q as performance %s", sg.Name, id)
	c.dirty = true
	c.publish(Event{Kind: EventSong, At: now, Data: st})
	return nil
}

func (c *Conductor) logStatus(now int64) {
	util.LogInfo("clock %d ms, max client delay %d ms, %d instrument(s)", now, c.sync.MaxClientDelay(), c.reg.Len())
	syncing, _ := c.sync.Current()
	for _, p := range c.reg.Peers() {
		util.LogEvent(p.String(),
			"addr", p.Addr.String(),
			"active", p.Active,
			"syncing", syncing != nil && syncing.ID == p.ID,
			"delay_ms", p.AvgDelayMs,
			"tracks", fmt.Sprint(p.Tracks),
			"lost", p.Lost,
		)
	}
	if st := c.sched.Status(); st.Playing {
		util.LogInfo("playing %q, %d event(s) left, unowned %v", st.Name, c.sched.Remaining(), st.Unowned)
	}
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

func (c *Conductor) onWrap(now, maxDelay int64) {
	c.dirty = true
	c.publish(Event{Kind: EventMaxDelay, At: now, Data: maxDelay})

	if c.Tracer == nil {
		return
	}
	var rows []PeerDelay
	for _, p := range c.reg.Peers() {
		rows = append(rows, PeerDelay{ID: p.ID.String(), Active: p.Active, AvgDelayMs: p.AvgDelayMs})
	}
	if err := c.Tracer.Record(now, maxDelay, rows); err != nil {
		util.LogWarning("delay trace: %v", err)
	}
}

func (c *Conductor) publish(ev Event) {
	if c.Publisher != nil {
		c.Publisher.Publish(ev)
	}
}

func (c *Conductor) refreshStatus(now int64) {
	syncing, _ := c.sync.Current()
	st := &Status{
		Now:              now,
		MaxClientDelayMs: c.sync.MaxClientDelay(),
		Song:             c.sched.Status(),
	}
	for _, p := range c.reg.Peers() {
		st.Peers = append(st.Peers, peerStatus(p, syncing != nil && syncing.ID == p.ID))
	}
	c.status.Store(st)
	c.dirty = false
}
