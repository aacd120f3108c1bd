// Package instrument is the client side of a performance: it joins a
// conductor, answers its delay probes and plays the MIDI it is sent.
//
// The client runs one loop. Every iteration it reads control commands,
// drains the socket inbox without blocking, and runs the actions whose
// artificial delay has elapsed.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/synth"
	"github.com/1ureka/ensemble/internal/transport"
	"github.com/1ureka/ensemble/internal/util"
)

var (
	// ErrServerUnreachable is returned by Handshake when every attempt
	// timed out.
	ErrServerUnreachable = errors.New("conductor unreachable")
	// ErrHandshakeRejected is returned by Handshake on HS_FAIL.
	ErrHandshakeRejected = errors.New("conductor rejected the handshake")
)

// State is the client's position in its lifecycle.
type State int

const (
	StateHandshake State = iota
	StateActive
	StateDone
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Link is the client's socket.
type Link interface {
	Send(pkt *protocol.Packet) error
	Inbox() <-chan transport.Datagram
	Remote() *net.UDPAddr
	SetRemote(addr *net.UDPAddr)
}

// Config tunes a client.
type Config struct {
	HandshakeTimeout time.Duration
	MaxRetries       int   // handshake resends after the first attempt
	DelayMs          int64 // initial artificial delay
	SendMIDIAck      bool
	LoopInterval     time.Duration
}

// Counters are the client's traffic statistics.
type Counters struct {
	Syncs      int64
	MIDI       int64
	Played     int64
	Stale      int64
	Lost       int64
	Violations int64
	Ignored    int64 // dropped while silent
}

// Client is one instrument.
type Client struct {
	link  Link
	sink  synth.Sink
	clock *clock.Clock
	cfg   Config

	state    State
	nextSeq  uint32
	expected uint32

	delayMs int64
	silent  bool
	queue   delayQueue

	Counters Counters
}

// New creates a client in the handshake state.
func New(link Link, sink synth.Sink, clk *clock.Clock, cfg Config) *Client {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = time.Millisecond
	}
	return &Client{
		link:    link,
		sink:    sink,
		clock:   clk,
		cfg:     cfg,
		delayMs: cfg.DelayMs,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State { return c.state }

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// Handshake joins the conductor. Each attempt sends HS and waits
// HandshakeTimeout for an answer. HS_GOOD comes from the conductor's
// dedicated socket for this client, which becomes the remote from then on.
func (c *Client) Handshake(ctx context.Context) error {
	hs := &protocol.Packet{Header: protocol.Header{SeqNum: 0, Flag: protocol.FlagHS}}

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			util.LogWarning("no answer from %s, retrying (%d/%d)", c.link.Remote(), attempt, c.cfg.MaxRetries)
		}
		if err := c.link.Send(hs); err != nil {
			return fmt.Errorf("send handshake: %w", err)
		}

		done, err := c.awaitHandshake(ctx, time.After(c.cfg.HandshakeTimeout))
		if done || err != nil {
			return err
		}
	}

	c.state = StateDone
	return fmt.Errorf("%w after %d attempt(s)", ErrServerUnreachable, c.cfg.MaxRetries+1)
}

// awaitHandshake waits for HS_GOOD or HS_FAIL until timeout fires. It
// reports done=false when the attempt timed out.
func (c *Client) awaitHandshake(ctx context.Context, timeout <-chan time.Time) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			c.state = StateDone
			return true, ctx.Err()

		case <-timeout:
			return false, nil

		case dg := <-c.link.Inbox():
			pkt, err := protocol.Decode(dg.Data)
			if err != nil {
				c.violation("handshake reply from %s: %v", dg.From, err)
				continue
			}

			switch pkt.Flag {
			case protocol.FlagHSGood:
				c.link.SetRemote(dg.From)
				c.expected = pkt.SeqNum + protocol.SeqStride
				fin := pkt.SeqNum + 1
				c.nextSeq = fin + protocol.SeqStride
				if err := c.link.Send(&protocol.Packet{Header: protocol.Header{SeqNum: fin, Flag: protocol.FlagHSFin}}); err != nil {
					return true, fmt.Errorf("send HS_FIN: %w", err)
				}
				c.state = StateActive
				util.LogSuccess("joined the performance via %s", dg.From)
				return true, nil

			case protocol.FlagHSFail:
				c.state = StateDone
				return true, ErrHandshakeRejected

			default:
				c.violation("unexpected %s during handshake", pkt.Flag)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Active loop
// ---------------------------------------------------------------------------

// Run plays until ctx is cancelled. control delivers operator commands and
// may be nil.
func (c *Client) Run(ctx context.Context, control <-chan string) error {
	if c.state != StateActive {
		return fmt.Errorf("run in state %s", c.state)
	}

	ticker := time.NewTicker(c.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.state = StateDone
			return nil
		case <-ticker.C:
			c.step(c.clock.Now(), control)
		}
	}
}

// step is one loop iteration.
func (c *Client) step(now int64, control <-chan string) {
	for done := false; !done; {
		select {
		case line := <-control:
			c.Command(line)
		default:
			done = true
		}
	}

	for done := false; !done; {
		select {
		case dg := <-c.link.Inbox():
			c.handle(dg, now)
		default:
			done = true
		}
	}

	c.queue.runReady(now)
}

// handle processes one datagram from the conductor.
func (c *Client) handle(dg transport.Datagram, now int64) {
	if remote := c.link.Remote(); remote != nil && !sameAddr(remote, dg.From) {
		c.violation("datagram from unknown sender %s", dg.From)
		return
	}

	pkt, err := protocol.Decode(dg.Data)
	if err != nil {
		c.violation("%v", err)
		return
	}

	if pkt.SeqNum < c.expected {
		c.Counters.Stale++
		util.Stats.AddViolation()
		util.LogDebug("stale %s seq %d (expected %d)", pkt.Flag, pkt.SeqNum, c.expected)
		return
	}
	if gap := (pkt.SeqNum - c.expected) / protocol.SeqStride; gap > 0 {
		c.Counters.Lost += int64(gap)
		util.Stats.AddLost(int(gap))
	}
	c.expected = pkt.SeqNum + protocol.SeqStride

	if c.silent {
		c.Counters.Ignored++
		return
	}

	switch pkt.Flag {
	case protocol.FlagSync:
		c.Counters.Syncs++
		c.schedule(now, c.syncAck)

	case protocol.FlagMIDI:
		c.Counters.MIDI++
		events := pkt.Events
		c.schedule(now, func() { c.play(events) })

	default:
		c.violation("unexpected %s", pkt.Flag)
	}
}

// schedule runs fn now, or after the artificial delay when one is set.
func (c *Client) schedule(now int64, fn func()) {
	if c.delayMs <= 0 {
		fn()
		return
	}
	c.queue.push(now+c.delayMs, fn)
}

func (c *Client) syncAck() {
	c.send(protocol.FlagSyncAck)
}

func (c *Client) play(events []protocol.Event) {
	if c.cfg.SendMIDIAck {
		c.send(protocol.FlagMIDIAck)
	}
	for _, ev := range events {
		if err := c.sink.Play(ev.Message(), ev.TimestampMs); err != nil {
			util.LogWarning("synth: %v", err)
			continue
		}
		c.Counters.Played++
	}
}

func (c *Client) send(flag protocol.Flag) {
	pkt := &protocol.Packet{Header: protocol.Header{SeqNum: c.nextSeq, Flag: flag}}
	c.nextSeq += protocol.SeqStride
	if err := c.link.Send(pkt); err != nil {
		util.LogWarning("send %s: %v", flag, err)
	}
}

func (c *Client) violation(format string, args ...any) {
	c.Counters.Violations++
	util.Stats.AddViolation()
	util.LogDebug("dropped: "+format, args...)
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Command applies one operator command: "stop" silences the client, "start"
// resumes it, a number sets the artificial delay in milliseconds and
// "status" logs the counters.
func (c *Client) Command(line string) {
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "":
		return
	case "stop":
		c.silent = true
		util.LogWarning("silenced, ignoring the conductor until \"start\"")
	case "start":
		c.silent = false
		util.LogInfo("listening to the conductor again")
	case "status":
		util.LogInfo("state=%s delay=%dms silent=%v %+v", c.state, c.delayMs, c.silent, c.Counters)
	default:
		ms, err := strconv.ParseInt(cmd, 10, 64)
		if err != nil || ms < 0 {
			util.LogWarning("unknown command %q (want start, stop, status or a delay in ms)", cmd)
			return
		}
		c.delayMs = ms
		util.LogInfo("artificial delay set to %d ms", ms)
	}
}

// Silent reports whether the client is ignoring the conductor.
func (c *Client) Silent() bool { return c.silent }

// DelayMs returns the current artificial delay.
func (c *Client) DelayMs() int64 { return c.delayMs }

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
