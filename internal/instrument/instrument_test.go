package instrument

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/transport"
)

type fakeLink struct {
	sent   []*protocol.Packet
	in     chan transport.Datagram
	remote *net.UDPAddr
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:     make(chan transport.Datagram, 16),
		remote: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000},
	}
}

func (l *fakeLink) Send(pkt *protocol.Packet) error {
	l.sent = append(l.sent, pkt)
	return nil
}
func (l *fakeLink) Inbox() <-chan transport.Datagram { return l.in }
func (l *fakeLink) Remote() *net.UDPAddr             { return l.remote }
func (l *fakeLink) SetRemote(a *net.UDPAddr)         { l.remote = a }

func (l *fakeLink) deliver(t *testing.T, from *net.UDPAddr, pkt *protocol.Packet) {
	t.Helper()
	data, err := protocol.Encode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	l.in <- transport.Datagram{Data: data, From: from}
}

func (l *fakeLink) flags() []protocol.Flag {
	var out []protocol.Flag
	for _, p := range l.sent {
		out = append(out, p.Flag)
	}
	return out
}

type recordSink struct {
	msgs [][]byte
}

func (s *recordSink) Play(msg []byte, _ uint32) error {
	s.msgs = append(s.msgs, msg)
	return nil
}
func (s *recordSink) Close() error { return nil }

var dedicated = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001}

func hdr(seq uint32, flag protocol.Flag) *protocol.Packet {
	return &protocol.Packet{Header: protocol.Header{SeqNum: seq, Flag: flag}}
}

// joined returns a client that completed the handshake against the
// dedicated socket, with the link's record cleared.
func joined(t *testing.T, cfg Config) (*Client, *fakeLink, *recordSink) {
	t.Helper()
	link := newFakeLink()
	sink := &recordSink{}
	cfg.HandshakeTimeout = time.Second
	c := New(link, sink, clock.New(), cfg)

	link.deliver(t, dedicated, hdr(1, protocol.FlagHSGood))
	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	link.sent = nil
	return c, link, sink
}

func TestHandshake(t *testing.T) {
	link := newFakeLink()
	c := New(link, &recordSink{}, clock.New(), Config{HandshakeTimeout: time.Second})

	link.deliver(t, dedicated, hdr(1, protocol.FlagHSGood))
	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	if c.State() != StateActive {
		t.Errorf("state = %s", c.State())
	}
	if link.remote != dedicated {
		t.Errorf("remote = %s, want the dedicated socket", link.remote)
	}
	if len(link.sent) != 2 || link.sent[0].Flag != protocol.FlagHS || link.sent[0].SeqNum != 0 {
		t.Fatalf("sent %v", link.flags())
	}
	if fin := link.sent[1]; fin.Flag != protocol.FlagHSFin || fin.SeqNum != 2 {
		t.Errorf("HS_FIN = %+v, want seq 2", fin.Header)
	}
}

func TestHandshakeRejected(t *testing.T) {
	link := newFakeLink()
	c := New(link, &recordSink{}, clock.New(), Config{HandshakeTimeout: time.Second})
	link.deliver(t, link.remote, hdr(1, protocol.FlagHSFail))

	if err := c.Handshake(context.Background()); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Handshake = %v, want ErrHandshakeRejected", err)
	}
	if c.State() != StateDone {
		t.Errorf("state = %s", c.State())
	}
}

func TestHandshakeUnreachable(t *testing.T) {
	link := newFakeLink()
	c := New(link, &recordSink{}, clock.New(), Config{HandshakeTimeout: 5 * time.Millisecond, MaxRetries: 2})

	err := c.Handshake(context.Background())
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("Handshake = %v, want ErrServerUnreachable", err)
	}
	if len(link.sent) != 3 {
		t.Errorf("sent %d HS, want 3", len(link.sent))
	}
}

func TestHandshakeIgnoresGarbage(t *testing.T) {
	link := newFakeLink()
	c := New(link, &recordSink{}, clock.New(), Config{HandshakeTimeout: time.Second})

	link.in <- transport.Datagram{Data: []byte{1, 2}, From: dedicated}
	link.deliver(t, dedicated, hdr(1, protocol.FlagSync))
	link.deliver(t, dedicated, hdr(1, protocol.FlagHSGood))

	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if c.Counters.Violations != 2 {
		t.Errorf("Violations = %d, want 2", c.Counters.Violations)
	}
}

func TestSyncAck(t *testing.T) {
	c, link, _ := joined(t, Config{})

	link.deliver(t, dedicated, hdr(3, protocol.FlagSync))
	link.deliver(t, dedicated, hdr(5, protocol.FlagSync))
	c.step(10, nil)

	if len(link.sent) != 2 {
		t.Fatalf("sent %v", link.flags())
	}
	for i, want := range []uint32{4, 6} {
		if p := link.sent[i]; p.Flag != protocol.FlagSyncAck || p.SeqNum != want {
			t.Errorf("reply %d = %+v, want SYNC_ACK seq %d", i, p.Header, want)
		}
	}
}

func TestArtificialDelay(t *testing.T) {
	c, link, _ := joined(t, Config{DelayMs: 30})

	link.deliver(t, dedicated, hdr(3, protocol.FlagSync))
	c.step(100, nil)
	c.step(129, nil)
	if len(link.sent) != 0 {
		t.Fatalf("replied before the delay elapsed: %v", link.flags())
	}
	c.step(130, nil)
	if len(link.sent) != 1 || link.sent[0].Flag != protocol.FlagSyncAck {
		t.Errorf("sent %v, want one SYNC_ACK", link.flags())
	}
}

func TestSilence(t *testing.T) {
	c, link, sink := joined(t, Config{})
	control := make(chan string, 4)

	control <- "stop"
	link.deliver(t, dedicated, hdr(3, protocol.FlagSync))
	link.deliver(t, dedicated, &protocol.Packet{
		Header: protocol.Header{SeqNum: 5, Flag: protocol.FlagMIDI},
		Events: []protocol.Event{{Status: 0x90, Data1: 60, Data2: 100}},
	})
	c.step(10, control)

	if len(link.sent) != 0 || len(sink.msgs) != 0 {
		t.Fatalf("silent client reacted: sent %v played %d", link.flags(), len(sink.msgs))
	}
	if c.Counters.Ignored != 2 {
		t.Errorf("Ignored = %d", c.Counters.Ignored)
	}

	control <- "start"
	link.deliver(t, dedicated, hdr(7, protocol.FlagSync))
	c.step(20, control)
	if len(link.sent) != 1 || link.sent[0].Flag != protocol.FlagSyncAck {
		t.Errorf("sent %v after start", link.flags())
	}
}

func TestMIDIPlayback(t *testing.T) {
	c, link, sink := joined(t, Config{SendMIDIAck: true})

	link.deliver(t, dedicated, &protocol.Packet{
		Header: protocol.Header{SeqNum: 3, Flag: protocol.FlagMIDI},
		Events: []protocol.Event{
			{Status: 0x90, Data1: 60, Data2: 100, TimestampMs: 1000},
			{Status: 0x80, Data1: 60, Data2: 0, TimestampMs: 1500},
		},
	})
	c.step(10, nil)

	if len(link.sent) != 1 || link.sent[0].Flag != protocol.FlagMIDIAck {
		t.Errorf("sent %v, want MIDI_ACK", link.flags())
	}
	if len(sink.msgs) != 2 || sink.msgs[0][0] != 0x90 || sink.msgs[1][0] != 0x80 {
		t.Errorf("played %v", sink.msgs)
	}
	if c.Counters.Played != 2 {
		t.Errorf("Played = %d", c.Counters.Played)
	}
}

func TestSequenceChecks(t *testing.T) {
	c, link, _ := joined(t, Config{})

	link.deliver(t, dedicated, hdr(7, protocol.FlagSync)) // 3 and 5 lost
	link.deliver(t, dedicated, hdr(5, protocol.FlagSync)) // stale
	c.step(10, nil)

	if c.Counters.Lost != 2 || c.Counters.Stale != 1 {
		t.Errorf("Lost=%d Stale=%d, want 2 and 1", c.Counters.Lost, c.Counters.Stale)
	}
	if len(link.sent) != 1 {
		t.Errorf("sent %v, want one reply", link.flags())
	}
}

func TestViolationsDropped(t *testing.T) {
	c, link, _ := joined(t, Config{})
	stranger := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 7001}

	link.deliver(t, stranger, hdr(3, protocol.FlagSync))
	link.in <- transport.Datagram{Data: []byte{0, 0, 0}, From: dedicated}
	link.deliver(t, dedicated, hdr(3, protocol.FlagHSGood))
	c.step(10, nil)

	if len(link.sent) != 0 {
		t.Errorf("sent %v", link.flags())
	}
	if c.Counters.Violations != 3 {
		t.Errorf("Violations = %d, want 3", c.Counters.Violations)
	}
	if c.State() != StateActive {
		t.Errorf("state = %s", c.State())
	}
}

func TestCommand(t *testing.T) {
	c := New(newFakeLink(), &recordSink{}, clock.New(), Config{})

	c.Command(" 45 \n")
	if c.DelayMs() != 45 {
		t.Errorf("DelayMs = %d", c.DelayMs())
	}
	c.Command("-3")
	c.Command("louder")
	if c.DelayMs() != 45 {
		t.Errorf("invalid command changed the delay to %d", c.DelayMs())
	}
	c.Command("stop")
	if !c.Silent() {
		t.Error("stop did not silence")
	}
	c.Command("start")
	if c.Silent() {
		t.Error("start did not resume")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := joined(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, nil) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDelayQueueOrder(t *testing.T) {
	var q delayQueue
	var got []int
	for i, ready := range []int64{30, 10, 20, 10} {
		i := i
		q.push(ready, func() { got = append(got, i) })
	}

	if n := q.runReady(15); n != 2 {
		t.Fatalf("runReady(15) = %d", n)
	}
	q.runReady(100)

	want := []int{1, 3, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if q.len() != 0 {
		t.Error("queue not drained")
	}
}
