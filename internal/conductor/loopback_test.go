package conductor_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/1ureka/ensemble/internal/clock"
	"github.com/1ureka/ensemble/internal/clocksync"
	"github.com/1ureka/ensemble/internal/conductor"
	"github.com/1ureka/ensemble/internal/instrument"
	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/scheduler"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/song"
	"github.com/1ureka/ensemble/internal/transport"
)

type chanSink struct{ ch chan []byte }

func (s *chanSink) Play(msg []byte, _ uint32) error {
	s.ch <- append([]byte(nil), msg...)
	return nil
}
func (s *chanSink) Close() error { return nil }

// TestLoopbackPerformance runs a conductor and two instruments over real
// UDP sockets on the loopback interface and checks every note arrives.
func TestLoopbackPerformance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clk := clock.New()
	go clock.Run(ctx, clk, time.Millisecond)

	listen, err := transport.Listen(ctx, "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listen.Close()

	open := func(remote *net.UDPAddr) (session.Link, error) {
		return transport.Open(ctx, "127.0.0.1", remote, 0)
	}
	c := conductor.New(conductor.Config{
		LoopInterval:   time.Millisecond,
		MaxPeers:       4,
		InitialDelayMs: 50,
		DelaySamples:   3,
		Sync:           clocksync.Config{Trials: 3, MinTimeoutMs: 200, TimeoutFactor: 4},
		Limits:         scheduler.Limits{MaxEventsPerPacket: 255},
	}, clk, listen, open)
	c.LoadSong = func(string) (*song.Song, error) {
		note := func(key uint8, ts uint32) protocol.Event {
			return protocol.Event{Status: 0x90, Data1: key, Data2: 100, TimestampMs: ts}
		}
		return &song.Song{Name: "loopback.mid", Tracks: [][]protocol.Event{
			{note(60, 0), note(62, 20), note(64, 40)},
			{note(48, 10), note(50, 30)},
		}}, nil
	}

	control := make(chan string, 1)
	go c.Run(ctx, control)

	sink := &chanSink{ch: make(chan []byte, 16)}
	for i := 0; i < 2; i++ {
		link, err := transport.Dial(ctx, listen.LocalAddr().String(), 0)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer link.Close()

		inst := instrument.New(link, sink, clk, instrument.Config{
			HandshakeTimeout: 500 * time.Millisecond,
			MaxRetries:       3,
			LoopInterval:     time.Millisecond,
		})
		if err := inst.Handshake(ctx); err != nil {
			t.Fatalf("Handshake: %v", err)
		}
		go inst.Run(ctx, nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(c.Status().Peers) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("conductor sees %d instruments", len(c.Status().Peers))
		}
		time.Sleep(10 * time.Millisecond)
	}

	control <- "loopback.mid"

	got := map[uint8]bool{}
	for len(got) < 5 {
		select {
		case msg := <-sink.ch:
			got[msg[1]] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("received notes %v, want 5", got)
		}
	}

	for _, p := range c.Status().Peers {
		if !p.Active {
			t.Errorf("instrument %s went inactive on loopback", p.ID)
		}
	}
}
