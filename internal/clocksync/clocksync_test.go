package clocksync

import (
	"testing"

	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/session/sessiontest"
)

var testConfig = Config{Trials: 3, MinTimeoutMs: 50, TimeoutFactor: 4}

// answer replies to every probe of the peer under the cursor with a fixed
// one-way delay until its trial set completes. It returns the clock value
// after the last reply.
func answer(t *testing.T, s *Synchronizer, p *session.Peer, oneWay, now int64) int64 {
	t.Helper()
	for i := 0; i < s.Trials(); i++ {
		now = p.LastSyncSentAt + 2*oneWay
		out, err := s.OnSyncAck(p, now)
		if err != nil {
			t.Fatalf("OnSyncAck: %v", err)
		}
		want := Sampled
		if i == s.Trials()-1 {
			want = Condensed
		}
		if out != want {
			t.Fatalf("ack %d: outcome %v, want %v", i, out, want)
		}
	}
	return now
}

func TestDelayConvergence(t *testing.T) {
	for _, d := range []int64{0, 1, 5, 20, 80, 333} {
		reg := session.NewRegistry()
		p, link := sessiontest.AddPeer(reg, 9000, 1000)
		s := New(reg, testConfig)

		if err := s.Start(100); err != nil {
			t.Fatalf("Start: %v", err)
		}
		answer(t, s, p, d, 100)

		if p.AvgDelayMs != d {
			t.Errorf("d=%d: AvgDelayMs = %d", d, p.AvgDelayMs)
		}
		if s.MaxClientDelay() != d {
			t.Errorf("d=%d: MaxClientDelay = %d", d, s.MaxClientDelay())
		}
		// One probe per trial plus the probe of the next cycle.
		if got := link.Count(protocol.FlagSync); got != testConfig.Trials+1 {
			t.Errorf("d=%d: %d SYNC sent, want %d", d, got, testConfig.Trials+1)
		}
	}
}

func TestRoundRobinAndSkew(t *testing.T) {
	reg := session.NewRegistry()
	a, _ := sessiontest.AddPeer(reg, 9001, 1000)
	b, linkB := sessiontest.AddPeer(reg, 9002, 1000)
	s := New(reg, testConfig)

	var wraps []int64
	s.OnWrap = func(_, maxDelay int64) { wraps = append(wraps, maxDelay) }

	s.Start(0)
	if cur, _ := s.Current(); cur != a {
		t.Fatalf("cursor starts at %s, want A", cur)
	}

	now := answer(t, s, a, 20, 0)
	if cur, _ := s.Current(); cur != b {
		t.Fatalf("cursor did not advance to B")
	}
	if linkB.Count(protocol.FlagSync) != 1 {
		t.Fatalf("B was not probed")
	}
	if len(wraps) != 0 {
		t.Fatalf("wrapped before the last peer")
	}

	answer(t, s, b, 80, now)
	if cur, _ := s.Current(); cur != a {
		t.Fatalf("cursor did not wrap to A")
	}
	if len(wraps) != 1 || wraps[0] != 80 {
		t.Fatalf("wraps = %v, want [80]", wraps)
	}

	if got := s.Skew(a); got != 60 {
		t.Errorf("Skew(A) = %d, want 60", got)
	}
	if got := s.Skew(b); got != 0 {
		t.Errorf("Skew(B) = %d, want 0", got)
	}
}

func TestMaxDelayIgnoresInactivePeers(t *testing.T) {
	reg := session.NewRegistry()
	a, _ := sessiontest.AddPeer(reg, 9001, 1000)
	b, _ := sessiontest.AddPeer(reg, 9002, 1000)
	s := New(reg, testConfig)
	s.Start(0)

	now := answer(t, s, a, 10, 0)
	b.Active = false
	answer(t, s, b, 500, now)

	if got := s.MaxClientDelay(); got != 10 {
		t.Errorf("MaxClientDelay = %d, want 10", got)
	}
	if got := s.Skew(b); got != 0 {
		t.Errorf("Skew clamps to zero, got %d", got)
	}
}

func TestAckFromOtherPeerIgnored(t *testing.T) {
	reg := session.NewRegistry()
	a, _ := sessiontest.AddPeer(reg, 9001, 1000)
	b, _ := sessiontest.AddPeer(reg, 9002, 1000)
	s := New(reg, testConfig)
	s.Start(0)

	out, err := s.OnSyncAck(b, 10)
	if err != nil || out != Ignored {
		t.Fatalf("OnSyncAck(B) = %v, %v; want Ignored", out, err)
	}
	if b.Samples() != 0 || a.Samples() != 0 {
		t.Error("ignored ack recorded a sample")
	}
}

func TestTimeout(t *testing.T) {
	reg := session.NewRegistry()
	p, _ := sessiontest.AddPeer(reg, 9000, 1000)
	s := New(reg, testConfig)

	if _, ok := s.Expired(1_000_000); ok {
		t.Fatal("expired before Start")
	}
	s.Start(0)

	if got := s.Timeout(p); got != 4000 {
		t.Errorf("Timeout = %d, want 4000", got)
	}
	if _, ok := s.Expired(4000); ok {
		t.Error("expired at exactly the timeout")
	}
	if got, ok := s.Expired(4001); !ok || got != p {
		t.Error("not expired after the timeout")
	}

	p.AvgDelayMs = 2
	if got := s.Timeout(p); got != testConfig.MinTimeoutMs {
		t.Errorf("Timeout = %d, want floor %d", got, testConfig.MinTimeoutMs)
	}
}

func TestStartWithoutPeers(t *testing.T) {
	s := New(session.NewRegistry(), testConfig)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Error("cursor set without peers")
	}
}
