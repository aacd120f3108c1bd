package session

import (
	"errors"
	"net"
	"slices"
	"testing"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newTestPeer(port int) *Peer {
	a := addr(port)
	return NewPeer(IDFor(a), a, nil, 0, 1000, 3)
}

func TestSequenceStride(t *testing.T) {
	p := newTestPeer(9000)

	if got := p.HandshakeSeq(); got != 1 {
		t.Fatalf("HandshakeSeq = %d, want 1", got)
	}
	for _, want := range []uint32{1, 3, 5} {
		if got := p.NextSeq(); got != want {
			t.Errorf("NextSeq = %d, want %d", got, want)
		}
	}
	if got := p.ExpectedSeq(); got != 2 {
		t.Errorf("ExpectedSeq = %d, want 2", got)
	}
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name     string
		seqs     []uint32
		wantOK   []bool
		wantLost int64
	}{
		{"in order", []uint32{2, 4, 6}, []bool{true, true, true}, 0},
		{"gap", []uint32{2, 8}, []bool{true, true}, 2},
		{"stale", []uint32{2, 4, 2}, []bool{true, true, false}, 0},
		{"duplicate", []uint32{2, 2}, []bool{true, false}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPeer(9000)
			for i, seq := range tt.seqs {
				ok, _ := p.Accept(seq)
				if ok != tt.wantOK[i] {
					t.Errorf("Accept(%d) = %v, want %v", seq, ok, tt.wantOK[i])
				}
			}
			if p.Lost != tt.wantLost {
				t.Errorf("Lost = %d, want %d", p.Lost, tt.wantLost)
			}
		})
	}
}

func TestRecordSampleConvergence(t *testing.T) {
	const trials = 5
	p := newTestPeer(9000)

	// A constant 20 ms one-way delay must become the estimate after the
	// first full trial set.
	for i := 0; i < trials-1; i++ {
		if p.RecordSample(20, trials) {
			t.Fatalf("trial set completed after %d samples", i+1)
		}
		if p.AvgDelayMs != 1000 {
			t.Fatalf("AvgDelayMs changed mid-set: %d", p.AvgDelayMs)
		}
	}
	if !p.RecordSample(20, trials) {
		t.Fatal("trial set not completed")
	}
	if p.AvgDelayMs != 20 {
		t.Errorf("AvgDelayMs = %d, want 20", p.AvgDelayMs)
	}
	if p.Samples() != 0 {
		t.Errorf("Samples = %d after condense, want 0", p.Samples())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	p := newTestPeer(9000)
	for _, d := range []int64{10, 20, 30, 40} {
		p.RecordSample(d, 1)
	}
	if got := p.History(); !slices.Equal(got, []int64{20, 30, 40}) {
		t.Errorf("History = %v, want [20 30 40]", got)
	}
	if p.AvgDelayMs != 30 {
		t.Errorf("AvgDelayMs = %d, want 30", p.AvgDelayMs)
	}
}

func TestMissesResetOnSample(t *testing.T) {
	p := newTestPeer(9000)
	p.Miss()
	if got := p.Miss(); got != 2 {
		t.Fatalf("Miss = %d, want 2", got)
	}
	p.RecordSample(10, 5)
	if p.Misses() != 0 {
		t.Errorf("Misses = %d after a sample, want 0", p.Misses())
	}
}

func TestTrackOwnership(t *testing.T) {
	p := newTestPeer(9000)
	p.AssignOriginal(0)
	p.AssignOriginal(2)
	p.Adopt(1)
	p.Adopt(1)

	if !slices.Equal(p.Tracks, []int{0, 2, 1}) {
		t.Fatalf("Tracks = %v", p.Tracks)
	}

	p.Release([]int{0, 1})
	if !slices.Equal(p.Tracks, []int{2}) {
		t.Errorf("after Release Tracks = %v, want [2]", p.Tracks)
	}

	p.RestoreOriginal()
	if !slices.Equal(p.Tracks, []int{0, 2}) {
		t.Errorf("after RestoreOriginal Tracks = %v, want [0 2]", p.Tracks)
	}
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	a, b, c := newTestPeer(1), newTestPeer(2), newTestPeer(3)
	for _, p := range []*Peer{a, b, c} {
		if err := r.Add(p); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := r.Add(newTestPeer(2)); !errors.Is(err, ErrDuplicatePeer) {
		t.Errorf("duplicate Add = %v, want ErrDuplicatePeer", err)
	}

	if got, ok := r.Lookup(addr(2)); !ok || got != b {
		t.Errorf("Lookup returned %v, %v", got, ok)
	}

	next, wrapped := r.Next(a.ID)
	if next != b.ID || wrapped {
		t.Errorf("Next(a) = %s, %v", next, wrapped)
	}
	next, wrapped = r.Next(c.ID)
	if next != a.ID || !wrapped {
		t.Errorf("Next(c) = %s, %v, want wrap to a", next, wrapped)
	}

	b.Active = false
	active := r.Active()
	if len(active) != 2 || active[0] != a || active[1] != c {
		t.Errorf("Active = %v", active)
	}
}

func TestRegistryOwner(t *testing.T) {
	r := NewRegistry()
	a, b := newTestPeer(1), newTestPeer(2)
	r.Add(a)
	r.Add(b)
	a.AssignOriginal(0)
	b.AssignOriginal(1)

	if p, ok := r.Owner(1); !ok || p != b {
		t.Errorf("Owner(1) = %v, %v", p, ok)
	}
	b.Active = false
	if _, ok := r.Owner(1); ok {
		t.Error("inactive peer reported as owner")
	}
}
