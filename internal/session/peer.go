// Package session holds the conductor's per-instrument state: sequence
// bookkeeping, delay estimates and track ownership.
//
// Nothing here is safe for concurrent use. The conductor's loop goroutine is
// the only writer and reader.
package session

import (
	"fmt"
	"net"
	"slices"

	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/transport"
)

// PeerID identifies an instrument for the lifetime of the conductor. It is
// derived from the instrument's address, so a repeated handshake maps to the
// same id.
type PeerID uint32

func (id PeerID) String() string { return fmt.Sprintf("%08x", uint32(id)) }

// Link is the dedicated socket used to talk to one instrument.
type Link interface {
	Send(pkt *protocol.Packet) error
	Inbox() <-chan transport.Datagram
	Close() error
}

// Peer is one connected instrument.
type Peer struct {
	ID   PeerID
	Addr *net.UDPAddr // where the instrument's handshake came from
	Link Link

	// Active peers receive MIDI and own tracks. Inactive peers are still
	// probed so they can come back.
	Active bool

	AvgDelayMs     int64
	LastSyncSentAt int64
	JoinedAt       int64

	Tracks         []int // tracks currently played by this peer
	OriginalTracks []int // tracks assigned at song load

	Lost       int64 // packets inferred lost from sequence gaps
	Stale      int64 // packets dropped for an old sequence number
	Recoveries int

	nextSeq     uint32
	expectedSeq uint32
	hsGoodSeq   uint32

	history    []int64
	historyCap int

	sampleSum   int64
	sampleCount int
	misses      int
}

// NewPeer creates an active peer whose handshake carried hsSeq. The reply to
// the handshake uses hsSeq+1 and the instrument is expected to continue at
// hsSeq+2.
func NewPeer(id PeerID, addr *net.UDPAddr, link Link, hsSeq uint32, initialDelayMs int64, historyCap int) *Peer {
	if historyCap < 1 {
		historyCap = 1
	}
	return &Peer{
		ID:          id,
		Addr:        addr,
		Link:        link,
		Active:      true,
		AvgDelayMs:  initialDelayMs,
		nextSeq:     hsSeq + 1,
		hsGoodSeq:   hsSeq + 1,
		expectedSeq: hsSeq + protocol.SeqStride,
		historyCap:  historyCap,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("[peer %s]", p.ID)
}

// ---------------------------------------------------------------------------
// Sequence numbers
// ---------------------------------------------------------------------------

// NextSeq returns the sequence number for the next outbound packet and
// advances the counter by the stride.
func (p *Peer) NextSeq() uint32 {
	seq := p.nextSeq
	p.nextSeq += protocol.SeqStride
	return seq
}

// HandshakeSeq is the sequence number of the HS_GOOD reply. Re-sending the
// reply after a lost datagram reuses it.
func (p *Peer) HandshakeSeq() uint32 { return p.hsGoodSeq }

// ExpectedSeq is the next inbound sequence number the peer should send.
func (p *Peer) ExpectedSeq() uint32 { return p.expectedSeq }

// Accept checks an inbound sequence number. Old numbers are rejected.
// Numbers past the expected one are accepted and the skipped packets are
// returned as lost.
func (p *Peer) Accept(seq uint32) (ok bool, lost int) {
	if seq < p.expectedSeq {
		p.Stale++
		return false, 0
	}
	if seq > p.expectedSeq {
		lost = int((seq - p.expectedSeq) / protocol.SeqStride)
		p.Lost += int64(lost)
	}
	p.expectedSeq = seq + protocol.SeqStride
	return true, lost
}

// ---------------------------------------------------------------------------
// Delay estimate
// ---------------------------------------------------------------------------

// RecordSample adds one one-way delay sample. Once trials samples have been
// collected their mean is pushed into the bounded history, AvgDelayMs is
// recomputed over the history and true is returned.
func (p *Peer) RecordSample(oneWayMs int64, trials int) bool {
	p.sampleSum += oneWayMs
	p.sampleCount++
	p.misses = 0
	if p.sampleCount < trials {
		return false
	}

	p.history = append(p.history, p.sampleSum/int64(p.sampleCount))
	if len(p.history) > p.historyCap {
		p.history = p.history[len(p.history)-p.historyCap:]
	}
	var sum int64
	for _, d := range p.history {
		sum += d
	}
	p.AvgDelayMs = sum / int64(len(p.history))

	p.sampleSum = 0
	p.sampleCount = 0
	return true
}

// Samples reports how many samples are pending in the current trial set.
func (p *Peer) Samples() int { return p.sampleCount }

// History returns a copy of the condensed delay values, oldest first.
func (p *Peer) History() []int64 { return slices.Clone(p.history) }

// Miss records a failed sync trial and returns the number of consecutive
// misses.
func (p *Peer) Miss() int {
	p.misses++
	return p.misses
}

// Misses returns the current number of consecutive failed trials.
func (p *Peer) Misses() int { return p.misses }

// ResetTrials discards pending samples and misses. Called when the sync
// cursor moves away from the peer.
func (p *Peer) ResetTrials() {
	p.sampleSum = 0
	p.sampleCount = 0
	p.misses = 0
}

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

// Owns reports whether the peer currently plays track.
func (p *Peer) Owns(track int) bool { return slices.Contains(p.Tracks, track) }

// AssignOriginal gives the peer a track at song load.
func (p *Peer) AssignOriginal(track int) {
	p.OriginalTracks = append(p.OriginalTracks, track)
	p.Tracks = append(p.Tracks, track)
}

// Adopt takes over a track from another peer. Adopting an owned track is a
// no-op.
func (p *Peer) Adopt(track int) {
	if !p.Owns(track) {
		p.Tracks = append(p.Tracks, track)
	}
}

// Release removes every track in tracks from the current list.
func (p *Peer) Release(tracks []int) {
	p.Tracks = slices.DeleteFunc(p.Tracks, func(t int) bool {
		return slices.Contains(tracks, t)
	})
}

// RestoreOriginal resets the current list to exactly the tracks assigned at
// song load.
func (p *Peer) RestoreOriginal() {
	p.Tracks = slices.Clone(p.OriginalTracks)
}

// ClearTracks forgets every assignment. Called before a new song is loaded.
func (p *Peer) ClearTracks() {
	p.Tracks = nil
	p.OriginalTracks = nil
}
