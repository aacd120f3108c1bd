// Package sessiontest provides in-memory links and peers for tests.
package sessiontest

import (
	"net"

	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/session"
	"github.com/1ureka/ensemble/internal/transport"
)

// Link records every packet sent through it.
type Link struct {
	Sent   []*protocol.Packet
	In     chan transport.Datagram
	Closed bool
	Err    error // returned by Send when set
}

// NewLink returns an empty link with a small inbox.
func NewLink() *Link {
	return &Link{In: make(chan transport.Datagram, 16)}
}

func (l *Link) Send(pkt *protocol.Packet) error {
	if l.Err != nil {
		return l.Err
	}
	l.Sent = append(l.Sent, pkt)
	return nil
}

func (l *Link) Inbox() <-chan transport.Datagram { return l.In }

func (l *Link) Close() error {
	l.Closed = true
	return nil
}

// Last returns the most recent packet, or nil.
func (l *Link) Last() *protocol.Packet {
	if len(l.Sent) == 0 {
		return nil
	}
	return l.Sent[len(l.Sent)-1]
}

// Count returns how many packets with flag were sent.
func (l *Link) Count(flag protocol.Flag) int {
	n := 0
	for _, p := range l.Sent {
		if p.Flag == flag {
			n++
		}
	}
	return n
}

// Reset forgets the recorded packets.
func (l *Link) Reset() { l.Sent = nil }

// Addr returns a loopback address on port.
func Addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// AddPeer registers a peer on port with the given initial delay and returns
// it together with its link.
func AddPeer(reg *session.Registry, port int, initialDelayMs int64) (*session.Peer, *Link) {
	addr := Addr(port)
	link := NewLink()
	p := session.NewPeer(session.IDFor(addr), addr, link, 0, initialDelayMs, 3)
	if err := reg.Add(p); err != nil {
		panic(err)
	}
	return p, link
}
