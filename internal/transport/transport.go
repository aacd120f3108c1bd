// Package transport moves protocol packets over UDP. A Link wraps one socket
// and a reader goroutine that copies raw datagrams into a bounded inbox. The
// owning loop polls the inbox without blocking and decodes on its own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/ensemble/internal/protocol"
	"github.com/1ureka/ensemble/internal/util"
)

// DefaultInboxSize is the inbox capacity used when a caller passes zero.
const DefaultInboxSize = 256

// ErrNoRemote is returned by Send on a link that has no remote address yet.
var ErrNoRemote = errors.New("link has no remote address")

// Datagram is one raw datagram read from a socket.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Link is a UDP socket with an optional default remote.
//
// Its lifecycle is governed by the context passed at construction time and
// by Close. Send may be called from any goroutine.
type Link struct {
	conn   *net.UDPConn
	remote atomic.Pointer[net.UDPAddr]
	inbox  chan Datagram

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Listen opens a socket bound to addr ("host:port", port 0 for any). The
// link has no remote; replies go through SendTo.
func Listen(ctx context.Context, addr string, inboxSize int) (*Link, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	return newLink(ctx, conn, nil, inboxSize), nil
}

// Dial opens a socket on an ephemeral port with remote as its default
// destination. The socket is left unconnected so replies from another port
// of the same host still arrive; the caller can retarget with SetRemote.
func Dial(ctx context.Context, remote string, inboxSize int) (*Link, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", remote, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}
	return newLink(ctx, conn, raddr, inboxSize), nil
}

// Open creates a dedicated socket for one remote on an ephemeral port of the
// given local host.
func Open(ctx context.Context, host string, remote *net.UDPAddr, inboxSize int) (*Link, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		return nil, fmt.Errorf("open socket for %s: %w", remote, err)
	}
	return newLink(ctx, conn, remote, inboxSize), nil
}

func newLink(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, inboxSize int) *Link {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	lCtx, lCancel := context.WithCancel(ctx)
	l := &Link{
		conn:   conn,
		inbox:  make(chan Datagram, inboxSize),
		ctx:    lCtx,
		cancel: lCancel,
	}
	if remote != nil {
		l.remote.Store(remote)
	}

	go l.readLoop()
	go func() {
		<-lCtx.Done()
		l.Close()
	}()

	return l
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed once the link is shut down.
func (l *Link) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close shuts the socket down. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// LocalAddr returns the address the socket is bound to.
func (l *Link) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Remote returns the default destination, or nil.
func (l *Link) Remote() *net.UDPAddr {
	return l.remote.Load()
}

// SetRemote changes the default destination.
func (l *Link) SetRemote(addr *net.UDPAddr) {
	l.remote.Store(addr)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Inbox delivers datagrams in arrival order. When the owner falls behind,
// new datagrams are dropped and counted.
func (l *Link) Inbox() <-chan Datagram {
	return l.inbox
}

// Send encodes pkt and writes it to the default remote.
func (l *Link) Send(pkt *protocol.Packet) error {
	remote := l.remote.Load()
	if remote == nil {
		return ErrNoRemote
	}
	return l.SendTo(pkt, remote)
}

// SendTo encodes pkt and writes it to addr.
func (l *Link) SendTo(pkt *protocol.Packet, addr *net.UDPAddr) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	n, err := l.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", pkt.Flag, addr, err)
	}

	util.Stats.AddSent(n)
	if pkt.Flag == protocol.FlagMIDI {
		util.Stats.AddEvents(len(pkt.Events))
	}
	return nil
}

// readLoop is the only reader of the socket. It exits when the socket is
// closed.
func (l *Link) readLoop() {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogDebug("read on %s failed: %v", l.conn.LocalAddr(), err)
			continue
		}

		util.Stats.AddRecv(n)
		dg := Datagram{Data: append([]byte(nil), buf[:n]...), From: from}

		select {
		case l.inbox <- dg:
		default:
			util.Stats.AddInboxDrop()
			util.LogDebug("inbox of %s full, datagram from %s dropped", l.conn.LocalAddr(), from)
		}
	}
}
