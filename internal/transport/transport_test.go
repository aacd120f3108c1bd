package transport

import (
	"context"
	"testing"
	"time"

	"github.com/1ureka/ensemble/internal/protocol"
)

func recv(t *testing.T, l *Link) Datagram {
	t.Helper()
	select {
	case dg := <-l.Inbox():
		return dg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestLinkRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := Listen(ctx, "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(ctx, server.LocalAddr().String(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(&protocol.Packet{Header: protocol.Header{SeqNum: 0, Flag: protocol.FlagHS}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dg := recv(t, server)
	pkt, err := protocol.Decode(dg.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.Flag != protocol.FlagHS {
		t.Errorf("flag = %s, want HS", pkt.Flag)
	}

	// Reply from a different socket; the client must still receive it.
	dedicated, err := Open(ctx, "127.0.0.1", dg.From, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dedicated.Close()

	if err := dedicated.Send(&protocol.Packet{Header: protocol.Header{SeqNum: 1, Flag: protocol.FlagHSGood}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := recv(t, client)
	if reply.From.Port != dedicated.LocalAddr().Port {
		t.Errorf("reply came from port %d, want %d", reply.From.Port, dedicated.LocalAddr().Port)
	}
}

func TestSendWithoutRemote(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	if err := l.Send(&protocol.Packet{Header: protocol.Header{Flag: protocol.FlagSync}}); err != ErrNoRemote {
		t.Errorf("Send = %v, want ErrNoRemote", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.Close()
	l.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestContextCancelClosesLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, err := Listen(ctx, "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after cancel")
	}
}
