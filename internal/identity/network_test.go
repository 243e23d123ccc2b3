package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
)

func TestNetworkRegisterDuplicate(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	e, err := n.Register(ctx, "CollaborativeArtToolABC123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer e.Close()

	if _, err := n.Register(ctx, "CollaborativeArtToolABC123"); !errors.Is(err, domain.ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
}

func TestNetworkRegisterAnyID(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	a, err := n.Register(ctx, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	b, err := n.Register(ctx, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct generated ids, got %q and %q", a.ID(), b.ID())
	}
}

func TestNetworkCloseReleasesID(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	e, err := n.Register(ctx, "room")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.Close()
	if n.Registered("room") {
		t.Fatal("id still registered after Close")
	}
	if _, err := n.Register(ctx, "room"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestNetworkConnectUnknown(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	e, _ := n.Register(ctx, "guest")
	defer e.Close()

	if _, err := e.Connect(ctx, "nobody"); !errors.Is(err, domain.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
}

func TestNetworkConnectAccept(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	host, _ := n.Register(ctx, "host")
	defer host.Close()
	guest, _ := n.Register(ctx, "guest")
	defer guest.Close()

	up, err := guest.Connect(ctx, "host")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if up.RemoteID() != "host" {
		t.Fatalf("remote id = %q", up.RemoteID())
	}

	var down transport.Conn
	select {
	case down = <-host.Accepted():
	case <-time.After(time.Second):
		t.Fatal("host never accepted")
	}
	if down.RemoteID() != "guest" {
		t.Fatalf("accepted remote id = %q", down.RemoteID())
	}

	if err := up.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-down.Inbound():
		if string(msg) != "hello" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNetworkCloseTearsDownConns(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	host, _ := n.Register(ctx, "host")
	guest, _ := n.Register(ctx, "guest")
	defer guest.Close()

	up, err := guest.Connect(ctx, "host")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-host.Accepted()

	host.Close()

	select {
	case <-up.Done():
	case <-time.After(time.Second):
		t.Fatal("guest conn still open after host Close")
	}
	if !errors.Is(up.Err(), domain.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", up.Err())
	}
}

func TestNetworkOpenDelayHonoursContext(t *testing.T) {
	n := NewNetwork(WithOpenDelay(time.Second))
	ctx := context.Background()

	host, _ := n.Register(ctx, "host")
	defer host.Close()
	guest, _ := n.Register(ctx, "guest")
	defer guest.Close()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := guest.Connect(cctx, "host"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Connect ignored context deadline")
	}
}
