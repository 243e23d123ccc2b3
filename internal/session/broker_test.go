package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-canvas/internal/broker"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/identity"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

func brokerProvider(t *testing.T) *identity.BrokerProvider {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := broker.New(broker.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("broker never became ready")
	}

	srv := httptest.NewServer(b.Router(pkglog.Nop()))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return identity.NewBrokerProvider(identity.BrokerOptions{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	})
}

func TestRoomOverBroker(t *testing.T) {
	ctx := context.Background()
	p := brokerProvider(t)

	hostSink, g1Sink, g2Sink := newChanSink(), newChanSink(), newChanSink()
	host := New(p, hostSink, WithLogger(pkglog.Nop()))
	g1 := newManager(t, p, g1Sink)
	g2 := newManager(t, p, g2Sink)

	if err := host.HostRoom(ctx, "BRK001"); err != nil {
		t.Fatalf("host: %v", err)
	}
	for _, g := range []*Manager{g1, g2} {
		if err := g.JoinRoom(ctx, "BRK001"); err != nil {
			t.Fatalf("join: %v", err)
		}
		waitEvent(t, host, EventGuestJoined)
	}

	ev := scenarioEvent()
	if _, err := g1.Draw(ctx, ev); err != nil {
		t.Fatalf("draw: %v", err)
	}
	g1Sink.expect(t, ev)
	hostSink.expect(t, ev)
	g2Sink.expect(t, ev)
	g1Sink.expectNothing(t)
	g2Sink.expectNothing(t)

	host.Close()
	waitEvent(t, g1, EventHostDisconnected)
	if g1.Mode() != domain.HostDisconnected {
		t.Fatalf("mode = %s", g1.Mode())
	}
}

func TestJoinOverBrokerTimesOut(t *testing.T) {
	p := brokerProvider(t)
	guest := newManager(t, p, newChanSink(),
		WithJoinTimeout(200*time.Millisecond), WithRetryInterval(20*time.Millisecond))

	err := guest.JoinRoom(context.Background(), "NOBODY")
	if !errors.Is(err, domain.ErrHostUnreachable) || guest.Mode() != domain.Unconnected {
		t.Fatalf("join without host: err=%v mode=%s", err, guest.Mode())
	}
}
