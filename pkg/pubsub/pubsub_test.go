package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx := context.Background()
	ch, err := ps.Subscribe(ctx, NodeFramesChannel("n1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev, err := NewEvent(EventFrame, "n0", "peer-a", FramePayload{Dst: "peer-a", Frame: []byte(`{"type":"data"}`)})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := ps.Publish(ctx, NodeFramesChannel("n1"), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Publish(ctx, NodeFramesChannel("n2"), ev); err != nil {
		t.Fatalf("publish to other node: %v", err)
	}

	select {
	case got := <-ch:
		p, err := DecodePayload[FramePayload](got)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got.Origin != "n0" || got.Age() < 0 {
			t.Fatalf("origin %q age %v", got.Origin, got.Age())
		}
		if got.Type != EventFrame || p.Dst != "peer-a" || string(p.Frame) != `{"type":"data"}` {
			t.Fatalf("unexpected event %+v payload %+v", got, p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case got := <-ch:
		t.Fatalf("event for another node leaked: %+v", got)
	default:
	}
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := ps.Subscribe(ctx, "broker:node:n1:frames")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription never closed")
	}
}

func TestMemoryUnsubscribeAndClose(t *testing.T) {
	ps := NewMemoryPubSub()
	ctx := context.Background()

	ch, _ := ps.Subscribe(ctx, "broker:node:n1:frames")
	ps.Unsubscribe(ctx, "broker:node:n1:frames")
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}

	ps.Close()
	ev, _ := NewEvent(EventPeerGone, "n0", "p", PeerGonePayload{Peer: "p"})
	if err := ps.Publish(ctx, "broker:node:n1:frames", ev); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := ps.Subscribe(ctx, "broker:node:n1:frames"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChannelToTopicAndKey(t *testing.T) {
	topic, key, err := channelToTopicAndKey(NodeFramesChannel("node-7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topic != "broker-frames" || key != "node-7" {
		t.Fatalf("got topic %q key %q", topic, key)
	}

	for _, bad := range []string{"", "broker:frames", "broker:room:x:frames", "broker:node::frames"} {
		if _, _, err := channelToTopicAndKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewPubSubDrivers(t *testing.T) {
	ps, err := NewPubSub(DefaultConfig())
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	ps.Close()

	if _, err := NewPubSub(Config{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
