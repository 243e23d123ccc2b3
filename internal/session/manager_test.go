package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/identity"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

type chanSink struct {
	ch chan domain.DrawEvent
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan domain.DrawEvent, 32)}
}

func (s *chanSink) Apply(ev domain.DrawEvent) error {
	s.ch <- ev
	return nil
}

func (s *chanSink) expect(t *testing.T, want domain.DrawEvent) {
	t.Helper()
	select {
	case got := <-s.ch:
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("sink got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the event")
	}
}

func (s *chanSink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.ch:
		t.Fatalf("unexpected sink event %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func newManager(t *testing.T, p identity.Provider, sink *chanSink, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(pkglog.Nop())}, opts...)
	m := New(p, sink, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitEvent(t *testing.T, m *Manager, typ StateEventType) StateEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("events closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func scenarioEvent() domain.DrawEvent {
	return domain.DrawEvent{
		ToolMode:       domain.ToolMandala,
		MandalaCounter: 2,
		MousePositions: []domain.Point{{0, 0}, {1, 1}},
		MouseX:         5,
		MouseY:         5,
	}
}

func TestGuestEventReachesHostOnce(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	hostSink, guestSink := newChanSink(), newChanSink()
	host := newManager(t, net, hostSink)
	guest := newManager(t, net, guestSink)

	if err := host.HostRoom(ctx, "ABC123"); err != nil {
		t.Fatalf("host: %v", err)
	}
	if host.Mode() != domain.Hosting || host.LocalID() != "CollaborativeArtToolABC123" {
		t.Fatalf("host mode %s id %q", host.Mode(), host.LocalID())
	}
	if err := guest.JoinRoom(ctx, "ABC123"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.Mode() != domain.Guesting || guest.RoomID() != "ABC123" {
		t.Fatalf("guest mode %s room %q", guest.Mode(), guest.RoomID())
	}
	joined := waitEvent(t, host, EventGuestJoined)
	if joined.PeerID != guest.LocalID() {
		t.Fatalf("joined peer %q, want %q", joined.PeerID, guest.LocalID())
	}

	ev := scenarioEvent()
	res, err := guest.Draw(ctx, ev)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if want := []string{"CollaborativeArtToolABC123"}; !reflect.DeepEqual(res.Sent, want) {
		t.Fatalf("guest sent to %v, want %v", res.Sent, want)
	}

	hostSink.expect(t, ev)
	hostSink.expectNothing(t)
	guestSink.expect(t, ev)
	guestSink.expectNothing(t)
}

func TestHostRelaysBetweenGuests(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	hostSink, g1Sink, g2Sink := newChanSink(), newChanSink(), newChanSink()
	host := newManager(t, net, hostSink)
	g1 := newManager(t, net, g1Sink)
	g2 := newManager(t, net, g2Sink)

	if err := host.HostRoom(ctx, "ROOM42"); err != nil {
		t.Fatalf("host: %v", err)
	}
	for _, g := range []*Manager{g1, g2} {
		if err := g.JoinRoom(ctx, "ROOM42"); err != nil {
			t.Fatalf("join: %v", err)
		}
		waitEvent(t, host, EventGuestJoined)
	}
	if len(host.Guests()) != 2 {
		t.Fatalf("host guests = %v", host.Guests())
	}

	ev := scenarioEvent()
	if _, err := g1.Draw(ctx, ev); err != nil {
		t.Fatalf("draw: %v", err)
	}

	g2Sink.expect(t, ev)
	g1Sink.expect(t, ev)
	hostSink.expect(t, ev)

	g1Sink.expectNothing(t)
	g2Sink.expectNothing(t)
}

func TestHostOriginatedReachesEveryGuest(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := newManager(t, net, newChanSink())
	if err := host.HostRoom(ctx, "FANOUT"); err != nil {
		t.Fatalf("host: %v", err)
	}
	sinks := []*chanSink{newChanSink(), newChanSink(), newChanSink()}
	for _, s := range sinks {
		g := newManager(t, net, s)
		if err := g.JoinRoom(ctx, "FANOUT"); err != nil {
			t.Fatalf("join: %v", err)
		}
		waitEvent(t, host, EventGuestJoined)
	}

	ev := scenarioEvent()
	res, err := host.Draw(ctx, ev)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(res.Sent) != 3 {
		t.Fatalf("sent to %v, want 3 guests", res.Sent)
	}
	for _, s := range sinks {
		s.expect(t, ev)
		s.expectNothing(t)
	}
}

func TestJoinWithoutHostTimesOut(t *testing.T) {
	net := identity.NewNetwork()
	guest := newManager(t, net, newChanSink(),
		WithJoinTimeout(150*time.Millisecond), WithRetryInterval(10*time.Millisecond))

	start := time.Now()
	err := guest.JoinRoom(context.Background(), "NOHOST")
	if !errors.Is(err, domain.ErrHostUnreachable) {
		t.Fatalf("expected ErrHostUnreachable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("join took %s", elapsed)
	}
	if guest.Mode() != domain.Unconnected || guest.LocalID() != "" {
		t.Fatalf("mode %s id %q after failed join", guest.Mode(), guest.LocalID())
	}

	// A failed attempt leaves the session usable.
	if err := guest.HostRoom(context.Background(), "NOHOST"); err != nil {
		t.Fatalf("host after failed join: %v", err)
	}
}

func TestJoinWaitsForLateHost(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := newManager(t, net, newChanSink())
	guest := newManager(t, net, newChanSink(), WithRetryInterval(10*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		host.HostRoom(ctx, "LATE01")
	}()

	if err := guest.JoinRoom(ctx, "LATE01"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if guest.Mode() != domain.Guesting {
		t.Fatalf("mode = %s", guest.Mode())
	}
}

func TestCancelPendingJoin(t *testing.T) {
	net := identity.NewNetwork()
	guest := newManager(t, net, newChanSink(), WithRetryInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	if err := guest.JoinRoom(ctx, "NOHOST"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if guest.Mode() != domain.Unconnected {
		t.Fatalf("mode = %s", guest.Mode())
	}
}

func TestCancelledHostReleasesRoom(t *testing.T) {
	net := identity.NewNetwork()
	m := newManager(t, net, newChanSink())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.HostRoom(ctx, "GONE01"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if net.Registered(domain.PeerIDForRoom("GONE01")) {
		t.Fatal("cancelled host kept its registration")
	}
}

func TestAlreadyActive(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()
	m := newManager(t, net, newChanSink())

	if err := m.HostRoom(ctx, "ONCE01"); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := m.HostRoom(ctx, "ONCE02"); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("second host: %v", err)
	}
	if err := m.JoinRoom(ctx, "ONCE01"); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("join while hosting: %v", err)
	}
	if m.Mode() != domain.Hosting || m.RoomID() != "ONCE01" {
		t.Fatalf("mode %s room %q", m.Mode(), m.RoomID())
	}
}

func TestRoomAlreadyHosted(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	first := newManager(t, net, newChanSink())
	second := newManager(t, net, newChanSink())

	if err := first.HostRoom(ctx, "TAKEN1"); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := second.HostRoom(ctx, "TAKEN1"); !errors.Is(err, domain.ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
	if second.Mode() != domain.Unconnected {
		t.Fatalf("mode = %s", second.Mode())
	}
}

func TestInvalidRoomID(t *testing.T) {
	m := newManager(t, identity.NewNetwork(), newChanSink())
	for _, room := range []string{"", "has space", "slash/room"} {
		if err := m.HostRoom(context.Background(), room); !errors.Is(err, domain.ErrInvalidRoomID) {
			t.Fatalf("%q: expected ErrInvalidRoomID, got %v", room, err)
		}
	}
}

func TestModeExclusivityUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	other := newManager(t, net, newChanSink())
	if err := other.HostRoom(ctx, "OTHER1"); err != nil {
		t.Fatalf("host: %v", err)
	}

	m := newManager(t, net, newChanSink())
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.HostRoom(ctx, "MINE01"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrAlreadyActive) {
				t.Errorf("host: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := m.JoinRoom(ctx, "OTHER1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrAlreadyActive) {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("%d transitions succeeded, want 1", successes)
	}
	if mode := m.Mode(); mode != domain.Hosting && mode != domain.Guesting {
		t.Fatalf("mode = %s", mode)
	}
}

func TestUnconnectedDrawIsLocal(t *testing.T) {
	sink := newChanSink()
	m := newManager(t, identity.NewNetwork(), sink)

	ev := scenarioEvent()
	res, err := m.Draw(context.Background(), ev)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(res.Sent) != 0 {
		t.Fatalf("unconnected draw sent to %v", res.Sent)
	}
	sink.expect(t, ev)
}

func TestDrawRejectsInvalidEvent(t *testing.T) {
	m := newManager(t, identity.NewNetwork(), newChanSink())
	_, err := m.Draw(context.Background(), domain.DrawEvent{ToolMode: "crayon"})
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestGuestLeavingIsRemoved(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := newManager(t, net, newChanSink())
	guest := New(net, newChanSink(), WithLogger(pkglog.Nop()))

	if err := host.HostRoom(ctx, "LEAVE1"); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := guest.JoinRoom(ctx, "LEAVE1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitEvent(t, host, EventGuestJoined)

	guest.Close()
	left := waitEvent(t, host, EventGuestLeft)
	if left.PeerID == "" {
		t.Fatal("guest_left without peer id")
	}
	if len(host.Guests()) != 0 {
		t.Fatalf("guests after leave = %v", host.Guests())
	}

	res, err := host.Draw(ctx, scenarioEvent())
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(res.Sent) != 0 || len(res.Failures) != 0 {
		t.Fatalf("draw after leave: %+v", res)
	}
}

func TestHostDisconnected(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := New(net, newChanSink(), WithLogger(pkglog.Nop()))
	guestSink := newChanSink()
	guest := newManager(t, net, guestSink)

	if err := host.HostRoom(ctx, "BYE001"); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := guest.JoinRoom(ctx, "BYE001"); err != nil {
		t.Fatalf("join: %v", err)
	}

	host.Close()
	waitEvent(t, guest, EventHostDisconnected)
	if guest.Mode() != domain.HostDisconnected {
		t.Fatalf("mode = %s", guest.Mode())
	}
	if err := guest.JoinRoom(ctx, "BYE001"); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("rejoin: %v", err)
	}

	ev := scenarioEvent()
	res, err := guest.Draw(ctx, ev)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(res.Sent) != 0 {
		t.Fatalf("disconnected guest sent to %v", res.Sent)
	}
	guestSink.expect(t, ev)
}

func TestMalformedEventDropped(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	sink := newChanSink()
	host := newManager(t, net, sink)
	if err := host.HostRoom(ctx, "BADMSG"); err != nil {
		t.Fatalf("host: %v", err)
	}

	raw, err := net.Register(ctx, "raw-peer")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer raw.Close()
	conn, err := raw.Connect(ctx, domain.PeerIDForRoom("BADMSG"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.Send([]byte(`{"toolMode":"laser"}`))
	ev := waitEvent(t, host, EventMalformed)
	if ev.PeerID != "raw-peer" || !errors.Is(ev.Err, domain.ErrMalformedEvent) {
		t.Fatalf("malformed event = %+v", ev)
	}
	sink.expectNothing(t)

	// The connection stays usable after a bad message.
	good := scenarioEvent()
	data, _ := domain.EncodeDrawEvent(good)
	conn.Send(data)
	sink.expect(t, good)
}

func TestSlowGuestDropped(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork(identity.WithBuffer(1))

	host := newManager(t, net, newChanSink())
	if err := host.HostRoom(ctx, "SLOW01"); err != nil {
		t.Fatalf("host: %v", err)
	}

	// A raw peer that never reads its inbound queue.
	raw, _ := net.Register(ctx, "stalled")
	defer raw.Close()
	conn, err := raw.Connect(ctx, domain.PeerIDForRoom("SLOW01"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, host, EventGuestJoined)

	for i := 0; i < 20; i++ {
		if _, err := host.Draw(ctx, scenarioEvent()); err != nil {
			t.Fatalf("draw: %v", err)
		}
	}
	waitEvent(t, host, EventGuestLeft)
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled guest connection still open")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New(identity.NewNetwork(), newChanSink(), WithLogger(pkglog.Nop()))
	m.Close()
	m.Close()

	if _, ok := <-m.Events(); ok {
		t.Fatal("events channel still open")
	}
	if err := m.HostRoom(context.Background(), "CLOSED"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := m.Draw(context.Background(), scenarioEvent()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// stalledProvider never completes a registration before ctx ends.
type stalledProvider struct{}

func (stalledProvider) Register(ctx context.Context, _ string) (identity.Endpoint, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestJoinTimesOutDuringRegistration(t *testing.T) {
	guest := newManager(t, stalledProvider{}, newChanSink(), WithJoinTimeout(100*time.Millisecond))

	err := guest.JoinRoom(context.Background(), "SLOWID")
	if !errors.Is(err, domain.ErrHostUnreachable) {
		t.Fatalf("expected ErrHostUnreachable, got %v", err)
	}
	if guest.Mode() != domain.Unconnected {
		t.Fatalf("mode = %s", guest.Mode())
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if err := guest.JoinRoom(ctx, "SLOWID"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// gatedProvider holds every registration until release is closed.
type gatedProvider struct {
	net     *identity.Network
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Register(ctx context.Context, desiredID string) (identity.Endpoint, error) {
	close(p.entered)
	<-p.release
	return p.net.Register(ctx, desiredID)
}

func TestCloseDuringHostLeavesUnconnected(t *testing.T) {
	net := identity.NewNetwork()
	p := &gatedProvider{net: net, entered: make(chan struct{}), release: make(chan struct{})}
	m := New(p, newChanSink(), WithLogger(pkglog.Nop()))

	errc := make(chan error, 1)
	go func() { errc <- m.HostRoom(context.Background(), "RACE01") }()

	<-p.entered
	m.Close()
	close(p.release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HostRoom did not return after Close")
	}
	if m.Mode() != domain.Unconnected || m.RoomID() != "" || m.LocalID() != "" {
		t.Fatalf("mode %s room %q id %q after close", m.Mode(), m.RoomID(), m.LocalID())
	}
	if net.Registered(domain.PeerIDForRoom("RACE01")) {
		t.Fatal("closed session kept its registration")
	}
}

func TestCloseWithConnectedGuestsReturns(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := New(net, newChanSink(), WithLogger(pkglog.Nop()))
	guests := make([]*Manager, 3)
	if err := host.HostRoom(ctx, "SHUT01"); err != nil {
		t.Fatalf("host: %v", err)
	}
	for i := range guests {
		guests[i] = newManager(t, net, newChanSink())
		if err := guests[i].JoinRoom(ctx, "SHUT01"); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		waitEvent(t, host, EventGuestJoined)
	}

	done := make(chan struct{})
	go func() {
		host.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return with guests connected")
	}
	for _, g := range guests {
		waitEvent(t, g, EventHostDisconnected)
	}
}

func TestDuplicateGuestReplaced(t *testing.T) {
	ctx := context.Background()
	net := identity.NewNetwork()

	host := newManager(t, net, newChanSink())
	if err := host.HostRoom(ctx, "DUP001"); err != nil {
		t.Fatalf("host: %v", err)
	}

	raw, err := net.Register(ctx, "twice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer raw.Close()

	first, err := raw.Connect(ctx, domain.PeerIDForRoom("DUP001"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, host, EventGuestJoined)
	second, err := raw.Connect(ctx, domain.PeerIDForRoom("DUP001"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitEvent(t, host, EventGuestJoined)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection still open")
	}
	if got := host.Guests(); !reflect.DeepEqual(got, []string{"twice"}) {
		t.Fatalf("guests = %v", got)
	}

	res, err := host.Draw(ctx, scenarioEvent())
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if !reflect.DeepEqual(res.Sent, []string{"twice"}) {
		t.Fatalf("sent = %v", res.Sent)
	}
	select {
	case <-second.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("replacement connection got nothing")
	}
}
