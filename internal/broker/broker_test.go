package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/peerid"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"github.com/weiawesome/wes-io-canvas/pkg/pubsub"
	"github.com/weiawesome/wes-io-canvas/pkg/response"
)

func startBroker(t *testing.T, opts Options) (*Broker, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := New(opts)
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
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, f domain.Frame) {
	t.Helper()
	if err := c.WriteJSON(f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) domain.Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f domain.Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func register(t *testing.T, c *websocket.Conn, id string) string {
	t.Helper()
	send(t, c, domain.Frame{Type: domain.FrameRegister, ID: id})
	f := read(t, c)
	if f.Type != domain.FrameRegistered {
		t.Fatalf("register %q: got %+v", id, f)
	}
	return f.ID
}

func TestRegisterAndConflict(t *testing.T) {
	b, srv := startBroker(t, Options{})

	a := dial(t, srv)
	if got := register(t, a, "CollaborativeArtToolABC123"); got != "CollaborativeArtToolABC123" {
		t.Fatalf("registered as %q", got)
	}

	other := dial(t, srv)
	send(t, other, domain.Frame{Type: domain.FrameRegister, ID: "CollaborativeArtToolABC123"})
	f := read(t, other)
	if f.Type != domain.FrameError || f.Code != domain.ErrCodeIDTaken {
		t.Fatalf("expected ID_TAKEN, got %+v", f)
	}
	if n := testutil.ToFloat64(b.metrics.Conflicts); n != 1 {
		t.Fatalf("conflicts = %v", n)
	}

	// An empty id gets a generated one.
	if got := register(t, other, ""); got == "" {
		t.Fatal("no generated id")
	}
}

func TestFramesNeedRegistration(t *testing.T) {
	_, srv := startBroker(t, Options{})
	c := dial(t, srv)

	send(t, c, domain.Frame{Type: domain.FrameOpen, Conn: "c1", Dst: "x"})
	if f := read(t, c); f.Code != domain.ErrCodeNotRegistered || f.Conn != "c1" {
		t.Fatalf("expected NOT_REGISTERED, got %+v", f)
	}

	send(t, c, domain.Frame{Type: "bogus"})
	if f := read(t, c); f.Code != domain.ErrCodeBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %+v", f)
	}

	send(t, c, domain.Frame{Type: domain.FramePing})
	if f := read(t, c); f.Type != domain.FramePong {
		t.Fatalf("expected pong, got %+v", f)
	}
}

func TestForwardStampsSource(t *testing.T) {
	b, srv := startBroker(t, Options{})

	host := dial(t, srv)
	guest := dial(t, srv)
	register(t, host, "host")
	register(t, guest, "guest")

	send(t, guest, domain.Frame{Type: domain.FrameOpen, Conn: "c1", Dst: "host", Src: "spoofed"})
	f := read(t, host)
	if f.Type != domain.FrameOpen || f.Src != "guest" || f.Conn != "c1" {
		t.Fatalf("host got %+v", f)
	}

	send(t, host, domain.Frame{Type: domain.FrameAccept, Conn: "c1", Dst: "guest"})
	if f := read(t, guest); f.Type != domain.FrameAccept || f.Src != "host" {
		t.Fatalf("guest got %+v", f)
	}

	payload := []byte(`{"toolMode":"spray"}`)
	send(t, guest, domain.Frame{Type: domain.FrameData, Conn: "c1", Dst: "host", Payload: payload})
	f = read(t, host)
	if f.Type != domain.FrameData || string(f.Payload) != string(payload) {
		t.Fatalf("host got %+v", f)
	}

	if n := testutil.ToFloat64(b.metrics.Forwarded.WithLabelValues(domain.FrameData, "local")); n != 1 {
		t.Fatalf("forwarded data = %v", n)
	}
}

func TestUnknownDestinationBounces(t *testing.T) {
	b, srv := startBroker(t, Options{})
	c := dial(t, srv)
	register(t, c, "lonely")

	send(t, c, domain.Frame{Type: domain.FrameOpen, Conn: "c9", Dst: "CollaborativeArtToolNOPE"})
	f := read(t, c)
	if f.Type != domain.FrameError || f.Code != domain.ErrCodeUnavailable || f.Conn != "c9" || f.Src != "CollaborativeArtToolNOPE" {
		t.Fatalf("expected UNAVAILABLE bounce, got %+v", f)
	}
	if n := testutil.ToFloat64(b.metrics.ForwardFailures.WithLabelValues(ReasonUnavailable)); n != 1 {
		t.Fatalf("failures = %v", n)
	}
}

func TestPeerGoneOnDisconnect(t *testing.T) {
	_, srv := startBroker(t, Options{})

	host := dial(t, srv)
	guest := dial(t, srv)
	register(t, host, "host")
	register(t, guest, "guest")

	send(t, guest, domain.Frame{Type: domain.FrameOpen, Conn: "c1", Dst: "host"})
	read(t, host)

	guest.Close()
	f := read(t, host)
	if f.Type != domain.FramePeerGone || f.Src != "guest" {
		t.Fatalf("expected peer_gone from guest, got %+v", f)
	}

	// The id is free again.
	again := dial(t, srv)
	register(t, again, "guest")
}

func TestCrossNodeForwarding(t *testing.T) {
	registry := NewMemoryRegistry()
	bus := pubsub.NewMemoryPubSub()

	_, srvA := startBroker(t, Options{NodeID: "node-a", Registry: registry, PubSub: bus})
	_, srvB := startBroker(t, Options{NodeID: "node-b", Registry: registry, PubSub: bus})

	host := dial(t, srvA)
	guest := dial(t, srvB)
	register(t, host, "host")
	register(t, guest, "guest")

	send(t, guest, domain.Frame{Type: domain.FrameOpen, Conn: "c1", Dst: "host", SDP: "v=0"})
	f := read(t, host)
	if f.Type != domain.FrameOpen || f.Src != "guest" || f.SDP != "v=0" {
		t.Fatalf("host got %+v", f)
	}

	send(t, host, domain.Frame{Type: domain.FrameData, Conn: "c1", Dst: "guest", Payload: []byte("hi")})
	if f := read(t, guest); f.Type != domain.FrameData || string(f.Payload) != "hi" {
		t.Fatalf("guest got %+v", f)
	}

	host.Close()
	if f := read(t, guest); f.Type != domain.FramePeerGone || f.Src != "host" {
		t.Fatalf("expected peer_gone across nodes, got %+v", f)
	}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var apiErr *response.ErrorInfo
	if err := response.Decode(resp, out); err != nil && !errors.As(err, &apiErr) {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHTTPAPI(t *testing.T) {
	ice := []transport.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	_, srv := startBroker(t, Options{NodeID: "node-1", ICE: config.ICEConfig{Servers: ice}})

	var room struct {
		Hosted bool   `json:"hosted"`
		PeerID string `json:"peer_id"`
		NodeID string `json:"node_id"`
	}
	getJSON(t, srv.URL+"/api/rooms/ABC123", &room)
	if room.Hosted || room.PeerID != "CollaborativeArtToolABC123" {
		t.Fatalf("room before hosting = %+v", room)
	}

	c := dial(t, srv)
	register(t, c, "CollaborativeArtToolABC123")
	getJSON(t, srv.URL+"/api/rooms/ABC123", &room)
	if !room.Hosted || room.NodeID != "node-1" {
		t.Fatalf("room after hosting = %+v", room)
	}

	if code := getJSON(t, srv.URL+"/api/rooms/bad%20room", nil); code != http.StatusBadRequest {
		t.Fatalf("bad room status = %d", code)
	}

	var id struct {
		ID string `json:"id"`
	}
	getJSON(t, srv.URL+"/api/id", &id)
	if id.ID == "" {
		t.Fatal("empty generated id")
	}
	getJSON(t, srv.URL+"/api/id?kind=ulid", &id)
	if err := peerid.ULID().Validate(id.ID); err != nil {
		t.Fatalf("kind=ulid: %v", err)
	}
	if code := getJSON(t, srv.URL+"/api/id?kind=snowflake", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown kind status = %d", code)
	}

	var servers struct {
		ICEServers []transport.ICEServer `json:"ice_servers"`
	}
	getJSON(t, srv.URL+"/api/ice-servers", &servers)
	if len(servers.ICEServers) != 1 || servers.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("ice servers = %+v", servers)
	}

	var health struct {
		Status string `json:"status"`
		Peers  int    `json:"peers"`
	}
	getJSON(t, srv.URL+"/health", &health)
	if health.Status != "ok" || health.Peers != 1 {
		t.Fatalf("health = %+v", health)
	}

	if code := getJSON(t, srv.URL+"/api/nope", nil); code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, srv := startBroker(t, Options{Metrics: NewMetrics(reg), Gatherer: reg})

	c := dial(t, srv)
	register(t, c, "peer")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "canvas_broker_registered_peers 1") {
		t.Fatalf("metrics missing registered peer gauge:\n%s", body)
	}
}

type recordingProducer struct {
	events chan PeerEvent
}

func (p *recordingProducer) Produce(_ context.Context, ev PeerEvent) error {
	p.events <- ev
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) next(t *testing.T) PeerEvent {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no peer event produced")
		return PeerEvent{}
	}
}

func TestPeerLifecycleEvents(t *testing.T) {
	producer := &recordingProducer{events: make(chan PeerEvent, 4)}
	_, srv := startBroker(t, Options{NodeID: "node-ev", Producer: producer})

	c := dial(t, srv)
	register(t, c, "peer-ev")
	ev := producer.next(t)
	if ev.Type != EventPeerRegistered || ev.PeerID != "peer-ev" || ev.NodeID != "node-ev" || ev.At.IsZero() {
		t.Fatalf("registered event = %+v", ev)
	}

	c.Close()
	ev = producer.next(t)
	if ev.Type != EventPeerLeft || ev.PeerID != "peer-ev" || ev.Reason != ReasonDisconnect {
		t.Fatalf("left event = %+v", ev)
	}
}
