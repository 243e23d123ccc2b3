// Package broker is the rendezvous server backing peer identities: peers
// register an id over a WebSocket and exchange connection frames with other
// peers by id. Payloads are forwarded untouched.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/peerid"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"github.com/weiawesome/wes-io-canvas/pkg/pubsub"
)

// MaxPeerIDLength bounds requested peer ids.
const MaxPeerIDLength = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers are native clients, not browsers
	},
}

// Options wires a Broker's collaborators. Registry, PubSub and Metrics
// default to single-node in-memory implementations.
type Options struct {
	NodeID    string
	WebSocket config.WebSocketConfig
	Registry  Registry
	PubSub    pubsub.PubSub
	Producer  PeerEventProducer
	Metrics   *Metrics
	Gatherer  prometheus.Gatherer
	ICE       config.ICEConfig
	// PeerIDs generates ids for peers that register without one.
	PeerIDs *peerid.Set
}

// Broker routes frames between registered peers, locally through the hub
// and across nodes through the pubsub bus.
type Broker struct {
	nodeID   string
	hub      *Hub
	registry Registry
	ps       pubsub.PubSub
	producer PeerEventProducer
	metrics  *Metrics
	gatherer prometheus.Gatherer
	ice      *ICESource
	peerIDs  *peerid.Set
	wsConfig config.WebSocketConfig
	ready    chan struct{}
	stopping atomic.Bool
}

func New(opts Options) *Broker {
	if opts.NodeID == "" {
		opts.NodeID = uuid.New().String()
	}
	if opts.WebSocket.MaxMessageSize == 0 {
		opts.WebSocket = config.DefaultWebSocket()
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.PubSub == nil {
		opts.PubSub = pubsub.NewMemoryPubSub()
	}
	if opts.Metrics == nil {
		reg := prometheus.NewRegistry()
		opts.Metrics = NewMetrics(reg)
		if opts.Gatherer == nil {
			opts.Gatherer = reg
		}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.PeerIDs == nil {
		opts.PeerIDs = peerid.MustDefault()
	}

	return &Broker{
		nodeID:   opts.NodeID,
		hub:      NewHub(opts.WebSocket, opts.Metrics),
		registry: opts.Registry,
		ps:       opts.PubSub,
		producer: opts.Producer,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		ice:      NewICESource(opts.ICE),
		peerIDs:  opts.PeerIDs,
		wsConfig: opts.WebSocket,
		ready:    make(chan struct{}),
	}
}

func (b *Broker) NodeID() string { return b.nodeID }

// Ready is closed once Run is subscribed to this node's frame channel.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Run serves the hub and this node's frame channel until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	l := pkglog.L().With().Str(pkglog.FieldNode, b.nodeID).Logger()

	go b.hub.Run()
	defer b.hub.Stop()

	if err := b.registry.StartHeartbeat(ctx); err != nil {
		return err
	}
	defer b.registry.StopHeartbeat()

	channel := pubsub.NodeFramesChannel(b.nodeID)
	events, err := b.ps.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	close(b.ready)
	l.Info().Str("channel", channel).Msg("broker node running")

	for {
		select {
		case <-ctx.Done():
			b.stopping.Store(true)
			b.ps.Unsubscribe(context.Background(), channel)
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("node channel closed")
			}
			b.handleRemote(ctx, ev)
		}
	}
}

// HandleWebSocket upgrades a peer connection.
func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.Ctx(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:   ulid.Make().String(),
		Hub:  b.hub,
		Conn: conn,
		Send: make(chan []byte, b.wsConfig.SendBuffer),
	}
	client.SetDisconnectHandler(b.handleDisconnect)

	b.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(b.handleMessage)
}

func (b *Broker) handleMessage(client *Client, message []byte) {
	var f domain.Frame
	if err := json.Unmarshal(message, &f); err != nil {
		b.reply(client, domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid frame", ""))
		return
	}

	ctx := context.Background()

	switch f.Type {
	case domain.FrameRegister:
		b.handleRegister(ctx, client, f.ID)

	case domain.FrameOpen, domain.FrameAccept, domain.FrameData, domain.FrameClose:
		if client.PeerID == "" {
			b.reply(client, domain.NewErrorFrame(domain.ErrCodeNotRegistered, "register first", f.Conn))
			return
		}
		if f.Dst == "" || f.Conn == "" {
			b.reply(client, domain.NewErrorFrame(domain.ErrCodeBadRequest, "frame needs conn and dst", f.Conn))
			return
		}
		out := domain.Frame{
			Type:    f.Type,
			Conn:    f.Conn,
			Src:     client.PeerID,
			Dst:     f.Dst,
			Payload: f.Payload,
			SDP:     f.SDP,
		}
		if f.Type == domain.FrameOpen || f.Type == domain.FrameAccept {
			b.hub.Link(out.Src, out.Dst)
		}
		b.route(ctx, &out)

	case domain.FramePing:
		b.reply(client, &domain.Frame{Type: domain.FramePong})

	default:
		b.reply(client, domain.NewErrorFrame(domain.ErrCodeBadRequest, "unknown frame type", f.Conn))
	}
}

func (b *Broker) handleRegister(ctx context.Context, client *Client, requested string) {
	l := pkglog.L()

	if client.PeerID != "" {
		b.reply(client, domain.NewErrorFrame(domain.ErrCodeBadRequest, "already registered", ""))
		return
	}

	id := requested
	if id == "" {
		generated, err := b.peerIDs.Generate()
		if err != nil {
			l.Error().Err(err).Msg("peer id generation failed")
			b.reply(client, domain.NewErrorFrame(domain.ErrCodeInternal, "could not generate a peer id", ""))
			return
		}
		id = generated
	}
	if len(id) > MaxPeerIDLength {
		b.reply(client, domain.NewErrorFrame(domain.ErrCodeBadRequest, "peer id too long", ""))
		return
	}

	if err := b.registry.Claim(ctx, id, b.nodeID); err != nil {
		if errors.Is(err, domain.ErrIdentifierTaken) {
			b.metrics.Conflicts.Inc()
			b.reply(client, domain.NewErrorFrame(domain.ErrCodeIDTaken, "peer id already registered", ""))
			return
		}
		l.Error().Err(err).Str(pkglog.FieldPeerID, id).Msg("claim failed")
		b.reply(client, domain.NewErrorFrame(domain.ErrCodeInternal, "registry unavailable", ""))
		return
	}

	client.PeerID = id
	b.hub.AttachPeer(client)
	b.reply(client, &domain.Frame{Type: domain.FrameRegistered, ID: id})
	l.Info().Str(pkglog.FieldPeerID, id).Str(pkglog.FieldConnID, client.ID).Msg("peer registered")

	b.produce(ctx, PeerEvent{Type: EventPeerRegistered, PeerID: id})
}

func (b *Broker) handleDisconnect(client *Client) {
	if client.PeerID == "" {
		return
	}
	links, ok := b.hub.DetachPeer(client)
	if !ok {
		return
	}

	l := pkglog.L()
	ctx := context.Background()

	if err := b.registry.Release(ctx, client.PeerID, b.nodeID); err != nil {
		l.Error().Err(err).Str(pkglog.FieldPeerID, client.PeerID).Msg("release failed")
	}
	b.notifyGone(ctx, client.PeerID, links)
	l.Info().Str(pkglog.FieldPeerID, client.PeerID).Int("links", len(links)).Msg("peer left")

	reason := ReasonDisconnect
	if b.stopping.Load() {
		reason = ReasonShutdown
	}
	b.produce(ctx, PeerEvent{Type: EventPeerLeft, PeerID: client.PeerID, Reason: reason})
}

func (b *Broker) produce(ctx context.Context, ev PeerEvent) {
	if b.producer == nil {
		return
	}
	ev.NodeID = b.nodeID
	ev.At = time.Now()
	if err := b.producer.Produce(ctx, ev); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldPeerID, ev.PeerID).Str("event", ev.Type).Msg("failed to produce peer event")
	}
}

// route delivers f to f.Dst on this node or publishes it to the owning
// node. Undeliverable frames are bounced back to the sender.
func (b *Broker) route(ctx context.Context, f *domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	if found, delivered := b.hub.SendToPeer(f.Dst, data); found {
		if !delivered {
			b.metrics.ForwardFailures.WithLabelValues(ReasonSlowConsumer).Inc()
			return
		}
		b.metrics.Forwarded.WithLabelValues(f.Type, "local").Inc()
		if f.Type == domain.FrameOpen || f.Type == domain.FrameAccept {
			b.hub.Link(f.Dst, f.Src)
		}
		return
	}

	node, err := b.registry.Lookup(ctx, f.Dst)
	if err != nil || node == b.nodeID {
		reason := ReasonUnavailable
		if err != nil && !errors.Is(err, domain.ErrPeerUnavailable) {
			reason = ReasonLookup
		}
		b.metrics.ForwardFailures.WithLabelValues(reason).Inc()
		b.bounce(ctx, f)
		return
	}

	ev, err := pubsub.NewEvent(pubsub.EventFrame, b.nodeID, f.Dst, pubsub.FramePayload{Dst: f.Dst, Frame: data})
	if err == nil {
		err = b.ps.Publish(ctx, pubsub.NodeFramesChannel(node), ev)
	}
	if err != nil {
		l := pkglog.L()
		l.Error().Err(err).Str(pkglog.FieldDst, f.Dst).Str(pkglog.FieldNode, node).Msg("failed to publish frame")
		b.metrics.ForwardFailures.WithLabelValues(ReasonPublish).Inc()
		b.bounce(ctx, f)
		return
	}
	b.metrics.Forwarded.WithLabelValues(f.Type, "remote").Inc()
}

// bounce tells the sender of f that its destination is gone. Error and
// close frames are never bounced.
func (b *Broker) bounce(ctx context.Context, f *domain.Frame) {
	if f.Type == domain.FrameError || f.Type == domain.FrameClose || f.Src == "" {
		return
	}
	e := domain.NewErrorFrame(domain.ErrCodeUnavailable, "peer unavailable: "+f.Dst, f.Conn)
	e.Src = f.Dst
	e.Dst = f.Src
	b.route(ctx, e)
}

// notifyGone sends peer_gone for peer to every linked peer, publishing one
// event per remote node.
func (b *Broker) notifyGone(ctx context.Context, peer string, links []string) {
	if len(links) == 0 {
		return
	}
	data, _ := json.Marshal(domain.Frame{Type: domain.FramePeerGone, Src: peer})

	remote := make(map[string][]string)
	for _, link := range links {
		if found, _ := b.hub.SendToPeer(link, data); found {
			continue
		}
		node, err := b.registry.Lookup(ctx, link)
		if err != nil || node == b.nodeID {
			continue
		}
		remote[node] = append(remote[node], link)
	}

	for node, peers := range remote {
		ev, err := pubsub.NewEvent(pubsub.EventPeerGone, b.nodeID, peer, pubsub.PeerGonePayload{Peer: peer, Links: peers})
		if err != nil {
			continue
		}
		if err := b.ps.Publish(ctx, pubsub.NodeFramesChannel(node), ev); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str(pkglog.FieldNode, node).Msg("failed to publish peer_gone")
		}
	}
}

// handleRemote processes an event published to this node by another node.
func (b *Broker) handleRemote(ctx context.Context, ev *pubsub.Event) {
	l := pkglog.L().With().Str("origin", ev.Origin).Logger()
	b.metrics.RemoteLatency.Observe(ev.Age().Seconds())

	switch ev.Type {
	case pubsub.EventFrame:
		p, err := pubsub.DecodePayload[pubsub.FramePayload](ev)
		if err != nil {
			l.Warn().Err(err).Msg("invalid frame event")
			return
		}
		var f domain.Frame
		if err := json.Unmarshal(p.Frame, &f); err != nil {
			l.Warn().Err(err).Msg("invalid forwarded frame")
			return
		}

		found, delivered := b.hub.SendToPeer(p.Dst, p.Frame)
		switch {
		case !found:
			b.metrics.ForwardFailures.WithLabelValues(ReasonUnavailable).Inc()
			b.bounce(ctx, &f)
		case !delivered:
			b.metrics.ForwardFailures.WithLabelValues(ReasonSlowConsumer).Inc()
		default:
			b.metrics.Forwarded.WithLabelValues(f.Type, "local").Inc()
			if f.Type == domain.FrameOpen || f.Type == domain.FrameAccept {
				b.hub.Link(p.Dst, f.Src)
			}
		}

	case pubsub.EventPeerGone:
		p, err := pubsub.DecodePayload[pubsub.PeerGonePayload](ev)
		if err != nil {
			l.Warn().Err(err).Msg("invalid peer_gone event")
			return
		}
		data, _ := json.Marshal(domain.Frame{Type: domain.FramePeerGone, Src: p.Peer})
		for _, link := range p.Links {
			b.hub.SendToPeer(link, data)
			b.hub.Unlink(link, p.Peer)
		}
	}
}

func (b *Broker) reply(client *Client, f *domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	b.hub.SendToClient(client, data)
}
