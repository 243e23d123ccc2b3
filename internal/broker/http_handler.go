package broker

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/peerid"
	"github.com/weiawesome/wes-io-canvas/pkg/log"
	"github.com/weiawesome/wes-io-canvas/pkg/response"
)

// Router builds the broker's HTTP surface.
func (b *Broker) Router(logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(logger))

	r.GET("/health", b.Health)
	r.GET("/ws", func(c *gin.Context) {
		b.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/id", b.NewPeerID)
		api.GET("/rooms/:room", b.GetRoom)
		api.GET("/ice-servers", b.ICEServers)
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "no such route")
	})
	return r
}

// Health reports liveness and how many peers this node serves.
func (b *Broker) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":  "ok",
		"node_id": b.nodeID,
		"peers":   b.hub.PeerCount(),
	})
}

// NewPeerID hands out a fresh identifier a peer may register with. The
// kind query parameter picks the scheme.
func (b *Broker) NewPeerID(c *gin.Context) {
	kind := peerid.Kind(c.Query("kind"))
	gen, err := b.peerIDs.Get(kind)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, err := gen.Generate()
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str("kind", string(kind)).Msg("peer id generation failed")
		response.InternalError(c, "could not generate a peer id")
		return
	}
	response.Success(c, gin.H{"id": id, "kinds": b.peerIDs.Kinds()})
}

// GetRoom reports whether a host is registered for the room.
func (b *Broker) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	room := c.Param("room")
	if err := domain.CheckRoomID(room); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	peerID := domain.PeerIDForRoom(room)
	c.Set(log.FieldPeerID, peerID)
	node, err := b.registry.Lookup(ctx, peerID)
	switch {
	case errors.Is(err, domain.ErrPeerUnavailable):
		response.Success(c, gin.H{"room": room, "peer_id": peerID, "hosted": false})
	case err != nil:
		l.Error().Err(err).Str(log.FieldRoomID, room).Msg("room lookup failed")
		response.Unavailable(c, "registry unavailable")
	default:
		response.Success(c, gin.H{"room": room, "peer_id": peerID, "hosted": true, "node_id": node})
	}
}

// ICEServers returns the STUN/TURN servers peers should use for direct
// connections.
func (b *Broker) ICEServers(c *gin.Context) {
	response.Success(c, gin.H{"ice_servers": b.ice.Servers(c.Request.Context())})
}
