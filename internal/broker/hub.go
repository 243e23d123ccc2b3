package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// DisconnectHandler is called when a client's socket closes.
type DisconnectHandler func(*Client)

// Client is one peer WebSocket.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	// PeerID is set once by the client's read goroutine when it registers.
	PeerID string

	disconnectHandler DisconnectHandler
}

// SetDisconnectHandler sets the handler to be called on disconnect.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// Hub tracks sockets, registered peers and which peers have opened
// connections to each other.
type Hub struct {
	clients    map[string]*Client
	peers      map[string]*Client
	links      map[string]map[string]struct{} // peer -> peers it talks to
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	config     config.WebSocketConfig
	metrics    *Metrics
}

func NewHub(cfg config.WebSocketConfig, metrics *Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		peers:      make(map[string]*Client),
		links:      make(map[string]map[string]struct{}),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
		metrics:    metrics,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	l := pkglog.L()
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				h.metrics.Sockets.Dec()
				close(client.Send)
			}
			h.mu.Unlock()
			l.Debug().Str(pkglog.FieldConnID, client.ID).Msg("client unregistered")

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				h.metrics.Sockets.Dec()
				close(client.Send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every socket's send channel, which makes its WritePump
// close the connection, and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds client before its pumps start, so replies to its first
// frame always find it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		close(client.Send)
		return
	default:
	}
	h.clients[client.ID] = client
	h.metrics.Sockets.Inc()
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldConnID, client.ID).Msg("client registered")
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// AttachPeer makes client reachable under its PeerID.
func (h *Hub) AttachPeer(client *Client) {
	h.mu.Lock()
	h.peers[client.PeerID] = client
	h.mu.Unlock()
	h.metrics.Peers.Inc()
}

// DetachPeer removes client's peer id and returns the peers it was linked
// with. It returns nil if client is not the current owner of the id.
func (h *Hub) DetachPeer(client *Client) (links []string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, found := h.peers[client.PeerID]; !found || cur != client {
		return nil, false
	}
	delete(h.peers, client.PeerID)
	h.metrics.Peers.Dec()

	for other := range h.links[client.PeerID] {
		links = append(links, other)
		if set, ok := h.links[other]; ok {
			delete(set, client.PeerID)
			if len(set) == 0 {
				delete(h.links, other)
			}
		}
	}
	delete(h.links, client.PeerID)
	return links, true
}

// Link records that local peer a exchanges frames with b.
func (h *Hub) Link(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[a]; !ok {
		return
	}
	set, ok := h.links[a]
	if !ok {
		set = make(map[string]struct{})
		h.links[a] = set
	}
	set[b] = struct{}{}
}

// Unlink forgets the link from local peer a to b.
func (h *Hub) Unlink(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.links[a]; ok {
		delete(set, b)
		if len(set) == 0 {
			delete(h.links, a)
		}
	}
}

// HasPeer reports whether peerID is registered on this node.
func (h *Hub) HasPeer(peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[peerID]
	return ok
}

// PeerCount returns how many peers are registered on this node.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// SendToPeer queues data for a locally registered peer. found is false
// when the peer is not on this node; delivered is false when its send
// buffer was full, in which case the socket is unregistered and closed.
func (h *Hub) SendToPeer(peerID string, data []byte) (found, delivered bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.peers[peerID]
	if !ok {
		return false, false
	}
	if _, open := h.clients[client.ID]; !open {
		return false, false
	}
	select {
	case client.Send <- data:
		return true, true
	default:
		go h.removeClient(client)
		return true, false
	}
}

// SendToClient queues data for client if its socket is still open.
func (h *Hub) SendToClient(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if cur, ok := h.clients[client.ID]; !ok || cur != client {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		go h.removeClient(client)
		return false
	}
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}

// ReadPump pumps messages from the WebSocket connection to handler.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		// Call disconnect handler before unregistering
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := pkglog.L()
				l.Error().Err(err).Str(pkglog.FieldConnID, c.ID).Msg("websocket error")
			}
			break
		}

		handler(c, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
