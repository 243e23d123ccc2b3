package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
)

// Network is an in-process identity namespace. Endpoints registered on the
// same Network can connect to each other through in-memory pipes.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*netEndpoint
	buffer    int
	openDelay time.Duration
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithBuffer sets the per-direction queue length of created connections.
func WithBuffer(n int) NetworkOption {
	return func(nw *Network) { nw.buffer = n }
}

// WithOpenDelay delays every Connect, simulating connection setup time.
func WithOpenDelay(d time.Duration) NetworkOption {
	return func(nw *Network) { nw.openDelay = d }
}

// NewNetwork creates an empty namespace.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		endpoints: make(map[string]*netEndpoint),
		buffer:    transport.DefaultBuffer,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register claims an identifier on the network.
func (n *Network) Register(ctx context.Context, desiredID string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := desiredID
	if id == "" {
		id = uuid.New().String()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.endpoints[id]; taken {
		return nil, fmt.Errorf("%w: %s", domain.ErrIdentifierTaken, id)
	}
	e := &netEndpoint{
		net:      n,
		id:       id,
		accepted: make(chan transport.Conn, 16),
		closed:   make(chan struct{}),
		conns:    newConnSet(),
	}
	n.endpoints[id] = e
	return e, nil
}

// Registered reports whether id is currently claimed.
func (n *Network) Registered(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

func (n *Network) lookup(id string) *netEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

func (n *Network) release(e *netEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[e.id] == e {
		delete(n.endpoints, e.id)
	}
}

type netEndpoint struct {
	net      *Network
	id       string
	accepted chan transport.Conn
	closed   chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns connSet
}

func (e *netEndpoint) ID() string { return e.id }

func (e *netEndpoint) Accepted() <-chan transport.Conn { return e.accepted }

func (e *netEndpoint) Connect(ctx context.Context, remoteID string) (transport.Conn, error) {
	if d := e.net.openDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	select {
	case <-e.closed:
		return nil, domain.ErrConnClosed
	default:
	}

	target := e.net.lookup(remoteID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, remoteID)
	}

	local, far := transport.Pipe(e.id, remoteID, e.net.buffer)
	select {
	case target.accepted <- far:
	case <-target.closed:
		local.Close()
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, remoteID)
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}

	e.track(local)
	target.track(far)
	return local, nil
}

func (e *netEndpoint) Close() error {
	e.once.Do(func() {
		e.net.release(e)
		close(e.closed)

		e.mu.Lock()
		e.conns.closeAll()
		e.mu.Unlock()
	})
	return nil
}

// track remembers c until it closes so Close can tear it down.
func (e *netEndpoint) track(c transport.Conn) {
	e.mu.Lock()
	select {
	case <-e.closed:
		e.mu.Unlock()
		c.Close()
		return
	default:
	}
	e.conns.add(c)
	e.mu.Unlock()

	go func() {
		<-c.Done()
		e.mu.Lock()
		e.conns.remove(c)
		e.mu.Unlock()
	}()
}
