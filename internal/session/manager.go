// Package session owns the process's collaborative session: whether it hosts
// a room, guests in one, or draws alone, and the connections that go with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/identity"
	"github.com/weiawesome/wes-io-canvas/internal/relay"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("session closed")

// Manager is the session state machine. HostRoom and JoinRoom start mode
// changes; the loop goroutine records them and owns every connection.
type Manager struct {
	provider identity.Provider
	relay    *relay.Relay
	opts     options
	logger   zerolog.Logger

	mu       sync.Mutex
	mode     domain.Mode
	starting bool
	roomID   string
	endpoint identity.Endpoint
	guestIDs []string

	// loop inputs
	attach   chan attachMsg
	accepted chan transport.Conn
	inbound  chan inboundMsg
	gone     chan transport.Conn
	draws    chan drawMsg

	events    chan StateEvent
	closed    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

type attachMsg struct {
	mode     domain.Mode
	room     string
	endpoint identity.Endpoint
	upstream transport.Conn
	logger   zerolog.Logger
	done     chan struct{}
}

type inboundMsg struct {
	conn transport.Conn
	data []byte
}

type drawMsg struct {
	ctx   context.Context
	ev    domain.DrawEvent
	reply chan relay.Result
}

// New creates an Unconnected session that applies events to sink.
func New(provider identity.Provider, sink relay.Sink, opts ...Option) *Manager {
	o := options{
		joinTimeout:   DefaultJoinTimeout,
		retryInterval: DefaultRetryInterval,
		eventBuffer:   DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := pkglog.L()
	if o.logger != nil {
		logger = *o.logger
	}

	relayOpts := []relay.Option{relay.WithLogger(logger)}
	if o.tracer != nil {
		relayOpts = append(relayOpts, relay.WithTracer(o.tracer))
	}

	m := &Manager{
		provider: provider,
		relay:    relay.New(sink, relayOpts...),
		opts:     o,
		logger:   logger,
		attach:   make(chan attachMsg),
		accepted: make(chan transport.Conn),
		inbound:  make(chan inboundMsg, 64),
		gone:     make(chan transport.Conn),
		draws:    make(chan drawMsg),
		events:   make(chan StateEvent, o.eventBuffer),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go m.run()
	return m
}

// Mode reports the current mode.
func (m *Manager) Mode() domain.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// RoomID is the hosted or joined room, empty while Unconnected.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// LocalID is the registered peer id, empty while Unconnected.
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == nil {
		return ""
	}
	return m.endpoint.ID()
}

// Guests returns the connected guest ids, sorted.
func (m *Manager) Guests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.guestIDs...)
}

// Events delivers state changes. It is closed by Close. Events are dropped
// when the buffer is full.
func (m *Manager) Events() <-chan StateEvent {
	return m.events
}

// begin reserves the single Unconnected -> active transition.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if m.mode.Active() || m.starting {
		return fmt.Errorf("%w: mode %s", domain.ErrAlreadyActive, m.mode)
	}
	m.starting = true
	return nil
}

func (m *Manager) abort() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

// commit hands the topology to the loop, which records the new mode. If the
// manager closed meanwhile the endpoint is released, the mode stays
// Unconnected and ErrClosed is returned.
func (m *Manager) commit(mode domain.Mode, room string, ep identity.Endpoint, upstream transport.Conn) error {
	logger := pkglog.WithPeer(m.logger, room, ep.ID())
	msg := attachMsg{
		mode:     mode,
		room:     room,
		endpoint: ep,
		upstream: upstream,
		logger:   logger,
		done:     make(chan struct{}),
	}
	select {
	case m.attach <- msg:
		<-msg.done
	case <-m.closed:
		if upstream != nil {
			upstream.Close()
		}
		ep.Close()
		m.abort()
		return ErrClosed
	}

	go m.acceptLoop(ep)
	logger.Info().Str(pkglog.FieldMode, mode.String()).Msg("session active")
	return nil
}

// HostRoom registers the room's peer id and starts accepting guests.
func (m *Manager) HostRoom(ctx context.Context, roomID string) error {
	if err := domain.CheckRoomID(roomID); err != nil {
		return err
	}
	if err := m.begin(); err != nil {
		return err
	}

	ep, err := m.provider.Register(ctx, domain.PeerIDForRoom(roomID))
	if err != nil {
		m.abort()
		return fmt.Errorf("host room %s: %w", roomID, err)
	}
	if err := ctx.Err(); err != nil {
		ep.Close()
		m.abort()
		return err
	}

	return m.commit(domain.Hosting, roomID, ep, nil)
}

// JoinRoom registers a free peer id and connects to the room's host. It
// keeps retrying while the host is not registered and fails with
// ErrHostUnreachable once the join timeout passes. Cancelling ctx aborts the
// attempt and releases the registration.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	if err := domain.CheckRoomID(roomID); err != nil {
		return err
	}
	if err := m.begin(); err != nil {
		return err
	}

	jctx, cancel := context.WithTimeout(ctx, m.opts.joinTimeout)
	defer cancel()

	ep, err := m.provider.Register(jctx, "")
	if err != nil {
		m.abort()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: room %s: %v", domain.ErrHostUnreachable, roomID, err)
		}
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	conn, err := m.dialHost(jctx, ep, domain.PeerIDForRoom(roomID))
	if err != nil {
		ep.Close()
		m.abort()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: room %s: %v", domain.ErrHostUnreachable, roomID, err)
	}

	return m.commit(domain.Guesting, roomID, ep, conn)
}

func (m *Manager) dialHost(ctx context.Context, ep identity.Endpoint, hostID string) (transport.Conn, error) {
	for {
		conn, err := ep.Connect(ctx, hostID)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, domain.ErrPeerUnavailable) {
			return nil, err
		}

		t := time.NewTimer(m.opts.retryInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, err
		}
	}
}

// Draw handles a locally produced event: it is applied locally and sent to
// the guests or the host depending on the mode.
func (m *Manager) Draw(ctx context.Context, ev domain.DrawEvent) (relay.Result, error) {
	if err := ev.Validate(); err != nil {
		return relay.Result{}, err
	}

	msg := drawMsg{ctx: ctx, ev: ev.Clone(), reply: make(chan relay.Result, 1)}
	select {
	case m.draws <- msg:
	case <-m.closed:
		return relay.Result{}, ErrClosed
	case <-ctx.Done():
		return relay.Result{}, ctx.Err()
	}
	return <-msg.reply, nil
}

// Close drops every connection and releases the registration. Queued
// outbound messages are discarded.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		<-m.loopDone

		m.mu.Lock()
		ep := m.endpoint
		m.guestIDs = nil
		m.mu.Unlock()
		if ep != nil {
			ep.Close()
		}
		close(m.events)
	})
	return nil
}

func (m *Manager) acceptLoop(ep identity.Endpoint) {
	for {
		select {
		case conn := <-ep.Accepted():
			select {
			case m.accepted <- conn:
			case <-m.closed:
				conn.Close()
				return
			}
		case <-m.closed:
			return
		}
	}
}

// readLoop forwards one connection's messages to the loop in arrival order
// and reports the connection once it closes.
func (m *Manager) readLoop(conn transport.Conn) {
	for data := range conn.Inbound() {
		select {
		case m.inbound <- inboundMsg{conn: conn, data: data}:
		case <-m.closed:
			return
		}
	}
	select {
	case m.gone <- conn:
	case <-m.closed:
	}
}
