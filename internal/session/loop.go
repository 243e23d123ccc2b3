package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/relay"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// loopState is owned by the run goroutine.
type loopState struct {
	topo   relay.Topology
	logger zerolog.Logger
}

func (m *Manager) run() {
	defer close(m.loopDone)

	st := &loopState{
		topo:   relay.Topology{Mode: domain.Unconnected, Guests: relay.NewGuestSet()},
		logger: m.logger,
	}
	ctx := context.Background()

	for {
		select {
		case msg := <-m.attach:
			m.mu.Lock()
			m.mode = msg.mode
			m.roomID = msg.room
			m.endpoint = msg.endpoint
			m.starting = false
			m.mu.Unlock()

			st.topo.Mode = msg.mode
			st.topo.Upstream = msg.upstream
			st.logger = msg.logger
			if msg.upstream != nil {
				go m.readLoop(msg.upstream)
			}
			close(msg.done)

		case conn := <-m.accepted:
			m.handleAccepted(st, conn)

		case in := <-m.inbound:
			m.handleInbound(ctx, st, in)

		case conn := <-m.gone:
			m.handleGone(st, conn)

		case d := <-m.draws:
			res := m.relay.Originate(d.ctx, st.topo, d.ev)
			m.dropSlowGuests(st, res)
			d.reply <- res

		case <-m.closed:
			for _, c := range st.topo.Guests.Clear() {
				c.Close()
			}
			if st.topo.Upstream != nil {
				st.topo.Upstream.Close()
			}
			return
		}
	}
}

func (m *Manager) handleAccepted(st *loopState, conn transport.Conn) {
	if st.topo.Mode != domain.Hosting {
		st.logger.Warn().Str(pkglog.FieldRemoteID, conn.RemoteID()).Msg("rejecting connection while not hosting")
		conn.Close()
		return
	}

	if old := st.topo.Guests.Add(conn); old != nil {
		old.Close()
	}
	go m.readLoop(conn)
	m.publishGuests(st)

	st.logger.Info().Str(pkglog.FieldRemoteID, conn.RemoteID()).
		Int("guests", st.topo.Guests.Len()).Msg("guest joined")
	m.emit(StateEvent{Type: EventGuestJoined, PeerID: conn.RemoteID(), Mode: st.topo.Mode})
}

func (m *Manager) handleInbound(ctx context.Context, st *loopState, in inboundMsg) {
	if !m.current(st, in.conn) {
		return
	}

	ev, err := domain.DecodeDrawEvent(in.data)
	if err != nil {
		st.logger.Warn().Err(err).Str(pkglog.FieldRemoteID, in.conn.RemoteID()).Msg("dropping malformed draw event")
		m.emit(StateEvent{Type: EventMalformed, PeerID: in.conn.RemoteID(), Mode: st.topo.Mode, Err: err})
		return
	}

	res := m.relay.Receive(ctx, st.topo, in.conn.RemoteID(), ev)
	m.dropSlowGuests(st, res)
}

func (m *Manager) handleGone(st *loopState, conn transport.Conn) {
	switch {
	case st.topo.Mode == domain.Hosting:
		if !st.topo.Guests.Remove(conn) {
			return
		}
		m.publishGuests(st)
		st.logger.Info().Err(conn.Err()).Str(pkglog.FieldRemoteID, conn.RemoteID()).
			Int("guests", st.topo.Guests.Len()).Msg("guest left")
		m.emit(StateEvent{Type: EventGuestLeft, PeerID: conn.RemoteID(), Mode: st.topo.Mode, Err: conn.Err()})

	case st.topo.Mode == domain.Guesting && conn == st.topo.Upstream:
		st.topo.Mode = domain.HostDisconnected
		st.topo.Upstream = nil

		m.mu.Lock()
		m.mode = domain.HostDisconnected
		m.mu.Unlock()

		st.logger.Warn().Err(conn.Err()).Str(pkglog.FieldRemoteID, conn.RemoteID()).Msg("host disconnected")
		m.emit(StateEvent{Type: EventHostDisconnected, PeerID: conn.RemoteID(), Mode: domain.HostDisconnected, Err: conn.Err()})
	}
}

// current reports whether conn is still part of the topology.
func (m *Manager) current(st *loopState, conn transport.Conn) bool {
	if conn == st.topo.Upstream {
		return true
	}
	c, ok := st.topo.Guests.Get(conn.RemoteID())
	return ok && c == conn
}

// dropSlowGuests closes guests whose send queue overflowed. Their readLoop
// then reports them gone.
func (m *Manager) dropSlowGuests(st *loopState, res relay.Result) {
	if st.topo.Mode != domain.Hosting {
		return
	}
	for _, f := range res.Failures {
		if !errors.Is(f.Err, domain.ErrSendBufferFull) {
			continue
		}
		if c, ok := st.topo.Guests.Get(f.PeerID); ok {
			st.logger.Warn().Str(pkglog.FieldRemoteID, f.PeerID).Msg("dropping slow guest")
			c.Close()
		}
	}
}

func (m *Manager) publishGuests(st *loopState) {
	ids := st.topo.Guests.IDs()
	sort.Strings(ids)

	m.mu.Lock()
	m.guestIDs = ids
	m.mu.Unlock()
}

func (m *Manager) emit(ev StateEvent) {
	ev.At = time.Now()
	select {
	case m.events <- ev:
	default:
		m.logger.Debug().Str("event", string(ev.Type)).Msg("state event dropped")
	}
}
