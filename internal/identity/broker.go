package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// DefaultHandshakeTimeout bounds dialing the broker and a direct link's
// offer/answer exchange.
const DefaultHandshakeTimeout = 15 * time.Second

// BrokerOptions configures a BrokerProvider.
type BrokerOptions struct {
	// URL is the broker's WebSocket endpoint, e.g. ws://localhost:9000/ws.
	URL string
	// Direct opens outgoing connections as WebRTC data channels and uses
	// the broker only to exchange SDP.
	Direct           bool
	ICEServers       []transport.ICEServer
	WebSocket        config.WebSocketConfig
	Buffer           int
	HandshakeTimeout time.Duration
}

// BrokerProvider registers identities with a rendezvous broker. Connections
// are relayed through the broker socket unless Direct is set.
type BrokerProvider struct {
	opts   BrokerOptions
	dialer *websocket.Dialer
	rtc    *transport.RTC
}

func NewBrokerProvider(opts BrokerOptions) *BrokerProvider {
	if opts.WebSocket.MaxMessageSize == 0 {
		opts.WebSocket = config.DefaultWebSocket()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = transport.DefaultBuffer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &BrokerProvider{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		rtc: transport.NewRTC(opts.ICEServers, opts.Buffer),
	}
}

// Register opens a broker socket and claims desiredID on it. The id stays
// claimed until the endpoint closes.
func (p *BrokerProvider) Register(ctx context.Context, desiredID string) (Endpoint, error) {
	ws, _, err := p.dialer.DialContext(ctx, p.opts.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial broker: %v", domain.ErrTransport, err)
	}

	id, err := p.handshake(ctx, ws, desiredID)
	if err != nil {
		ws.Close()
		return nil, err
	}

	e := &brokerEndpoint{
		p:        p,
		id:       id,
		ws:       ws,
		logger:   pkglog.L().With().Str(pkglog.FieldPeerID, id).Logger(),
		out:      make(chan []byte, p.opts.WebSocket.SendBuffer),
		accepted: make(chan transport.Conn, 16),
		closed:   make(chan struct{}),
		relayed:  make(map[string]*transport.FramedConn),
		pending:  make(map[string]*pendingOpen),
		direct:   newConnSet(),
	}
	go e.writeLoop()
	go e.readLoop()
	return e, nil
}

func (p *BrokerProvider) handshake(ctx context.Context, ws *websocket.Conn, desiredID string) (string, error) {
	ws.SetReadDeadline(time.Now().Add(p.opts.HandshakeTimeout))
	ws.SetWriteDeadline(time.Now().Add(p.opts.WebSocket.WriteWait))
	stop := context.AfterFunc(ctx, func() {
		ws.SetReadDeadline(time.Now())
	})

	id, err := p.register(ws, desiredID)
	if !stop() {
		return "", ctx.Err()
	}
	return id, err
}

func (p *BrokerProvider) register(ws *websocket.Conn, desiredID string) (string, error) {
	if err := ws.WriteJSON(domain.Frame{Type: domain.FrameRegister, ID: desiredID}); err != nil {
		return "", fmt.Errorf("%w: register: %v", domain.ErrTransport, err)
	}
	for {
		var f domain.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return "", fmt.Errorf("%w: register: %v", domain.ErrTransport, err)
		}
		switch f.Type {
		case domain.FrameRegistered:
			return f.ID, nil
		case domain.FrameError:
			if f.Code == domain.ErrCodeIDTaken {
				return "", fmt.Errorf("%w: %s", domain.ErrIdentifierTaken, desiredID)
			}
			return "", fmt.Errorf("%w: register: %s: %s", domain.ErrTransport, f.Code, f.Message)
		}
	}
}

type pendingOpen struct {
	remoteID string
	direct   bool
	result   chan openResult
}

type openResult struct {
	sdp  string
	conn transport.Conn
	err  error
}

type brokerEndpoint struct {
	p      *BrokerProvider
	id     string
	ws     *websocket.Conn
	logger zerolog.Logger

	out       chan []byte
	accepted  chan transport.Conn
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	relayed map[string]*transport.FramedConn
	pending map[string]*pendingOpen
	direct  connSet
}

func (e *brokerEndpoint) ID() string { return e.id }

func (e *brokerEndpoint) Accepted() <-chan transport.Conn { return e.accepted }

func (e *brokerEndpoint) Connect(ctx context.Context, remoteID string) (transport.Conn, error) {
	if remoteID == e.id {
		return nil, fmt.Errorf("%w: %s is this endpoint", domain.ErrPeerUnavailable, remoteID)
	}
	if e.p.opts.Direct {
		return e.connectDirect(ctx, remoteID)
	}

	connID := uuid.New().String()
	po := e.expect(connID, remoteID, false)
	if err := e.writeFrame(&domain.Frame{Type: domain.FrameOpen, Conn: connID, Dst: remoteID}); err != nil {
		e.forget(connID)
		return nil, err
	}
	res, err := e.await(ctx, connID, po)
	if err != nil {
		return nil, err
	}
	return res.conn, nil
}

func (e *brokerEndpoint) connectDirect(ctx context.Context, remoteID string) (transport.Conn, error) {
	dial, err := e.p.rtc.Dial(ctx, remoteID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	connID := uuid.New().String()
	po := e.expect(connID, remoteID, true)
	if err := e.writeFrame(&domain.Frame{Type: domain.FrameOpen, Conn: connID, Dst: remoteID, SDP: dial.Offer()}); err != nil {
		e.forget(connID)
		dial.Abort()
		return nil, err
	}
	res, err := e.await(ctx, connID, po)
	if err != nil {
		dial.Abort()
		return nil, err
	}

	conn, err := dial.Complete(ctx, res.sdp)
	if err != nil {
		return nil, err
	}
	if !e.track(conn) {
		return nil, domain.ErrConnClosed
	}
	e.logger.Debug().Str(pkglog.FieldRemoteID, remoteID).Msg("direct link open")
	return conn, nil
}

// expect records an open awaiting the remote's accept.
func (e *brokerEndpoint) expect(connID, remoteID string, direct bool) *pendingOpen {
	po := &pendingOpen{remoteID: remoteID, direct: direct, result: make(chan openResult, 1)}
	e.mu.Lock()
	e.pending[connID] = po
	e.mu.Unlock()
	return po
}

// forget drops a pending open. It reports false when a result was already
// posted.
func (e *brokerEndpoint) forget(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[connID]; !ok {
		return false
	}
	delete(e.pending, connID)
	return true
}

func (e *brokerEndpoint) await(ctx context.Context, connID string, po *pendingOpen) (openResult, error) {
	select {
	case res := <-po.result:
		return res, res.err
	case <-ctx.Done():
		if e.forget(connID) {
			e.sendClose(connID, po.remoteID)
		} else {
			select {
			case res := <-po.result:
				if res.conn != nil {
					res.conn.Close()
				}
			default:
			}
		}
		return openResult{}, ctx.Err()
	case <-e.closed:
		return openResult{}, domain.ErrConnClosed
	}
}

// resolveLocked posts the result of a pending open, if there is one. Callers
// hold e.mu.
func (e *brokerEndpoint) resolveLocked(connID string, res openResult) bool {
	po, ok := e.pending[connID]
	if !ok {
		return false
	}
	delete(e.pending, connID)
	po.result <- res
	return true
}

func (e *brokerEndpoint) addRelayedLocked(connID, remoteID string) *transport.FramedConn {
	var c *transport.FramedConn
	c = transport.NewFramedConn(remoteID, e.p.opts.Buffer,
		func(msg []byte) error {
			return e.writeFrame(&domain.Frame{Type: domain.FrameData, Conn: connID, Dst: remoteID, Payload: msg})
		},
		func(error) {
			if e.dropRelayed(connID, c) {
				e.sendClose(connID, remoteID)
			}
		})
	e.relayed[connID] = c
	return c
}

func (e *brokerEndpoint) dropRelayed(connID string, c *transport.FramedConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relayed[connID] != c {
		return false
	}
	delete(e.relayed, connID)
	return true
}

// track remembers a direct conn until it closes so Close can tear it down.
func (e *brokerEndpoint) track(c transport.Conn) bool {
	e.mu.Lock()
	select {
	case <-e.closed:
		e.mu.Unlock()
		c.Close()
		return false
	default:
	}
	e.direct.add(c)
	e.mu.Unlock()

	go func() {
		<-c.Done()
		e.mu.Lock()
		e.direct.remove(c)
		e.mu.Unlock()
	}()
	return true
}

// offer hands an inbound connection to the endpoint's owner.
func (e *brokerEndpoint) offer(c transport.Conn) {
	select {
	case e.accepted <- c:
	case <-e.closed:
		c.Close()
	}
}

func (e *brokerEndpoint) writeFrame(f *domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-e.closed:
		return domain.ErrConnClosed
	default:
	}
	select {
	case e.out <- data:
		return nil
	case <-e.closed:
		return domain.ErrConnClosed
	}
}

func (e *brokerEndpoint) sendClose(connID, remoteID string) {
	e.writeFrame(&domain.Frame{Type: domain.FrameClose, Conn: connID, Dst: remoteID})
}

func (e *brokerEndpoint) readLoop() {
	cfg := e.p.opts.WebSocket
	e.ws.SetReadLimit(cfg.MaxMessageSize)
	e.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	e.ws.SetPongHandler(func(string) error {
		e.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, data, err := e.ws.ReadMessage()
		if err != nil {
			e.shutdown(fmt.Errorf("%w: broker connection: %v", domain.ErrTransport, err))
			return
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			e.logger.Warn().Err(err).Msg("invalid broker frame")
			continue
		}
		e.dispatch(&f)
	}
}

func (e *brokerEndpoint) dispatch(f *domain.Frame) {
	switch f.Type {
	case domain.FrameOpen:
		if f.SDP != "" {
			go e.answerDirect(f)
			return
		}
		e.mu.Lock()
		c := e.addRelayedLocked(f.Conn, f.Src)
		e.mu.Unlock()
		if err := e.writeFrame(&domain.Frame{Type: domain.FrameAccept, Conn: f.Conn, Dst: f.Src}); err != nil {
			c.Fail(err)
			return
		}
		e.offer(c)

	case domain.FrameAccept:
		e.mu.Lock()
		po, ok := e.pending[f.Conn]
		if !ok {
			e.mu.Unlock()
			e.sendClose(f.Conn, f.Src)
			return
		}
		res := openResult{sdp: f.SDP}
		if !po.direct {
			res.conn = e.addRelayedLocked(f.Conn, f.Src)
		}
		e.resolveLocked(f.Conn, res)
		e.mu.Unlock()

	case domain.FrameData:
		e.mu.Lock()
		c := e.relayed[f.Conn]
		e.mu.Unlock()
		if c == nil {
			return
		}
		// The read loop serves every conn on this socket, so a consumer
		// that stops reading loses its conn instead of stalling the rest.
		if err := c.TryDeliver(f.Payload); errors.Is(err, domain.ErrSendBufferFull) {
			e.logger.Warn().Err(err).Str(pkglog.FieldRemoteID, c.RemoteID()).Msg("closing stalled relayed connection")
			c.Fail(err)
		}

	case domain.FrameClose:
		e.endConn(f.Conn, domain.ErrConnClosed,
			fmt.Errorf("%w: %s refused the connection", domain.ErrPeerUnavailable, f.Src))

	case domain.FrameError:
		if f.Conn == "" {
			e.logger.Warn().Str("code", f.Code).Str("message", f.Message).Msg("broker error")
			return
		}
		err := fmt.Errorf("%w: %s", domain.ErrTransport, f.Message)
		if f.Code == domain.ErrCodeUnavailable {
			err = fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, f.Src)
		}
		e.endConn(f.Conn, err, err)

	case domain.FramePeerGone:
		e.peerGone(f.Src)

	case domain.FramePong, domain.FrameRegistered:
	}
}

// endConn closes the relayed conn connID with reason, or fails its pending
// open with openErr.
func (e *brokerEndpoint) endConn(connID string, reason, openErr error) {
	e.mu.Lock()
	e.resolveLocked(connID, openResult{err: openErr})
	c := e.relayed[connID]
	delete(e.relayed, connID)
	e.mu.Unlock()

	if c != nil {
		c.Fail(reason)
	}
}

func (e *brokerEndpoint) peerGone(peer string) {
	var gone []*transport.FramedConn

	e.mu.Lock()
	for id, c := range e.relayed {
		if c.RemoteID() == peer {
			gone = append(gone, c)
			delete(e.relayed, id)
		}
	}
	for id, po := range e.pending {
		if po.remoteID == peer {
			e.resolveLocked(id, openResult{err: fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, peer)})
		}
	}
	e.mu.Unlock()

	for _, c := range gone {
		c.Fail(domain.ErrConnClosed)
	}
	if len(gone) > 0 {
		e.logger.Info().Str(pkglog.FieldRemoteID, peer).Int("conns", len(gone)).Msg("peer gone")
	}
}

func (e *brokerEndpoint) answerDirect(f *domain.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), e.p.opts.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	l := e.logger.With().Str(pkglog.FieldRemoteID, f.Src).Str(pkglog.FieldConnID, f.Conn).Logger()

	ans, err := e.p.rtc.Answer(ctx, f.Src, f.SDP)
	if err != nil {
		l.Warn().Err(err).Msg("failed to answer direct link")
		e.sendClose(f.Conn, f.Src)
		return
	}
	if err := e.writeFrame(&domain.Frame{Type: domain.FrameAccept, Conn: f.Conn, Dst: f.Src, SDP: ans.SDP()}); err != nil {
		ans.Abort()
		return
	}
	conn, err := ans.Wait(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("direct link did not open")
		return
	}
	if !e.track(conn) {
		return
	}
	l.Debug().Msg("direct link accepted")
	e.offer(conn)
}

func (e *brokerEndpoint) writeLoop() {
	cfg := e.p.opts.WebSocket
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-e.out:
			e.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := e.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				e.shutdown(fmt.Errorf("%w: broker write: %v", domain.ErrTransport, err))
				return
			}
		case <-ticker.C:
			e.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := e.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				e.shutdown(fmt.Errorf("%w: broker ping: %v", domain.ErrTransport, err))
				return
			}
		case <-e.closed:
			return
		}
	}
}

func (e *brokerEndpoint) Close() error {
	e.shutdown(nil)
	return nil
}

// shutdown closes the broker socket, which releases the id, and every
// connection made through it. reason is nil for a local Close.
func (e *brokerEndpoint) shutdown(reason error) {
	e.closeOnce.Do(func() {
		close(e.closed)

		e.mu.Lock()
		relayed := e.relayed
		e.relayed = make(map[string]*transport.FramedConn)
		e.pending = make(map[string]*pendingOpen)
		direct := e.direct
		e.direct = newConnSet()
		e.mu.Unlock()

		for _, c := range relayed {
			if reason != nil {
				c.Fail(reason)
			} else {
				c.Close()
			}
		}
		direct.closeAll()

		if reason != nil {
			e.logger.Warn().Err(reason).Msg("broker connection lost")
		}
		deadline := time.Now().Add(e.p.opts.WebSocket.WriteWait)
		e.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		e.ws.Close()
	})
}
