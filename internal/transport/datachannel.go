package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
)

// DataChannelLabel names the channel canvas peers open.
const DataChannelLabel = "canvas"

// DataChannelConn is a Conn over an ordered, reliable WebRTC data channel.
type DataChannelConn struct {
	*base
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	opened   chan struct{}
	openOnce sync.Once
}

func newDataChannelConn(remoteID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, buffer int) *DataChannelConn {
	c := &DataChannelConn{
		pc:     pc,
		dc:     dc,
		opened: make(chan struct{}),
	}
	c.base = newBase(remoteID, buffer, func(msg []byte) error {
		return dc.Send(msg)
	})
	c.onClose = func(error) {
		// pion callbacks may be running on the caller's stack.
		go func() {
			dc.Close()
			pc.Close()
		}()
	}

	dc.OnOpen(c.markOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.shutdown(domain.ErrConnClosed)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown(fmt.Errorf("%w: peer connection %s", domain.ErrTransport, state.String()))
		}
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
	return c
}

func (c *DataChannelConn) markOpen() {
	c.openOnce.Do(func() { close(c.opened) })
}

// waitOpen blocks until the channel is usable.
func (c *DataChannelConn) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return domain.ErrConnClosed
	case <-ctx.Done():
		c.shutdown(ctx.Err())
		return ctx.Err()
	}
}

// ICEServer is a STUN/TURN server handed to pion.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// RTC creates peer connections for direct canvas links. Signalling is left
// to the caller: offers and answers are complete SDP blobs (ICE gathering
// finishes before they are returned) so one round trip is enough.
type RTC struct {
	config webrtc.Configuration
	buffer int
}

// NewRTC creates an RTC factory using the given ICE servers.
func NewRTC(servers []ICEServer, buffer int) *RTC {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return &RTC{config: cfg, buffer: buffer}
}

// RTCDial is the offering side of a direct link in progress.
type RTCDial struct {
	conn  *DataChannelConn
	offer string
}

// Dial creates a peer connection with an ordered data channel and returns
// the gathered offer.
func (r *RTC) Dial(ctx context.Context, remoteID string) (*RTCDial, error) {
	pc, err := webrtc.NewPeerConnection(r.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	conn := newDataChannelConn(remoteID, pc, dc, r.buffer)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	sdp, err := gather(ctx, pc, offer)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &RTCDial{conn: conn, offer: sdp}, nil
}

// Offer is the SDP to send to the remote peer.
func (d *RTCDial) Offer() string { return d.offer }

// Complete applies the remote answer and waits for the channel to open.
func (d *RTCDial) Complete(ctx context.Context, answer string) (Conn, error) {
	err := d.conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		d.conn.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	if err := d.conn.waitOpen(ctx); err != nil {
		return nil, err
	}
	return d.conn, nil
}

// Abort tears the pending link down.
func (d *RTCDial) Abort() {
	d.conn.Close()
}

// RTCAnswer is the answering side of a direct link in progress.
type RTCAnswer struct {
	pc     *webrtc.PeerConnection
	answer string
	conns  chan *DataChannelConn
}

// Answer applies a remote offer and returns the gathered answer. The
// connection becomes available through Wait once the remote's data channel
// opens.
func (r *RTC) Answer(ctx context.Context, remoteID, offer string) (*RTCAnswer, error) {
	pc, err := webrtc.NewPeerConnection(r.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	a := &RTCAnswer{pc: pc, conns: make(chan *DataChannelConn, 1)}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		select {
		case a.conns <- newDataChannelConn(remoteID, pc, dc, r.buffer):
		default:
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	sdp, err := gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	a.answer = sdp
	return a, nil
}

// SDP is the answer to send back to the offering peer.
func (a *RTCAnswer) SDP() string { return a.answer }

// Abort tears the pending link down.
func (a *RTCAnswer) Abort() {
	a.pc.Close()
}

// Wait blocks until the offering peer's data channel is open.
func (a *RTCAnswer) Wait(ctx context.Context) (Conn, error) {
	select {
	case conn := <-a.conns:
		if err := conn.waitOpen(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		a.pc.Close()
		return nil, ctx.Err()
	}
}

// gather sets the local description and waits for ICE gathering to finish,
// returning the complete SDP.
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}
