package domain

// Broker frame types from peer to broker.
const (
	FrameRegister = "register"
	FrameOpen     = "open"
	FrameAccept   = "accept"
	FrameData     = "data"
	FrameClose    = "close"
	FramePing     = "ping"
)

// Broker frame types from broker to peer. open/accept/data/close are also
// delivered, stamped with Src.
const (
	FrameRegistered = "registered"
	FramePeerGone   = "peer_gone"
	FrameError      = "error"
	FramePong       = "pong"
)

// Error codes carried by error frames.
const (
	ErrCodeIDTaken       = "ID_TAKEN"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotRegistered = "NOT_REGISTERED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// Frame is the single envelope exchanged with the rendezvous broker. The
// broker routes on Dst and never looks inside Payload.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Conn    string `json:"conn,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	SDP     string `json:"sdp,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewErrorFrame creates a new error frame.
func NewErrorFrame(code, message, conn string) *Frame {
	return &Frame{
		Type:    FrameError,
		Code:    code,
		Message: message,
		Conn:    conn,
	}
}
