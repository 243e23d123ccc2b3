// Package transport defines the point-to-point connection used between
// canvas peers and provides an in-memory pipe and a WebRTC data channel
// implementation.
package transport

// DefaultBuffer is the per-direction queue length used when none is given.
const DefaultBuffer = 256

// Conn is a bidirectional, message-oriented connection to one remote peer.
// Messages arrive in the order the remote sent them.
type Conn interface {
	// RemoteID is the peer identifier of the other end.
	RemoteID() string

	// Send enqueues msg without blocking. It fails with
	// domain.ErrSendBufferFull when the peer is not keeping up and with
	// domain.ErrConnClosed after the connection closed.
	Send(msg []byte) error

	// Inbound yields messages from the remote. It is closed once the
	// connection closes.
	Inbound() <-chan []byte

	// Done is closed when the connection closes for any reason.
	Done() <-chan struct{}

	// Err reports why the connection closed. It is nil while open and
	// after a local Close.
	Err() error

	// Close shuts the connection down. It is safe to call more than once.
	Close() error
}
