package transport

import "github.com/weiawesome/wes-io-canvas/internal/domain"

// PipeConn is one end of an in-memory connection created by Pipe.
type PipeConn struct {
	*base
}

// Pipe returns two connected ends. a talks to the peer named bID and b to
// the peer named aID. Closing either end closes both; the other end then
// reports domain.ErrConnClosed from Err.
func Pipe(aID, bID string, buffer int) (*PipeConn, *PipeConn) {
	a := &PipeConn{}
	b := &PipeConn{}

	a.base = newBase(bID, buffer, func(msg []byte) error {
		if !b.deliver(msg) {
			return domain.ErrConnClosed
		}
		return nil
	})
	b.base = newBase(aID, buffer, func(msg []byte) error {
		if !a.deliver(msg) {
			return domain.ErrConnClosed
		}
		return nil
	})

	a.onClose = func(reason error) { b.shutdown(remoteReason(reason)) }
	b.onClose = func(reason error) { a.shutdown(remoteReason(reason)) }

	return a, b
}

// Fail closes both ends as if the medium broke, so both report err.
func (p *PipeConn) Fail(err error) {
	p.shutdown(err)
}

// remoteReason is what the far end of a pipe sees: a local Close is a
// plain remote hang-up, a failure propagates as is.
func remoteReason(reason error) error {
	if reason == nil {
		return domain.ErrConnClosed
	}
	return reason
}
