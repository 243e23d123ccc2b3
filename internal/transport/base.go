package transport

import (
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
)

// base holds the queueing and shutdown logic shared by Conn implementations.
// Outbound messages are written by one goroutine per connection so a slow
// remote never blocks Send; inbound messages are handed over by whatever
// single goroutine reads the underlying medium.
type base struct {
	remoteID string

	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}

	// inMu guards closing inbound against concurrent deliver calls.
	inMu     sync.RWMutex
	inClosed bool

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	write   func([]byte) error
	onClose func(reason error)
}

func newBase(remoteID string, buffer int, write func([]byte) error) *base {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b := &base{
		remoteID: remoteID,
		inbound:  make(chan []byte, buffer),
		outbound: make(chan []byte, buffer),
		done:     make(chan struct{}),
		write:    write,
	}
	go b.writeLoop()
	return b
}

func (b *base) RemoteID() string { return b.remoteID }

func (b *base) Inbound() <-chan []byte { return b.inbound }

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *base) Send(msg []byte) error {
	select {
	case <-b.done:
		return domain.ErrConnClosed
	default:
	}

	cp := append([]byte(nil), msg...)
	select {
	case b.outbound <- cp:
		return nil
	case <-b.done:
		return domain.ErrConnClosed
	default:
		return fmt.Errorf("%w: %s", domain.ErrSendBufferFull, b.remoteID)
	}
}

func (b *base) Close() error {
	b.shutdown(nil)
	return nil
}

// deliver hands one inbound message to the consumer, blocking until it is
// taken or the connection closes. It returns false once closed.
func (b *base) deliver(msg []byte) bool {
	b.inMu.RLock()
	defer b.inMu.RUnlock()

	if b.inClosed {
		return false
	}
	select {
	case b.inbound <- msg:
		return true
	case <-b.done:
		return false
	}
}

// shutdown closes the connection, recording reason as its error. Only the
// first call has any effect. onClose runs after the Once has returned so a
// hook that shuts down a linked connection may call back into this one.
func (b *base) shutdown(reason error) {
	first := false
	b.closeOnce.Do(func() {
		first = true

		b.errMu.Lock()
		b.err = reason
		b.errMu.Unlock()

		close(b.done)

		b.inMu.Lock()
		b.inClosed = true
		close(b.inbound)
		b.inMu.Unlock()
	})
	if first && b.onClose != nil {
		b.onClose(reason)
	}
}

// tryDeliver is deliver without blocking. It returns ErrSendBufferFull when
// the consumer has fallen a full buffer behind and ErrConnClosed once closed.
func (b *base) tryDeliver(msg []byte) error {
	b.inMu.RLock()
	defer b.inMu.RUnlock()

	if b.inClosed {
		return domain.ErrConnClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return domain.ErrConnClosed
	default:
		return fmt.Errorf("%w: inbound from %s", domain.ErrSendBufferFull, b.remoteID)
	}
}

func (b *base) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.outbound:
			if err := b.write(msg); err != nil {
				b.shutdown(fmt.Errorf("%w: %s: %v", domain.ErrTransport, b.remoteID, err))
				return
			}
		}
	}
}
