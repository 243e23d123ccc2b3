package transport

// FramedConn is a Conn multiplexed inside another message stream, such as
// a broker socket. Its owner writes outbound messages through the write
// function and feeds inbound ones with TryDeliver.
type FramedConn struct {
	*base
}

// NewFramedConn creates a connection to remoteID. onClose runs once when
// the connection closes, with a nil reason for a local Close.
func NewFramedConn(remoteID string, buffer int, write func([]byte) error, onClose func(reason error)) *FramedConn {
	c := &FramedConn{base: newBase(remoteID, buffer, write)}
	c.onClose = onClose
	return c
}

// TryDeliver hands an inbound message to the consumer without waiting. It
// fails with ErrSendBufferFull when the consumer is a full buffer behind.
func (c *FramedConn) TryDeliver(msg []byte) error {
	return c.tryDeliver(msg)
}

// Fail closes the connection with err as its reason.
func (c *FramedConn) Fail(err error) {
	c.shutdown(err)
}
