package relay

import "github.com/weiawesome/wes-io-canvas/internal/transport"

// GuestSet is the host's set of guest connections keyed by remote peer id.
// Iteration follows insertion order. It is not safe for concurrent use; the
// session loop is its only writer.
type GuestSet struct {
	order []string
	conns map[string]transport.Conn
}

func NewGuestSet() *GuestSet {
	return &GuestSet{conns: make(map[string]transport.Conn)}
}

// Add stores conn under its remote id. A connection already stored under
// that id is returned so the caller can close it; the new one takes its
// place in iteration order.
func (s *GuestSet) Add(conn transport.Conn) (replaced transport.Conn) {
	id := conn.RemoteID()
	if old, ok := s.conns[id]; ok {
		s.conns[id] = conn
		return old
	}
	s.conns[id] = conn
	s.order = append(s.order, id)
	return nil
}

// Remove deletes conn if it is still the connection stored for its remote
// id. A stale connection that was already replaced is ignored.
func (s *GuestSet) Remove(conn transport.Conn) bool {
	id := conn.RemoteID()
	if cur, ok := s.conns[id]; !ok || cur != conn {
		return false
	}
	delete(s.conns, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *GuestSet) Get(id string) (transport.Conn, bool) {
	c, ok := s.conns[id]
	return c, ok
}

func (s *GuestSet) Len() int { return len(s.order) }

// IDs returns the guest ids in insertion order.
func (s *GuestSet) IDs() []string {
	return append([]string(nil), s.order...)
}

// Conns returns the guest connections in insertion order.
func (s *GuestSet) Conns() []transport.Conn {
	out := make([]transport.Conn, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.conns[id])
	}
	return out
}

// Clear removes every guest and returns the connections it held.
func (s *GuestSet) Clear() []transport.Conn {
	out := s.Conns()
	s.order = nil
	s.conns = make(map[string]transport.Conn)
	return out
}
