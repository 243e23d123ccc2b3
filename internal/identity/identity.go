// Package identity assigns peers their network identifiers and opens
// connections between them by name.
package identity

import (
	"context"

	"github.com/weiawesome/wes-io-canvas/internal/transport"
)

// Provider registers local identities in a shared namespace.
type Provider interface {
	// Register claims desiredID, or any free identifier when desiredID is
	// empty. A taken id fails with domain.ErrIdentifierTaken.
	Register(ctx context.Context, desiredID string) (Endpoint, error)
}

// Endpoint is one registered identity.
type Endpoint interface {
	// ID is the registered identifier.
	ID() string

	// Connect opens a connection to the peer registered as remoteID. An
	// unknown id fails with domain.ErrPeerUnavailable.
	Connect(ctx context.Context, remoteID string) (transport.Conn, error)

	// Accepted yields connections opened by remote peers to this id.
	Accepted() <-chan transport.Conn

	// Close releases the identifier and closes every connection made
	// through the endpoint.
	Close() error
}

// connSet tracks the connections an endpoint must close on shutdown.
type connSet struct {
	conns map[transport.Conn]struct{}
}

func newConnSet() connSet {
	return connSet{conns: make(map[transport.Conn]struct{})}
}

func (s connSet) add(c transport.Conn) { s.conns[c] = struct{}{} }

func (s connSet) remove(c transport.Conn) { delete(s.conns, c) }

func (s connSet) closeAll() {
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}
