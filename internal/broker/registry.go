package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
)

// Registry maps registered peer ids to the broker node owning their socket.
type Registry interface {
	// Claim registers peerID for nodeID. It fails with
	// domain.ErrIdentifierTaken when another registration holds the id.
	Claim(ctx context.Context, peerID, nodeID string) error
	// Release drops peerID if nodeID still owns it.
	Release(ctx context.Context, peerID, nodeID string) error
	// Lookup returns the owning node or domain.ErrPeerUnavailable.
	Lookup(ctx context.Context, peerID string) (string, error)
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
	Close() error
}

// MemoryRegistry is a single-node Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	owner map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owner: make(map[string]string)}
}

func (r *MemoryRegistry) Claim(_ context.Context, peerID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owner[peerID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrIdentifierTaken, peerID)
	}
	r.owner[peerID] = nodeID
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, peerID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner[peerID] == nodeID {
		delete(r.owner, peerID)
	}
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, peerID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.owner[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, peerID)
	}
	return node, nil
}

func (r *MemoryRegistry) StartHeartbeat(context.Context) error { return nil }

func (r *MemoryRegistry) StopHeartbeat() {}

func (r *MemoryRegistry) Close() error { return nil }
