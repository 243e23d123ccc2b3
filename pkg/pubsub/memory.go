package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("pubsub: closed")

// MemoryPubSub is an in-process bus for single-node brokers and tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string][]chan *Event
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]chan *Event)}
}

// Publish delivers the event to every current subscriber of channel.
// Slow subscribers drop events rather than block the publisher.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[channel] {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel. The returned channel is
// closed on Unsubscribe, Close, or when ctx ends.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Event, 100)
	m.subs[channel] = append(m.subs[channel], ch)

	go func() {
		<-ctx.Done()
		m.remove(channel, ch)
	}()

	return ch, nil
}

// Unsubscribe drops every subscriber of channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs[channel] {
		close(ch)
	}
	delete(m.subs, channel)
	return nil
}

// Close closes all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for channel, list := range m.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}

func (m *MemoryPubSub) remove(channel string, target chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.subs[channel]
	for i, ch := range list {
		if ch == target {
			close(ch)
			m.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
}
