package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one message on a node channel.
type Event struct {
	Type string `json:"type"`
	// Key routes the event; Kafka uses it as the message key.
	Key string `json:"key"`
	// Origin is the node that published the event.
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewEvent encodes payload into an event stamped with the current time.
func NewEvent(eventType, origin, key string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:    eventType,
		Key:     key,
		Origin:  origin,
		Payload: data,
		SentAt:  time.Now(),
	}, nil
}

// Age is how long ago the event was published, by the local clock.
func (e *Event) Age() time.Duration {
	if e.SentAt.IsZero() {
		return 0
	}
	return time.Since(e.SentAt)
}

// DecodePayload unmarshals the payload of e into a T.
func DecodePayload[T any](e *Event) (T, error) {
	var v T
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers events published on a channel until ctx is done or
// the channel is unsubscribed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub is the bus broker nodes use to reach each other.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
