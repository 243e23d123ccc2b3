package session

import (
	"time"

	"github.com/weiawesome/wes-io-canvas/internal/domain"
)

// StateEventType names a change a UI may want to show.
type StateEventType string

const (
	EventGuestJoined      StateEventType = "guest_joined"
	EventGuestLeft        StateEventType = "guest_left"
	EventHostDisconnected StateEventType = "host_disconnected"
	EventMalformed        StateEventType = "malformed_event"
)

// StateEvent is published on Manager.Events.
type StateEvent struct {
	Type   StateEventType
	PeerID string
	Mode   domain.Mode
	// Err is the close reason or decode error, when there is one.
	Err error
	At  time.Time
}
