package domain

import "errors"

// Session and identity errors surfaced to callers of HostRoom/JoinRoom.
var (
	// ErrIdentifierTaken means another peer already registered the id.
	ErrIdentifierTaken = errors.New("identifier already taken")
	// ErrHostUnreachable means no host answered for the room in time.
	ErrHostUnreachable = errors.New("host unreachable")
	// ErrAlreadyActive means the session already left the Unconnected mode.
	ErrAlreadyActive = errors.New("session already active")
	// ErrInvalidRoomID means the room id is empty or has unsupported characters.
	ErrInvalidRoomID = errors.New("invalid room id")
)

// Transport and relay errors. They stay local to one connection.
var (
	ErrTransport       = errors.New("transport error")
	ErrConnClosed      = errors.New("connection closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrSinkApply       = errors.New("sink apply failed")
	ErrMalformedEvent  = errors.New("malformed draw event")
)
