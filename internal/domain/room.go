package domain

import (
	"fmt"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RoomPrefix namespaces room ids in the shared peer namespace so unrelated
// deployments of the broker don't collide with canvas rooms.
const RoomPrefix = "CollaborativeArtTool"

// RoomIDLength is the length of generated room ids.
const RoomIDLength = 6

const roomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PeerIDForRoom returns the identifier the host of room registers under.
func PeerIDForRoom(roomID string) string {
	return RoomPrefix + roomID
}

// ValidRoomID reports whether roomID can be used as a room id.
func ValidRoomID(roomID string) bool {
	return roomIDPattern.MatchString(roomID)
}

// CheckRoomID returns ErrInvalidRoomID wrapped with the offending id.
func CheckRoomID(roomID string) error {
	if !ValidRoomID(roomID) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	return nil
}

// NewRoomID returns a random uppercase alphanumeric room id.
func NewRoomID() string {
	return gonanoid.MustGenerate(roomAlphabet, RoomIDLength)
}
