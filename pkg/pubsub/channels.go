package pubsub

import "fmt"

// Channel naming conventions for broker cluster traffic.
const (
	// Frames addressed to peers owned by a broker node.
	ChannelNodeFrames = "broker:node:%s:frames"

	// FramesTopic is the Kafka topic every node frames channel maps to.
	FramesTopic = "broker-frames"
)

// Event types carried on node channels.
const (
	EventFrame    = "frame"
	EventPeerGone = "peer_gone"
)

// NodeFramesChannel returns the channel a broker node listens on.
func NodeFramesChannel(nodeID string) string {
	return fmt.Sprintf(ChannelNodeFrames, nodeID)
}

// FramePayload wraps a raw broker frame forwarded between nodes.
type FramePayload struct {
	Dst   string `json:"dst"`
	Frame []byte `json:"frame"`
}

// PeerGonePayload tells a node that a remote peer's socket dropped so the
// node can notify its local peers that were linked to it.
type PeerGonePayload struct {
	Peer  string   `json:"peer"`
	Links []string `json:"links"`
}
