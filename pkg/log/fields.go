package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService = "service"
	FieldNode    = "node_id"

	// Session and relay
	FieldRoomID   = "room_id"
	FieldPeerID   = "peer_id"
	FieldRemoteID = "remote_id"
	FieldConnID   = "conn_id"
	FieldMode     = "mode"
	FieldToolMode = "tool_mode"
	FieldFanout   = "fanout"

	// Broker frames
	FieldFrameType = "frame_type"
	FieldSrc       = "src"
	FieldDst       = "dst"
)
