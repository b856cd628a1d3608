package protocol

// FrameType identifies the kind of a frame on the wire. Values outside the
// known set are carried through unchanged so newer peers can extend the
// protocol without breaking older ones.
type FrameType string

// Frame types.
const (
	FrameAuth        FrameType = "AUTH"
	FrameOk          FrameType = "OK"
	FrameErr         FrameType = "ERR"
	FramePing        FrameType = "PING"
	FramePong        FrameType = "PONG"
	FrameOpenRequest FrameType = "OPEN_REQUEST"
	FrameData        FrameType = "DATA"
	FrameEnd         FrameType = "END"
)

// Known reports whether t is one of the frame types this package defines.
func (t FrameType) Known() bool {
	switch t {
	case FrameAuth, FrameOk, FrameErr, FramePing, FramePong,
		FrameOpenRequest, FrameData, FrameEnd:
		return true
	}
	return false
}

// IsControl reports whether t is a session level frame that never carries a
// substream id.
func (t FrameType) IsControl() bool {
	switch t {
	case FrameAuth, FrameOk, FramePing, FramePong:
		return true
	}
	return false
}

func (t FrameType) String() string {
	if t == "" {
		return "UNKNOWN"
	}
	return string(t)
}

// Attribute keys used by the control frames.
const (
	AttrToken          = "token"
	AttrAgentID        = "agent_id"
	AttrHost           = "host"
	AttrPort           = "port"
	AttrReason         = "reason"
	AttrMsg            = "msg"
	AttrWeight         = "weight"
	AttrMaxConnections = "max_connections"
)

// Protocol limits.
const (
	// LengthPrefixSize is the size of the big-endian body length prefix.
	LengthPrefixSize = 4

	// MaxFrameSize bounds a single frame body. A peer announcing a larger
	// body is treated as corrupt.
	MaxFrameSize = 1 << 20

	// MaxDataChunk is the largest payload a pump places in one Data frame.
	// Base64 inflates it by a third, which stays well under MaxFrameSize.
	MaxDataChunk = 32 * 1024
)
