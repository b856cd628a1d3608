package protocol

import "strconv"

// NewAuth builds the agent's opening frame. Zero weight or maxConns are left
// out so the broker applies its defaults.
func NewAuth(token, agentID string, weight, maxConns int) *Frame {
	attrs := map[string]string{AttrToken: token, AttrAgentID: agentID}
	if weight > 0 {
		attrs[AttrWeight] = strconv.Itoa(weight)
	}
	if maxConns > 0 {
		attrs[AttrMaxConnections] = strconv.Itoa(maxConns)
	}
	return &Frame{Type: FrameAuth, Attributes: attrs}
}

// NewOk builds an Ok frame with an optional message.
func NewOk(msg string) *Frame {
	f := &Frame{Type: FrameOk}
	if msg != "" {
		f.Attributes = map[string]string{AttrMsg: msg}
	}
	return f
}

// NewErr builds an Err frame. A non-empty substreamID scopes the error to one
// substream.
func NewErr(substreamID, reason string) *Frame {
	return &Frame{
		Type:        FrameErr,
		SubstreamID: substreamID,
		Attributes:  map[string]string{AttrReason: reason},
	}
}

// NewOpenRequest asks the agent to connect substreamID to host:port.
func NewOpenRequest(substreamID, host string, port int) *Frame {
	return &Frame{
		Type:        FrameOpenRequest,
		SubstreamID: substreamID,
		Attributes: map[string]string{
			AttrHost: host,
			AttrPort: strconv.Itoa(port),
		},
	}
}

// NewData wraps payload for substreamID.
func NewData(substreamID string, payload []byte) *Frame {
	return &Frame{Type: FrameData, SubstreamID: substreamID, Payload: payload}
}

// NewEnd signals that the sender will write no more data on substreamID.
func NewEnd(substreamID string) *Frame {
	return &Frame{Type: FrameEnd, SubstreamID: substreamID}
}

// Target extracts and validates the host and port of an OpenRequest.
func (f *Frame) Target() (string, int, error) {
	host := f.Attr(AttrHost)
	if host == "" {
		return "", 0, ErrMalformedFrame
	}
	port, err := strconv.Atoi(f.Attr(AttrPort))
	if err != nil || port < 1 || port > 65535 {
		return "", 0, ErrMalformedFrame
	}
	return host, port, nil
}

// IntAttr parses a positive integer attribute, returning 0 when the attribute
// is absent or invalid.
func (f *Frame) IntAttr(key string) int {
	v, err := strconv.Atoi(f.Attr(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
