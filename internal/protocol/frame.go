// Package protocol implements the length-prefixed JSON frame format spoken
// between the broker and its agents.
//
// Each frame on the wire is a 4-byte big-endian body length followed by the
// body, a JSON object:
//
//	{"type":"DATA","substream_id":"...","payload":"<base64>","attributes":{"host":"..."}}
//
// Only "type" is required.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded: the
	// declared length does not match the bytes available, or a required field
	// is missing or has the wrong type.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame body exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Frame is one self-describing protocol unit.
type Frame struct {
	Type        FrameType
	SubstreamID string
	Payload     []byte
	Attributes  map[string]string
}

// wireFrame is the JSON body layout. Pointer and typed fields make the decoder
// reject mistyped values instead of silently zeroing them.
type wireFrame struct {
	Type        *string           `json:"type"`
	SubstreamID *string           `json:"substream_id,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Attr returns the named attribute, or "" if absent.
func (f *Frame) Attr(key string) string {
	if f == nil || f.Attributes == nil {
		return ""
	}
	return f.Attributes[key]
}

// MarshalBody serializes the frame body without the length prefix.
func (f *Frame) MarshalBody() ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	t := string(f.Type)
	w := wireFrame{Type: &t, Payload: f.Payload}
	if f.SubstreamID != "" {
		id := f.SubstreamID
		w.SubstreamID = &id
	}
	if len(f.Attributes) > 0 {
		w.Attributes = f.Attributes
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&w); err != nil {
		return nil, err
	}
	body := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return body, nil
}

// UnmarshalBody parses a frame body. Empty payloads and attribute maps decode
// to nil.
func UnmarshalBody(body []byte) (*Frame, error) {
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var w wireFrame
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after body", ErrMalformedFrame)
	}
	if w.Type == nil || *w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	f := &Frame{Type: FrameType(*w.Type)}
	if w.SubstreamID != nil {
		f.SubstreamID = *w.SubstreamID
	}
	if len(w.Payload) > 0 {
		f.Payload = w.Payload
	}
	if len(w.Attributes) > 0 {
		f.Attributes = w.Attributes
	}
	return f, nil
}

// Encode serializes the frame including its length prefix.
func Encode(f *Frame) ([]byte, error) {
	body, err := f.MarshalBody()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)
	return buf, nil
}

// Decode parses one complete length-prefixed frame. The declared length must
// match the remaining bytes exactly.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: length prefix truncated", ErrMalformedFrame)
	}
	length := binary.BigEndian.Uint32(buf[:LengthPrefixSize])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if int(length) != len(buf)-LengthPrefixSize {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d",
			ErrMalformedFrame, length, len(buf)-LengthPrefixSize)
	}
	return UnmarshalBody(buf[LengthPrefixSize:])
}

// String returns a debug representation that never includes payload bytes
// or the auth token.
func (f *Frame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Frame{Type=%s", f.Type)
	if f.SubstreamID != "" {
		fmt.Fprintf(&sb, ", Substream=%s", f.SubstreamID)
	}
	if len(f.Payload) > 0 {
		fmt.Fprintf(&sb, ", PayloadLen=%d", len(f.Payload))
	}
	if len(f.Attributes) > 0 {
		keys := make([]string, 0, len(f.Attributes))
		for k := range f.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(", Attrs=[")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(' ')
			}
			v := f.Attributes[k]
			if k == AttrToken {
				v = "[REDACTED]"
			}
			fmt.Fprintf(&sb, "%s=%s", k, v)
		}
		sb.WriteByte(']')
	}
	sb.WriteByte('}')
	return sb.String()
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [LengthPrefixSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame. It returns io.EOF only when the stream ends
// cleanly on a frame boundary; a stream that ends inside a frame yields
// ErrMalformedFrame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: length prefix truncated", ErrMalformedFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body truncated", ErrMalformedFrame)
		}
		return nil, err
	}
	return UnmarshalBody(body)
}

// FrameWriter writes frames to an io.Writer. Each frame is issued as a single
// Write call.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
