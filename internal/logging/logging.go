// Package logging builds the slog loggers shared by the broker and agent.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// NewLogger returns a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// Bytes renders a byte count as a human readable attribute.
func Bytes(n int64) slog.Attr {
	if n < 0 {
		n = 0
	}
	return slog.String(KeyBytes, humanize.IBytes(uint64(n)))
}

// Attribute keys.
const (
	KeyAgentID     = "agent_id"
	KeySubstreamID = "substream_id"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyTarget      = "target"
	KeyStrategy    = "strategy"
	KeyListener    = "listener"
	KeyTransport   = "transport"
	KeyReason      = "reason"
	KeyBytes       = "bytes"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyDuration    = "duration"
	KeyCount       = "count"
)
