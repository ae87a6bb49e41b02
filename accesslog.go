package sase

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// AccessLogger writes one operational log line per request handled by the
// data plane. Unlike the audit trail it records the outcome of the relay:
// upstream status, bytes sent back, and timing.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was read.
	Timestamp time.Time

	Method string
	Host   string
	Path   string

	// Scheme is "http" for plain proxy requests, "https" for intercepted
	// streams.
	Scheme string

	// Action is the policy decision.
	Action Action

	// StatusCode is the status sent to the client.
	StatusCode int

	// Duration is the time to process the request.
	Duration time.Duration

	// BytesWritten is the response body size relayed to the client.
	BytesWritten int64

	ClientAddr string

	// Error describes a failed forward, if any.
	Error string

	UserAgent string
}

// NewAccessLogger creates an AccessLogger that writes to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.String("action", string(e.Action)),
		slog.Int("status", e.StatusCode),
	)

	if e.Action != ActionBlock {
		attrs = append(attrs, slog.Int64("bytes", e.BytesWritten))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}

// countingReader counts bytes read through it.
type countingReader struct {
	io.ReadCloser
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}
