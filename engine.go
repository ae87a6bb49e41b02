package sase

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// BlockedBody is the fixed body returned for blocked requests.
const BlockedBody = "Blocked by SASE Pro"

// RequestInfo is the transport-independent view of an intercepted request.
type RequestInfo struct {
	// ClientAddr is the client's address, with or without port.
	ClientAddr string

	// Method is the HTTP method.
	Method string

	// Host is the request target host. Empty means it could not be
	// determined.
	Host string

	// Path is the request URL path.
	Path string

	// UserAgent is the User-Agent header, nil when absent.
	UserAgent *string
}

// RequestInfoFromRequest extracts the metadata the decision engine needs.
// The host is taken from the request URI; when the URI carries no host the
// request is attributed to UnknownHost.
func RequestInfoFromRequest(req *http.Request, clientAddr string) RequestInfo {
	info := RequestInfo{
		ClientAddr: clientAddr,
		Method:     req.Method,
		Host:       req.URL.Hostname(),
		Path:       req.URL.Path,
	}
	if info.Host == "" {
		info.Host = UnknownHost
	}
	if vv, ok := req.Header["User-Agent"]; ok && len(vv) > 0 {
		ua := vv[0]
		info.UserAgent = &ua
	}
	return info
}

// Verdict is the result of intercepting one request.
type Verdict struct {
	Action Action
	Entry  LogEntry
}

// Blocked reports whether the request must be answered with the block
// response instead of being forwarded.
func (v Verdict) Blocked() bool {
	return v.Action == ActionBlock
}

// Interceptor decides what happens to an intercepted request. The TLS
// interception engine calls it once per decrypted request.
type Interceptor interface {
	Intercept(ctx context.Context, info RequestInfo) Verdict
}

// InterceptorFunc is a function adapter for Interceptor.
type InterceptorFunc func(ctx context.Context, info RequestInfo) Verdict

// Intercept calls f(ctx, info).
func (f InterceptorFunc) Intercept(ctx context.Context, info RequestInfo) Verdict {
	return f(ctx, info)
}

// Engine is the decision engine: it classifies requests against the policy
// store, publishes an audit record to the hub and the durable sink, and
// returns the verdict.
type Engine struct {
	// State is the shared process state.
	State *State

	// Sink receives every audit record (optional).
	Sink AuditSink

	// Logger for decision events.
	Logger *slog.Logger

	// Metrics records decisions (optional).
	Metrics *Metrics

	now func() time.Time
}

// NewEngine creates an Engine bound to state.
func NewEngine(state *State) *Engine {
	return &Engine{
		State:  state,
		Logger: slog.Default(),
		now:    time.Now,
	}
}

// Intercept implements Interceptor.
func (e *Engine) Intercept(ctx context.Context, info RequestInfo) Verdict {
	host := info.Host
	if host == "" {
		host = UnknownHost
	}

	action := e.State.Policy.ClassifyAndCount(host)

	entry := LogEntry{
		Timestamp: e.clock(),
		SrcIP:     clientIP(info.ClientAddr),
		Domain:    host,
		Action:    action,
		Method:    info.Method,
		URLPath:   info.Path,
		UserAgent: info.UserAgent,
	}

	// The policy lock is released before fan-out so slow viewers never
	// delay classification.
	e.State.Hub.Publish(entry)
	e.writeSink(entry)

	if e.Metrics != nil {
		e.Metrics.RecordDecision(action)
	}

	level := slog.LevelDebug
	if action == ActionBlock {
		level = slog.LevelInfo
	}
	e.Logger.Log(ctx, level, "decision",
		"action", action,
		"host", host,
		"method", info.Method,
		"path", info.Path,
		"client", entry.SrcIP,
	)

	return Verdict{Action: action, Entry: entry}
}

// writeSink hands entry to the durable sink. A failing sink must not affect
// the request, so panics are absorbed.
func (e *Engine) writeSink(entry LogEntry) {
	if e.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Warn("audit sink failed", "panic", r)
		}
	}()
	e.Sink.Write(entry)
}

func (e *Engine) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

// BlockResponse builds the synthetic response sent for blocked requests.
func BlockResponse() *http.Response {
	return &http.Response{
		StatusCode:    http.StatusForbidden,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(BlockedBody)),
		ContentLength: int64(len(BlockedBody)),
	}
}

// clientIP strips the port from addr when present.
func clientIP(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
