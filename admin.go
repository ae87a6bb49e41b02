package sase

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// DefaultHeartbeat is the interval between keep-alive events on the live
// log stream.
const DefaultHeartbeat = 15 * time.Second

// StreamPlaceholder is sent in place of a log entry that could not be
// serialized.
const StreamPlaceholder = "corrupt log entry"

// maxPolicyBody bounds the size of a policy document.
const maxPolicyBody = 4 << 20

// ControlAPI is the administrative surface of the gateway. It reads and
// replaces the policy and streams audit records to live viewers.
//
// API routes are mounted at a configurable path prefix (default "/api") and
// use [chi] for routing:
//
//	GET  /api/policy       current policy document
//	POST /api/policy       replace the policy wholesale
//	GET  /api/logs/stream  server-sent events, one per audit record
//	GET  /api/status       summary counters
//
// /api/config is accepted as an alias of /api/policy. Health checks,
// metrics and the static UI are served outside the prefix.
type ControlAPI struct {
	// State is the shared process state.
	State *State

	// Logger for control plane events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for API routes (default "/api").
	PathPrefix string

	// Heartbeat is the keep-alive interval for live streams.
	Heartbeat time.Duration

	// Health serves /healthz and /readyz (optional).
	Health *HealthChecker

	// Metrics serves /metrics and records control plane events (optional).
	Metrics *Metrics

	// StaticDir is served for paths outside the API (optional).
	StaticDir string

	// Compression configures compression of JSON responses.
	Compression CompressionConfig

	encode func(LogEntry) ([]byte, error)
	router chi.Router
}

// NewControlAPI creates a ControlAPI wired to state.
func NewControlAPI(state *State) *ControlAPI {
	a := &ControlAPI{
		State:       state,
		Logger:      slog.Default(),
		PathPrefix:  "/api",
		Heartbeat:   DefaultHeartbeat,
		Compression: DefaultCompressionConfig(),
		encode:      func(e LogEntry) ([]byte, error) { return json.Marshal(e) },
	}
	a.buildRouter()
	return a
}

func (a *ControlAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Use(func(next http.Handler) http.Handler {
		return &CompressHandler{Handler: next, Config: a.Compression}
	})

	for _, p := range []string{"/policy", "/config"} {
		r.Get(p, a.handleGetPolicy)
		r.Post(p, a.handleReplacePolicy)
	}
	r.Get("/logs/stream", a.handleLogStream)
	r.Get("/status", a.handleStatus)

	a.router = r
}

// Handler returns the complete control plane handler: API routes under
// PathPrefix, health checks, metrics, and the static file fallback.
func (a *ControlAPI) Handler() http.Handler {
	root := chi.NewRouter()

	if a.Health != nil {
		root.Get("/healthz", a.Health.HandleHealthz)
		root.Get("/readyz", a.Health.HandleReadyz)
	}
	if a.Metrics != nil {
		root.Handle("/metrics", a.Metrics.Handler())
	}

	root.Mount(a.PathPrefix, http.StripPrefix(a.PathPrefix, a.router))

	if a.StaticDir != "" {
		root.NotFound(http.FileServer(http.Dir(a.StaticDir)).ServeHTTP)
	}

	return root
}

// ServeHTTP implements http.Handler.
func (a *ControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// policyDocument mirrors PolicyConfig with every field required.
type policyDocument struct {
	BlockedDomains    *[]*string `json:"blocked_domains"`
	StatsBlockedToday *uint64    `json:"stats_blocked_today"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status            string `json:"status"`
	BlockedDomains    int    `json:"blocked_domains"`
	StatsBlockedToday uint64 `json:"stats_blocked_today"`
	Subscribers       int    `json:"subscribers"`
	Dropped           uint64 `json:"dropped"`
	Uptime            string `json:"uptime,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *ControlAPI) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.State.Policy.Read())
}

func (a *ControlAPI) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		a.writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: "expected Content-Type: application/json"})
		return
	}

	p, err := decodePolicy(http.MaxBytesReader(w, r.Body, maxPolicyBody))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.State.Policy.Replace(p)
	if a.Metrics != nil {
		a.Metrics.RecordPolicyReplacement()
	}

	a.Logger.Info("policy replaced via control API",
		"blocked_domains", len(p.BlockedDomains),
		"stats_blocked_today", p.StatsBlockedToday,
	)
	if slices.Contains(p.BlockedDomains, "") {
		a.Logger.Warn("policy contains an empty domain; every request will be blocked")
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "policy updated"})
}

// decodePolicy parses a complete policy document. Both fields must be
// present and the body must hold exactly one JSON value.
func decodePolicy(body io.Reader) (PolicyConfig, error) {
	dec := json.NewDecoder(body)

	var doc policyDocument
	if err := dec.Decode(&doc); err != nil {
		return PolicyConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return PolicyConfig{}, errors.New("invalid JSON: trailing data after document")
	}

	switch {
	case doc.BlockedDomains == nil:
		return PolicyConfig{}, errors.New("missing field `blocked_domains`")
	case doc.StatsBlockedToday == nil:
		return PolicyConfig{}, errors.New("missing field `stats_blocked_today`")
	}

	domains := make([]string, len(*doc.BlockedDomains))
	for i, d := range *doc.BlockedDomains {
		if d == nil {
			return PolicyConfig{}, errors.New("invalid JSON: null in blocked_domains")
		}
		domains[i] = *d
	}

	return PolicyConfig{
		BlockedDomains:    domains,
		StatsBlockedToday: *doc.StatsBlockedToday,
	}, nil
}

// handleLogStream holds the connection open and pushes one event per audit
// record until the client goes away, the hub is closed, or the server shuts
// down. Only records published after the subscription are sent.
func (a *ControlAPI) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return
	}

	sub := a.State.Hub.Subscribe()
	defer sub.Close()

	if a.Metrics != nil {
		a.Metrics.IncStreamSubscribers()
		defer a.Metrics.DecStreamSubscribers()
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	a.Logger.Debug("log stream opened", "remote", r.RemoteAddr)
	defer a.Logger.Debug("log stream closed", "remote", r.RemoteAddr)

	heartbeat := a.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := a.writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one server-sent event. An entry that fails to serialize
// is replaced by StreamPlaceholder so the stream stays open.
func (a *ControlAPI) writeEvent(w io.Writer, e LogEntry) error {
	data, err := a.encode(e)
	if err != nil {
		a.Logger.Warn("serialize log entry", "error", err, "domain", e.Domain)
		data = []byte(StreamPlaceholder)
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", uuid.NewString(), data)
	return err
}

func (a *ControlAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p := a.State.Policy.Read()
	resp := StatusResponse{
		Status:            "ok",
		BlockedDomains:    len(p.BlockedDomains),
		StatsBlockedToday: p.StatsBlockedToday,
		Subscribers:       a.State.Hub.Subscribers(),
		Dropped:           a.State.Hub.Dropped(),
	}
	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *ControlAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("control API write error", "error", err)
	}
}
