package sase

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker backs the control plane's /healthz and /readyz endpoints.
//
// The gateway is alive once the control plane serves and ready once both
// listeners are bound. Components register named readiness checks so a
// failing readiness response says which plane is down.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker; uptime is measured from now.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// AddReadinessCheck registers check under name. A name registered twice
// replaces the earlier check.
func (h *HealthChecker) AddReadinessCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].check = check
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAlive sets the liveness state.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady sets the readiness state.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports whether the control plane is serving.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the listeners are bound and every registered
// check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// failures runs every check and returns "name: error" for each failing one.
func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			out = append(out, c.name+": "+err.Error())
		}
	}
	return out
}

// HandleHealthz handles the /healthz liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	h.write(w, status, resp)
}

// HandleReadyz handles the /readyz readiness endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		h.write(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "not ready",
			Reason: "listeners not yet bound",
		})
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		h.write(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "not ready",
			Details: failures,
		})
		return
	}
	h.write(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthChecker) write(w http.ResponseWriter, status int, resp HealthResponse) {
	resp.Uptime = h.Uptime().Truncate(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
