package sase

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	t.Run("not alive by default", func(t *testing.T) {
		if h.IsAlive() {
			t.Error("expected not alive by default")
		}
	})

	t.Run("alive after SetAlive", func(t *testing.T) {
		h.SetAlive(true)
		if !h.IsAlive() {
			t.Error("expected alive after SetAlive(true)")
		}
	})

	t.Run("not alive after SetAlive false", func(t *testing.T) {
		h.SetAlive(false)
		if h.IsAlive() {
			t.Error("expected not alive after SetAlive(false)")
		}
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	var dataPlaneErr, hubErr error

	h := NewHealthChecker()
	h.AddReadinessCheck("data plane", func() error { return dataPlaneErr })
	h.AddReadinessCheck("log hub", func() error { return hubErr })

	tests := []struct {
		name      string
		ready     bool
		dataPlane error
		hub       error
		want      bool
	}{
		{"not bound", false, nil, nil, false},
		{"bound and healthy", true, nil, nil, true},
		{"data plane down", true, errors.New("proxy closed"), nil, false},
		{"hub closed", true, nil, errors.New("closed"), false},
		{"recovered", true, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.SetReady(tt.ready)
			dataPlaneErr, hubErr = tt.dataPlane, tt.hub

			if got := h.IsReady(); got != tt.want {
				t.Errorf("IsReady = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthChecker_AddReadinessCheckReplacesByName(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)

	h.AddReadinessCheck("data plane", func() error { return errors.New("listener not bound") })
	if h.IsReady() {
		t.Fatal("expected not ready with a failing check")
	}

	h.AddReadinessCheck("data plane", func() error { return nil })
	if !h.IsReady() {
		t.Error("re-registering a check under the same name should replace it")
	}
	if got := len(h.failures()); got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantStatus int
		wantBody   string
	}{
		{"alive", true, http.StatusOK, "ok"},
		{"not alive", false, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetAlive(tt.alive)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			h.HandleHealthz(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantBody)
			}
			if resp.Uptime == "" {
				t.Error("expected uptime in response")
			}
		})
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	t.Run("ready no checks", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		h.HandleReadyz(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Status != "ok" {
			t.Errorf("status = %q, want %q", resp.Status, "ok")
		}
	})

	t.Run("not ready explicitly", func(t *testing.T) {
		h := NewHealthChecker()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		h.HandleReadyz(w, r)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Reason != "listeners not yet bound" {
			t.Errorf("reason = %q, want %q", resp.Reason, "listeners not yet bound")
		}
	})

	t.Run("not ready with failing checks", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		h.AddReadinessCheck("data plane", func() error { return errors.New("proxy closed") })
		h.AddReadinessCheck("log hub", func() error { return errors.New("closed") })

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		h.HandleReadyz(w, r)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Details) != 2 {
			t.Fatalf("details = %d items, want 2", len(resp.Details))
		}
		if resp.Details[0] != "data plane: proxy closed" || resp.Details[1] != "log hub: closed" {
			t.Errorf("details = %q, want named failures in registration order", resp.Details)
		}
	})

	t.Run("content type is json", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetAlive(true)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		h.HandleHealthz(w, r)

		ct := w.Header().Get("Content-Type")
		if ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
	})
}
