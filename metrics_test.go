package sase

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordDecision(ActionAllow)
	m.RecordDecision(ActionBlock)
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)
	m.IncActiveConns()
	m.DecActiveConns()
	m.SetCertCacheSize(42)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.RecordPolicyReplacement()
	m.IncStreamSubscribers()
	m.DecStreamSubscribers()
	m.RecordUpstreamError("example.com")
	m.RecordTLSHandshakeError()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordDecision(ActionBlock)
	m.RecordPolicyReplacement()
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	checks := []string{
		"sase_requests_total",
		`sase_decisions_total{action="BLOCK"} 1`,
		"sase_policy_replacements_total 1",
		"sase_active_connections",
		"sase_cert_cache_size",
		"sase_stream_subscribers",
		"sase_upstream_duration_seconds",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}
