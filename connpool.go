package sase

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// UpstreamPool owns the outbound transport used to forward allowed
// requests to their origin servers. Connections are pooled across
// intercepted streams and responses are passed through untouched: the
// transport never negotiates or strips content encodings on its own.
type UpstreamPool struct {
	// Config holds the pool limits and timeouts.
	Config UpstreamConfig

	// TLSConfig provides custom TLS settings for origin connections.
	// If nil, system roots are used.
	TLSConfig *tls.Config

	transport atomic.Pointer[http.Transport]

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// UpstreamPoolStats holds a snapshot of outbound transport counters.
type UpstreamPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
}

// NewUpstreamPool creates an UpstreamPool from cfg.
func NewUpstreamPool(cfg UpstreamConfig) *UpstreamPool {
	return &UpstreamPool{Config: cfg}
}

// Build creates the underlying [http.Transport]. It may be called again
// after changing the configuration; idle connections of the previous
// transport are closed.
func (u *UpstreamPool) Build() *http.Transport {
	tlsCfg := u.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if u.Config.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := u.Config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          u.Config.MaxIdleConns,
		MaxIdleConnsPerHost:   u.Config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       u.Config.MaxConnsPerHost,
		IdleConnTimeout:       u.Config.IdleConnTimeout,
		TLSHandshakeTimeout:   u.Config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: u.Config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     u.Config.EnableHTTP2,
		DisableCompression:    true,
	}

	if old := u.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns an [http.RoundTripper] over the pooled transport that
// counts requests. Build is called on first use.
func (u *UpstreamPool) Transport() http.RoundTripper {
	if u.transport.Load() == nil {
		u.Build()
	}
	return upstreamRoundTripper{pool: u}
}

// CloseIdleConnections closes all idle origin connections.
func (u *UpstreamPool) CloseIdleConnections() {
	if t := u.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of the request counters.
func (u *UpstreamPool) Stats() UpstreamPoolStats {
	return UpstreamPoolStats{
		TotalRequests:  u.totalRequests.Load(),
		ActiveRequests: u.activeRequests.Load(),
	}
}

type upstreamRoundTripper struct {
	pool *UpstreamPool
}

func (rt upstreamRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.totalRequests.Add(1)
	rt.pool.activeRequests.Add(1)
	defer rt.pool.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}
	return t.RoundTrip(req)
}
