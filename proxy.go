package sase

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Proxy is the data plane: an explicit HTTP proxy that terminates TLS for
// CONNECT tunnels with leaf certificates signed by the local root CA, hands
// every decrypted request to the Interceptor, and either answers with the
// block response or forwards the request to its origin.
type Proxy struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:8080")
	Addr string

	// CertManager issues leaf certificates for intercepted hosts
	CertManager *CertManager

	// Interceptor decides the fate of every request
	Interceptor Interceptor

	// Logger for proxy events
	Logger *slog.Logger

	// Upstream is the pooled outbound transport (optional). When nil,
	// Transport is used.
	Upstream *UpstreamPool

	// Transport for outbound requests when Upstream is nil (optional,
	// uses http.DefaultTransport if nil)
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog records the outcome of every request (optional)
	AccessLog *AccessLogger

	// ReadHeaderTimeout bounds reading the CONNECT or plain request line.
	ReadHeaderTimeout time.Duration

	// IdleTimeout is how long an intercepted TLS stream may sit idle
	// between requests (default 30s).
	IdleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	closed   bool
}

// NewProxy creates a proxy that consults ic for every request.
func NewProxy(addr string, cm *CertManager, ic Interceptor) *Proxy {
	return &Proxy{
		Addr:        addr,
		CertManager: cm,
		Interceptor: ic,
		Logger:      slog.Default(),
		IdleTimeout: 30 * time.Second,
	}
}

// Listen binds the proxy listener without serving it, so bind failures
// surface before any other component starts.
func (p *Proxy) Listen() error {
	l, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.Addr, err)
	}
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (p *Proxy) ListenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Serve accepts connections on the listener bound by Listen, binding one
// first if needed. It always returns a non-nil error; after Close the error
// is http.ErrServerClosed.
func (p *Proxy) Serve() error {
	p.mu.Lock()
	if p.listener == nil {
		p.mu.Unlock()
		if err := p.Listen(); err != nil {
			return err
		}
		p.mu.Lock()
	}
	if p.closed {
		p.mu.Unlock()
		_ = p.listener.Close()
		return http.ErrServerClosed
	}
	l := p.listener
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
	}
	srv := p.srv
	p.mu.Unlock()

	p.logger().Info("proxy listening", "addr", l.Addr().String())
	return srv.Serve(l)
}

// Close stops accepting connections immediately. Intercepted streams
// already in flight are abandoned, not drained.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.srv != nil {
		return p.srv.Close()
	}
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// Accepting returns nil while the proxy holds a bound listener that has not
// been closed.
func (p *Proxy) Accepting() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return http.ErrServerClosed
	case p.listener == nil:
		return errors.New("listener not bound")
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleConnect terminates TLS on a CONNECT tunnel and serves the requests
// inside it.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.logger().Debug("CONNECT", "host", r.Host, "client", r.RemoteAddr)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger().Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger().Debug("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	authority := r.Host
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}

	tlsConfig := &tls.Config{
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(p.idleTimeout()))
	if err := tlsConn.Handshake(); err != nil {
		p.logger().Debug("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	p.serveTLS(r.Context(), tlsConn, authority)
}

// serveTLS reads requests from an intercepted stream until the client goes
// away, the stream idles out, or a response requires closing it.
func (p *Proxy) serveTLS(ctx context.Context, conn *tls.Conn, authority string) {
	defer func() { _ = conn.Close() }()

	clientAddr := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.idleTimeout()))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger().Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.URL.Host == "" {
			req.URL.Host = authority
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.Host == "" {
			req.Host = authority
		}
		req.RemoteAddr = clientAddr
		req = req.WithContext(ctx)

		if p.Metrics != nil {
			p.Metrics.RecordRequest(req.Method, "https")
		}

		start := time.Now()
		verdict := p.intercept(ctx, RequestInfoFromRequest(req, clientAddr))
		if verdict.Blocked() {
			resp := BlockResponse()
			// The request body is never read, so the stream cannot be
			// reused when one was sent.
			resp.Close = req.Close || req.ContentLength != 0
			p.logAccess(req, "https", start, verdict.Action, resp.StatusCode, 0, nil)
			if err := resp.Write(conn); err != nil || resp.Close {
				return
			}
			continue
		}

		resp, err := p.forward(req)
		if err != nil {
			p.logger().Warn("forward request", "error", err, "host", req.URL.Host)
			if p.Metrics != nil {
				p.Metrics.RecordUpstreamError(req.URL.Hostname())
			}
			errResp := errorResponse(err)
			errResp.Close = req.ContentLength != 0
			p.logAccess(req, "https", start, verdict.Action, errResp.StatusCode, 0, err)
			if werr := errResp.Write(conn); werr != nil || errResp.Close {
				return
			}
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		prepareRelay(req, resp)
		body := &countingReader{ReadCloser: resp.Body}
		resp.Body = body
		err = resp.Write(conn)
		_ = resp.Body.Close()
		p.logAccess(req, "https", start, verdict.Action, resp.StatusCode, body.n, err)
		if err != nil {
			p.logger().Debug("write response", "error", err)
			return
		}
		if resp.Close || req.Close {
			return
		}
	}
}

// handleHTTP handles plain proxy requests (absolute-form request URIs).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.logger().Debug("HTTP", "method", r.Method, "url", r.URL)

	start := time.Now()
	verdict := p.intercept(r.Context(), RequestInfoFromRequest(r, r.RemoteAddr))
	if verdict.Blocked() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, BlockedBody)
		p.logAccess(r, "http", start, verdict.Action, http.StatusForbidden, 0, nil)
		return
	}

	if r.URL.Host == "" {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		p.logAccess(r, "http", start, verdict.Action, http.StatusBadRequest, 0, nil)
		return
	}

	resp, err := p.forward(r)
	if err != nil {
		p.logger().Warn("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(r.URL.Hostname())
		}
		http.Error(w, fmt.Sprintf("Proxy Error: %v", err), http.StatusBadGateway)
		p.logAccess(r, "http", start, verdict.Action, http.StatusBadGateway, 0, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	p.logAccess(r, "http", start, verdict.Action, resp.StatusCode, n, err)
}

func (p *Proxy) logAccess(req *http.Request, scheme string, start time.Time, action Action, status int, n int64, err error) {
	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    start,
		Method:       req.Method,
		Host:         req.URL.Hostname(),
		Path:         req.URL.Path,
		Scheme:       scheme,
		Action:       action,
		StatusCode:   status,
		Duration:     time.Since(start),
		BytesWritten: n,
		ClientAddr:   req.RemoteAddr,
		UserAgent:    req.UserAgent(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

// intercept consults the Interceptor. With none configured every request
// is allowed.
func (p *Proxy) intercept(ctx context.Context, info RequestInfo) Verdict {
	if p.Interceptor == nil {
		return Verdict{Action: ActionAllow}
	}
	return p.Interceptor.Intercept(ctx, info)
}

// forward sends an allowed request to its origin unmodified apart from
// hop-by-hop headers.
func (p *Proxy) forward(req *http.Request) (*http.Response, error) {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)
	return p.transport().RoundTrip(outReq)
}

func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.Upstream != nil:
		return p.Upstream.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout <= 0 {
		return 30 * time.Second
	}
	return p.IdleTimeout
}

// prepareRelay readies an origin response for writing back on an HTTP/1.1
// stream. Origins reached over HTTP/2 report their own protocol version and
// may omit a length; both are translated so the stream stays reusable.
func prepareRelay(req *http.Request, resp *http.Response) {
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	removeHopByHopHeaders(resp.Header)

	if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 && bodyAllowed(req, resp) {
		resp.TransferEncoding = []string{"chunked"}
	}
}

func bodyAllowed(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// errorResponse builds the 502 sent when an origin cannot be reached.
func errorResponse(err error) *http.Response {
	body := fmt.Sprintf("Proxy Error: %v", err)
	return &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for opt := range strings.SplitSeq(f, ",") {
			if opt = strings.TrimSpace(opt); opt != "" {
				h.Del(opt)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
