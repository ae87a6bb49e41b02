package sase

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls control plane response compression.
type CompressionConfig struct {
	// MinSize is the minimum response size to compress (default: 256 bytes).
	MinSize int

	// Level is the compression level (1-9 for gzip, 1-11 for brotli, 1-4 for zstd).
	// 0 uses the default level for each algorithm.
	Level int

	// PreferOrder is the preferred encoding order when the client accepts
	// several. Default: ["br", "zstd", "gzip"]
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

// compressibleTypes are the content types the control plane compresses.
// Event streams are excluded: each event must reach the viewer when it is
// flushed.
var compressibleTypes = []string{
	"application/json",
	"text/html",
	"text/css",
	"text/plain",
	"application/javascript",
	"image/svg+xml",
}

// CompressHandler wraps an http.Handler with response compression.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression middleware with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{
		Handler: h,
		Config:  DefaultCompressionConfig(),
	}
}

// ServeHTTP implements http.Handler with transparent response compression.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
		config:         c.Config,
	}
	defer func() { _ = cw.Close() }()

	c.Handler.ServeHTTP(cw, r)
}

// selectEncoding chooses the best encoding the client accepts.
func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	preferOrder := c.Config.PreferOrder
	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}

	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}

	return ""
}

// parseAcceptEncoding parses Accept-Encoding into a set of accepted
// encodings. Entries with q=0 are treated as refused.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q := strings.ReplaceAll(strings.TrimSpace(params), " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		result[name] = struct{}{}
	}
	return result
}

// writerState tracks whether the compression decision has been made.
type writerState int

const (
	statePending writerState = iota
	statePassthrough
	stateCompressing
)

// compressResponseWriter buffers the start of the body until it knows
// whether to compress, and only then sends the status line and headers.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig

	state  writerState
	status int
	buffer []byte
	writer io.WriteCloser
}

func (cw *compressResponseWriter) WriteHeader(statusCode int) {
	if cw.status != 0 {
		return
	}
	cw.status = statusCode

	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified ||
		cw.Header().Get("Content-Encoding") != "" ||
		!shouldCompress(cw.Header().Get("Content-Type")) {
		cw.passthrough()
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.WriteHeader(http.StatusOK)
	}

	switch cw.state {
	case statePassthrough:
		return cw.ResponseWriter.Write(b)
	case stateCompressing:
		return cw.writer.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)

	minSize := cw.config.MinSize
	if minSize == 0 {
		minSize = 256
	}
	if len(cw.buffer) < minSize {
		return len(b), nil
	}

	if err := cw.startCompression(); err != nil {
		cw.passthrough()
		if _, werr := cw.flushBuffer(cw.ResponseWriter); werr != nil {
			return 0, werr
		}
		return len(b), nil
	}
	if _, err := cw.flushBuffer(cw.writer); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Flush implements http.Flusher. A pending response is sent uncompressed.
func (cw *compressResponseWriter) Flush() {
	if cw.state == statePending {
		if cw.status == 0 {
			cw.status = http.StatusOK
		}
		cw.passthrough()
		_, _ = cw.flushBuffer(cw.ResponseWriter)
	}

	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (cw *compressResponseWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// Close sends anything still buffered and finishes the compressed stream.
func (cw *compressResponseWriter) Close() error {
	switch cw.state {
	case statePending:
		if cw.status == 0 {
			// The handler wrote nothing; let net/http send its default.
			return nil
		}
		cw.passthrough()
		_, err := cw.flushBuffer(cw.ResponseWriter)
		return err
	case stateCompressing:
		return cw.writer.Close()
	}
	return nil
}

func (cw *compressResponseWriter) passthrough() {
	cw.state = statePassthrough
	cw.ResponseWriter.WriteHeader(cw.status)
}

func (cw *compressResponseWriter) flushBuffer(w io.Writer) (int, error) {
	if len(cw.buffer) == 0 {
		return 0, nil
	}
	n, err := w.Write(cw.buffer)
	cw.buffer = nil
	return n, err
}

// startCompression sets the encoding headers, sends the status line and
// creates the encoder.
func (cw *compressResponseWriter) startCompression() error {
	var (
		w   io.WriteCloser
		err error
	)
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err = gzip.NewWriterLevel(cw.ResponseWriter, level)

	case EncodingZstd:
		level := zstd.EncoderLevelFromZstd(cw.config.Level)
		if cw.config.Level == 0 {
			level = zstd.SpeedDefault
		}
		w, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))

	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		w = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	if err != nil {
		return err
	}

	h := cw.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")

	cw.state = stateCompressing
	cw.writer = w
	cw.ResponseWriter.WriteHeader(cw.status)
	return nil
}

func shouldCompress(contentType string) bool {
	contentType = strings.ToLower(contentType)
	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}
