package sase

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogEntry is the audit record produced for every intercepted request.
// It is never modified after construction.
type LogEntry struct {
	// Timestamp is when the request was classified.
	Timestamp time.Time `json:"timestamp"`

	// SrcIP is the client's IP address without port.
	SrcIP string `json:"src_ip"`

	// Domain is the request target host.
	Domain string `json:"domain"`

	// Action is ALLOW or BLOCK.
	Action Action `json:"action"`

	// Method is the HTTP method.
	Method string `json:"method"`

	// URLPath is the request URL path.
	URLPath string `json:"url_path"`

	// UserAgent is the client's User-Agent header, nil when absent.
	UserAgent *string `json:"user_agent"`
}

// AuditSink receives a copy of every audit record. Implementations must not
// block for long and must absorb their own failures.
type AuditSink interface {
	Write(e LogEntry)
}

// AuditSinkFunc is a function adapter for AuditSink.
type AuditSinkFunc func(e LogEntry)

// Write calls f(e).
func (f AuditSinkFunc) Write(e LogEntry) {
	f(e)
}

// AuditWriter appends audit records as JSON lines to date-partitioned files.
// A new file is started each day; within a day lumberjack rotates the file
// by size. Records are buffered in memory and written every FlushInterval,
// so request goroutines never wait on the disk. Write failures are
// discarded.
type AuditWriter struct {
	logger *zap.Logger
	buf    *zapcore.BufferedWriteSyncer
	out    *dailyFile
}

// DefaultAuditFlushInterval is how often buffered audit records reach disk.
const DefaultAuditFlushInterval = time.Second

// NewAuditWriter creates the audit directory and returns a writer for it.
func NewAuditWriter(cfg AuditConfig) (*AuditWriter, error) {
	if cfg.Dir == "" {
		cfg.Dir = "logs"
	}
	if cfg.Filename == "" {
		cfg.Filename = "sase.json"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultAuditFlushInterval
	}

	out := &dailyFile{cfg: cfg, now: time.Now}
	buf := &zapcore.BufferedWriteSyncer{WS: out, FlushInterval: cfg.FlushInterval}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "target"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), buf, zapcore.InfoLevel)
	logger := zap.New(core, zap.ErrorOutput(zapcore.AddSync(io.Discard)))

	return &AuditWriter{logger: logger, buf: buf, out: out}, nil
}

// Write implements AuditSink.
func (w *AuditWriter) Write(e LogEntry) {
	ua := zap.Skip()
	if e.UserAgent != nil {
		ua = zap.String("user_agent", *e.UserAgent)
	}
	w.logger.Info("traffic",
		zap.Time("timestamp", e.Timestamp),
		zap.String("src_ip", e.SrcIP),
		zap.String("domain", e.Domain),
		zap.String("action", string(e.Action)),
		zap.String("method", e.Method),
		zap.String("path", e.URLPath),
		ua,
	)
}

// Sync writes every buffered record to disk.
func (w *AuditWriter) Sync() error {
	return w.logger.Sync()
}

// Close flushes buffered records and closes the current file.
func (w *AuditWriter) Close() error {
	_ = w.buf.Stop()
	return w.out.Close()
}

// dailyFile is a zapcore.WriteSyncer that switches to a new lumberjack
// logger whenever the local date changes. The date is taken when a buffer
// is flushed, so records written just before midnight may land in the next
// day's file.
type dailyFile struct {
	cfg AuditConfig
	now func() time.Time

	mu  sync.Mutex
	day string
	lj  *lumberjack.Logger
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format(time.DateOnly)
	if d.lj == nil || day != d.day {
		if d.lj != nil {
			_ = d.lj.Close()
		}
		d.lj = &lumberjack.Logger{
			Filename:   d.path(day),
			MaxSize:    d.cfg.MaxSize,
			MaxBackups: d.cfg.MaxBackups,
			MaxAge:     d.cfg.MaxAge,
			Compress:   d.cfg.Compress,
			LocalTime:  true,
		}
		d.day = day
	}
	return d.lj.Write(p)
}

func (d *dailyFile) Sync() error {
	return nil
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lj == nil {
		return nil
	}
	err := d.lj.Close()
	d.lj = nil
	return err
}

// path returns the file for day: "sase.json" becomes "sase-2006-01-02.json".
func (d *dailyFile) path(day string) string {
	ext := filepath.Ext(d.cfg.Filename)
	base := strings.TrimSuffix(d.cfg.Filename, ext)
	return filepath.Join(d.cfg.Dir, base+"-"+day+ext)
}
