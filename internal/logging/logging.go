// Package logging provides the structured logger used throughout flowkeep,
// a thin wrapper around logrus.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so call sites can add fields without
// depending on logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and output destination.
type Config struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DefaultConfig returns the engine's logging defaults: info level, text
// format, stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Output: "stdout", FilePrefix: "flowkeepd"}
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "flowkeepd"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			l.Errorf("create logs directory: %v", err)
			break
		}
		path := filepath.Join("logs", prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault builds a Logger with DefaultConfig, for call sites that don't
// load a full Config (tests, one-off tools). name is not attached to the
// logger's output.
func NewDefault(name string) *Logger {
	l := New(DefaultConfig())
	return &Logger{Logger: l.Logger}
}

type ctxKey struct{}

// WithContext attaches l to ctx, for handlers further down the call chain
// that only have a context.Context available.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached by WithContext, or a default
// logger if none was attached.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewDefault("flowkeepd")
}

// WithField returns a log entry carrying one structured field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying several structured fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithTraceID returns a log entry tagged with a request's trace id.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithField("trace_id", traceID)
}
