package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config represents logger configuration
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	Output     string `yaml:"output"` // stdout, stderr or a file path
	TimeFormat string `yaml:"time_format"`
	Caller     bool   `yaml:"caller"`
}

// New builds a zerolog logger from cfg. The returned closer releases the log
// file when Output names one; it is a no-op otherwise.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)

	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	return NewWithWriter(cfg, output), closer, nil
}

// NewWithWriter builds a logger that writes to w.
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	if cfg.Format == "console" {
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// WithTrace adds the trace id of the active span in ctx, if any.
func WithTrace(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return l.With().Str("trace_id", span.SpanContext().TraceID().String()).Logger()
	}
	return l
}

// ParseLevel parses a log level string. Unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
