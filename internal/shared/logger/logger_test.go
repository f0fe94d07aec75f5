package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.in))
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewWithWriter(Config{Level: "info"}, &buf), "workflow")

	l.Debug().Msg("hidden")
	l.Info().Str("job_id", "job-1").Msg("applied")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "applied", entry["message"])
	assert.Equal(t, "workflow", entry["component"])
	assert.Equal(t, "job-1", entry["job_id"])
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{}, &buf)

	untraced := WithTrace(context.Background(), base)
	untraced.Info().Msg("no span")
	assert.NotContains(t, buf.String(), "trace_id")

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	buf.Reset()
	traced := WithTrace(ctx, base)
	traced.Info().Msg("with span")
	assert.Contains(t, buf.String(), "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediator.log")
	l, closer, err := New(Config{Output: path})
	require.NoError(t, err)
	l.Info().Msg("to file")
	require.NoError(t, closer.Close())

	_, _, err = New(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
