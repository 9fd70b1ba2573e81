package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureDefault(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	SetupWriter(&buf, level, format)
	return &buf
}

func TestFromContextCarriesRequestIDAndAttrs(t *testing.T) {
	buf := captureDefault(t, "debug", "JSON")

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithAttrs(ctx, "job", "job-1")
	ctx = WithAttrs(ctx, "attempt", 2)
	FromContext(ctx).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-123", line["request_id"])
	assert.Equal(t, "job-1", line["job"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.Equal(t, "hello", line["msg"])
}

func TestWithAttrsDoesNotLeakToParent(t *testing.T) {
	buf := captureDefault(t, "info", "json")

	parent := WithAttrs(context.Background(), "a", 1)
	_ = WithAttrs(parent, "b", 2)
	FromContext(parent).Info("x")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Contains(t, line, "a")
	assert.NotContains(t, line, "b")
}

func TestRequestIDMissing(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info+2", slog.LevelInfo + 2},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestTextFormatFiltersBelowLevel(t *testing.T) {
	buf := captureDefault(t, "warn", "text")
	slog.Info("dropped")
	slog.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "level=WARN")
}
