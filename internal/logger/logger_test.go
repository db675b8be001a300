package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelDebug).With("stage", "quantize")

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Debug("weights quantized", "nodes", 2)

	out := buf.String()
	assert.Contains(t, out, "weights quantized")
	assert.Contains(t, out, "stage=quantize")
	assert.Contains(t, out, "nodes=2")
}

func TestFromContextDefault(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
}

func TestFromConfigJSON(t *testing.T) {
	var buf bytes.Buffer
	FromConfig(&buf, "json", "info").Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	FromConfig(&buf, "text", "error").Info("hidden")
	assert.Empty(t, buf.String())
}
