package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Microsecond, "250µs"},
		{1500 * time.Microsecond, "1.50ms"},
		{2500 * time.Millisecond, "2.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "a very...", TruncateString("a very long name", 9))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
	assert.Equal(t, "ab   ", PadRight("ab", 5))
	assert.Equal(t, "abcdef", PadRight("abcdef", 3))
}

func TestTable(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	Table(&buf, []string{"ID", "KIND"}, [][]string{
		{"demo/sentiment-bow", "checkpoint"},
		{"acme/tiny@v1", "bundle"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"ID                  KIND",
		"demo/sentiment-bow  checkpoint",
		"acme/tiny@v1        bundle",
	}, lines)
}

func TestStageProgressWithoutBars(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	p := NewStageProgress(&buf, false)
	p.Stage("export")
	p.Progress("export", 1, 2)
	p.Stage("optimize")
	p.Done()

	out := buf.String()
	assert.Contains(t, out, "==> export")
	assert.Contains(t, out, "export took")
	assert.Contains(t, out, "optimize took")
	assert.NotContains(t, out, "[")
}

func TestStageProgressSilent(t *testing.T) {
	p := NewStageProgress(nil, true)
	p.Stage("export")
	p.Progress("export", 1, 2)
	p.Done()
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
