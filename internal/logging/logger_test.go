package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"INFO", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"", log.WarnLevel},
		{"verbose", log.WarnLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv(EnvLevel, "info")
	t.Setenv(EnvPrefix, "")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	lg.Info("instrumented", "modes", "coverage")
	lg.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "probekit")
	assert.Contains(t, out, "instrumented")
	assert.Contains(t, out, "modes=coverage")
	assert.NotContains(t, out, "hidden")
	assert.NoError(t, lg.Close())
}

func TestIsDebug(t *testing.T) {
	t.Setenv(EnvLevel, "Debug")
	assert.True(t, IsDebug())
	t.Setenv(EnvLevel, "warn")
	assert.False(t, IsDebug())
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	lg := log.New(&buf)
	cleaned := false

	func() {
		defer RecoverPanic(lg, "worker", func() { cleaned = true })
		panic("boom")
	}()

	assert.True(t, cleaned)
	assert.Contains(t, buf.String(), "panic in worker")
}
