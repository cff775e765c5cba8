// Package logging provides structured logging with optional file output.
// It reads its configuration from PROBEKIT_* environment variables.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Environment variables read by NewLogger.
const (
	EnvLevel  = "PROBEKIT_LOG_LEVEL"
	EnvPrefix = "PROBEKIT_LOG_PREFIX"
	EnvToFile = "PROBEKIT_LOG_TO_FILE"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// ParseLevel maps debug/info/warn/error to a level. Anything else is warn.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.WarnLevel
	}
}

// NewLoggerWithWriter creates a new logger with the provided writer
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	lg.SetLevel(ParseLevel(os.Getenv(EnvLevel)))

	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "probekit"
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a new logger based on environment variables
// PROBEKIT_LOG_LEVEL: debug, info, warn, error (default: warn)
// PROBEKIT_LOG_PREFIX: prefix for log messages (default: "probekit")
// PROBEKIT_LOG_TO_FILE: when set to "1", logs to a timestamped file instead of stderr
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)
	if os.Getenv(EnvToFile) == "1" {
		if f, err := openLogFile(); err == nil {
			output = f
		}
	}
	return NewLoggerWithWriter(output)
}

// NewChildLogger is NewLogger for the exec child process, whose stderr is
// the program's stderr. Without a file sink it discards everything.
func NewChildLogger() *LoggerCloser {
	if os.Getenv(EnvToFile) == "1" {
		if f, err := openLogFile(); err == nil {
			return NewLoggerWithWriter(f)
		}
	}
	return NewLoggerWithWriter(io.Discard)
}

func openLogFile() (*os.File, error) {
	timestamp := time.Now().Format("20060102-150405")
	name := fmt.Sprintf("probekit-%s-%d.log", timestamp, os.Getpid())
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return strings.EqualFold(os.Getenv(EnvLevel), "debug")
}

// Discard returns a logger that drops every message.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// RecoverPanic logs a panic in name with its stack, runs cleanup and
// re-raises nothing. Use it deferred at the top of main.
func RecoverPanic(logger *log.Logger, name string, cleanup func()) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error(fmt.Sprintf("panic in %s", name), "panic", r, "stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
