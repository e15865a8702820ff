package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"example.com/hqsession/internal/config"
)

// LogFields carries structured key/value context for a single log call.
type LogFields map[string]interface{}

// Level is the minimum severity a Logger will emit.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a configuration string ("debug", "INFO", ...) to a Level.
// Unknown strings default to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO", "":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a thin structured logger used throughout the session engine.
// It wraps a zerolog.Logger and accepts the LogFields map form at call sites
// so that callers never build zerolog event chains themselves.
type Logger struct {
	zl     zerolog.Logger
	output io.WriteCloser
	mu     sync.Mutex // guards output replacement on Close
	closed bool
}

// Config selects the log destination and minimum level.
type Config struct {
	// Target is "stderr", "stdout", or a file path.
	Target string
	Level  Level
}

// New creates a Logger for the given config. A nil config logs to stderr at
// INFO.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Target: "stderr", Level: LevelInfo}
	}

	var out io.WriteCloser
	switch cfg.Target {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: failed to open log file %s: %w", cfg.Target, err)
		}
		out = f
	}

	zl := zerolog.New(out).Level(cfg.Level.zerologLevel()).With().Timestamp().Logger()
	return &Logger{zl: zl, output: out}, nil
}

// FromConfig builds a Logger from a loaded logging section. A nil section
// yields the defaults (stderr at INFO).
func FromConfig(lc *config.LoggingConfig) (*Logger, error) {
	if lc == nil {
		return New(nil)
	}
	return New(&Config{Target: lc.Target, Level: ParseLevel(lc.Level)})
}

// NewTestLogger returns a logger that writes to the given writer at DEBUG.
// Intended for tests; w is typically a bytes.Buffer or io.Discard.
func NewTestLogger(w io.Writer) *Logger {
	zl := zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return &Logger{zl: zl, output: nopCloser{w}}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	zl := zerolog.Nop()
	return &Logger{zl: zl, output: nopCloser{io.Discard}}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (l *Logger) emit(ev *zerolog.Event, msg string, fields LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs at DEBUG level with optional structured fields.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs at INFO level with optional structured fields.
func (l *Logger) Info(msg string, fields LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs at WARNING level with optional structured fields.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs at ERROR level with optional structured fields.
func (l *Logger) Error(msg string, fields LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}

// Close releases a file-backed output. Closing a stdout/stderr logger is a
// no-op. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if f, ok := l.output.(*os.File); ok {
		if f != os.Stdout && f != os.Stderr {
			return f.Close()
		}
	}
	return nil
}
