package utils

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger handed to stores, services and workers.
// A nil *Logger is valid and discards everything.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stderr, "info")
}

func NewLoggerWithWriter(w io.Writer, level string) *Logger {
	if w == nil {
		w = io.Discard
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

func (l *Logger) With(key, value string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.zl.Error().Msgf(format, args...)
}

// Fatalf logs and exits the process. Only the migration runner reaches it.
func (l *Logger) Fatalf(format string, args ...any) {
	if l == nil {
		os.Exit(1)
	}
	l.zl.Fatal().Msgf(format, args...)
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
