// Package logging builds the structured loggers used throughout the
// repository. Components never log through globals: each one takes a
// logr.Logger in its options and falls back to logr.Discard().
package logging

import (
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V(). Level 1 reports per-object
// decisions, level 2 traces memory reads and parser details.
const (
	LevelInfo    = 0
	LevelDebug   = 1
	LevelVerbose = 2
)

// NewLogger returns a zap-backed logger. level is one of "error", "info",
// "debug", or a number n >= 0 meaning V(n) messages are printed.
func NewLogger(level string) (logr.Logger, error) {
	zl, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Sampling = nil
	cfg.Level = zap.NewAtomicLevelAt(zl)
	z, err := cfg.Build()
	if err != nil {
		return logr.Discard(), errors.Wrap(err, "building zap logger")
	}
	return zapr.NewLogger(z), nil
}

// MustNewLogger is like NewLogger but falls back to an info-level logger
// if level cannot be parsed.
func MustNewLogger(level string) logr.Logger {
	log, err := NewLogger(level)
	if err == nil {
		return log
	}
	log, err = NewLogger("info")
	if err != nil {
		return logr.Discard()
	}
	return log
}

// parseLevel maps a level name to a zap level. zapr maps V(n) to zap level
// -n, so verbosity n must enable zap levels down to -n.
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "debug":
		return zapcore.Level(-LevelDebug), nil
	case "verbose":
		return zapcore.Level(-LevelVerbose), nil
	}
	n, err := strconv.Atoi(level)
	if err != nil || n < 0 || n > 127 {
		return zapcore.InfoLevel, errors.Errorf("invalid log level %q", level)
	}
	return zapcore.Level(-n), nil
}
