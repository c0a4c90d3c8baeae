// Package logging wraps logrus with a structured, context-carrying
// logger, adapted from the teacher's common/logger.go: the same
// WithField/WithFields/WithError method set and operation-timing helpers,
// trimmed of the teacher's service-version stamping since this module has
// no comparable release-train concept.
package logging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus' levels under names this module's config uses.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects logrus' output formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls logger construction.
type Config struct {
	Level  Level
	Format Format
	// Service names the component in every log line (e.g. "adsyncd").
	Service string
}

// Logger wraps a *logrus.Entry, pre-seeded with the service field.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	base := logrus.New()
	base.SetLevel(parseLevel(cfg.Level))
	if cfg.Format == FormatJSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	entry := base.WithField("service", cfg.Service)
	return &Logger{entry: entry}
}

func parseLevel(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithField returns a derived Logger carrying one additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived Logger carrying several additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError attaches err under the conventional "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithContext attaches ctx so hooks can pull request-scoped values; this
// module has no request-scoped tracing of its own, so it is currently a
// passthrough kept for parity with the teacher's method set.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{entry: l.entry.WithContext(ctx)}
}

func (l *Logger) Debug(args ...any) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...any)  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...any)  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...any) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...any) { l.entry.Fatal(args...) }

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// LogOperation logs the start and completion of a named operation, and
// returns a func to call on completion that logs elapsed duration and any
// error. Used around bulk-load phases and snapshot writes.
func (l *Logger) LogOperation(op string) func(err error) {
	start := time.Now()
	l.WithField("operation", op).Debug("operation started")
	return func(err error) {
		l.LogDuration(op, time.Since(start), err)
	}
}

// LogDuration logs op's elapsed duration, at Error level if err != nil.
func (l *Logger) LogDuration(op string, elapsed time.Duration, err error) {
	entry := l.WithFields(map[string]any{
		"operation":   op,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return
	}
	entry.Debug("operation completed")
}

// LogPanic logs a recovered panic with its value and a short note that
// the caller is expected to re-raise (per spec.md's "consumer thread
// panic: fatal, re-raise").
func (l *Logger) LogPanic(recovered any) {
	l.WithField("panic", recovered).Error("recovered panic, re-raising")
}
