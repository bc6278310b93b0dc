// Package dcontext carries a structured logger through context.Context, the
// way the teacher's registry threads request-scoped fields (fingerprint,
// manager, request id) into every log line without passing a logger
// explicitly through every function signature.
package dcontext

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   *logrus.Entry = logrus.StandardLogger().WithField("go.version", runtime.Version())
	defaultLoggerMu sync.RWMutex
)

// Logger provides a leveled-logging interface so callers don't need to
// depend on logrus directly.
type Logger interface {
	Print(args ...any)
	Printf(format string, args ...any)
	Println(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Info(args ...any)
	Infof(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	WithError(err error) *logrus.Entry
}

type loggerKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithFields returns a context whose logger has the given fields merged in,
// derived from whatever logger is already attached (or the default).
func WithFields(ctx context.Context, fields map[string]any) context.Context {
	lfields := make(logrus.Fields, len(fields))
	for k, v := range fields {
		lfields[k] = v
	}
	return WithLogger(ctx, getLogrusLogger(ctx).WithFields(lfields))
}

// GetLogger returns the logger attached to ctx, falling back to the default
// standard logger. Any keys given are resolved against the context and
// folded in as fields.
func GetLogger(ctx context.Context, keys ...any) Logger {
	return getLogrusLogger(ctx, keys...)
}

// SetDefaultLogger replaces the base logger new contexts fall back to.
func SetDefaultLogger(entry *logrus.Entry) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = entry
}

func getLogrusLogger(ctx context.Context, keys ...any) *logrus.Entry {
	var logger *logrus.Entry

	if v := ctx.Value(loggerKey{}); v != nil {
		if lgr, ok := v.(*logrus.Entry); ok {
			logger = lgr
		} else if lgr, ok := v.(Logger); ok {
			if e, ok := lgr.(*logrus.Entry); ok {
				logger = e
			}
		}
	}

	if logger == nil {
		defaultLoggerMu.RLock()
		logger = defaultLogger
		defaultLoggerMu.RUnlock()
	}

	if len(keys) == 0 {
		return logger
	}

	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}
	return logger.WithFields(fields)
}
