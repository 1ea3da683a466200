package logutil

import (
	"context"

	"go.uber.org/zap"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_defaultLogger = newDefaultStdLogger()
	_globalLogger  = _defaultLogger
)

func SetLogger(l *zap.Logger) {
	if l == nil {
		_globalLogger = _defaultLogger
		return
	}
	_globalLogger = l
}

// Logger returns the logger carried by ctx, or the global one.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return _globalLogger
	}
	if ctxlogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return ctxlogger
	}
	return _globalLogger
}

// WithLogger stores l in ctx so that Logger(ctx) returns it.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, l)
}

// WithTransaction returns a context whose logger is tagged with the transaction id.
func WithTransaction(ctx context.Context, txnId string) context.Context {
	return WithLogger(ctx, Logger(ctx).With(zap.String("txn", txnId)))
}

func Sync() error {
	return _globalLogger.Sync()
}

func newDefaultStdLogger() *zap.Logger {
	lg, _ := zap.NewProduction()
	return lg
}
