package core

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	baseMu sync.RWMutex
	base   = zap.NewNop()
)

// InitLogger replaces the process logger. Unknown levels fall back to info.
func InitLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger installs l as the process logger.
func SetLogger(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

func baseLogger() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// WithDefaultLogger returns a context carrying a logger tagged with reqId.
func WithDefaultLogger(parent context.Context, reqId string) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, loggerKey{}, baseLogger().Sugar().With("req_id", reqId))
}

// Logger returns the context logger or the process logger.
func Logger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return baseLogger().Sugar()
}

func Infof(ctx context.Context, tpl string, args ...any) {
	Logger(ctx).Infof(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	Logger(ctx).Warnf(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	Logger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	Logger(ctx).Debugf(tpl, args...)
}
