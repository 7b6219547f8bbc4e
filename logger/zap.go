package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/btrcore"
)

// Zap wraps a zap.Logger to implement btrcore.Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a btrcore.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) btrcore.Logger {
	return &Zap{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *Zap) Error(msg string, args ...any) {
	z.logger.Error(msg, zapFields(args)...)
}

func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warn(msg, zapFields(args)...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.logger.Info(msg, zapFields(args)...)
}

// Sync flushes buffered log entries.
func (z *Zap) Sync() error {
	return z.logger.Sync()
}

func zapFields(args []any) []zap.Field {
	f := make([]zap.Field, 0, (len(args)+1)/2)
	pairs(args, func(key string, v any) {
		if err, ok := v.(error); ok {
			f = append(f, zap.NamedError(key, err))
			return
		}
		f = append(f, zap.Any(key, v))
	})
	return f
}
