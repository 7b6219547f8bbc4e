package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/btrcore"
)

// Logrus wraps a logrus entry to implement btrcore.Logger.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus creates a btrcore.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) btrcore.Logger {
	return &Logrus{entry: logrus.NewEntry(logger)}
}

// NewLogrusEntry creates a btrcore.Logger that keeps the fields of entry.
func NewLogrusEntry(entry *logrus.Entry) btrcore.Logger {
	return &Logrus{entry: entry}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Info(msg)
}

func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	pairs(args, func(key string, v any) {
		f[key] = v
	})
	return f
}
