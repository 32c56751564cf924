// Package logger carries a logrus entry on a context.
package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	ctxKeyLog ctxKey = iota
)

// Entry returns the entry stored on ctx, or a fresh entry on the standard
// logger when none was attached.
func Entry(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKeyLog).(*logrus.Entry); ok {
			return e
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func WithLogEntry(ctx context.Context, e *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKeyLog, e)
}

// Component returns the context entry tagged with a component field.
func Component(ctx context.Context, name string) *logrus.Entry {
	return Entry(ctx).WithField("component", name)
}

// New builds the process logger at the given level ("debug", "info", ...).
func New(level string, json bool) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}
