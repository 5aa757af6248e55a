package atemnet

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// NewDefaultLogger returns the logrus.Logger this module wires into dlog
// when the caller doesn't supply a logging context of their own (AMBIENT
// STACK: logging framework choice is otherwise left to the application,
// but a library still needs a sane default the first time Connect is
// called against a bare context.Background()).
func NewDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// WithDefaultLogging wires NewDefaultLogger's logrus logger into ctx as
// the dlog backend: logrus does the actual writing, dlog stays the
// call-site-facing API the rest of the module uses.
func WithDefaultLogging(ctx context.Context) context.Context {
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logrus.NewEntry(NewDefaultLogger())))
}
