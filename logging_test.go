package atemnet

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
)

func TestWithDefaultLoggingDoesNotPanic(t *testing.T) {
	ctx := WithDefaultLogging(context.Background())
	assert.NotPanics(t, func() {
		dlog.Infof(ctx, "logging wired: %d", 1)
	})
}
