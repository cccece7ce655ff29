package obs

import (
	"context"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
)

func TestInit_EmptyDSNIsNoOp(t *testing.T) {
	err := Init(Config{}, "v0.0.0-test")
	assert.NoError(t, err)
}

func TestStartSpanAndFinishSpan_DoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		ctx, span := StartSpan(context.Background(), SpanOpDetect, "unit-test-span")
		FinishSpan(span, nil)
		_ = ctx
	})
}

func TestFinishSpan_NilSpanIsNoOp(t *testing.T) {
	assert.NotPanics(t, func() {
		FinishSpan(nil, errors.New("boom"))
	})
}

func TestAddBreadcrumbAndCaptureException_DoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		AddBreadcrumb(context.Background(), "stream", "supervisor reconnecting", sentry.LevelWarning)
		CaptureException(context.Background(), errors.New("boom"))
		CaptureException(context.Background(), nil)
	})
}

func TestFlush_DoesNotBlockWithoutDeadline(t *testing.T) {
	assert.NotPanics(t, func() {
		Flush(context.Background())
	})
}
