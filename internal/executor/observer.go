package executor

import (
	"context"
	"time"
)

// Observer receives per-call lifecycle events from a batch.
type Observer interface {
	StartBatch(ctx context.Context, size int)
	CallStarted(ctx context.Context, key string, call Call)
	CallSucceeded(ctx context.Context, key string, call Call, elapsed time.Duration)
	CallFailed(ctx context.Context, key string, call Call, elapsed time.Duration, err string)
}

// NoopObserver is a default implementation that records nothing.
type NoopObserver struct{}

// NewNoopObserver returns an observer that does nothing.
func NewNoopObserver() *NoopObserver { return &NoopObserver{} }

func (NoopObserver) StartBatch(context.Context, int) {}

func (NoopObserver) CallStarted(context.Context, string, Call) {}

func (NoopObserver) CallSucceeded(context.Context, string, Call, time.Duration) {}

func (NoopObserver) CallFailed(context.Context, string, Call, time.Duration, string) {}
