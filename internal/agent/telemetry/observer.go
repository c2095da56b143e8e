package telemetry

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ToolObserver feeds executor events into the tool metrics.
type ToolObserver struct {
	t *Telemetry
}

var _ executor.Observer = (*ToolObserver)(nil)

// ToolObserver returns an executor observer backed by t.
func (t *Telemetry) ToolObserver() *ToolObserver {
	return &ToolObserver{t: t}
}

func (o *ToolObserver) StartBatch(ctx context.Context, size int) {
	if o.t == nil {
		return
	}
	o.t.logger.WithField("calls", size).Debug("tool batch started")
}

func (o *ToolObserver) CallStarted(context.Context, string, executor.Call) {}

func (o *ToolObserver) CallSucceeded(ctx context.Context, key string, call executor.Call, elapsed time.Duration) {
	o.record(ctx, call.Name, "ok", elapsed)
}

func (o *ToolObserver) CallFailed(ctx context.Context, key string, call executor.Call, elapsed time.Duration, err string) {
	o.record(ctx, call.Name, "error", elapsed)
}

func (o *ToolObserver) record(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	t := o.t
	if t == nil || !t.enabled {
		return
	}
	if t.toolCalls != nil {
		t.toolCalls.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("tool", tool), attribute.String("outcome", outcome)))
	}
	if t.toolLatency != nil {
		t.toolLatency.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(attribute.String("tool", tool)))
	}
}
