package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func newTestTelemetry(t *testing.T) (*Telemetry, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTelemetry(true, provider.Meter("test"), nil), reader
}

func TestRecordTurnAndValidation(t *testing.T) {
	tel, reader := newTestTelemetry(t)
	ctx := context.Background()

	tel.RecordTurn(ctx, TurnEvent{TurnID: "t1", Status: "ok", Route: "api", Cycles: 1, Duration: time.Second})
	tel.RecordTurn(ctx, TurnEvent{TurnID: "t2", Status: "unresolved", Route: "api", Cycles: 3, Duration: 2 * time.Second})
	tel.RecordValidation(ctx, false, 2)
	tel.RecordValidation(ctx, true, 0)
	tel.RecordRetry(ctx, 1)
	tel.RecordLLM(ctx, LLMEvent{Purpose: "analysis", Model: "m", InputTokens: 100, OutputTokens: 20})

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, metrics["gaffer_turns_total"], "status", "ok"))
	assert.Equal(t, int64(1), sumFor(t, metrics["gaffer_turns_total"], "status", "unresolved"))
	assert.Equal(t, int64(1), sumFor(t, metrics["gaffer_validations_total"], "outcome", "failed"))
	assert.Equal(t, int64(100), sumFor(t, metrics["gaffer_llm_tokens_total"], "direction", "input"))
	assert.Equal(t, int64(20), sumFor(t, metrics["gaffer_llm_tokens_total"], "direction", "output"))
	assert.Contains(t, metrics, "gaffer_turn_cycles")
	assert.Contains(t, metrics, "gaffer_retries_total")
}

func TestToolObserverCountsOutcomes(t *testing.T) {
	tel, reader := newTestTelemetry(t)
	obs := tel.ToolObserver()
	ctx := context.Background()

	call := executor.Call{Name: "news_search_tool"}
	obs.StartBatch(ctx, 2)
	obs.CallSucceeded(ctx, "news_search_tool", call, 10*time.Millisecond)
	obs.CallFailed(ctx, "news_search_tool_1", call, 5*time.Millisecond, "upstream 500")

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, metrics["gaffer_tool_calls_total"], "outcome", "ok"))
	assert.Equal(t, int64(1), sumFor(t, metrics["gaffer_tool_calls_total"], "outcome", "error"))
	assert.Equal(t, int64(2), sumFor(t, metrics["gaffer_tool_calls_total"], "tool", "news_search_tool"))
}

func TestDisabledTelemetryIsSilent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tel := NewTelemetry(false, provider.Meter("test"), nil)

	tel.RecordTurn(context.Background(), TurnEvent{Status: "ok"})
	tel.ToolObserver().CallSucceeded(context.Background(), "k", executor.Call{Name: "x"}, time.Millisecond)

	assert.Empty(t, collect(t, reader))

	var nilTel *Telemetry
	nilTel.RecordTurn(context.Background(), TurnEvent{})
}
