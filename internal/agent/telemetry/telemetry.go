package telemetry

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const meterName = "gaffer/internal/agent"

// Telemetry records turn, stage, tool and token metrics through OpenTelemetry
// instruments and mirrors notable events to the log.
type Telemetry struct {
	enabled bool
	logger  logrus.FieldLogger

	turns        otelmetric.Int64Counter
	turnCycles   otelmetric.Int64Histogram
	turnLatency  otelmetric.Float64Histogram
	stageLatency otelmetric.Float64Histogram
	toolCalls    otelmetric.Int64Counter
	toolLatency  otelmetric.Float64Histogram
	tokens       otelmetric.Int64Counter
	validations  otelmetric.Int64Counter
	retries      otelmetric.Int64Counter
	fallbacks    otelmetric.Int64Counter
}

// TurnEvent summarises one finished turn.
type TurnEvent struct {
	TurnID    string
	SessionID string
	Route     string
	Status    string
	Cycles    int
	Duration  time.Duration
	Error     string
}

// LLMEvent describes one model call.
type LLMEvent struct {
	Purpose      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// NewTelemetry builds the instruments on meter. A nil meter uses the global
// meter provider; a nil logger discards output.
func NewTelemetry(enabled bool, meter otelmetric.Meter, logger logrus.FieldLogger) *Telemetry {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	t := &Telemetry{enabled: enabled, logger: logger.WithField("component", "telemetry")}
	if !enabled {
		return t
	}

	var err error
	if t.turns, err = meter.Int64Counter("gaffer_turns_total",
		otelmetric.WithDescription("Conversation turns by outcome")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_turns_total")
	}
	if t.turnCycles, err = meter.Int64Histogram("gaffer_turn_cycles",
		otelmetric.WithDescription("Analysis-generation-validation cycles per turn")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_turn_cycles")
	}
	if t.turnLatency, err = meter.Float64Histogram("gaffer_turn_duration_seconds",
		otelmetric.WithDescription("End-to-end turn latency"), otelmetric.WithUnit("s")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_turn_duration_seconds")
	}
	if t.stageLatency, err = meter.Float64Histogram("gaffer_stage_duration_seconds",
		otelmetric.WithDescription("Latency of each state machine stage"), otelmetric.WithUnit("s")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_stage_duration_seconds")
	}
	if t.toolCalls, err = meter.Int64Counter("gaffer_tool_calls_total",
		otelmetric.WithDescription("Tool invocations by tool and outcome")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_tool_calls_total")
	}
	if t.toolLatency, err = meter.Float64Histogram("gaffer_tool_duration_seconds",
		otelmetric.WithDescription("Tool invocation latency"), otelmetric.WithUnit("s")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_tool_duration_seconds")
	}
	if t.tokens, err = meter.Int64Counter("gaffer_llm_tokens_total",
		otelmetric.WithDescription("Model tokens by stage and direction")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_llm_tokens_total")
	}
	if t.validations, err = meter.Int64Counter("gaffer_validations_total",
		otelmetric.WithDescription("Validation verdicts by outcome")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_validations_total")
	}
	if t.retries, err = meter.Int64Counter("gaffer_retries_total",
		otelmetric.WithDescription("Retry transitions taken after failed validation")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_retries_total")
	}
	if t.fallbacks, err = meter.Int64Counter("gaffer_fallbacks_total",
		otelmetric.WithDescription("Turns that fell back after malformed model output")); err != nil {
		t.logger.WithError(err).Warn("metrics init: gaffer_fallbacks_total")
	}
	return t
}

// RecordTurn records a finished turn.
func (t *Telemetry) RecordTurn(ctx context.Context, ev TurnEvent) {
	if t == nil || !t.enabled {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("status", ev.Status), attribute.String("route", ev.Route))
	if t.turns != nil {
		t.turns.Add(ctx, 1, attrs)
	}
	if t.turnCycles != nil && ev.Cycles > 0 {
		t.turnCycles.Record(ctx, int64(ev.Cycles), attrs)
	}
	if t.turnLatency != nil {
		t.turnLatency.Record(ctx, ev.Duration.Seconds(), attrs)
	}
	entry := t.logger.WithFields(logrus.Fields{
		"turn_id":    ev.TurnID,
		"session_id": ev.SessionID,
		"status":     ev.Status,
		"cycles":     ev.Cycles,
		"elapsed":    ev.Duration.String(),
	})
	if ev.Error != "" {
		entry.WithField("error", ev.Error).Error("turn failed")
		return
	}
	entry.Info("turn finished")
}

// RecordStage records how long a stage took.
func (t *Telemetry) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if t == nil || !t.enabled || t.stageLatency == nil {
		return
	}
	t.stageLatency.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("stage", stage)))
}

// RecordLLM records token usage of one model call.
func (t *Telemetry) RecordLLM(ctx context.Context, ev LLMEvent) {
	if t == nil || !t.enabled || t.tokens == nil {
		return
	}
	base := []attribute.KeyValue{attribute.String("purpose", ev.Purpose), attribute.String("model", ev.Model)}
	t.tokens.Add(ctx, ev.InputTokens, otelmetric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	t.tokens.Add(ctx, ev.OutputTokens, otelmetric.WithAttributes(append(base, attribute.String("direction", "output"))...))
}

// RecordValidation records a validation verdict.
func (t *Telemetry) RecordValidation(ctx context.Context, passed bool, errorCount int) {
	if t == nil || !t.enabled || t.validations == nil {
		return
	}
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	t.validations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	if !passed {
		t.logger.WithField("errors", errorCount).Debug("validation failed")
	}
}

// RecordRetry records a retry transition.
func (t *Telemetry) RecordRetry(ctx context.Context, attempt int) {
	if t == nil || !t.enabled || t.retries == nil {
		return
	}
	t.retries.Add(ctx, 1, otelmetric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordFallback records a degraded turn caused by malformed output of stage.
func (t *Telemetry) RecordFallback(ctx context.Context, stage string) {
	if t == nil || !t.enabled || t.fallbacks == nil {
		return
	}
	t.fallbacks.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stage", stage)))
}
