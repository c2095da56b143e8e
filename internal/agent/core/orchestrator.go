package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/gaffer/internal/agent/telemetry"
	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/session"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxRetries   = 2
	defaultHistoryLimit = 40
)

// ContextStage loads per-session facts. It never fails; missing facts stay unknown.
type ContextStage interface {
	Load(ctx context.Context, st *State) Update
}

// AnalysisStage decides which tools the turn needs.
type AnalysisStage interface {
	Analyze(ctx context.Context, st *State) (Update, error)
}

// GenerationStage writes the reply.
type GenerationStage interface {
	Generate(ctx context.Context, st *State) (Update, error)
}

// ValidationStage checks the reply against the tool results.
type ValidationStage interface {
	Validate(ctx context.Context, st *State) (Update, error)
}

// Dependencies are the collaborators of the Orchestrator. Locker, Recorder and
// Telemetry are optional.
type Dependencies struct {
	Sessions  session.Store
	Locker    session.Locker
	Context   ContextStage
	Analyzer  AnalysisStage
	Tools     ToolRunner
	Generator GenerationStage
	Validator ValidationStage
	Recorder  TurnRecorder
	Telemetry *telemetry.Telemetry
	Logger    logrus.FieldLogger
	// Model is reported in turn records.
	Model string
}

// Orchestrator runs conversation turns through the
// context → analysis → tools → generation → validation graph.
type Orchestrator struct {
	deps         Dependencies
	logger       logrus.FieldLogger
	tracer       trace.Tracer
	maxRetries   int
	turnTimeout  time.Duration
	historyLimit int
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries bounds the number of validation retries. A turn runs at most n+1 cycles.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithTurnTimeout puts a deadline on every turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnTimeout = d }
}

// WithHistoryLimit caps the messages persisted per session.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session store is required")
	case deps.Context == nil:
		return nil, errors.New("orchestrator: context stage is required")
	case deps.Analyzer == nil:
		return nil, errors.New("orchestrator: analysis stage is required")
	case deps.Tools == nil:
		return nil, errors.New("orchestrator: tool runner is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generation stage is required")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validation stage is required")
	}
	logger := deps.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	o := &Orchestrator{
		deps:         deps,
		logger:       logger.WithField("component", "orchestrator"),
		tracer:       otel.Tracer("gaffer/internal/agent/orchestrator"),
		maxRetries:   defaultMaxRetries,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type routeKey struct{}

// WithRoute tags ctx with the delivery channel that started the turn.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFrom(ctx context.Context) string {
	if r, ok := ctx.Value(routeKey{}).(string); ok {
		return r
	}
	return ""
}

// turn is the bookkeeping of one RunTurn call.
type turn struct {
	state   *State
	stage   Stage
	cycle   int
	trace   []Transition
	tools   []ToolUsage
	started time.Time
}

func (o *Orchestrator) move(t *turn, to Stage) {
	t.trace = append(t.trace, Transition{From: t.stage, To: to, Cycle: t.cycle, At: o.now()})
	o.logger.WithFields(logrus.Fields{
		"session_id": t.state.SessionID,
		"turn_id":    t.state.TurnID,
		"cycle":      t.cycle,
		"stage":      string(to),
	}).Debugf("%s -> %s", t.stage, to)
	t.stage = to
}

// RunTurn processes one user message for sessionID and returns the reply.
// Only one turn per session runs at a time. The returned error is non-nil
// only for fatal failures (see IsFatal), a busy session, cancellation or
// invalid input; nothing is persisted in that case.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, message string) (TurnResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	message = strings.TrimSpace(message)
	if sessionID == "" {
		return TurnResult{}, session.ErrInvalidID
	}
	if message == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	t := &turn{
		state: &State{
			SessionID:   sessionID,
			TurnID:      uuid.NewString(),
			ToolResults: map[string]executor.Result{},
		},
		stage:   StageStart,
		cycle:   1,
		started: o.now(),
	}
	ctx, span := o.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.id", t.state.TurnID),
	))
	defer span.End()
	log := o.logger.WithFields(logrus.Fields{"session_id": sessionID, "turn_id": t.state.TurnID})

	result, err := o.runTurn(ctx, t, message)
	status := TurnOK
	switch {
	case err != nil:
		status = TurnError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("turn failed")
	case result.Unresolved:
		status = TurnUnresolved
	}
	span.SetAttributes(attribute.Int("turn.cycles", t.cycle), attribute.String("turn.status", string(status)))
	o.finish(ctx, t, message, result, status, err)
	return result, err
}

func (o *Orchestrator) runTurn(ctx context.Context, t *turn, message string) (TurnResult, error) {
	st := t.state
	if o.deps.Locker != nil {
		release, err := o.deps.Locker.Lock(ctx, st.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrLockTimeout) || ctx.Err() != nil {
				return TurnResult{}, err
			}
			return TurnResult{}, fmt.Errorf("%w: lock: %v", ErrSessionStore, err)
		}
		defer release()
	}

	rec, err := o.deps.Sessions.Load(ctx, st.SessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: load: %v", ErrSessionStore, err)
	}
	st.Messages = append(append([]session.Message(nil), rec.Messages...), session.Message{
		Role:    session.RoleUser,
		Content: message,
		At:      o.now(),
	})
	st.UserID = rec.UserID
	st.Context = rec.Context.Clone()

	if err := o.loop(ctx, t); err != nil {
		return TurnResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}

	rec.Messages = append(st.Messages, session.Message{
		Role:    session.RoleAssistant,
		Content: st.Response,
		At:      o.now(),
	})
	rec.UserID = st.UserID
	rec.Context = st.Context.Clone()
	rec.UpdatedAt = o.now()
	rec.Trim(o.historyLimit)
	if err := o.deps.Sessions.Save(ctx, rec); err != nil {
		return TurnResult{}, fmt.Errorf("%w: save: %v", ErrSessionStore, err)
	}
	o.move(t, StageEnd)

	return TurnResult{
		TurnID:     st.TurnID,
		SessionID:  st.SessionID,
		Reply:      st.Response,
		Cycles:     t.cycle,
		Unresolved: st.Unresolved,
		ToolsUsed:  toolNames(t.tools),
		Usage:      st.Usage,
	}, nil
}

// loop drives the state machine until validation passes, the retry budget is
// spent or a fatal error occurs.
func (o *Orchestrator) loop(ctx context.Context, t *turn) error {
	st := t.state

	up, _ := o.timed(ctx, t, StageContextLoaded, func(ctx context.Context) (Update, error) {
		return o.deps.Context.Load(ctx, st), nil
	})
	st.Apply(up)
	o.move(t, StageContextLoaded)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		up, err := o.timed(ctx, t, StageAnalyzed, func(ctx context.Context) (Update, error) {
			return o.deps.Analyzer.Analyze(ctx, st)
		})
		st.Apply(up)
		if err != nil {
			return o.fallback(ctx, t, "analysis", err)
		}
		o.move(t, StageAnalyzed)

		if len(st.ToolCalls) > 0 {
			o.executeTools(ctx, t)
		} else {
			st.Apply(Update{ExecutedCalls: ptr([]executor.Call{}), ToolResults: ptr(map[string]executor.Result{})})
		}

		if err := o.generate(ctx, t); err != nil {
			return err
		}

		up, err = o.timed(ctx, t, StageValidated, func(ctx context.Context) (Update, error) {
			return o.deps.Validator.Validate(ctx, st)
		})
		st.Apply(up)
		if err != nil {
			return o.fallback(ctx, t, "validation", err)
		}
		o.move(t, StageValidated)
		o.deps.Telemetry.RecordValidation(ctx, st.ValidationPassed, len(st.ValidationErrors))

		if st.ValidationPassed {
			return nil
		}
		if st.RetryCount >= o.maxRetries {
			o.logger.WithFields(logrus.Fields{
				"session_id": st.SessionID,
				"turn_id":    st.TurnID,
				"errors":     st.ValidationErrors,
			}).Warn("retry budget exhausted; replying with unresolved validation gaps")
			st.Apply(Update{
				Response:   ptr(strings.TrimSpace(st.Response) + "\n\n" + limitationNote),
				Unresolved: ptr(true),
			})
			return nil
		}

		st.Apply(retryUpdate(st))
		o.move(t, StageRetry)
		o.deps.Telemetry.RecordRetry(ctx, st.RetryCount)
		t.cycle++
	}
}

func (o *Orchestrator) executeTools(ctx context.Context, t *turn) {
	st := t.state
	calls := st.ToolCalls
	ctx, span := o.tracer.Start(ctx, "stage."+string(StageToolExecuted), trace.WithAttributes(
		attribute.Int("cycle", t.cycle),
		attribute.Int("tools.count", len(calls)),
	))
	start := time.Now()
	results := o.deps.Tools.ExecuteMany(ctx, calls)
	o.deps.Telemetry.RecordStage(ctx, string(StageToolExecuted), time.Since(start))
	span.End()

	keys := executor.ResultKeys(calls)
	for i, key := range keys {
		res := results[key]
		t.tools = append(t.tools, ToolUsage{Key: key, Tool: calls[i].Name, Duration: res.Duration, Failed: res.Failed()})
	}
	st.Apply(Update{
		ToolCalls:     ptr([]executor.Call{}),
		ExecutedCalls: &calls,
		ToolResults:   &results,
	})
	o.move(t, StageToolExecuted)
}

func (o *Orchestrator) generate(ctx context.Context, t *turn) error {
	up, err := o.timed(ctx, t, StageGenerated, func(ctx context.Context) (Update, error) {
		return o.deps.Generator.Generate(ctx, t.state)
	})
	t.state.Apply(up)
	if err != nil {
		return err
	}
	o.move(t, StageGenerated)
	return nil
}

// fallback handles a stage error. Malformed structured output degrades the turn
// to a plain acknowledgment without tools; everything else is returned.
func (o *Orchestrator) fallback(ctx context.Context, t *turn, stage string, err error) error {
	if !errors.Is(err, ErrMalformedOutput) {
		return err
	}
	st := t.state
	o.logger.WithError(err).WithFields(logrus.Fields{
		"session_id": st.SessionID,
		"turn_id":    st.TurnID,
		"stage":      stage,
	}).Warn("structured output unusable after corrective prompt; falling back to acknowledgment")
	o.deps.Telemetry.RecordFallback(ctx, stage)

	st.Apply(Update{
		ToolCalls:     ptr([]executor.Call{}),
		ExecutedCalls: ptr([]executor.Call{}),
		ToolResults:   ptr(map[string]executor.Result{}),
		Degraded:      ptr(true),
		Unresolved:    ptr(true),
	})
	return o.generate(ctx, t)
}

func (o *Orchestrator) timed(ctx context.Context, t *turn, stage Stage, fn func(context.Context) (Update, error)) (Update, error) {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(attribute.Int("cycle", t.cycle)))
	defer span.End()
	start := time.Now()
	up, err := fn(ctx)
	o.deps.Telemetry.RecordStage(ctx, string(stage), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return up, err
}

func (o *Orchestrator) finish(ctx context.Context, t *turn, prompt string, result TurnResult, status TurnStatus, turnErr error) {
	st := t.state
	latency := o.now().Sub(t.started)
	errText := ""
	if turnErr != nil {
		errText = turnErr.Error()
	}
	route := routeFrom(ctx)
	o.deps.Telemetry.RecordTurn(ctx, telemetry.TurnEvent{
		TurnID:    st.TurnID,
		SessionID: st.SessionID,
		Route:     route,
		Status:    string(status),
		Cycles:    t.cycle,
		Duration:  latency,
		Error:     errText,
	})
	if o.deps.Recorder == nil {
		return
	}
	rec := TurnRecord{
		TurnID:    st.TurnID,
		SessionID: st.SessionID,
		UserID:    st.UserID,
		Route:     route,
		Prompt:    prompt,
		Reply:     result.Reply,
		Status:    status,
		Error:     errText,
		Cycles:    t.cycle,
		Model:     o.deps.Model,
		Usage:     st.Usage,
		Tools:     t.tools,
		Latency:   latency,
		Trace:     t.trace,
		StartedAt: t.started,
	}
	// The turn context may already be cancelled; the record is still written.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.deps.Recorder.RecordTurn(recCtx, rec); err != nil {
		o.logger.WithError(err).WithField("turn_id", st.TurnID).Warn("failed to record turn")
	}
}

func toolNames(usages []ToolUsage) []string {
	seen := make(map[string]struct{}, len(usages))
	out := make([]string, 0, len(usages))
	for _, u := range usages {
		if _, ok := seen[u.Tool]; ok {
			continue
		}
		seen[u.Tool] = struct{}{}
		out = append(out, u.Tool)
	}
	return out
}
