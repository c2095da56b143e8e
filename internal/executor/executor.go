package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/capability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Call is a request to invoke one registered tool.
type Call struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Result is either a tool payload or a structured failure. It never carries
// both: a non-empty Error marks the call as failed.
type Result struct {
	Payload  interface{}   `json:"-"`
	Error    string        `json:"-"`
	Tool     string        `json:"-"`
	Duration time.Duration `json:"-"`
}

// Failed reports whether the call produced an error marker.
func (r Result) Failed() bool { return r.Error != "" }

// MarshalJSON renders failures as {"error": "..."} and successes as the raw payload.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	return json.Marshal(r.Payload)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var failure struct {
		Error *string `json:"error"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err == nil && len(probe) == 1 {
			if err := json.Unmarshal(data, &failure); err == nil && failure.Error != nil {
				*r = Result{Error: *failure.Error}
				return nil
			}
		}
	}
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	*r = Result{Payload: payload}
	return nil
}

// Executor dispatches tool calls against a registry.
type Executor struct {
	registry    *capability.Registry
	logger      logrus.FieldLogger
	observer    Observer
	concurrency int
	callTimeout time.Duration
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(ex *Executor) {
		if l != nil {
			ex.logger = l
		}
	}
}

// WithObserver sets the observer notified about every call.
func WithObserver(o Observer) Option {
	return func(ex *Executor) {
		if o != nil {
			ex.observer = o
		}
	}
}

// WithConcurrency caps the number of calls running at once. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(ex *Executor) {
		ex.concurrency = n
	}
}

// WithCallTimeout bounds every individual call.
func WithCallTimeout(d time.Duration) Option {
	return func(ex *Executor) {
		ex.callTimeout = d
	}
}

// New creates a new Executor instance.
func New(registry *capability.Registry, opts ...Option) *Executor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	ex := &Executor{registry: registry, logger: discard, observer: NewNoopObserver()}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Registry exposes the registry the executor dispatches against.
func (e *Executor) Registry() *capability.Registry { return e.registry }

// ExecuteOne validates and runs a single call. Failures are returned as
// error results, never as Go errors.
func (e *Executor) ExecuteOne(ctx context.Context, name string, args map[string]interface{}) Result {
	return e.run(ctx, name, Call{Name: name, Arguments: args})
}

// ExecuteMany runs every call concurrently and waits for all of them to
// settle. The returned map has exactly one entry per call; see ResultKeys.
func (e *Executor) ExecuteMany(ctx context.Context, calls []Call) map[string]Result {
	keys := ResultKeys(calls)
	results := make([]Result, len(calls))
	e.observer.StartBatch(ctx, len(calls))

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i := range calls {
		i := i
		g.Go(func() error {
			results[i] = e.run(ctx, keys[i], calls[i])
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(calls))
	for i, key := range keys {
		out[key] = results[i]
	}
	return out
}

func (e *Executor) run(ctx context.Context, key string, call Call) (res Result) {
	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{"tool": call.Name, "key": key})
	e.observer.CallStarted(ctx, key, call)
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Error: fmt.Sprintf("tool %s panicked: %v", call.Name, rec)}
		}
		res.Tool = call.Name
		res.Duration = time.Since(start)
		if res.Failed() {
			log.WithField("error", res.Error).Warn("tool call failed")
			e.observer.CallFailed(ctx, key, call, res.Duration, res.Error)
			return
		}
		log.WithField("elapsed", res.Duration).Debug("tool call succeeded")
		e.observer.CallSucceeded(ctx, key, call, res.Duration)
	}()

	if err := ctx.Err(); err != nil {
		return Result{Error: fmt.Sprintf("tool %s not started: %v", call.Name, err)}
	}
	tool, err := e.registry.Resolve(call.Name)
	if err != nil {
		return Result{Error: err.Error()}
	}
	args, err := e.registry.Validate(call.Name, call.Arguments)
	if err != nil {
		return Result{Error: err.Error()}
	}

	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	payload, err := tool.Invoke(callCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			return Result{Error: fmt.Sprintf("tool %s timed out after %s", call.Name, e.callTimeout)}
		}
		return Result{Error: err.Error()}
	}
	return Result{Payload: payload}
}

// ResultKeys returns the result-map key for every call. The first call to a
// tool uses the bare tool name; later calls to the same tool get an ordinal
// suffix (name_1, name_2, ...). Keys are unique within the batch.
func ResultKeys(calls []Call) []string {
	keys := make([]string, len(calls))
	used := make(map[string]bool, len(calls))
	seen := make(map[string]int, len(calls))
	for i, c := range calls {
		key := c.Name
		n := seen[c.Name]
		if n > 0 {
			key = fmt.Sprintf("%s_%d", c.Name, n)
		}
		for used[key] {
			n++
			key = fmt.Sprintf("%s_%d", c.Name, n)
		}
		seen[c.Name] = n + 1
		used[key] = true
		keys[i] = key
	}
	return keys
}
