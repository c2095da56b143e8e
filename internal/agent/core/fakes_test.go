package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/capability"
	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/session"
	"github.com/mohammad-safakhou/gaffer/session/inmemory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	noToolsDecision = `{"call_tools": false, "tool_calls": [], "reasoning": "small talk"}`
	salahDecision   = `{"call_tools": true, "tool_calls": [{"name": "get_player_data_tool", "arguments": {"player_names": ["Salah"]}}]}`
	passVerdict     = `{"passed": true, "errors": [], "suggestions": []}`
	failVerdict     = `{"passed": false, "errors": ["Player X not in tool results"], "suggestions": ["Need player data tool for Player X"]}`
)

// scriptedLLM answers by request purpose. Each purpose has a queue of replies;
// the last reply repeats once the queue is drained.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  map[string][]string
	errs     map[string]error
	requests []ChatRequest
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{replies: map[string][]string{}, errs: map[string]error{}}
}

func (s *scriptedLLM) script(purpose string, replies ...string) *scriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[purpose] = append(s.replies[purpose], replies...)
	return s
}

func (s *scriptedLLM) fail(purpose string, err error) *scriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[purpose] = err
	return s
}

func (s *scriptedLLM) Chat(_ context.Context, req ChatRequest) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := s.errs[req.Purpose]; err != nil {
		return Completion{}, err
	}
	queue := s.replies[req.Purpose]
	if len(queue) == 0 {
		return Completion{}, fmt.Errorf("no scripted reply for %s", req.Purpose)
	}
	content := queue[0]
	if len(queue) > 1 {
		s.replies[req.Purpose] = queue[1:]
	}
	return Completion{Content: content, Model: req.Model, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedLLM) calls(purpose string) []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChatRequest
	for _, r := range s.requests {
		if r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

// snapshot is what a stage saw when it was invoked.
type snapshot struct {
	IsRetry          bool
	RetryCount       int
	ToolCalls        int
	ToolResultKeys   []string
	ToolResults      map[string]executor.Result
	ValidationErrors []string
	Degraded         bool
}

func snap(st *State) snapshot {
	keys := make([]string, 0, len(st.ToolResults))
	results := make(map[string]executor.Result, len(st.ToolResults))
	for k, v := range st.ToolResults {
		keys = append(keys, k)
		results[k] = v
	}
	return snapshot{
		IsRetry:          st.IsRetry,
		RetryCount:       st.RetryCount,
		ToolCalls:        len(st.ToolCalls),
		ToolResultKeys:   keys,
		ToolResults:      results,
		ValidationErrors: append([]string(nil), st.ValidationErrors...),
		Degraded:         st.Degraded,
	}
}

type spyAnalyzer struct {
	inner AnalysisStage
	seen  []snapshot
}

func (s *spyAnalyzer) Analyze(ctx context.Context, st *State) (Update, error) {
	s.seen = append(s.seen, snap(st))
	return s.inner.Analyze(ctx, st)
}

type spyGenerator struct {
	inner GenerationStage
	seen  []snapshot
}

func (s *spyGenerator) Generate(ctx context.Context, st *State) (Update, error) {
	s.seen = append(s.seen, snap(st))
	return s.inner.Generate(ctx, st)
}

type staticContext struct {
	identity session.Identity
	period   session.Period
	err      error
	calls    int32
}

func (c *staticContext) Identify(context.Context, string) (session.Identity, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.identity, c.err
}

func (c *staticContext) CurrentPeriod(context.Context) (session.Period, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.period, c.err
}

type memRecorder struct {
	mu      sync.Mutex
	records []TurnRecord
	err     error
}

func (r *memRecorder) RecordTurn(_ context.Context, rec TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *memRecorder) last(t *testing.T) TurnRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

type brokenStore struct{ err error }

func (b brokenStore) Load(context.Context, string) (*session.Record, error) { return nil, b.err }
func (b brokenStore) Save(context.Context, *session.Record) error           { return b.err }
func (b brokenStore) Delete(context.Context, string) error                  { return b.err }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry(t *testing.T, playerInvocations *int32) *capability.Registry {
	t.Helper()
	players := capability.Func{
		ToolName: "get_player_data_tool",
		Desc:     "Price, team and status for named players.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"player_names": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "minItems": 1},
			},
			"required": []string{"player_names"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if playerInvocations != nil {
				atomic.AddInt32(playerInvocations, 1)
			}
			return map[string]interface{}{
				"players": []interface{}{map[string]interface{}{"name": "Mohamed Salah", "team": "Liverpool", "price": 12.5}},
			}, nil
		},
	}
	news := capability.Func{
		ToolName: "news_search_tool",
		Desc:     "Search recent football news.",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string", "minLength": 1}},
			"required":   []string{"query"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"query": args["query"], "articles": []interface{}{}}, nil
		},
	}
	fixtures := capability.Func{
		ToolName: "get_fixtures_tool",
		Desc:     "Upcoming fixtures.",
		Schema:   map[string]interface{}{"type": "object", "properties": map[string]interface{}{"team": map[string]interface{}{"type": "string"}}},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("fixtures endpoint returned 502")
		},
	}
	reg, err := capability.NewRegistry([]capability.Tool{players, news, fixtures})
	require.NoError(t, err)
	return reg
}

type fixture struct {
	llm       *scriptedLLM
	store     *inmemory.Store
	analyzer  *spyAnalyzer
	generator *spyGenerator
	recorder  *memRecorder
	context   *staticContext
	players   int32
	orch      *Orchestrator
}

func newFixture(t *testing.T, llm *scriptedLLM, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		llm:      llm,
		store:    inmemory.NewInMemorySessionStore(time.Hour, 50*time.Millisecond),
		recorder: &memRecorder{},
		context: &staticContext{
			identity: session.Identity{UserID: "manager:2723529", ManagerID: 2723529, ManagerName: "Alex Ferguson"},
			period:   session.Period{Gameweek: 7, Deadline: time.Now().Add(72 * time.Hour)},
		},
	}
	reg := testRegistry(t, &f.players)
	model := StageModel{Model: "test-model"}
	f.analyzer = &spyAnalyzer{inner: NewAnalyzer(llm, reg, model, 10, quietLogger())}
	f.generator = &spyGenerator{inner: NewGenerator(llm, model, 10, 0)}
	orch, err := NewOrchestrator(Dependencies{
		Sessions:  f.store,
		Locker:    f.store,
		Context:   NewContextLoader(f.context, quietLogger()),
		Analyzer:  f.analyzer,
		Tools:     executor.New(reg, executor.WithLogger(quietLogger())),
		Generator: f.generator,
		Validator: NewValidator(llm, model),
		Recorder:  f.recorder,
		Logger:    quietLogger(),
		Model:     "test-model",
	}, opts...)
	require.NoError(t, err)
	f.orch = orch
	return f
}
