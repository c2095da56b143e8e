package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var queryArgs = map[string]interface{}{
	"type":                 "object",
	"properties":           map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
	"required":             []string{"query"},
	"additionalProperties": false,
}

func tool(name string, fn func(ctx context.Context, args map[string]interface{}) (interface{}, error)) capability.Tool {
	return capability.Func{ToolName: name, Desc: name, Schema: queryArgs, Fn: fn}
}

func newExecutor(t *testing.T, opts []Option, tools ...capability.Tool) *Executor {
	t.Helper()
	reg, err := capability.NewRegistry(tools)
	require.NoError(t, err)
	return New(reg, opts...)
}

type recordingObserver struct {
	mu        sync.Mutex
	batches   []int
	started   []string
	succeeded []string
	failed    map[string]string
}

func (o *recordingObserver) StartBatch(_ context.Context, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, size)
}

func (o *recordingObserver) CallStarted(_ context.Context, key string, _ Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, key)
}

func (o *recordingObserver) CallSucceeded(_ context.Context, key string, _ Call, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, key)
}

func (o *recordingObserver) CallFailed(_ context.Context, key string, _ Call, _ time.Duration, err string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed == nil {
		o.failed = map[string]string{}
	}
	o.failed[key] = err
}

func TestResultKeys(t *testing.T) {
	cases := []struct {
		name  string
		calls []string
		want  []string
	}{
		{"empty", nil, []string{}},
		{"distinct", []string{"a", "b"}, []string{"a", "b"}},
		{"duplicates", []string{"news_search_tool", "news_search_tool", "news_search_tool"}, []string{"news_search_tool", "news_search_tool_1", "news_search_tool_2"}},
		{"interleaved", []string{"a", "b", "a", "b"}, []string{"a", "b", "a_1", "b_1"}},
		{"suffix collides with real name", []string{"a_1", "a", "a"}, []string{"a_1", "a", "a_2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := make([]Call, len(tc.calls))
			for i, n := range tc.calls {
				calls[i] = Call{Name: n}
			}
			assert.Equal(t, tc.want, ResultKeys(calls))
		})
	}
}

func TestExecuteOneSuccess(t *testing.T) {
	ex := newExecutor(t, nil, tool("echo", func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": args["query"]}, nil
	}))

	res := ex.ExecuteOne(context.Background(), "echo", map[string]interface{}{"query": "salah"})
	require.False(t, res.Failed())
	assert.Equal(t, map[string]interface{}{"echo": "salah"}, res.Payload)
	assert.Equal(t, "echo", res.Tool)
}

func TestExecuteOneFailuresBecomeResults(t *testing.T) {
	ex := newExecutor(t, nil,
		tool("boom", func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream returned 500")
		}),
		tool("panics", func(context.Context, map[string]interface{}) (interface{}, error) {
			panic("nil map")
		}),
	)
	ctx := context.Background()

	res := ex.ExecuteOne(ctx, "boom", map[string]interface{}{"query": "x"})
	assert.Equal(t, "upstream returned 500", res.Error)

	res = ex.ExecuteOne(ctx, "panics", map[string]interface{}{"query": "x"})
	assert.Contains(t, res.Error, "panicked")

	res = ex.ExecuteOne(ctx, "missing", nil)
	assert.Equal(t, "unknown tool: missing", res.Error)

	res = ex.ExecuteOne(ctx, "boom", map[string]interface{}{"q": "x"})
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestExecuteManyIsolatesFailures(t *testing.T) {
	obs := &recordingObserver{}
	ex := newExecutor(t, []Option{WithObserver(obs)},
		tool("ok", func(context.Context, map[string]interface{}) (interface{}, error) {
			return []string{"fine"}, nil
		}),
		tool("bad", func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("bad request")
		}),
	)

	calls := []Call{
		{Name: "ok", Arguments: map[string]interface{}{"query": "1"}},
		{Name: "bad", Arguments: map[string]interface{}{"query": "2"}},
		{Name: "ghost", Arguments: map[string]interface{}{}},
		{Name: "ok", Arguments: map[string]interface{}{"query": 4}},
	}
	results := ex.ExecuteMany(context.Background(), calls)

	require.Len(t, results, 4)
	assert.Equal(t, []string{"fine"}, results["ok"].Payload)
	assert.Equal(t, "bad request", results["bad"].Error)
	assert.Equal(t, "unknown tool: ghost", results["ghost"].Error)
	assert.Contains(t, results["ok_1"].Error, "invalid arguments")

	assert.Equal(t, []int{4}, obs.batches)
	assert.Len(t, obs.started, 4)
	assert.ElementsMatch(t, []string{"ok"}, obs.succeeded)
	assert.Len(t, obs.failed, 3)
}

func TestExecuteManyRunsConcurrently(t *testing.T) {
	const n = 3
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	ex := newExecutor(t, nil, tool("wait", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		arrived.Done()
		select {
		case <-release:
			return "done", nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("calls were serialised")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	calls := make([]Call, n)
	for i := range calls {
		calls[i] = Call{Name: "wait", Arguments: map[string]interface{}{"query": "x"}}
	}
	results := ex.ExecuteMany(context.Background(), calls)
	require.Len(t, results, n)
	for key, res := range results {
		assert.Falsef(t, res.Failed(), "%s: %s", key, res.Error)
	}
}

func TestExecuteManyRespectsConcurrencyLimit(t *testing.T) {
	var running, peak int32
	ex := newExecutor(t, []Option{WithConcurrency(2)}, tool("slow", func(context.Context, map[string]interface{}) (interface{}, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "ok", nil
	}))

	calls := make([]Call, 6)
	for i := range calls {
		calls[i] = Call{Name: "slow", Arguments: map[string]interface{}{"query": "x"}}
	}
	results := ex.ExecuteMany(context.Background(), calls)
	assert.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecuteManyCallTimeout(t *testing.T) {
	ex := newExecutor(t, []Option{WithCallTimeout(20 * time.Millisecond)}, tool("hang", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	results := ex.ExecuteMany(context.Background(), []Call{{Name: "hang", Arguments: map[string]interface{}{"query": "x"}}})
	require.Len(t, results, 1)
	assert.Contains(t, results["hang"].Error, "timed out")
}

func TestExecuteManyCancelledContext(t *testing.T) {
	var invoked int32
	ex := newExecutor(t, nil, tool("never", func(context.Context, map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&invoked, 1)
		return "ran", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := ex.ExecuteMany(ctx, []Call{
		{Name: "never", Arguments: map[string]interface{}{"query": "x"}},
		{Name: "never", Arguments: map[string]interface{}{"query": "y"}},
	})
	require.Len(t, results, 2)
	assert.True(t, results["never"].Failed())
	assert.True(t, results["never_1"].Failed())
	assert.Zero(t, atomic.LoadInt32(&invoked))
}

func TestResultJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Result{
		"a": {Payload: map[string]interface{}{"price": 12.5}},
		"b": {Error: "unknown tool: x"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"price":12.5},"b":{"error":"unknown tool: x"}}`, string(raw))

	var back map[string]Result
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "unknown tool: x", back["b"].Error)
	assert.Equal(t, map[string]interface{}{"price": 12.5}, back["a"].Payload)
}
