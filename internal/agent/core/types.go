package core

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/session"
)

// Stage names a node of the turn state machine.
type Stage string

const (
	StageStart         Stage = "start"
	StageContextLoaded Stage = "context_loaded"
	StageAnalyzed      Stage = "analyzed"
	StageToolExecuted  Stage = "tool_executed"
	StageGenerated     Stage = "generated"
	StageValidated     Stage = "validated"
	StageRetry         Stage = "retry"
	StageEnd           Stage = "end"
)

// Transition records one edge taken by the state machine.
type Transition struct {
	From  Stage     `json:"from"`
	To    Stage     `json:"to"`
	Cycle int       `json:"cycle"`
	At    time.Time `json:"at"`
}

// Usage accumulates token counts across model calls.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int   `json:"calls"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Calls:        u.Calls + o.Calls,
	}
}

// ChatMessage is a single message sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatRequest is one completion request.
type ChatRequest struct {
	// Purpose labels the calling stage for logs and metrics.
	Purpose     string
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Completion is the model's answer to a ChatRequest.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// LLMProvider is the model collaborator. Errors returned by Chat mean the
// model could not be reached or refused the request.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (Completion, error)
}

// ContextProvider resolves the per-session facts loaded at the start of a turn.
type ContextProvider interface {
	Identify(ctx context.Context, sessionID string) (session.Identity, error)
	CurrentPeriod(ctx context.Context) (session.Period, error)
}

// ToolRunner dispatches a batch of tool calls. It never fails as a whole.
type ToolRunner interface {
	ExecuteMany(ctx context.Context, calls []executor.Call) map[string]executor.Result
}

// TurnResult is returned to the delivery channel for every completed turn.
type TurnResult struct {
	TurnID     string   `json:"turn_id"`
	SessionID  string   `json:"session_id"`
	Reply      string   `json:"reply"`
	Cycles     int      `json:"cycles"`
	Unresolved bool     `json:"unresolved"`
	ToolsUsed  []string `json:"tools_used"`
	Usage      Usage    `json:"usage"`
}

// TurnStatus classifies how a turn ended.
type TurnStatus string

const (
	TurnOK         TurnStatus = "ok"
	TurnUnresolved TurnStatus = "unresolved"
	TurnError      TurnStatus = "error"
)

// ToolUsage describes one executed tool call.
type ToolUsage struct {
	Key      string
	Tool     string
	Duration time.Duration
	Failed   bool
}

// TurnRecord is handed to the TurnRecorder after every turn, including failed ones.
type TurnRecord struct {
	TurnID    string
	SessionID string
	UserID    string
	Route     string
	Prompt    string
	Reply     string
	Status    TurnStatus
	Error     string
	Cycles    int
	Model     string
	Usage     Usage
	Tools     []ToolUsage
	Latency   time.Duration
	Trace     []Transition
	StartedAt time.Time
}

// TurnRecorder persists turn records. Failures are logged by the caller and
// never fail the turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}
