package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/capability"
	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/sirupsen/logrus"
)

// StageModel selects the model and sampling settings used by a stage.
type StageModel struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Decision is the structured output of the analysis stage.
type Decision struct {
	CallTools bool            `json:"call_tools"`
	ToolCalls []executor.Call `json:"tool_calls"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// Analyzer asks the model which tools, if any, the latest message needs.
type Analyzer struct {
	llm      LLMProvider
	registry *capability.Registry
	model    StageModel
	window   int
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewAnalyzer creates the analysis stage. window caps the history sent to the model.
func NewAnalyzer(llm LLMProvider, registry *capability.Registry, model StageModel, window int, logger logrus.FieldLogger) *Analyzer {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Analyzer{llm: llm, registry: registry, model: model, window: window, logger: logger, now: time.Now}
}

// Analyze returns the validated tool calls for st and consumes the retry flag.
// Output that stays malformed after one corrective re-prompt is reported as a
// *MalformedOutputError.
func (a *Analyzer) Analyze(ctx context.Context, st *State) (Update, error) {
	analysisSchema, _, err := outputSchemas()
	if err != nil {
		return Update{}, err
	}
	vars := analysisVars{
		Menu:  a.registry.Menu(),
		Facts: describeFacts(st.UserID, st.Context, a.now()),
	}
	if st.IsRetry {
		vars.Retry = true
		vars.Errors = st.ValidationErrors
		vars.Suggestions = st.ValidationSuggestions
		vars.Previous = describeCalls(st.PreviousCalls)
	}
	msgs := append([]ChatMessage{{Role: ChatRoleSystem, Content: render(analysisPrompt, vars)}}, history(st.Messages, a.window)...)
	req := ChatRequest{
		Purpose:     "analysis",
		Model:       a.model.Model,
		Messages:    msgs,
		Temperature: a.model.Temperature,
		MaxTokens:   a.model.MaxTokens,
	}

	var calls []executor.Call
	usage, err := structuredCall(ctx, a.llm, req, func(content string) error {
		var d Decision
		if err := decodeStructured(content, analysisSchema, &d); err != nil {
			return err
		}
		validated, err := a.checkDecision(d)
		if err != nil {
			return err
		}
		calls = validated
		return nil
	})
	update := Update{Usage: usage, IsRetry: ptr(false)}
	if err != nil {
		return update, err
	}
	if st.IsRetry && sameCalls(calls, st.PreviousCalls) {
		a.logger.WithFields(logrus.Fields{"session_id": st.SessionID, "stage": string(StageAnalyzed)}).
			Debug("retry analysis repeated the previous tool set")
	}
	update.ToolCalls = &calls
	return update, nil
}

// checkDecision enforces the decision invariants and normalises arguments.
func (a *Analyzer) checkDecision(d Decision) ([]executor.Call, error) {
	if !d.CallTools {
		if len(d.ToolCalls) > 0 {
			return nil, errors.New("call_tools is false but tool_calls is not empty")
		}
		return []executor.Call{}, nil
	}
	if len(d.ToolCalls) == 0 {
		return nil, errors.New("call_tools is true but no tool_calls were given")
	}
	out := make([]executor.Call, 0, len(d.ToolCalls))
	for i, c := range d.ToolCalls {
		if !a.registry.Has(c.Name) {
			return nil, fmt.Errorf("tool_calls[%d]: %w: %s", i, capability.ErrToolNotFound, c.Name)
		}
		args, err := a.registry.Validate(c.Name, c.Arguments)
		if err != nil {
			return nil, fmt.Errorf("tool_calls[%d]: %w", i, err)
		}
		out = append(out, executor.Call{Name: c.Name, Arguments: args})
	}
	return out, nil
}

func sameCalls(a, b []executor.Call) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return describeCalls(a) == describeCalls(b)
}
