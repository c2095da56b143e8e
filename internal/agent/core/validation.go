package core

import (
	"context"
	"strings"
	"time"
)

// Verdict is the structured output of the validation stage.
type Verdict struct {
	Passed      bool     `json:"passed"`
	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions"`
}

// Validator fact-checks a generated reply against the tool results.
type Validator struct {
	llm   LLMProvider
	model StageModel
	now   func() time.Time
}

// NewValidator creates the validation stage.
func NewValidator(llm LLMProvider, model StageModel) *Validator {
	return &Validator{llm: llm, model: model, now: time.Now}
}

// Validate judges st.Response. A passing verdict always carries empty error
// and suggestion lists.
func (v *Validator) Validate(ctx context.Context, st *State) (Update, error) {
	_, verdictSchema, err := outputSchemas()
	if err != nil {
		return Update{}, err
	}
	prompt := render(validationPrompt, validationVars{
		Request: st.LastUserMessage(),
		Reply:   st.Response,
		Results: describeResults(st.ToolResults),
		Facts:   describeFacts(st.UserID, st.Context, v.now()),
	})
	req := ChatRequest{
		Purpose:     "validation",
		Model:       v.model.Model,
		Messages:    []ChatMessage{{Role: ChatRoleSystem, Content: prompt}},
		Temperature: v.model.Temperature,
		MaxTokens:   v.model.MaxTokens,
	}

	var verdict Verdict
	usage, err := structuredCall(ctx, v.llm, req, func(content string) error {
		return decodeStructured(content, verdictSchema, &verdict)
	})
	if err != nil {
		return Update{Usage: usage}, err
	}
	verdict = normalizeVerdict(verdict)
	return Update{
		ValidationPassed:      ptr(verdict.Passed),
		ValidationErrors:      ptr(verdict.Errors),
		ValidationSuggestions: ptr(verdict.Suggestions),
		Usage:                 usage,
	}, nil
}

func normalizeVerdict(v Verdict) Verdict {
	if v.Passed {
		return Verdict{Passed: true, Errors: []string{}, Suggestions: []string{}}
	}
	v.Errors = compact(v.Errors)
	v.Suggestions = compact(v.Suggestions)
	if len(v.Errors) == 0 {
		v.Errors = []string{"the reply was rejected without a stated reason"}
	}
	return v
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
