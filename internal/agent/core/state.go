package core

import (
	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/session"
)

// State is the working state of one turn. It is owned by the Orchestrator;
// stages read it and return an Update that the Orchestrator merges.
type State struct {
	SessionID string
	TurnID    string
	Messages  []session.Message
	UserID    string
	Context   *session.Context

	// ToolCalls is non-empty only between analysis and tool execution.
	ToolCalls []executor.Call
	// ExecutedCalls holds the calls dispatched in the current cycle.
	ExecutedCalls []executor.Call
	ToolResults   map[string]executor.Result

	Response  string
	Generated bool

	IsRetry    bool
	RetryCount int
	// PreviousCalls is the call set of the cycle that failed validation.
	PreviousCalls []executor.Call

	ValidationPassed      bool
	ValidationErrors      []string
	ValidationSuggestions []string

	// Degraded marks a turn that fell back to a plain acknowledgment.
	Degraded   bool
	Unresolved bool

	Usage Usage
}

// Update is a partial change to State. Nil pointer fields are left untouched.
type Update struct {
	UserID  *string
	Context *session.Context

	ToolCalls     *[]executor.Call
	ExecutedCalls *[]executor.Call
	ToolResults   *map[string]executor.Result

	Response *string

	IsRetry       *bool
	RetryCount    *int
	PreviousCalls *[]executor.Call

	ValidationPassed      *bool
	ValidationErrors      *[]string
	ValidationSuggestions *[]string

	Degraded   *bool
	Unresolved *bool

	// Usage is added to the running total.
	Usage Usage
}

// Empty reports whether applying u would change nothing.
func (u Update) Empty() bool {
	return u.UserID == nil && u.Context == nil && u.ToolCalls == nil && u.ExecutedCalls == nil &&
		u.ToolResults == nil && u.Response == nil && u.IsRetry == nil && u.RetryCount == nil &&
		u.PreviousCalls == nil && u.ValidationPassed == nil && u.ValidationErrors == nil &&
		u.ValidationSuggestions == nil && u.Degraded == nil && u.Unresolved == nil && u.Usage == (Usage{})
}

// Apply merges u into s.
func (s *State) Apply(u Update) {
	if u.UserID != nil {
		s.UserID = *u.UserID
	}
	if u.Context != nil {
		s.Context = u.Context.Clone()
	}
	if u.ToolCalls != nil {
		s.ToolCalls = *u.ToolCalls
	}
	if u.ExecutedCalls != nil {
		s.ExecutedCalls = *u.ExecutedCalls
	}
	if u.ToolResults != nil {
		s.ToolResults = *u.ToolResults
	}
	if u.Response != nil {
		s.Response = *u.Response
		s.Generated = true
	}
	if u.IsRetry != nil {
		s.IsRetry = *u.IsRetry
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
	if u.PreviousCalls != nil {
		s.PreviousCalls = *u.PreviousCalls
	}
	if u.ValidationPassed != nil {
		s.ValidationPassed = *u.ValidationPassed
	}
	if u.ValidationErrors != nil {
		s.ValidationErrors = *u.ValidationErrors
	}
	if u.ValidationSuggestions != nil {
		s.ValidationSuggestions = *u.ValidationSuggestions
	}
	if u.Degraded != nil {
		s.Degraded = *u.Degraded
	}
	if u.Unresolved != nil {
		s.Unresolved = *u.Unresolved
	}
	s.Usage = s.Usage.Add(u.Usage)
}

// retryUpdate is the retry transition: tool state is cleared, the failed
// call set is remembered and the next analysis pass is flagged as a retry.
// Validation feedback stays in place for the analysis prompt.
func retryUpdate(s *State) Update {
	previous := append([]executor.Call(nil), s.ExecutedCalls...)
	return Update{
		ToolCalls:     ptr([]executor.Call{}),
		ExecutedCalls: ptr([]executor.Call{}),
		ToolResults:   ptr(map[string]executor.Result{}),
		PreviousCalls: &previous,
		IsRetry:       ptr(true),
		RetryCount:    ptr(s.RetryCount + 1),
	}
}

// LastUserMessage returns the newest user message, or "".
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == session.RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

func ptr[T any](v T) *T { return &v }
