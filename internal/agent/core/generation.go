package core

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/helpers"
)

const emptyReplyFallback = "Sorry, I couldn't put an answer together just now. Could you ask me again?"

// Generator produces the user-facing reply.
type Generator struct {
	llm      LLMProvider
	model    StageModel
	window   int
	maxRunes int
	now      func() time.Time
}

// NewGenerator creates the generation stage. maxRunes caps the reply length (0 disables).
func NewGenerator(llm LLMProvider, model StageModel, window, maxRunes int) *Generator {
	return &Generator{llm: llm, model: model, window: window, maxRunes: maxRunes, now: time.Now}
}

// Generate writes a reply grounded in the tool results and session facts.
func (g *Generator) Generate(ctx context.Context, st *State) (Update, error) {
	vars := generationVars{
		Facts:      describeFacts(st.UserID, st.Context, g.now()),
		Degraded:   st.Degraded,
		HasResults: len(st.ToolResults) > 0,
		Results:    describeResults(st.ToolResults),
	}
	if st.Context != nil && st.Context.Bank != nil {
		vars.Bank = fmt.Sprintf("%.1f", *st.Context.Bank)
	}
	msgs := append([]ChatMessage{{Role: ChatRoleSystem, Content: render(generationPrompt, vars)}}, history(st.Messages, g.window)...)
	comp, err := g.llm.Chat(ctx, ChatRequest{
		Purpose:     "generation",
		Model:       g.model.Model,
		Messages:    msgs,
		Temperature: g.model.Temperature,
		MaxTokens:   g.model.MaxTokens,
	})
	if err != nil {
		return Update{}, unavailable("generation", err)
	}
	reply := helpers.PlainReply(comp.Content, g.maxRunes)
	if reply == "" {
		reply = emptyReplyFallback
	}
	return Update{
		Response: &reply,
		Usage:    Usage{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens, Calls: 1},
	}, nil
}
