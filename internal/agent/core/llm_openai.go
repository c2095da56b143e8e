package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/agent/telemetry"
	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API
// (OpenAI itself, Groq, a local gateway) through go-openai.
type OpenAIProvider struct {
	client    *openai.Client
	telemetry *telemetry.Telemetry
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAIProvider creates a provider. An empty BaseURL targets api.openai.com.
func NewOpenAIProvider(cfg OpenAIConfig, tel *telemetry.Telemetry) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), telemetry: tel}, nil
}

// Chat sends req as a chat completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (Completion, error) {
	if req.Model == "" {
		return Completion{}, errors.New("model not set")
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Completion{}, fmt.Errorf("%s completion failed with status %d: %s", req.Purpose, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return Completion{}, fmt.Errorf("%s completion failed: %w", req.Purpose, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s completion returned no choices", req.Purpose)
	}
	out := Completion{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	p.telemetry.RecordLLM(ctx, telemetry.LLMEvent{
		Purpose:      req.Purpose,
		Model:        req.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	})
	return out, nil
}
