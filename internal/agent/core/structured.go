package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/mohammad-safakhou/gaffer/internal/helpers"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/analysis_decision.json
var analysisSchemaJSON string

//go:embed schemas/validation_verdict.json
var verdictSchemaJSON string

var (
	compileOnce    sync.Once
	analysisSchema *jsonschema.Schema
	verdictSchema  *jsonschema.Schema
	compileErr     error
)

func outputSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compile := func(name, doc string) (*jsonschema.Schema, error) {
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(name, strings.NewReader(doc)); err != nil {
				return nil, fmt.Errorf("add schema resource %s: %w", name, err)
			}
			return compiler.Compile(name)
		}
		if analysisSchema, compileErr = compile("analysis_decision.json", analysisSchemaJSON); compileErr != nil {
			return
		}
		verdictSchema, compileErr = compile("validation_verdict.json", verdictSchemaJSON)
	})
	return analysisSchema, verdictSchema, compileErr
}

// decodeStructured extracts the JSON object from content, validates it
// against schema and decodes it into out.
func decodeStructured(content string, schema *jsonschema.Schema, out interface{}) error {
	raw, err := helpers.ExtractJSONObject(content)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("does not match schema: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// structuredCall asks the model for a JSON object and hands the answer to
// check. An answer rejected by check is re-prompted once with the reason;
// a second rejection yields a *MalformedOutputError.
func structuredCall(ctx context.Context, llm LLMProvider, req ChatRequest, check func(content string) error) (Usage, error) {
	var (
		usage   Usage
		lastErr error
	)
	req.JSON = true
	for attempt := 0; attempt < 2; attempt++ {
		comp, err := llm.Chat(ctx, req)
		if err != nil {
			return usage, unavailable(req.Purpose, err)
		}
		usage = usage.Add(Usage{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens, Calls: 1})
		cerr := check(comp.Content)
		if cerr == nil {
			return usage, nil
		}
		lastErr = &MalformedOutputError{Stage: req.Purpose, Raw: comp.Content, Err: cerr}

		msgs := make([]ChatMessage, 0, len(req.Messages)+2)
		msgs = append(msgs, req.Messages...)
		msgs = append(msgs,
			ChatMessage{Role: ChatRoleAssistant, Content: comp.Content},
			ChatMessage{Role: ChatRoleUser, Content: fmt.Sprintf(correctiveTemplate, cerr)},
		)
		req.Messages = msgs
	}
	return usage, lastErr
}

func unavailable(purpose string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLLMUnavailable, purpose, err)
}
