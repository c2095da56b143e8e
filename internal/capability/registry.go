package capability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a named, schema-described capability the assistant can call.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Schema   map[string]interface{}
	Fn       func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (f Func) Name() string                        { return f.ToolName }
func (f Func) Description() string                 { return f.Desc }
func (f Func) InputSchema() map[string]interface{} { return f.Schema }

func (f Func) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("tool %s has no implementation", f.ToolName)
	}
	return f.Fn(ctx, args)
}

// ToolCard represents registry metadata for a tool.
type ToolCard struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Checksum    string                 `json:"checksum"`
}

var (
	// ErrToolNotFound indicates a lookup for a tool that is not registered.
	ErrToolNotFound = errors.New("unknown tool")
	// ErrInvalidArguments indicates arguments that do not satisfy a tool's input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
)

type entry struct {
	tool   Tool
	card   ToolCard
	schema *jsonschema.Schema
}

// Registry is the immutable catalog of tools, built once at startup.
type Registry struct {
	order    []string
	entries  map[string]entry
	menu     string
	checksum string
}

// NewRegistry compiles every tool's input schema and derives the tool menu.
// Required names, when given, must all be present.
func NewRegistry(tools []Tool, required ...string) (*Registry, error) {
	reg := &Registry{entries: make(map[string]entry, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		name := strings.TrimSpace(t.Name())
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := reg.entries[name]; dup {
			return nil, fmt.Errorf("tool %s registered twice", name)
		}
		schemaDoc := t.InputSchema()
		if schemaDoc == nil {
			schemaDoc = map[string]interface{}{"type": "object"}
		}
		compiled, err := compileSchema(name, schemaDoc)
		if err != nil {
			return nil, err
		}
		card := ToolCard{Name: name, Description: strings.TrimSpace(t.Description()), InputSchema: schemaDoc}
		checksum, err := ComputeChecksum(card)
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", name, err)
		}
		card.Checksum = checksum
		reg.entries[name] = entry{tool: t, card: card, schema: compiled}
		reg.order = append(reg.order, name)
	}
	for _, r := range required {
		if _, ok := reg.entries[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, r)
		}
	}
	reg.menu = buildMenu(reg.List())
	sum := sha256.Sum256([]byte(reg.menu))
	reg.checksum = hex.EncodeToString(sum[:])
	return reg, nil
}

func compileSchema(name string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	url := "tool://" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// List returns tool cards in declaration order.
func (r *Registry) List() []ToolCard {
	if r == nil {
		return nil
	}
	out := make([]ToolCard, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].card)
	}
	return out
}

// Names returns registered tool names in declaration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.entries[name]
	return ok
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Validate checks args against the named tool's input schema and returns the
// arguments normalised to their JSON representation.
func (r *Registry) Validate(name string, args map[string]interface{}) (map[string]interface{}, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	normalized, err := normalizeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
	}
	if err := e.schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
	}
	return normalized, nil
}

// Menu returns the prompt-ready tool catalog derived from the registry.
func (r *Registry) Menu() string {
	if r == nil {
		return ""
	}
	return r.menu
}

// Checksum fingerprints the current tool menu.
func (r *Registry) Checksum() string {
	if r == nil {
		return ""
	}
	return r.checksum
}

func normalizeArguments(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeChecksum returns a deterministic hash of the ToolCard payload.
func ComputeChecksum(tc ToolCard) (string, error) {
	payload := map[string]interface{}{
		"name":         tc.Name,
		"description":  tc.Description,
		"input_schema": tc.InputSchema,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

func buildMenu(cards []ToolCard) string {
	var b strings.Builder
	for i, card := range cards {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s(%s): %s", card.Name, strings.Join(describeArguments(card.InputSchema), ", "), card.Description)
	}
	return b.String()
}

// describeArguments renders "name: type" pairs, required arguments first and
// optional ones suffixed with "?" and their default when declared.
func describeArguments(schema map[string]interface{}) []string {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	var ordered []string
	for _, r := range stringList(schema["required"]) {
		if _, ok := props[r]; ok && !required[r] {
			required[r] = true
			ordered = append(ordered, r)
		}
	}
	var optional []string
	for name := range props {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	sort.Strings(optional)
	ordered = append(ordered, optional...)

	out := make([]string, 0, len(ordered))
	for _, name := range ordered {
		prop, _ := props[name].(map[string]interface{})
		arg := name
		if !required[name] {
			arg += "?"
		}
		arg += ": " + typeName(prop)
		if def, ok := prop["default"]; ok {
			arg += fmt.Sprintf(" = %v", def)
		}
		out = append(out, arg)
	}
	return out
}

func typeName(prop map[string]interface{}) string {
	if prop == nil {
		return "any"
	}
	if enum := prop["enum"]; enum != nil {
		if vals := stringList(enum); len(vals) > 0 {
			return strings.Join(vals, "|")
		}
	}
	t, _ := prop["type"].(string)
	switch t {
	case "":
		return "any"
	case "array":
		items, _ := prop["items"].(map[string]interface{})
		return "array<" + typeName(items) + ">"
	default:
		return t
	}
}

func stringList(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			out = append(out, fmt.Sprint(x))
		}
		return out
	default:
		return nil
	}
}
