package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoStructuredOutput is returned when the model neither called the
// output tool nor answered with a JSON object.
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// Schema is a typed-output contract: the model answers by calling a
// single tool whose arguments must validate against Parameters.
type Schema struct {
	def      ToolDef
	compiled *jsonschema.Schema
}

// NewSchema compiles def.Parameters as a JSON Schema.
func NewSchema(def ToolDef) (*Schema, error) {
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", def.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", def.Name, err)
	}

	name := def.Name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to add %s resource: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return &Schema{def: def, compiled: compiled}, nil
}

// MustSchema is NewSchema for package-level schema literals.
func MustSchema(def ToolDef) *Schema {
	s, err := NewSchema(def)
	if err != nil {
		panic(err)
	}
	return s
}

// Def returns the tool definition used to request the output.
func (s *Schema) Def() ToolDef { return s.def }

// Decode asks p for a structured answer to messages and decodes it into out.
func (s *Schema) Decode(ctx context.Context, p Provider, messages []Message, out interface{}) error {
	msgs := make([]Message, 0, len(messages)+1)
	msgs = append(msgs, messages...)
	msgs = append(msgs, UserMessage(fmt.Sprintf("Respond only by calling the %s tool.", s.def.Name)))

	resp, err := p.Chat(ctx, ChatRequest{Messages: msgs, Tools: []ToolDef{s.def}})
	if err != nil {
		return err
	}
	return s.DecodeResponse(resp, out)
}

// DecodeResponse extracts, validates and decodes the structured payload of resp.
func (s *Schema) DecodeResponse(resp *ChatResponse, out interface{}) error {
	raw, err := s.payload(resp)
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%s: invalid JSON: %w", s.def.Name, err)
	}
	if err := s.compiled.Validate(instance); err != nil {
		return fmt.Errorf("%s: schema validation failed: %w", s.def.Name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", s.def.Name, err)
	}
	return nil
}

func (s *Schema) payload(resp *ChatResponse) ([]byte, error) {
	for _, tc := range resp.ToolCalls {
		if tc.Name == s.def.Name {
			args := tc.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			return json.Marshal(args)
		}
	}
	if obj := extractJSONObject(resp.Content); obj != "" {
		return []byte(obj), nil
	}
	return nil, fmt.Errorf("%s: %w", s.def.Name, ErrNoStructuredOutput)
}

// extractJSONObject returns the outermost {...} span of s, tolerating code fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
