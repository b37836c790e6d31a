// Package tools defines the tools exposed to the supervisor and research models.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
)

// Name identifies a tool. The zero value is not a valid tool.
type Name struct{ id string }

// String returns the name the model sees.
func (n Name) String() string { return n.id }

var (
	// Think records a reflection and echoes it back.
	Think = Name{"think"}
	// Search runs a web search.
	Search = Name{"search"}
	// ConductResearch delegates a topic to a research sub-agent.
	ConductResearch = Name{"conduct_research"}
	// ResearchComplete signals that the supervisor is done.
	ResearchComplete = Name{"research_complete"}
)

var known = []Name{Think, Search, ConductResearch, ResearchComplete}

// ParseName maps a model-supplied tool name to a Name.
func ParseName(s string) (Name, error) {
	for _, n := range known {
		if n.id == s {
			return n, nil
		}
	}
	return Name{}, fmt.Errorf("unknown tool %q", s)
}

// Tool is an executable tool.
type Tool interface {
	Name() Name
	Definition() llm.ToolDef
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the tools offered to one model.
type Registry struct {
	order  []Name
	tools  map[Name]Tool
	logger *logging.Logger
}

// NewRegistry creates a registry holding tools, in order.
func NewRegistry(logger *logging.Logger, tools ...Tool) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{tools: make(map[Name]Tool), logger: logger.WithComponent("tools")}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool for name.
func (r *Registry) Get(name Name) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the model-facing definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, n := range r.order {
		defs = append(defs, r.tools[n].Definition())
	}
	return defs
}

// Execute runs one tool call and returns its tool-result message.
// Failures become an "Error: ..." result so the model can react to them.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCallResponse) llm.Message {
	start := time.Now()
	r.logger.ToolCall(call.Name, call.ID)

	content, err := r.execute(ctx, call)
	r.logger.ToolResult(call.Name, time.Since(start), err)
	if err != nil {
		content = fmt.Sprintf("Error: %v", err)
	}
	return llm.ToolMessage(call.ID, call.Name, content)
}

func (r *Registry) execute(ctx context.Context, call llm.ToolCallResponse) (string, error) {
	name, err := ParseName(call.Name)
	if err != nil {
		return "", err
	}
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %s is not available here", name)
	}
	return t.Execute(ctx, call.Args)
}

// stringArg returns a required non-empty string argument.
func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	if s == "" {
		return "", fmt.Errorf("argument %q must not be empty", key)
	}
	return s, nil
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
