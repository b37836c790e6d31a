package tools

import (
	"context"
	"fmt"

	"github.com/vinayprograms/deepresearch/internal/llm"
)

// ThinkTool records a strategic reflection. It has no side effects.
type ThinkTool struct{}

func (ThinkTool) Name() Name { return Think }

func (ThinkTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name: Think.String(),
		Description: "Tool for strategic reflection on research progress and decision-making. " +
			"Use it after each search to analyze results and plan next steps: what concrete " +
			"information was found, what is still missing, and whether to continue or answer.",
		Parameters: objectSchema(map[string]interface{}{
			"reflection": map[string]interface{}{
				"type":        "string",
				"description": "Your detailed reflection on research progress, findings, gaps, and next steps",
			},
		}, "reflection"),
	}
}

// Execute echoes the reflection.
func (ThinkTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	reflection, err := Reflection(args)
	if err != nil {
		return "", err
	}
	return ReflectionRecorded(reflection), nil
}

// Reflection extracts the reflection argument of a think call.
func Reflection(args map[string]interface{}) (string, error) {
	return stringArg(args, "reflection")
}

// ReflectionRecorded is the think tool's result text.
func ReflectionRecorded(reflection string) string {
	return fmt.Sprintf("Reflection recorded: %s", reflection)
}

// Runner runs a web search for a query and returns formatted results.
type Runner interface {
	Run(ctx context.Context, queries ...string) (string, error)
}

// SearchTool exposes web search to research sub-agents.
type SearchTool struct {
	runner Runner
}

// NewSearchTool wraps runner as a tool.
func NewSearchTool(runner Runner) *SearchTool {
	return &SearchTool{runner: runner}
}

func (t *SearchTool) Name() Name { return Search }

func (t *SearchTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        Search.String(),
		Description: "Search the web and return deduplicated results with summarized page content.",
		Parameters: objectSchema(map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "A single search query to execute",
			},
		}, "query"),
	}
}

// Execute runs the query.
func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	return t.runner.Run(ctx, query)
}

// ConductResearchDef declares the delegation tool. The supervisor handles
// these calls itself, so there is no Tool implementation.
func ConductResearchDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        ConductResearch.String(),
		Description: "Tool for delegating a research task to a specialized sub-agent.",
		Parameters: objectSchema(map[string]interface{}{
			"research_topic": map[string]interface{}{
				"type": "string",
				"description": "The topic to research. Should be a single topic, and should be described " +
					"in high detail (at least a paragraph).",
			},
		}, "research_topic"),
	}
}

// ResearchTopic extracts the topic of a conduct_research call.
func ResearchTopic(args map[string]interface{}) (string, error) {
	return stringArg(args, "research_topic")
}

// ResearchCompleteDef declares the completion signal.
func ResearchCompleteDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        ResearchComplete.String(),
		Description: "Tool for indicating that the research process is complete.",
		Parameters:  objectSchema(map[string]interface{}{}),
	}
}
