// Package scope decides whether a request is ready for research and turns
// the conversation into a research brief.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/state"
)

var clarifySchema = llm.MustSchema(llm.ToolDef{
	Name:        "clarify_with_user",
	Description: "Decide whether the user must answer a clarifying question before research starts.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"need_clarification": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the user needs to be asked a clarifying question.",
			},
			"question": map[string]interface{}{
				"type":        "string",
				"description": "A question to ask the user to clarify the report scope.",
			},
			"verification": map[string]interface{}{
				"type":        "string",
				"description": "Verify message that research will start after the user has provided the necessary information.",
			},
		},
		"required": []string{"need_clarification", "question", "verification"},
	},
})

var briefSchema = llm.MustSchema(llm.ToolDef{
	Name:        "research_question",
	Description: "A research brief that will guide the research.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"research_brief": map[string]interface{}{
				"type":        "string",
				"description": "A research question that will be used to guide the research.",
			},
		},
		"required": []string{"research_brief"},
	},
})

// Decision is the clarifier's verdict.
type Decision struct {
	NeedClarification bool   `json:"need_clarification"`
	Question          string `json:"question"`
	Verification      string `json:"verification"`
}

// ResearchQuestion is the brief writer's output.
type ResearchQuestion struct {
	ResearchBrief string `json:"research_brief"`
}

// ErrEmptyBrief is returned when the model produced a blank brief.
var ErrEmptyBrief = errors.New("model returned an empty research brief")

// Scoper runs the clarification and brief steps.
type Scoper struct {
	model   llm.Provider
	prompts prompts.Source
}

// New creates a Scoper.
func New(model llm.Provider, src prompts.Source) *Scoper {
	return &Scoper{model: model, prompts: src}
}

// Clarify decides whether to ask the user a question. The update appends
// the question, or the verification message when research can start.
func (s *Scoper) Clarify(ctx context.Context, st *state.State) (Decision, state.Update, error) {
	prompt, err := prompts.Render(s.prompts, prompts.ClarifyWithUser, map[string]string{
		"messages": BufferString(st.Messages),
		"date":     prompts.Today(),
	})
	if err != nil {
		return Decision{}, state.Update{}, err
	}

	var d Decision
	if err := clarifySchema.Decode(ctx, s.model, []llm.Message{llm.UserMessage(prompt)}, &d); err != nil {
		return Decision{}, state.Update{}, fmt.Errorf("clarify: %w", err)
	}

	reply := d.Verification
	if d.NeedClarification {
		reply = d.Question
	}
	return d, state.Update{Messages: []llm.Message{llm.AssistantMessage(reply)}}, nil
}

// WriteBrief turns the conversation into a research brief and seeds the
// supervisor transcript with it.
func (s *Scoper) WriteBrief(ctx context.Context, st *state.State) (state.Update, error) {
	prompt, err := prompts.Render(s.prompts, prompts.TransformToBrief, map[string]string{
		"messages": BufferString(st.Messages),
		"date":     prompts.Today(),
	})
	if err != nil {
		return state.Update{}, err
	}

	var q ResearchQuestion
	if err := briefSchema.Decode(ctx, s.model, []llm.Message{llm.UserMessage(prompt)}, &q); err != nil {
		return state.Update{}, fmt.Errorf("research brief: %w", err)
	}
	brief := strings.TrimSpace(q.ResearchBrief)
	if brief == "" {
		return state.Update{}, ErrEmptyBrief
	}

	return state.Update{
		ResearchBrief:      state.String(brief),
		SupervisorMessages: []llm.Message{llm.UserMessage(brief + ".")},
	}, nil
}

// BufferString renders a transcript as "Role: content" lines.
func BufferString(msgs []llm.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, rolePrefix(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func rolePrefix(r llm.Role) string {
	switch r {
	case llm.RoleUser:
		return "Human"
	case llm.RoleAssistant:
		return "AI"
	case llm.RoleSystem:
		return "System"
	case llm.RoleTool:
		return "Tool"
	}
	return string(r)
}
