// Package state holds the research workflow state and its merge rules.
//
// Every field has a named merge function. Nodes never mutate State
// directly; they return an Update and the coordinating loop applies it.
package state

import (
	"github.com/vinayprograms/deepresearch/internal/llm"
)

// Field identifies a state field.
type Field struct{ key string }

// String returns the serialized field key.
func (f Field) String() string { return f.key }

var (
	FieldMessages           = Field{"messages"}
	FieldResearchBrief      = Field{"research_brief"}
	FieldSupervisorMessages = Field{"supervisor_messages"}
	FieldResearchIterations = Field{"research_iterations"}
	FieldNotes              = Field{"notes"}
	FieldRawNotes           = Field{"raw_notes"}
	FieldFinalReport        = Field{"final_report"}
)

// State is the full workflow state of one thread.
type State struct {
	Messages           []llm.Message `json:"messages"`
	ResearchBrief      string        `json:"research_brief,omitempty"`
	SupervisorMessages []llm.Message `json:"supervisor_messages,omitempty"`
	ResearchIterations int           `json:"research_iterations"`
	Notes              []string      `json:"notes,omitempty"`
	RawNotes           []string      `json:"raw_notes,omitempty"`
	FinalReport        string        `json:"final_report,omitempty"`
}

// Update is a partial state change. Nil pointers and nil slices leave a field untouched.
type Update struct {
	Messages           []llm.Message
	ResearchBrief      *string
	SupervisorMessages []llm.Message
	ResearchIterations *int
	Notes              []string
	RawNotes           []string
	FinalReport        *string
}

// MergeMessages appends incoming transcript messages.
func MergeMessages(existing, incoming []llm.Message) []llm.Message {
	return append(existing, incoming...)
}

// MergeBrief replaces the brief.
func MergeBrief(existing, incoming string) string {
	return incoming
}

// MergeIterations replaces the iteration counter.
func MergeIterations(existing, incoming int) int {
	return incoming
}

// MergeNotes appends notes. Duplicates are kept.
func MergeNotes(existing, incoming []string) []string {
	return append(existing, incoming...)
}

// MergeRawNotes appends raw notes. Duplicates are kept.
func MergeRawNotes(existing, incoming []string) []string {
	return append(existing, incoming...)
}

// MergeFinalReport replaces the final report.
func MergeFinalReport(existing, incoming string) string {
	return incoming
}

// Apply merges u into s and returns the fields it touched, in field order.
func (s *State) Apply(u Update) []Field {
	var touched []Field
	if u.Messages != nil {
		s.Messages = MergeMessages(s.Messages, u.Messages)
		touched = append(touched, FieldMessages)
	}
	if u.ResearchBrief != nil {
		s.ResearchBrief = MergeBrief(s.ResearchBrief, *u.ResearchBrief)
		touched = append(touched, FieldResearchBrief)
	}
	if u.SupervisorMessages != nil {
		s.SupervisorMessages = MergeMessages(s.SupervisorMessages, u.SupervisorMessages)
		touched = append(touched, FieldSupervisorMessages)
	}
	if u.ResearchIterations != nil {
		s.ResearchIterations = MergeIterations(s.ResearchIterations, *u.ResearchIterations)
		touched = append(touched, FieldResearchIterations)
	}
	if u.Notes != nil {
		s.Notes = MergeNotes(s.Notes, u.Notes)
		touched = append(touched, FieldNotes)
	}
	if u.RawNotes != nil {
		s.RawNotes = MergeRawNotes(s.RawNotes, u.RawNotes)
		touched = append(touched, FieldRawNotes)
	}
	if u.FinalReport != nil {
		s.FinalReport = MergeFinalReport(s.FinalReport, *u.FinalReport)
		touched = append(touched, FieldFinalReport)
	}
	return touched
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Messages = cloneMessages(s.Messages)
	c.SupervisorMessages = cloneMessages(s.SupervisorMessages)
	c.Notes = append([]string(nil), s.Notes...)
	c.RawNotes = append([]string(nil), s.RawNotes...)
	return &c
}

func cloneMessages(in []llm.Message) []llm.Message {
	if in == nil {
		return nil
	}
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = m
		out[i].ToolCalls = append([]llm.ToolCallResponse(nil), m.ToolCalls...)
	}
	return out
}

// ToolResultContents returns the content of every tool-result message in msgs, in order.
func ToolResultContents(msgs []llm.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			out = append(out, m.Content)
		}
	}
	return out
}

// String returns a pointer to s, for building Updates.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }
