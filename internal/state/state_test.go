package state

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/vinayprograms/deepresearch/internal/llm"
)

func TestApply_AppendAndReplace(t *testing.T) {
	s := &State{
		Messages:      []llm.Message{llm.UserMessage("q")},
		ResearchBrief: "old",
		Notes:         []string{"n1"},
		RawNotes:      []string{"r1"},
	}

	touched := s.Apply(Update{
		Messages:           []llm.Message{llm.AssistantMessage("a")},
		ResearchBrief:      String("new"),
		ResearchIterations: Int(2),
		Notes:              []string{"n1"},
		RawNotes:           []string{"r2"},
	})

	if len(s.Messages) != 2 || s.Messages[1].Content != "a" {
		t.Errorf("messages should be appended, got %+v", s.Messages)
	}
	if s.ResearchBrief != "new" {
		t.Errorf("brief should be replaced, got %q", s.ResearchBrief)
	}
	if s.ResearchIterations != 2 {
		t.Errorf("iterations should be replaced, got %d", s.ResearchIterations)
	}
	if !reflect.DeepEqual(s.Notes, []string{"n1", "n1"}) {
		t.Errorf("notes should append without dedupe, got %v", s.Notes)
	}
	if !reflect.DeepEqual(s.RawNotes, []string{"r1", "r2"}) {
		t.Errorf("raw notes should append, got %v", s.RawNotes)
	}

	want := []Field{FieldMessages, FieldResearchBrief, FieldResearchIterations, FieldNotes, FieldRawNotes}
	if !reflect.DeepEqual(touched, want) {
		t.Errorf("touched = %v, want %v", touched, want)
	}
}

func TestApply_EmptyUpdateTouchesNothing(t *testing.T) {
	s := &State{ResearchBrief: "keep"}
	if touched := s.Apply(Update{}); len(touched) != 0 {
		t.Errorf("expected no fields touched, got %v", touched)
	}
	if s.ResearchBrief != "keep" {
		t.Error("brief changed by empty update")
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := &State{
		SupervisorMessages: []llm.Message{{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCallResponse{{ID: "1"}}}},
		Notes:              []string{"a"},
	}
	c := s.Clone()
	c.Notes[0] = "b"
	c.SupervisorMessages[0].ToolCalls[0].ID = "2"

	if s.Notes[0] != "a" || s.SupervisorMessages[0].ToolCalls[0].ID != "1" {
		t.Error("clone shares memory with the original")
	}
}

func TestToolResultContents(t *testing.T) {
	msgs := []llm.Message{
		llm.UserMessage("brief."),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCallResponse{{ID: "1"}}},
		llm.ToolMessage("1", "think", "Reflection recorded: x"),
		llm.ToolMessage("2", "conduct_research", "findings"),
	}
	got := ToolResultContents(msgs)
	if !reflect.DeepEqual(got, []string{"Reflection recorded: x", "findings"}) {
		t.Errorf("unexpected contents %v", got)
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	ctx := WithBudget(context.Background(), b)
	if err := BudgetFrom(ctx).Spend("a"); err != nil {
		t.Fatal(err)
	}
	if err := BudgetFrom(ctx).Spend("b"); err != nil {
		t.Fatal(err)
	}
	if err := BudgetFrom(ctx).Spend("c"); !errors.Is(err, ErrRecursionLimit) {
		t.Errorf("expected ErrRecursionLimit, got %v", err)
	}
	if b.Used() != 3 {
		t.Errorf("Used = %d", b.Used())
	}

	var none *Budget
	if err := none.Spend("x"); err != nil || none.Used() != 0 {
		t.Error("nil budget should be unlimited")
	}
	if BudgetFrom(context.Background()) != nil {
		t.Error("expected no budget on a bare context")
	}
}
