package researcher

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/tools"
)

type stubRunner struct {
	queries []string
}

func (s *stubRunner) Run(ctx context.Context, queries ...string) (string, error) {
	s.queries = append(s.queries, queries...)
	return "--- SOURCE 1: " + strings.Join(queries, ",") + " ---", nil
}

func newAgent(t *testing.T, model, compressor llm.Provider, opts ...Option) (*Agent, *stubRunner) {
	t.Helper()
	catalog, err := prompts.NewCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	runner := &stubRunner{}
	registry := tools.NewRegistry(nil, tools.NewSearchTool(runner), tools.ThinkTool{})
	return New(model, compressor, registry, catalog, opts...), runner
}

func searchCall(id, query string) llm.ToolCallResponse {
	return llm.ToolCallResponse{ID: id, Name: "search", Args: map[string]interface{}{"query": query}}
}

func TestResearch_ToolLoopThenCompress(t *testing.T) {
	model := llm.NewMockProvider()
	model.QueueResponses(
		&llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{searchCall("1", "aws pricing"), searchCall("2", "gcp pricing")}},
		&llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{ID: "3", Name: "think", Args: map[string]interface{}{"reflection": "enough"}}}},
		&llm.ChatResponse{Content: "done"},
	)
	compressor := llm.NewMockProvider()
	compressor.SetResponse("compressed findings")

	agent, runner := newAgent(t, model, compressor)
	res, err := agent.Research(context.Background(), "cloud pricing")
	if err != nil {
		t.Fatalf("research error: %v", err)
	}

	if res.CompressedResearch != "compressed findings" {
		t.Errorf("unexpected compressed research %q", res.CompressedResearch)
	}
	if res.Rounds != 2 {
		t.Errorf("expected 2 tool rounds, got %d", res.Rounds)
	}
	if !reflect.DeepEqual(runner.queries, []string{"aws pricing", "gcp pricing"}) {
		t.Errorf("searches should run in request order, got %v", runner.queries)
	}

	want := strings.Join([]string{
		"",
		"--- SOURCE 1: aws pricing ---",
		"--- SOURCE 1: gcp pricing ---",
		"",
		"Reflection recorded: enough",
		"done",
	}, "\n")
	if len(res.RawNotes) != 1 || res.RawNotes[0] != want {
		t.Errorf("raw notes mismatch:\n got %q\nwant %q", res.RawNotes, want)
	}

	// Decide prompts carry the system prompt, the topic and the tool definitions.
	first := model.Requests()[0]
	if first.Messages[0].Role != llm.RoleSystem || first.Messages[1].Content != "cloud pricing" {
		t.Errorf("unexpected decide prompt %+v", first.Messages[:2])
	}
	if len(first.Tools) != 2 {
		t.Errorf("expected search and think tools, got %d", len(first.Tools))
	}

	// Compress sees system + transcript + closing human message and no tools.
	creq := compressor.LastRequest()
	if len(creq.Tools) != 0 {
		t.Error("compression must not offer tools")
	}
	last := creq.Messages[len(creq.Messages)-1]
	if creq.Messages[0].Role != llm.RoleSystem || last.Role != llm.RoleUser {
		t.Errorf("unexpected compress framing: first %s, last %s", creq.Messages[0].Role, last.Role)
	}
	if len(creq.Messages) != 2+7 {
		t.Errorf("expected 9 compress messages, got %d", len(creq.Messages))
	}
}

func TestResearch_NoToolCallsGoesStraightToCompress(t *testing.T) {
	model := llm.NewMockProvider()
	model.SetResponse("I already know this")
	compressor := llm.NewMockProvider()
	compressor.SetResponse("summary")

	agent, runner := newAgent(t, model, compressor)
	res, err := agent.Research(context.Background(), "topic")
	if err != nil {
		t.Fatal(err)
	}
	if model.CallCount() != 1 || len(runner.queries) != 0 {
		t.Errorf("expected one decide and no searches, got %d calls %v", model.CallCount(), runner.queries)
	}
	if res.RawNotes[0] != "I already know this" {
		t.Errorf("unexpected raw notes %q", res.RawNotes)
	}
}

func TestResearch_ToolRoundCap(t *testing.T) {
	model := llm.NewMockProvider()
	model.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{searchCall("x", "again")}}, nil
	}
	compressor := llm.NewMockProvider()

	agent, runner := newAgent(t, model, compressor, WithMaxToolRounds(3))
	res, err := agent.Research(context.Background(), "endless")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rounds != 3 || len(runner.queries) != 3 {
		t.Errorf("expected loop to stop after 3 rounds, got %d rounds %d searches", res.Rounds, len(runner.queries))
	}
	if compressor.CallCount() != 1 {
		t.Error("capped loop should still compress")
	}
	// Every tool call in the compressed transcript is answered.
	last := compressor.LastRequest().Messages
	if prev := last[len(last)-2]; prev.Role != llm.RoleTool {
		t.Errorf("transcript should end on a tool result, got %s", prev.Role)
	}
}

func TestResearch_UnknownToolBecomesErrorResult(t *testing.T) {
	model := llm.NewMockProvider()
	model.QueueResponses(
		&llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{ID: "1", Name: "conduct_research"}}},
		&llm.ChatResponse{Content: "ok"},
	)
	agent, _ := newAgent(t, model, llm.NewMockProvider())
	res, err := agent.Research(context.Background(), "topic")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.RawNotes[0], "Error: tool conduct_research is not available") {
		t.Errorf("expected error tool result in notes, got %q", res.RawNotes[0])
	}
}

func TestResearch_ModelFailures(t *testing.T) {
	boom := errors.New("rate limited")

	model := llm.NewMockProvider()
	model.SetError(boom)
	agent, _ := newAgent(t, model, llm.NewMockProvider())
	if _, err := agent.Research(context.Background(), "t"); !errors.Is(err, boom) {
		t.Errorf("decide failure should propagate, got %v", err)
	}

	compressor := llm.NewMockProvider()
	compressor.SetError(boom)
	agent, _ = newAgent(t, llm.NewMockProvider(), compressor)
	if _, err := agent.Research(context.Background(), "t"); !errors.Is(err, boom) {
		t.Errorf("compress failure should propagate, got %v", err)
	}
}

func TestCompress_EmptyTranscript(t *testing.T) {
	compressor := llm.NewMockProvider()
	compressor.SetResponse("nothing found")
	agent, _ := newAgent(t, llm.NewMockProvider(), compressor)

	got, err := agent.Compress(context.Background(), nil)
	if err != nil || got != "nothing found" {
		t.Errorf("Compress = %q, %v", got, err)
	}
	if n := len(compressor.LastRequest().Messages); n != 2 {
		t.Errorf("expected system + human only, got %d messages", n)
	}
}

func TestRawNotes_SkipsUserAndSystem(t *testing.T) {
	got := RawNotes([]llm.Message{
		llm.SystemMessage("sys"),
		llm.UserMessage("topic"),
		llm.AssistantMessage("a"),
		llm.ToolMessage("1", "search", "b"),
	})
	if !reflect.DeepEqual(got, []string{"a\nb"}) {
		t.Errorf("RawNotes = %q", got)
	}
}
