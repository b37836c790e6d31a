package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vinayprograms/deepresearch/internal/checkpoint"
	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/researcher"
	"github.com/vinayprograms/deepresearch/internal/scope"
	"github.com/vinayprograms/deepresearch/internal/search"
	"github.com/vinayprograms/deepresearch/internal/state"
	"github.com/vinayprograms/deepresearch/internal/supervisor"
	"github.com/vinayprograms/deepresearch/internal/tools"
	"github.com/vinayprograms/deepresearch/internal/writer"
)

func hasTool(req llm.ChatRequest, name string) bool {
	for _, t := range req.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func lastRole(req llm.ChatRequest) llm.Role {
	return req.Messages[len(req.Messages)-1].Role
}

// scriptedModel plays every role in a run, keyed on the tools offered.
type scriptedModel struct {
	clarify    bool
	supervisor int32
}

func (m *scriptedModel) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	switch {
	case hasTool(req, "clarify_with_user"):
		if m.clarify {
			return &llm.ChatResponse{Content: `{"need_clarification": true, "question": "What does 'it' refer to?", "verification": ""}`}, nil
		}
		return &llm.ChatResponse{Content: `{"need_clarification": false, "question": "", "verification": "I will research cloud pricing."}`}, nil

	case hasTool(req, "research_question"):
		return &llm.ChatResponse{Content: `{"research_brief": "Compare on-demand compute pricing of AWS and GCP"}`}, nil

	case hasTool(req, "conduct_research"):
		if atomic.AddInt32(&m.supervisor, 1) == 1 {
			return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
				{ID: "d1", Name: "conduct_research", Args: map[string]interface{}{"research_topic": "AWS pricing"}},
				{ID: "d2", Name: "conduct_research", Args: map[string]interface{}{"research_topic": "GCP pricing"}},
			}}, nil
		}
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{ID: "c", Name: "research_complete", Args: map[string]interface{}{}}}}, nil

	case hasTool(req, "webpage_summary"):
		return &llm.ChatResponse{Content: `{"summary": "pricing page", "key_excerpts": "$0.10/hr"}`}, nil

	case hasTool(req, "search"):
		if lastRole(req) == llm.RoleUser {
			topic := req.Messages[len(req.Messages)-1].Content
			return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{
				{ID: "s1", Name: "search", Args: map[string]interface{}{"query": topic}},
			}}, nil
		}
		return &llm.ChatResponse{Content: "enough information"}, nil

	case req.Messages[0].Role == llm.RoleSystem:
		// Compression: the topic is the first transcript message.
		return &llm.ChatResponse{Content: "compressed " + req.Messages[1].Content}, nil
	}
	return &llm.ChatResponse{Content: "# Report\n\n" + req.Messages[0].Content[:10]}, nil
}

func newRunner(t *testing.T, model llm.Provider, opts ...Option) *Runner {
	t.Helper()
	catalog, err := prompts.NewCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	backend := &search.MockBackend{SearchFunc: func(ctx context.Context, q string, _ search.Options) (*search.Response, error) {
		return &search.Response{Query: q, Results: []search.Result{
			{URL: "https://example.com/" + strings.ReplaceAll(q, " ", "-"), Title: q, Content: "c", RawContent: "<p>raw</p>"},
		}}, nil
	}}
	searcher := search.NewSearcher(backend, search.NewLLMSummarizer(model, catalog), search.DefaultOptions(), nil)
	registry := tools.NewRegistry(nil, tools.NewSearchTool(searcher), tools.ThinkTool{})
	agent := researcher.New(model, model, registry, catalog)
	sup := supervisor.New(model, agent, catalog, supervisor.DefaultConfig())
	return New(scope.New(model, catalog), sup, writer.New(model, catalog), opts...)
}

func TestInvoke_FullResearchRun(t *testing.T) {
	rec := events.NewRecorder(nil)
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, &scriptedModel{}, WithPublisher(rec), WithCheckpoints(store))

	res, err := r.Invoke(context.Background(), "t1", "Compare two cloud providers' pricing")
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if res.NeedsClarification {
		t.Fatal("did not expect a clarifying question")
	}
	if !strings.HasPrefix(res.Report, "# Report") || res.Reply != res.Report {
		t.Errorf("unexpected report %q / reply %q", res.Report, res.Reply)
	}

	st := res.State
	if st.ResearchBrief != "Compare on-demand compute pricing of AWS and GCP" {
		t.Errorf("brief = %q", st.ResearchBrief)
	}
	if !reflect.DeepEqual(st.Notes, []string{"compressed AWS pricing", "compressed GCP pricing"}) {
		t.Errorf("notes = %v", st.Notes)
	}
	if len(st.RawNotes) != 2 {
		t.Errorf("expected one raw note per sub-agent, got %d", len(st.RawNotes))
	}
	if st.ResearchIterations != 2 {
		t.Errorf("iterations = %d", st.ResearchIterations)
	}

	last := st.Messages[len(st.Messages)-1]
	if last.Content != writer.ReportPrefix+res.Report {
		t.Errorf("transcript should end with the report message, got %q", last.Content)
	}

	// Four nodes plus two supervisor rounds of two steps.
	if res.Steps != 8 {
		t.Errorf("steps = %d", res.Steps)
	}

	cp, err := store.Load("t1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Node != NodeFinalReport.String() || cp.Next != "" {
		t.Errorf("final checkpoint at %s -> %q", cp.Node, cp.Next)
	}

	kinds := rec.Kinds()
	if kinds[0] != events.NodeStarted || kinds[len(kinds)-1] != events.NodeCompleted {
		t.Errorf("unexpected event framing %v", kinds)
	}
	for _, ev := range rec.Events() {
		if ev.ThreadID != "t1" {
			t.Errorf("event %s not tagged with thread", ev.Kind)
		}
	}
}

func TestInvoke_ClarificationHaltsAndResumes(t *testing.T) {
	model := &scriptedModel{clarify: true}
	r := newRunner(t, model)

	res, err := r.Invoke(context.Background(), "t1", "Tell me about it")
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsClarification || res.Reply != "What does 'it' refer to?" {
		t.Errorf("expected clarifying question, got %+v", res)
	}
	if res.Report != "" || res.State.ResearchBrief != "" {
		t.Error("no research should happen on a clarification turn")
	}
	if res.Steps != 1 {
		t.Errorf("steps = %d", res.Steps)
	}

	// The user answers; history carries over.
	model.clarify = false
	res, err = r.Invoke(context.Background(), "t1", "The Rust language")
	if err != nil {
		t.Fatal(err)
	}
	if res.NeedsClarification || res.Report == "" {
		t.Fatalf("expected a report on the second turn, got %+v", res)
	}
	msgs := res.State.Messages
	if msgs[0].Content != "Tell me about it" || msgs[1].Content != "What does 'it' refer to?" || msgs[2].Content != "The Rust language" {
		t.Errorf("history not carried over: %+v", msgs[:3])
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, *state.State) (state.Update, error) {
	return state.Update{}, errors.New("writer overloaded")
}

type stubScoper struct{}

func (stubScoper) Clarify(ctx context.Context, st *state.State) (scope.Decision, state.Update, error) {
	return scope.Decision{Verification: "ok"}, state.Update{Messages: []llm.Message{llm.AssistantMessage("ok")}}, nil
}

func (stubScoper) WriteBrief(ctx context.Context, st *state.State) (state.Update, error) {
	return state.Update{ResearchBrief: state.String("brief")}, nil
}

type stubSupervisor struct{ notes []string }

func (s stubSupervisor) Run(ctx context.Context, st *state.State) (state.Update, error) {
	return state.Update{Notes: s.notes}, nil
}

func TestInvoke_WriterFailurePropagates(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	r := New(stubScoper{}, stubSupervisor{notes: []string{"n"}}, failingWriter{}, WithCheckpoints(store))

	_, err := r.Invoke(context.Background(), "t1", "q")
	if err == nil || !strings.Contains(err.Error(), "final_report_generation") {
		t.Fatalf("expected writer failure, got %v", err)
	}
	cp, _ := store.Load("t1")
	if cp.Node != NodeSupervisor.String() || cp.Next != NodeFinalReport.String() {
		t.Errorf("checkpoint should stop before the failed node, got %s -> %s", cp.Node, cp.Next)
	}
}

func TestInvoke_RecursionLimit(t *testing.T) {
	r := New(stubScoper{}, stubSupervisor{}, writer.New(llm.NewMockProvider(), mustCatalog(t)), WithRecursionLimit(2))
	_, err := r.Invoke(context.Background(), "t1", "q")
	if !errors.Is(err, state.ErrRecursionLimit) {
		t.Errorf("expected ErrRecursionLimit, got %v", err)
	}
}

func TestParseNode(t *testing.T) {
	for _, n := range []Node{NodeClarify, NodeWriteBrief, NodeSupervisor, NodeFinalReport} {
		got, err := ParseNode(n.String())
		if err != nil || got != n {
			t.Errorf("ParseNode(%s) = %v, %v", n, got, err)
		}
	}
	if _, err := ParseNode("researcher"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestForget(t *testing.T) {
	r := New(stubScoper{}, stubSupervisor{}, writer.New(llm.NewMockProvider(), mustCatalog(t)))
	if _, err := r.Invoke(context.Background(), "t1", "q"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.State("t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Forget("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.State("t1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound after Forget, got %v", err)
	}
}

func mustCatalog(t *testing.T) *prompts.Catalog {
	t.Helper()
	c, err := prompts.NewCatalog("")
	if err != nil {
		t.Fatal(fmt.Errorf("catalog: %w", err))
	}
	return c
}
