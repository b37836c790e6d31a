package supervisor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/researcher"
	"github.com/vinayprograms/deepresearch/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResearcher answers each topic after an optional per-topic delay.
type fakeResearcher struct {
	delays map[string]time.Duration
	fail   map[string]error
	empty  map[string]bool

	mu     sync.Mutex
	topics []string
	active int32
	peak   int32
}

func (f *fakeResearcher) Research(ctx context.Context, topic string) (*researcher.Result, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()

	if d := f.delays[topic]; d > 0 {
		time.Sleep(d)
	}
	if err := f.fail[topic]; err != nil {
		return nil, err
	}
	if f.empty[topic] {
		return &researcher.Result{RawNotes: []string{"raw " + topic}}, nil
	}
	return &researcher.Result{
		CompressedResearch: "findings on " + topic,
		RawNotes:           []string{"raw " + topic},
	}, nil
}

func delegate(id, topic string) llm.ToolCallResponse {
	return llm.ToolCallResponse{ID: id, Name: "conduct_research", Args: map[string]interface{}{"research_topic": topic}}
}

func think(id, reflection string) llm.ToolCallResponse {
	return llm.ToolCallResponse{ID: id, Name: "think", Args: map[string]interface{}{"reflection": reflection}}
}

func complete(id string) llm.ToolCallResponse {
	return llm.ToolCallResponse{ID: id, Name: "research_complete", Args: map[string]interface{}{}}
}

func plans(calls ...[]llm.ToolCallResponse) []*llm.ChatResponse {
	out := make([]*llm.ChatResponse, len(calls))
	for i, c := range calls {
		out[i] = &llm.ChatResponse{ToolCalls: c}
	}
	return out
}

func newSupervisor(t *testing.T, model llm.Provider, r Researcher, cfg Config, opts ...Option) *Supervisor {
	t.Helper()
	catalog, err := prompts.NewCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	return New(model, r, catalog, cfg, opts...)
}

func seeded(brief string) *state.State {
	return &state.State{
		ResearchBrief:      brief,
		SupervisorMessages: []llm.Message{llm.UserMessage(brief + ".")},
	}
}

func TestRun_ResultsKeepRequestOrder(t *testing.T) {
	model := llm.NewMockProvider()
	model.QueueResponses(plans(
		[]llm.ToolCallResponse{delegate("a", "slow"), delegate("b", "medium"), delegate("c", "fast")},
		[]llm.ToolCallResponse{complete("done")},
	)...)
	r := &fakeResearcher{delays: map[string]time.Duration{
		"slow":   60 * time.Millisecond,
		"medium": 30 * time.Millisecond,
		"fast":   0,
	}}

	sup := newSupervisor(t, model, r, DefaultConfig())
	out, err := sup.Run(context.Background(), seeded("cloud pricing"))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	var ids []string
	for _, m := range out.SupervisorMessages {
		if m.Role == llm.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("tool results out of request order: %v", ids)
	}

	wantNotes := []string{"findings on slow", "findings on medium", "findings on fast"}
	if !reflect.DeepEqual(out.Notes, wantNotes) {
		t.Errorf("notes = %v, want %v", out.Notes, wantNotes)
	}
	if !reflect.DeepEqual(out.RawNotes, []string{"raw slow", "raw medium", "raw fast"}) {
		t.Errorf("raw notes = %v", out.RawNotes)
	}
	if *out.ResearchBrief != "cloud pricing" {
		t.Errorf("brief not carried forward: %q", *out.ResearchBrief)
	}
	if atomic.LoadInt32(&r.peak) < 2 {
		t.Errorf("delegations should run concurrently, peak was %d", r.peak)
	}
}

func TestRun_IterationCap(t *testing.T) {
	model := llm.NewMockProvider()
	var n int32
	model.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		i := atomic.AddInt32(&n, 1)
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{think(fmt.Sprint(i), "keep going")}}, nil
	}

	sup := newSupervisor(t, model, &fakeResearcher{}, DefaultConfig())
	out, err := sup.Run(context.Background(), seeded("b"))
	if err != nil {
		t.Fatal(err)
	}
	if *out.ResearchIterations != 6 {
		t.Errorf("expected 6 iterations, got %d", *out.ResearchIterations)
	}
	if model.CallCount() != 6 {
		t.Errorf("expected 6 planning calls, got %d", model.CallCount())
	}
	// Rounds 1-5 were dispatched; round 6 terminated before dispatch.
	if len(out.Notes) != 5 {
		t.Errorf("expected 5 reflection notes, got %d", len(out.Notes))
	}
}

func TestRun_NoToolCallsTerminates(t *testing.T) {
	model := llm.NewMockProvider()
	model.SetResponse("I have nothing to delegate")

	r := &fakeResearcher{}
	sup := newSupervisor(t, model, r, DefaultConfig())
	out, err := sup.Run(context.Background(), seeded("b"))
	if err != nil {
		t.Fatal(err)
	}
	if *out.ResearchIterations != 1 || len(r.topics) != 0 {
		t.Errorf("expected immediate termination, iterations %d topics %v", *out.ResearchIterations, r.topics)
	}
	if len(out.Notes) != 0 {
		t.Errorf("expected empty notes, got %v", out.Notes)
	}
}

func TestDispatch_ResearchCompleteWins(t *testing.T) {
	r := &fakeResearcher{}
	sup := newSupervisor(t, llm.NewMockProvider(), r, DefaultConfig())

	st := seeded("b")
	st.ResearchIterations = 1
	st.SupervisorMessages = append(st.SupervisorMessages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCallResponse{delegate("1", "x"), complete("2")},
	})

	step := sup.Dispatch(context.Background(), st)
	if step.Outcome != Terminate || step.Reason != ReasonResearchComplete {
		t.Errorf("expected research_complete termination, got %+v", step)
	}
	if len(r.topics) != 0 {
		t.Error("no delegation should run once research_complete is requested")
	}
}

func TestDispatch_ThinkBeforeDelegations(t *testing.T) {
	r := &fakeResearcher{}
	sup := newSupervisor(t, llm.NewMockProvider(), r, DefaultConfig())

	st := seeded("b")
	st.ResearchIterations = 1
	st.SupervisorMessages = append(st.SupervisorMessages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCallResponse{delegate("d1", "x"), think("t1", "first"), think("t2", "second")},
	})

	step := sup.Dispatch(context.Background(), st)
	if step.Outcome != Continue {
		t.Fatalf("expected continue, got %+v", step)
	}
	var got []string
	for _, m := range step.Update.SupervisorMessages {
		got = append(got, m.ToolCallID+"="+m.Content)
	}
	want := []string{
		"t1=Reflection recorded: first",
		"t2=Reflection recorded: second",
		"d1=findings on x",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatch_EmptySynthesisFallback(t *testing.T) {
	r := &fakeResearcher{empty: map[string]bool{"x": true}}
	sup := newSupervisor(t, llm.NewMockProvider(), r, DefaultConfig())

	st := seeded("b")
	st.ResearchIterations = 1
	st.SupervisorMessages = append(st.SupervisorMessages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCallResponse{delegate("1", "x")},
	})

	step := sup.Dispatch(context.Background(), st)
	if got := step.Update.SupervisorMessages[0].Content; got != FallbackReport {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestRun_FaultKeepsOnlyPriorNotes(t *testing.T) {
	model := llm.NewMockProvider()
	model.QueueResponses(plans(
		[]llm.ToolCallResponse{delegate("1", "good")},
		[]llm.ToolCallResponse{delegate("2", "ok"), delegate("3", "broken")},
		[]llm.ToolCallResponse{complete("never")},
	)...)
	r := &fakeResearcher{
		fail:   map[string]error{"broken": errors.New("search quota exhausted")},
		delays: map[string]time.Duration{"ok": 20 * time.Millisecond},
	}

	sup := newSupervisor(t, model, r, DefaultConfig())
	out, err := sup.Run(context.Background(), seeded("b"))
	if err != nil {
		t.Fatalf("dispatch faults should not surface as errors: %v", err)
	}
	if !reflect.DeepEqual(out.Notes, []string{"findings on good"}) {
		t.Errorf("notes = %v, want only the first round", out.Notes)
	}
	for _, raw := range out.RawNotes {
		if strings.Contains(raw, "ok") || strings.Contains(raw, "broken") {
			t.Errorf("failed round leaked raw note %q", raw)
		}
	}
	if model.CallCount() != 2 {
		t.Errorf("expected loop to stop after the failed round, got %d plans", model.CallCount())
	}
	// The sibling sub-agent was not cancelled.
	if len(r.topics) != 3 {
		t.Errorf("expected every launched sub-agent to run, got %v", r.topics)
	}
}

func TestDispatch_MissingTopicIsFault(t *testing.T) {
	sup := newSupervisor(t, llm.NewMockProvider(), &fakeResearcher{}, DefaultConfig())
	st := seeded("b")
	st.ResearchIterations = 1
	st.SupervisorMessages = append(st.SupervisorMessages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCallResponse{{ID: "1", Name: "conduct_research"}},
	})
	step := sup.Dispatch(context.Background(), st)
	if step.Reason != ReasonFault || !errors.Is(step.Err, ErrMissingTopic) {
		t.Errorf("expected fault with ErrMissingTopic, got %+v", step)
	}
}

func TestRun_PlanFailurePropagates(t *testing.T) {
	model := llm.NewMockProvider()
	model.SetError(errors.New("invalid api key"))
	sup := newSupervisor(t, model, &fakeResearcher{}, DefaultConfig())
	if _, err := sup.Run(context.Background(), seeded("b")); err == nil {
		t.Error("expected planning failure to propagate")
	}
}

func TestDelegate_EnforcedConcurrency(t *testing.T) {
	topics := []string{"a", "b", "c", "d", "e"}
	var calls []llm.ToolCallResponse
	delays := map[string]time.Duration{}
	for i, tp := range topics {
		calls = append(calls, delegate(fmt.Sprint(i), tp))
		delays[tp] = 20 * time.Millisecond
	}

	r := &fakeResearcher{delays: delays}
	cfg := Config{MaxIterations: 6, MaxConcurrent: 2, EnforceConcurrency: true}
	sup := newSupervisor(t, llm.NewMockProvider(), r, cfg)

	msgs, _, err := sup.delegate(context.Background(), calls)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 results, got %d", len(msgs))
	}
	if atomic.LoadInt32(&r.peak) > 2 {
		t.Errorf("concurrency limit exceeded: peak %d", r.peak)
	}
	for i, m := range msgs {
		if m.ToolCallID != fmt.Sprint(i) {
			t.Errorf("result %d answers %s", i, m.ToolCallID)
		}
	}
}

func TestPlan_PromptCarriesLimits(t *testing.T) {
	model := llm.NewMockProvider()
	sup := newSupervisor(t, model, &fakeResearcher{}, Config{MaxIterations: 4, MaxConcurrent: 2})

	u, err := sup.Plan(context.Background(), seeded("b"))
	if err != nil {
		t.Fatal(err)
	}
	if *u.ResearchIterations != 1 || len(u.SupervisorMessages) != 1 {
		t.Errorf("unexpected plan update %+v", u)
	}
	req := model.LastRequest()
	if len(req.Tools) != 3 {
		t.Errorf("expected 3 supervisor tools, got %d", len(req.Tools))
	}
	system := req.Messages[0].Content
	if strings.Contains(system, "{max_concurrent_research_units}") || strings.Contains(system, "{date}") {
		t.Error("system prompt has unfilled placeholders")
	}
	if req.Messages[1].Content != "b." {
		t.Errorf("expected seeded brief message, got %q", req.Messages[1].Content)
	}
}

func TestRun_PublishesProgress(t *testing.T) {
	model := llm.NewMockProvider()
	model.QueueResponses(plans(
		[]llm.ToolCallResponse{delegate("1", "x")},
		nil,
	)...)
	rec := events.NewRecorder(nil)
	sup := newSupervisor(t, model, &fakeResearcher{}, DefaultConfig(), WithPublisher(rec))

	if _, err := sup.Run(context.Background(), seeded("b")); err != nil {
		t.Fatal(err)
	}
	want := []events.Kind{events.SupervisorRound, events.SubAgentStarted, events.SubAgentCompleted, events.SupervisorFinished}
	if got := rec.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_SpendsStepBudget(t *testing.T) {
	model := llm.NewMockProvider()
	model.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{think("1", "more")}}, nil
	}
	sup := newSupervisor(t, model, &fakeResearcher{}, DefaultConfig())

	ctx := state.WithBudget(context.Background(), state.NewBudget(5))
	if _, err := sup.Run(ctx, seeded("b")); !errors.Is(err, state.ErrRecursionLimit) {
		t.Errorf("expected ErrRecursionLimit, got %v", err)
	}

	budget := state.NewBudget(50)
	ctx = state.WithBudget(context.Background(), budget)
	if _, err := sup.Run(ctx, seeded("b")); err != nil {
		t.Fatal(err)
	}
	if budget.Used() != 12 {
		t.Errorf("six rounds should spend 12 steps, spent %d", budget.Used())
	}
}
