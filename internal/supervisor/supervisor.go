// Package supervisor runs the lead researcher: a bounded plan/dispatch loop
// that delegates topics to research sub-agents and collects their findings.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/researcher"
	"github.com/vinayprograms/deepresearch/internal/state"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
	"github.com/vinayprograms/deepresearch/internal/tools"
)

// FallbackReport replaces an empty sub-agent synthesis.
const FallbackReport = "Error synthesizing research report"

// Researcher investigates one delegated topic.
type Researcher interface {
	Research(ctx context.Context, topic string) (*researcher.Result, error)
}

// Config bounds the loop.
type Config struct {
	MaxIterations int // planning steps before forced termination
	MaxConcurrent int // sub-agents the model is told it may run at once
	// EnforceConcurrency queues delegations beyond MaxConcurrent instead
	// of trusting the model to respect the instruction.
	EnforceConcurrency bool
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxIterations: 6, MaxConcurrent: 3}
}

// Reason says why the loop stopped.
type Reason struct{ key string }

func (r Reason) String() string { return r.key }

var (
	ReasonIterationLimit   = Reason{"iteration_limit"}
	ReasonNoToolCalls      = Reason{"no_tool_calls"}
	ReasonResearchComplete = Reason{"research_complete"}
	ReasonFault            = Reason{"fault"}
)

// Outcome is the branch a dispatch takes.
type Outcome int

const (
	Continue Outcome = iota
	Terminate
)

// Step is the result of one dispatch. A Continue step carries the round's
// tool results and raw notes. A Terminate step carries the collected notes
// and the brief, and Reason says why.
type Step struct {
	Outcome Outcome
	Reason  Reason
	Update  state.Update
	Err     error // set for ReasonFault
}

// Supervisor plans and dispatches research rounds.
type Supervisor struct {
	model      llm.Provider
	researcher Researcher
	prompts    prompts.Source
	cfg        Config
	publisher  events.Publisher
	logger     *logging.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l.WithComponent("supervisor") }
}

// WithPublisher sets the progress event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Supervisor) { s.publisher = p }
}

// New creates a Supervisor.
func New(model llm.Provider, r Researcher, src prompts.Source, cfg Config, opts ...Option) *Supervisor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	s := &Supervisor{
		model:      model,
		researcher: r,
		prompts:    src,
		cfg:        cfg,
		publisher:  events.Nop{},
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools returns the definitions offered to the lead model.
func Tools() []llm.ToolDef {
	return []llm.ToolDef{
		tools.ConductResearchDef(),
		tools.ResearchCompleteDef(),
		tools.ThinkTool{}.Definition(),
	}
}

// Run loops plan and dispatch from st until a Terminate step. st is not
// modified; the returned update holds everything the loop produced.
// Only a planning failure or an exhausted step budget is returned as an error.
func (s *Supervisor) Run(ctx context.Context, st *state.State) (out state.Update, err error) {
	ctx, span := telemetry.StartSpan(ctx, "supervisor.run")
	defer func() { telemetry.EndSpan(span, err) }()

	budget := state.BudgetFrom(ctx)
	work := st.Clone()
	for {
		if err := budget.Spend("supervisor"); err != nil {
			return state.Update{}, err
		}
		plan, err := s.Plan(ctx, work)
		if err != nil {
			return state.Update{}, err
		}
		work.Apply(plan)

		if err := budget.Spend("supervisor_tools"); err != nil {
			return state.Update{}, err
		}
		step := s.Dispatch(ctx, work)
		work.Apply(step.Update)
		if step.Outcome == Terminate {
			s.logger.SupervisorTerminate(step.Reason.String(), work.ResearchIterations, len(step.Update.Notes))
			if step.Err != nil {
				s.logger.Warn("dispatch_fault", map[string]interface{}{"error": step.Err.Error()})
			}
			_ = events.Emit(ctx, s.publisher, events.SupervisorFinished, map[string]interface{}{
				"reason":     step.Reason.String(),
				"iterations": work.ResearchIterations,
			})
			span.SetAttributes(telemetry.Int("supervisor.iterations", work.ResearchIterations))
			return diff(st, work), nil
		}
	}
}

// diff returns the update that takes before to after.
func diff(before, after *state.State) state.Update {
	return state.Update{
		ResearchBrief:      state.String(after.ResearchBrief),
		SupervisorMessages: tail(after.SupervisorMessages, len(before.SupervisorMessages)),
		ResearchIterations: state.Int(after.ResearchIterations),
		Notes:              after.Notes[len(before.Notes):],
		RawNotes:           after.RawNotes[len(before.RawNotes):],
	}
}

func tail(msgs []llm.Message, from int) []llm.Message {
	if from >= len(msgs) {
		return []llm.Message{}
	}
	return msgs[from:]
}

// Plan asks the lead model for its next move. The update appends the
// response and increments the iteration counter.
func (s *Supervisor) Plan(ctx context.Context, st *state.State) (state.Update, error) {
	system, err := prompts.Render(s.prompts, prompts.LeadResearcher, map[string]string{
		"date":                          prompts.Today(),
		"max_concurrent_research_units": strconv.Itoa(s.cfg.MaxConcurrent),
		"max_researcher_iterations":     strconv.Itoa(s.cfg.MaxIterations),
	})
	if err != nil {
		return state.Update{}, err
	}

	messages := make([]llm.Message, 0, len(st.SupervisorMessages)+1)
	messages = append(messages, llm.SystemMessage(system))
	messages = append(messages, st.SupervisorMessages...)

	resp, err := s.model.Chat(ctx, llm.ChatRequest{Messages: messages, Tools: Tools()})
	if err != nil {
		return state.Update{}, fmt.Errorf("supervisor model: %w", err)
	}

	return state.Update{
		SupervisorMessages: []llm.Message{{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}},
		ResearchIterations: state.Int(st.ResearchIterations + 1),
	}, nil
}

// Dispatch acts on the latest plan in st.
func (s *Supervisor) Dispatch(ctx context.Context, st *state.State) Step {
	calls := lastToolCalls(st.SupervisorMessages)

	if reason, done := s.shouldTerminate(st.ResearchIterations, calls); done {
		return terminate(st, reason, nil)
	}

	var reflections, delegations []llm.ToolCallResponse
	for _, call := range calls {
		switch call.Name {
		case tools.Think.String():
			reflections = append(reflections, call)
		case tools.ConductResearch.String():
			delegations = append(delegations, call)
		default:
			// Unknown tools still need an answer to keep the transcript valid.
			reflections = append(reflections, call)
		}
	}
	s.logger.SupervisorRound(st.ResearchIterations, len(delegations), len(reflections))
	_ = events.Emit(ctx, s.publisher, events.SupervisorRound, map[string]interface{}{
		"iteration":   st.ResearchIterations,
		"delegations": len(delegations),
	})

	results := make([]llm.Message, 0, len(calls))
	for _, call := range reflections {
		results = append(results, answerReflection(call))
	}

	delegated, rawNotes, err := s.delegate(ctx, delegations)
	if err != nil {
		return terminate(st, ReasonFault, err)
	}
	results = append(results, delegated...)

	return Step{
		Outcome: Continue,
		Update: state.Update{
			SupervisorMessages: results,
			RawNotes:           rawNotes,
		},
	}
}

func (s *Supervisor) shouldTerminate(iterations int, calls []llm.ToolCallResponse) (Reason, bool) {
	if iterations >= s.cfg.MaxIterations {
		return ReasonIterationLimit, true
	}
	if len(calls) == 0 {
		return ReasonNoToolCalls, true
	}
	for _, call := range calls {
		if call.Name == tools.ResearchComplete.String() {
			return ReasonResearchComplete, true
		}
	}
	return Reason{}, false
}

func terminate(st *state.State, reason Reason, err error) Step {
	return Step{
		Outcome: Terminate,
		Reason:  reason,
		Err:     err,
		Update: state.Update{
			Notes:         nonNil(state.ToolResultContents(st.SupervisorMessages)),
			ResearchBrief: state.String(st.ResearchBrief),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// answerReflection answers a think call. Calls to any other non-delegation tool are
// answered with an error so the model sees it was not run.
func answerReflection(call llm.ToolCallResponse) llm.Message {
	if call.Name != tools.Think.String() {
		return llm.ToolMessage(call.ID, call.Name, fmt.Sprintf("Error: unknown tool %q", call.Name))
	}
	reflection, err := tools.Reflection(call.Args)
	if err != nil {
		return llm.ToolMessage(call.ID, call.Name, "Error: "+err.Error())
	}
	return llm.ToolMessage(call.ID, call.Name, tools.ReflectionRecorded(reflection))
}

// ErrMissingTopic is a delegation without a research topic.
var ErrMissingTopic = errors.New("conduct_research call without a research topic")

// delegate runs every delegation concurrently and waits for all of them.
// Results are returned in request order. A failure in one sub-agent does
// not cancel the others, but fails the whole round.
func (s *Supervisor) delegate(ctx context.Context, calls []llm.ToolCallResponse) ([]llm.Message, []string, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}

	topics := make([]string, len(calls))
	for i, call := range calls {
		topic, err := tools.ResearchTopic(call.Args)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: call %s", ErrMissingTopic, call.ID)
		}
		topics[i] = topic
	}

	out := make([]*researcher.Result, len(calls))
	var g errgroup.Group
	if s.cfg.EnforceConcurrency {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i := range calls {
		g.Go(func() error {
			start := time.Now()
			s.logger.SubAgentStart(i, topics[i])
			_ = events.Emit(ctx, s.publisher, events.SubAgentStarted, map[string]interface{}{
				"index": i,
				"topic": topics[i],
			})

			res, err := s.researcher.Research(ctx, topics[i])
			rounds := 0
			if res != nil {
				rounds = res.Rounds
			}
			s.logger.SubAgentComplete(i, rounds, time.Since(start), err)
			_ = events.Emit(ctx, s.publisher, events.SubAgentCompleted, map[string]interface{}{
				"index":  i,
				"failed": err != nil,
			})
			if err != nil {
				return fmt.Errorf("sub-agent %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	messages := make([]llm.Message, len(calls))
	var rawNotes []string
	for i, call := range calls {
		content := FallbackReport
		if out[i] != nil && out[i].CompressedResearch != "" {
			content = out[i].CompressedResearch
		}
		messages[i] = llm.ToolMessage(call.ID, call.Name, content)
		if out[i] != nil {
			rawNotes = append(rawNotes, out[i].RawNotes...)
		}
	}
	return messages, rawNotes, nil
}

func lastToolCalls(msgs []llm.Message) []llm.ToolCallResponse {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			return msgs[i].ToolCalls
		}
	}
	return nil
}
