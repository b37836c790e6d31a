// Package workflow sequences one research turn: clarify, write the brief,
// supervise research, write the report.
//
// Each node reads the thread state and returns a state.Update; the runner
// applies it and checkpoints the thread before moving on.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/deepresearch/internal/checkpoint"
	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/scope"
	"github.com/vinayprograms/deepresearch/internal/state"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
)

// Node identifies a workflow step.
type Node struct{ key string }

func (n Node) String() string { return n.key }

var (
	NodeStart       = Node{"__start__"}
	NodeClarify     = Node{"clarify_with_user"}
	NodeWriteBrief  = Node{"write_research_brief"}
	NodeSupervisor  = Node{"supervisor"}
	NodeFinalReport = Node{"final_report_generation"}
	NodeEnd         = Node{"__end__"}
)

var nodes = []Node{NodeStart, NodeClarify, NodeWriteBrief, NodeSupervisor, NodeFinalReport, NodeEnd}

// ErrUnknownNode is returned when a checkpoint names a node this build does not know.
var ErrUnknownNode = errors.New("unknown workflow node")

// ParseNode returns the Node for key.
func ParseNode(key string) (Node, error) {
	for _, n := range nodes {
		if n.key == key {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("%w: %q", ErrUnknownNode, key)
}

// DefaultRecursionLimit bounds step executions per turn.
const DefaultRecursionLimit = 50

// Scoper clarifies the request and writes the brief.
type Scoper interface {
	Clarify(ctx context.Context, st *state.State) (scope.Decision, state.Update, error)
	WriteBrief(ctx context.Context, st *state.State) (state.Update, error)
}

// Supervisor researches the brief.
type Supervisor interface {
	Run(ctx context.Context, st *state.State) (state.Update, error)
}

// Writer writes the final report.
type Writer interface {
	Write(ctx context.Context, st *state.State) (state.Update, error)
}

// Result is the outcome of one turn.
type Result struct {
	ThreadID string
	State    *state.State
	// NeedsClarification is set when the turn halted on a question.
	NeedsClarification bool
	// Reply is the text shown to the user: the question or the report.
	Reply  string
	Report string
	Steps  int
}

// Runner executes turns against per-thread checkpoints.
type Runner struct {
	scope          Scoper
	supervisor     Supervisor
	writer         Writer
	checkpoints    checkpoint.Store
	publisher      events.Publisher
	recursionLimit int
	logger         *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpoints sets the checkpoint store.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(r *Runner) { r.checkpoints = s }
}

// WithPublisher sets the progress event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithRecursionLimit bounds step executions per turn.
func WithRecursionLimit(n int) Option {
	return func(r *Runner) { r.recursionLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l.WithComponent("workflow") }
}

// New creates a Runner with in-memory checkpoints.
func New(sc Scoper, sup Supervisor, w Writer, opts ...Option) *Runner {
	r := &Runner{
		scope:          sc,
		supervisor:     sup,
		writer:         w,
		checkpoints:    checkpoint.NewMemoryStore(),
		publisher:      events.Nop{},
		recursionLimit: DefaultRecursionLimit,
		logger:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Checkpoints returns the runner's checkpoint store.
func (r *Runner) Checkpoints() checkpoint.Store { return r.checkpoints }

// Invoke runs one turn of threadID with the user's message appended to its history.
func (r *Runner) Invoke(ctx context.Context, threadID, message string) (res *Result, err error) {
	ctx = events.WithThread(ctx, threadID)
	ctx, span := telemetry.StartSpan(ctx, "workflow.invoke", "thread.id", threadID)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := r.logger
	if tid := telemetry.TraceID(ctx); tid != "" {
		logger = logger.WithTraceID(tid)
	}

	st, err := r.load(threadID)
	if err != nil {
		return nil, err
	}
	st.Apply(state.Update{Messages: []llm.Message{llm.UserMessage(message)}})
	if err := r.save(threadID, NodeStart, NodeClarify, 0, st); err != nil {
		return nil, err
	}

	budget := state.NewBudget(r.recursionLimit)
	ctx = state.WithBudget(ctx, budget)

	res = &Result{ThreadID: threadID, State: st}
	node := NodeClarify
	for node != NodeEnd {
		if err := budget.Spend(node.key); err != nil {
			return nil, err
		}

		start := time.Now()
		logger.NodeStart(threadID, node.key)
		_ = events.Emit(ctx, r.publisher, events.NodeStarted, map[string]interface{}{"node": node.key})

		next, err := r.step(ctx, node, st, res)
		if err != nil {
			logger.Error("node_failed", map[string]interface{}{
				"thread": threadID,
				"node":   node.key,
				"error":  err.Error(),
			})
			return nil, fmt.Errorf("%s: %w", node, err)
		}

		if err := r.save(threadID, node, next, budget.Used(), st); err != nil {
			return nil, err
		}
		logger.CheckpointSaved(threadID, node.key)
		logger.NodeComplete(threadID, node.key, time.Since(start))
		_ = events.Emit(ctx, r.publisher, events.NodeCompleted, map[string]interface{}{"node": node.key})
		node = next
	}

	res.Steps = budget.Used()
	return res, nil
}

// step runs node, applies its update to st and returns the next node.
func (r *Runner) step(ctx context.Context, node Node, st *state.State, res *Result) (Node, error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.node", "node", node.key)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	switch node {
	case NodeClarify:
		var d scope.Decision
		var u state.Update
		d, u, err = r.scope.Clarify(ctx, st)
		if err != nil {
			return Node{}, err
		}
		st.Apply(u)
		if d.NeedClarification {
			res.NeedsClarification = true
			res.Reply = d.Question
			_ = events.Emit(ctx, r.publisher, events.ClarificationNeeded, map[string]interface{}{"question": d.Question})
			return NodeEnd, nil
		}
		return NodeWriteBrief, nil

	case NodeWriteBrief:
		var u state.Update
		u, err = r.scope.WriteBrief(ctx, st)
		if err != nil {
			return Node{}, err
		}
		st.Apply(u)
		return NodeSupervisor, nil

	case NodeSupervisor:
		var u state.Update
		u, err = r.supervisor.Run(ctx, st)
		if err != nil {
			return Node{}, err
		}
		st.Apply(u)
		return NodeFinalReport, nil

	case NodeFinalReport:
		var u state.Update
		u, err = r.writer.Write(ctx, st)
		if err != nil {
			return Node{}, err
		}
		st.Apply(u)
		res.Report = st.FinalReport
		res.Reply = st.FinalReport
		_ = events.Emit(ctx, r.publisher, events.ReportReady, map[string]interface{}{"bytes": len(st.FinalReport)})
		return NodeEnd, nil
	}

	err = fmt.Errorf("%w: %q", ErrUnknownNode, node.key)
	return Node{}, err
}

func (r *Runner) load(threadID string) (*state.State, error) {
	cp, err := r.checkpoints.Load(threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &state.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.State == nil {
		return &state.State{}, nil
	}
	return cp.State, nil
}

func (r *Runner) save(threadID string, node, next Node, steps int, st *state.State) error {
	cp := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		Node:      node.key,
		Steps:     steps,
		State:     st,
		UpdatedAt: time.Now().UTC(),
	}
	if next != NodeEnd {
		cp.Next = next.key
	}
	if err := r.checkpoints.Save(cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// State returns the saved state of a thread.
func (r *Runner) State(threadID string) (*state.State, error) {
	cp, err := r.checkpoints.Load(threadID)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// Forget drops a thread's checkpoint.
func (r *Runner) Forget(threadID string) error {
	return r.checkpoints.Delete(threadID)
}
