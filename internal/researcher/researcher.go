// Package researcher implements the research sub-agent: a tool loop over
// search and think that ends with a compression pass.
package researcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
	"github.com/vinayprograms/deepresearch/internal/tools"
)

// Result is what one sub-agent hands back to the supervisor.
type Result struct {
	CompressedResearch string
	RawNotes           []string
	Rounds             int // tool rounds executed
}

// Agent runs research sub-agents. It holds no per-run state and is safe
// for concurrent use.
type Agent struct {
	model         llm.Provider
	compressor    llm.Provider
	registry      *tools.Registry
	prompts       prompts.Source
	maxToolRounds int
	logger        *logging.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxToolRounds caps tool rounds per sub-agent. Zero leaves the loop
// bounded only by the model deciding to stop.
func WithMaxToolRounds(n int) Option {
	return func(a *Agent) { a.maxToolRounds = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.logger = l.WithComponent("researcher") }
}

// New creates an Agent. model decides and calls tools; compressor writes the synthesis.
func New(model, compressor llm.Provider, registry *tools.Registry, src prompts.Source, opts ...Option) *Agent {
	a := &Agent{
		model:      model,
		compressor: compressor,
		registry:   registry,
		prompts:    src,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Research investigates topic in an isolated transcript and compresses the findings.
func (a *Agent) Research(ctx context.Context, topic string) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "researcher.research")
	defer func() {
		if res != nil {
			span.SetAttributes(telemetry.Int("researcher.rounds", res.Rounds))
		}
		telemetry.EndSpan(span, err)
	}()

	system, err := prompts.Render(a.prompts, prompts.ResearchAgent, map[string]string{"date": prompts.Today()})
	if err != nil {
		return nil, err
	}

	transcript := []llm.Message{llm.UserMessage(topic)}
	rounds := 0
	for {
		resp, err := a.decide(ctx, system, transcript)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			break
		}

		transcript = append(transcript, a.act(ctx, resp.ToolCalls)...)
		rounds++

		if a.maxToolRounds > 0 && rounds >= a.maxToolRounds {
			a.logger.Warn("tool_round_cap_reached", map[string]interface{}{
				"rounds": rounds,
			})
			break
		}
	}

	compressed, err := a.Compress(ctx, transcript)
	if err != nil {
		return nil, err
	}
	return &Result{
		CompressedResearch: compressed,
		RawNotes:           RawNotes(transcript),
		Rounds:             rounds,
	}, nil
}

// decide asks the model for its next move.
func (a *Agent) decide(ctx context.Context, system string, transcript []llm.Message) (*llm.ChatResponse, error) {
	messages := make([]llm.Message, 0, len(transcript)+1)
	messages = append(messages, llm.SystemMessage(system))
	messages = append(messages, transcript...)

	resp, err := a.model.Chat(ctx, llm.ChatRequest{
		Messages: messages,
		Tools:    a.registry.Definitions(),
	})
	if err != nil {
		return nil, fmt.Errorf("research model: %w", err)
	}
	return resp, nil
}

// act runs every requested tool in request order, one at a time.
func (a *Agent) act(ctx context.Context, calls []llm.ToolCallResponse) []llm.Message {
	results := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		results = append(results, a.registry.Execute(ctx, call))
	}
	return results
}

// Compress synthesizes the transcript with the compression model. It never
// calls tools and works on an empty transcript.
func (a *Agent) Compress(ctx context.Context, transcript []llm.Message) (string, error) {
	system, err := prompts.Render(a.prompts, prompts.CompressResearch, map[string]string{"date": prompts.Today()})
	if err != nil {
		return "", err
	}
	human, err := a.prompts.Get(prompts.CompressResearchHuman)
	if err != nil {
		return "", err
	}

	messages := make([]llm.Message, 0, len(transcript)+2)
	messages = append(messages, llm.SystemMessage(system))
	messages = append(messages, transcript...)
	messages = append(messages, llm.UserMessage(human))

	start := time.Now()
	resp, err := a.compressor.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("compress model: %w", err)
	}
	a.logger.Debug("compressed", map[string]interface{}{
		"messages": strconv.Itoa(len(transcript)),
		"duration": time.Since(start).String(),
	})
	return resp.Content, nil
}

// RawNotes joins every tool and assistant message content, verbatim,
// into a single note.
func RawNotes(transcript []llm.Message) []string {
	var parts []string
	for _, m := range transcript {
		if m.Role == llm.RoleTool || m.Role == llm.RoleAssistant {
			parts = append(parts, m.Content)
		}
	}
	return []string{strings.Join(parts, "\n")}
}
