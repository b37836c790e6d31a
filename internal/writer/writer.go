// Package writer produces the final research report.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/state"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
)

// ReportPrefix precedes the report in the user-visible transcript.
const ReportPrefix = "Here is the final report: "

// Writer turns the collected notes into a report.
type Writer struct {
	model   llm.Provider
	prompts prompts.Source
}

// New creates a Writer.
func New(model llm.Provider, src prompts.Source) *Writer {
	return &Writer{model: model, prompts: src}
}

// Findings joins notes the way the report prompt expects them.
func Findings(notes []string) string {
	return strings.Join(notes, "\n")
}

// Write generates the report from the brief and notes in st. Model
// failures are returned unchanged in meaning; there is no retry here.
func (w *Writer) Write(ctx context.Context, st *state.State) (u state.Update, err error) {
	ctx, span := telemetry.StartSpan(ctx, "writer.write")
	defer func() { telemetry.EndSpan(span, err) }()

	prompt, err := prompts.Render(w.prompts, prompts.FinalReport, map[string]string{
		"research_brief": st.ResearchBrief,
		"findings":       Findings(st.Notes),
		"date":           prompts.Today(),
	})
	if err != nil {
		return state.Update{}, err
	}

	resp, err := w.model.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{llm.UserMessage(prompt)}})
	if err != nil {
		return state.Update{}, fmt.Errorf("report model: %w", err)
	}

	return state.Update{
		FinalReport: state.String(resp.Content),
		Messages:    []llm.Message{llm.AssistantMessage(ReportPrefix + resp.Content)},
	}, nil
}
