package search

import (
	"context"

	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/prompts"
)

// summarySchema is the typed output requested from the summarization model.
var summarySchema = llm.MustSchema(llm.ToolDef{
	Name:        "webpage_summary",
	Description: "Summary of webpage content with key excerpts.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Concise summary of the webpage content",
			},
			"key_excerpts": map[string]interface{}{
				"type":        "string",
				"description": "Important quotes and excerpts from the content",
			},
		},
		"required": []string{"summary", "key_excerpts"},
	},
})

type webpageSummary struct {
	Summary     string `json:"summary"`
	KeyExcerpts string `json:"key_excerpts"`
}

// LLMSummarizer summarizes pages with a cheap model.
type LLMSummarizer struct {
	provider llm.Provider
	prompts  prompts.Source
}

// NewLLMSummarizer creates a summarizer backed by provider.
func NewLLMSummarizer(provider llm.Provider, src prompts.Source) *LLMSummarizer {
	return &LLMSummarizer{provider: provider, prompts: src}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, rawContent string) (string, error) {
	prompt, err := prompts.Render(s.prompts, prompts.SummarizeWebpage, map[string]string{
		"webpage_content": rawContent,
		"date":            prompts.Today(),
	})
	if err != nil {
		return "", err
	}

	var out webpageSummary
	if err := summarySchema.Decode(ctx, s.provider, []llm.Message{llm.UserMessage(prompt)}, &out); err != nil {
		return "", err
	}
	return FormatSummary(out.Summary, out.KeyExcerpts), nil
}
