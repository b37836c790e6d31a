package search

import (
	"context"
	"fmt"
	"strings"
)

// NoResultsMessage is returned by Format when nothing survived deduplication.
const NoResultsMessage = "No valid search results found. Please try different search queries or use a different search API."

// fallbackExcerptLen is how much raw content is kept when summarization fails.
const fallbackExcerptLen = 1000

// Deduplicate flattens responses into unique results keyed by URL.
// The first occurrence of a URL wins and later duplicates are dropped.
func Deduplicate(responses ...*Response) []Result {
	seen := make(map[string]bool)
	var unique []Result
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		for _, r := range resp.Results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			unique = append(unique, r)
		}
	}
	return unique
}

// Summarizer condenses raw page content.
type Summarizer interface {
	Summarize(ctx context.Context, rawContent string) (string, error)
}

// Summarized is a processed result ready for formatting.
type Summarized struct {
	URL     string
	Title   string
	Content string
}

// Process keeps short content as-is and summarizes raw content. A failed
// summary falls back to a truncated raw excerpt; it never fails the search.
// The returned error slice reports per-result summarization failures.
func Process(ctx context.Context, results []Result, s Summarizer) ([]Summarized, []error) {
	var errs []error
	out := make([]Summarized, 0, len(results))
	for _, r := range results {
		content := r.Content
		if r.RawContent != "" {
			raw := PageText(r.RawContent)
			summary, err := summarize(ctx, s, raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("summarize %s: %w", r.URL, err))
				summary = Excerpt(raw)
			}
			content = summary
		}
		out = append(out, Summarized{URL: r.URL, Title: r.Title, Content: content})
	}
	return out, errs
}

func summarize(ctx context.Context, s Summarizer, raw string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return s.Summarize(ctx, raw)
}

// Excerpt returns the first 1000 characters of s followed by "...",
// or s unchanged when it is short enough.
func Excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= fallbackExcerptLen {
		return s
	}
	return string(runes[:fallbackExcerptLen]) + "..."
}

// Format renders processed results for the model.
func Format(results []Summarized) string {
	if len(results) == 0 {
		return NoResultsMessage
	}

	var b strings.Builder
	b.WriteString("Search results: \n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n\n--- SOURCE %d: %s ---\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n\n", r.URL)
		fmt.Fprintf(&b, "SUMMARY:\n%s\n\n", r.Content)
		b.WriteString(strings.Repeat("-", 80) + "\n")
	}
	return b.String()
}

// FormatSummary renders a webpage summary with its key excerpts.
func FormatSummary(summary, keyExcerpts string) string {
	return fmt.Sprintf("<summary>\n%s\n</summary>\n\n<key_excerpts>\n%s\n</key_excerpts>", summary, keyExcerpts)
}
