package search

import (
	"context"
	"strconv"

	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
)

// Searcher runs the full search pipeline: query, deduplicate, summarize, format.
type Searcher struct {
	backend    Backend
	summarizer Summarizer
	opts       Options
	logger     *logging.Logger
}

// NewSearcher creates a Searcher. A nil summarizer makes every raw page
// fall back to its excerpt.
func NewSearcher(backend Backend, summarizer Summarizer, opts Options, logger *logging.Logger) *Searcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Searcher{
		backend:    backend,
		summarizer: summarizer,
		opts:       opts,
		logger:     logger.WithComponent("search"),
	}
}

// Run executes queries and returns the formatted result text.
// Backend failures are returned; summarization failures never are.
func (s *Searcher) Run(ctx context.Context, queries ...string) (output string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "search.run",
		"search.backend", s.backend.Name(),
		"search.queries", strconv.Itoa(len(queries)))
	defer func() { telemetry.EndSpan(span, err) }()

	responses := make([]*Response, 0, len(queries))
	for _, q := range queries {
		resp, err := s.backend.Search(ctx, q, s.opts)
		if err != nil {
			return "", err
		}
		responses = append(responses, resp)
	}

	unique := Deduplicate(responses...)
	processed, errs := Process(ctx, unique, s.summarizer)
	for _, e := range errs {
		s.logger.Warn("summarize_failed", map[string]interface{}{"error": e.Error()})
	}
	s.logger.Debug("search_complete", map[string]interface{}{
		"backend": s.backend.Name(),
		"unique":  len(unique),
	})
	return Format(processed), nil
}
