// Package search implements the web search capability used by research sub-agents.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is one search hit.
type Result struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	RawContent string `json:"raw_content,omitempty"`
}

// Response holds the hits for one query.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Options tune a single search.
type Options struct {
	MaxResults        int
	Topic             string // tavily: general, news, finance
	SearchMode        string // perplexity: web, academic
	Recency           string // perplexity: day, month
	IncludeRawContent bool
}

// DefaultOptions match the search tool's fixed arguments.
func DefaultOptions() Options {
	return Options{
		MaxResults:        3,
		Topic:             "general",
		SearchMode:        "web",
		Recency:           "month",
		IncludeRawContent: true,
	}
}

// Backend runs one query against a search provider.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// ErrMissingAPIKey is returned by constructors when no key is available.
var ErrMissingAPIKey = errors.New("search API key is missing")

// Config selects and configures a Backend.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// New builds the backend named by cfg.Provider.
func New(cfg Config) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, ErrMissingAPIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "tavily", "":
		return NewTavily(cfg.APIKey, cfg.BaseURL, client), nil
	case "perplexity":
		return NewPerplexity(cfg.APIKey, cfg.BaseURL, client), nil
	case "brave":
		return NewBrave(cfg.APIKey, cfg.BaseURL, client), nil
	}
	return nil, fmt.Errorf("unsupported search provider: %s", cfg.Provider)
}

// doJSON sends req and decodes a JSON body into out, failing on non-2xx statuses.
func doJSON(client *http.Client, req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
