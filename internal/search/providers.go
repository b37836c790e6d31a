package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	tavilyURL     = "https://api.tavily.com/search"
	perplexityURL = "https://api.perplexity.ai/search"
	braveURL      = "https://api.search.brave.com/res/v1/web/search"
)

// Tavily queries the Tavily search API.
type Tavily struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewTavily creates a Tavily backend. An empty endpoint uses the public API.
func NewTavily(apiKey, endpoint string, client *http.Client) *Tavily {
	if endpoint == "" {
		endpoint = tavilyURL
	}
	return &Tavily{apiKey: apiKey, endpoint: endpoint, client: client}
}

func (t *Tavily) Name() string { return "tavily" }

// Search implements Backend.
func (t *Tavily) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"query":               query,
		"max_results":         opts.MaxResults,
		"topic":               opts.Topic,
		"include_raw_content": opts.IncludeRawContent,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	var out struct {
		Results []struct {
			URL        string `json:"url"`
			Title      string `json:"title"`
			Content    string `json:"content"`
			RawContent string `json:"raw_content"`
		} `json:"results"`
	}
	if err := doJSON(t.client, req, &out); err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}

	resp := &Response{Query: query}
	for _, r := range out.Results {
		resp.Results = append(resp.Results, Result{
			URL:        r.URL,
			Title:      r.Title,
			Content:    r.Content,
			RawContent: r.RawContent,
		})
	}
	return resp, nil
}

// Perplexity queries the Perplexity search API.
type Perplexity struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewPerplexity creates a Perplexity backend.
func NewPerplexity(apiKey, endpoint string, client *http.Client) *Perplexity {
	if endpoint == "" {
		endpoint = perplexityURL
	}
	return &Perplexity{apiKey: apiKey, endpoint: endpoint, client: client}
}

func (p *Perplexity) Name() string { return "perplexity" }

// Search implements Backend. Perplexity returns snippets only, so RawContent stays empty.
func (p *Perplexity) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	payload := map[string]interface{}{
		"query":       query,
		"max_results": opts.MaxResults,
	}
	if opts.SearchMode != "" {
		payload["search_mode"] = opts.SearchMode
	}
	if opts.Recency != "" {
		payload["search_recency_filter"] = opts.Recency
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	var out struct {
		Results []struct {
			URL     string `json:"url"`
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	if err := doJSON(p.client, req, &out); err != nil {
		return nil, fmt.Errorf("perplexity: %w", err)
	}

	resp := &Response{Query: query}
	for _, r := range out.Results {
		resp.Results = append(resp.Results, Result{URL: r.URL, Title: r.Title, Content: r.Snippet})
	}
	return resp, nil
}

// Brave queries the Brave web search API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave creates a Brave backend.
func NewBrave(apiKey, endpoint string, client *http.Client) *Brave {
	if endpoint == "" {
		endpoint = braveURL
	}
	return &Brave{apiKey: apiKey, endpoint: endpoint, client: client}
}

func (b *Brave) Name() string { return "brave" }

// Search implements Backend. Extra snippets stand in for raw page content.
func (b *Brave) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	params := url.Values{}
	params.Set("q", query)
	if opts.MaxResults > 0 {
		params.Set("count", strconv.Itoa(opts.MaxResults))
	}
	if opts.IncludeRawContent {
		params.Set("extra_snippets", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", b.apiKey)

	var out struct {
		Web struct {
			Results []struct {
				URL           string   `json:"url"`
				Title         string   `json:"title"`
				Description   string   `json:"description"`
				ExtraSnippets []string `json:"extra_snippets"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := doJSON(b.client, req, &out); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	resp := &Response{Query: query}
	for _, r := range out.Web.Results {
		resp.Results = append(resp.Results, Result{
			URL:        r.URL,
			Title:      r.Title,
			Content:    r.Description,
			RawContent: strings.Join(r.ExtraSnippets, "\n"),
		})
	}
	return resp, nil
}
