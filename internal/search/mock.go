package search

import (
	"context"
	"sync"
)

// MockBackend is a scriptable Backend for tests.
type MockBackend struct {
	// SearchFunc, when set, answers every query.
	SearchFunc func(ctx context.Context, query string, opts Options) (*Response, error)

	mu      sync.Mutex
	queries []string
}

func (m *MockBackend) Name() string { return "mock" }

// Search implements Backend.
func (m *MockBackend) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, opts)
	}
	return &Response{Query: query}, nil
}

// Queries returns the queries received so far.
func (m *MockBackend) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
