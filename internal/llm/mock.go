package llm

import (
	"context"
	"sync"
)

// MockProvider is a scriptable Provider for tests.
type MockProvider struct {
	// ChatFunc, when set, answers every request.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	mu        sync.Mutex
	responses []*ChatResponse
	requests  []ChatRequest
	err       error
}

// NewMockProvider creates a mock that answers "ok" by default.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse makes every call return content.
func (m *MockProvider) SetResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = []*ChatResponse{{Content: content}}
}

// QueueResponses returns the given responses in order; the last one repeats.
func (m *MockProvider) QueueResponses(responses ...*ChatResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// SetError makes every call fail with err.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.ChatFunc
	err := m.err
	var resp *ChatResponse
	switch {
	case len(m.responses) > 1:
		resp = m.responses[0]
		m.responses = m.responses[1:]
	case len(m.responses) == 1:
		resp = m.responses[0]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &ChatResponse{Content: "ok"}, nil
	}
	out := *resp
	return &out, nil
}

// Requests returns every request received so far.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ChatRequest{}
	}
	return m.requests[len(m.requests)-1]
}

// CallCount returns the number of Chat calls.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
