// Package llm provides the model access layer used by every research stage.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role tags a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation transcript.
type Message struct {
	Role       Role               `json:"role"`
	Content    string             `json:"content"`
	ToolCalls  []ToolCallResponse `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Name       string             `json:"name,omitempty"` // tool name on tool results
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage builds a user message.
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage builds a plain assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool-result message answering callID.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// ToolCallResponse is a tool invocation requested by the model.
type ToolCallResponse struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolDef declares a tool to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ChatResponse is the model's answer.
type ChatResponse struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCallResponse
	StopReason   string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider is a tool-capable chat model.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ErrMissingAPIKey is returned when a provider needs a key and none was configured.
var ErrMissingAPIKey = errors.New("missing API key")

// RetryConfig controls transport-level retries for rate limits and 5xx errors.
type RetryConfig struct {
	MaxRetries  int
	InitBackoff time.Duration
	MaxBackoff  time.Duration
}

// Config selects and configures one model.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryConfig
}

// keyless providers run locally or behind a gateway that holds the key.
var keyless = map[string]bool{
	"ollama":   true,
	"lmstudio": true,
	"litellm":  true,
}

// Validate checks that the config can build a provider.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required for model %q", c.Model)
	}
	if c.APIKey == "" && !keyless[c.Provider] {
		return fmt.Errorf("provider %s: %w", c.Provider, ErrMissingAPIKey)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
}
