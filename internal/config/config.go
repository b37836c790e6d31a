// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "deepresearch.toml"

// Config represents the service configuration.
type Config struct {
	LLM       LLMConfig          `toml:"llm"`       // Supervisor and researcher model
	SmallLLM  LLMConfig          `toml:"small_llm"` // Cheap model for webpage summaries
	Profiles  map[string]Profile `toml:"profiles"`  // Per-stage model overrides
	Research  ResearchConfig     `toml:"research"`
	Search    SearchConfig       `toml:"search"`
	Prompts   PromptsConfig      `toml:"prompts"`
	Server    ServerConfig       `toml:"server"`
	Storage   StorageConfig      `toml:"storage"`
	Telemetry TelemetryConfig    `toml:"telemetry"`
	Events    EventsConfig       `toml:"events"`
	Log       LogConfig          `toml:"log"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // OpenRouter, LiteLLM, Ollama, LMStudio
	MaxRetries   int    `toml:"max_retries"`   // default 5
	RetryBackoff string `toml:"retry_backoff"` // max backoff, default "60s"
}

// Profile overrides the default LLM for one stage.
type Profile struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
}

// Stage profile names.
const (
	ProfileClarifier  = "clarifier"
	ProfileSupervisor = "supervisor"
	ProfileResearcher = "researcher"
	ProfileCompress   = "compress"
	ProfileWriter     = "writer"
)

// ResearchConfig bounds the supervisor and its sub-agents.
type ResearchConfig struct {
	MaxIterations      int  `toml:"max_iterations"`      // supervisor planning steps, default 6
	MaxConcurrent      int  `toml:"max_concurrent"`      // delegations per step told to the model, default 3
	EnforceConcurrency bool `toml:"enforce_concurrency"` // queue delegations beyond max_concurrent
	MaxToolRounds      int  `toml:"max_tool_rounds"`     // per sub-agent, 0 = unbounded
	RecursionLimit     int  `toml:"recursion_limit"`     // workflow node executions per turn, default 50
}

// SearchConfig selects the web search backend.
type SearchConfig struct {
	Provider          string `toml:"provider"` // tavily, perplexity or brave
	APIKeyEnv         string `toml:"api_key_env"`
	BaseURL           string `toml:"base_url"`
	MaxResults        int    `toml:"max_results"`
	Topic             string `toml:"topic"`       // tavily: general, news, finance
	SearchMode        string `toml:"search_mode"` // perplexity: web, academic
	Recency           string `toml:"recency"`     // perplexity: day, month
	IncludeRawContent bool   `toml:"include_raw_content"`
	Timeout           int    `toml:"timeout"` // seconds
}

// PromptsConfig points at an optional prompt catalog override.
type PromptsConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// ServerConfig contains HTTP façade settings.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	TailnetHostname string   `toml:"tailnet_hostname"` // serve on the tailnet instead of addr
	TailnetStateDir string   `toml:"tailnet_state_dir"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Backend     string `toml:"backend"` // memory, file or sqlite
	Path        string `toml:"path"`
	SessionTTL  string `toml:"session_ttl"`  // e.g. "24h"; empty disables expiry
	MaxSessions int    `toml:"max_sessions"` // 0 = unlimited
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// EventsConfig configures the NATS run-event publisher.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:     "gpt-4.1",
			MaxTokens: 8192,
		},
		SmallLLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
		},
		Research: ResearchConfig{
			MaxIterations:  6,
			MaxConcurrent:  3,
			RecursionLimit: 50,
		},
		Search: SearchConfig{
			Provider:          "tavily",
			MaxResults:        3,
			Topic:             "general",
			SearchMode:        "web",
			Recency:           "month",
			IncludeRawContent: true,
			Timeout:           30,
		},
		Server: ServerConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "~/.local/deepresearch",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "deepresearch",
		},
		Events: EventsConfig{
			Subject: "deepresearch",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile loads configuration from a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads deepresearch.toml from the current directory, or
// returns the defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks enumerated values and bounds.
func (c *Config) Validate() error {
	if c.Research.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be positive")
	}
	if c.Research.MaxConcurrent <= 0 {
		return fmt.Errorf("research.max_concurrent must be positive")
	}
	if c.Research.MaxToolRounds < 0 {
		return fmt.Errorf("research.max_tool_rounds must not be negative")
	}
	switch c.Search.Provider {
	case "tavily", "perplexity", "brave":
	default:
		return fmt.Errorf("unknown search.provider %q", c.Search.Provider)
	}
	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if _, err := c.SessionTTL(); err != nil {
		return err
	}
	if _, err := c.LLM.Backoff(); err != nil {
		return err
	}
	return nil
}

// SessionTTL parses storage.session_ttl; zero means no expiry.
func (c *Config) SessionTTL() (time.Duration, error) {
	if c.Storage.SessionTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Storage.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid storage.session_ttl: %w", err)
	}
	return d, nil
}

// Backoff parses retry_backoff; zero means the provider default.
func (l LLMConfig) Backoff() (time.Duration, error) {
	if l.RetryBackoff == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(l.RetryBackoff)
	if err != nil {
		return 0, fmt.Errorf("invalid retry_backoff: %w", err)
	}
	return d, nil
}

// StoragePath expands a leading ~ in storage.path.
func (c *Config) StoragePath() string {
	p := c.Storage.Path
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// APIKey returns the key for l from its env var or the provider default.
func (l LLMConfig) APIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "tavily":
		return "TAVILY_API_KEY"
	case "perplexity":
		return "PPLX_API_KEY"
	case "brave":
		return "BRAVE_API_KEY"
	}
	return ""
}

// SearchAPIKey returns the search backend key.
func (c *Config) SearchAPIKey() string {
	envVar := c.Search.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.Search.Provider)
	}
	return os.Getenv(envVar)
}

// GetProfile returns the LLM config for a stage, falling back to [llm].
// The compress stage falls back to [llm] as well; summarization uses [small_llm] directly.
func (c *Config) GetProfile(name string) LLMConfig {
	profile, ok := c.Profiles[name]
	if name == "" || !ok {
		return c.LLM
	}
	result := c.LLM
	if profile.Model != "" {
		result.Model = profile.Model
		result.Provider = profile.Provider
	}
	if profile.Provider != "" {
		result.Provider = profile.Provider
	}
	if profile.APIKeyEnv != "" {
		result.APIKeyEnv = profile.APIKeyEnv
	}
	if profile.MaxTokens != 0 {
		result.MaxTokens = profile.MaxTokens
	}
	if profile.BaseURL != "" {
		result.BaseURL = profile.BaseURL
	}
	return result
}

// Save writes c as TOML to path. An existing file is kept unless overwrite is set.
func (c *Config) Save(path string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
