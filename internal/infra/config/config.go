package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"cadence-ai/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	LLM         LLMConfig         `yaml:"llm"`
	Compression CompressionConfig `yaml:"compression"`
	Injection   InjectionConfig   `yaml:"injection"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Tools       ToolsConfig       `yaml:"tools"`
	Store       StoreConfig       `yaml:"store"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// AgentConfig holds the orchestrator settings.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// PromptMode selects the built-in system prompt flavor when SystemPrompt
	// is empty: "chat" or "agent". Carried explicitly on the session config;
	// there is no package-level mode state.
	PromptMode string `yaml:"prompt_mode"`
	// MaxTurnsPerRequest bounds model-initiated continuations for a single
	// user request. Clamped to 100.
	MaxTurnsPerRequest int `yaml:"max_turns_per_request"`
	// MaxSessionTurns caps completed turns per session. 0 = unlimited.
	MaxSessionTurns int `yaml:"max_session_turns"`
	// SessionTokenLimit is the hard token ceiling for system instructions +
	// history. 0 = unlimited (no check performed).
	SessionTokenLimit int `yaml:"session_token_limit"`
}

// LLMConfig holds provider settings for the OpenAI-compatible backend.
type LLMConfig struct {
	Name           string        `yaml:"name"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Circuit breaker settings.
	CBMaxFailures uint32        `yaml:"cb_max_failures"`
	CBTimeout     time.Duration `yaml:"cb_timeout"`
	CBInterval    time.Duration `yaml:"cb_interval"`

	// Request rate limiting. RatePerSecond <= 0 disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// CompressionConfig controls adaptive history compression.
// The numeric fields are calibration defaults, not contracts.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// TriggerTokens is the estimate above which non-forced compression runs.
	TriggerTokens int `yaml:"trigger_tokens"`
	// TailFraction of the history (most recent turns) is kept verbatim.
	TailFraction float64 `yaml:"tail_fraction"`
	// MinHeadTurns is the minimum number of turns the head must contain for
	// compression to be worthwhile.
	MinHeadTurns int `yaml:"min_head_turns"`
}

// InjectionConfig controls instruction-reinforcement injection.
type InjectionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinTurnsBetween is the hard floor between injections; it takes
	// precedence over every trigger factor.
	MinTurnsBetween int `yaml:"min_turns_between"`
	// MaxTurnsWithout is the fallback safety net.
	MaxTurnsWithout       int `yaml:"max_turns_without"`
	ConsecutiveModelTurns int `yaml:"consecutive_model_turns"`
	ComplexityThreshold   int `yaml:"complexity_threshold"`
	ErrorThreshold        int `yaml:"error_threshold"`
	ToolUsageThreshold    int `yaml:"tool_usage_threshold"`
}

// MetricsConfig controls the conversation metrics tracker.
type MetricsConfig struct {
	// WindowTurns is how many trailing turns the text scans cover.
	WindowTurns int `yaml:"window_turns"`
	// ComplexityBaseDivisor converts recent text length into the base
	// complexity term (capped at 50).
	ComplexityBaseDivisor int `yaml:"complexity_base_divisor"`
}

// TokensConfig selects the local token counting strategy.
type TokensConfig struct {
	// Counter is "heuristic" (default) or "tiktoken".
	Counter string `yaml:"counter"`
	// Encoding names the tiktoken encoding (e.g. "cl100k_base").
	Encoding string `yaml:"encoding"`
}

// ToolsConfig holds settings for the builtin tools.
type ToolsConfig struct {
	// SandboxRoot confines read_file/list_dir to a directory subtree.
	SandboxRoot string `yaml:"sandbox_root"`
	// MaxFileBytes caps read_file output.
	MaxFileBytes int `yaml:"max_file_bytes"`
}

// StoreConfig holds session persistence settings.
type StoreConfig struct {
	// Path to the SQLite database file. Empty = in-memory sessions only.
	Path string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Defaults returns the default configuration.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			PromptMode:         "agent",
			MaxTurnsPerRequest: 100,
			MaxSessionTurns:    0,
			SessionTokenLimit:  0,
		},
		LLM: LLMConfig{
			Name:           "openai",
			Model:          "gpt-4o",
			Temperature:    0.7,
			RequestTimeout: 120 * time.Second,
		},
		Compression: CompressionConfig{
			Enabled:       true,
			TriggerTokens: 48000,
			TailFraction:  0.3,
			MinHeadTurns:  4,
		},
		Injection: InjectionConfig{
			Enabled:               true,
			MinTurnsBetween:       5,
			MaxTurnsWithout:       25,
			ConsecutiveModelTurns: 4,
			ComplexityThreshold:   50,
			ErrorThreshold:        2,
			ToolUsageThreshold:    8,
		},
		Metrics: MetricsConfig{
			WindowTurns:           6,
			ComplexityBaseDivisor: 40,
		},
		Tokens: TokensConfig{
			Counter:  "heuristic",
			Encoding: "cl100k_base",
		},
		Tools: ToolsConfig{
			SandboxRoot:  ".",
			MaxFileBytes: 256 * 1024,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "sessions.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".cadence")
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CADENCE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CADENCE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CADENCE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CADENCE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CADENCE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CADENCE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CADENCE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CADENCE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CADENCE_SESSION_TOKEN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Agent.SessionTokenLimit = n
		}
	}
	if v := os.Getenv("CADENCE_MAX_SESSION_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Agent.MaxSessionTurns = n
		}
	}
	if v := os.Getenv("CADENCE_PROMPT_MODE"); v != "" {
		cfg.Agent.PromptMode = v
	}
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Agent.SessionTokenLimit < 0 {
		return fmt.Errorf("agent.session_token_limit must be non-negative")
	}
	if cfg.Agent.MaxTurnsPerRequest < 0 {
		return fmt.Errorf("agent.max_turns_per_request must be non-negative")
	}
	if cfg.Compression.TailFraction < 0 || cfg.Compression.TailFraction >= 1 {
		return fmt.Errorf("compression.tail_fraction must be in [0, 1)")
	}
	if cfg.Injection.MinTurnsBetween < 0 {
		return fmt.Errorf("injection.min_turns_between must be non-negative")
	}
	switch cfg.Tokens.Counter {
	case "", "heuristic", "tiktoken":
	default:
		return fmt.Errorf("tokens.counter must be \"heuristic\" or \"tiktoken\", got %q", cfg.Tokens.Counter)
	}
	switch cfg.Agent.PromptMode {
	case "", "chat", "agent":
	default:
		return fmt.Errorf("agent.prompt_mode must be \"chat\" or \"agent\", got %q", cfg.Agent.PromptMode)
	}
	return nil
}
