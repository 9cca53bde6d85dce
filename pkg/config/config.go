// Package config loads and validates codeagent configuration.
//
// Configuration is read from a YAML file (default ~/.codeagent/config.yaml),
// overlaid with environment variables, and filled with defaults. API keys are
// never stored in the YAML file: they come from the encrypted secrets file or
// the environment (see GetAPIKey).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
)

// Environment variable names.
const (
	EnvConfigPath      = "CODEAGENT_CONFIG"
	EnvProvider        = "CODEAGENT_PROVIDER"
	EnvModel           = "CODEAGENT_MODEL"
	EnvStore           = "CODEAGENT_STORE"
	EnvRedisAddr       = "CODEAGENT_REDIS_ADDR"
	EnvPassword        = "CODEAGENT_PASSWORD"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

const (
	DefaultModel             = "gpt-5-mini"
	DefaultMaxRepairAttempts = 5
	DefaultMaxStepsPerTurn   = 15
	DefaultHistoryTokens     = 6000
	DefaultRecentCells       = 3
	DefaultStartupTimeout    = 10 * time.Second
	DefaultMessageTimeout    = 30 * time.Second
	DefaultShutdownGrace     = 2 * time.Second
	DefaultNotebookPath      = "persistent_agent_notebook.ipynb"
	DefaultOllamaHost        = "http://localhost:11434"
)

// Config is the root configuration document.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Kernel    KernelConfig    `yaml:"kernel"`
	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Notebook  NotebookConfig  `yaml:"notebook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AgentConfig bounds the control loop.
type AgentConfig struct {
	MaxRepairAttempts       int   `yaml:"max_repair_attempts"`
	MaxStepsPerTurn         int   `yaml:"max_steps_per_turn"`
	FailFastOnRepeatedError *bool `yaml:"fail_fast_on_repeated_error"`
	HistoryTokenBudget      int   `yaml:"history_token_budget"`
	RecentCells             int   `yaml:"recent_cells"`
}

// FailFast reports whether repeated identical failures end the repair loop early.
func (a AgentConfig) FailFast() bool {
	return a.FailFastOnRepeatedError == nil || *a.FailFastOnRepeatedError
}

// KernelConfig describes the interpreter process.
type KernelConfig struct {
	Python         string        `yaml:"python"`
	WorkDir        string        `yaml:"workdir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// LLMConfig selects and tunes the generation service backend.
type LLMConfig struct {
	Provider    string          `yaml:"provider"`
	Model       string          `yaml:"model"`
	Temperature float32         `yaml:"temperature"`
	MaxTokens   int             `yaml:"max_tokens"`
	BaseURL     string          `yaml:"base_url"`
	Timeout     time.Duration   `yaml:"timeout"`
	Retry       RetryConfig     `yaml:"retry"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RetryConfig controls transport-level retries of LLM calls.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        *bool         `yaml:"jitter"`
}

// RateLimitConfig throttles LLM requests. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	// LeaseTTL bounds how long a crashed process keeps its sessions locked.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// NotebookConfig locates the persisted document.
type NotebookConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig controls tracing, metrics, and the event log.
type TelemetryConfig struct {
	Tracing       string `yaml:"tracing"`
	MetricsAddr   string `yaml:"metrics_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
	EventLogDir   string `yaml:"event_log_dir"`
}

// Dir returns the codeagent home directory (~/.codeagent).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".codeagent"
	}
	return filepath.Join(home, ".codeagent")
}

// DefaultPath returns the config file location honoring CODEAGENT_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, applies env overrides and defaults, and validates the result.
// A missing file is not an error: defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvProvider); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv(EnvStore); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("CODEAGENT_MAX_REPAIRS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxRepairAttempts = n
		}
	}
	if v := os.Getenv(EnvOllamaHost); v != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = v
	}
}

func applyDefaults(cfg *Config) {
	a := &cfg.Agent
	if a.MaxRepairAttempts == 0 {
		a.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if a.MaxStepsPerTurn == 0 {
		a.MaxStepsPerTurn = DefaultMaxStepsPerTurn
	}
	if a.HistoryTokenBudget == 0 {
		a.HistoryTokenBudget = DefaultHistoryTokens
	}
	if a.RecentCells == 0 {
		a.RecentCells = DefaultRecentCells
	}

	k := &cfg.Kernel
	if k.Python == "" {
		k.Python = "python3"
	}
	if k.StartupTimeout == 0 {
		k.StartupTimeout = DefaultStartupTimeout
	}
	if k.MessageTimeout == 0 {
		k.MessageTimeout = DefaultMessageTimeout
	}
	if k.ShutdownGrace == 0 {
		k.ShutdownGrace = DefaultShutdownGrace
	}

	l := &cfg.LLM
	if l.Model == "" {
		l.Model = DefaultModel
	}
	if l.Provider == "" {
		if p, err := GetModelProvider(l.Model); err == nil {
			l.Provider = p
		}
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = GetModelInfo(l.Model).MaxOutputTokens
	}
	if l.Timeout == 0 {
		l.Timeout = 2 * time.Minute
	}
	if l.Provider == ProviderOllama && l.BaseURL == "" {
		l.BaseURL = DefaultOllamaHost
	}
	r := &l.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2.0
	}

	s := &cfg.Store
	if s.Backend == "" {
		s.Backend = StoreSQLite
	}
	if s.Path == "" {
		switch s.Backend {
		case StoreSQLite:
			s.Path = filepath.Join(Dir(), "sessions.db")
		case StoreFile:
			s.Path = filepath.Join(Dir(), "sessions")
		}
	}
	if s.Backend == StoreRedis && s.RedisAddr == "" {
		s.RedisAddr = "localhost:6379"
	}
	if s.RedisPrefix == "" {
		s.RedisPrefix = "codeagent:"
	}

	if cfg.Notebook.Path == "" {
		cfg.Notebook.Path = DefaultNotebookPath
	}

	t := &cfg.Telemetry
	if t.Tracing == "" {
		t.Tracing = TracingNone
	}
	if t.EventLogDir == "" {
		t.EventLogDir = filepath.Join(Dir(), "events")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var problems []string

	if c.Agent.MaxRepairAttempts < 1 {
		problems = append(problems, "agent.max_repair_attempts must be at least 1")
	}
	if c.Agent.MaxStepsPerTurn < 2 {
		problems = append(problems, "agent.max_steps_per_turn must be at least 2")
	}
	if c.Agent.RecentCells < 0 {
		problems = append(problems, "agent.recent_cells must not be negative")
	}
	if c.Kernel.StartupTimeout <= 0 || c.Kernel.MessageTimeout <= 0 || c.Kernel.ShutdownGrace < 0 {
		problems = append(problems, "kernel timeouts must be positive")
	}

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderGoogle:
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		problems = append(problems, "llm.temperature must be within [0, 2]")
	}
	if c.LLM.Retry.MaxAttempts < 1 {
		problems = append(problems, "llm.retry.max_attempts must be at least 1")
	}
	if c.LLM.RateLimit.RequestsPerMinute < 0 || c.LLM.RateLimit.Burst < 0 {
		problems = append(problems, "llm.rate_limit values must not be negative")
	}

	switch c.Store.Backend {
	case StoreMemory, StoreFile, StoreSQLite, StoreRedis:
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q is not supported", c.Store.Backend))
	}

	switch c.Telemetry.Tracing {
	case TracingNone, TracingStdout:
	default:
		problems = append(problems, fmt.Sprintf("telemetry.tracing %q is not supported", c.Telemetry.Tracing))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// GetAPIKey returns the credential for provider: secrets file first, then env.
// For Ollama, the host URL is returned instead.
func GetAPIKey(provider string) (string, error) {
	var names []string
	switch provider {
	case ProviderAnthropic:
		names = []string{EnvAnthropicAPIKey}
	case ProviderOpenAI:
		names = []string{EnvOpenAIAPIKey}
	case ProviderGoogle:
		names = []string{EnvGoogleAPIKey, EnvGeminiAPIKey}
	case ProviderOllama:
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return DefaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	for _, name := range names {
		if key, err := GetSecret(name); err == nil && key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("API key not found: %s not set in secrets file or environment", strings.Join(names, " or "))
}
