package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvStore, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRepairAttempts, cfg.Agent.MaxRepairAttempts)
	assert.Equal(t, DefaultMaxStepsPerTurn, cfg.Agent.MaxStepsPerTurn)
	assert.True(t, cfg.Agent.FailFast())
	assert.Equal(t, DefaultStartupTimeout, cfg.Kernel.StartupTimeout)
	assert.Equal(t, DefaultMessageTimeout, cfg.Kernel.MessageTimeout)
	assert.Equal(t, DefaultModel, cfg.LLM.Model)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, DefaultNotebookPath, cfg.Notebook.Path)
	assert.Equal(t, TracingNone, cfg.Telemetry.Tracing)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvStore, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
agent:
  max_repair_attempts: 2
  fail_fast_on_repeated_error: false
kernel:
  python: /usr/bin/python3.12
  message_timeout: 5s
llm:
  model: claude-sonnet-4-5
  temperature: 0.2
  rate_limit:
    requests_per_minute: 30
store:
  backend: redis
  redis_addr: cache:6379
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Agent.MaxRepairAttempts)
	assert.False(t, cfg.Agent.FailFast())
	assert.Equal(t, "/usr/bin/python3.12", cfg.Kernel.Python)
	assert.Equal(t, 5*time.Second, cfg.Kernel.MessageTimeout)
	assert.Equal(t, ProviderAnthropic, cfg.LLM.Provider)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)
	assert.Equal(t, 30, cfg.LLM.RateLimit.RequestsPerMinute)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvModel, "llama3.1:8b")
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvStore, StoreMemory)
	t.Setenv(EnvOllamaHost, "http://gpu-box:11434")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.BaseURL)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "cohere" }, "llm.provider"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"zero repair budget", func(c *Config) { c.Agent.MaxRepairAttempts = 0 }, "max_repair_attempts"},
		{"negative timeout", func(c *Config) { c.Kernel.MessageTimeout = -time.Second }, "kernel timeouts"},
		{"bad tracing", func(c *Config) { c.Telemetry.Tracing = "jaeger" }, "telemetry.tracing"},
		{"temperature range", func(c *Config) { c.LLM.Temperature = 3 }, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.Provider = ProviderOpenAI
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Agent.MaxRepairAttempts = 7

	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Agent.MaxRepairAttempts)
}

func TestGetModelProvider(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		wantErr  bool
	}{
		{"gpt-5-mini", ProviderOpenAI, false},
		{"claude-3-haiku", ProviderAnthropic, false},
		{"gemini-1.5-pro", ProviderGoogle, false},
		{"qwen2.5-coder:32b", ProviderOllama, false},
		{"mystery-model", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := GetModelProvider(tt.model)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, got)
		})
	}
}

func TestGetAPIKey(t *testing.T) {
	SetDecryptedSecrets(nil)
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	t.Setenv(EnvOpenAIAPIKey, "sk-env")
	key, err := GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)

	SetDecryptedSecrets(map[string]string{EnvOpenAIAPIKey: "sk-file"})
	key, err = GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", key, "secrets file takes precedence")

	t.Setenv(EnvGoogleAPIKey, "")
	t.Setenv(EnvGeminiAPIKey, "gm-key")
	key, err = GetAPIKey(ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "gm-key", key)

	t.Setenv(EnvAnthropicAPIKey, "")
	_, err = GetAPIKey(ProviderAnthropic)
	assert.Error(t, err)

	t.Setenv(EnvOllamaHost, "")
	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaHost, host)
}
