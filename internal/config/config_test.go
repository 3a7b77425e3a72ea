package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/provider"
)

const validYAML = `
workspace: /tmp/ws
providers:
  openai:
    api_key: sk-file-key
    base_url: https://api.openai.com/v1
    timeout: 30s
    supports_tools: true
    supports_structured_json: true
    max_output_tokens: 8192
    models:
      gpt-4o:
        pricing: {inputPer1K: 0.0025, outputPer1K: 0.01}
      gpt-4o-mini:
        pricing: {inputPer1K: 0.00015, outputPer1K: 0.0006}
  local:
    base_url: http://localhost:8080/v1
    models:
      llama:
        pricing: {inputPer1K: 0, outputPer1K: 0}
limits:
  perProvider:
    openai: {dailyBudgetUSD: 10}
routing:
  default: "openai:gpt-4o"
  fallbacks:
    "openai:gpt-4o": ["openai:gpt-4o-mini", "local:llama"]
alerts:
  thresholds: {dailyCost: 8}
pool:
  workers: 2
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ws", cfg.Workspace)
	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, "sk-file-key", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "openai:gpt-4o", cfg.Routing.Default)
	assert.Equal(t, 2, cfg.Pool.Workers)
	assert.InDelta(t, 8.0, cfg.Alerts.Thresholds.DailyCost, 1e-9)

	// File values layer over defaults; unset fields keep them.
	assert.Equal(t, 10, cfg.Routing.MaxFallbackAttempts)
	assert.Equal(t, 3, cfg.Routing.RetriesPerTarget)
	assert.Equal(t, "Local", cfg.Routing.Timezone)
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte(validYAML + "\nworkres: 9\n"))
	require.Error(t, err)
	assert.Equal(t, provider.KindConfig, provider.KindOf(err))
}

func TestParse_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("TASKFORGE_OPENAI_API_KEY", "sk-env-key")
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "sk-env-key", cfg.Providers["openai"].APIKey)

	// Providers without an env var keep the file value (here: none).
	assert.Empty(t, cfg.Providers["local"].APIKey)
}

func TestValidate_Errors(t *testing.T) {
	mutate := func(fn func(*Config)) error {
		cfg, err := Parse([]byte(validYAML))
		require.NoError(t, err)
		fn(cfg)
		return cfg.Validate()
	}

	tests := []struct {
		name string
		fn   func(*Config)
		want string
	}{
		{"no providers", func(c *Config) { c.Providers = nil }, "no providers"},
		{"missing base_url", func(c *Config) {
			p := c.Providers["openai"]
			p.BaseURL = ""
			c.Providers["openai"] = p
		}, "base_url"},
		{"no models", func(c *Config) {
			p := c.Providers["local"]
			p.Models = nil
			c.Providers["local"] = p
		}, "at least one model"},
		{"negative pricing", func(c *Config) {
			c.Providers["local"].Models["llama"] = Model{Pricing: Pricing{InputPer1K: -1}}
		}, "negative pricing"},
		{"bad timeout", func(c *Config) {
			p := c.Providers["openai"]
			p.Timeout = "30 parsecs"
			c.Providers["openai"] = p
		}, "bad timeout"},
		{"limit for unknown provider", func(c *Config) {
			c.Limits.PerProvider["mystery"] = ProviderLimit{DailyBudgetUSD: 1}
		}, "unknown provider"},
		{"malformed target", func(c *Config) { c.Routing.Default = "openai/gpt-4o" }, "want provider:model"},
		{"target unknown provider", func(c *Config) { c.Routing.Default = "claude:opus" }, "unknown provider"},
		{"target unpriced model", func(c *Config) { c.Routing.Default = "openai:gpt-5" }, "unpriced model"},
		{"bad timezone", func(c *Config) { c.Routing.Timezone = "Mars/Olympus" }, "bad timezone"},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }, "pool.workers"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mutate(tt.fn)
			require.Error(t, err)
			assert.Equal(t, provider.KindConfig, provider.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestProvider_Descriptor(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	d := cfg.Providers["openai"].Descriptor()
	assert.True(t, d.Capabilities[provider.CapTools])
	assert.True(t, d.Capabilities[provider.CapStructuredJSON])
	assert.False(t, d.Capabilities[provider.CapComputerUse])
	assert.Equal(t, 8192, d.MaxOutputTokens)
}

func TestProvider_PricingTableAndTimeout(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	p := cfg.Providers["openai"]
	table := p.PricingTable()
	require.Contains(t, table, "gpt-4o-mini")
	assert.InDelta(t, 0.00015, table["gpt-4o-mini"].InputPer1K, 1e-12)
	assert.Equal(t, "30s", p.Timeout)
	assert.Equal(t, float64(30), p.ProviderTimeout().Seconds())
}

func TestDailyCaps(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	caps := cfg.DailyCaps()
	assert.InDelta(t, 10.0, caps["openai"], 1e-9)
	assert.NotContains(t, caps, "local")
}

func TestString_MasksAPIKeys(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	s := cfg.String()
	assert.NotContains(t, s, "sk-file-key")
	assert.Contains(t, s, "****-key")
}
