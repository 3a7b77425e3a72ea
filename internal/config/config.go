// Package config loads and validates the taskforge YAML configuration.
// Decoding is strict: unknown keys are rejected so typos surface at
// startup instead of silently defaulting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskforge/internal/provider"
)

// Config holds all taskforge configuration.
type Config struct {
	Workspace string              `yaml:"workspace"`
	Providers map[string]Provider `yaml:"providers"`
	Limits    Limits              `yaml:"limits"`
	Routing   Routing             `yaml:"routing"`
	Alerts    Alerts              `yaml:"alerts"`
	Pool      Pool                `yaml:"pool"`
	Logging   Logging             `yaml:"logging"`
}

// Provider configures one provider endpoint and its model pricing.
type Provider struct {
	APIKey     string            `yaml:"api_key"`
	BaseURL    string            `yaml:"base_url"`
	Timeout    string            `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Headers    map[string]string `yaml:"headers"`
	Models     map[string]Model  `yaml:"models"`

	// Capability switches; every listed model shares them.
	SupportsTools       bool  `yaml:"supports_tools"`
	SupportsJSON        bool  `yaml:"supports_structured_json"`
	SupportsStreaming   bool  `yaml:"supports_streaming"`
	SupportsComputerUse bool  `yaml:"supports_computer_use"`
	SupportsImageInput  bool  `yaml:"supports_image_input"`
	MaxOutputTokens     int   `yaml:"max_output_tokens"`
	MaxToolCalls        int   `yaml:"max_tool_calls_per_response"`
	MaxImageBytes       int64 `yaml:"max_image_bytes"`
}

// Model carries per-model pricing.
type Model struct {
	Pricing Pricing `yaml:"pricing"`
}

// Pricing is USD per 1K tokens.
type Pricing struct {
	InputPer1K  float64 `yaml:"inputPer1K"`
	OutputPer1K float64 `yaml:"outputPer1K"`
}

// Limits holds budget caps.
type Limits struct {
	PerProvider map[string]ProviderLimit `yaml:"perProvider"`
}

// ProviderLimit is one provider's daily spend cap.
type ProviderLimit struct {
	DailyBudgetUSD float64 `yaml:"dailyBudgetUSD"`
}

// Routing configures target selection.
type Routing struct {
	Default             string              `yaml:"default"`   // "provider:model"
	Fallbacks           map[string][]string `yaml:"fallbacks"` // primary -> ordered chain
	MaxFallbackAttempts int                 `yaml:"maxFallbackAttempts"`
	RetriesPerTarget    int                 `yaml:"retriesPerTarget"`
	Timezone            string              `yaml:"timezone"`
}

// Alerts holds notification thresholds.
type Alerts struct {
	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds are absolute USD trigger points.
type Thresholds struct {
	DailyCost   float64 `yaml:"dailyCost"`
	MonthlyCost float64 `yaml:"monthlyCost"`
}

// Pool bounds pipeline concurrency.
type Pool struct {
	Workers int `yaml:"workers"`
}

// Logging configures the category log files.
type Logging struct {
	Level      string   `yaml:"level"` // debug, info, warn, error
	Debug      bool     `yaml:"debug"`
	Categories []string `yaml:"categories"` // empty enables all
}

// Default returns the baseline configuration applied under a loaded
// file's values.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Providers: map[string]Provider{},
		Routing: Routing{
			MaxFallbackAttempts: 10,
			RetriesPerTarget:    3,
			Timezone:            "Local",
		},
		Pool:    Pool{Workers: 4},
		Logging: Logging{Level: "info"},
	}
}

// Load reads, strictly decodes, defaults, env-overrides, and validates
// a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, provider.WrapError(provider.KindConfig, err, "cannot read config %s", path)
	}
	return Parse(data)
}

// Parse decodes configuration bytes with unknown keys rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, provider.WrapError(provider.KindConfig, err, "invalid config")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides API keys from TASKFORGE_<PROVIDER>_API_KEY so keys
// stay out of checked-in files.
func (c *Config) applyEnv() {
	for name, p := range c.Providers {
		envKey := "TASKFORGE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

// Validate applies range checks across the whole document.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return provider.NewError(provider.KindConfig, "no providers configured")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return provider.NewError(provider.KindConfig, "provider %s: base_url is required", name)
		}
		if len(p.Models) == 0 {
			return provider.NewError(provider.KindConfig, "provider %s: at least one model with pricing is required", name)
		}
		for model, m := range p.Models {
			if m.Pricing.InputPer1K < 0 || m.Pricing.OutputPer1K < 0 {
				return provider.NewError(provider.KindConfig, "provider %s model %s: negative pricing", name, model)
			}
		}
		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				return provider.NewError(provider.KindConfig, "provider %s: bad timeout %q", name, p.Timeout)
			}
		}
	}
	for name, l := range c.Limits.PerProvider {
		if _, ok := c.Providers[name]; !ok {
			return provider.NewError(provider.KindConfig, "limits reference unknown provider %s", name)
		}
		if l.DailyBudgetUSD < 0 {
			return provider.NewError(provider.KindConfig, "provider %s: negative daily budget", name)
		}
	}
	if c.Routing.Default != "" {
		if err := c.checkTarget(c.Routing.Default); err != nil {
			return err
		}
	}
	for primary, chain := range c.Routing.Fallbacks {
		if err := c.checkTarget(primary); err != nil {
			return err
		}
		for _, t := range chain {
			if err := c.checkTarget(t); err != nil {
				return err
			}
		}
	}
	if c.Routing.MaxFallbackAttempts < 1 {
		return provider.NewError(provider.KindConfig, "routing.maxFallbackAttempts must be >= 1")
	}
	if c.Routing.Timezone != "" && c.Routing.Timezone != "Local" {
		if _, err := time.LoadLocation(c.Routing.Timezone); err != nil {
			return provider.NewError(provider.KindConfig, "bad timezone %q", c.Routing.Timezone)
		}
	}
	if c.Pool.Workers < 1 {
		return provider.NewError(provider.KindConfig, "pool.workers must be >= 1")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return provider.NewError(provider.KindConfig, "bad logging level %q", c.Logging.Level)
	}
	return nil
}

// checkTarget verifies a "provider:model" reference resolves to a
// configured model.
func (c *Config) checkTarget(target string) error {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return provider.NewError(provider.KindConfig, "bad target %q, want provider:model", target)
	}
	p, ok := c.Providers[parts[0]]
	if !ok {
		return provider.NewError(provider.KindConfig, "target %q references unknown provider", target)
	}
	if _, ok := p.Models[parts[1]]; !ok {
		return provider.NewError(provider.KindConfig, "target %q references unpriced model", target)
	}
	return nil
}

// ProviderTimeout parses the provider's timeout, zero when unset.
func (p Provider) ProviderTimeout() time.Duration {
	if p.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Descriptor converts the capability switches to a registry descriptor.
func (p Provider) Descriptor() provider.Descriptor {
	caps := []provider.Capability{}
	if p.SupportsTools {
		caps = append(caps, provider.CapTools)
	}
	if p.SupportsJSON {
		caps = append(caps, provider.CapStructuredJSON)
	}
	if p.SupportsStreaming {
		caps = append(caps, provider.CapStreaming)
	}
	if p.SupportsComputerUse {
		caps = append(caps, provider.CapComputerUse)
	}
	if p.SupportsImageInput {
		caps = append(caps, provider.CapImageInput)
	}
	return provider.Descriptor{
		Capabilities:        provider.NewCapabilities(caps...),
		MaxOutputTokens:     p.MaxOutputTokens,
		MaxToolCallsPerResp: p.MaxToolCalls,
		MaxImageBytes:       p.MaxImageBytes,
	}
}

// PricingTable converts the per-model pricing to registry form.
func (p Provider) PricingTable() map[string]provider.Pricing {
	out := make(map[string]provider.Pricing, len(p.Models))
	for model, m := range p.Models {
		out[model] = provider.Pricing{
			InputPer1K:  m.Pricing.InputPer1K,
			OutputPer1K: m.Pricing.OutputPer1K,
		}
	}
	return out
}

// DailyCaps returns the per-provider budget map in router form.
func (c *Config) DailyCaps() map[string]float64 {
	out := make(map[string]float64, len(c.Limits.PerProvider))
	for name, l := range c.Limits.PerProvider {
		out[name] = l.DailyBudgetUSD
	}
	return out
}

// String renders the config with API keys masked, for debug output.
func (c *Config) String() string {
	cp := *c
	cp.Providers = make(map[string]Provider, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "****" + suffix(p.APIKey, 4)
		}
		cp.Providers[name] = p
	}
	data, err := yaml.Marshal(&cp)
	if err != nil {
		return fmt.Sprintf("config<marshal error: %v>", err)
	}
	return string(data)
}

func suffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
