package config

import (
	"fmt"
	"time"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/learning"
	"github.com/kalambet/siteintel/internal/maintenance"
	"github.com/kalambet/siteintel/internal/proxy"
)

// Inference providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Proxy       ProxyConfig
	Log         LogConfig
	Assembly    AssemblyConfig
	Learning    LearningConfig
	Breaker     BreakerConfig
	Maintenance MaintenanceConfig
	Patterns    PatternsConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	// MCPUserID is the user MCP tool calls act on behalf of.
	MCPUserID string
	APIToken  string
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	Provider         string
	DefaultModel     string
	OpenRouterAPIKey string
	AnthropicAPIKey  string
	OllamaBaseURL    string
}

type LogConfig struct {
	Level string
}

type AssemblyConfig struct {
	MemoryThreshold float64
	MemoryLimit     int
	HistoryWindow   int
	AttachmentChars int
	DecisionLimit   int
}

type LearningConfig struct {
	Increment float64
}

type BreakerConfig struct {
	FailureThreshold float64
	MinRequests      int
	Timeout          string
}

type MaintenanceConfig struct {
	PurgeSchedule string
}

// PatternsConfig points at an optional YAML file replacing the built-in
// decision and topic tables.
type PatternsConfig struct {
	File string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4100,
			MCPUserID: "local",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			Provider:      ProviderOpenRouter,
			OllamaBaseURL: proxy.DefaultOllamaURL,
		},
		Log: LogConfig{
			Level: "info",
		},
		Assembly: AssemblyConfig{
			MemoryThreshold: composer.DefaultMemoryThreshold,
			MemoryLimit:     composer.DefaultMemoryLimit,
			HistoryWindow:   composer.DefaultHistoryWindow,
			AttachmentChars: composer.DefaultAttachmentChars,
			DecisionLimit:   composer.DefaultDecisionLimit,
		},
		Learning: LearningConfig{
			Increment: learning.DefaultIncrement,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 0.6,
			MinRequests:      5,
			Timeout:          "30s",
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule: maintenance.DefaultSchedule,
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/siteintel/config.yaml, then SITEINTEL_* environment
// variables, then the secrets file for API keys still unset. It fails when
// the selected provider has no API key.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// LoadClient is Load without the provider key check, for commands that only
// talk to a running server.
func LoadClient() (Config, error) {
	return resolve(newPlatformBackend(), NewKeychain())
}

func resolve(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)
	return cfg, nil
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg, err := resolve(b, kc)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Proxy.Provider {
	case ProviderOpenRouter:
		if c.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable SITEINTEL_OPENROUTER_API_KEY or `siteintel config set proxy.openrouter_api_key <key>`")
		}
	case ProviderAnthropic:
		if c.Proxy.AnthropicAPIKey == "" {
			return fmt.Errorf("missing required config: Anthropic API key. " +
				"Set it via environment variable SITEINTEL_ANTHROPIC_API_KEY or `siteintel config set proxy.anthropic_api_key <key>`")
		}
	case ProviderOllama:
		if c.Proxy.OllamaBaseURL == "" {
			return fmt.Errorf("missing required config: proxy.ollama_base_url")
		}
	default:
		return fmt.Errorf("invalid proxy.provider %q: must be one of %s, %s, %s",
			c.Proxy.Provider, ProviderOpenRouter, ProviderAnthropic, ProviderOllama)
	}
	if c.Assembly.MemoryThreshold < 0 || c.Assembly.MemoryThreshold > 1 {
		return fmt.Errorf("invalid assembly.memory_threshold %v: must be within [0,1]", c.Assembly.MemoryThreshold)
	}
	if c.Learning.Increment <= 0 || c.Learning.Increment > 1 {
		return fmt.Errorf("invalid learning.increment %v: must be within (0,1]", c.Learning.Increment)
	}
	if err := maintenance.ValidateSchedule(c.Maintenance.PurgeSchedule); err != nil {
		return fmt.Errorf("invalid maintenance.purge_schedule: %w", err)
	}
	return nil
}

// DefaultModel returns proxy.default_model, or the provider's default when unset.
func (c Config) DefaultModel() string {
	if c.Proxy.DefaultModel != "" {
		return c.Proxy.DefaultModel
	}
	switch c.Proxy.Provider {
	case ProviderAnthropic:
		return proxy.DefaultAnthropicModel
	case ProviderOllama:
		return proxy.DefaultOllamaModel
	}
	return proxy.DefaultModel
}

// BreakerSettings converts the breaker keys into a proxy.BreakerConfig. An
// unparsable timeout keeps the package default.
func (c Config) BreakerSettings() (proxy.BreakerConfig, error) {
	bc := proxy.DefaultBreakerConfig(c.Proxy.Provider)
	if c.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = c.Breaker.FailureThreshold
	}
	if c.Breaker.MinRequests > 0 {
		bc.MinRequests = uint32(c.Breaker.MinRequests)
	}
	if c.Breaker.Timeout != "" {
		d, err := time.ParseDuration(c.Breaker.Timeout)
		if err != nil {
			return bc, fmt.Errorf("invalid breaker.timeout %q: %w", c.Breaker.Timeout, err)
		}
		bc.Timeout = d
	}
	return bc, nil
}

// AssemblerOptions converts the assembly keys into composer.Options.
func (c Config) AssemblerOptions() composer.Options {
	return composer.Options{
		MemoryThreshold: c.Assembly.MemoryThreshold,
		MemoryLimit:     c.Assembly.MemoryLimit,
		HistoryWindow:   c.Assembly.HistoryWindow,
		AttachmentChars: c.Assembly.AttachmentChars,
		DecisionLimit:   c.Assembly.DecisionLimit,
	}
}
