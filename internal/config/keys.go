package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the keychain entry backing a secret key.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SITEINTEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "SITEINTEL_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.mcp_user_id", typ: kString, env: "SITEINTEL_SERVER_MCP_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPUserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.MCPUserID },
	},
	{
		key: "server.api_token", typ: kString, env: "SITEINTEL_API_TOKEN",
		secret: true, account: accountAPIToken,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SITEINTEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.provider", typ: kString, env: "SITEINTEL_PROXY_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.Provider },
	},
	{
		key: "proxy.default_model", typ: kString, env: "SITEINTEL_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "SITEINTEL_OPENROUTER_API_KEY",
		secret: true, account: accountOpenRouter,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.anthropic_api_key", typ: kString, env: "SITEINTEL_ANTHROPIC_API_KEY",
		secret: true, account: accountAnthropic,
		apply:   func(cfg *Config, v any) { cfg.Proxy.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.AnthropicAPIKey },
	},
	{
		key: "proxy.ollama_base_url", typ: kString, env: "SITEINTEL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OllamaBaseURL },
	},
	{
		key: "log.level", typ: kString, env: "SITEINTEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "assembly.memory_threshold", typ: kFloat, env: "SITEINTEL_ASSEMBLY_MEMORY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Assembly.MemoryThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Assembly.MemoryThreshold },
	},
	{
		key: "assembly.memory_limit", typ: kInt, env: "SITEINTEL_ASSEMBLY_MEMORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Assembly.MemoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembly.MemoryLimit },
	},
	{
		key: "assembly.history_window", typ: kInt, env: "SITEINTEL_ASSEMBLY_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Assembly.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembly.HistoryWindow },
	},
	{
		key: "assembly.attachment_chars", typ: kInt, env: "SITEINTEL_ASSEMBLY_ATTACHMENT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Assembly.AttachmentChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembly.AttachmentChars },
	},
	{
		key: "assembly.decision_limit", typ: kInt, env: "SITEINTEL_ASSEMBLY_DECISION_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Assembly.DecisionLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembly.DecisionLimit },
	},
	{
		key: "learning.increment", typ: kFloat, env: "SITEINTEL_LEARNING_INCREMENT",
		apply:   func(cfg *Config, v any) { cfg.Learning.Increment = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.Increment },
	},
	{
		key: "breaker.failure_threshold", typ: kFloat, env: "SITEINTEL_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.min_requests", typ: kInt, env: "SITEINTEL_BREAKER_MIN_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.Breaker.MinRequests = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.MinRequests },
	},
	{
		key: "breaker.timeout", typ: kString, env: "SITEINTEL_BREAKER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Breaker.Timeout },
	},
	{
		key: "maintenance.purge_schedule", typ: kString, env: "SITEINTEL_MAINTENANCE_PURGE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.PurgeSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Maintenance.PurgeSchedule },
	},
	{
		key: "patterns.file", typ: kString, env: "SITEINTEL_PATTERNS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Patterns.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Patterns.File },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text to the Go type a key expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kFloat:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys still empty after env overrides from the keychain.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
