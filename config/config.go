// Package config loads the typed runtime configuration from environment
// variables (optionally seeded from a .env file) with explicit defaults and
// exhaustive validation at startup. Nothing reads the environment after Load.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/mnemobot/mnemo/core"
)

// Exit codes returned by the process, sysexits-style.
const (
	ExitOK          = 0
	ExitConfig      = 64
	ExitRuntime     = 70
	ExitUnavailable = 75
)

// Config is the complete runtime configuration. Field names mirror the
// environment variables that populate them.
type Config struct {
	// Secrets / endpoints
	OpenAIAPIKey    string // OPENAI_API_KEY
	AnthropicAPIKey string // ANTHROPIC_API_KEY
	DatabasePath    string // DATABASE_PATH

	// Models
	ChatProvider   string // CHAT_PROVIDER: openai | anthropic
	ChatModel      string // CHAT_MODEL
	EmbeddingModel string // EMBEDDING_MODEL
	EmbeddingDim   int    // EMBEDDING_DIM

	// Context engine
	MaxContextTokens int     // MAX_CONTEXT_TOKENS
	SessionIdleTTL   int     // SESSION_IDLE_TTL_S
	RequestTimeout   int     // REQUEST_TIMEOUT_S
	ApprovalTimeout  int     // APPROVAL_TIMEOUT_S
	CoreMemoryMax    int     // CORE_MEMORY_MAX
	EmbedCacheSize   int     // EMBEDDING_CACHE_SIZE
	EmbedCacheTTL    int     // EMBEDDING_CACHE_TTL_S
	IntentThreshold  float64 // INTENT_CONFIDENCE_THRESHOLD
	GraphThreshold   float64 // GRAPH_SIMILARITY_THRESHOLD

	// Rate limiting
	RateLimitGlobal     int // RATE_LIMIT_GLOBAL tokens/s
	RateLimitPerChannel int // RATE_LIMIT_PER_CHANNEL tokens/s

	// Pipeline behavior
	CommandPrefix     string // COMMAND_PREFIX
	MetricsSalt       string // METRICS_SALT
	PersistOutOfScope bool   // PERSIST_OUT_OF_SCOPE
	CuratorEnabled    bool   // CURATOR_ENABLED

	// Logging
	LogLevel  string // LOG_LEVEL
	LogFormat string // LOG_FORMAT: json | text
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		DatabasePath:        getString("DATABASE_PATH", "data/mnemo.db"),
		ChatProvider:        getString("CHAT_PROVIDER", "openai"),
		ChatModel:           getString("CHAT_MODEL", "gpt-4o"),
		EmbeddingModel:      getString("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:        getInt("EMBEDDING_DIM", 1536),
		MaxContextTokens:    getInt("MAX_CONTEXT_TOKENS", 8000),
		SessionIdleTTL:      getInt("SESSION_IDLE_TTL_S", 1800),
		RequestTimeout:      getInt("REQUEST_TIMEOUT_S", 60),
		ApprovalTimeout:     getInt("APPROVAL_TIMEOUT_S", 120),
		CoreMemoryMax:       getInt("CORE_MEMORY_MAX", 100),
		EmbedCacheSize:      getInt("EMBEDDING_CACHE_SIZE", 256),
		EmbedCacheTTL:       getInt("EMBEDDING_CACHE_TTL_S", 300),
		IntentThreshold:     getFloat("INTENT_CONFIDENCE_THRESHOLD", 0.5),
		GraphThreshold:      getFloat("GRAPH_SIMILARITY_THRESHOLD", 0.3),
		RateLimitGlobal:     getInt("RATE_LIMIT_GLOBAL", 50),
		RateLimitPerChannel: getInt("RATE_LIMIT_PER_CHANNEL", 5),
		CommandPrefix:       getString("COMMAND_PREFIX", "!"),
		MetricsSalt:         getString("METRICS_SALT", "mnemo"),
		PersistOutOfScope:   getBool("PERSIST_OUT_OF_SCOPE", false),
		CuratorEnabled:      getBool("CURATOR_ENABLED", false),
		LogLevel:            getString("LOG_LEVEL", "info"),
		LogFormat:           getString("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every option and returns the first violation as a
// core.ConfigError. It is deliberately exhaustive so misconfiguration fails
// at startup, not mid-request.
func (c *Config) Validate() error {
	switch c.ChatProvider {
	case "openai", "anthropic":
	default:
		return &core.ConfigError{Option: "CHAT_PROVIDER", Reason: fmt.Sprintf("must be openai or anthropic, got %q", c.ChatProvider)}
	}
	if c.ChatModel == "" {
		return &core.ConfigError{Option: "CHAT_MODEL", Reason: "must not be empty"}
	}
	if c.EmbeddingModel == "" {
		return &core.ConfigError{Option: "EMBEDDING_MODEL", Reason: "must not be empty"}
	}
	if c.EmbeddingDim <= 0 {
		return &core.ConfigError{Option: "EMBEDDING_DIM", Reason: "must be positive"}
	}
	if c.MaxContextTokens <= 0 {
		return &core.ConfigError{Option: "MAX_CONTEXT_TOKENS", Reason: "must be positive"}
	}
	if c.CoreMemoryMax <= 0 {
		return &core.ConfigError{Option: "CORE_MEMORY_MAX", Reason: "must be positive"}
	}
	if c.EmbedCacheSize <= 0 {
		return &core.ConfigError{Option: "EMBEDDING_CACHE_SIZE", Reason: "must be positive"}
	}
	if c.EmbedCacheTTL <= 0 {
		return &core.ConfigError{Option: "EMBEDDING_CACHE_TTL_S", Reason: "must be positive"}
	}
	if c.SessionIdleTTL <= 0 {
		return &core.ConfigError{Option: "SESSION_IDLE_TTL_S", Reason: "must be positive"}
	}
	if c.RequestTimeout <= 0 {
		return &core.ConfigError{Option: "REQUEST_TIMEOUT_S", Reason: "must be positive"}
	}
	if c.ApprovalTimeout <= 0 {
		return &core.ConfigError{Option: "APPROVAL_TIMEOUT_S", Reason: "must be positive"}
	}
	if c.IntentThreshold < 0 || c.IntentThreshold > 1 {
		return &core.ConfigError{Option: "INTENT_CONFIDENCE_THRESHOLD", Reason: "must be within [0,1]"}
	}
	if c.GraphThreshold < -1 || c.GraphThreshold > 1 {
		return &core.ConfigError{Option: "GRAPH_SIMILARITY_THRESHOLD", Reason: "must be within [-1,1]"}
	}
	if c.RateLimitGlobal <= 0 {
		return &core.ConfigError{Option: "RATE_LIMIT_GLOBAL", Reason: "must be positive"}
	}
	if c.RateLimitPerChannel <= 0 {
		return &core.ConfigError{Option: "RATE_LIMIT_PER_CHANNEL", Reason: "must be positive"}
	}
	if c.DatabasePath == "" {
		return &core.ConfigError{Option: "DATABASE_PATH", Reason: "must not be empty"}
	}
	if c.CommandPrefix == "" {
		return &core.ConfigError{Option: "COMMAND_PREFIX", Reason: "must not be empty"}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return &core.ConfigError{Option: "LOG_FORMAT", Reason: fmt.Sprintf("must be json or text, got %q", c.LogFormat)}
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
