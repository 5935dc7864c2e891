package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.ChatProvider)
	assert.Equal(t, 8000, cfg.MaxContextTokens)
	assert.Equal(t, 100, cfg.CoreMemoryMax)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.Equal(t, 1800, cfg.SessionIdleTTL)
	assert.InDelta(t, 0.5, cfg.IntentThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.GraphThreshold, 1e-9)
	assert.Equal(t, "!", cfg.CommandPrefix)
	assert.False(t, cfg.PersistOutOfScope)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MAX_CONTEXT_TOKENS", "4000")
	t.Setenv("CHAT_PROVIDER", "anthropic")
	t.Setenv("PERSIST_OUT_OF_SCOPE", "true")
	t.Setenv("INTENT_CONFIDENCE_THRESHOLD", "0.7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.MaxContextTokens)
	assert.Equal(t, "anthropic", cfg.ChatProvider)
	assert.True(t, cfg.PersistOutOfScope)
	assert.InDelta(t, 0.7, cfg.IntentThreshold, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		option string
	}{
		{"bad provider", map[string]string{"CHAT_PROVIDER": "gemini"}, "CHAT_PROVIDER"},
		{"zero dim", map[string]string{"EMBEDDING_DIM": "0"}, "EMBEDDING_DIM"},
		{"threshold above one", map[string]string{"INTENT_CONFIDENCE_THRESHOLD": "1.5"}, "INTENT_CONFIDENCE_THRESHOLD"},
		{"negative rate", map[string]string{"RATE_LIMIT_GLOBAL": "-1"}, "RATE_LIMIT_GLOBAL"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			var ce *core.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.option, ce.Option)
		})
	}
}

func TestMalformedNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_CONTEXT_TOKENS", "lots")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.MaxContextTokens)
}
