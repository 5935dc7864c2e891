package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/mnemobot/mnemo/agent"
	"github.com/mnemobot/mnemo/config"
	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/graph"
	"github.com/mnemobot/mnemo/intent"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/memory"
	"github.com/mnemobot/mnemo/model"
	anthropicmodel "github.com/mnemobot/mnemo/model/anthropic"
	openaimodel "github.com/mnemobot/mnemo/model/openai"
	"github.com/mnemobot/mnemo/orchestrator"
	"github.com/mnemobot/mnemo/pipeline"
	"github.com/mnemobot/mnemo/ratelimit"
	"github.com/mnemobot/mnemo/session"
	"github.com/mnemobot/mnemo/store"
	"github.com/mnemobot/mnemo/token"
)

// app is the composition root: it owns every singleton and their shutdown
// order. Construction is all-or-nothing; a half-built app is closed before
// the error is returned.
type app struct {
	cfg    *config.Config
	logger logging.Logger

	store    *store.Store
	embCache *embedding.Cached
	mem      *memory.Manager
	sessions *session.Engine
	limiter  *ratelimit.Limiter
	pipe     *pipeline.Pipeline
	orch     *orchestrator.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	a := &app{cfg: cfg, logger: logger}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := store.Open(cfg.DatabasePath, func(o *store.Options) {
		o.EmbeddingDim = cfg.EmbeddingDim
		o.Logger = logging.WithComponent(logger, "store")
	})
	if err != nil {
		return nil, err
	}
	a.store = s

	codec := newCodec(cfg.ChatModel)
	embedder, embCache, err := newEmbedder(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.embCache = embCache

	llm, err := newChatModel(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sessions = session.NewEngine(codec, func(o *session.Options) {
		o.MaxTokens = cfg.MaxContextTokens
		o.AutoReduce = true
		o.IdleTTL = time.Duration(cfg.SessionIdleTTL) * time.Second
		o.Logger = logging.WithComponent(logger, "session")
	})
	a.mem = memory.NewManager(s, embedder, func(o *memory.Options) {
		o.CoreMax = cfg.CoreMemoryMax
		o.CuratorEnabled = cfg.CuratorEnabled
		o.Logger = logging.WithComponent(logger, "memory")
	})
	g := graph.New(s, embedder, func(o *graph.Options) {
		o.SimilarityThreshold = cfg.GraphThreshold
		o.Logger = logging.WithComponent(logger, "graph")
	})
	classifier := intent.New(embedder, func(o *intent.Options) {
		o.ConfidenceThreshold = cfg.IntentThreshold
		o.Logger = logging.WithComponent(logger, "intent")
	})

	registry, err := agent.NewRegistry(
		agent.NewConversational(llm, withAgentLogger(logger)),
		agent.NewKnowledge(llm, withAgentLogger(logger)),
		agent.NewMemory(llm, withAgentLogger(logger)),
		agent.NewGraph(llm, withAgentLogger(logger)),
		agent.NewStudy(llm, withAgentLogger(logger)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch, err = orchestrator.New(registry, classifier, a.mem, a.sessions, g, s, codec,
		func(o *orchestrator.Options) {
			o.PersistOutOfScope = cfg.PersistOutOfScope
			o.ApprovalTimeout = time.Duration(cfg.ApprovalTimeout) * time.Second
			o.Logger = logging.WithComponent(logger, "orchestrator")
		})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.New(func(o *ratelimit.Options) {
		o.Global = float64(cfg.RateLimitGlobal)
		o.PerChannel = float64(cfg.RateLimitPerChannel)
		o.Logger = logging.WithComponent(logger, "ratelimit")
	})
	a.pipe = pipeline.New(a.limiter, a.orch, s, a.sessions, func(o *pipeline.Options) {
		o.CommandPrefix = cfg.CommandPrefix
		o.RequestTimeout = time.Duration(cfg.RequestTimeout) * time.Second
		o.MetricsSalt = cfg.MetricsSalt
		o.Logger = logging.WithComponent(logger, "pipeline")
	})
	return a, nil
}

// Close tears components down in reverse dependency order. Idempotent.
func (a *app) Close() error {
	var errs []error
	if a.sessions != nil {
		a.sessions.Close()
		a.sessions = nil
	}
	if a.mem != nil {
		if err := a.mem.Close(); err != nil {
			errs = append(errs, err)
		}
		a.mem = nil
	}
	if a.embCache != nil {
		a.embCache.Close()
		a.embCache = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	return errors.Join(errs...)
}

// newCodec prefers the model's tiktoken encoding and degrades to the
// whitespace approximation when the model is unknown to tiktoken.
func newCodec(chatModel string) token.Codec {
	if tk, err := token.NewTiktoken(chatModel); err == nil {
		return tk
	}
	return token.NewApprox()
}

// newEmbedder picks the OpenAI embedder when a key is configured and the
// deterministic local embedder otherwise, wrapping either in the ristretto
// cache. The cache handle is returned separately so Close can release it.
func newEmbedder(cfg *config.Config, logger logging.Logger) (embedding.Embedder, *embedding.Cached, error) {
	var inner embedding.Embedder
	if cfg.OpenAIAPIKey != "" {
		oe, err := embedding.NewOpenAI(cfg.OpenAIAPIKey, func(o *embedding.OpenAIOptions) {
			o.Model = cfg.EmbeddingModel
			o.Dims = cfg.EmbeddingDim
			o.Logger = logging.WithComponent(logger, "embedding")
		})
		if err != nil {
			return nil, nil, err
		}
		inner = oe
	} else {
		logger.Warn("no OPENAI_API_KEY, using deterministic local embedder")
		inner = embedding.NewLocal(cfg.EmbeddingDim)
	}
	cached, err := embedding.NewCached(inner, func(o *embedding.CacheOptions) {
		o.Model = cfg.EmbeddingModel
		o.MaxEntries = int64(cfg.EmbedCacheSize)
		o.TTL = time.Duration(cfg.EmbedCacheTTL) * time.Second
		o.Logger = logging.WithComponent(logger, "embedding")
	})
	if err != nil {
		return nil, nil, err
	}
	return cached, cached, nil
}

// newChatModel builds the provider-selected chat model.
func newChatModel(cfg *config.Config) (model.Model, error) {
	switch cfg.ChatProvider {
	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.Model = anthropicsdk.Model(cfg.ChatModel)
			o.APIKey = cfg.AnthropicAPIKey
		}), nil
	default:
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			o.Model = cfg.ChatModel
			o.APIKey = cfg.OpenAIAPIKey
		}), nil
	}
}

func withAgentLogger(logger logging.Logger) func(o *agent.Options) {
	return func(o *agent.Options) {
		o.Logger = logging.WithComponent(logger, "agent")
	}
}
