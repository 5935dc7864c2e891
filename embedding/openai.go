package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/token"
)

// OpenAI embeds text through the OpenAI embeddings endpoint.
type OpenAI struct {
	client    openai.Client
	model     string
	dims      int
	maxTokens int
	codec     token.Codec
	attempts  int
	backoff   time.Duration
	logger    logging.Logger
}

// OpenAIOptions configure the OpenAI embedder.
type OpenAIOptions struct {
	// Model is the embedding model name.
	Model string
	// Dims is the vector dimension requested from the API.
	Dims int
	// MaxTokens is the input window; longer text is truncated, not rejected.
	MaxTokens int
	// Codec measures and truncates input text.
	Codec token.Codec
	// Attempts bounds retries on transient failures.
	Attempts int
	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration
	Logger  logging.Logger
}

// NewOpenAI builds the embedder. The codec defaults to the model's tiktoken
// encoding.
func NewOpenAI(apiKey string, optFns ...func(o *OpenAIOptions)) (*OpenAI, error) {
	opts := OpenAIOptions{
		Model:     "text-embedding-3-small",
		Dims:      1536,
		MaxTokens: 8191,
		Attempts:  3,
		Backoff:   500 * time.Millisecond,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		c, err := token.NewTiktoken(opts.Model)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	return &OpenAI{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     opts.Model,
		dims:      opts.Dims,
		maxTokens: opts.MaxTokens,
		codec:     opts.Codec,
		attempts:  opts.Attempts,
		backoff:   opts.Backoff,
		logger:    opts.Logger,
	}, nil
}

// Dims returns the configured output dimension.
func (e *OpenAI) Dims() int { return e.dims }

// Embed returns the vector for text, truncating oversized input and retrying
// transient failures with exponential backoff.
func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &core.EmbeddingError{
			Kind:  core.EmbeddingPermanent,
			Model: e.model,
			Err:   errEmptyInput,
		}
	}
	if n := e.codec.Count(text); n > e.maxTokens {
		e.logger.Debug("truncating embedding input", "tokens", n, "max", e.maxTokens)
		text = e.codec.Truncate(text, e.maxTokens)
	}

	var vec []float32
	err := withRetry(ctx, e.attempts, e.backoff, func() error {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
			Model:          openai.EmbeddingModel(e.model),
			Dimensions:     openai.Int(int64(e.dims)),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			return e.wrap(text, err)
		}
		if len(resp.Data) == 0 {
			return &core.EmbeddingError{
				Kind: core.EmbeddingTransient, Model: e.model, TextLen: len(text),
				Err: errors.New("empty response"),
			}
		}
		raw := resp.Data[0].Embedding
		vec = make([]float32, len(raw))
		for i, v := range raw {
			vec[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vec) != e.dims {
		return nil, &core.EmbeddingError{
			Kind: core.EmbeddingPermanent, Model: e.model, TextLen: len(text),
			Err: fmt.Errorf("got %d dimensions, want %d", len(vec), e.dims),
		}
	}
	return vec, nil
}

// wrap classifies an API failure. Context cancellation and server-side errors
// are transient; everything else (auth, invalid request) is permanent.
func (e *OpenAI) wrap(text string, err error) error {
	kind := core.EmbeddingPermanent
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			kind = core.EmbeddingTransient
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = core.EmbeddingTransient
	}
	return &core.EmbeddingError{Kind: kind, Model: e.model, TextLen: len(text), Err: err}
}
