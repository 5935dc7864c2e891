// Package embedding turns text into fixed-dimension vectors. The production
// implementation calls the OpenAI embeddings API; a deterministic local
// embedder backs tests and the intent centroids. A ristretto-cached decorator
// absorbs repeated lookups for identical text.
package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/mnemobot/mnemo/core"
)

var errEmptyInput = errors.New("empty input")

// Embedder produces one vector per text.
type Embedder interface {
	// Embed returns the vector for text. Text longer than the model window is
	// truncated, never rejected.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dims is the fixed output dimension.
	Dims() int
}

// withRetry runs fn up to attempts times, backing off exponentially from base.
// Only transient embedding failures are retried.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var ee *core.EmbeddingError
		if !errors.As(err, &ee) || ee.Kind != core.EmbeddingTransient {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(base << uint(i)):
		}
	}
	return err
}
