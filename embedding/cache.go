package embedding

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
)

// Cached decorates an Embedder with a ristretto LRU keyed by (model, text).
// Entries expire after a TTL so stale vectors age out even under a steady
// cache-friendly workload. Failures are never cached.
type Cached struct {
	inner  Embedder
	model  string
	cache  *ristretto.Cache
	ttl    time.Duration
	logger logging.Logger
}

// CacheOptions configure the cached decorator.
type CacheOptions struct {
	// Model namespaces cache keys so vectors from different models never mix.
	Model string
	// MaxEntries bounds the cache size.
	MaxEntries int64
	// TTL expires entries; zero disables expiry.
	TTL    time.Duration
	Logger logging.Logger
}

// NewCached wraps inner with the cache.
func NewCached(inner Embedder, optFns ...func(o *CacheOptions)) (*Cached, error) {
	opts := CacheOptions{
		Model:      "default",
		MaxEntries: 256,
		TTL:        5 * time.Minute,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.MaxEntries * 10,
		MaxCost:     opts.MaxEntries,
		BufferItems: 64,
		// Entries cost 1 each; without this ristretto adds the item's
		// internal byte size to the cost, so small MaxEntries values
		// would exceed MaxCost and nothing would ever be admitted.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, &core.EmbeddingError{Kind: core.EmbeddingPermanent, Model: opts.Model, Err: err}
	}
	return &Cached{
		inner:  inner,
		model:  opts.Model,
		cache:  cache,
		ttl:    opts.TTL,
		logger: opts.Logger,
	}, nil
}

// Dims returns the inner embedder's dimension.
func (c *Cached) Dims() int { return c.inner.Dims() }

// Embed serves from the cache when possible, otherwise delegates and stores
// the result.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, vec, 1, c.ttl)
	return vec, nil
}

// Wait blocks until buffered cache writes are applied. Tests use it to make
// hits deterministic.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }
