package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
)

func TestLocalDeterministic(t *testing.T) {
	e := NewLocal(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// unit length
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocalSimilarTextIsCloser(t *testing.T) {
	e := NewLocal(128)
	ctx := context.Background()

	base, err := e.Embed(ctx, "my favorite language is go")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "my favorite language is rust")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "quarterly revenue exceeded projections")
	require.NoError(t, err)

	assert.Greater(t, dot(base, near), dot(base, far))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestLocalEmptyInput(t *testing.T) {
	e := NewLocal(16)
	_, err := e.Embed(context.Background(), "   ")
	var ee *core.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.EmbeddingPermanent, ee.Kind)
}

type countingEmbedder struct {
	inner Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dims() int { return c.inner.Dims() }

func TestCachedServesRepeatsFromCache(t *testing.T) {
	counting := &countingEmbedder{inner: NewLocal(32)}
	cached, err := NewCached(counting, func(o *CacheOptions) {
		o.Model = "local"
		o.MaxEntries = 16
	})
	require.NoError(t, err)
	defer cached.Close()
	ctx := context.Background()

	first, err := cached.Embed(ctx, "hello world")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.calls)

	_, err = cached.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.Equal(t, 2, counting.calls)
}

type flakyEmbedder struct {
	failures int
	kind     core.EmbeddingErrorKind
	calls    int
}

func (f *flakyEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &core.EmbeddingError{Kind: f.kind, Model: "flaky", Err: errors.New("nope")}
	}
	return []float32{1}, nil
}

func (f *flakyEmbedder) Dims() int { return 1 }

func TestRetryRecoversFromTransient(t *testing.T) {
	f := &flakyEmbedder{failures: 2, kind: core.EmbeddingTransient}
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		_, err := f.Embed(context.Background(), "x")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	f := &flakyEmbedder{failures: 5, kind: core.EmbeddingPermanent}
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		_, err := f.Embed(context.Background(), "x")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	f := &flakyEmbedder{failures: 10, kind: core.EmbeddingTransient}
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		_, err := f.Embed(context.Background(), "x")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
	assert.True(t, core.IsRetryable(err))
}
