package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/embedding"
)

func newTestClassifier(t *testing.T, optFns ...func(o *Options)) *Classifier {
	t.Helper()
	return New(embedding.NewLocal(128), optFns...)
}

func TestClassifyMemoryStoreExtractsKeyValue(t *testing.T) {
	c := newTestClassifier(t)
	ctx := context.Background()

	r, err := c.Classify(ctx, "remember that my timezone is America/Sao_Paulo")
	require.NoError(t, err)
	assert.Equal(t, MemoryStore, r.Category)
	assert.GreaterOrEqual(t, r.Confidence, 0.9)
	assert.Equal(t, "timezone", r.Entities.Key)
	assert.Equal(t, "America/Sao_Paulo", r.Entities.Value)

	r, err = c.Classify(ctx, "remember my favorite editor is vim")
	require.NoError(t, err)
	assert.Equal(t, MemoryStore, r.Category)
	assert.Equal(t, "favorite_editor", r.Entities.Key)
	assert.Equal(t, "vim", r.Entities.Value)
}

func TestClassifyMemoryRetrieveExtractsKey(t *testing.T) {
	c := newTestClassifier(t)

	r, err := c.Classify(context.Background(), "what's my timezone?")
	require.NoError(t, err)
	assert.Equal(t, MemoryRetrieve, r.Category)
	assert.Equal(t, "timezone", r.Entities.Key)
	assert.Empty(t, r.Entities.Value)
}

func TestClassifyGraphQueryAndLabels(t *testing.T) {
	c := newTestClassifier(t)

	r, err := c.Classify(context.Background(), "how is Go related to Discord?")
	require.NoError(t, err)
	assert.Equal(t, GraphQuery, r.Category)
	assert.Contains(t, r.Entities.Labels, "Go")
	assert.Contains(t, r.Entities.Labels, "Discord")
}

func TestClassifyEmptyIsUnknown(t *testing.T) {
	c := newTestClassifier(t)

	r, err := c.Classify(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, Unknown, r.Category)
	assert.Zero(t, r.Confidence)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := newTestClassifier(t, func(o *Options) { o.ConfidenceThreshold = 0 })
	ctx := context.Background()

	first, err := c.Classify(ctx, "good morning")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Classify(ctx, "good morning")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestClassifySeedPhrasesHitTheirCategory(t *testing.T) {
	c := newTestClassifier(t, func(o *Options) { o.ConfidenceThreshold = 0 })
	ctx := context.Background()

	cases := map[string]Category{
		"hello there":           Greeting,
		"what can you do":       Help,
		"order me a pizza":      OutOfScope,
		"explain how channels work": KnowledgeQuery,
	}
	for text, want := range cases {
		r, err := c.Classify(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, want, r.Category, "text %q", text)
	}
}

func TestClassifyBelowThresholdIsUnknown(t *testing.T) {
	c := newTestClassifier(t, func(o *Options) { o.ConfidenceThreshold = 0.999 })

	r, err := c.Classify(context.Background(), "zxqwv blorp frumious")
	require.NoError(t, err)
	assert.Equal(t, Unknown, r.Category)
}

func TestTopicExtraction(t *testing.T) {
	e := extractEntities("tell me about distributed consensus")
	assert.Equal(t, "distributed consensus", e.Topic)

	e = extractEntities("no topic marker here")
	assert.Empty(t, e.Topic)
}

type failOnceEmbedder struct {
	mu     sync.Mutex
	failed bool
	inner  embedding.Embedder
}

func (f *failOnceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	shouldFail := !f.failed
	f.failed = true
	f.mu.Unlock()
	if shouldFail {
		return nil, errors.New("cold start")
	}
	return f.inner.Embed(ctx, text)
}

func (f *failOnceEmbedder) Dims() int { return f.inner.Dims() }

func TestInitRetriesAfterFailure(t *testing.T) {
	c := New(&failOnceEmbedder{inner: embedding.NewLocal(64)}, func(o *Options) {
		o.ConfidenceThreshold = 0
	})
	ctx := context.Background()

	_, err := c.Classify(ctx, "hello there")
	require.Error(t, err)

	// a failed build does not latch; the next call succeeds
	r, err := c.Classify(ctx, "hello there")
	require.NoError(t, err)
	assert.NotEqual(t, Unknown, r.Category)
}

func TestConcurrentClassifySingleInit(t *testing.T) {
	c := newTestClassifier(t, func(o *Options) { o.ConfidenceThreshold = 0 })
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Classify(ctx, "good morning")
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}
