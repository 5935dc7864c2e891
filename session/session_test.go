package session

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/token"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func newTestEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()
	e := NewEngine(token.NewApprox(), optFns...)
	t.Cleanup(e.Close)
	return e
}

func TestTokenCountTracksMessages(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.MaxTokens = 100 })

	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(10))))
	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("assistant", words(7))))
	assert.Equal(t, 17, e.TokenCount("s1"))
	assert.Len(t, e.Context("s1"), 2)
}

func TestMultimodalTokenCounting(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.MaxTokens = 100 })

	content := core.Content{Role: "user", Parts: []core.Part{
		core.TextPart{Text: words(4)},
		core.DataPart{Data: map[string]any{"image": "ref"}},
		core.TextPart{Text: words(3)},
	}}
	require.NoError(t, e.AddMessage("s1", "u1", "c1", content))
	assert.Equal(t, 7, e.TokenCount("s1"))
}

func TestReduceFullKeepsMostRecentInOrder(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 10
		o.Mode = ReduceFull
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(4))))
	}
	// budget of 10 holds two 4-token messages after reduction
	ctx := e.Context("s1")
	assert.Len(t, ctx, 2)
	assert.LessOrEqual(t, e.TokenCount("s1"), 10)

	// order preserved, newest retained
	st, ok := e.SessionStats("s1")
	require.True(t, ok)
	assert.Greater(t, st.Reductions, 0)
	assert.Greater(t, st.Offloaded, 0)
}

func TestReduceCompactCollapsesWhitespace(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 5
		o.Mode = ReduceCompact
	})

	content := core.Content{Role: "user", Parts: []core.Part{
		core.TextPart{Text: "too    much\n\n whitespace   here"},
		core.TextPart{Text: "  second \t part  "},
	}}
	require.NoError(t, e.AddMessage("s1", "u1", "c1", content))
	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", "and more words now")))

	ctx := e.Context("s1")
	require.Len(t, ctx, 2)
	assert.Equal(t, "too much whitespace here", ctx[0].Parts[0].(core.TextPart).Text)
	assert.Equal(t, "second part", ctx[0].Parts[1].(core.TextPart).Text)
}

func TestReduceSummaryPreservesSystemMessages(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 12
		o.Mode = ReduceSummary
	})

	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("system", words(3))))
	for i := 0; i < 4; i++ {
		require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(4))))
	}

	ctx := e.Context("s1")
	require.NotEmpty(t, ctx)
	assert.Equal(t, "system", ctx[0].Role)
	assert.LessOrEqual(t, e.TokenCount("s1"), 12)
}

func TestHardCapRejectsButSessionStaysUsable(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 10
		o.HardCap = 20
	})

	err := e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(30)))
	var ce *core.ContextError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "s1", ce.SessionID)

	// session still accepts normal messages
	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(3))))
	assert.Equal(t, 3, e.TokenCount("s1"))
}

func TestRestoreReinsertsInSequenceOrder(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 8
		o.Mode = ReduceFull
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(4))))
	}
	st, _ := e.SessionStats("s1")
	require.Greater(t, st.Offloaded, 0)

	// seq 1 was dropped first
	require.True(t, e.Restore("s1", 1))
	hits, _ := e.offload.Counters()
	assert.Equal(t, 1, hits)

	// a second restore of the same key misses
	assert.False(t, e.Restore("s1", 1))
}

func TestOffloaderPriorityBuckets(t *testing.T) {
	o := NewOffloader(2)
	low := Message{Seq: 1, Content: core.NewTextContent("assistant", "a"), Tokens: 1}
	mid := Message{Seq: 2, Content: core.NewTextContent("user", "b"), Tokens: 1}
	high := Message{Seq: 3, Content: core.NewTextContent("system", "c"), Tokens: 1}

	o.Put(offloadKey{"s", 1}, low, priorityFor(low))
	o.Put(offloadKey{"s", 2}, mid, priorityFor(mid))
	o.Put(offloadKey{"s", 3}, high, priorityFor(high))

	// capacity 2: the lowest-priority entry was evicted
	assert.Equal(t, 2, o.Len())
	_, ok := o.Get(offloadKey{"s", 1})
	assert.False(t, ok)
	_, ok = o.Get(offloadKey{"s", 3})
	assert.True(t, ok)
}

func TestOffloaderPriorityUpdateMovesBuckets(t *testing.T) {
	o := NewOffloader(10)
	m := Message{Seq: 1, Content: core.NewTextContent("assistant", "a"), Tokens: 1}
	key := offloadKey{"s", 1}

	o.Put(key, m, 0)
	o.Put(key, m, 2)
	assert.Equal(t, 1, o.Len())

	// the key must not linger in the old bucket
	assert.Empty(t, o.buckets[0])
	assert.Len(t, o.buckets[2], 1)
}

func TestIdleSweepExpiresSessions(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 100
	})

	require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", "hello")))
	require.Equal(t, 1, e.ActiveSessions())

	e.idleTTL = 10 * time.Millisecond
	e.sweepIdle(time.Now().Add(time.Hour))
	assert.Zero(t, e.ActiveSessions())
	assert.Nil(t, e.Context("s1"))
}

func TestTokenCountEqualsSumAfterReduction(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.MaxTokens = 15
		o.Mode = ReduceFull
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, e.AddMessage("s1", "u1", "c1", core.NewTextContent("user", words(i+1))))
	}
	codec := token.NewApprox()
	var sum int
	for _, c := range e.Context("s1") {
		sum += token.CountContent(codec, c)
	}
	assert.Equal(t, sum, e.TokenCount("s1"))
}
