package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstThenSerialized(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 1000
		o.PerChannel = 5
	})
	ctx := context.Background()

	// the burst passes immediately
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "chan"))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// the next event waits roughly one refill interval
	start = time.Now()
	require.NoError(t, l.Acquire(ctx, "chan"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestChannelsAreIndependent(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 1000
		o.PerChannel = 1
	})

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	// a different channel has its own bucket
	assert.True(t, l.Allow("b"))
}

func TestGlobalCapsAcrossChannels(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 2
		o.PerChannel = 100
	})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"))
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 1000
		o.PerChannel = 1
	})
	require.NoError(t, l.Acquire(context.Background(), "chan"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "chan")
	require.Error(t, err)
}

func TestResetRefills(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 1
		o.PerChannel = 1
	})
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	l.Reset()
	assert.True(t, l.Allow("a"))
	assert.Equal(t, 1, l.Stats().Channels)
}

func TestStatsApproximate(t *testing.T) {
	l := New(func(o *Options) {
		o.Global = 10
		o.PerChannel = 5
	})
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("b"))

	s := l.Stats()
	assert.Equal(t, 2, s.Channels)
	assert.LessOrEqual(t, s.GlobalTokens, 10.0)
}
