package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/store"
)

const testDims = 32

func newTestManager(t *testing.T, optFns ...func(o *Options)) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mem.db"), func(o *store.Options) {
		o.EmbeddingDim = testDims
	})
	require.NoError(t, err)
	m := NewManager(s, embedding.NewLocal(testDims), optFns...)
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})
	return m
}

func TestCoreAddGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	id, err := u.Core.Add(ctx, "timezone", "America/Sao_Paulo", 0.9, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	v, ok, err := u.Core.Get(ctx, "timezone")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "America/Sao_Paulo", v)

	// re-store updates, never duplicates
	_, err = u.Core.Add(ctx, "timezone", "Europe/Lisbon", 0.9, nil)
	require.NoError(t, err)
	v, ok, err = u.Core.Get(ctx, "timezone")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Europe/Lisbon", v)
	assert.Equal(t, 1, u.Core.Count())
}

func TestCoreRejectsEmptyKeyOrValue(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	_, err := u.Core.Add(context.Background(), "", "v", 0.5, nil)
	require.Error(t, err)
	_, err = u.Core.Add(context.Background(), "k", "", 0.5, nil)
	require.Error(t, err)
}

func TestCoreEvictsLowestScoreAtCapacity(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.CoreMax = 3 })
	u := m.ForUser("u1")
	ctx := context.Background()

	_, err := u.Core.Add(ctx, "low", "v", 0.1, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = u.Core.Add(ctx, fmt.Sprintf("mid%d", i), "v", 0.5, nil)
		require.NoError(t, err)
	}
	_, err = u.Core.Add(ctx, "high", "v", 0.9, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, u.Core.Count())
	_, ok, err := u.Core.Get(ctx, "low")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = u.Core.Get(ctx, "high")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoreLoadsExistingFactsOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.db")

	s, err := store.Open(path, func(o *store.Options) { o.EmbeddingDim = testDims })
	require.NoError(t, err)
	_, err = s.UpsertCoreFact(context.Background(), store.CoreFact{UserID: "u1", Key: "name", Value: "alice", Importance: 0.5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := store.Open(path, func(o *store.Options) { o.EmbeddingDim = testDims })
	require.NoError(t, err)
	defer s2.Close()
	m := NewManager(s2, embedding.NewLocal(testDims))
	defer m.Close()

	v, ok, err := m.ForUser("u1").Core.Get(context.Background(), "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestCoreSearchSubstringMatchesKeysAndValues(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	_, err := u.Core.Add(ctx, "timezone", "America/Sao_Paulo", 0.9, nil)
	require.NoError(t, err)
	_, err = u.Core.Add(ctx, "editor", "vim", 0.5, nil)
	require.NoError(t, err)

	keys, err := u.Core.SearchSubstring(ctx, "ZONE", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"timezone"}, keys)

	// value match
	keys, err = u.Core.SearchSubstring(ctx, "paulo", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"timezone"}, keys)
}

func TestCoreFlushPersistsAccessCounts(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.FlushDelay = time.Hour })
	u := m.ForUser("u1")
	ctx := context.Background()

	_, err := u.Core.Add(ctx, "k", "v", 0.5, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err = u.Core.Get(ctx, "k")
		require.NoError(t, err)
	}
	require.NoError(t, u.Core.Flush(ctx))

	facts, err := m.store.LoadCoreFacts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	// batched: one statement, one increment per flush
	assert.Equal(t, 1, facts[0].AccessCount)
}

func TestRecallRoundTripSimilarity(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	_, err := u.Recall.Add(ctx, "user enjoys functional programming", 0.7)
	require.NoError(t, err)

	got, err := u.Recall.Search(ctx, "user enjoys functional programming", 1, 0.7, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Similarity, 0.99)
}

func TestRecallIsolationBetweenUsers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.ForUser("u1").Recall.Add(ctx, "private note about travel", 0.5)
	require.NoError(t, err)

	got, err := m.ForUser("u2").Recall.Search(ctx, "private note about travel", 5, 0.1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecallDeleteAndRecent(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	id, err := u.Recall.Add(ctx, "first note here", 0.5)
	require.NoError(t, err)
	_, err = u.Recall.Add(ctx, "second note here", 0.5)
	require.NoError(t, err)

	recent, err := u.Recall.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	ok, err := u.Recall.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	// wrong owner cannot delete
	ok, err = m.ForUser("u2").Recall.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchivalCompressLinksSources(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := u.Archival.Archive(ctx, fmt.Sprintf("note %d. details follow", i), "conversation", nil, "sess-1")
		require.NoError(t, err)
	}
	summaryID, n, err := u.Archival.Compress(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	items, err := u.Archival.SearchByMetadata(ctx, map[string]any{"source": "conversation"}, 20, 0)
	require.NoError(t, err)
	require.Len(t, items, 10)
	for _, it := range items {
		assert.True(t, it.Compressed)
		assert.Equal(t, summaryID, it.CompressedIntoID)
	}

	st, err := u.Archival.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, st.Total)
	assert.Equal(t, 10, st.Compressed)
}

func TestCuratorPromotesHotRecallItems(t *testing.T) {
	m := newTestManager(t)
	u := m.ForUser("u1")
	ctx := context.Background()

	id, err := u.Recall.Add(ctx, "the user's project deadline is friday", 0.9)
	require.NoError(t, err)
	require.NoError(t, m.store.BumpRecallAccess(ctx, "u1", []string{id, id, id}))
	require.NoError(t, m.store.BumpRecallAccess(ctx, "u1", []string{id}))
	require.NoError(t, m.store.BumpRecallAccess(ctx, "u1", []string{id}))

	m.curateOnce(ctx)

	v, ok, err := u.Core.Get(ctx, curatedKey(id))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "the user's project deadline is friday", v)
}
