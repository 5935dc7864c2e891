package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/store"
)

const testDims = 64

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "graph.db"), func(o *store.Options) {
		o.EmbeddingDim = testDims
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, embedding.NewLocal(testDims))
}

func TestAddNodeReturnsStoredRow(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	n, err := g.AddNode(ctx, "u1", "Go", "lang", map[string]any{"paradigm": "imperative"})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)
	assert.Equal(t, "Go", n.Label)
	assert.Equal(t, "lang", n.NodeType)
	assert.Len(t, n.Embedding, testDims)

	_, err = g.AddNode(ctx, "u1", "", "lang", nil)
	require.Error(t, err)
}

func TestSearchNodesRanksAndFilters(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	_, err := g.AddNode(ctx, "u1", "Go programming language", "lang", nil)
	require.NoError(t, err)
	_, err = g.AddNode(ctx, "u1", "Discord chat api", "api", nil)
	require.NoError(t, err)
	// another user's node with the same label must never surface
	_, err = g.AddNode(ctx, "u2", "Go programming language", "lang", nil)
	require.NoError(t, err)

	got, err := g.SearchNodes(ctx, "u1", "Go programming language", "", 5, 0.3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "Go programming language", got[0].Label)
	assert.Equal(t, "u1", got[0].UserID)
	assert.GreaterOrEqual(t, got[0].Similarity, 0.3)

	// type filter
	got, err = g.SearchNodes(ctx, "u1", "Go programming language", "api", 5, -1)
	require.NoError(t, err)
	for _, n := range got {
		assert.Equal(t, "api", n.NodeType)
	}
}

func TestAddEdgeRejectsCrossUserEndpoints(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	a, err := g.AddNode(ctx, "u1", "a", "", nil)
	require.NoError(t, err)
	b, err := g.AddNode(ctx, "u2", "b", "", nil)
	require.NoError(t, err)

	_, err = g.AddEdge(ctx, "u1", a.ID, b.ID, "knows", 1, nil)
	var ae *core.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "u1", ae.UserID)
}

func TestEdgeLifecycleAndOwnership(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	a, err := g.AddNode(ctx, "u1", "Go", "lang", nil)
	require.NoError(t, err)
	b, err := g.AddNode(ctx, "u1", "Discord", "api", nil)
	require.NoError(t, err)

	edgeID, err := g.AddEdge(ctx, "u1", a.ID, b.ID, "used_with", 0.9, nil)
	require.NoError(t, err)

	edges, err := g.GetEdges(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.9, edges[0].Weight, 1e-9)

	// duplicate triple conflicts
	_, err = g.AddEdge(ctx, "u1", a.ID, b.ID, "used_with", 0.5, nil)
	var se *core.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, core.StoreConflict, se.Kind)

	// another user cannot delete it
	_, err = g.DeleteEdge(ctx, "u2", edgeID)
	var ae *core.AuthorizationError
	require.ErrorAs(t, err, &ae)

	ok, err := g.DeleteEdge(ctx, "u1", edgeID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteNodeLeavesNoIncidentEdges(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	a, err := g.AddNode(ctx, "u1", "a", "", nil)
	require.NoError(t, err)
	b, err := g.AddNode(ctx, "u1", "b", "", nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "u1", a.ID, b.ID, "x", 1, nil)
	require.NoError(t, err)

	ok, err := g.DeleteNode(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	edges, err := g.GetEdges(ctx, "u1", b.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestFindPathReturnsNodesInOrder(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	goNode, err := g.AddNode(ctx, "u1", "Go", "lang", nil)
	require.NoError(t, err)
	discord, err := g.AddNode(ctx, "u1", "Discord", "api", nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "u1", goNode.ID, discord.ID, "used_with", 0.9, nil)
	require.NoError(t, err)

	path, err := g.FindPath(ctx, "u1", goNode.ID, discord.ID, 3, nil)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "Go", path[0].Label)
	assert.Equal(t, "Discord", path[1].Label)

	path, err = g.FindPath(ctx, "u1", discord.ID, goNode.ID, 3, nil)
	require.NoError(t, err)
	assert.Nil(t, path) // directed
}

func TestUpdateNodeMergesPropertiesAndReembeds(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	n, err := g.AddNode(ctx, "u1", "old label", "concept", map[string]any{"a": "1"})
	require.NoError(t, err)
	oldVec := append([]float32(nil), n.Embedding...)

	updated, err := g.UpdateNode(ctx, "u1", n.ID, "entirely different words", "", map[string]any{"b": "2"})
	require.NoError(t, err)
	assert.Equal(t, "entirely different words", updated.Label)
	assert.Equal(t, "1", updated.Properties["a"])
	assert.Equal(t, "2", updated.Properties["b"])
	assert.NotEqual(t, oldVec, updated.Embedding)

	// property-only update keeps the vector
	again, err := g.UpdateNode(ctx, "u1", n.ID, "", "", map[string]any{"c": "3"})
	require.NoError(t, err)
	assert.Equal(t, updated.Embedding, again.Embedding)
}

func TestGetNeighborsBothDirections(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	mid, err := g.AddNode(ctx, "u1", "mid", "", nil)
	require.NoError(t, err)
	up, err := g.AddNode(ctx, "u1", "up", "", nil)
	require.NoError(t, err)
	down, err := g.AddNode(ctx, "u1", "down", "", nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "u1", up.ID, mid.ID, "x", 1, nil)
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, "u1", mid.ID, down.ID, "y", 1, nil)
	require.NoError(t, err)

	both, err := g.GetNeighbors(ctx, "u1", mid.ID, "both", "")
	require.NoError(t, err)
	assert.Len(t, both, 2)

	out, err := g.GetNeighbors(ctx, "u1", mid.ID, "out", "y")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "down", out[0].Label)
}
