package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/store"
)

// Recall is one user's append-only embedded episodic log.
type Recall struct {
	store    *store.Store
	embedder embedding.Embedder
	userID   string
	logger   logging.Logger
	wg       *sync.WaitGroup
}

// Add embeds content and appends it to the log.
func (r *Recall) Add(ctx context.Context, content string, importance float64) (string, error) {
	if content == "" {
		return "", &core.MemoryError{Tier: "recall", Err: errors.New("content must be non-empty")}
	}
	vec, err := r.embedder.Embed(ctx, content)
	if err != nil {
		return "", &core.MemoryError{Tier: "recall", Err: err}
	}
	id, err := r.store.InsertRecall(ctx, store.RecallItem{
		UserID: r.userID, Content: content,
		Embedding: vec, Importance: clamp01(importance),
	})
	if err != nil {
		return "", &core.MemoryError{Tier: "recall", Err: err}
	}
	return id, nil
}

// Search embeds the query and returns the best matches at or above threshold.
// Access counters for the matches are bumped asynchronously in one batched
// update; the search result never waits on it.
func (r *Recall) Search(ctx context.Context, query string, limit int, threshold, minImportance float64) ([]store.RecallItem, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &core.MemoryError{Tier: "recall", Err: err}
	}
	items, err := r.store.SearchRecall(ctx, r.userID, vec, limit, threshold, minImportance)
	if err != nil {
		return nil, &core.MemoryError{Tier: "recall", Err: err}
	}
	if len(items) > 0 {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.store.BumpRecallAccess(context.Background(), r.userID, ids); err != nil {
				r.logger.Warn("recall access bump failed", "user_id", r.userID, "error", err)
			}
		}()
	}
	return items, nil
}

// Recent lists the newest items.
func (r *Recall) Recent(ctx context.Context, limit int) ([]store.RecallItem, error) {
	items, err := r.store.RecentRecall(ctx, r.userID, limit)
	if err != nil {
		return nil, &core.MemoryError{Tier: "recall", Err: err}
	}
	return items, nil
}

// Delete removes one item, requiring ownership.
func (r *Recall) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.DeleteRecall(ctx, r.userID, id)
	if err != nil {
		return false, &core.MemoryError{Tier: "recall", Key: id, Err: err}
	}
	return ok, nil
}
