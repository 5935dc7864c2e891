package memory

import (
	"context"
	"errors"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/store"
)

// Archival is one user's long-form record tier.
type Archival struct {
	store  *store.Store
	userID string
}

// Archive stores content verbatim.
func (a *Archival) Archive(ctx context.Context, content, source string, metadata map[string]any, sessionID string) (string, error) {
	if content == "" {
		return "", &core.MemoryError{Tier: "archival", Err: errors.New("content must be non-empty")}
	}
	if source == "" {
		source = "manual"
	}
	id, err := a.store.InsertArchival(ctx, store.ArchivalItem{
		UserID: a.userID, Content: content, Source: source,
		Metadata: metadata, SessionID: sessionID,
	})
	if err != nil {
		return "", &core.MemoryError{Tier: "archival", Err: err}
	}
	return id, nil
}

// Compress folds the session's uncompressed items into one summary record.
// An empty summary falls back to first-sentence concatenation.
func (a *Archival) Compress(ctx context.Context, sessionID, summary string) (string, int, error) {
	id, n, err := a.store.CompressSession(ctx, a.userID, sessionID, summary)
	if err != nil {
		return "", 0, &core.MemoryError{Tier: "archival", Key: sessionID, Err: err}
	}
	return id, n, nil
}

// SearchByMetadata filters records with JSON-path predicates.
func (a *Archival) SearchByMetadata(ctx context.Context, filters map[string]any, limit, offset int) ([]store.ArchivalItem, error) {
	items, err := a.store.SearchArchivalByMetadata(ctx, a.userID, filters, limit, offset)
	if err != nil {
		return nil, &core.MemoryError{Tier: "archival", Err: err}
	}
	return items, nil
}

// SearchByContent matches records by substring.
func (a *Archival) SearchByContent(ctx context.Context, query string, limit int) ([]store.ArchivalItem, error) {
	items, err := a.store.SearchArchivalByContent(ctx, a.userID, query, limit)
	if err != nil {
		return nil, &core.MemoryError{Tier: "archival", Err: err}
	}
	return items, nil
}

// Get fetches one record or nil.
func (a *Archival) Get(ctx context.Context, id string) (*store.ArchivalItem, error) {
	it, err := a.store.GetArchival(ctx, a.userID, id)
	if err != nil {
		return nil, &core.MemoryError{Tier: "archival", Key: id, Err: err}
	}
	return it, nil
}

// Delete removes one record, requiring ownership.
func (a *Archival) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := a.store.DeleteArchival(ctx, a.userID, id)
	if err != nil {
		return false, &core.MemoryError{Tier: "archival", Key: id, Err: err}
	}
	return ok, nil
}

// ArchivalStats summarizes the tier.
type ArchivalStats struct {
	Total      int
	Compressed int
	Sources    int
}

// Stats returns record counts for the user.
func (a *Archival) Stats(ctx context.Context) (ArchivalStats, error) {
	total, compressed, sources, err := a.store.ArchivalStats(ctx, a.userID)
	if err != nil {
		return ArchivalStats{}, &core.MemoryError{Tier: "archival", Err: err}
	}
	return ArchivalStats{Total: total, Compressed: compressed, Sources: sources}, nil
}
