package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mnemobot/mnemo/core"
)

// InsertRecall appends one embedded item to the user's recall log.
func (s *Store) InsertRecall(ctx context.Context, item RecallItem) (string, error) {
	blob, err := s.encodeVector(item.Embedding)
	if err != nil {
		return "", err
	}
	id := core.NewID()
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recall_memories (id, user_id, content, embedding, importance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, item.UserID, item.Content, blob, item.Importance, now, now)
	if err != nil {
		return "", wrapErr("insert_recall", err)
	}
	return id, nil
}

// SearchRecall ranks the user's recall items by cosine similarity to the
// query vector, restricted to importance >= minImportance and similarity >=
// threshold. Ties break on primary key ascending. The scan stays inside the
// user partition; similarity is computed over the candidate rows in process.
func (s *Store) SearchRecall(ctx context.Context, userID string, query []float32, limit int, threshold, minImportance float64) ([]RecallItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, importance, access_count, created_at
		FROM recall_memories
		WHERE user_id = ? AND importance >= ?`, userID, minImportance)
	if err != nil {
		return nil, wrapErr("search_recall", err)
	}
	defer rows.Close()

	var matches []RecallItem
	for rows.Next() {
		var it RecallItem
		var blob []byte
		var created string
		if err := rows.Scan(&it.ID, &it.Content, &blob, &it.Importance, &it.AccessCount, &created); err != nil {
			return nil, wrapErr("search_recall", err)
		}
		it.UserID = userID
		it.Embedding = decodeVector(blob)
		it.CreatedAt = parseTime(created)
		it.Similarity = CosineSimilarity(query, it.Embedding)
		if it.Similarity >= threshold {
			matches = append(matches, it)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("search_recall", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// RecentRecall returns the user's newest items, newest first.
func (s *Store) RecentRecall(ctx context.Context, userID string, limit int) ([]RecallItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, importance, access_count, created_at
		FROM recall_memories
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrapErr("recent_recall", err)
	}
	defer rows.Close()

	var items []RecallItem
	for rows.Next() {
		var it RecallItem
		var blob []byte
		var created string
		if err := rows.Scan(&it.ID, &it.Content, &blob, &it.Importance, &it.AccessCount, &created); err != nil {
			return nil, wrapErr("recent_recall", err)
		}
		it.UserID = userID
		it.Embedding = decodeVector(blob)
		it.CreatedAt = parseTime(created)
		items = append(items, it)
	}
	return items, wrapErr("recent_recall", rows.Err())
}

// BumpRecallAccess increments access counters for the matched ids in one
// batched statement scoped to the user.
func (s *Store) BumpRecallAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recall_memories SET access_count = access_count + 1
		 WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	return wrapErr("bump_recall_access", err)
}

// DeleteRecall removes one item, requiring ownership.
func (s *Store) DeleteRecall(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recall_memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, wrapErr("delete_recall", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CuratorCandidates returns items whose importance and access counts exceed
// the promotion thresholds, oldest first, for the background curator.
func (s *Store) CuratorCandidates(ctx context.Context, userID string, minImportance float64, minAccess, limit int) ([]RecallItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, importance, access_count, created_at
		FROM recall_memories
		WHERE user_id = ? AND importance >= ? AND access_count >= ?
		ORDER BY created_at
		LIMIT ?`, userID, minImportance, minAccess, limit)
	if err != nil {
		return nil, wrapErr("curator_candidates", err)
	}
	defer rows.Close()

	var items []RecallItem
	for rows.Next() {
		var it RecallItem
		var blob []byte
		var created string
		if err := rows.Scan(&it.ID, &it.Content, &blob, &it.Importance, &it.AccessCount, &created); err != nil {
			return nil, wrapErr("curator_candidates", err)
		}
		it.UserID = userID
		it.Embedding = decodeVector(blob)
		it.CreatedAt = parseTime(created)
		items = append(items, it)
	}
	return items, wrapErr("curator_candidates", rows.Err())
}
