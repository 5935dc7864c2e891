package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mnemobot/mnemo/core"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// fall back for trigger-written strftime values
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func marshalMeta(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMeta(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

// UpsertCoreFact inserts or updates the (user_id, key) fact in one statement
// and returns its id. Re-storing an existing key updates, never duplicates.
func (s *Store) UpsertCoreFact(ctx context.Context, f CoreFact) (string, error) {
	now := fmtTime(time.Now())
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO core_memories (id, user_id, key, value, importance, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id`,
		core.NewID(), f.UserID, f.Key, f.Value, f.Importance, marshalMeta(f.Metadata), now, now,
	).Scan(&id)
	if err != nil {
		return "", wrapErr("upsert_core_fact", err)
	}
	return id, nil
}

// LoadCoreFacts returns up to limit facts for the user ordered by importance
// then recency, the order the in-process cache warms from.
func (s *Store) LoadCoreFacts(ctx context.Context, userID string, limit int) ([]CoreFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key, value, importance, metadata, access_count, last_accessed, created_at, updated_at
		FROM core_memories
		WHERE user_id = ?
		ORDER BY importance DESC, last_accessed DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrapErr("load_core_facts", err)
	}
	defer rows.Close()

	var facts []CoreFact
	for rows.Next() {
		f, err := scanCoreFact(rows)
		if err != nil {
			return nil, wrapErr("load_core_facts", err)
		}
		facts = append(facts, f)
	}
	return facts, wrapErr("load_core_facts", rows.Err())
}

// DeleteCoreFact removes the fact and reports whether a row existed.
func (s *Store) DeleteCoreFact(ctx context.Context, userID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM core_memories WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return false, wrapErr("delete_core_fact", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BumpCoreAccess increments access counters for the given keys in a single
// batched statement scoped to the user. The last_accessed refresh is handled
// by a trigger.
func (s *Store) BumpCoreAccess(ctx context.Context, userID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(keys)-1) + "?"
	args := make([]any, 0, len(keys)+1)
	args = append(args, userID)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE core_memories SET access_count = access_count + 1
		 WHERE user_id = ? AND key IN (`+placeholders+`)`, args...)
	return wrapErr("bump_core_access", err)
}

// CountCoreFacts returns the number of facts stored for the user.
func (s *Store) CountCoreFacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, wrapErr("count_core_facts", err)
	}
	return n, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCoreFact(r rowScanner) (CoreFact, error) {
	var f CoreFact
	var meta, lastAccessed sql.NullString
	var created, updated string
	if err := r.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Importance, &meta,
		&f.AccessCount, &lastAccessed, &created, &updated); err != nil {
		return CoreFact{}, err
	}
	f.Metadata = unmarshalMeta(meta)
	if lastAccessed.Valid {
		t := parseTime(lastAccessed.String)
		f.LastAccessed = &t
	}
	f.CreatedAt = parseTime(created)
	f.UpdatedAt = parseTime(updated)
	return f, nil
}
