package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mnemobot/mnemo/core"
)

// InsertArchival stores one verbatim archival record.
func (s *Store) InsertArchival(ctx context.Context, item ArchivalItem) (string, error) {
	id := core.NewID()
	now := fmtTime(time.Now())
	meta := item.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["source"]; !ok {
		meta["source"] = item.Source
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archival_memories (id, user_id, content, source, metadata, session_id, compressed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, item.UserID, item.Content, item.Source, marshalMeta(meta), nullStr(item.SessionID), now, now)
	if err != nil {
		return "", wrapErr("insert_archival", err)
	}
	return id, nil
}

// compressHook, when set, runs between the summary insert and the source
// update so tests can force a mid-transaction failure.
var compressHook func(tx *sql.Tx) error

// CompressSession collects every uncompressed item of the session, inserts a
// single summary record and marks all sources compressed with a link to it,
// all in one transaction. Either all three steps commit or none do. Returns the
// summary id and the number of sources, or ("", 0) when nothing to compress.
func (s *Store) CompressSession(ctx context.Context, userID, sessionID, summary string) (string, int, error) {
	var summaryID string
	var count int
	err := s.withTx(ctx, "compress_session", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, content FROM archival_memories
			WHERE user_id = ? AND session_id = ? AND compressed = 0
			ORDER BY created_at, id`, userID, sessionID)
		if err != nil {
			return wrapErr("compress_session", err)
		}
		var ids []string
		var contents []string
		for rows.Next() {
			var id, content string
			if err := rows.Scan(&id, &content); err != nil {
				rows.Close()
				return wrapErr("compress_session", err)
			}
			ids = append(ids, id)
			contents = append(contents, content)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapErr("compress_session", err)
		}
		if len(ids) == 0 {
			return nil
		}
		count = len(ids)

		if summary == "" {
			summary = fallbackSummary(contents)
		}
		summaryID = core.NewID()
		now := fmtTime(time.Now())
		meta := marshalMeta(map[string]any{
			"source":         "compression",
			"original_count": count,
		})
		// The summary carries no session_id so later compressions of the
		// same session do not fold it in again.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archival_memories (id, user_id, content, source, metadata, session_id, compressed, created_at, updated_at)
			VALUES (?, ?, ?, 'compression', ?, NULL, 0, ?, ?)`,
			summaryID, userID, summary, meta, now, now); err != nil {
			return wrapErr("compress_session", err)
		}

		if compressHook != nil {
			if err := compressHook(tx); err != nil {
				return err
			}
		}

		placeholders := strings.Repeat("?,", len(ids)-1) + "?"
		args := make([]any, 0, len(ids)+2)
		args = append(args, summaryID, userID)
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE archival_memories SET compressed = 1, compressed_into_id = ?
			WHERE user_id = ? AND id IN (`+placeholders+`)`, args...); err != nil {
			return wrapErr("compress_session", err)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return summaryID, count, nil
}

// fallbackSummary joins the first sentence of each source when no generated
// summary was supplied.
func fallbackSummary(contents []string) string {
	var b strings.Builder
	for i, c := range contents {
		if i > 0 {
			b.WriteString(" ")
		}
		if idx := strings.IndexAny(c, ".!?"); idx >= 0 && idx < len(c)-1 {
			c = c[:idx+1]
		}
		b.WriteString(strings.TrimSpace(c))
	}
	return b.String()
}

var metaKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// SearchArchivalByMetadata filters the user's records with JSON-path
// predicates. Dotted keys become quoted path segments and both the path and
// the value are bound parameters; no filter text is ever interpolated.
func (s *Store) SearchArchivalByMetadata(ctx context.Context, userID string, filters map[string]any, limit, offset int) ([]ArchivalItem, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	for key, val := range filters {
		if !metaKeyPattern.MatchString(key) {
			return nil, &core.StoreError{
				Kind: core.StoreConflict,
				Op:   "search_archival_metadata",
				Err:  fmt.Errorf("invalid metadata key %q", key),
			}
		}
		path := "$"
		for _, seg := range strings.Split(key, ".") {
			path += `."` + seg + `"`
		}
		where = append(where, "json_extract(metadata, ?) = ?")
		args = append(args, path, val)
	}
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at
		FROM archival_memories
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, wrapErr("search_archival_metadata", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

// SearchArchivalByContent matches content with a LIKE pattern. % and _ in the
// query are escaped and an explicit escape character is declared.
func (s *Store) SearchArchivalByContent(ctx context.Context, userID, query string, limit int) ([]ArchivalItem, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at
		FROM archival_memories
		WHERE user_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id
		LIMIT ?`, userID, "%"+escaped+"%", limit)
	if err != nil {
		return nil, wrapErr("search_archival_content", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

// GetArchival fetches one record, requiring ownership.
func (s *Store) GetArchival(ctx context.Context, userID, id string) (*ArchivalItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at
		FROM archival_memories
		WHERE user_id = ? AND id = ?`, userID, id)
	it, err := scanArchival(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get_archival", err)
	}
	return &it, nil
}

// DeleteArchival removes one record; links from compressed sources pointing
// at it are cleared by the FK ON DELETE SET NULL.
func (s *Store) DeleteArchival(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archival_memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, wrapErr("delete_archival", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ArchivalStats summarizes the user's archival tier.
func (s *Store) ArchivalStats(ctx context.Context, userID string) (total, compressed, sources int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(compressed), 0),
		       COUNT(DISTINCT source)
		FROM archival_memories WHERE user_id = ?`, userID).Scan(&total, &compressed, &sources)
	if err != nil {
		return 0, 0, 0, wrapErr("archival_stats", err)
	}
	return total, compressed, sources, nil
}

func scanArchivalRows(rows *sql.Rows) ([]ArchivalItem, error) {
	var items []ArchivalItem
	for rows.Next() {
		it, err := scanArchival(rows)
		if err != nil {
			return nil, wrapErr("scan_archival", err)
		}
		items = append(items, it)
	}
	return items, wrapErr("scan_archival", rows.Err())
}

func scanArchival(r rowScanner) (ArchivalItem, error) {
	var it ArchivalItem
	var meta, sessionID, intoID sql.NullString
	var compressed int
	var created string
	if err := r.Scan(&it.ID, &it.UserID, &it.Content, &it.Source, &meta,
		&sessionID, &compressed, &intoID, &created); err != nil {
		return ArchivalItem{}, err
	}
	it.Metadata = unmarshalMeta(meta)
	it.SessionID = sessionID.String
	it.Compressed = compressed != 0
	it.CompressedIntoID = intoID.String
	it.CreatedAt = parseTime(created)
	return it, nil
}
