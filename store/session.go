package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mnemobot/mnemo/core"
)

// EnsureSession creates the session header if it does not exist and refreshes
// its updated_at either way. Returns the session id.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID, channelID string) (string, error) {
	if sessionID == "" {
		sessionID = core.NewID()
	}
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, channel_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, userID, channelID, now, now)
	if err != nil {
		return "", wrapErr("ensure_session", err)
	}
	return sessionID, nil
}

// GetSession fetches one session header.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)
	var sr SessionRow
	var created, updated string
	err := row.Scan(&sr.ID, &sr.UserID, &sr.ChannelID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get_session", err)
	}
	sr.CreatedAt = parseTime(created)
	sr.UpdatedAt = parseTime(updated)
	return &sr, nil
}

// AppendExchange persists the user message and the assistant reply as one
// transaction, assigning strictly increasing sequence numbers. The assistant
// status records whether the stream finished ("complete") or was cut off
// ("partial"). Either both rows commit or neither does.
func (s *Store) AppendExchange(ctx context.Context, sessionID, userID, userText, assistantText, assistantStatus string) (userSeq, assistantSeq int, err error) {
	if assistantStatus == "" {
		assistantStatus = "complete"
	}
	err = s.withTx(ctx, "append_exchange", func(tx *sql.Tx) error {
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`,
			sessionID).Scan(&next); err != nil {
			return wrapErr("append_exchange", err)
		}
		now := fmtTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, user_id, seq, role, content, status, created_at)
			VALUES (?, ?, ?, ?, 'user', ?, 'complete', ?)`,
			core.NewID(), sessionID, userID, next, userText, now); err != nil {
			return wrapErr("append_exchange", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, user_id, seq, role, content, status, created_at)
			VALUES (?, ?, ?, ?, 'assistant', ?, ?, ?)`,
			core.NewID(), sessionID, userID, next+1, assistantText, assistantStatus, now); err != nil {
			return wrapErr("append_exchange", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
			return wrapErr("append_exchange", err)
		}
		userSeq, assistantSeq = next, next+1
		return nil
	})
	return userSeq, assistantSeq, err
}

// SessionMessages returns the session's messages in sequence order.
func (s *Store) SessionMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := `SELECT id, session_id, user_id, seq, role, content, status, created_at
	      FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// newest window, re-sorted ascending below
		q = `SELECT id, session_id, user_id, seq, role, content, status, created_at
		     FROM (SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?)
		     ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("session_messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Seq, &m.Role, &m.Content, &m.Status, &created); err != nil {
			return nil, wrapErr("session_messages", err)
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, wrapErr("session_messages", rows.Err())
}

// IdleSessions returns ids of sessions untouched since the cutoff.
func (s *Store) IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE updated_at < ? ORDER BY updated_at LIMIT ?`,
		fmtTime(cutoff), limit)
	if err != nil {
		return nil, wrapErr("idle_sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("idle_sessions", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("idle_sessions", rows.Err())
}

// DeleteSession removes the session header and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, "delete_session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return wrapErr("delete_session", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return wrapErr("delete_session", err)
		}
		return nil
	})
}

// StoreStats summarizes the whole database for the admin surface.
type StoreStats struct {
	Users     int
	Sessions  int
	Messages  int
	CoreFacts int
	Recall    int
	Archival  int
	Nodes     int
	Edges     int
}

// Stats counts rows across every table.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT user_id) FROM sessions),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM core_memories),
			(SELECT COUNT(*) FROM recall_memories),
			(SELECT COUNT(*) FROM archival_memories),
			(SELECT COUNT(*) FROM knowledge_nodes),
			(SELECT COUNT(*) FROM knowledge_edges)`).
		Scan(&st.Users, &st.Sessions, &st.Messages, &st.CoreFacts,
			&st.Recall, &st.Archival, &st.Nodes, &st.Edges)
	if err != nil {
		return StoreStats{}, wrapErr("stats", err)
	}
	return st, nil
}
