package store

// Schema notes:
//   - every entity table is partitioned by user_id with a covering B-tree index
//   - embeddings are float32 little-endian blobs of the configured dimension
//   - partial indices back the archival compression queries
//   - triggers maintain updated_at, and refresh last_accessed whenever an
//     access counter changes
const schema = `
CREATE TABLE IF NOT EXISTS core_memories (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	importance    REAL NOT NULL DEFAULT 0.5,
	metadata      TEXT,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE(user_id, key)
);
CREATE INDEX IF NOT EXISTS idx_core_user ON core_memories(user_id, key);

CREATE TABLE IF NOT EXISTS recall_memories (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	content       TEXT NOT NULL,
	embedding     BLOB NOT NULL,
	importance    REAL NOT NULL DEFAULT 0.5,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recall_user ON recall_memories(user_id, importance);

CREATE TABLE IF NOT EXISTS archival_memories (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	content            TEXT NOT NULL,
	source             TEXT NOT NULL,
	metadata           TEXT,
	session_id         TEXT,
	compressed         INTEGER NOT NULL DEFAULT 0,
	compressed_into_id TEXT REFERENCES archival_memories(id) ON DELETE SET NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archival_user ON archival_memories(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_archival_session ON archival_memories(session_id) WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_archival_compressed ON archival_memories(compressed) WHERE compressed = 1;

CREATE TABLE IF NOT EXISTS knowledge_nodes (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	node_type  TEXT,
	properties TEXT,
	embedding  BLOB,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_user ON knowledge_nodes(user_id, node_type);

CREATE TABLE IF NOT EXISTS knowledge_edges (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
	target_id  TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
	edge_type  TEXT NOT NULL,
	weight     REAL NOT NULL DEFAULT 1.0,
	properties TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(source_id, target_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON knowledge_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON knowledge_edges(target_id);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	channel_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'complete',
	created_at TEXT NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// Triggers are created one statement at a time because the driver executes a
// single statement per Exec when the body contains semicolons.
var triggers = []string{
	`CREATE TRIGGER IF NOT EXISTS trg_core_updated AFTER UPDATE OF value, importance, metadata ON core_memories BEGIN
		UPDATE core_memories SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_core_accessed AFTER UPDATE OF access_count ON core_memories BEGIN
		UPDATE core_memories SET last_accessed = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_recall_accessed AFTER UPDATE OF access_count ON recall_memories BEGIN
		UPDATE recall_memories SET last_accessed = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_archival_updated AFTER UPDATE OF compressed, compressed_into_id, metadata ON archival_memories BEGIN
		UPDATE archival_memories SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_nodes_updated AFTER UPDATE OF label, node_type, properties, embedding ON knowledge_nodes BEGIN
		UPDATE knowledge_nodes SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = NEW.id;
	END`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return wrapErr("migrate", err)
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return wrapErr("migrate", err)
		}
	}
	return nil
}
