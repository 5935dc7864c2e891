// Package store is the single persistence surface of the bot. It owns the
// SQLite connection pool, the schema, and every SQL statement; no other
// package constructs SQL. Queries are parameterized throughout, embeddings are
// stored as little-endian float32 blobs, and any mutation spanning more than
// one table runs inside a transaction.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
)

// Store wraps the database handle and exposes typed queries for every entity.
type Store struct {
	db     *sql.DB
	dim    int
	logger logging.Logger
}

// Options configure Store construction.
type Options struct {
	// EmbeddingDim is the fixed vector dimension enforced on write.
	EmbeddingDim int
	Logger       logging.Logger
}

// Open opens or creates the SQLite database at path and applies the schema.
// WAL mode and foreign keys are enabled; FK enforcement backs the edge
// cascade on node deletion.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{EmbeddingDim: 1536, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file::memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &core.StoreError{Kind: core.StoreUnavailable, Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &core.StoreError{Kind: core.StoreUnavailable, Op: "open", Err: err}
	}

	s := &Store{db: db, dim: opts.EmbeddingDim, logger: opts.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool. Idempotent.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping verifies the connection for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &core.StoreError{Kind: core.StoreUnavailable, Op: "ping", Err: err}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error. Connection
// release is guaranteed on all exit paths.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op, err)
	}
	return nil
}

// wrapErr maps driver errors onto the store taxonomy: constraint violations
// become StoreConflict, everything else StoreUnavailable. The sqlite driver
// reports all uniqueness/FK failures with "constraint" in the message.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := core.StoreUnavailable
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") {
		kind = core.StoreConflict
	}
	return &core.StoreError{Kind: kind, Op: op, Err: err}
}

// nullStr converts an optional string for binding.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
