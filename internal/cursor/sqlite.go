// Package cursor persists the scheduler's tick state ("cursor") in SQLite.
// The cursor is replaced wholesale inside a transaction, so a crashed tick
// never leaves partial state behind.
package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/matsched/internal/evaluation"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS cursor (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	tick_id    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	state      TEXT NOT NULL
)`

// SQLiteStore stores the cursor in a single-row SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// WAL improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.With("component", "cursor")}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the last committed tick state, or nil if no tick has committed.
func (s *SQLiteStore) Load(ctx context.Context) (*evaluation.TickState, error) {
	s.logger.Debug("sql", "op", "select", "table", "cursor")

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM cursor WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state evaluation.TickState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal cursor state: %w", err)
	}
	return &state, nil
}

// Save replaces the stored tick state atomically.
func (s *SQLiteStore) Save(ctx context.Context, state *evaluation.TickState) error {
	s.logger.Debug("sql", "op", "upsert", "table", "cursor", "tick_id", state.TickID)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cursor state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cursor (id, version, tick_id, created_at, state) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, tick_id = excluded.tick_id,
		 created_at = excluded.created_at, state = excluded.state`,
		state.Version, state.TickID, time.Now().UTC().Format(time.RFC3339Nano), string(raw),
	)
	return err
}
