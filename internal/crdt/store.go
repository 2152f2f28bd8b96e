package crdt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the document's three entity maps (issueUpdates,
// specUpdates, feedbackUpdates). executionState and agentMetadata are
// coordination-only state, garbage collected but never durable.
type Store interface {
	PersistEntities(ctx context.Context, snapshot Snapshot) error
}

// SQLiteStore is the default Store, with the same connection setup as
// internal/checkpoint.SQLiteStore: WAL mode, single writer connection,
// migrate-on-open.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed entity store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("crdt sqlite: path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening crdt database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to crdt database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating crdt database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS issue_updates (
			key        TEXT PRIMARY KEY,
			record_json TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS spec_updates (
			key        TEXT PRIMARY KEY,
			record_json TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS feedback_updates (
			key        TEXT PRIMARY KEY,
			record_json TEXT NOT NULL
		);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PersistEntities upserts every entry of snapshot into the three entity
// tables in a single transaction. Rows whose keys are absent from snapshot
// are left in place.
func (s *SQLiteStore) PersistEntities(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning crdt persist transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTable(ctx, tx, "issue_updates", snapshot.IssueUpdates); err != nil {
		return err
	}
	if err := upsertTable(ctx, tx, "spec_updates", snapshot.SpecUpdates); err != nil {
		return err
	}
	if err := upsertTable(ctx, tx, "feedback_updates", snapshot.FeedbackUpdates); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing crdt persist transaction: %w", err)
	}
	return nil
}

func upsertTable(ctx context.Context, tx *sql.Tx, table string, entities map[string]Record) error {
	for _, key := range sortedKeys(entities) {
		data, err := json.Marshal(entities[key])
		if err != nil {
			return fmt.Errorf("marshaling %s entry %q: %w", table, key, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (key, record_json) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET record_json = excluded.record_json
		`, table), key, string(data))
		if err != nil {
			return fmt.Errorf("upserting %s entry %q: %w", table, key, err)
		}
	}
	return nil
}
