package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// SQLiteStore persists checkpoints in a SQLite database, for deployments
// that want a single durable file instead of one-file-per-execution. WAL
// mode, busy timeout, migrate-on-open.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed checkpoint
// store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("checkpoint sqlite: path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1) // avoid SQLite writer-lock contention

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to checkpoint database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating checkpoint database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			state_json   TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON checkpoints(workflow_id);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save upserts the checkpoint for c.ExecutionID.
func (s *SQLiteStore) Save(ctx context.Context, c workflow.Checkpoint) error {
	stateJSON, err := json.Marshal(c.State)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (execution_id, workflow_id, state_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			state_json  = excluded.state_json,
			created_at  = excluded.created_at
	`, c.ExecutionID, c.WorkflowID, string(stateJSON), c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint saved for executionID, if any.
func (s *SQLiteStore) Load(ctx context.Context, executionID string) (*workflow.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, state_json, created_at FROM checkpoints WHERE execution_id = ?
	`, executionID)

	var workflowID, stateJSON, createdAt string
	if err := row.Scan(&workflowID, &stateJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading checkpoint: %w", err)
	}

	c, err := decodeRow(workflowID, executionID, stateJSON, createdAt)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListCheckpoints returns every checkpoint for workflowID, newest first. An
// empty workflowID lists every checkpoint in the store.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Record, error) {
	var rows *sql.Rows
	var err error
	if workflowID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT workflow_id, execution_id, state_json, created_at FROM checkpoints ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT workflow_id, execution_id, state_json, created_at FROM checkpoints WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var wfID, execID, stateJSON, createdAt string
		if err := rows.Scan(&wfID, &execID, &stateJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		c, err := decodeRow(wfID, execID, stateJSON, createdAt)
		if err != nil {
			return nil, err
		}
		records = append(records, toRecord(*c))
	}
	return records, rows.Err()
}

// DeleteCheckpoint removes the checkpoint for executionID, if any.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

func decodeRow(workflowID, executionID, stateJSON, createdAt string) (*workflow.Checkpoint, error) {
	var state workflow.CheckpointState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decoding checkpoint state: %w", err)
	}
	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint timestamp: %w", err)
	}
	return &workflow.Checkpoint{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		State:       state,
		CreatedAt:   createdTime,
	}, nil
}
