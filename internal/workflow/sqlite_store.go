package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforge/orchestrator/internal/coreerrors"
)

// SQLiteStore persists workflows in a SQLite database, for deployments
// that want a single durable file surviving process restarts instead of
// the in-process MemoryStore. Same connection setup as
// internal/checkpoint.SQLiteStore: WAL mode, busy timeout, single writer
// connection, migrate-on-open. The whole Workflow is stored as one JSON
// blob per row, with id/status/created_at broken out as indexed columns
// for Query filtering, since the workflow shape (steps, config, source)
// has no natural relational split.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed workflow
// store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("workflow sqlite: path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening workflow database: %w", err)
	}
	db.SetMaxOpenConns(1) // avoid SQLite writer-lock contention

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to workflow database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating workflow database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			body_json  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
		CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new workflow. Fails if the id already exists.
func (s *SQLiteStore) Create(ctx context.Context, w *Workflow) error {
	if w == nil || w.ID == "" {
		return &coreerrors.InvalidStateError{Resource: "workflow", Op: "create", State: "missing id"}
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, w.ID).Scan(&exists); err == nil {
		return &coreerrors.ConflictError{Path: w.ID, Message: "workflow already exists"}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("checking for existing workflow: %w", err)
	}

	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	return s.upsert(ctx, w)
}

// Get retrieves a workflow by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body_json FROM workflows WHERE id = ?`, id)
	var bodyJSON string
	if err := row.Scan(&bodyJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, &coreerrors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return decodeWorkflow(bodyJSON)
}

// Update replaces an existing workflow.
func (s *SQLiteStore) Update(ctx context.Context, w *Workflow) error {
	if w == nil || w.ID == "" {
		return &coreerrors.InvalidStateError{Resource: "workflow", Op: "update", State: "missing id"}
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, w.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return &coreerrors.NotFoundError{Resource: "workflow", ID: w.ID}
	} else if err != nil {
		return fmt.Errorf("checking for existing workflow: %w", err)
	}

	w.UpdatedAt = time.Now()
	return s.upsert(ctx, w)
}

func (s *SQLiteStore) upsert(ctx context.Context, w *Workflow) error {
	bodyJSON, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, created_at, body_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status     = excluded.status,
			created_at = excluded.created_at,
			body_json  = excluded.body_json
	`, w.ID, string(w.Status), w.CreatedAt.Format(time.RFC3339Nano), string(bodyJSON))
	if err != nil {
		return fmt.Errorf("saving workflow: %w", err)
	}
	return nil
}

// Delete removes a workflow by id. Idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	return nil
}

// List returns workflows matching q, newest-created first.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Workflow, error) {
	var rows *sql.Rows
	var err error
	if q.Status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT body_json FROM workflows WHERE status = ? ORDER BY created_at DESC`, string(*q.Status))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT body_json FROM workflows ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var bodyJSON string
		if err := rows.Scan(&bodyJSON); err != nil {
			return nil, fmt.Errorf("scanning workflow row: %w", err)
		}
		w, err := decodeWorkflow(bodyJSON)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Offset > 0 {
		if q.Offset >= len(workflows) {
			return nil, nil
		}
		workflows = workflows[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(workflows) {
		workflows = workflows[:q.Limit]
	}
	return workflows, nil
}

func decodeWorkflow(bodyJSON string) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal([]byte(bodyJSON), &w); err != nil {
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	return &w, nil
}
