package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// FileStore persists checkpoints as one JSON file per execution id under a
// directory, written atomically via a temp file + rename.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(executionID string) string {
	return filepath.Join(f.dir, executionID+".json")
}

// Save writes c, overwriting any checkpoint previously saved for the same
// execution id.
func (f *FileStore) Save(ctx context.Context, c workflow.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(toRecord(c), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	path := f.path(c.ExecutionID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint saved for executionID, if any.
func (f *FileStore) Load(ctx context.Context, executionID string) (*workflow.Checkpoint, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("parsing checkpoint: %w", err)
	}
	c := rec.toCheckpoint()
	return &c, true, nil
}

// ListCheckpoints returns every checkpoint belonging to workflowID, newest
// first. An empty workflowID lists every checkpoint in the store.
func (f *FileStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

// DeleteCheckpoint removes the checkpoint saved for executionID, if any.
func (f *FileStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(executionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}
