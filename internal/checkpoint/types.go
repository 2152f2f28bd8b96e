// Package checkpoint implements the checkpoint store: durable snapshots
// of an in-flight workflow run, read back on resume. File-backed writes go
// through a temp file and rename so a snapshot is either wholly visible or
// wholly absent.
package checkpoint

import (
	"context"
	"time"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// Record is the serializable form of a workflow.Checkpoint, stored and
// retrieved by ExecutionID.
type Record struct {
	WorkflowID  string                  `json:"workflow_id"`
	ExecutionID string                  `json:"execution_id"`
	State       workflow.CheckpointState `json:"state"`
	CreatedAt   time.Time               `json:"created_at"`
}

func toRecord(c workflow.Checkpoint) Record {
	return Record{
		WorkflowID:  c.WorkflowID,
		ExecutionID: c.ExecutionID,
		State:       c.State,
		CreatedAt:   c.CreatedAt,
	}
}

func (r Record) toCheckpoint() workflow.Checkpoint {
	return workflow.Checkpoint{
		WorkflowID:  r.WorkflowID,
		ExecutionID: r.ExecutionID,
		State:       r.State,
		CreatedAt:   r.CreatedAt,
	}
}

// Store is the Checkpoint Store interface: save, load the most
// recent checkpoint for an execution, list a workflow's checkpoints, and
// delete one. It satisfies workflow.CheckpointStore (Save/Load) directly.
type Store interface {
	Save(ctx context.Context, c workflow.Checkpoint) error
	Load(ctx context.Context, executionID string) (*workflow.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]Record, error)
	DeleteCheckpoint(ctx context.Context, executionID string) error
}
