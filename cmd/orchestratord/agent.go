package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/broadcast"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/normalize"
	"github.com/flowforge/orchestrator/internal/process"
	"github.com/flowforge/orchestrator/internal/retry"
	"github.com/flowforge/orchestrator/internal/wakeup"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// agentRunner builds and runs the opaque agent subprocess invocations the
// Workflow Engine's steps and the Wakeup Service's orchestrator follow-ups
// need (workflow.TaskBuilder and wakeup.Dispatcher constructing the actual
// agent invocation is explicitly a deployment concern left outside
// internal/workflow and internal/wakeup). One agentRunner is shared by
// both roles since both ultimately spawn the same configured agent
// executable with different context arguments.
type agentRunner struct {
	exec      *executor.Executor
	cfg       *config.Config
	logger    *slog.Logger
	bcast     *broadcast.Broadcaster
	projectID string
}

func newAgentRunner(cfg *config.Config, exec *executor.Executor, bcast *broadcast.Broadcaster, logger *slog.Logger) *agentRunner {
	return &agentRunner{exec: exec, cfg: cfg, logger: logger, bcast: bcast, projectID: cfg.ProjectID}
}

// sessionUpdateMessage is the wire shape published on an execution's
// broadcast channel for every normalize.Update the agent's output
// produces.
type sessionUpdateMessage struct {
	Type        string           `json:"type"`
	ExecutionID string           `json:"executionId"`
	Update      normalize.Update `json:"update"`
}

// attachOutputPipeline wires a task's stdout/stderr streams through a
// Decoder and Normalizer scoped to executionID, publishing every resulting
// Session Update to that execution's broadcast channel.
func (a *agentRunner) attachOutputPipeline(task *executor.Task, executionID string) {
	dec := normalize.NewDecoder()
	norm := normalize.New()
	ch := broadcast.Channel{ProjectID: a.projectID, Scope: broadcast.ScopeExecution, ID: executionID}

	publish := func(data []byte) {
		for _, raw := range dec.Feed(data) {
			_, update, ok := norm.Process(raw)
			if !ok {
				continue
			}
			for _, u := range update {
				if err := a.bcast.Publish(ch, sessionUpdateMessage{Type: "session_update", ExecutionID: executionID, Update: u}); err != nil {
					a.logger.Warn("agent: publishing session update failed", "execution", executionID, "error", err)
				}
			}
		}
	}

	task.OnOutput = func(c process.Chunk) { publish(c.Data) }
	task.OnError = func(c process.Chunk) { publish(c.Data) }
}

// BuildTask implements workflow.TaskBuilder: one agent invocation per ready
// step, run in the workflow's allocated worktree with the step and issue
// identified on the command line.
func (a *agentRunner) BuildTask(w *workflow.Workflow, step workflow.Step) (executor.Task, error) {
	args := append(append([]string(nil), a.cfg.AgentArgs...),
		"--workflow-id", w.ID,
		"--step-id", step.ID,
		"--issue-id", step.IssueID,
	)
	executionID := uuid.NewString()
	task := executor.Task{
		ID:          step.ID,
		ExecutionID: executionID,
		BreakerKey:  "step",
		Spec: process.Spec{
			ExecutablePath: a.cfg.AgentCommand,
			Args:           args,
			WorkDir:        w.WorktreePath,
		},
		Policy: a.retryPolicy(),
	}
	a.attachOutputPipeline(&task, executionID)
	return task, nil
}

// retryPolicy builds the agent-invocation retry policy from config:
// exponential backoff with the configured jitter ratio, retrying only
// results the operator has classified as transient.
func (a *agentRunner) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.StepMaxAttempts,
		Backoff: retry.Backoff{
			Kind:        retry.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      true,
			JitterRatio: a.cfg.RetryJitterRatio,
		},
		RetryableExitCodes: a.cfg.RetryableExitCodes,
		RetryableErrors:    a.cfg.RetryableErrors,
	}
}

// Dispatch implements wakeup.Dispatcher:
// follow-up orchestrator executions always spawn a fresh agent process
// (no session resume) addressed at the unprocessed events and any
// resolved await, and run in the background so the Wakeup Service's
// debounce goroutine is never blocked on agent runtime.
func (a *agentRunner) Dispatch(ctx context.Context, w *workflow.Workflow, events []workflow.Event, resolved *wakeup.AwaitResult) (executionID, sessionID string, err error) {
	executionID = uuid.NewString()
	sessionID = uuid.NewString()

	payload, err := json.Marshal(struct {
		Events   []workflow.Event    `json:"events"`
		Resolved *wakeup.AwaitResult `json:"resolved,omitempty"`
	}{Events: events, Resolved: resolved})
	if err != nil {
		return "", "", fmt.Errorf("agent: marshaling wakeup payload: %w", err)
	}

	args := append(append([]string(nil), a.cfg.AgentArgs...),
		"--workflow-id", w.ID,
		"--execution-id", executionID,
		"--session-id", sessionID,
		"--orchestrator-wakeup", string(payload),
	)
	task := executor.Task{
		ID:          executionID,
		ExecutionID: executionID,
		BreakerKey:  "orchestrator",
		Spec: process.Spec{
			ExecutablePath: a.cfg.AgentCommand,
			Args:           args,
			WorkDir:        w.WorktreePath,
		},
		Policy: a.retryPolicy(),
	}
	a.attachOutputPipeline(&task, executionID)

	go func() {
		result, execErr := a.exec.ExecuteTask(context.Background(), task)
		if execErr != nil {
			a.logger.Error("orchestrator wakeup: agent run failed", "workflow", w.ID, "execution", executionID, "error", execErr)
			return
		}
		if !result.Success {
			a.logger.Warn("orchestrator wakeup: agent exited non-zero", "workflow", w.ID, "execution", executionID, "exit_code", result.ExitCode)
		}
	}()

	return executionID, sessionID, nil
}
