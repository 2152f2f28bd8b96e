package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/broadcast"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/process"
)

func TestAttachOutputPipelinePublishesToExecutionChannel(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectID = "proj-1"
	bcast := broadcast.New(nil)
	a := newAgentRunner(cfg, executor.New(nil, nil, slog.Default()), bcast, slog.Default())

	task := executor.Task{ID: "step-1"}
	a.attachOutputPipeline(&task, "exec-1")
	require.NotNil(t, task.OnOutput)
	require.NotNil(t, task.OnError)

	ch := broadcast.Channel{ProjectID: "proj-1", Scope: broadcast.ScopeExecution, ID: "exec-1"}
	conn := dialWorkflowChannel(t, bcast, ch)

	task.OnOutput(process.Chunk{
		ProcessID: "p1",
		Stream:    process.StreamStdout,
		Data:      []byte(`{"type":"assistant_message","index":0,"text":"a long enough first reply to clear the threshold"}` + "\n"),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "session_update")
	require.Contains(t, string(data), "exec-1")
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StepMaxAttempts = 5
	cfg.RetryableExitCodes = []int{75}
	cfg.RetryableErrors = []string{"connection reset"}
	a := newAgentRunner(cfg, nil, nil, slog.Default())

	p := a.retryPolicy()
	require.Equal(t, 5, p.MaxAttempts)
	require.True(t, p.IsRetryable(75, ""))
	require.True(t, p.IsRetryable(1, "read tcp: connection reset by peer"))
	require.False(t, p.IsRetryable(1, "boom"))
}
