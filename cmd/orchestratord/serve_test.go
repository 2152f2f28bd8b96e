package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/internal/broadcast"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/telemetry"
	"github.com/flowforge/orchestrator/internal/workflow"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func dialWorkflowChannel(t *testing.T, b *broadcast.Broadcaster, ch broadcast.Channel) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.Subscribe(ch, conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return b.SubscriberCount(ch) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

// TestWireWorkflowEventsForwardsStepAndWorkflowEvents asserts the composition
// root actually bridges the Workflow Engine's event emitter to the Session
// Broadcaster, the defect a prior review caught as a disguised no-op.
func TestWireWorkflowEventsForwardsStepAndWorkflowEvents(t *testing.T) {
	events := workflow.NewEventEmitter()
	bcast := broadcast.New(nil)

	ch := broadcast.Channel{ProjectID: "proj-1", Scope: broadcast.ScopeWorkflow, ID: "wf-1"}
	conn := dialWorkflowChannel(t, bcast, ch)

	wireWorkflowEvents(events, bcast, "proj-1")

	events.Emit(workflow.Event{WorkflowID: "wf-1", Type: workflow.EventWorkflowStarted})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "workflow_started")

	events.Emit(workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted, StepID: "step-1", ExecutionID: "exec-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "step_completed")
	require.Contains(t, string(data), "step-1")
}

func TestWireWorkflowMetricsRecordsTerminalEvents(t *testing.T) {
	tele, err := telemetry.NewProvider("orchestratord-test", "0.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tele.Shutdown(context.Background()) })

	events := workflow.NewEventEmitter()
	wireWorkflowMetrics(events, tele.Metrics())

	events.Emit(workflow.Event{WorkflowID: "wf-1", Type: workflow.EventStepCompleted, StepID: "step-1"})
	events.Emit(workflow.Event{WorkflowID: "wf-1", Type: workflow.EventWorkflowCompleted})

	srv := httptest.NewServer(tele.MetricsHandler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), "orchestrator_steps_total")
	require.Contains(t, string(body), "orchestrator_workflows_total")
}

func TestApplyServeOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	bindServeFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--session-addr", "127.0.0.1:9999",
		"--store", "sqlite",
		"--max-processes", "3",
	}))

	cfg := config.Default()
	applyServeOverrides(fs, cfg)

	require.Equal(t, "127.0.0.1:9999", cfg.SessionAddr)
	require.Equal(t, "sqlite", cfg.StoreBackend)
	require.Equal(t, 3, cfg.MaxProcesses)
	// Unset flags leave loaded config untouched.
	require.Equal(t, config.Default().SyncAddr, cfg.SyncAddr)
}
