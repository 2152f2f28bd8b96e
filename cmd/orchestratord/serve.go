package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flowforge/orchestrator/internal/broadcast"
	"github.com/flowforge/orchestrator/internal/checkpoint"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/crdt"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/issuestore"
	"github.com/flowforge/orchestrator/internal/log"
	"github.com/flowforge/orchestrator/internal/merge"
	"github.com/flowforge/orchestrator/internal/process"
	"github.com/flowforge/orchestrator/internal/retry"
	"github.com/flowforge/orchestrator/internal/telemetry"
	"github.com/flowforge/orchestrator/internal/wakeup"
	"github.com/flowforge/orchestrator/internal/workflow"
	"github.com/flowforge/orchestrator/internal/worktree"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server (workflow engine, CRDT sync, session broadcaster)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefault(cmd)
			applyServeOverrides(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	bindServeFlags(cmd.Flags())
	return cmd
}

// bindServeFlags registers serve's command-line config overrides on cobra's
// underlying pflag set.
func bindServeFlags(fs *pflag.FlagSet) {
	fs.String("session-addr", "", "listen address for the session WebSocket endpoint (overrides config)")
	fs.String("sync-addr", "", "listen address for the CRDT sync WebSocket endpoint (overrides config)")
	fs.String("store", "", `durable store backend, "file" or "sqlite" (overrides config)`)
	fs.Int("max-processes", 0, "bound on concurrently live agent processes (overrides config)")
}

// applyServeOverrides copies any flags the caller actually set over the
// loaded config.
func applyServeOverrides(fs *pflag.FlagSet, cfg *config.Config) {
	if v, err := fs.GetString("session-addr"); err == nil && v != "" {
		cfg.SessionAddr = v
	}
	if v, err := fs.GetString("sync-addr"); err == nil && v != "" {
		cfg.SyncAddr = v
	}
	if v, err := fs.GetString("store"); err == nil && v != "" {
		cfg.StoreBackend = v
	}
	if v, err := fs.GetInt("max-processes"); err == nil && v > 0 {
		cfg.MaxProcesses = v
	}
}

// server bundles every long-lived subsystem composed by "serve". Each
// component has its own graceful-shutdown sequence; Shutdown composes them
// into one ordered teardown.
type server struct {
	logger *slog.Logger

	tele        *telemetry.Provider
	procs       *process.Manager
	engine      *workflow.Engine
	wakeupSv    *wakeup.Service
	crdtCo      *crdt.Coordinator
	bcast       *broadcast.Broadcaster
	issues      *issuestore.Store
	worktr      *worktree.Manager
	sessionHTTP *http.Server

	cancelWatch context.CancelFunc
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.FromEnv())

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildServer wires the subsystems together: the process manager feeds
// the task executor, which the workflow engine and wakeup service dispatch
// agent invocations through; the replication coordinator and session
// broadcaster host their own WebSocket endpoints; the worktree manager and
// issue store are the concrete backing for workflow.Worktree and
// workflow.IssueResolver, both left abstract by internal/workflow.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	tele, err := telemetry.NewProvider("orchestratord", version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics := tele.Metrics()

	procs := process.NewManager(cfg.TerminationGracePeriod(), cfg.MaxProcesses, logger)
	breakers := retry.NewBreakers(retry.BreakerConfig{})
	taskExec := executor.New(procs, breakers, logger)
	taskExec.SetMetrics(metrics)
	bcast := broadcast.New(logger)
	agents := newAgentRunner(cfg, taskExec, bcast, logger)

	metrics.SetProcessCounter(procs)
	metrics.SetBreakerCounter(breakers)
	metrics.SetSubscriberCounter(bcast)

	worktr, err := worktree.New(worktree.Config{RepoDir: cfg.RepoDir})
	if err != nil {
		return nil, fmt.Errorf("worktree manager: %w", err)
	}

	issues, err := issuestore.New(cfg.IssuesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("issue store: %w", err)
	}

	checkpoints, err := buildCheckpointStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	workflowStore, err := buildWorkflowStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: %w", err)
	}

	engine := workflow.New(workflow.Deps{
		Store:       workflowStore,
		Resolver:    issues,
		Exec:        taskExec,
		Worktree:    worktr,
		Checkpoints: checkpoints,
		BuildTask:   agents.BuildTask,
		Logger:      logger,
	})

	// wakeup.New needs the engine for cancellation and event emission, and
	// the engine needs the built Wakeup Service to notify of every workflow
	// event — SetWakeup breaks the constructor cycle.
	wakeupSv := wakeup.New(wakeup.Deps{
		Store:       workflowStore,
		Dispatcher:  agents,
		Exec:        execCanceller{engine},
		Events:      engine.Events(),
		Logger:      logger,
		BatchWindow: cfg.BatchWindow(),
	})
	engine.SetWakeup(wakeupSv)
	wireWorkflowEvents(engine.Events(), bcast, cfg.ProjectID)
	wireWorkflowMetrics(engine.Events(), metrics)

	crdtStore, err := crdt.NewSQLiteStore(crdt.SQLiteConfig{Path: cfg.DatabasePath})
	if err != nil {
		return nil, fmt.Errorf("crdt entity store: %w", err)
	}
	crdtCo := crdt.New(crdt.Config{
		PersistInterval:       cfg.PersistInterval(),
		GCInterval:            cfg.GCInterval(),
		ExecutionGCAge:        cfg.ExecutionGCAge(),
		AgentHeartbeatTimeout: cfg.AgentHeartbeatTimeout(),
		Logger:                logger,
	}, crdtStore)
	if _, err := crdtCo.Start(context.Background(), cfg.SyncAddr); err != nil {
		return nil, fmt.Errorf("crdt coordinator: %w", err)
	}

	sessionHTTP := startSessionServer(cfg.SessionAddr, bcast, tele.MetricsHandler(), logger)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go func() {
		err := issues.Watch(watchCtx, func(entities []merge.Entity) {
			logger.Info("issue store reloaded from external edit", "count", len(entities))
		})
		if err != nil {
			logger.Warn("issue store watch exited", "error", err)
		}
	}()

	return &server{
		logger:      logger,
		tele:        tele,
		procs:       procs,
		engine:      engine,
		wakeupSv:    wakeupSv,
		crdtCo:      crdtCo,
		bcast:       bcast,
		issues:      issues,
		worktr:      worktr,
		sessionHTTP: sessionHTTP,
		cancelWatch: cancelWatch,
	}, nil
}

func buildCheckpointStore(cfg *config.Config) (workflow.CheckpointStore, error) {
	if cfg.StoreBackend == "sqlite" {
		return checkpoint.NewSQLiteStore(checkpoint.SQLiteConfig{Path: cfg.DatabasePath})
	}
	if cfg.CheckpointDir == "" {
		return nil, nil
	}
	return checkpoint.NewFileStore(cfg.CheckpointDir)
}

func buildWorkflowStore(cfg *config.Config) (workflow.Store, error) {
	if cfg.StoreBackend == "sqlite" {
		return workflow.NewSQLiteStore(workflow.SQLiteConfig{Path: cfg.DatabasePath})
	}
	return workflow.NewMemoryStore(), nil
}

// execCanceller adapts *workflow.Engine to wakeup.Canceller: the Wakeup
// Service's execution-timeout watchdog cancels timed-out executions
// through the engine rather than the raw executor, so the engine's own
// step bookkeeping (inFlight, events) stays consistent.
type execCanceller struct{ engine *workflow.Engine }

func (c execCanceller) Cancel(executionID string) bool {
	return c.engine.CancelExecution(executionID)
}

// workflowEventTypes lists every EventType the engine can emit; wireWorkflowEvents
// subscribes to each individually since EventEmitter has no wildcard listener.
var workflowEventTypes = []workflow.EventType{
	workflow.EventStepStarted,
	workflow.EventStepCompleted,
	workflow.EventStepFailed,
	workflow.EventEscalationRequested,
	workflow.EventEscalationResolved,
	workflow.EventUserResponse,
	workflow.EventOrchestratorWakeup,
	workflow.EventWorkflowStarted,
	workflow.EventWorkflowPaused,
	workflow.EventWorkflowResumed,
	workflow.EventWorkflowCompleted,
	workflow.EventWorkflowFailed,
	workflow.EventWorkflowCancelled,
}

// workflowEventMessage is the wire shape published on a workflow's
// broadcast channel for every Workflow Event.
type workflowEventMessage struct {
	Type        string             `json:"type"`
	WorkflowID  string             `json:"workflowId"`
	EventType   workflow.EventType `json:"eventType"`
	StepID      string             `json:"stepId,omitempty"`
	ExecutionID string             `json:"executionId,omitempty"`
	Payload     map[string]any     `json:"payload,omitempty"`
}

// wireWorkflowEvents fans every workflow event out to the Session
// Broadcaster on that workflow's channel. The Wakeup Service
// itself is notified directly by the Engine (engine.go's e.wakeup.RecordEvent
// calls, reachable once SetWakeup has been called) rather than through this
// subscription, so step events are never double-recorded.
func wireWorkflowEvents(events *workflow.EventEmitter, bcast *broadcast.Broadcaster, projectID string) {
	forward := func(e workflow.Event) {
		ch := broadcast.Channel{ProjectID: projectID, Scope: broadcast.ScopeWorkflow, ID: e.WorkflowID}
		msg := workflowEventMessage{
			Type:        "workflow_event",
			WorkflowID:  e.WorkflowID,
			EventType:   e.Type,
			StepID:      e.StepID,
			ExecutionID: e.ExecutionID,
			Payload:     e.Payload,
		}
		_ = bcast.Publish(ch, msg)
	}

	for _, t := range workflowEventTypes {
		events.On(t, forward)
	}
}

// wireWorkflowMetrics records step and workflow terminal transitions on the
// metrics collector; attempt and task timings are recorded by the executor
// itself.
func wireWorkflowMetrics(events *workflow.EventEmitter, metrics *telemetry.Metrics) {
	events.On(workflow.EventStepCompleted, func(e workflow.Event) {
		metrics.RecordStepComplete(context.Background(), e.WorkflowID, "completed")
	})
	events.On(workflow.EventStepFailed, func(e workflow.Event) {
		metrics.RecordStepComplete(context.Background(), e.WorkflowID, "failed")
	})
	events.On(workflow.EventWorkflowCompleted, func(e workflow.Event) {
		metrics.RecordWorkflowComplete(context.Background(), "completed")
	})
	events.On(workflow.EventWorkflowFailed, func(e workflow.Event) {
		metrics.RecordWorkflowComplete(context.Background(), "failed")
	})
	events.On(workflow.EventWorkflowCancelled, func(e workflow.Event) {
		metrics.RecordWorkflowComplete(context.Background(), "cancelled")
	})
}

func startSessionServer(addr string, bcast *broadcast.Broadcaster, metricsHandler http.Handler, logger *slog.Logger) *http.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelFromQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("session websocket upgrade failed", "error", err)
			return
		}
		bcast.Subscribe(ch, conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("session server exited", "error", err)
		}
	}()
	return srv
}

func channelFromQuery(q url.Values) (broadcast.Channel, error) {
	scope := broadcast.Scope(q.Get("scope"))
	id := q.Get("id")
	projectID := q.Get("project")
	if scope == "" || id == "" {
		return broadcast.Channel{}, fmt.Errorf("query must set scope and id")
	}
	return broadcast.Channel{ProjectID: projectID, Scope: scope, ID: id}, nil
}

// Shutdown tears every subsystem down, logging but not failing fast on
// any single component's error, so every component gets a chance to
// flush.
func (s *server) Shutdown(ctx context.Context) error {
	s.cancelWatch()

	if err := s.sessionHTTP.Shutdown(ctx); err != nil {
		s.logger.Error("session server shutdown", "error", err)
	}
	s.bcast.Shutdown()

	if err := s.crdtCo.Shutdown(ctx); err != nil {
		s.logger.Error("crdt coordinator shutdown", "error", err)
	}

	if err := s.procs.WaitAll(ctx); err != nil {
		s.logger.Warn("waiting for processes to exit", "error", err)
	}
	if err := s.procs.Shutdown(); err != nil {
		s.logger.Error("process manager shutdown", "error", err)
	}

	if err := s.tele.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown", "error", err)
	}

	return nil
}
