// Package executor implements the resilient task executor: it drives the
// Process Manager through one task's attempts under a retry Policy,
// re-spawning from scratch on every retry and surfacing per-attempt
// records.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/orchestrator/internal/process"
	"github.com/flowforge/orchestrator/internal/retry"
)

var tracer = otel.Tracer("github.com/flowforge/orchestrator/internal/executor")

// Task is the unit of work handed to the executor: enough to spawn a
// process, attach output handlers, and classify its outcome.
type Task struct {
	ID         string
	// ExecutionID optionally pre-assigns the id this task's Result will
	// report back under. Callers that need to address output at a given
	// execution id before the task has run (e.g. to bind a Session
	// Broadcaster channel) set this; otherwise ExecuteTask generates one.
	ExecutionID string
	BreakerKey  string // task-family key for the circuit breaker; defaults to Task.ID
	Spec        process.Spec
	OnOutput    process.OutputHandler
	OnError     process.ErrorHandler
	Policy      retry.Policy
}

// Attempt is one spawn-to-exit record.
type Attempt struct {
	Number      int
	ProcessID   string
	StartedAt   time.Time
	CompletedAt time.Time
	ExitCode    int
	Error       string
	Retryable   bool
}

// Result is the outcome of ExecuteTask.
type Result struct {
	TaskID        string
	ExecutionID   string
	Success       bool
	ExitCode      int
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
	Duration      time.Duration
	Attempts      []Attempt
	TotalAttempts int
	FinalAttempt  int
}

// ErrCancelled is returned when an external cancel stopped the task before
// it could complete.
var ErrCancelled = errors.New("task cancelled")

// MetricsRecorder receives per-attempt and whole-task outcome metrics
//. Implemented by
// telemetry.Metrics; nil disables recording.
type MetricsRecorder interface {
	RecordAttempt(ctx context.Context, taskID string, attempt int, success bool, duration time.Duration)
	RecordTask(ctx context.Context, taskID string, success bool, attempts int, duration time.Duration)
}

// Executor drives the Process Manager through a task's retry attempts.
type Executor struct {
	procs    *process.Manager
	breakers *retry.Breakers
	logger   *slog.Logger
	metrics  MetricsRecorder

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc // executionID -> cancel
}

// SetMetrics attaches a metrics recorder after construction.
func (e *Executor) SetMetrics(m MetricsRecorder) { e.metrics = m }

// New creates an Executor bound to a Process Manager and circuit breaker
// registry.
func New(procs *process.Manager, breakers *retry.Breakers, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = retry.NewBreakers(retry.BreakerConfig{})
	}
	return &Executor{
		procs:     procs,
		breakers:  breakers,
		logger:    logger,
		cancelled: make(map[string]context.CancelFunc),
	}
}

// ExecuteTask drives task through the Process Manager attempt-by-attempt:
// spawn, stream, await exit, classify, sleep(backoff), retry or stop. A
// retry attempt always re-spawns from scratch.
func (e *Executor) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	executionID := task.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	breakerKey := task.BreakerKey
	if breakerKey == "" {
		breakerKey = task.ID
	}

	ctx, span := tracer.Start(ctx, "executor.execute_task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("execution.id", executionID),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelled[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancelled, executionID)
		e.mu.Unlock()
		cancel()
	}()

	result := Result{TaskID: task.ID, ExecutionID: executionID, StartedAt: time.Now()}
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordTask(ctx, task.ID, result.Success, result.TotalAttempts, result.Duration)
		}
	}()

	maxAttempts := task.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attemptNum := 1; attemptNum <= maxAttempts; attemptNum++ {
		if runCtx.Err() != nil {
			result.CompletedAt = time.Now()
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
			result.Error = ErrCancelled.Error()
			span.SetStatus(codes.Error, "cancelled")
			return result, ErrCancelled
		}

		if !e.breakers.Allow(breakerKey) {
			lastErr = fmt.Errorf("circuit breaker open for %q", breakerKey)
			break
		}

		if attemptNum > 1 {
			delay := task.Policy.Backoff.Delay(attemptNum)
			select {
			case <-runCtx.Done():
				result.CompletedAt = time.Now()
				result.Duration = result.CompletedAt.Sub(result.StartedAt)
				result.Error = ErrCancelled.Error()
				return result, ErrCancelled
			case <-time.After(delay):
			}
		}

		attempt, exitCode, attemptErr := e.runAttempt(runCtx, attemptNum, task)
		if e.metrics != nil {
			e.metrics.RecordAttempt(ctx, task.ID, attemptNum, attemptErr == nil, attempt.CompletedAt.Sub(attempt.StartedAt))
		}
		result.Attempts = append(result.Attempts, attempt)
		result.FinalAttempt = attemptNum
		result.TotalAttempts = attemptNum

		if attemptErr == nil {
			e.breakers.RecordSuccess(breakerKey)
			result.Success = true
			result.ExitCode = exitCode
			result.CompletedAt = time.Now()
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
			span.SetStatus(codes.Ok, "")
			return result, nil
		}

		if errors.Is(attemptErr, ErrCancelled) {
			e.breakers.RecordFailure(breakerKey)
			result.CompletedAt = time.Now()
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
			result.Error = ErrCancelled.Error()
			span.SetStatus(codes.Error, "cancelled")
			return result, ErrCancelled
		}

		e.breakers.RecordFailure(breakerKey)
		lastErr = attemptErr

		if !task.Policy.IsRetryable(exitCode, attemptErr.Error()) {
			break
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	span.SetStatus(codes.Error, result.Error)
	if lastErr == nil {
		lastErr = fmt.Errorf("task %s exhausted attempts with no recorded error", task.ID)
	}
	return result, fmt.Errorf("task %s failed after %d attempt(s): %w", task.ID, result.TotalAttempts, lastErr)
}

// runAttempt spawns one attempt, streams its output, and waits for exit.
func (e *Executor) runAttempt(ctx context.Context, attemptNum int, task Task) (Attempt, int, error) {
	attempt := Attempt{Number: attemptNum, StartedAt: time.Now()}

	mp, err := e.procs.AcquireProcess(ctx, task.Spec)
	if err != nil {
		attempt.CompletedAt = time.Now()
		attempt.Error = err.Error()
		return attempt, -1, err
	}
	attempt.ProcessID = mp.ID

	if task.OnOutput != nil {
		_ = e.procs.OnOutput(mp.ID, task.OnOutput)
	}
	if task.OnError != nil {
		_ = e.procs.OnError(mp.ID, task.OnError)
	}

	waitErr := mp.Wait(ctx)
	if waitErr != nil {
		// Context cancellation: terminate the live process, do not retry.
		_ = e.procs.TerminateProcess(mp.ID, 0)
		attempt.CompletedAt = time.Now()
		attempt.Error = ErrCancelled.Error()
		return attempt, -1, ErrCancelled
	}

	exitCode, _ := mp.ExitCode()
	attempt.ExitCode = exitCode
	attempt.CompletedAt = time.Now()

	if exitCode != 0 {
		attempt.Error = fmt.Sprintf("process exited with code %d", exitCode)
		attempt.Retryable = task.Policy.IsRetryable(exitCode, attempt.Error)
		return attempt, exitCode, errors.New(attempt.Error)
	}

	return attempt, exitCode, nil
}

// Cancel transitions an in-flight execution to stopped: it terminates the
// live process and prevents further retries.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancelled[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
