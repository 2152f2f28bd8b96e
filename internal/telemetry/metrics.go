package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProcessCounter reports how many managed processes are currently live.
type ProcessCounter interface {
	ActiveCount() int
}

// BreakerCounter reports how many circuit breakers are tripped.
type BreakerCounter interface {
	OpenCount() int
}

// SubscriberCounter reports Session Broadcaster occupancy.
type SubscriberCounter interface {
	TotalSubscriberCount() int
	ChannelCount() int
}

// Metrics collects Prometheus-compatible metrics for workflow and task
// execution.
type Metrics struct {
	meter metric.Meter

	workflowsTotal metric.Int64Counter
	stepsTotal     metric.Int64Counter
	attemptsTotal  metric.Int64Counter
	tasksTotal     metric.Int64Counter

	attemptDuration metric.Float64Histogram
	taskDuration    metric.Float64Histogram

	procMu   sync.RWMutex
	procs    ProcessCounter
	breakMu  sync.RWMutex
	breakers BreakerCounter
	subMu    sync.RWMutex
	subs     SubscriberCounter
}

// NewMetrics creates a metrics collector on the given meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("orchestrator")
	m := &Metrics{meter: meter}

	var err error

	m.workflowsTotal, err = meter.Int64Counter(
		"orchestrator_workflows_total",
		metric.WithDescription("Total number of workflows reaching a terminal status"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepsTotal, err = meter.Int64Counter(
		"orchestrator_steps_total",
		metric.WithDescription("Total number of workflow steps reaching a terminal status"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.attemptsTotal, err = meter.Int64Counter(
		"orchestrator_task_attempts_total",
		metric.WithDescription("Total number of task executor attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.tasksTotal, err = meter.Int64Counter(
		"orchestrator_tasks_total",
		metric.WithDescription("Total number of tasks driven to completion by the executor"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.attemptDuration, err = meter.Float64Histogram(
		"orchestrator_attempt_duration_seconds",
		metric.WithDescription("Single spawn-to-exit attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram(
		"orchestrator_task_duration_seconds",
		metric.WithDescription("Whole-task duration across all attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_active_processes",
		metric.WithDescription("Number of live managed processes"),
		metric.WithUnit("{process}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			m.procMu.RLock()
			procs := m.procs
			m.procMu.RUnlock()
			if procs != nil {
				o.Observe(int64(procs.ActiveCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_open_breakers",
		metric.WithDescription("Number of circuit breakers currently open or half-open"),
		metric.WithUnit("{breaker}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			m.breakMu.RLock()
			breakers := m.breakers
			m.breakMu.RUnlock()
			if breakers != nil {
				o.Observe(int64(breakers.OpenCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_session_subscribers",
		metric.WithDescription("Number of connected session-update subscribers across all channels"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			m.subMu.RLock()
			subs := m.subs
			m.subMu.RUnlock()
			if subs != nil {
				o.Observe(int64(subs.TotalSubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_session_channels",
		metric.WithDescription("Number of channels with at least one subscriber"),
		metric.WithUnit("{channel}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			m.subMu.RLock()
			subs := m.subs
			m.subMu.RUnlock()
			if subs != nil {
				o.Observe(int64(subs.ChannelCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordWorkflowComplete records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowComplete(ctx context.Context, status string) {
	m.workflowsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStepComplete records one step reaching a terminal status. Timing
// is covered by the task-level histograms, since each step maps to exactly
// one executor task.
func (m *Metrics) RecordStepComplete(ctx context.Context, workflowID, status string) {
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("status", status),
	))
}

// RecordAttempt records one spawn-to-exit executor attempt. Implements the
// executor's MetricsRecorder.
func (m *Metrics) RecordAttempt(ctx context.Context, taskID string, attempt int, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task", taskID),
		attribute.Bool("success", success),
	)
	m.attemptsTotal.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTask records a whole task's outcome across all its attempts.
// Implements the executor's MetricsRecorder.
func (m *Metrics) RecordTask(ctx context.Context, taskID string, success bool, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task", taskID),
		attribute.Bool("success", success),
		attribute.Int("attempts", attempts),
	)
	m.tasksTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetProcessCounter attaches the Process Manager gauge source.
func (m *Metrics) SetProcessCounter(c ProcessCounter) {
	m.procMu.Lock()
	m.procs = c
	m.procMu.Unlock()
}

// SetBreakerCounter attaches the circuit breaker gauge source.
func (m *Metrics) SetBreakerCounter(c BreakerCounter) {
	m.breakMu.Lock()
	m.breakers = c
	m.breakMu.Unlock()
}

// SetSubscriberCounter attaches the Session Broadcaster gauge source.
func (m *Metrics) SetSubscriberCounter(c SubscriberCounter) {
	m.subMu.Lock()
	m.subs = c
	m.subMu.Unlock()
}
