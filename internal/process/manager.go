package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/orchestrator/internal/coreerrors"
)

// DefaultTerminationGrace is the wait between SIGTERM and SIGKILL.
const DefaultTerminationGrace = 2 * time.Second

// DefaultPoolSize bounds how many managed processes may be live at once.
const DefaultPoolSize = 8

// ChunkBufferSize bounds how much output a single read syscall captures
// before being forwarded to subscribers.
const ChunkBufferSize = 32 * 1024

// Manager owns the lifecycle of every Managed process it spawns. It is a
// process-wide singleton with an explicit constructor and Shutdown; nothing
// spawns as a package-load side effect.
type Manager struct {
	mu             sync.RWMutex
	procs          map[string]*Managed
	terminateGrace time.Duration
	logger         *slog.Logger
	sem            *semaphore.Weighted

	shutdownOnce sync.Once
}

// NewManager creates a Manager. terminationGrace defaults to 2s if zero and
// poolSize to DefaultPoolSize if not positive.
func NewManager(terminationGrace time.Duration, poolSize int, logger *slog.Logger) *Manager {
	if terminationGrace <= 0 {
		terminationGrace = DefaultTerminationGrace
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		procs:          make(map[string]*Managed),
		terminateGrace: terminationGrace,
		logger:         logger,
		sem:            semaphore.NewWeighted(int64(poolSize)),
	}
}

// AcquireProcess spawns a new managed process from spec and begins streaming
// its stdout/stderr to future subscribers. The pool is bounded: when every
// slot is in use, AcquireProcess blocks until a tracked process exits or
// ctx is done. The slot is released by reap once the process exits.
func (m *Manager) AcquireProcess(ctx context.Context, spec Spec) (*Managed, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, &coreerrors.ProcessSpawnError{Path: spec.ExecutablePath, Err: err}
	}

	mp, err := m.spawn(spec)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}
	return mp, nil
}

func (m *Manager) spawn(spec Spec) (*Managed, error) {
	cmd := exec.Command(spec.ExecutablePath, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, &coreerrors.ProcessSpawnError{Path: spec.ExecutablePath, Err: err}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &coreerrors.ProcessSpawnError{Path: spec.ExecutablePath, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &coreerrors.ProcessSpawnError{Path: spec.ExecutablePath, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &coreerrors.ProcessSpawnError{Path: spec.ExecutablePath, Err: err}
	}

	mp := &Managed{
		ID:     uuid.NewString(),
		Spec:   spec,
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdinPipe,
		status: StatusBusy,
		doneCh: make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[mp.ID] = mp
	m.mu.Unlock()

	go m.pump(mp, stdoutPipe, StreamStdout)
	go m.pump(mp, stderrPipe, StreamStderr)
	go m.reap(mp)

	m.logger.Info("process acquired", "id", mp.ID, "pid", mp.PID, "path", spec.ExecutablePath)
	return mp, nil
}

// pump reads chunks from a stdio pipe and forwards them to subscribers in
// arrival order, so a single subscriber always observes production order.
func (m *Manager) pump(mp *Managed, r io.Reader, stream Stream) {
	reader := bufio.NewReaderSize(r, ChunkBufferSize)
	buf := make([]byte, ChunkBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunk := Chunk{ProcessID: mp.ID, Stream: stream, Data: data}

			mp.mu.Lock()
			var handlers []OutputHandler
			var errHandlers []ErrorHandler
			if stream == StreamStdout {
				handlers = append(handlers, mp.outputHandlers...)
			} else {
				errHandlers = append(errHandlers, mp.errorHandlers...)
			}
			mp.mu.Unlock()

			for _, h := range handlers {
				h(chunk)
			}
			for _, h := range errHandlers {
				h(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// reap waits for process exit and records the terminal status.
func (m *Manager) reap(mp *Managed) {
	err := mp.cmd.Wait()

	mp.mu.Lock()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			mp.exitCode = &code
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				sig := status.Signal().String()
				mp.signal = &sig
				mp.status = StatusCrashed
			} else {
				mp.status = StatusExited
			}
		} else {
			mp.status = StatusCrashed
		}
	} else {
		code := 0
		mp.exitCode = &code
		mp.status = StatusExited
	}
	mp.mu.Unlock()

	close(mp.doneCh)
	m.sem.Release(1)
	m.logger.Info("process exited", "id", mp.ID, "status", mp.Status())
}

// ActiveCount reports how many tracked processes are still live (busy or
// terminating), for metrics export.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mp := range m.procs {
		switch mp.Status() {
		case StatusBusy, StatusTerminating:
			n++
		}
	}
	return n
}

// SendInput writes bytes to the process's stdin.
func (m *Manager) SendInput(id string, data []byte) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.status != StatusBusy {
		return &coreerrors.ProcessClosedError{ProcessID: id}
	}
	if _, err := mp.stdin.Write(data); err != nil {
		return &coreerrors.ProcessClosedError{ProcessID: id}
	}
	return nil
}

// OnOutput registers a handler for stdout chunks.
func (m *Manager) OnOutput(id string, h OutputHandler) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	mp.outputHandlers = append(mp.outputHandlers, h)
	mp.mu.Unlock()
	return nil
}

// OnError registers a handler for stderr chunks.
func (m *Manager) OnError(id string, h ErrorHandler) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	mp.errorHandlers = append(mp.errorHandlers, h)
	mp.mu.Unlock()
	return nil
}

func (m *Manager) lookup(id string) (*Managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.procs[id]
	if !ok {
		return nil, &coreerrors.NotFoundError{Resource: "process", ID: id}
	}
	return mp, nil
}

// TerminateProcess sends SIGTERM (or sig if provided), waits up to the
// configured grace period, then escalates to SIGKILL. Idempotent: calls
// against an unknown or already-exited process return nil immediately, and
// a call made while a termination is already in flight waits for that
// outcome and returns nil.
func (m *Manager) TerminateProcess(id string, sig syscall.Signal) error {
	mp, err := m.lookup(id)
	if err != nil {
		// Unknown process: terminate is an idempotent no-op.
		return nil
	}
	return m.terminate(mp, sig)
}

func (m *Manager) terminate(mp *Managed, sig syscall.Signal) error {
	mp.mu.Lock()
	switch mp.status {
	case StatusExited, StatusCrashed:
		mp.mu.Unlock()
		return nil
	case StatusTerminating:
		mp.mu.Unlock()
		// Already in flight; just wait for the outcome.
		mp.waitTimeout(m.terminateGrace + time.Second)
		return nil
	}
	mp.status = StatusTerminating
	mp.mu.Unlock()

	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Signal(sig)
	}

	if mp.waitTimeout(m.terminateGrace) {
		return nil
	}

	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Signal(syscall.SIGKILL)
	}
	mp.waitTimeout(5 * time.Second)
	return nil
}

// ReleaseProcess terminates (if necessary) and forgets a process.
func (m *Manager) ReleaseProcess(id string) error {
	mp, err := m.lookup(id)
	if err == nil {
		_ = m.terminate(mp, syscall.SIGTERM)
	}
	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
	return nil
}

// Shutdown terminates every active process in parallel. Safe to call more
// than once; the second call observes an empty process set and returns
// immediately.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	procs := make([]*Managed, 0, len(m.procs))
	for _, mp := range m.procs {
		procs = append(procs, mp)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, mp := range procs {
		wg.Add(1)
		go func(mp *Managed) {
			defer wg.Done()
			_ = m.terminate(mp, syscall.SIGTERM)
		}(mp)
	}
	wg.Wait()

	m.mu.Lock()
	m.procs = make(map[string]*Managed)
	m.mu.Unlock()
	return nil
}

// WaitAll blocks until every currently tracked process has exited or ctx is
// done, useful for tests and for orderly daemon shutdown sequencing.
func (m *Manager) WaitAll(ctx context.Context) error {
	m.mu.RLock()
	procs := make([]*Managed, 0, len(m.procs))
	for _, mp := range m.procs {
		procs = append(procs, mp)
	}
	m.mu.RUnlock()

	for _, mp := range procs {
		if err := mp.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for process %s: %w", mp.ID, err)
		}
	}
	return nil
}
