package process

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireProcessStreamsOutput(t *testing.T) {
	mgr := NewManager(2*time.Second, 0, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	mp, err := mgr.AcquireProcess(context.Background(), Spec{ExecutablePath: "/bin/echo", Args: []string{"hello"}})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	require.NoError(t, mgr.OnOutput(mp.ID, func(c Chunk) {
		mu.Lock()
		got = append(got, c.Data...)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mp.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(got), "hello")
}

func TestSendInputOnClosedStdinFails(t *testing.T) {
	mgr := NewManager(2*time.Second, 0, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	mp, err := mgr.AcquireProcess(context.Background(), Spec{ExecutablePath: "/bin/cat"})
	require.NoError(t, err)

	require.NoError(t, mgr.SendInput(mp.ID, []byte("ping\n")))

	require.NoError(t, mgr.TerminateProcess(mp.ID, syscall.SIGTERM))
	err = mgr.SendInput(mp.ID, []byte("pong\n"))
	require.Error(t, err)
}

func TestOnOutputUnknownProcessNotFound(t *testing.T) {
	mgr := NewManager(2*time.Second, 0, nil)
	err := mgr.OnOutput("does-not-exist", func(Chunk) {})
	require.Error(t, err)
}

func TestTerminateProcessIdempotent(t *testing.T) {
	mgr := NewManager(500*time.Millisecond, 0, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	mp, err := mgr.AcquireProcess(context.Background(), Spec{ExecutablePath: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, mgr.TerminateProcess(mp.ID, syscall.SIGTERM))
	require.NoError(t, mgr.TerminateProcess(mp.ID, syscall.SIGTERM))
	require.NoError(t, mgr.TerminateProcess(mp.ID, syscall.SIGTERM))

	assert.Contains(t, []Status{StatusExited, StatusCrashed}, mp.Status())
}

func TestTerminateUnknownProcessIsNoop(t *testing.T) {
	mgr := NewManager(2*time.Second, 0, nil)
	require.NoError(t, mgr.TerminateProcess("unknown", syscall.SIGTERM))
}

func TestShutdownTwiceIsNoop(t *testing.T) {
	mgr := NewManager(2*time.Second, 0, nil)
	_, err := mgr.AcquireProcess(context.Background(), Spec{ExecutablePath: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, mgr.Shutdown())
	require.NoError(t, mgr.Shutdown())
}

func TestPoolSlotReleasedOnExit(t *testing.T) {
	mgr := NewManager(2*time.Second, 1, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	first, err := mgr.AcquireProcess(context.Background(), Spec{ExecutablePath: "/bin/echo", Args: []string{"one"}})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(waitCtx))

	// With a pool of one, a second acquire only proceeds once the first
	// process's slot has been reaped.
	acquireCtx, cancelAcquire := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelAcquire()
	second, err := mgr.AcquireProcess(acquireCtx, Spec{ExecutablePath: "/bin/echo", Args: []string{"two"}})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestForcefulKillAfterGracePeriod(t *testing.T) {
	mgr := NewManager(200*time.Millisecond, 0, nil)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	// A process that ignores SIGTERM via a shell trap, forcing the manager
	// to escalate to SIGKILL after the grace period.
	mp, err := mgr.AcquireProcess(context.Background(), Spec{
		ExecutablePath: "/bin/sh",
		Args:           []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, mgr.TerminateProcess(mp.ID, syscall.SIGTERM))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 3500*time.Millisecond)
	assert.Equal(t, StatusCrashed, mp.Status())
}
