package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, m *mockManager) *ProcessExecutor {
	t.Helper()
	e := newProcessExecutor(1, nil, func() ProcessManager { return m }, 200*time.Millisecond, discardLogger())
	require.NoError(t, e.start(context.Background()))
	return e
}

func TestExecutor_StartTransitionsToIdle(t *testing.T) {
	e := newTestExecutor(t, newMockManager())
	assert.Equal(t, executorIdle, e.State())
}

func TestExecutor_StartRunsStartupSubmission(t *testing.T) {
	startup := NewSubmission(NewSilentCommand("init"))
	m := newMockManager().WithStartup(startup)
	e := newTestExecutor(t, m)

	assert.Equal(t, executorIdle, e.State())
	assert.Contains(t, m.StdinWrites(), "init\n")
}

func TestExecutor_StartFailsWhenSpawnFails(t *testing.T) {
	m := newMockManager().WithSpawnError(errSpawnFailed)
	e := newProcessExecutor(1, nil, func() ProcessManager { return m }, time.Second, discardLogger())

	require.Error(t, e.start(context.Background()))
}

func TestExecutor_KeepAlivePolicyRetiresProcess(t *testing.T) {
	m := newMockManager().WithMaxExecutions(1)
	e := newTestExecutor(t, m)

	e.mu.Lock()
	e.state = executorExecuting
	e.mu.Unlock()

	fut := newFuture(NewSubmission(NewSilentCommand("noop")))
	e.execute(fut)

	_, err := fut.Get()
	require.NoError(t, err)
	assert.NotEqual(t, executorIdle, e.State())
}

func TestExecutor_ExecuteCompletesOnStdoutSentinel(t *testing.T) {
	m := newMockManager()
	e := newTestExecutor(t, m)

	cmd := NewCommand("run-task", func(c *Command, line string) (bool, error) {
		return line == "DONE", nil
	}, func(*Command, string) (bool, error) { return false, nil })
	sub := NewSubmission(cmd)
	fut := newFuture(sub)

	e.mu.Lock()
	e.state = executorExecuting
	e.mu.Unlock()

	go e.execute(fut)

	waitForInstruction(t, m, "run-task\n")
	m.WriteStdout("working")
	m.WriteStdout("DONE")

	_, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"working", "DONE"}, cmd.StdoutLines())
}

func TestExecutor_ExecuteFailsOnUnexpectedStderr(t *testing.T) {
	m := newMockManager()
	e := newTestExecutor(t, m)

	cmd := NewCommand("run-task", func(*Command, string) (bool, error) { return false, nil }, nil)
	sub := NewSubmission(cmd)
	fut := newFuture(sub)

	e.mu.Lock()
	e.state = executorExecuting
	e.mu.Unlock()

	go e.execute(fut)

	waitForInstruction(t, m, "run-task\n")
	m.WriteStderr("panic: boom")

	_, err := fut.Get()
	require.Error(t, err)
}

func TestExecutor_SilentCommandCompletesWithoutOutput(t *testing.T) {
	m := newMockManager()
	e := newTestExecutor(t, m)

	sub := NewSubmission(NewSilentCommand("noop"))
	fut := newFuture(sub)

	e.mu.Lock()
	e.state = executorExecuting
	e.mu.Unlock()

	e.execute(fut)

	_, err := fut.Get()
	require.NoError(t, err)
}

func TestExecutor_CancelInterruptsExecutingSubmission(t *testing.T) {
	m := newMockManager()
	e := newTestExecutor(t, m)

	cmd := NewCommand("run-task", func(*Command, string) (bool, error) { return false, nil }, nil)
	sub := NewSubmission(cmd)
	fut := newFuture(sub)
	fut.bindExecutor(e)

	e.mu.Lock()
	e.state = executorExecuting
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.execute(fut)
		close(done)
	}()

	waitForInstruction(t, m, "run-task\n")
	e.interrupt(fut)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute never returned after interrupt")
	}

	_, err := fut.Get()
	require.Error(t, err)
	assert.True(t, fut.IsCancelled())
}

func waitForInstruction(t *testing.T, m *mockManager, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, w := range m.StdinWrites() {
			if w == want {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("instruction %q was never written to stdin", want)
}
