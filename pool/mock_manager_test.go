package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"
)

// mockProcessHandle is a test double implementing pool.ProcessHandle.
type mockProcessHandle struct {
	mu       sync.Mutex
	signaled []syscall.Signal
	killed   bool
	exitErr  error
	exitCh   chan struct{}
	onExit   func(err error)
}

func newMockProcessHandle() *mockProcessHandle {
	return &mockProcessHandle{exitCh: make(chan struct{})}
}

func (m *mockProcessHandle) Signal(sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signaled = append(m.signaled, sig)
	if sig == syscall.SIGTERM {
		m.exitLocked(nil)
	}
	return nil
}

func (m *mockProcessHandle) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = true
	m.exitLocked(nil)
	return nil
}

// exitLocked marks the process exited and, via onExit, closes the mock's
// stdout/stderr pipes so the executor's reader goroutines see EOF. Must be
// called with mu held.
func (m *mockProcessHandle) exitLocked(err error) {
	select {
	case <-m.exitCh:
	default:
		m.exitErr = err
		onExit := m.onExit
		close(m.exitCh)
		if onExit != nil {
			go onExit(err)
		}
	}
}

func (m *mockProcessHandle) Wait() error {
	<-m.exitCh
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}

func (m *mockProcessHandle) WasKilled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed
}

// mockPipe is an in-memory io.ReadCloser/io.WriteCloser pair feeding
// scripted output lines to the executor under test.
type mockPipe struct {
	*io.PipeReader
	w *io.PipeWriter
}

func newMockPipe() (*mockPipe, *io.PipeWriter) {
	r, w := io.Pipe()
	return &mockPipe{PipeReader: r, w: w}, w
}

// mockStdin records every instruction written to it.
type mockStdin struct {
	mu     sync.Mutex
	writes []string
	closed bool
}

func (s *mockStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, string(p))
	return len(p), nil
}

func (s *mockStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockStdin) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// mockManager is a pool.ProcessManager whose spawned process is entirely
// in-memory: stdout/stderr are fed via WriteStdout/WriteStderr, and
// Signal(SIGTERM) on the returned handle causes Wait to return immediately,
// mimicking a shell that exits on its termination command.
type mockManager struct {
	mu            sync.Mutex
	handle        *mockProcessHandle
	stdin         *mockStdin
	stdoutW       *io.PipeWriter
	stderrW       *io.PipeWriter
	startup       *Submission
	termination   *Submission
	maxExecutions int
	spawnErr      error
}

func newMockManager() *mockManager {
	return &mockManager{}
}

func (m *mockManager) WithStartup(sub *Submission) *mockManager {
	m.startup = sub
	return m
}

func (m *mockManager) WithTermination(sub *Submission) *mockManager {
	m.termination = sub
	return m
}

func (m *mockManager) WithMaxExecutions(n int) *mockManager {
	m.maxExecutions = n
	return m
}

func (m *mockManager) WithSpawnError(err error) *mockManager {
	m.spawnErr = err
	return m
}

func (m *mockManager) Spawn(ctx context.Context) (ProcessHandle, ProcessStreams, error) {
	if m.spawnErr != nil {
		return nil, ProcessStreams{}, m.spawnErr
	}

	stdoutR, stdoutW := newMockPipe()
	stderrR, stderrW := newMockPipe()
	stdin := &mockStdin{}
	handle := newMockProcessHandle()

	handle.onExit = func(error) {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}

	m.mu.Lock()
	m.handle = handle
	m.stdin = stdin
	m.stdoutW = stdoutW
	m.stderrW = stderrW
	m.mu.Unlock()

	return handle, ProcessStreams{Stdin: stdin, Stdout: stdoutR, Stderr: stderrR}, nil
}

func (m *mockManager) StartupSubmission() *Submission     { return m.startup }
func (m *mockManager) TerminationSubmission() *Submission { return m.termination }
func (m *mockManager) OnStartup(proc ProcessHandle)       {}
func (m *mockManager) OnTermination(exitCode int)         {}

func (m *mockManager) KeepAlive(executionCount int, totalRunTime time.Duration) bool {
	if m.maxExecutions > 0 && executionCount >= m.maxExecutions {
		return false
	}
	return true
}

// WriteStdout writes one line (with trailing newline) to the spawned
// process's stdout stream, as read by the executor under test.
func (m *mockManager) WriteStdout(line string) {
	m.mu.Lock()
	w := m.stdoutW
	m.mu.Unlock()
	_, _ = io.WriteString(w, line+"\n")
}

// WriteStderr writes one line to the spawned process's stderr stream.
func (m *mockManager) WriteStderr(line string) {
	m.mu.Lock()
	w := m.stderrW
	m.mu.Unlock()
	_, _ = io.WriteString(w, line+"\n")
}

// Exit forces the mock process to exit immediately with err.
func (m *mockManager) Exit(err error) {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	h.mu.Lock()
	h.exitLocked(err)
	h.mu.Unlock()
}

// StdinWrites returns every instruction written to the spawned process's
// stdin so far.
func (m *mockManager) StdinWrites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin == nil {
		return nil
	}
	return m.stdin.Writes()
}

var errSpawnFailed = errors.New("spawn failed")
