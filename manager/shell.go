// Package manager provides ProcessManager implementations that spawn real
// OS processes via os/exec.
package manager

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/a2y-d5l/procpool/pool"
	"github.com/rs/zerolog"
)

// processHandle wraps os.Process to implement pool.ProcessHandle.
type processHandle struct {
	cmd *exec.Cmd
}

func (p *processHandle) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *processHandle) Kill() error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

func (p *processHandle) Wait() error {
	return p.cmd.Wait()
}

// Shell is a pool.ProcessManager that spawns a long-lived shell process and
// feeds it one instruction per Command via stdin. Callers construct one
// per executor through a ShellFactory; KeepAlive retires the process after
// MaxExecutions submissions or MaxAge wall-clock time, whichever comes
// first.
type Shell struct {
	Path          string
	Args          []string
	MaxExecutions int
	MaxAge        time.Duration
	Startup       func() *pool.Submission
	Termination   func() *pool.Submission
	Logger        zerolog.Logger
}

// NewShellFactory returns a pool.ProcessManagerFactory that constructs a
// fresh *Shell, sharing the given configuration, each time an executor
// needs a new process.
func NewShellFactory(path string, args []string, maxExecutions int, maxAge time.Duration, logger zerolog.Logger) pool.ProcessManagerFactory {
	return func() pool.ProcessManager {
		return &Shell{
			Path:          path,
			Args:          args,
			MaxExecutions: maxExecutions,
			MaxAge:        maxAge,
			Logger:        logger,
		}
	}
}

// Spawn starts the shell process with its stdin, stdout, and stderr piped
// so the executor can drive it.
func (s *Shell) Spawn(ctx context.Context) (pool.ProcessHandle, pool.ProcessStreams, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, pool.ProcessStreams{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, pool.ProcessStreams{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, pool.ProcessStreams{}, err
	}

	if err := cmd.Start(); err != nil {
		return nil, pool.ProcessStreams{}, err
	}

	return &processHandle{cmd: cmd}, pool.ProcessStreams{Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// StartupSubmission returns the configured Startup hook's submission, if
// any.
func (s *Shell) StartupSubmission() *pool.Submission {
	if s.Startup == nil {
		return nil
	}
	return s.Startup()
}

// TerminationSubmission returns the configured Termination hook's
// submission, if any.
func (s *Shell) TerminationSubmission() *pool.Submission {
	if s.Termination == nil {
		return nil
	}
	return s.Termination()
}

// OnStartup logs that the process became ready.
func (s *Shell) OnStartup(proc pool.ProcessHandle) {
	s.Logger.Debug().Msg("shell process started")
}

// OnTermination logs the process's exit code.
func (s *Shell) OnTermination(exitCode int) {
	s.Logger.Debug().Int("exit_code", exitCode).Msg("shell process terminated")
}

// KeepAlive reports false once MaxExecutions submissions have run or
// MaxAge wall-clock time has elapsed since Spawn, whichever is configured
// and reached first. A zero MaxExecutions or MaxAge disables that check.
func (s *Shell) KeepAlive(executionCount int, totalRunTime time.Duration) bool {
	if s.MaxExecutions > 0 && executionCount >= s.MaxExecutions {
		return false
	}
	if s.MaxAge > 0 && totalRunTime >= s.MaxAge {
		return false
	}
	return true
}
