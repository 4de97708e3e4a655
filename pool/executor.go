package pool

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/a2y-d5l/procpool/poolerr"
	"github.com/rs/zerolog"
)

const defaultGraceDeadline = 5 * time.Second

// executorState is one point in the ProcessExecutor state machine:
// starting → idle ⇄ executing, with idle → stopping → stopped and
// executing → stopping → stopped as the terminal paths.
type executorState int32

const (
	executorStarting executorState = iota
	executorIdle
	executorExecuting
	executorStopping
	executorStopped
)

func (s executorState) String() string {
	switch s {
	case executorStarting:
		return "starting"
	case executorIdle:
		return "idle"
	case executorExecuting:
		return "executing"
	case executorStopping:
		return "stopping"
	case executorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ProcessExecutor owns one child process over its lifetime (or until
// replaced): its handle, its I/O streams, its reader goroutines, and the
// execution of one Submission at a time. Its worker goroutine is the only
// goroutine that ever writes to the child's stdin, so no two submissions
// can interleave on one process.
type ProcessExecutor struct {
	id             int
	pool           *Pool
	managerFactory ProcessManagerFactory
	graceDeadline  time.Duration
	logger         zerolog.Logger

	manager ProcessManager
	proc    ProcessHandle
	stdin   io.WriteCloser

	// handoff carries a submission claimed for this executor by Submit. It
	// has capacity one and is only written after the executor has been
	// claimed (idle → executing), so a send can never block.
	handoff chan *Future

	// mu guards everything below. stateCond is signaled on command
	// completion, interruption, process exit, and the state changes made by
	// start, execute and beginStop (claiming and unclaiming do not signal
	// it); stopCond is signaled when the process has fully exited.
	mu            sync.Mutex
	stateCond     *sync.Cond
	stopCond      *sync.Cond
	state         executorState
	currentFut    *Future
	activeCmd     *Command
	cmdDone       bool
	cmdErr        error
	interrupted   bool
	stopRequested bool
	processExited bool
	exitErr       error

	executionCount int
	spawnedAt      time.Time
	replacing      bool

	idleTimer *time.Timer

	retireOnce sync.Once
	retireCh   chan struct{}
}

func newProcessExecutor(id int, p *Pool, factory ProcessManagerFactory, graceDeadline time.Duration, logger zerolog.Logger) *ProcessExecutor {
	e := &ProcessExecutor{
		id:             id,
		pool:           p,
		managerFactory: factory,
		graceDeadline:  graceDeadline,
		logger:         logger.With().Int("executor_id", id).Logger(),
		state:          executorStarting,
		handoff:        make(chan *Future, 1),
		retireCh:       make(chan struct{}),
	}
	e.stateCond = sync.NewCond(&e.mu)
	e.stopCond = sync.NewCond(&e.mu)
	return e
}

// State returns the executor's current state. Intended for tests and
// diagnostics; callers should not branch production logic on it outside
// the pool controller, which already serializes dispatch decisions.
func (e *ProcessExecutor) State() executorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// wasReplacement reports whether this executor's process was torn down
// because a submission demanded replacement (TerminateAfter, or failure)
// rather than because the pool itself is shutting down. Used only to
// decide whether a stop counts toward the replacements metric.
func (e *ProcessExecutor) wasReplacement() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replacing
}

// tryClaim atomically transitions the executor from idle to executing,
// stopping its idle-retirement timer. It reports whether the claim
// succeeded; a false return means another claimant (a direct handoff or
// the retirement timer) got there first.
func (e *ProcessExecutor) tryClaim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != executorIdle {
		return false
	}
	e.state = executorExecuting
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	return true
}

// unclaim reverts a successful tryClaim that found no work to run.
func (e *ProcessExecutor) unclaim() {
	e.mu.Lock()
	if e.state == executorExecuting {
		e.state = executorIdle
	}
	e.mu.Unlock()
}

// claimForHandoff atomically claims an idle executor and hands fut to its
// worker goroutine. Claim and send happen under the same critical section
// as the state transitions in supervise, so a process that dies
// concurrently can never strand the handed-off submission: either the
// claim fails, or the handoff is visible to whoever observes the stop.
func (e *ProcessExecutor) claimForHandoff(fut *Future) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != executorIdle {
		return false
	}
	e.state = executorExecuting
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.handoff <- fut
	return true
}

// failPendingHandoff completes a handed-off submission that will never run
// because the executor stopped first.
func (e *ProcessExecutor) failPendingHandoff() {
	select {
	case fut := <-e.handoff:
		fut.complete(nil, poolerr.New(poolerr.DisruptedExecution, "executor stopped before submission could run"), futureFailed)
	default:
	}
}

// start spawns the child process, runs the manager's startup submission (if
// any), and transitions to idle. It blocks the caller until that completes.
func (e *ProcessExecutor) start(ctx context.Context) error {
	e.manager = e.managerFactory()
	proc, streams, err := e.manager.Spawn(ctx)
	if err != nil {
		return poolerr.Wrap(poolerr.DisruptedExecution, "spawn process", err)
	}
	e.proc = proc
	e.stdin = streams.Stdin
	e.spawnedAt = time.Now()

	var readerWG sync.WaitGroup
	readerWG.Add(2)
	go e.readLoop(streams.Stdout, streamStdout, &readerWG)
	go e.readLoop(streams.Stderr, streamStderr, &readerWG)
	go e.supervise(&readerWG)

	if su := e.manager.StartupSubmission(); su != nil {
		if _, abortErr := e.runCommands(su); abortErr != nil {
			e.logger.Warn().Err(abortErr).Msg("startup submission failed")
			go e.beginStop(true)
			return poolerr.Wrap(poolerr.DisruptedExecution, "startup submission failed", abortErr)
		}
		su.runFinish()
	}

	e.manager.OnStartup(e.proc)

	e.mu.Lock()
	exited := e.processExited
	if e.state == executorStarting {
		e.state = executorIdle
	}
	e.stateCond.Broadcast()
	e.mu.Unlock()
	if exited {
		return poolerr.Wrap(poolerr.DisruptedExecution, "process exited during startup", e.exitError())
	}
	e.logger.Debug().Msg("executor idle")
	return nil
}

func (e *ProcessExecutor) exitError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitErr
}

// readLoop reads the named stream line by line, feeding each line to the
// currently active command's predicate, for the lifetime of the process.
func (e *ProcessExecutor) readLoop(r io.ReadCloser, stream streamKind, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		e.feedLine(stream, line)
	}
}

// feedLine delivers one output line to the active command's predicate for
// this stream, if any command currently claims it. Lines that arrive
// between the end of one command and the start of the next are discarded.
func (e *ProcessExecutor) feedLine(stream streamKind, line string) {
	e.mu.Lock()
	cmd := e.activeCmd
	if cmd == nil {
		e.mu.Unlock()
		return
	}

	cmd.capture(stream, line)
	pred := cmd.predicateFor(stream)
	if pred == nil {
		e.mu.Unlock()
		return
	}

	done, failed := pred(cmd, line)
	if done || failed != nil {
		e.cmdDone = true
		if failed != nil {
			e.cmdErr = errFailedCommand(cmd, line, failed)
		}
		e.activeCmd = nil
		e.stateCond.Broadcast()
	}
	e.mu.Unlock()
}

// supervise waits for both reader goroutines to see EOF and for the
// process to exit, then marks the executor stopped.
func (e *ProcessExecutor) supervise(readerWG *sync.WaitGroup) {
	readerWG.Wait()
	exitErr := e.proc.Wait()

	e.mu.Lock()
	e.processExited = true
	e.exitErr = exitErr
	e.state = executorStopped
	e.stateCond.Broadcast()
	e.stopCond.Broadcast()
	e.mu.Unlock()

	e.retireOnce.Do(func() { close(e.retireCh) })

	if e.manager != nil {
		e.manager.OnTermination(exitCodeFromErr(exitErr))
	}
	e.logger.Debug().Err(exitErr).Msg("process exited")
	if e.pool != nil {
		e.pool.onExecutorStopped(e)
	}
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// runCommands writes each command's instruction in order and waits for its
// completion predicate, returning the first abort condition encountered
// (nil if every command completed normally).
func (e *ProcessExecutor) runCommands(sub *Submission) (completed bool, abortErr error) {
	for _, cmd := range sub.Commands {
		cmdStart := time.Now()

		e.mu.Lock()
		if e.interrupted {
			e.mu.Unlock()
			return false, poolerr.New(poolerr.Cancellation, "execution interrupted before command dispatch")
		}
		e.activeCmd = cmd
		e.cmdDone = false
		e.cmdErr = nil
		e.mu.Unlock()

		if _, err := io.WriteString(e.stdin, cmd.Instruction+"\n"); err != nil {
			e.mu.Lock()
			e.activeCmd = nil
			e.mu.Unlock()
			return false, poolerr.Wrap(poolerr.DisruptedExecution, "write command to stdin", err)
		}

		if !cmd.GeneratesOutput {
			e.mu.Lock()
			e.activeCmd = nil
			e.mu.Unlock()
			if e.pool != nil {
				e.pool.reportCommandDuration(time.Since(cmdStart))
			}
			continue
		}

		e.mu.Lock()
		for !e.cmdDone && !e.interrupted && !e.processExited {
			e.stateCond.Wait()
		}
		interrupted, exited, done, cmdErr := e.interrupted, e.processExited, e.cmdDone, e.cmdErr
		exitErr := e.exitErr
		e.activeCmd = nil
		e.mu.Unlock()

		if e.pool != nil {
			e.pool.reportCommandDuration(time.Since(cmdStart))
		}

		if interrupted {
			return false, poolerr.New(poolerr.Cancellation, "execution interrupted")
		}
		if !done && exited {
			return false, poolerr.Wrap(poolerr.DisruptedExecution, "process exited mid-submission", exitErr)
		}
		if cmdErr != nil {
			return false, cmdErr
		}
	}
	return true, nil
}

// execute serializes one submission onto this executor: at most one
// submission runs at a time, and the calling goroutine (the executor's
// worker) blocks until the submission ends or the executor is stopped. It
// completes fut's Future exactly once before returning.
//
// execute assumes the caller has already claimed this executor by setting
// its state to executorExecuting; the dispatch decision and the claim
// happen atomically under the executor mutex so two submissions can never
// race onto the same process.
func (e *ProcessExecutor) execute(fut *Future) {
	sub := fut.submission
	fut.bindExecutor(e)

	e.mu.Lock()
	e.interrupted = false
	e.currentFut = fut
	e.stateCond.Broadcast()
	e.mu.Unlock()

	if e.pool != nil {
		e.pool.onExecutorBusy(e)
	}

	sub.runStart(e.proc)

	completed, abortErr := e.runCommands(sub)

	sub.runFinish()
	result, resErr := sub.result()

	// Read pool state before taking e.mu: the pool locks its own mutex
	// first and then the executor's, never the other way around.
	shuttingDown := e.pool != nil && e.pool.stopAfterSubmission()

	e.mu.Lock()
	e.executionCount++
	e.currentFut = nil
	needsReplace := sub.TerminateAfter || !completed
	keep := completed && !shuttingDown
	if keep && e.manager != nil {
		keep = e.manager.KeepAlive(e.executionCount, time.Since(e.spawnedAt))
	}
	if needsReplace || !keep {
		e.state = executorStopping
		e.replacing = needsReplace && !shuttingDown
	} else {
		e.state = executorIdle
	}
	finalState := e.state
	e.stateCond.Broadcast()
	e.mu.Unlock()

	switch {
	case abortErr != nil:
		e.logger.Warn().Err(abortErr).Msg("submission aborted")
		state := futureFailed
		var perr *poolerr.Error
		if errors.As(abortErr, &perr) && perr.Kind == poolerr.Cancellation {
			state = futureCancelled
		}
		fut.complete(nil, abortErr, state)
	case resErr != nil:
		fut.complete(nil, resErr, futureFailed)
	default:
		fut.complete(result, nil, futureSucceeded)
	}

	if e.pool != nil {
		e.pool.onExecutorFinishedSubmission(e, finalState)
	}

	if finalState == executorStopping {
		go e.beginStop(false)
	}
}

// interrupt asks the executor to abandon fut's in-flight submission. It
// reports whether fut was in fact the submission being executed; on
// success the executor's I/O wait is woken, its process is torn down, and
// fut completes as cancelled once the worker goroutine unwinds.
func (e *ProcessExecutor) interrupt(fut *Future) bool {
	e.mu.Lock()
	if e.state != executorExecuting || e.currentFut != fut {
		e.mu.Unlock()
		return false
	}
	e.interrupted = true
	e.stateCond.Broadcast()
	e.mu.Unlock()
	go e.beginStop(false)
	return true
}

// beginStop requests graceful termination (via the manager's termination
// submission, then SIGTERM, bounded by the grace deadline, then SIGKILL)
// or, if forcibly, kills outright. It is idempotent: only the first call
// performs the teardown.
func (e *ProcessExecutor) beginStop(forcibly bool) {
	e.mu.Lock()
	if e.stopRequested {
		e.mu.Unlock()
		return
	}
	e.stopRequested = true
	if e.state != executorStopped {
		e.state = executorStopping
	}
	interrupted := e.interrupted
	e.stateCond.Broadcast()
	e.mu.Unlock()

	e.retireOnce.Do(func() { close(e.retireCh) })

	// The termination submission shares the stdin writer and the active
	// command slot with execute, so it only runs when no submission is in
	// flight; an interrupted submission is still unwinding.
	if !forcibly && !interrupted && e.manager != nil {
		if ts := e.manager.TerminationSubmission(); ts != nil {
			if _, err := e.runCommands(ts); err != nil {
				e.logger.Warn().Err(err).Msg("termination submission failed")
			} else {
				ts.runFinish()
			}
		}
	}

	if e.stdin != nil {
		_ = e.stdin.Close()
	}

	if e.proc == nil {
		e.waitExited(0)
		return
	}

	if forcibly {
		_ = e.proc.Kill()
		e.waitExited(0)
		return
	}

	_ = e.proc.Signal(syscall.SIGTERM)
	deadline := e.graceDeadline
	if deadline <= 0 {
		deadline = defaultGraceDeadline
	}
	if !e.waitExited(deadline) {
		_ = e.proc.Kill()
		e.waitExited(0)
	}
}

// waitExited blocks until the process has exited. If timeout is positive
// it bounds the wait and returns false on expiry; a non-positive timeout
// blocks indefinitely and always returns true.
func (e *ProcessExecutor) waitExited(timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout <= 0 {
		for !e.processExited {
			e.stopCond.Wait()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	for !e.processExited {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timedOut := false
		timer := time.AfterFunc(remaining, func() {
			e.mu.Lock()
			timedOut = true
			e.stopCond.Broadcast()
			e.mu.Unlock()
		})
		e.stopCond.Wait()
		timer.Stop()
		if timedOut && !e.processExited {
			return false
		}
	}
	return true
}

// workerLoop is the executor's single consumer goroutine: every submission
// this executor ever runs passes through here, either handed off directly
// by Submit (which claims the executor first) or pulled from the shared
// queue (claimed via tryClaim). It exits when the executor is retired or
// when the queue has been closed and drained, stopping the process on the
// way out.
func (e *ProcessExecutor) workerLoop(q *submissionQueue) {
	for {
		// A directly handed-off submission takes priority; it was accepted
		// only because the queue was empty at that instant.
		select {
		case fut := <-e.handoff:
			e.execute(fut)
			if e.retired() {
				return
			}
			continue
		default:
		}

		select {
		case fut := <-e.handoff:
			e.execute(fut)
			if e.retired() {
				return
			}

		case <-e.retireCh:
			e.failPendingHandoff()
			return

		case <-q.notify():
			if !e.tryClaim() {
				// Claimed by a direct handoff or the retirement timer; put
				// the wakeup token back for the other executors.
				q.wake()
				continue
			}
			item, ok := q.poll()
			if !ok {
				e.unclaim()
				continue
			}
			e.execute(item.future)
			if e.retired() {
				return
			}

		case <-q.closedSignal():
			if !e.tryClaim() {
				continue
			}
			item, ok := q.poll()
			if !ok {
				// Queue closed and drained: this executor's work is done.
				e.unclaim()
				e.beginStop(false)
				return
			}
			e.execute(item.future)
			if e.retired() {
				return
			}
		}
	}
}

// retired reports whether the executor has left the idle ⇄ executing
// cycle. executing is deliberately not terminal here: a Submit may have
// re-claimed the executor and handed off the next submission in the window
// after execute returned it to idle.
func (e *ProcessExecutor) retired() bool {
	s := e.State()
	return s == executorStopping || s == executorStopped
}
