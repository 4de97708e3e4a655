package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a2y-d5l/procpool/poolerr"
	"github.com/rs/zerolog"
)

// MetricsSink receives pool lifecycle observations. A nil Config.Metrics is
// valid; every call site on Pool guards against it.
type MetricsSink interface {
	SetExecutors(state string, n int)
	SetQueueDepth(n int)
	IncSubmissions(outcome string)
	ObserveCommandDuration(seconds float64)
	IncReplacements()
}

// Config configures a Pool's sizing policy and process supervision.
type Config struct {
	// MinSize is the number of executors kept alive at all times, spawned
	// synchronously by New before it returns.
	MinSize int
	// MaxSize bounds how many executors may exist concurrently. A Submit
	// call that would need to exceed it and finds no idle executor is
	// queued instead.
	MaxSize int
	// ReserveSize is the number of additional idle executors the pool
	// tries to keep warm above the currently busy count, up to MaxSize.
	ReserveSize int
	// KeepAliveTimeout is how long an idle executor above MinSize waits
	// for a new submission before retiring. Zero disables idle retirement.
	KeepAliveTimeout time.Duration
	// GraceDeadline bounds how long a stopping executor waits for its
	// process to exit after SIGTERM before it is sent SIGKILL.
	GraceDeadline time.Duration
	// QueueCapacity bounds how many submissions may wait in the queue at
	// once. Zero means unbounded.
	QueueCapacity int
	// Logger receives structured diagnostics. The zero value discards.
	Logger zerolog.Logger
	// Metrics, if non-nil, receives lifecycle observations.
	Metrics MetricsSink
}

func (c Config) validate() error {
	if c.MinSize < 0 {
		return poolerr.New(poolerr.InvalidArgument, "MinSize must be >= 0")
	}
	if c.MaxSize <= 0 {
		return poolerr.New(poolerr.InvalidArgument, "MaxSize must be > 0")
	}
	if c.MinSize > c.MaxSize {
		return poolerr.New(poolerr.InvalidArgument, "MinSize must be <= MaxSize")
	}
	if c.ReserveSize < 0 || c.ReserveSize > c.MaxSize {
		return poolerr.New(poolerr.InvalidArgument, "ReserveSize must be between 0 and MaxSize")
	}
	if c.KeepAliveTimeout < 0 {
		return poolerr.New(poolerr.InvalidArgument, "KeepAliveTimeout must be >= 0")
	}
	if c.QueueCapacity < 0 {
		return poolerr.New(poolerr.InvalidArgument, "QueueCapacity must be >= 0")
	}
	return nil
}

// Pool manages a dynamically sized collection of ProcessExecutors, each
// wrapping one externally spawned process. Submit prefers an idle
// executor, otherwise enqueues and grows the pool if it is below MaxSize.
type Pool struct {
	factory ProcessManagerFactory
	cfg     Config
	logger  zerolog.Logger

	queue *submissionQueue

	mu        sync.Mutex
	executors map[int]*ProcessExecutor
	nextID    int
	busyCount int
	spawning  int
	shutdown  bool
	forceStop bool

	terminateOnce sync.Once
	terminated    chan struct{}
}

// New constructs a Pool and synchronously spawns its warm size of
// max(MinSize, ReserveSize) executors, blocking until each reaches idle.
// If any of those spawns fail, New tears down what it started and returns
// the error.
func New(factory ProcessManagerFactory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, poolerr.New(poolerr.InvalidArgument, "factory must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		factory:    factory,
		cfg:        cfg,
		logger:     cfg.Logger,
		queue:      newSubmissionQueue(),
		executors:  make(map[int]*ProcessExecutor),
		terminated: make(chan struct{}),
	}

	warmSize := cfg.MinSize
	if cfg.ReserveSize > warmSize {
		warmSize = cfg.ReserveSize
	}
	for i := 0; i < warmSize; i++ {
		if _, err := p.spawnExecutor(context.Background()); err != nil {
			p.ForceShutdown()
			return nil, fmt.Errorf("spawn initial executor %d: %w", i, err)
		}
	}

	return p, nil
}

// spawnExecutor starts one new executor, respecting MaxSize across
// concurrent spawns. A nil, nil return means the pool was already at
// capacity (counting spawns still in flight) and nothing was started.
func (p *Pool) spawnExecutor(ctx context.Context) (*ProcessExecutor, error) {
	p.mu.Lock()
	if len(p.executors)+p.spawning >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, nil
	}
	p.spawning++
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	e := newProcessExecutor(id, p, p.factory, p.cfg.GraceDeadline, p.logger)
	if err := e.start(ctx); err != nil {
		p.mu.Lock()
		p.spawning--
		p.mu.Unlock()
		p.maybeTerminate()
		return nil, err
	}

	p.mu.Lock()
	p.spawning--
	// The process may have died between start returning and this
	// registration; its stop notification has already fired and must not
	// be followed by an entry it can never remove.
	if e.State() == executorStopped {
		p.mu.Unlock()
		p.maybeTerminate()
		return nil, poolerr.New(poolerr.DisruptedExecution, "process exited during startup")
	}
	p.executors[id] = e
	total := len(p.executors)
	p.mu.Unlock()

	p.reportExecutorCounts()
	p.logger.Debug().Int("executor_id", id).Int("pool_size", total).Msg("executor spawned")

	go e.workerLoop(p.queue)

	if p.cfg.KeepAliveTimeout > 0 {
		p.scheduleIdleRetirement(e)
	}

	return e, nil
}

// scheduleIdleRetirement arms a timer that retires e once KeepAliveTimeout
// elapses without a new submission. The shrink only happens while the pool
// stays above MinSize and retiring e still leaves at least ReserveSize
// idle executors behind. The timer is rearmed every time e returns to idle
// after finishing a submission, via onExecutorFinishedSubmission.
func (p *Pool) scheduleIdleRetirement(e *ProcessExecutor) {
	timer := time.AfterFunc(p.cfg.KeepAliveTimeout, func() {
		// Count and retire under p.mu (then e.mu, the usual lock order) so
		// executors already retiring are not counted and concurrent timers
		// cannot together shrink past MinSize or ReserveSize.
		p.mu.Lock()
		total, idle := 0, 0
		for _, x := range p.executors {
			switch x.State() {
			case executorIdle:
				total++
				idle++
			case executorStarting, executorExecuting:
				total++
			}
		}
		if total <= p.cfg.MinSize || idle-1 < p.cfg.ReserveSize {
			p.mu.Unlock()
			return
		}
		e.mu.Lock()
		stillIdle := e.state == executorIdle
		if stillIdle {
			e.state = executorStopping
		}
		e.mu.Unlock()
		p.mu.Unlock()
		if stillIdle {
			p.logger.Debug().Int("executor_id", e.id).Msg("retiring idle executor")
			go e.beginStop(false)
		}
	})
	e.mu.Lock()
	e.idleTimer = timer
	e.mu.Unlock()
}

// Submit hands sub to the pool. If the queue is empty and an executor is
// idle, the submission is handed to it directly; otherwise it is enqueued
// and, if the pool is under MaxSize, a new executor is spawned
// asynchronously to drain the queue. Submit never blocks on the
// submission's execution; it returns a Future as soon as the dispatch
// decision is made.
func (p *Pool) Submit(sub *Submission) (*Future, error) {
	if sub == nil {
		return nil, poolerr.New(poolerr.InvalidArgument, "submission must not be nil")
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.reportSubmission("rejected")
		return nil, poolerr.New(poolerr.RejectedSubmission, "pool is shut down")
	}

	fut := newFuture(sub)

	// Direct handoff may overtake queued submissions only when the queue
	// is empty at this instant.
	if p.queue.len() == 0 {
		for _, e := range p.executors {
			if e.claimForHandoff(fut) {
				p.mu.Unlock()
				p.reportSubmission("accepted")
				return fut, nil
			}
		}
	}

	canGrow := len(p.executors)+p.spawning < p.cfg.MaxSize
	p.mu.Unlock()

	if p.cfg.QueueCapacity > 0 && p.queue.len() >= p.cfg.QueueCapacity {
		p.reportSubmission("rejected")
		return nil, poolerr.New(poolerr.RejectedSubmission, "submission queue is at capacity")
	}

	if err := p.queue.enqueue(&queuedItem{submission: sub, future: fut}); err != nil {
		p.reportSubmission("rejected")
		return nil, err
	}
	p.reportQueueDepth()
	p.reportSubmission("queued")

	if canGrow {
		go func() {
			if _, err := p.spawnExecutor(context.Background()); err != nil {
				p.logger.Warn().Err(err).Msg("failed to grow pool for queued submission")
			}
		}()
	}

	return fut, nil
}

// onExecutorBusy is invoked by an executor just before it begins running a
// submission.
func (p *Pool) onExecutorBusy(e *ProcessExecutor) {
	p.mu.Lock()
	p.busyCount++
	p.mu.Unlock()
	p.reportExecutorCounts()
	p.reportQueueDepth()
}

// onExecutorFinishedSubmission is invoked by an executor once a submission
// has ended (successfully, by failure, or by cancellation) and the
// executor has decided its next state. An executor that stays idle gets a
// fresh keep-alive window, and the pool tops up its reserve of warm
// executors.
func (p *Pool) onExecutorFinishedSubmission(e *ProcessExecutor, nextState executorState) {
	p.mu.Lock()
	p.busyCount--
	p.mu.Unlock()
	p.reportExecutorCounts()

	if nextState != executorIdle {
		return
	}

	if p.cfg.KeepAliveTimeout > 0 {
		p.scheduleIdleRetirement(e)
	}
	p.maybeTopUpReserve()
}

// maybeTopUpReserve spawns additional executors, up to MaxSize, to restore
// ReserveSize idle executors above the current busy count.
func (p *Pool) maybeTopUpReserve() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	idle := len(p.executors) - p.busyCount + p.spawning
	need := p.cfg.ReserveSize - idle
	room := p.cfg.MaxSize - len(p.executors) - p.spawning
	p.mu.Unlock()

	if need <= 0 || room <= 0 {
		return
	}
	if need > room {
		need = room
	}
	for i := 0; i < need; i++ {
		e, err := p.spawnExecutor(context.Background())
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to top up reserve")
			return
		}
		if e == nil {
			return
		}
	}
}

// onExecutorStopped is invoked once an executor's process has fully
// exited. Outside shutdown, a replacement is spawned if the pool fell
// below MinSize or below its reserve; during an orderly shutdown with
// queued work left, a replacement is spawned so the queue still drains.
func (p *Pool) onExecutorStopped(e *ProcessExecutor) {
	e.failPendingHandoff()

	p.mu.Lock()
	_, known := p.executors[e.id]
	delete(p.executors, e.id)
	remaining := len(p.executors)
	shuttingDown := p.shutdown
	forced := p.forceStop
	p.mu.Unlock()

	// An executor whose process died before registration completed was
	// never part of the pool; spawnExecutor reports that failure itself.
	if !known {
		return
	}

	p.reportExecutorCounts()
	if e.wasReplacement() {
		p.reportReplacement()
	}

	if shuttingDown {
		if remaining > 0 {
			return
		}
		if !forced && p.queue.len() > 0 {
			if _, err := p.spawnExecutor(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("failed to replace last executor during drain")
				p.cancelQueued(poolerr.Wrap(poolerr.DisruptedExecution, "executor stopped during shutdown", err))
				p.maybeTerminate()
			}
			return
		}
		p.maybeTerminate()
		return
	}

	if remaining < p.cfg.MinSize {
		if _, err := p.spawnExecutor(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("failed to replace stopped executor")
		}
		return
	}

	p.mu.Lock()
	idle := len(p.executors) - p.busyCount
	canGrow := len(p.executors)+p.spawning < p.cfg.MaxSize
	p.mu.Unlock()
	if p.queue.len() > 0 && idle <= 0 && canGrow {
		if _, err := p.spawnExecutor(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("failed to replace stopped executor for queued work")
		}
		return
	}
	p.maybeTopUpReserve()
}

func (p *Pool) cancelQueued(cause error) {
	for _, item := range p.queue.drain() {
		item.future.complete(nil, cause, futureFailed)
	}
	p.reportQueueDepth()
}

func (p *Pool) markTerminated() {
	p.terminateOnce.Do(func() { close(p.terminated) })
}

// maybeTerminate fires the termination signal once shutdown has been
// initiated and no executor is live or still being spawned.
func (p *Pool) maybeTerminate() {
	p.mu.Lock()
	done := p.shutdown && len(p.executors) == 0 && p.spawning == 0
	p.mu.Unlock()
	if done {
		p.markTerminated()
	}
}

// stopAfterSubmission reports whether an executor that just finished a
// submission should stop rather than return to idle: the pool is shutting
// down and there is no queued work left for it to drain.
func (p *Pool) stopAfterSubmission() bool {
	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()
	return shutdown && p.queue.len() == 0
}

// reportSubmission and friends forward observations to cfg.Metrics,
// no-oping if it is nil.
func (p *Pool) reportSubmission(outcome string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncSubmissions(outcome)
	}
}

func (p *Pool) reportQueueDepth() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetQueueDepth(p.queue.len())
	}
}

func (p *Pool) reportReplacement() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncReplacements()
	}
}

func (p *Pool) reportCommandDuration(d time.Duration) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveCommandDuration(d.Seconds())
	}
}

func (p *Pool) reportExecutorCounts() {
	if p.cfg.Metrics == nil {
		return
	}
	p.mu.Lock()
	busy := p.busyCount
	idle := len(p.executors) - busy
	p.mu.Unlock()
	if idle < 0 {
		idle = 0
	}
	p.cfg.Metrics.SetExecutors("busy", busy)
	p.cfg.Metrics.SetExecutors("idle", idle)
}

// Shutdown stops accepting new submissions and lets every executor finish
// its current submission and drain the already-queued work before
// stopping its process gracefully. It blocks until every executor has
// stopped or ctx is done, whichever comes first. A repeated call is a
// no-op beyond waiting again.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	// Closing the queue wakes every idle worker loop; each drains what it
	// can and stops once the queue is empty.
	p.queue.close()
	p.maybeTerminate()

	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return poolerr.Wrap(poolerr.Timeout, "shutdown deadline exceeded", ctx.Err())
	}
}

// ForceShutdown stops accepting new submissions, drains the queue, and
// returns the submissions that were still waiting, completing each of
// their Futures as cancelled. In-flight submissions are not interrupted:
// their executors stop as they become idle (callers interrupt individual
// submissions via Future.Cancel). ForceShutdown returns without waiting
// for the executors; use AwaitTermination or IsTerminated to observe full
// termination. A repeated call is a no-op and returns nil.
func (p *Pool) ForceShutdown() []*Submission {
	p.mu.Lock()
	p.shutdown = true
	p.forceStop = true
	p.mu.Unlock()

	p.queue.close()

	var returned []*Submission
	for _, item := range p.queue.drain() {
		returned = append(returned, item.submission)
		item.future.complete(nil, poolerr.New(poolerr.Cancellation, "submission cancelled by forced shutdown"), futureCancelled)
	}
	p.reportQueueDepth()

	p.maybeTerminate()
	return returned
}

// AwaitTermination blocks until shutdown has been initiated and every
// executor has stopped, or until ctx is done.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return poolerr.Wrap(poolerr.Timeout, "await termination deadline exceeded", ctx.Err())
	}
}

// IsShutdown reports whether Shutdown or ForceShutdown has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// IsTerminated reports whether shutdown has completed: no executor is
// still running.
func (p *Pool) IsTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

// Size reports the current number of live executors and how many are busy.
func (p *Pool) Size() (total, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.executors), p.busyCount
}

// QueueLen reports how many submissions are currently queued.
func (p *Pool) QueueLen() int {
	return p.queue.len()
}
