package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/window"
)

// ErrPoolClosed is returned by Dispatch once shutdown has begun
var ErrPoolClosed = errors.New("worker pool is shutting down")

// stopDrainTimeout bounds how long Stop waits for cancelled executions to return
const stopDrainTimeout = 5 * time.Second

// failureBuffer is the capacity of each failure subscription
const failureBuffer = 16

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WindowExecutor runs the summarize/embed/persist pipeline for one window
type WindowExecutor interface {
	Execute(ctx context.Context, w window.Window) Result
}

// WindowTracker owns in-memory window state transitions
type WindowTracker interface {
	Complete(id window.ID) error
	Release(id window.ID, cause error, retryAt time.Time) (int, error)
	Fail(id window.ID, cause error) (window.Window, error)
	Reset(id window.ID) error
}

// StatusStore makes retry counts and terminal failures durable
type StatusStore interface {
	RecordRelease(ctx context.Context, w window.Window) error
	MarkFailed(ctx context.Context, w window.Window) error
}

// FailureEvent is published when a window is marked FAILED
type FailureEvent struct {
	WindowID window.ID
	Attempts int
	Err      error
	At       time.Time
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	MaxConcurrent int         // K, windows processing at once
	Retry         RetryPolicy // retry budget for transient failures
}

// WorkerPool executes claimed windows with at most K in flight.
// Slots are reserved before a window is claimed so a claim never waits for
// capacity.
type WorkerPool struct {
	tracker  WindowTracker
	executor WindowExecutor
	store    StatusStore // optional - nil keeps retry state in memory only
	logger   pulseLogger
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cfg         WorkerPoolConfig
	running     map[window.ID]time.Time
	reserved    int
	closed      bool
	subscribers []chan FailureEvent
	processed   int
	failed      int
}

// NewWorkerPool creates a worker pool. Executions run under a context derived
// from ctx; Stop cancels it once the grace period runs out.
func NewWorkerPool(ctx context.Context, cfg WorkerPoolConfig, tracker WindowTracker, executor WindowExecutor, store StatusStore, log *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &WorkerPool{
		tracker:  tracker,
		executor: executor,
		store:    store,
		logger:   pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
		clock:    time.Now,
		ctx:      workerCtx,
		cancel:   cancel,
		cfg:      cfg,
		running:  make(map[window.ID]time.Time),
	}
}

// SetClock replaces the wall clock used for retry scheduling
func (wp *WorkerPool) SetClock(clock func() time.Time) {
	wp.clock = clock
}

// Start logs the opening state and warns when K exceeds what memory can hold
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	k := wp.cfg.MaxConcurrent
	wp.mu.Unlock()

	wp.logger.Starting("Worker pool opening", logger.FieldSlots, k)
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, logger.FieldSlots, k)
	}
}

// TryReserve takes a free slot for a window about to be claimed.
// Returns false when K windows are already processing or reserved.
func (wp *WorkerPool) TryReserve() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed || len(wp.running)+wp.reserved >= wp.cfg.MaxConcurrent {
		return false
	}
	wp.reserved++
	return true
}

// CancelReservation returns a reserved slot that will not be used
func (wp *WorkerPool) CancelReservation() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.reserved > 0 {
		wp.reserved--
	}
}

// Dispatch starts executing a claimed window in a reserved slot.
// It never blocks on the execution itself.
func (wp *WorkerPool) Dispatch(w window.Window) error {
	wp.mu.Lock()
	if wp.reserved > 0 {
		wp.reserved--
	}
	if wp.closed {
		wp.mu.Unlock()
		return ErrPoolClosed
	}
	if _, dup := wp.running[w.ID]; dup {
		wp.mu.Unlock()
		return errors.NewInvariantViolation("window %s dispatched twice", w.ID)
	}
	wp.running[w.ID] = wp.clock()
	wp.wg.Add(1)
	wp.mu.Unlock()

	go wp.run(w)
	return nil
}

// run executes one window and settles its outcome
func (wp *WorkerPool) run(w window.Window) {
	defer wp.wg.Done()
	defer func() {
		wp.mu.Lock()
		delete(wp.running, w.ID)
		wp.mu.Unlock()
	}()

	log := wp.logger.With(logger.FieldWindowID, w.ID, logger.FieldAttempt, w.Attempts+1)
	log.Debugw("Window processing", logger.FieldCount, len(w.Fragments))

	started := time.Now()
	res := wp.executor.Execute(wp.ctx, w)
	log = log.With(logger.FieldDurationMS, time.Since(started).Milliseconds())

	wp.settle(w, res, pulseLogger{log})
}

// settle applies an execution result to the window state
func (wp *WorkerPool) settle(w window.Window, res Result, log pulseLogger) {
	// ❀ Closing: work abandoned by shutdown goes back to CLOSED uncounted
	if res.Outcome != OutcomeDone && wp.ctx.Err() != nil {
		if err := wp.tracker.Reset(w.ID); err != nil {
			log.Errorw("Failed to reset abandoned window", logger.FieldError, err)
			return
		}
		log.Closing("Window abandoned at shutdown, will reprocess on restart")
		return
	}

	switch {
	case res.Outcome == OutcomeDone:
		if err := wp.tracker.Complete(w.ID); err != nil {
			log.Errorw("Failed to complete window", logger.FieldError, err)
			return
		}
		wp.mu.Lock()
		wp.processed++
		wp.mu.Unlock()
		log.Infow("Window done")

	case res.Outcome == OutcomeTransient && !wp.retryPolicy().Exhausted(w.Attempts):
		retryAt := wp.clock().Add(wp.retryPolicy().Backoff(w.Attempts + 1))
		attempts, err := wp.tracker.Release(w.ID, res.Err, retryAt)
		if err != nil {
			log.Errorw("Failed to release window for retry", logger.FieldError, err)
			return
		}
		info := ClassifyError(res.Stage, res.Err)
		log.Warnw("Window attempt failed, retry scheduled",
			"stage", info.Stage,
			"code", info.Code,
			logger.FieldError, res.Err,
			logger.FieldRetryAt, retryAt)

		snapshot := w
		snapshot.Status = window.StatusClosed
		snapshot.Attempts = attempts
		snapshot.LastError = errString(res.Err)
		snapshot.NextAttemptAt = retryAt
		wp.persist(log, snapshot, false)

	default:
		failed, err := wp.tracker.Fail(w.ID, res.Err)
		if err != nil {
			log.Errorw("Failed to mark window failed", logger.FieldError, err)
			return
		}
		info := ClassifyError(res.Stage, res.Err)
		log.Errorw("Window failed",
			"stage", info.Stage,
			"code", info.Code,
			"retryable", info.Retryable,
			logger.FieldAttempt, failed.Attempts,
			logger.FieldError, res.Err)

		wp.mu.Lock()
		wp.failed++
		wp.mu.Unlock()
		wp.persist(log, failed, true)
		wp.publish(FailureEvent{WindowID: w.ID, Attempts: failed.Attempts, Err: res.Err, At: wp.clock()})
	}
}

func (wp *WorkerPool) persist(log pulseLogger, w window.Window, failed bool) {
	if wp.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopDrainTimeout)
	defer cancel()

	var err error
	if failed {
		err = wp.store.MarkFailed(ctx, w)
	} else {
		err = wp.store.RecordRelease(ctx, w)
	}
	if err != nil {
		log.Warnw("Failed to persist window status", logger.FieldStatus, w.Status, logger.FieldError, err)
	}
}

// Subscribe returns a channel receiving every FAILED window.
// Events are dropped for a subscriber that is not keeping up.
func (wp *WorkerPool) Subscribe() <-chan FailureEvent {
	ch := make(chan FailureEvent, failureBuffer)
	wp.mu.Lock()
	wp.subscribers = append(wp.subscribers, ch)
	wp.mu.Unlock()
	return ch
}

func (wp *WorkerPool) publish(ev FailureEvent) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for _, ch := range wp.subscribers {
		select {
		case ch <- ev:
		default:
			wp.logger.Warnw("Failure subscriber full, event dropped", logger.FieldWindowID, ev.WindowID)
		}
	}
}

// Stop stops accepting windows and waits up to grace for in-flight ones.
// Executions still running after grace are cancelled; their windows go back
// to CLOSED without counting an attempt. Returns the abandoned window IDs.
// ❀ Closing: the pool cannot be restarted after Stop.
func (wp *WorkerPool) Stop(grace time.Duration) []window.ID {
	wp.mu.Lock()
	wp.closed = true
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		wp.closeSubscribers()
		wp.logger.Pulse("❀ Worker pool stopped - all windows settled")
		return nil
	case <-time.After(grace):
	}

	abandoned := wp.Running()
	wp.logger.Closing("Grace period over, cancelling in-flight windows",
		"grace", grace,
		logger.FieldCount, len(abandoned))
	wp.cancel()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		wp.logger.Closing("Executions ignored cancellation", "timeout", stopDrainTimeout)
	}
	wp.closeSubscribers()
	return abandoned
}

func (wp *WorkerPool) closeSubscribers() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for _, ch := range wp.subscribers {
		close(ch)
	}
	wp.subscribers = nil
}

// Resize changes K. Windows already processing are never preempted; a
// smaller K takes effect as they finish.
func (wp *WorkerPool) Resize(k int) {
	if k < 1 {
		k = 1
	}
	wp.mu.Lock()
	old := wp.cfg.MaxConcurrent
	wp.cfg.MaxConcurrent = k
	wp.mu.Unlock()

	if old == k {
		return
	}
	wp.logger.Pulse("Worker pool resized", "from", old, logger.FieldSlots, k)
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, logger.FieldSlots, k)
	}
}

// SetRetryPolicy replaces the retry policy for subsequent failures
func (wp *WorkerPool) SetRetryPolicy(p RetryPolicy) {
	wp.mu.Lock()
	wp.cfg.Retry = p
	wp.mu.Unlock()
}

func (wp *WorkerPool) retryPolicy() RetryPolicy {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.cfg.Retry
}

// Running returns the windows currently executing
func (wp *WorkerPool) Running() []window.ID {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	ids := make([]window.ID, 0, len(wp.running))
	for id := range wp.running {
		ids = append(ids, id)
	}
	return ids
}

// Active returns the number of windows currently executing
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.running)
}

// Capacity returns K
func (wp *WorkerPool) Capacity() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.cfg.MaxConcurrent
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
