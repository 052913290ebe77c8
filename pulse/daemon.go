// Package pulse runs the transcript pipeline: fragments arrive through
// Append, fixed windows close on a ticker, and a bounded worker pool turns
// each closed window into a durable summary and embedding.
//
// Startup order matters: persisted results are verified, unfinished windows
// are recovered from the journal, then the ticker starts dispatching.
package pulse

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/ai/provider"
	"github.com/AITrekker/Jarvis/ai/tracker"
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/pipeline"
	"github.com/AITrekker/Jarvis/pulse/async"
	"github.com/AITrekker/Jarvis/pulse/budget"
	"github.com/AITrekker/Jarvis/pulse/schedule"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/window"
)

// Backends are the summarization and embedding services a daemon calls
type Backends struct {
	Summarizer provider.Summarizer
	Embedder   provider.Embedder
}

// LocalBackends builds Backends from local inference configuration
func LocalBackends(cfg *am.Config) (Backends, error) {
	p, err := provider.NewLocalBackends(cfg)
	if err != nil {
		return Backends{}, err
	}
	return Backends{Summarizer: p, Embedder: p}, nil
}

// Option customizes a Daemon
type Option func(*Daemon)

// WithClock replaces the wall clock for windowing, scheduling and retries
func WithClock(clock func() time.Time) Option {
	return func(d *Daemon) { d.clock = clock }
}

// Daemon wires the window manager, ticker, worker pool, pipeline runner and
// stores together
type Daemon struct {
	cfg    *am.Config
	base   *zap.SugaredLogger
	logger *zap.SugaredLogger
	clock  func() time.Time

	results *storage.ResultStore
	windows *storage.WindowStore
	journal *storage.Journal
	usage   *tracker.UsageTracker
	limiter *budget.Limiter

	manager *window.Manager
	runner  *pipeline.Runner
	pool    *async.WorkerPool
	ticker  *schedule.Ticker

	report   window.RecoveryReport
	events   sync.WaitGroup
	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
}

// NewDaemon verifies persisted state and rebuilds in-memory windows from it.
// Nothing is dispatched until Start. An invariant violation in the stored
// results aborts construction.
func NewDaemon(ctx context.Context, cfg *am.Config, db *sql.DB, backends Backends, log *zap.SugaredLogger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	d := &Daemon{
		cfg:     cfg,
		base:    log.Named("pulse"),
		logger:  logger.AddPulseSymbol(log.Named("pulse")),
		clock:   time.Now,
		results: storage.NewResultStore(db, cfg.Pulse.PruneFragmentLog, log),
		windows: storage.NewWindowStore(db, log),
		usage:   tracker.NewUsageTracker(db),
		limiter: budget.NewLimiter(cfg.Budget.MaxCallsPerMinute),
	}
	for _, opt := range opts {
		opt(d)
	}

	duration := cfg.Pulse.WindowDuration
	checked, err := d.results.VerifyResults(ctx, duration)
	if err != nil {
		return nil, err
	}

	d.journal = storage.NewJournal(db, cfg.Pulse.JournalBuffer, log)
	now := d.clock()
	d.manager = window.NewManager(window.Config{
		Duration:   duration,
		CloseDelay: cfg.Pulse.CloseDelay,
	}, now, d.journal, log)

	report, err := d.manager.Recover(ctx, storage.NewRecovery(d.results, d.windows), now)
	if err != nil {
		d.journal.Close()
		return nil, err
	}
	d.report = report
	if _, err := d.windows.PruneSettled(ctx); err != nil {
		d.logger.Warnw("Failed to prune fragment journal", logger.FieldError, err)
	}

	d.runner = pipeline.NewRunner(pipeline.ConfigFrom(cfg), backends.Summarizer, backends.Embedder, d.results, d.limiter, d.usage, log)
	d.runner.SetClock(d.clock)

	d.pool = async.NewWorkerPool(ctx, async.WorkerPoolConfig{
		MaxConcurrent: cfg.Pulse.MaxConcurrentWindows,
		Retry:         retryPolicy(cfg),
	}, d.manager, d.runner, d.windows, log)
	d.pool.SetClock(d.clock)

	d.ticker = schedule.NewTickerWithContext(ctx, d.manager, d.pool, schedule.TickerConfig{
		Interval: cfg.Pulse.TickInterval,
	}, log)
	d.ticker.SetClock(d.clock)

	logger.AddPulseOpenSymbol(d.base).Infow("Pulse bootstrapped",
		"results_verified", checked,
		"restored", len(report.Restored),
		"already_done", len(report.AlreadyDone),
		"settled", report.Settled,
		"window_duration", duration)
	return d, nil
}

func retryPolicy(cfg *am.Config) async.RetryPolicy {
	return async.RetryPolicy{
		MaxAttempts: cfg.Pulse.MaxRetryAttempts,
		BackoffBase: cfg.Pulse.RetryBackoffBase,
		BackoffMax:  cfg.Pulse.RetryBackoffMax,
	}
}

// Start begins ticking. Failure events are logged until Stop.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	failures := d.pool.Subscribe()
	d.events.Add(1)
	go func() {
		defer d.events.Done()
		for ev := range failures {
			d.logger.Errorw("Window FAILED, fragments kept for replay",
				logger.FieldWindowID, ev.WindowID,
				logger.FieldAttempt, ev.Attempts,
				logger.FieldError, ev.Err)
		}
	}()

	d.pool.Start()
	d.ticker.Start()
}

// Append hands a fragment to the window manager. It never waits on
// processing; ErrLateFragment means the fragment was discarded.
func (d *Daemon) Append(text string, start, end time.Time) (window.Fragment, error) {
	return d.manager.Append(text, start, end)
}

// Tick runs one scheduling pass at the daemon clock's now
func (d *Daemon) Tick() int {
	return d.ticker.Tick(d.clock())
}

// Stop halts ticking, gives in-flight windows the configured grace period,
// and flushes the journal. Returns the windows abandoned at shutdown; they
// are reprocessed on the next start.
func (d *Daemon) Stop() []window.ID {
	var abandoned []window.ID
	d.stopOnce.Do(func() {
		d.ticker.Stop()
		abandoned = d.pool.Stop(d.config().Pulse.ShutdownGracePeriod)
		d.events.Wait()
		d.journal.Close()

		logger.AddPulseCloseSymbol(d.base).Infow("Pulse stopped",
			"abandoned", len(abandoned),
			"journal_written", d.journal.Written(),
			"journal_skipped", d.journal.Skipped())
	})
	return abandoned
}

// ApplyConfig applies a reloaded configuration to the running daemon.
// K and the retry policy change in place; the window size cannot.
func (d *Daemon) ApplyConfig(next *am.Config) error {
	if err := d.config().ValidateReload(next); err != nil {
		return errors.Wrap(err, "reloaded configuration rejected")
	}
	d.pool.Resize(next.Pulse.MaxConcurrentWindows)
	d.pool.SetRetryPolicy(retryPolicy(next))

	d.mu.Lock()
	d.cfg = next
	d.mu.Unlock()
	return nil
}

func (d *Daemon) config() *am.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Replay reprocesses a window from its journaled fragments, synchronously,
// under the configured retry policy. Windows already DONE are left alone.
func (d *Daemon) Replay(ctx context.Context, id window.ID) error {
	start, err := window.ParseID(id)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	duration := d.manager.Duration()
	if !window.Aligned(start, duration) {
		return errors.Wrapf(errors.ErrInvalidRequest, "window %s is not aligned to %s", id, duration)
	}
	if start.Add(duration).After(d.clock()) {
		return errors.Wrapf(errors.ErrInvalidRequest, "window %s has not elapsed yet", id)
	}

	done, err := d.results.HasResult(ctx, id)
	if err != nil {
		return err
	}
	if done {
		d.logger.Infow("Window already done, nothing to replay", logger.FieldWindowID, id)
		return nil
	}
	if w, ok := d.manager.Get(id); ok {
		return errors.Wrapf(errors.ErrConflict, "window %s is still scheduled (%s)", id, w.Status)
	}

	frags, err := d.windows.FragmentsFor(ctx, id)
	if err != nil {
		return err
	}
	prior := 0
	rec, err := d.windows.Get(ctx, id)
	switch {
	case err == nil:
		prior = rec.Attempts
	case !errors.IsNotFoundError(err):
		return err
	case len(frags) == 0:
		// an unseen window is never settled
		return errors.NewNotFoundError("window %s has no failed record or journaled fragments", id)
	}

	w := window.Window{
		ID:        id,
		Start:     start,
		End:       start.Add(duration),
		Status:    window.StatusProcessing,
		Fragments: frags,
	}
	policy := retryPolicy(d.config())
	log := d.logger.With(logger.FieldWindowID, id)
	log.Infow("Replaying window", logger.FieldCount, len(frags), "prior_attempts", prior)

	for attempt := 1; ; attempt++ {
		res := d.runner.Execute(ctx, w)
		if res.Outcome == async.OutcomeDone {
			log.Infow("Replay done", logger.FieldAttempt, attempt)
			return nil
		}
		if res.Outcome == async.OutcomePermanent || policy.Exhausted(attempt-1) || ctx.Err() != nil {
			w.Status = window.StatusFailed
			w.Attempts = prior + attempt
			w.LastError = res.Err.Error()
			if err := d.windows.MarkFailed(context.WithoutCancel(ctx), w); err != nil {
				log.Warnw("Failed to persist replay failure", logger.FieldError, err)
			}
			return errors.Wrapf(res.Err, "replay of %s failed after %d attempts at %s", id, attempt, res.Stage)
		}

		backoff := policy.Backoff(attempt)
		log.Warnw("Replay attempt failed, retrying",
			logger.FieldAttempt, attempt,
			"stage", res.Stage,
			"backoff", backoff,
			logger.FieldError, res.Err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Recovery returns what bootstrap rebuilt from storage
func (d *Daemon) Recovery() window.RecoveryReport {
	return d.report
}

// Stats reports in-memory window counts and pool metrics
func (d *Daemon) Stats() (window.Stats, async.SystemMetrics) {
	return d.manager.Stats(), d.pool.GetSystemMetrics()
}

// Results exposes the result store for queries
func (d *Daemon) Results() *storage.ResultStore {
	return d.results
}
