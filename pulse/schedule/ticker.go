package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/pulse/async"
	"github.com/AITrekker/Jarvis/sym"
	"github.com/AITrekker/Jarvis/window"
)

// WindowSource hands out windows that are due and arbitrates claims
type WindowSource interface {
	Closeable(now time.Time) []window.Window
	Claim(id window.ID) (window.Window, bool)
	Reset(id window.ID) error
}

// Dispatcher runs claimed windows in bounded slots
type Dispatcher interface {
	TryReserve() bool
	CancelReservation()
	Dispatch(w window.Window) error
}

// Ticker periodically closes elapsed windows and dispatches them to the
// worker pool, oldest first, while slots are free.
type Ticker struct {
	source     WindowSource
	pool       Dispatcher
	workerPool *async.WorkerPool // For system metrics in ticker display (optional)
	interval   time.Duration
	clock      func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastBacklog     int // Track last backlog to detect changes
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to look for closeable windows (default: 5 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 5 * time.Second,
	}
}

// NewTicker creates a new Pulse ticker
func NewTicker(source WindowSource, pool Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), source, pool, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, source WindowSource, pool Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}

	t := &Ticker{
		source:   source,
		pool:     pool,
		interval: cfg.Interval,
		clock:    time.Now,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log),
	}
	if wp, ok := pool.(*async.WorkerPool); ok {
		t.workerPool = wp
	}
	return t
}

// SetClock replaces the wall clock read on each tick
func (t *Ticker) SetClock(clock func() time.Time) {
	t.clock = clock
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop stops the ticker. No window is claimed after Stop returns.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = t.clock()
			t.ticksSinceStart++
			t.mu.Unlock()

			t.Tick(t.clock())
		}
	}
}

// Tick closes every window elapsed at now and dispatches as many as there
// are free slots, oldest first. Windows left over wait for a later tick.
// Safe to call concurrently: each window is claimed by exactly one caller.
func (t *Ticker) Tick(now time.Time) int {
	due := t.source.Closeable(now)
	dispatched := 0

	for _, w := range due {
		if t.ctx.Err() != nil {
			break
		}
		if !t.pool.TryReserve() {
			break
		}
		claimed, ok := t.source.Claim(w.ID)
		if !ok {
			// Another tick got there first
			t.pool.CancelReservation()
			continue
		}
		if err := t.pool.Dispatch(claimed); err != nil {
			if resetErr := t.source.Reset(claimed.ID); resetErr != nil {
				t.pulseLog.Errorw("Failed to reset undispatched window",
					logger.FieldWindowID, claimed.ID,
					logger.FieldError, resetErr)
			}
			t.pulseLog.Warnw("Dispatch refused", logger.FieldWindowID, claimed.ID, logger.FieldError, err)
			break
		}
		dispatched++
		t.pulseLog.Infow("Window dispatched",
			logger.FieldWindowID, claimed.ID,
			logger.FieldCount, len(claimed.Fragments),
			logger.FieldAttempt, claimed.Attempts+1)
	}

	t.logBacklog(len(due) - dispatched)
	return dispatched
}

// logBacklog logs the number of due windows waiting on a slot, when it changes
func (t *Ticker) logBacklog(backlog int) {
	t.mu.Lock()
	hasChanged := backlog != t.lastBacklog
	t.lastBacklog = backlog
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	// Build visual indicator based on backlog (1 symbol per 5 windows, max 60 symbols)
	pulseIndicator := ""
	if backlog > 0 {
		numSymbols := min((backlog/5)+1, 60)
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	msg := fmt.Sprintf("%sPulse - %d windows waiting for a slot", pulseIndicator, backlog)
	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics()
		msg += fmt.Sprintf(" │ Slots: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WindowsActive, metrics.SlotsTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// LastTick returns when the loop last ticked and how many ticks have run
func (t *Ticker) LastTick() (time.Time, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.ticksSinceStart
}
