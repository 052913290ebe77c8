package window

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
)

// Config sizes windows and sets when they close
type Config struct {
	Duration time.Duration
	// CloseDelay is the allowed lateness: a window closes once
	// end + CloseDelay has passed on the wall clock.
	CloseDelay time.Duration
}

// FragmentSink receives every accepted fragment, outside the manager lock
type FragmentSink interface {
	Record(id ID, f Fragment)
}

// Manager owns window state: the fragment buffer plus an arena of
// non-terminal windows addressed by ID. DONE and FAILED windows are evicted
// from the arena; their durable record lives in storage.
//
// A single mutex guards all state and is never held across I/O.
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger
	sink   FragmentSink

	mu      sync.Mutex
	buffer  *Buffer
	windows map[ID]*Window
	// Start of the next window to materialize when it elapses without fragments
	cursor time.Time
}

// NewManager creates a manager. now is the process start time: windows that
// ended before it are never materialized as empty (the process was offline).
func NewManager(cfg Config, now time.Time, sink FragmentSink, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  log,
		sink:    sink,
		buffer:  NewBuffer(cfg.Duration),
		windows: make(map[ID]*Window),
		cursor:  Start(now, cfg.Duration),
	}
	m.buffer.SealBefore(m.horizon(now))
	return m
}

// Duration returns the configured window size
func (m *Manager) Duration() time.Duration {
	return m.cfg.Duration
}

// horizon is the start of the oldest window that may still accept fragments
// at now; every window starting before it has fully elapsed.
func (m *Manager) horizon(now time.Time) time.Time {
	return Start(now.Add(-m.cfg.CloseDelay), m.cfg.Duration)
}

// Append records a fragment. It never blocks on processing; a late fragment
// with nowhere to go is discarded, logged, and reported via ErrLateFragment.
func (m *Manager) Append(text string, start, end time.Time) (Fragment, error) {
	m.mu.Lock()
	f, placement, err := m.buffer.Append(text, start, end)
	if err == nil {
		if _, ok := m.windows[placement.Window]; !ok {
			m.windows[placement.Window] = newWindow(placement.Start, m.cfg.Duration)
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warnw("Discarding late fragment",
			logger.FieldSequence, f.Sequence,
			"fragment_start", start,
			logger.FieldError, err)
		return f, err
	}
	if placement.Rerouted {
		m.logger.Warnw("Late fragment routed to oldest open window",
			logger.FieldSequence, f.Sequence,
			logger.FieldWindowID, placement.Window,
			"fragment_start", start)
	}
	if m.sink != nil {
		m.sink.Record(placement.Window, f)
	}
	return f, nil
}

// Closeable closes every window whose interval has elapsed at now, draining
// its fragments, and returns the CLOSED windows due for dispatch, oldest
// first. Windows that elapsed without fragments are materialized empty.
func (m *Manager) Closeable(now time.Time) []Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.horizon(now)
	m.buffer.SealBefore(h)

	for s := m.cursor; s.Before(h); s = s.Add(m.cfg.Duration) {
		id := IDFor(s)
		if _, ok := m.windows[id]; !ok {
			m.windows[id] = newWindow(s, m.cfg.Duration)
		}
	}
	if h.After(m.cursor) {
		m.cursor = h
	}

	var due []Window
	for id, w := range m.windows {
		if w.Status == StatusOpen && w.Start.Before(h) {
			w.Fragments = append(w.Fragments, m.buffer.Drain(id)...)
			w.Status = StatusClosed
			m.logger.Debugw("Window closed",
				logger.FieldWindowID, id,
				logger.FieldCount, len(w.Fragments))
		}
		if w.Status == StatusClosed && !now.Before(w.NextAttemptAt) {
			due = append(due, *w)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Start.Before(due[j].Start) })
	return due
}

// Claim moves a window CLOSED → PROCESSING. Only one caller wins for a
// given window; the loser gets false.
func (m *Manager) Claim(id ID) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok || w.Status != StatusClosed {
		return Window{}, false
	}
	w.Status = StatusProcessing
	return *w, true
}

// Complete moves a window PROCESSING → DONE and evicts it
func (m *Manager) Complete(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.processing(id); err != nil {
		return err
	}
	delete(m.windows, id)
	return nil
}

// Release returns a window to CLOSED after a transient failure, counting the
// attempt and holding it back until retryAt.
func (m *Manager) Release(id ID, cause error, retryAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.processing(id)
	if err != nil {
		return 0, err
	}
	w.Status = StatusClosed
	w.Attempts++
	w.NextAttemptAt = retryAt
	if cause != nil {
		w.LastError = cause.Error()
	}
	return w.Attempts, nil
}

// Fail moves a window PROCESSING → FAILED and evicts it. The returned
// snapshot still carries its fragments for the operator.
func (m *Manager) Fail(id ID, cause error) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.processing(id)
	if err != nil {
		return Window{}, err
	}
	w.Status = StatusFailed
	w.Attempts++
	if cause != nil {
		w.LastError = cause.Error()
	}
	delete(m.windows, id)
	m.buffer.Seal(id)
	return *w, nil
}

// Reset returns a PROCESSING window to CLOSED without counting an attempt.
// Used when shutdown abandons in-flight work.
func (m *Manager) Reset(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.processing(id)
	if err != nil {
		return err
	}
	w.Status = StatusClosed
	return nil
}

func (m *Manager) processing(id ID) (*Window, error) {
	w, ok := m.windows[id]
	if !ok {
		return nil, errors.NewNotFoundError("window %s", id)
	}
	if w.Status != StatusProcessing {
		return nil, errors.Newf("window %s is %s, not processing", id, w.Status)
	}
	return w, nil
}

// Get returns a snapshot of a window still held in memory
func (m *Manager) Get(id ID) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		return Window{}, false
	}
	snapshot := *w
	if snapshot.Status == StatusOpen {
		snapshot.Fragments = nil
	}
	return snapshot, true
}

// Stats counts in-memory windows by status plus late-fragment counters
type Stats struct {
	ByStatus  map[Status]int
	Discarded int
	Rerouted  int
}

// Stats returns current counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ByStatus:  make(map[Status]int),
		Discarded: m.buffer.Discarded(),
		Rerouted:  m.buffer.Rerouted(),
	}
	for _, w := range m.windows {
		s.ByStatus[w.Status]++
	}
	return s
}

// PendingWindow is an unfinished window read back from durable storage
type PendingWindow struct {
	ID        ID
	Fragments []Fragment
	Attempts  int
	LastError string
}

// RecoverySource is the durable state consulted at startup
type RecoverySource interface {
	// PendingWindows returns journaled windows that are neither DONE nor FAILED
	PendingWindows(ctx context.Context) ([]PendingWindow, error)
	// HasResult reports whether a window has its completion marker
	HasResult(ctx context.Context, id ID) (bool, error)
	// SettledSince returns DONE and FAILED window ids starting at or after since
	SettledSince(ctx context.Context, since time.Time) ([]ID, error)
	// MaxSequence returns the highest journaled fragment sequence
	MaxSequence(ctx context.Context) (uint64, error)
}

// RecoveryReport summarizes what Recover rebuilt
type RecoveryReport struct {
	Restored    []ID // unfinished windows put back in memory
	AlreadyDone []ID // journaled windows that already had a result
	Settled     int  // recent DONE/FAILED windows sealed against new fragments
}

// Recover rebuilds window state from durable storage. Windows with a result
// are marked done without reprocessing; unfinished ones come back with their
// fragments and attempt count and close on the next tick if elapsed.
func (m *Manager) Recover(ctx context.Context, src RecoverySource, now time.Time) (RecoveryReport, error) {
	var report RecoveryReport

	maxSeq, err := src.MaxSequence(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to read fragment sequence")
	}

	pending, err := src.PendingWindows(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to read pending windows")
	}

	settled, err := src.SettledSince(ctx, m.horizon(now).Add(-m.cfg.Duration))
	if err != nil {
		return report, errors.Wrap(err, "failed to read settled windows")
	}

	type restore struct {
		pw    PendingWindow
		start time.Time
	}
	var restores []restore
	for _, pw := range pending {
		start, err := ParseID(pw.ID)
		if err != nil {
			return report, errors.Wrap(errors.ErrInvariantViolation, err.Error())
		}
		if !Aligned(start, m.cfg.Duration) {
			return report, errors.WithHint(
				errors.NewInvariantViolation("journaled window %s is not aligned to %s", pw.ID, m.cfg.Duration),
				"pulse.window_duration differs from the one the journal was written with")
		}
		done, err := src.HasResult(ctx, pw.ID)
		if err != nil {
			return report, errors.Wrapf(err, "failed to check result for %s", pw.ID)
		}
		if done {
			report.AlreadyDone = append(report.AlreadyDone, pw.ID)
			continue
		}
		restores = append(restores, restore{pw: pw, start: start})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer.ResumeSequence(maxSeq + 1)
	for _, id := range settled {
		m.buffer.Seal(id)
	}
	for _, id := range report.AlreadyDone {
		m.buffer.Seal(id)
	}
	report.Settled = len(settled)

	for _, r := range restores {
		w, ok := m.windows[r.pw.ID]
		if !ok {
			w = newWindow(r.start, m.cfg.Duration)
			m.windows[r.pw.ID] = w
		}
		w.Attempts = r.pw.Attempts
		w.LastError = r.pw.LastError
		for _, f := range r.pw.Fragments {
			m.buffer.Restore(r.pw.ID, r.start, f)
		}
		report.Restored = append(report.Restored, r.pw.ID)
	}

	return report, nil
}
