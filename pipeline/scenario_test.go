package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AITrekker/Jarvis/errors"
	jarvistest "github.com/AITrekker/Jarvis/internal/testing"
	"github.com/AITrekker/Jarvis/pulse/async"
	"github.com/AITrekker/Jarvis/pulse/schedule"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/window"
)

// scenario wires the real manager, pool, ticker and sqlite stores around stub backends
type scenario struct {
	manager    *window.Manager
	pool       *async.WorkerPool
	ticker     *schedule.Ticker
	journal    *storage.Journal
	results    *storage.ResultStore
	windows    *storage.WindowStore
	summarizer *stubSummarizer
	embedder   *stubEmbedder
}

func newScenario(t *testing.T, summarize func(call int, text string) (string, error)) *scenario {
	t.Helper()
	db := jarvistest.CreateTestDB(t)
	log := nopLogger()

	s := &scenario{
		journal:    storage.NewJournal(db, 16, log),
		results:    storage.NewResultStore(db, true, log),
		windows:    storage.NewWindowStore(db, log),
		summarizer: &stubSummarizer{fn: summarize},
		embedder:   &stubEmbedder{},
	}
	s.manager = window.NewManager(window.Config{Duration: duration}, base, s.journal, log)

	runner := NewRunner(Config{}, s.summarizer, s.embedder, s.results, nil, nil, log)
	s.pool = async.NewWorkerPool(context.Background(), async.WorkerPoolConfig{
		MaxConcurrent: 1,
		Retry:         async.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
	}, s.manager, runner, s.windows, log)
	s.pool.SetClock(func() time.Time { return base.Add(duration) })
	s.ticker = schedule.NewTicker(s.manager, s.pool, schedule.DefaultTickerConfig(), log)

	t.Cleanup(func() {
		s.pool.Stop(time.Second)
		s.journal.Close()
	})
	return s
}

// releasedWith reports when window id is back in CLOSED with the given attempt count
func (s *scenario) releasedWith(id window.ID, attempts int) func() bool {
	return func() bool {
		w, ok := s.manager.Get(id)
		return ok && w.Status == window.StatusClosed && w.Attempts == attempts
	}
}

func (s *scenario) gone(id window.ID) func() bool {
	return func() bool {
		_, ok := s.manager.Get(id)
		return !ok
	}
}

func TestScenario_TransientFailuresThenSuccess(t *testing.T) {
	t.Log("꩜ Summarizer times out twice, then recovers")

	s := newScenario(t, func(call int, text string) (string, error) {
		if call <= 2 {
			return "", errors.MarkTransient(errors.Wrap(errors.ErrTimeout, "summarize"))
		}
		return "they talked", nil
	})
	ctx := context.Background()
	id := window.IDFor(base)

	_, err := s.manager.Append("hello there", base.Add(time.Minute), base.Add(time.Minute+5*time.Second))
	require.NoError(t, err)

	now := base.Add(duration + time.Minute)
	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.releasedWith(id, 1), time.Second, 5*time.Millisecond)
	t.Log("  attempt 1 failed, window back in CLOSED")

	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.releasedWith(id, 2), time.Second, 5*time.Millisecond)
	t.Log("  attempt 2 failed, window back in CLOSED")

	rec, err := s.windows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, window.StatusClosed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "timed out")

	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.gone(id), time.Second, 5*time.Millisecond)

	result, err := s.results.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Transcript)
	assert.Equal(t, "they talked", result.Summary)
	assert.Equal(t, 3, s.summarizer.count())
	assert.Equal(t, 1, s.embedder.count())

	rec, err = s.windows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, window.StatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts, "done keeps the failed attempt count")

	t.Log("✓ window DONE on the third attempt")
}

func TestScenario_RetryHonorsBackoff(t *testing.T) {
	s := newScenario(t, func(call int, text string) (string, error) {
		if call == 1 {
			return "", errors.MarkTransient(errors.New("status 503"))
		}
		return "ok", nil
	})
	id := window.IDFor(base)

	_, err := s.manager.Append("hello", base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)

	require.Equal(t, 1, s.ticker.Tick(base.Add(duration)))
	require.Eventually(t, s.releasedWith(id, 1), time.Second, 5*time.Millisecond)

	// Pool clock is end of window; first backoff is one second
	assert.Equal(t, 0, s.ticker.Tick(base.Add(duration+500*time.Millisecond)), "still backing off")
	assert.Equal(t, 1, s.ticker.Tick(base.Add(duration+time.Second)))
	require.Eventually(t, s.gone(id), time.Second, 5*time.Millisecond)
}

func TestScenario_FailsAfterMaxAttempts(t *testing.T) {
	t.Log("꩜ Summarizer is down for good")

	s := newScenario(t, func(call int, text string) (string, error) {
		return "", errors.MarkTransient(errors.Wrap(errors.ErrServiceUnavailable, "connection refused"))
	})
	ctx := context.Background()
	id := window.IDFor(base)
	failures := s.pool.Subscribe()

	for _, text := range []string{"keep", "these", "fragments"} {
		_, err := s.manager.Append(text, base.Add(time.Minute), base.Add(2*time.Minute))
		require.NoError(t, err)
	}

	now := base.Add(duration + time.Minute)
	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.releasedWith(id, 1), time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.releasedWith(id, 2), time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.ticker.Tick(now))
	require.Eventually(t, s.gone(id), time.Second, 5*time.Millisecond)

	select {
	case ev := <-failures:
		assert.Equal(t, id, ev.WindowID)
		assert.Equal(t, 3, ev.Attempts)
		assert.True(t, errors.Is(ev.Err, errors.ErrServiceUnavailable))
	case <-time.After(time.Second):
		t.Fatal("no failure event for the operator")
	}

	assert.Equal(t, 0, s.ticker.Tick(now), "FAILED windows are never redispatched")
	assert.Equal(t, 3, s.summarizer.count())

	rec, err := s.windows.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, window.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	failed, err := s.windows.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)

	s.journal.Close()
	frags, err := s.windows.FragmentsFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, frags, 3, "fragments stay available for replay")
	assert.Equal(t, "keep these fragments", Assemble(frags))

	has, err := s.results.HasResult(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	t.Log("✓ window FAILED after 3 attempts, fragments retained")
}
