package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	jarvistest "github.com/AITrekker/Jarvis/internal/testing"
	"github.com/AITrekker/Jarvis/window"
)

func journalFragments(t *testing.T, j *Journal, id window.ID, start time.Time, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		j.Record(id, window.Fragment{Text: "frag", Start: start, End: start.Add(time.Second), Sequence: seq})
	}
}

func closedWindow(slot, attempts int, lastErr string) window.Window {
	start := base.Add(time.Duration(slot) * duration)
	return window.Window{
		ID:        window.IDFor(start),
		Start:     start,
		End:       start.Add(duration),
		Attempts:  attempts,
		LastError: lastErr,
	}
}

func TestWindowStore_ReleaseAndFail(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	store := NewWindowStore(db, nopLogger())
	ctx := context.Background()

	w := closedWindow(0, 1, "ollama 503")
	require.NoError(t, store.RecordRelease(ctx, w))

	rec, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, window.StatusClosed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "ollama 503", rec.LastError)

	w.Attempts, w.LastError = 3, "timeout"
	require.NoError(t, store.MarkFailed(ctx, w))
	require.NoError(t, store.MarkFailed(ctx, closedWindow(2, 3, "bad")))

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, w.ID, failed[0].ID, "oldest first")
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "timeout", failed[0].LastError)
	assert.True(t, failed[0].End.Sub(failed[0].Start) == duration)
}

func TestWindowStore_DoneKeepsAttempts(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	windows := NewWindowStore(db, nopLogger())
	results := NewResultStore(db, true, nopLogger())
	ctx := context.Background()

	w := closedWindow(0, 2, "timeout")
	require.NoError(t, windows.RecordRelease(ctx, w))
	require.NoError(t, results.UpsertResult(ctx, makeResult(0, "finally", "ok", nil)))

	rec, err := windows.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, window.StatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts, "attempt history survives completion")
}

func TestRecovery_PendingWindows(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	windows := NewWindowStore(db, nopLogger())
	results := NewResultStore(db, false, nopLogger())
	recovery := NewRecovery(results, windows)
	ctx := context.Background()

	w0, w1, w2, w3 := closedWindow(0, 0, ""), closedWindow(1, 1, "503"), closedWindow(2, 3, "gave up"), closedWindow(3, 2, "timeout")

	journal := NewJournal(db, 32, nopLogger())
	journalFragments(t, journal, w0.ID, w0.Start, 5, 2)
	journalFragments(t, journal, w1.ID, w1.Start, 7)
	journalFragments(t, journal, w2.ID, w2.Start, 9)
	journal.Close()

	require.NoError(t, results.UpsertResult(ctx, makeResult(0, "frag frag", "done", nil)))
	require.NoError(t, windows.RecordRelease(ctx, w1))
	require.NoError(t, windows.MarkFailed(ctx, w2))
	require.NoError(t, windows.RecordRelease(ctx, w3)) // empty window awaiting a persistence retry

	pending, err := recovery.PendingWindows(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, w1.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503", pending[0].LastError)
	require.Len(t, pending[0].Fragments, 1)
	assert.Equal(t, uint64(7), pending[0].Fragments[0].Sequence)

	assert.Equal(t, w3.ID, pending[1].ID)
	assert.Empty(t, pending[1].Fragments)

	maxSeq, err := recovery.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), maxSeq)

	settled, err := recovery.SettledSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []window.ID{w0.ID, w2.ID}, settled)

	done, err := recovery.HasResult(ctx, w0.ID)
	require.NoError(t, err)
	assert.True(t, done)

	pruned, err := windows.PruneSettled(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned, "done window's fragments only")

	frags, err := windows.FragmentsFor(ctx, w2.ID)
	require.NoError(t, err)
	assert.Len(t, frags, 1, "failed windows keep fragments for replay")
}

func TestRecovery_RebuildsManager(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	windows := NewWindowStore(db, nopLogger())
	results := NewResultStore(db, true, nopLogger())
	ctx := context.Background()

	w1 := closedWindow(1, 1, "503")
	journal := NewJournal(db, 32, nopLogger())
	journalFragments(t, journal, w1.ID, w1.Start, 4, 3)
	journal.Close()
	require.NoError(t, results.UpsertResult(ctx, makeResult(0, "", "", nil)))
	require.NoError(t, windows.RecordRelease(ctx, w1))

	restart := base.Add(2*duration + time.Minute)
	m := window.NewManager(window.Config{Duration: duration}, restart, nil, nopLogger())
	report, err := m.Recover(ctx, NewRecovery(results, windows), restart)
	require.NoError(t, err)
	assert.Equal(t, []window.ID{w1.ID}, report.Restored)
	assert.Empty(t, report.AlreadyDone)

	due := m.Closeable(restart)
	require.Len(t, due, 1)
	assert.Equal(t, w1.ID, due[0].ID)
	assert.Equal(t, 1, due[0].Attempts)
	require.Len(t, due[0].Fragments, 2)
	assert.Equal(t, uint64(3), due[0].Fragments[0].Sequence)
}

func TestJournal_SkipsAfterClose(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	journal := NewJournal(db, 4, nopLogger())
	journal.Close()
	journal.Close()

	journal.Record("20261019T140000Z", window.Fragment{Text: "late", Sequence: 1})
	assert.EqualValues(t, 1, journal.Skipped())
	assert.EqualValues(t, 0, journal.Written())
}

func TestJournal_DatabaseClosedCountsSkipped(t *testing.T) {
	db := jarvistest.CreateTestDB(t)
	core, logs := observer.New(zap.WarnLevel)
	journal := NewJournal(db, 8, zap.New(core).Sugar())

	require.NoError(t, db.Close())
	journalFragments(t, journal, window.IDFor(base), base, 1, 2)
	journal.Close()

	assert.Zero(t, journal.Written())
	assert.EqualValues(t, 2, journal.Skipped())
	assert.NotZero(t, logs.FilterMessage("Database closed, fragments not journaled").Len())
	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len(), "a closed database is not an error")
}
