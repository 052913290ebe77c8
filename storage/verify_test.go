package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AITrekker/Jarvis/errors"
	jarvistest "github.com/AITrekker/Jarvis/internal/testing"
)

func TestVerifyResults(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent store passes", func(t *testing.T) {
		db := jarvistest.CreateTestDB(t)
		store := NewResultStore(db, true, nopLogger())
		require.NoError(t, store.UpsertResult(ctx, makeResult(0, "a", "b", []float32{1, 2})))
		require.NoError(t, store.UpsertResult(ctx, makeResult(2, "", "", nil)))

		n, err := store.VerifyResults(ctx, duration)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("different window duration", func(t *testing.T) {
		db := jarvistest.CreateTestDB(t)
		store := NewResultStore(db, true, nopLogger())
		require.NoError(t, store.UpsertResult(ctx, makeResult(1, "a", "b", nil)))

		_, err := store.VerifyResults(ctx, time.Hour)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvariantViolation))
		assert.NotEmpty(t, errors.GetAllHints(err))
	})

	t.Run("stretched span", func(t *testing.T) {
		db := jarvistest.CreateTestDB(t)
		store := NewResultStore(db, true, nopLogger())
		require.NoError(t, store.UpsertResult(ctx, makeResult(0, "a", "b", nil)))
		require.NoError(t, store.UpsertResult(ctx, makeResult(1, "c", "d", nil)))
		_, err := db.Exec(`UPDATE window_results SET end_at = ? WHERE window_id = ?`,
			base.Add(duration+duration/2).UnixNano(), string(makeResult(0, "", "", nil).WindowID))
		require.NoError(t, err)

		_, err = store.VerifyResults(ctx, duration)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvariantViolation))
	})

	t.Run("tampered content", func(t *testing.T) {
		db := jarvistest.CreateTestDB(t)
		store := NewResultStore(db, true, nopLogger())
		r := makeResult(0, "original words", "b", nil)
		require.NoError(t, store.UpsertResult(ctx, r))
		_, err := db.Exec(`UPDATE window_results SET transcript = 'edited' WHERE window_id = ?`, string(r.WindowID))
		require.NoError(t, err)

		_, err = store.VerifyResults(ctx, duration)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match its hash")
	})
}
