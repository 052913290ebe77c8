package storage

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/window"
)

// WindowStore records window lifecycle rows and reads the fragment journal back
type WindowStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewWindowStore creates a window status store
func NewWindowStore(db *sql.DB, log *zap.SugaredLogger) *WindowStore {
	return &WindowStore{
		db:     db,
		logger: logger.AddDBSymbol(log.Named("storage")),
	}
}

// WindowRecord is one row of the windows table
type WindowRecord struct {
	ID        window.ID
	Start     time.Time
	End       time.Time
	Status    window.Status
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// markWindow upserts a windows row. attempts < 0 keeps the stored count.
func markWindow(ctx context.Context, ex execer, id window.ID, start, end time.Time, status window.Status, attempts int, lastErr string) error {
	keep := attempts < 0
	if keep {
		attempts = 0
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO windows (window_id, start_at, end_at, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_id) DO UPDATE SET
			status = excluded.status,
			attempts = CASE WHEN ? THEN windows.attempts ELSE excluded.attempts END,
			last_error = CASE WHEN ? THEN windows.last_error ELSE excluded.last_error END,
			updated_at = excluded.updated_at`,
		string(id), start.UnixNano(), end.UnixNano(), status.String(), attempts, lastErr, time.Now().UnixNano(),
		keep, keep)
	return err
}

// RecordRelease stores a retry: the window is CLOSED with its attempt count
func (s *WindowStore) RecordRelease(ctx context.Context, w window.Window) error {
	if err := markWindow(ctx, s.db, w.ID, w.Start, w.End, window.StatusClosed, w.Attempts, w.LastError); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to record retry"), "Window: "+string(w.ID))
	}
	return nil
}

// MarkFailed stores a terminal failure. The window's journaled fragments stay
// for replay.
func (s *WindowStore) MarkFailed(ctx context.Context, w window.Window) error {
	if err := markWindow(ctx, s.db, w.ID, w.Start, w.End, window.StatusFailed, w.Attempts, w.LastError); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to mark window failed"), "Window: "+string(w.ID))
	}
	s.logger.Infow("Window marked failed",
		logger.FieldWindowID, w.ID,
		logger.FieldAttempt, w.Attempts)
	return nil
}

// Get returns one windows row
func (s *WindowStore) Get(ctx context.Context, id window.ID) (*WindowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, start_at, end_at, status, attempts, last_error, updated_at
		FROM windows WHERE window_id = ?`, string(id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read window %s", id)
	}
	defer rows.Close()

	records, err := scanWindowRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NewNotFoundError("window %s", id)
	}
	return &records[0], nil
}

// ListFailed returns FAILED windows, oldest first
func (s *WindowStore) ListFailed(ctx context.Context) ([]WindowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, start_at, end_at, status, attempts, last_error, updated_at
		FROM windows WHERE status = ?
		ORDER BY start_at`, window.StatusFailed.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed windows")
	}
	defer rows.Close()
	return scanWindowRecords(rows)
}

func scanWindowRecords(rows *sql.Rows) ([]WindowRecord, error) {
	var records []WindowRecord
	for rows.Next() {
		var (
			rec                       WindowRecord
			id, status                string
			startNS, endNS, updatedNS int64
		)
		if err := rows.Scan(&id, &startNS, &endNS, &status, &rec.Attempts, &rec.LastError, &updatedNS); err != nil {
			return nil, errors.Wrapf(err, "failed to scan window at row %d", len(records)+1)
		}
		st, err := window.ParseStatus(status)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvariantViolation, err.Error())
		}
		rec.ID = window.ID(id)
		rec.Status = st
		rec.Start = time.Unix(0, startNS).UTC()
		rec.End = time.Unix(0, endNS).UTC()
		rec.UpdatedAt = time.Unix(0, updatedNS).UTC()
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "window rows")
}

// FragmentsFor returns a window's journaled fragments in sequence order
func (s *WindowStore) FragmentsFor(ctx context.Context, id window.ID) ([]window.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, text, start_at, end_at
		FROM fragments WHERE window_id = ?
		ORDER BY sequence`, string(id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read fragments for %s", id)
	}
	defer rows.Close()

	var frags []window.Fragment
	for rows.Next() {
		var (
			f              window.Fragment
			seq            int64
			startNS, endNS int64
		)
		if err := rows.Scan(&seq, &f.Text, &startNS, &endNS); err != nil {
			return nil, errors.Wrapf(err, "failed to scan fragment for %s", id)
		}
		f.Sequence = uint64(seq)
		f.Start = time.Unix(0, startNS).UTC()
		f.End = time.Unix(0, endNS).UTC()
		frags = append(frags, f)
	}
	return frags, errors.Wrap(rows.Err(), "fragment rows")
}

// PendingWindows returns journaled or retrying windows that are neither DONE
// nor FAILED, with their fragments and persisted attempt count.
func (s *WindowStore) PendingWindows(ctx context.Context) ([]window.PendingWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ids.window_id, COALESCE(w.attempts, 0), COALESCE(w.last_error, '')
		FROM (
			SELECT DISTINCT window_id FROM fragments
			UNION
			SELECT window_id FROM windows WHERE status IN ('open', 'closed', 'processing')
		) ids
		LEFT JOIN windows w ON w.window_id = ids.window_id
		WHERE COALESCE(w.status, 'open') NOT IN ('done', 'failed')
		ORDER BY ids.window_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending windows")
	}

	var pending []window.PendingWindow
	for rows.Next() {
		var (
			pw window.PendingWindow
			id string
		)
		if err := rows.Scan(&id, &pw.Attempts, &pw.LastError); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan pending window")
		}
		pw.ID = window.ID(id)
		pending = append(pending, pw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "pending window rows")
	}
	rows.Close()

	// Fragments are read after the id cursor is closed: an in-memory database
	// has a single connection.
	for i := range pending {
		frags, err := s.FragmentsFor(ctx, pending[i].ID)
		if err != nil {
			return nil, err
		}
		pending[i].Fragments = frags
	}
	return pending, nil
}

// SettledSince returns DONE and FAILED windows starting at or after since
func (s *WindowStore) SettledSince(ctx context.Context, since time.Time) ([]window.ID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id FROM windows
		WHERE status IN ('done', 'failed') AND start_at >= ?
		ORDER BY start_at`, since.UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list settled windows")
	}
	defer rows.Close()

	var ids []window.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan settled window")
		}
		ids = append(ids, window.ID(id))
	}
	return ids, errors.Wrap(rows.Err(), "settled window rows")
}

// MaxSequence returns the highest journaled fragment sequence, 0 when empty
func (s *WindowStore) MaxSequence(ctx context.Context) (uint64, error) {
	var max int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM fragments`).Scan(&max); err != nil {
		return 0, errors.Wrap(err, "failed to read max fragment sequence")
	}
	return uint64(max), nil
}

// PruneSettled deletes journaled fragments of DONE windows. Returns rows removed.
func (s *WindowStore) PruneSettled(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fragments
		WHERE window_id IN (SELECT window_id FROM windows WHERE status = 'done')`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune fragment journal")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Pruned journaled fragments of done windows", logger.FieldCount, n)
	}
	return n, nil
}

// Recovery joins the result and window stores into the startup recovery source
type Recovery struct {
	*WindowStore
	Results *ResultStore
}

// NewRecovery creates a recovery source
func NewRecovery(results *ResultStore, windows *WindowStore) *Recovery {
	return &Recovery{WindowStore: windows, Results: results}
}

// HasResult reports whether a window has its completion marker
func (r *Recovery) HasResult(ctx context.Context, id window.ID) (bool, error) {
	return r.Results.HasResult(ctx, id)
}

var _ window.RecoverySource = (*Recovery)(nil)
