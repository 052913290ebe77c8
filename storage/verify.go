package storage

import (
	"context"
	"time"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/window"
)

// VerifyResults checks persisted results against window duration d.
// Any misaligned, mis-sized, mislabeled, overlapping or tampered result
// is an invariant violation; the first one found is returned.
func (s *ResultStore) VerifyResults(ctx context.Context, d time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`, content_hash
		FROM window_results
		ORDER BY start_at`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan results for verification")
	}
	defer rows.Close()

	hint := func(err error) error {
		return errors.WithHint(err, "the result store is inconsistent with pulse.window_duration; inspect window_results before restarting")
	}

	var (
		checked int
		prevEnd time.Time
		prevID  window.ID
	)
	for rows.Next() {
		var (
			r    window.Result
			raw  rawResult
			hash string
		)
		if err := rows.Scan(raw.targets(&r, &hash)...); err != nil {
			return checked, errors.Wrapf(err, "failed to scan result at row %d", checked+1)
		}
		if err := raw.apply(&r); err != nil {
			return checked, hint(errors.Wrap(errors.ErrInvariantViolation, err.Error()))
		}

		switch {
		case !window.Aligned(r.Start, d):
			return checked, hint(errors.NewInvariantViolation("result %s starts at %s, not a %s boundary", r.WindowID, r.Start, d))
		case window.IDFor(r.Start) != r.WindowID:
			return checked, hint(errors.NewInvariantViolation("result %s is stored with start %s", r.WindowID, r.Start))
		case r.End.Sub(r.Start) != d:
			return checked, hint(errors.NewInvariantViolation("result %s spans %s, want %s", r.WindowID, r.End.Sub(r.Start), d))
		case checked > 0 && r.Start.Before(prevEnd):
			return checked, hint(errors.NewInvariantViolation("result %s overlaps %s", r.WindowID, prevID))
		case r.ContentHash() != hash:
			return checked, hint(errors.NewInvariantViolation("result %s content does not match its hash", r.WindowID))
		}

		prevEnd, prevID = r.End, r.WindowID
		checked++
	}
	return checked, errors.Wrap(rows.Err(), "verification rows")
}
