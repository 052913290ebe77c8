// Package storage is the durable side of the pipeline: results keyed by
// window id, the fragment journal and window status rows, all in one sqlite
// database.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/window"
)

// ResultStore persists window results. Presence of a window_results row is
// the single completion marker for a window.
type ResultStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	// Delete a window's journaled fragments in the result transaction
	pruneFragments bool
}

// NewResultStore creates a result store
func NewResultStore(db *sql.DB, pruneFragments bool, log *zap.SugaredLogger) *ResultStore {
	return &ResultStore{
		db:             db,
		logger:         logger.AddDBSymbol(log.Named("storage")),
		pruneFragments: pruneFragments,
	}
}

// ScoredResult is a similarity hit
type ScoredResult struct {
	Result window.Result
	Score  float64 // cosine similarity, 1 is identical
}

const resultColumns = `window_id, start_at, end_at, transcript, summary, embedding, produced_at`

// UpsertResult stores r and marks its window DONE in one transaction.
// Storing identical content twice is a no-op; different content for an
// existing window is an invariant violation.
func (s *ResultStore) UpsertResult(ctx context.Context, r window.Result) (err error) {
	hash := r.ContentHash()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to begin result transaction"))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing string
	switch scanErr := tx.QueryRowContext(ctx,
		`SELECT content_hash FROM window_results WHERE window_id = ?`, string(r.WindowID),
	).Scan(&existing); {
	case scanErr == nil:
		if existing == hash {
			s.logger.Debugw("Result already stored", logger.FieldWindowID, r.WindowID)
			return tx.Rollback()
		}
		err = errors.WithDetail(
			errors.NewInvariantViolation("window %s already has a result with different content", r.WindowID),
			fmt.Sprintf("Stored hash: %s, new hash: %s", existing, hash))
		return err
	case scanErr != sql.ErrNoRows:
		err = s.wrapWrite(scanErr, r.WindowID, "failed to check existing result")
		return err
	}

	var embedding any
	if len(r.Embedding) > 0 {
		blob, serErr := sqlite_vec.SerializeFloat32(r.Embedding)
		if serErr != nil {
			err = errors.MarkPermanent(errors.Wrapf(serErr, "failed to serialize embedding for %s", r.WindowID))
			return err
		}
		embedding = blob
	}

	if _, execErr := tx.ExecContext(ctx, `
		INSERT INTO window_results (`+resultColumns+`, dimensions, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.WindowID), r.Start.UnixNano(), r.End.UnixNano(),
		r.Transcript, r.Summary, embedding, r.ProducedAt.UnixNano(),
		len(r.Embedding), hash,
	); execErr != nil {
		err = s.wrapWrite(execErr, r.WindowID, "failed to insert result")
		return err
	}

	if execErr := markWindow(ctx, tx, r.WindowID, r.Start, r.End, window.StatusDone, -1, ""); execErr != nil {
		err = s.wrapWrite(execErr, r.WindowID, "failed to mark window done")
		return err
	}

	if s.pruneFragments {
		if _, execErr := tx.ExecContext(ctx, `DELETE FROM fragments WHERE window_id = ?`, string(r.WindowID)); execErr != nil {
			err = s.wrapWrite(execErr, r.WindowID, "failed to prune fragment journal")
			return err
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = s.wrapWrite(commitErr, r.WindowID, "failed to commit result")
		return err
	}

	s.logger.Debugw("Result stored",
		logger.FieldWindowID, r.WindowID,
		"dimensions", len(r.Embedding),
		"empty", r.Empty())
	return nil
}

func (s *ResultStore) wrapWrite(err error, id window.ID, msg string) error {
	return errors.MarkTransient(errors.WithDetail(errors.Wrap(err, msg), "Window: "+string(id)))
}

// HasResult reports whether a window has its completion marker
func (s *ResultStore) HasResult(ctx context.Context, id window.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM window_results WHERE window_id = ?`, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to check result"), "Window: "+string(id))
	}
	return true, nil
}

// GetResult returns a stored result or a not-found error
func (s *ResultStore) GetResult(ctx context.Context, id window.ID) (*window.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM window_results WHERE window_id = ?`, string(id))
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("result for window %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read result for %s", id)
	}
	return r, nil
}

// QueryByTimeRange returns results whose window starts in [start, end), oldest first
func (s *ResultStore) QueryByTimeRange(ctx context.Context, start, end time.Time) ([]window.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM window_results
		WHERE start_at >= ? AND start_at < ?
		ORDER BY start_at`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query results between %s and %s", start, end)
	}
	defer rows.Close()
	return collectResults(rows)
}

// QueryBySimilarity ranks results by cosine similarity to vec, best first.
// Only results whose embedding has the same dimension are compared.
func (s *ResultStore) QueryBySimilarity(ctx context.Context, vec []float32, topK int) ([]ScoredResult, error) {
	if len(vec) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "query vector is empty")
	}
	if topK <= 0 {
		topK = 5
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize query vector")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`, 1 - vec_distance_cosine(embedding, ?) AS score
		FROM window_results
		WHERE embedding IS NOT NULL AND dimensions = ?
		ORDER BY score DESC, start_at
		LIMIT ?`,
		blob, len(vec), topK)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to perform similarity search (top_k=%d)", topK)
	}
	defer rows.Close()

	var hits []ScoredResult
	for rows.Next() {
		var (
			r     window.Result
			raw   rawResult
			score float64
		)
		if err := rows.Scan(raw.targets(&r, &score)...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan similarity hit at row %d", len(hits)+1)
		}
		if err := raw.apply(&r); err != nil {
			return nil, err
		}
		hits = append(hits, ScoredResult{Result: r, Score: score})
	}
	return hits, errors.Wrap(rows.Err(), "similarity search rows")
}

// SearchText is the keyword fallback: every word must appear in the summary
// or transcript, case-insensitively. Newest first.
func (s *ResultStore) SearchText(ctx context.Context, query string, limit int) ([]window.Result, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "search query is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	var (
		clauses []string
		args    []any
	)
	for _, w := range words {
		clauses = append(clauses, `(instr(lower(summary), ?) > 0 OR instr(lower(transcript), ?) > 0)`)
		args = append(args, w, w)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM window_results
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY start_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search results for %q", query)
	}
	defer rows.Close()
	return collectResults(rows)
}

// CountResults returns how many windows have a stored result
func (s *ResultStore) CountResults(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM window_results`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count results")
	}
	return n, nil
}

// rawResult holds the column values that need decoding
type rawResult struct {
	id                        string
	startNS, endNS, producedN int64
	embedding                 []byte
}

func (raw *rawResult) targets(r *window.Result, extra ...any) []any {
	return append([]any{&raw.id, &raw.startNS, &raw.endNS, &r.Transcript, &r.Summary, &raw.embedding, &raw.producedN}, extra...)
}

func (raw *rawResult) apply(r *window.Result) error {
	r.WindowID = window.ID(raw.id)
	r.Start = time.Unix(0, raw.startNS).UTC()
	r.End = time.Unix(0, raw.endNS).UTC()
	r.ProducedAt = time.Unix(0, raw.producedN).UTC()
	vec, err := deserializeFloat32(raw.embedding)
	if err != nil {
		return errors.Wrapf(err, "corrupt embedding for %s", raw.id)
	}
	r.Embedding = vec
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*window.Result, error) {
	var (
		r   window.Result
		raw rawResult
	)
	if err := row.Scan(raw.targets(&r)...); err != nil {
		return nil, err
	}
	if err := raw.apply(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectResults(rows *sql.Rows) ([]window.Result, error) {
	var results []window.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan result at row %d", len(results)+1)
		}
		results = append(results, *r)
	}
	return results, errors.Wrap(rows.Err(), "result rows")
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32
func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, errors.Newf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
