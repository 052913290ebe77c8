package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/AITrekker/Jarvis/errors"
)

// Backend operations recorded in backend_calls
const (
	OperationSummarize = "summarize"
	OperationEmbed     = "embed"
)

// Call is one summarization or embedding request made for a window
//
// Testing: sqlmock covers the SQL shape; the sqlite tests cover aggregation.
type Call struct {
	ExecutionID string        `json:"execution_id"`
	WindowID    string        `json:"window_id"`
	Operation   string        `json:"operation"`
	Model       string        `json:"model"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Err         string        `json:"error,omitempty"`
}

// UsageTracker records backend calls so operators can see latency and failures
type UsageTracker struct {
	db *sql.DB
}

// NewUsageTracker creates a new backend usage tracker
func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{db: db}
}

// Track records a backend call
func (t *UsageTracker) Track(ctx context.Context, call Call) error {
	query := `
		INSERT INTO backend_calls (
			execution_id, window_id, operation, model,
			started_at, duration_ms, success, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.db.ExecContext(ctx, query,
		call.ExecutionID, call.WindowID, call.Operation, call.Model,
		call.StartedAt.UnixNano(), call.Duration.Milliseconds(), call.Success, call.Err,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to track %s call for window %s", call.Operation, call.WindowID)
	}
	return nil
}

// UsageStats represents aggregated backend statistics
type UsageStats struct {
	TotalCalls      int     `json:"total_calls"`
	SuccessfulCalls int     `json:"successful_calls"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	Windows         int     `json:"windows"`
}

// GetUsageStats returns call statistics since a point in time
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as total_calls,
			COUNT(CASE WHEN success = 1 THEN 1 END) as successful_calls,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COUNT(DISTINCT window_id) as windows
		FROM backend_calls
		WHERE started_at >= ?`

	var stats UsageStats
	err := t.db.QueryRowContext(ctx, query, since.UnixNano()).Scan(
		&stats.TotalCalls, &stats.SuccessfulCalls, &stats.AvgDurationMs, &stats.Windows,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query backend usage")
	}

	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(stats.SuccessfulCalls) / float64(stats.TotalCalls)
	}
	return &stats, nil
}

// OperationBreakdown is per-operation, per-model call statistics
type OperationBreakdown struct {
	Operation     string  `json:"operation"`
	Model         string  `json:"model"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// GetOperationBreakdown groups calls since a point in time by operation and model
func (t *UsageTracker) GetOperationBreakdown(ctx context.Context, since time.Time) ([]OperationBreakdown, error) {
	query := `
		SELECT
			operation,
			model,
			COUNT(*) as calls,
			COUNT(CASE WHEN success = 0 THEN 1 END) as failures,
			AVG(duration_ms) as avg_duration_ms
		FROM backend_calls
		WHERE started_at >= ?
		GROUP BY operation, model
		ORDER BY operation, model`

	rows, err := t.db.QueryContext(ctx, query, since.UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query backend breakdown")
	}
	defer rows.Close()

	var breakdown []OperationBreakdown
	for rows.Next() {
		var ob OperationBreakdown
		if err := rows.Scan(&ob.Operation, &ob.Model, &ob.Calls, &ob.Failures, &ob.AvgDurationMs); err != nil {
			return nil, errors.Wrap(err, "failed to scan backend breakdown")
		}
		breakdown = append(breakdown, ob)
	}
	return breakdown, rows.Err()
}

// CallsForWindow returns every recorded call for a window, oldest first
func (t *UsageTracker) CallsForWindow(ctx context.Context, windowID string) ([]Call, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT execution_id, window_id, operation, model, started_at, duration_ms, success, error
		FROM backend_calls
		WHERE window_id = ?
		ORDER BY started_at, id`, windowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query calls for window %s", windowID)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var (
			c          Call
			startedAt  int64
			durationMs int64
		)
		if err := rows.Scan(&c.ExecutionID, &c.WindowID, &c.Operation, &c.Model,
			&startedAt, &durationMs, &c.Success, &c.Err); err != nil {
			return nil, errors.Wrap(err, "failed to scan backend call")
		}
		c.StartedAt = time.Unix(0, startedAt).UTC()
		c.Duration = time.Duration(durationMs) * time.Millisecond
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
