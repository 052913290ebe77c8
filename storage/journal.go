package storage

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/db"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/window"
)

// journalBatch caps how many fragments one transaction writes
const journalBatch = 64

type journalEntry struct {
	id         window.ID
	fragment   window.Fragment
	receivedAt time.Time
}

// Journal appends accepted fragments to the fragments table in the
// background. Record never blocks ingestion: when the buffer is full the
// entry is skipped and counted.
type Journal struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	closed  bool
	entries chan journalEntry
	done    chan struct{}

	written atomic.Int64
	skipped atomic.Int64
}

// NewJournal creates a journal and starts its writer
func NewJournal(db *sql.DB, buffer int, log *zap.SugaredLogger) *Journal {
	if buffer < 1 {
		buffer = 1
	}
	j := &Journal{
		db:      db,
		logger:  logger.AddDBSymbol(log.Named("journal")),
		entries: make(chan journalEntry, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues a fragment for the journal
func (j *Journal) Record(id window.ID, f window.Fragment) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.skipped.Add(1)
		return
	}

	select {
	case j.entries <- journalEntry{id: id, fragment: f, receivedAt: time.Now()}:
	default:
		j.skipped.Add(1)
		j.logger.Warnw("Journal buffer full, fragment not journaled",
			logger.FieldWindowID, id,
			logger.FieldSequence, f.Sequence)
	}
}

// Close flushes queued fragments and stops the writer
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()
	<-j.done
}

// Written returns how many fragments reached the database
func (j *Journal) Written() int64 { return j.written.Load() }

// Skipped returns how many fragments were never journaled
func (j *Journal) Skipped() int64 { return j.skipped.Load() }

func (j *Journal) run() {
	defer close(j.done)

	batch := make([]journalEntry, 0, journalBatch)
	for first := range j.entries {
		batch = append(batch[:0], first)
	fill:
		for len(batch) < journalBatch {
			select {
			case e, ok := <-j.entries:
				if !ok {
					break fill
				}
				batch = append(batch, e)
			default:
				break fill
			}
		}

		if err := j.write(batch); err != nil {
			j.skipped.Add(int64(len(batch)))
			if db.IsDatabaseClosed(err) {
				j.logger.Warnw("Database closed, fragments not journaled", logger.FieldCount, len(batch))
				continue
			}
			j.logger.Errorw("Failed to journal fragments",
				logger.FieldCount, len(batch),
				logger.FieldError, err)
			continue
		}
		j.written.Add(int64(len(batch)))
	}
}

func (j *Journal) write(batch []journalEntry) (err error) {
	ctx := context.Background()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin journal transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO fragments (sequence, window_id, text, start_at, end_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare journal insert")
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err = stmt.ExecContext(ctx,
			int64(e.fragment.Sequence), string(e.id), e.fragment.Text,
			e.fragment.Start.UnixNano(), e.fragment.End.UnixNano(), e.receivedAt.UnixNano(),
		); err != nil {
			return errors.Wrapf(err, "failed to journal fragment %d", e.fragment.Sequence)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit journal batch")
}

var _ window.FragmentSink = (*Journal)(nil)
