// Package ixgest feeds transcribed fragments into the pulse daemon.
//
// The capture side (microphone, transcriber) is an external process; it
// writes one JSON object per line:
//
//	{"text": "hello there", "start": "2026-10-19T14:01:02Z", "end": "2026-10-19T14:01:04Z"}
//
// end defaults to start, and start defaults to the time the line was read.
package ixgest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/pulse"
	"github.com/AITrekker/Jarvis/window"
)

const (
	// ProgressInterval defines how often to report progress, in lines
	ProgressInterval = 100

	// maxLineBytes bounds a single JSON line
	maxLineBytes = 1 << 20
)

// Record is one JSON line from the capture process
type Record struct {
	Text  string     `json:"text"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Appender accepts fragments; the pulse daemon implements it
type Appender interface {
	Append(text string, start, end time.Time) (window.Fragment, error)
}

// Stats counts what an ingest run did with its input
type Stats struct {
	Lines    int `json:"lines"`
	Appended int `json:"appended"`
	Late     int `json:"late"`
	Invalid  int `json:"invalid"`
}

// JSONLReader reads fragments from a JSON-lines stream
type JSONLReader struct {
	sink     Appender
	progress pulse.ProgressEmitter
	clock    func() time.Time
	logger   *zap.SugaredLogger
}

// NewJSONLReader creates a reader feeding sink. progress may be nil.
func NewJSONLReader(sink Appender, progress pulse.ProgressEmitter, log *zap.SugaredLogger) *JSONLReader {
	if progress == nil {
		progress = pulse.NopEmitter{}
	}
	return &JSONLReader{
		sink:     sink,
		progress: progress,
		clock:    time.Now,
		logger:   logger.AddIXSymbol(log.Named("ixgest")),
	}
}

// SetClock replaces the clock used for fragments without a start (tests)
func (r *JSONLReader) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Ingest reads until EOF or ctx is cancelled. Malformed, oversized and late
// lines are counted and skipped; any other append error stops the run.
func (r *JSONLReader) Ingest(ctx context.Context, in io.Reader) (Stats, error) {
	var stats Stats
	br := bufio.NewReaderSize(in, 64*1024)

	r.progress.EmitStage("ingest", "Reading transcript fragments")

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		raw, tooLong, readErr := readLine(br, maxLineBytes)
		if readErr != nil && readErr != io.EOF {
			return stats, errors.Wrap(readErr, "failed to read fragment stream")
		}

		if tooLong {
			stats.Lines++
			stats.Invalid++
			err := errors.Wrapf(errors.ErrInvalidRequest, "line exceeds %d bytes", maxLineBytes)
			r.logger.Warnw("Skipping oversized fragment line", "line", stats.Lines, logger.FieldError, err)
			r.progress.EmitError("parse", err)
		} else if line := strings.TrimSpace(string(raw)); line != "" {
			if err := r.ingestLine(&stats, line); err != nil {
				return stats, err
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	r.progress.EmitComplete(map[string]interface{}{
		"lines":    stats.Lines,
		"appended": stats.Appended,
		"late":     stats.Late,
		"invalid":  stats.Invalid,
	})
	return stats, nil
}

func (r *JSONLReader) ingestLine(stats *Stats, line string) error {
	stats.Lines++

	text, start, end, err := r.parse(line)
	if err != nil {
		stats.Invalid++
		r.logger.Warnw("Skipping malformed fragment line", "line", stats.Lines, logger.FieldError, err)
		r.progress.EmitError("parse", err)
		return nil
	}

	if _, err := r.sink.Append(text, start, end); err != nil {
		if errors.Is(err, errors.ErrLateFragment) {
			stats.Late++
			return nil
		}
		return errors.Wrapf(err, "failed to append fragment from line %d", stats.Lines)
	}
	stats.Appended++

	if stats.Lines%ProgressInterval == 0 {
		r.progress.EmitProgress(stats.Appended, map[string]interface{}{"lines": stats.Lines, "late": stats.Late})
	}
	return nil
}

// readLine returns the next line without its newline. A line longer than
// limit is consumed up to its newline and reported as tooLong with no data.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return bytes.TrimSuffix(line, []byte{'\n'}), tooLong, err
	}
}

func (r *JSONLReader) parse(line string) (string, time.Time, time.Time, error) {
	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", time.Time{}, time.Time{}, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}

	start := r.clock()
	if rec.Start != nil {
		start = *rec.Start
	}
	end := start
	if rec.End != nil {
		end = *rec.End
	}
	if end.Before(start) {
		return "", time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidRequest,
			"fragment ends at %s before it starts at %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return rec.Text, start.UTC(), end.UTC(), nil
}
