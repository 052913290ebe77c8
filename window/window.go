// Package window partitions transcript fragments into fixed-duration,
// contiguous, non-overlapping time windows and tracks each window through
// its lifecycle:
//
//	OPEN → CLOSED → PROCESSING → DONE
//	                    ↓   ↑
//	                 (retry) → FAILED
//
// Window identity is a pure function of the window's start boundary, so a
// restarted process can recompute which windows exist from timestamps alone.
package window

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/AITrekker/Jarvis/errors"
)

// Status is a window's lifecycle state
type Status int

const (
	StatusOpen Status = iota
	StatusClosed
	StatusProcessing
	StatusDone
	StatusFailed
)

var statusNames = [...]string{"open", "closed", "processing", "done", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, errors.Newf("unknown window status %q", s)
}

// Terminal reports whether no further transitions happen automatically
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ID identifies a window. It is the UTC start boundary formatted with IDLayout.
type ID string

// IDLayout formats window start boundaries into IDs
const IDLayout = "20060102T150405Z"

// IDFor returns the ID of the window starting at start
func IDFor(start time.Time) ID {
	return ID(start.UTC().Format(IDLayout))
}

// ParseID recovers the start boundary from an ID
func ParseID(id ID) (time.Time, error) {
	start, err := time.Parse(IDLayout, string(id))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid window id %q", id)
	}
	return start, nil
}

// Start returns the start boundary of the window containing ts:
// floor(ts / d) * d measured from the unix epoch.
func Start(ts time.Time, d time.Duration) time.Time {
	n, dn := ts.UnixNano(), int64(d)
	idx := n / dn
	if n%dn != 0 && n < 0 {
		idx--
	}
	return time.Unix(0, idx*dn).UTC()
}

// Aligned reports whether start is a window boundary for duration d
func Aligned(start time.Time, d time.Duration) bool {
	return Start(start, d).Equal(start)
}

// Fragment is one timestamped piece of transcribed text.
// Immutable once created.
type Fragment struct {
	Text     string
	Start    time.Time
	End      time.Time
	Sequence uint64
}

// Window is a fixed-duration bucket of fragments
type Window struct {
	ID        ID
	Start     time.Time
	End       time.Time
	Status    Status
	Fragments []Fragment

	// Retry bookkeeping, owned by the scheduler's retry policy
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

func newWindow(start time.Time, d time.Duration) *Window {
	return &Window{
		ID:     IDFor(start),
		Start:  start,
		End:    start.Add(d),
		Status: StatusOpen,
	}
}

// Result is the durable output for one window
type Result struct {
	WindowID   ID
	Start      time.Time
	End        time.Time
	Transcript string
	Summary    string
	Embedding  []float32
	ProducedAt time.Time
}

// Empty reports whether the window produced no transcript
func (r *Result) Empty() bool {
	return r.Transcript == ""
}

// ContentHash fingerprints everything except ProducedAt, so two runs over
// the same fragments with the same backend output hash identically.
func (r *Result) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(r.WindowID))
	h.Write([]byte{0})
	h.Write([]byte(r.Transcript))
	h.Write([]byte{0})
	h.Write([]byte(r.Summary))
	h.Write([]byte{0})
	var buf [4]byte
	for _, v := range r.Embedding {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
