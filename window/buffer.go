package window

import (
	"sort"
	"time"

	"github.com/AITrekker/Jarvis/errors"
)

// Placement says where an appended fragment went
type Placement struct {
	Window ID
	Start  time.Time
	// Rerouted is set when the fragment's own window had already closed and
	// it joined the oldest open window instead.
	Rerouted bool
}

// Buffer accumulates fragments per open window until the window is drained.
//
// Buffer is not safe for concurrent use; Manager guards it with its lock.
type Buffer struct {
	duration time.Duration
	pending  map[ID][]Fragment
	starts   map[ID]time.Time

	// Windows starting before sealedBefore have closed, as have those in sealed
	sealedBefore time.Time
	sealed       map[ID]struct{}

	nextSeq   uint64
	discarded int
	rerouted  int
}

// NewBuffer creates a buffer for windows of duration d
func NewBuffer(d time.Duration) *Buffer {
	return &Buffer{
		duration: d,
		pending:  make(map[ID][]Fragment),
		starts:   make(map[ID]time.Time),
		sealed:   make(map[ID]struct{}),
		nextSeq:  1,
	}
}

// Append assigns the next sequence number and routes the fragment by its
// start time. A fragment whose window has already closed joins the oldest
// open window; with no open window it is discarded and ErrLateFragment is
// returned alongside the fragment so the caller can log it.
func (b *Buffer) Append(text string, start, end time.Time) (Fragment, Placement, error) {
	f := Fragment{Text: text, Start: start, End: end, Sequence: b.nextSeq}
	b.nextSeq++

	home := Start(start, b.duration)
	homeID := IDFor(home)
	if !b.closed(home, homeID) {
		b.add(homeID, home, f)
		return f, Placement{Window: homeID, Start: home}, nil
	}

	if id, s, ok := b.oldestOpen(); ok {
		b.add(id, s, f)
		b.rerouted++
		return f, Placement{Window: id, Start: s, Rerouted: true}, nil
	}

	b.discarded++
	return f, Placement{}, errors.Wrapf(errors.ErrLateFragment,
		"window %s already closed and no window is open", homeID)
}

// Restore re-inserts a journaled fragment into its window regardless of
// seals, keeping its sequence number.
func (b *Buffer) Restore(id ID, start time.Time, f Fragment) {
	b.add(id, start, f)
	if f.Sequence >= b.nextSeq {
		b.nextSeq = f.Sequence + 1
	}
}

// ResumeSequence makes the next assigned sequence at least seq
func (b *Buffer) ResumeSequence(seq uint64) {
	if seq > b.nextSeq {
		b.nextSeq = seq
	}
}

// Drain removes and returns a window's fragments in sequence order.
// A second drain of the same window returns nil.
func (b *Buffer) Drain(id ID) []Fragment {
	frags := b.pending[id]
	delete(b.pending, id)
	delete(b.starts, id)
	sort.Slice(frags, func(i, j int) bool { return frags[i].Sequence < frags[j].Sequence })
	return frags
}

// SealBefore closes every window starting before boundary to new fragments.
// Callers drain those windows themselves.
func (b *Buffer) SealBefore(boundary time.Time) {
	if !boundary.After(b.sealedBefore) {
		return
	}
	b.sealedBefore = boundary
	for id := range b.sealed {
		if s, err := ParseID(id); err == nil && s.Before(boundary) {
			delete(b.sealed, id)
		}
	}
}

// Seal closes a single window to new fragments
func (b *Buffer) Seal(id ID) {
	b.sealed[id] = struct{}{}
}

// Discarded returns how many fragments were dropped as late
func (b *Buffer) Discarded() int { return b.discarded }

// Rerouted returns how many late fragments joined the oldest open window
func (b *Buffer) Rerouted() int { return b.rerouted }

func (b *Buffer) closed(start time.Time, id ID) bool {
	if start.Before(b.sealedBefore) {
		return true
	}
	_, ok := b.sealed[id]
	return ok
}

func (b *Buffer) add(id ID, start time.Time, f Fragment) {
	b.pending[id] = append(b.pending[id], f)
	b.starts[id] = start
}

func (b *Buffer) oldestOpen() (ID, time.Time, bool) {
	var (
		oldestID ID
		oldest   time.Time
		found    bool
	)
	for id, s := range b.starts {
		if b.closed(s, id) {
			continue
		}
		if !found || s.Before(oldest) {
			oldestID, oldest, found = id, s, true
		}
	}
	return oldestID, oldest, found
}
