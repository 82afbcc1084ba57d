// Package timeline keeps a bounded, cursor-addressed history of snapshots for
// undo and redo.
package timeline

import (
	"errors"
	"fmt"
)

var (
	// ErrBounds is the parent of every refused undo or redo. The timeline is
	// unchanged when it is returned.
	ErrBounds    = errors.New("timeline: out of bounds")
	ErrNoUndo    = fmt.Errorf("%w: nothing to undo", ErrBounds)
	ErrNoRedo    = fmt.Errorf("%w: nothing to redo", ErrBounds)
	ErrWatermark = fmt.Errorf("%w: destination is behind the sync watermark", ErrBounds)
)

// Ticked is anything stamped with a simulation tick.
type Ticked interface {
	Tick() uint64
}

// Policy decides whether a destination tick equal to the watermark may be
// rewound to.
type Policy int

const (
	// Inclusive allows destinations with tick >= watermark.
	Inclusive Policy = iota
	// Exclusive allows destinations with tick > watermark.
	Exclusive
)

func (p Policy) String() string {
	switch p {
	case Inclusive:
		return "inclusive"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "inclusive":
		return Inclusive, nil
	case "exclusive":
		return Exclusive, nil
	}
	return 0, fmt.Errorf("timeline: unknown watermark policy %q", s)
}

func (p Policy) allows(tick, watermark uint64) bool {
	if p == Exclusive {
		return tick > watermark
	}
	return tick >= watermark
}

// Timeline is a bounded sequence of snapshots with a cursor in [0, Len].
// It is owned by one goroutine.
type Timeline[S Ticked] struct {
	entries   []S
	cursor    int
	max       int
	policy    Policy
	watermark uint64
}

func New[S Ticked](max int, policy Policy) *Timeline[S] {
	if max < 1 {
		max = 1
	}
	return &Timeline[S]{max: max, policy: policy}
}

func (t *Timeline[S]) Len() int          { return len(t.entries) }
func (t *Timeline[S]) Cursor() int       { return t.cursor }
func (t *Timeline[S]) Max() int          { return t.max }
func (t *Timeline[S]) Policy() Policy    { return t.policy }
func (t *Timeline[S]) Watermark() uint64 { return t.watermark }

// SetWatermark records the last tick committed to the external authority.
func (t *Timeline[S]) SetWatermark(tick uint64) { t.watermark = tick }

// At returns the i-th snapshot, oldest first.
func (t *Timeline[S]) At(i int) (S, bool) {
	if i < 0 || i >= len(t.entries) {
		var zero S
		return zero, false
	}
	return t.entries[i], true
}

// Record appends s. Entries after the cursor are discarded first, and the
// oldest entry is evicted once the bound is exceeded. The cursor ends at Len.
func (t *Timeline[S]) Record(s S) {
	if t.cursor < len(t.entries) {
		clear(t.entries[t.cursor:])
		t.entries = t.entries[:t.cursor]
	}
	t.entries = append(t.entries, s)
	t.cursor = len(t.entries)
	if len(t.entries) > t.max {
		var zero S
		t.entries[0] = zero
		t.entries = t.entries[1:]
		t.cursor--
	}
}

// Undo moves the cursor back one entry and returns the snapshot there.
func (t *Timeline[S]) Undo() (S, error) {
	var zero S
	if t.cursor < 1 || t.cursor-1 >= len(t.entries) {
		return zero, ErrNoUndo
	}
	dst := t.entries[t.cursor-1]
	if !t.policy.allows(dst.Tick(), t.watermark) {
		return zero, fmt.Errorf("%w (tick %d, watermark %d)", ErrWatermark, dst.Tick(), t.watermark)
	}
	t.cursor--
	return dst, nil
}

// Redo moves the cursor forward one entry and returns the snapshot there.
func (t *Timeline[S]) Redo() (S, error) {
	var zero S
	if t.cursor+1 >= len(t.entries) {
		return zero, ErrNoRedo
	}
	dst := t.entries[t.cursor+1]
	if !t.policy.allows(dst.Tick(), t.watermark) {
		return zero, fmt.Errorf("%w (tick %d, watermark %d)", ErrWatermark, dst.Tick(), t.watermark)
	}
	t.cursor++
	return dst, nil
}

// Seek moves the cursor to i, clamped to [0, Len]. It puts the cursor back
// when restoring the entry an Undo or Redo returned has failed.
func (t *Timeline[S]) Seek(i int) { t.cursor = min(max(i, 0), len(t.entries)) }

func (t *Timeline[S]) Clear() {
	clear(t.entries)
	t.entries = t.entries[:0]
	t.cursor = 0
}
