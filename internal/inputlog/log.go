// Package inputlog keeps a chronological, run-length compressed record of the
// input set held on every tick.
package inputlog

import (
	"errors"
	"fmt"
	"iter"

	"tickreplay.dev/internal/input"
)

var (
	// ErrEmpty is returned by Pop on an empty log.
	ErrEmpty = errors.New("inputlog: pop on empty log")
	// ErrRange is returned by Sub for bounds outside 0 <= begin < end <= Len.
	ErrRange = errors.New("inputlog: range out of bounds")
)

// Run is one input set held constant for N consecutive ticks.
type Run struct {
	Set input.Set
	N   int
}

// Log is a run-length compressed sequence of per-tick input sets.
// Adjacent runs never hold equal sets. The zero value is an empty log.
type Log struct {
	runs []Run
	head int // runs[:head] were consumed by Pop
	n    int
}

func New() *Log { return &Log{} }

// Build returns a log holding one tick per given set, in order.
func Build(sets ...input.Set) *Log {
	l := &Log{}
	for _, s := range sets {
		l.Append(s)
	}
	return l
}

// FromRuns rebuilds a log from a decoded run sequence. Adjacent equal runs are
// folded together.
func FromRuns(runs []Run) (*Log, error) {
	l := &Log{}
	for i, r := range runs {
		if r.N <= 0 {
			return nil, fmt.Errorf("inputlog: run %d has non-positive length %d", i, r.N)
		}
		l.appendN(r.Set, r.N)
	}
	return l, nil
}

// Len is the number of ticks represented.
func (l *Log) Len() int { return l.n }

func (l *Log) live() []Run { return l.runs[l.head:] }

// Runs returns a copy of the run sequence, oldest first.
func (l *Log) Runs() []Run {
	out := make([]Run, len(l.live()))
	copy(out, l.live())
	return out
}

// Append records one tick holding s.
func (l *Log) Append(s input.Set) { l.appendN(s, 1) }

func (l *Log) appendN(s input.Set, n int) {
	if n <= 0 {
		return
	}
	if live := l.live(); len(live) > 0 && live[len(live)-1].Set == s {
		l.runs[len(l.runs)-1].N += n
	} else {
		l.runs = append(l.runs, Run{Set: s, N: n})
	}
	l.n += n
}

// Pop consumes the oldest tick and returns its input set.
func (l *Log) Pop() (input.Set, error) {
	if l.n == 0 {
		return input.Set{}, ErrEmpty
	}
	r := &l.runs[l.head]
	s := r.Set
	if r.N > 1 {
		r.N--
	} else {
		l.runs[l.head] = Run{}
		l.head++
		l.compact()
	}
	l.n--
	return s, nil
}

func (l *Log) compact() {
	switch {
	case l.head == len(l.runs):
		l.runs = l.runs[:0]
		l.head = 0
	case l.head >= 64 && l.head*2 >= len(l.runs):
		n := copy(l.runs, l.runs[l.head:])
		l.runs = l.runs[:n]
		l.head = 0
	}
}

func (l *Log) Clear() {
	l.runs = nil
	l.head = 0
	l.n = 0
}

// All yields every tick's input set in order. Each call walks from the start
// and does not consume the log.
func (l *Log) All() iter.Seq[input.Set] {
	return func(yield func(input.Set) bool) {
		for _, r := range l.live() {
			for i := 0; i < r.N; i++ {
				if !yield(r.Set) {
					return
				}
			}
		}
	}
}

// Compress returns a maximally compressed copy of the log.
func (l *Log) Compress() *Log {
	out := &Log{}
	for s := range l.All() {
		out.Append(s)
	}
	return out
}

// Merge returns the per-tick union of l and o, aligned at tick 0. Past the end
// of the shorter log the longer log's sets are used as-is.
func (l *Log) Merge(o *Log) *Log {
	out := &Log{}
	a, b := l.live(), o.live()
	var ai, bi, aUsed, bUsed int
	for ai < len(a) && bi < len(b) {
		ra, rb := a[ai], b[bi]
		n := min(ra.N-aUsed, rb.N-bUsed)
		out.appendN(ra.Set.Union(rb.Set), n)
		aUsed += n
		bUsed += n
		if aUsed == ra.N {
			ai, aUsed = ai+1, 0
		}
		if bUsed == rb.N {
			bi, bUsed = bi+1, 0
		}
	}
	for ; ai < len(a); ai, aUsed = ai+1, 0 {
		out.appendN(a[ai].Set, a[ai].N-aUsed)
	}
	for ; bi < len(b); bi, bUsed = bi+1, 0 {
		out.appendN(b[bi].Set, b[bi].N-bUsed)
	}
	return out
}

// Sub returns ticks [begin, end) re-indexed from 0.
func (l *Log) Sub(begin, end int) (*Log, error) {
	if !(0 <= begin && begin < end && end <= l.n) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, begin, end, l.n)
	}
	out := &Log{}
	pos := 0
	for _, r := range l.live() {
		lo, hi := max(pos, begin), min(pos+r.N, end)
		if lo < hi {
			out.appendN(r.Set, hi-lo)
		}
		pos += r.N
		if pos >= end {
			break
		}
	}
	return out, nil
}

// Equal reports whether both logs represent the same per-tick sequence.
func (l *Log) Equal(o *Log) bool {
	if l.n != o.n {
		return false
	}
	a, b := l.Compress().runs, o.Compress().runs
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
