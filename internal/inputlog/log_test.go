package inputlog

import (
	"errors"
	"math/rand"
	"testing"

	"tickreplay.dev/internal/input"
)

var (
	setA  = input.Of('A')
	setB  = input.Of('B')
	setAB = input.Of('A', 'B')
)

func collect(l *Log) []input.Set {
	var out []input.Set
	for s := range l.All() {
		out = append(out, s)
	}
	return out
}

func assertRuns(t *testing.T, l *Log, want []Run) {
	t.Helper()
	got := l.Runs()
	if len(got) != len(want) {
		t.Fatalf("runs: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func assertMaximal(t *testing.T, l *Log) {
	t.Helper()
	runs := l.Runs()
	sum := 0
	for i, r := range runs {
		if i > 0 && runs[i-1].Set == r.Set {
			t.Fatalf("adjacent equal runs at %d: %v", i, runs)
		}
		sum += r.N
	}
	if sum != l.Len() {
		t.Fatalf("len out of sync: runs sum %d, Len %d", sum, l.Len())
	}
}

func randomSets(rng *rand.Rand, n int) []input.Set {
	pool := []input.Set{input.Empty, setA, setB, setAB, input.Of('W'), input.Of('W', 'D')}
	out := make([]input.Set, n)
	for i := range out {
		// Bias toward repeats so runs actually form.
		if i > 0 && rng.Intn(3) > 0 {
			out[i] = out[i-1]
			continue
		}
		out[i] = pool[rng.Intn(len(pool))]
	}
	return out
}

func TestAppendPop_EndToEnd(t *testing.T) {
	l := New()
	l.Append(setA)
	l.Append(setA)
	l.Append(setB)

	assertRuns(t, l, []Run{{setA, 2}, {setB, 1}})
	if l.Len() != 3 {
		t.Fatalf("len: got %d want 3", l.Len())
	}

	if s, err := l.Pop(); err != nil || s != setA {
		t.Fatalf("pop 1: got %q, %v", s, err)
	}
	assertRuns(t, l, []Run{{setA, 1}, {setB, 1}})

	if s, err := l.Pop(); err != nil || s != setA {
		t.Fatalf("pop 2: got %q, %v", s, err)
	}
	assertRuns(t, l, []Run{{setB, 1}})
	if l.Len() != 1 {
		t.Fatalf("len: got %d want 1", l.Len())
	}
}

func TestPop_Empty(t *testing.T) {
	l := New()
	if _, err := l.Pop(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	l.Append(setA)
	if _, err := l.Pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("append+pop should restore len 0, got %d", l.Len())
	}
	if _, err := l.Pop(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after drain, got %v", err)
	}
}

func TestAppend_RoundTripAndMaximal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		in := randomSets(rng, rng.Intn(200))
		l := Build(in...)
		assertMaximal(t, l)

		out := collect(l)
		if len(out) != len(in) {
			t.Fatalf("trial %d: len mismatch got %d want %d", trial, len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("trial %d: mismatch at %d: got %q want %q", trial, i, out[i], in[i])
			}
		}
		// Iteration is restartable and does not consume.
		if again := collect(l); len(again) != len(in) {
			t.Fatalf("trial %d: second walk got %d ticks", trial, len(again))
		}
		assertMaximal(t, l.Compress())
		if !l.Compress().Equal(l) {
			t.Fatalf("trial %d: compress changed the sequence", trial)
		}
	}
}

func TestPop_ManyKeepsLenInSync(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	in := randomSets(rng, 1000)
	l := Build(in...)
	for i, want := range in {
		got, err := l.Pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("pop %d: got %q want %q", i, got, want)
		}
		if l.Len() != len(in)-i-1 {
			t.Fatalf("pop %d: len %d", i, l.Len())
		}
	}
	l.Append(setB)
	assertRuns(t, l, []Run{{setB, 1}})
}

func TestMerge_EndToEnd(t *testing.T) {
	a, err := FromRuns([]Run{{setA, 1}, {input.Empty, 2}})
	if err != nil {
		t.Fatalf("FromRuns: %v", err)
	}
	b, err := FromRuns([]Run{{setB, 2}})
	if err != nil {
		t.Fatalf("FromRuns: %v", err)
	}
	m := a.Merge(b)
	assertRuns(t, m, []Run{{setAB, 1}, {setB, 1}, {input.Empty, 1}})
	if m.Len() != 3 {
		t.Fatalf("len: got %d want 3", m.Len())
	}
}

func TestMerge_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		as := randomSets(rng, rng.Intn(60))
		bs := randomSets(rng, rng.Intn(60))
		m := Build(as...).Merge(Build(bs...))
		assertMaximal(t, m)
		if m.Len() != max(len(as), len(bs)) {
			t.Fatalf("trial %d: len got %d want %d", trial, m.Len(), max(len(as), len(bs)))
		}
		got := collect(m)
		for i := range got {
			var want input.Set
			switch {
			case i < len(as) && i < len(bs):
				want = as[i].Union(bs[i])
			case i < len(as):
				want = as[i]
			default:
				want = bs[i]
			}
			if got[i] != want {
				t.Fatalf("trial %d tick %d: got %q want %q", trial, i, got[i], want)
			}
		}
	}
}

func TestSub(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	in := randomSets(rng, 120)
	l := Build(in...)
	for _, r := range [][2]int{{0, 1}, {0, 120}, {17, 18}, {3, 90}, {119, 120}} {
		sub, err := l.Sub(r[0], r[1])
		if err != nil {
			t.Fatalf("Sub(%d,%d): %v", r[0], r[1], err)
		}
		assertMaximal(t, sub)
		got := collect(sub)
		want := in[r[0]:r[1]]
		if len(got) != len(want) {
			t.Fatalf("Sub(%d,%d): len got %d want %d", r[0], r[1], len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Sub(%d,%d) tick %d: got %q want %q", r[0], r[1], i, got[i], want[i])
			}
		}
	}
	for _, r := range [][2]int{{5, 5}, {6, 5}, {0, 121}, {-1, 3}} {
		if _, err := l.Sub(r[0], r[1]); !errors.Is(err, ErrRange) {
			t.Fatalf("Sub(%d,%d): expected ErrRange, got %v", r[0], r[1], err)
		}
	}
}

func TestSub_AfterPop(t *testing.T) {
	l := Build(setA, setA, setB, setB, setAB)
	if _, err := l.Pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	sub, err := l.Sub(1, 3)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	assertRuns(t, sub, []Run{{setB, 2}})
}

func TestFromRuns_RejectsNonPositive(t *testing.T) {
	if _, err := FromRuns([]Run{{setA, 0}}); err == nil {
		t.Fatalf("expected error for zero-length run")
	}
	l, err := FromRuns([]Run{{setA, 2}, {setA, 3}})
	if err != nil {
		t.Fatalf("FromRuns: %v", err)
	}
	assertRuns(t, l, []Run{{setA, 5}})
}

func TestClear(t *testing.T) {
	l := Build(setA, setB)
	l.Clear()
	if l.Len() != 0 || len(l.Runs()) != 0 {
		t.Fatalf("clear left %d ticks", l.Len())
	}
	l.Append(setA)
	assertRuns(t, l, []Run{{setA, 1}})
}
