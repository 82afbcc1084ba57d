package timeline

import (
	"errors"
	"testing"
)

type snap uint64

func (s snap) Tick() uint64 { return uint64(s) }

func record(tl *Timeline[snap], ticks ...uint64) {
	for _, t := range ticks {
		tl.Record(snap(t))
	}
}

func TestRecord_Bounded(t *testing.T) {
	tl := New[snap](3, Inclusive)
	record(tl, 10, 20, 30, 40, 50)
	if tl.Len() != 3 || tl.Cursor() != 3 {
		t.Fatalf("len=%d cursor=%d, want 3/3", tl.Len(), tl.Cursor())
	}
	for i, want := range []snap{30, 40, 50} {
		got, ok := tl.At(i)
		if !ok || got != want {
			t.Fatalf("At(%d): got %v want %v", i, got, want)
		}
	}
}

func TestUndoRedo(t *testing.T) {
	tl := New[snap](10, Inclusive)
	record(tl, 10, 20, 30)

	got, err := tl.Undo()
	if err != nil || got != 30 {
		t.Fatalf("undo 1: got %v, %v", got, err)
	}
	got, err = tl.Undo()
	if err != nil || got != 20 {
		t.Fatalf("undo 2: got %v, %v", got, err)
	}
	got, err = tl.Redo()
	if err != nil || got != 30 {
		t.Fatalf("redo should return to the pre-undo snapshot: got %v, %v", got, err)
	}
	if _, err := tl.Redo(); !errors.Is(err, ErrNoRedo) || !errors.Is(err, ErrBounds) {
		t.Fatalf("expected ErrNoRedo, got %v", err)
	}
	if tl.Cursor() != 2 {
		t.Fatalf("failed redo moved the cursor: %d", tl.Cursor())
	}
}

func TestUndo_Empty(t *testing.T) {
	tl := New[snap](10, Inclusive)
	if _, err := tl.Undo(); !errors.Is(err, ErrNoUndo) {
		t.Fatalf("expected ErrNoUndo, got %v", err)
	}
	record(tl, 1)
	if _, err := tl.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := tl.Undo(); !errors.Is(err, ErrNoUndo) {
		t.Fatalf("expected ErrNoUndo at cursor 0, got %v", err)
	}
}

func TestRecord_AfterUndoDropsRedo(t *testing.T) {
	tl := New[snap](10, Inclusive)
	record(tl, 10, 20, 30, 40)
	for i := 0; i < 3; i++ {
		if _, err := tl.Undo(); err != nil {
			t.Fatalf("undo %d: %v", i, err)
		}
	}
	// cursor=1: entries after it are the redo branch.
	record(tl, 99)
	if tl.Len() != 2 || tl.Cursor() != 2 {
		t.Fatalf("len=%d cursor=%d, want 2/2", tl.Len(), tl.Cursor())
	}
	if got, _ := tl.At(1); got != 99 {
		t.Fatalf("new branch head: got %v", got)
	}
	if _, err := tl.Redo(); !errors.Is(err, ErrNoRedo) {
		t.Fatalf("redo history should be gone, got %v", err)
	}
}

func TestRecord_EvictionAfterUndo(t *testing.T) {
	tl := New[snap](3, Inclusive)
	record(tl, 1, 2, 3)
	if _, err := tl.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	record(tl, 4, 5)
	if tl.Len() != 3 || tl.Cursor() != 3 {
		t.Fatalf("len=%d cursor=%d", tl.Len(), tl.Cursor())
	}
	for i, want := range []snap{2, 4, 5} {
		if got, _ := tl.At(i); got != want {
			t.Fatalf("At(%d): got %v want %v", i, got, want)
		}
	}
}

func TestWatermark_Inclusive(t *testing.T) {
	tl := New[snap](10, Inclusive)
	record(tl, 10, 20, 30)
	tl.SetWatermark(20)

	if _, err := tl.Undo(); err != nil {
		t.Fatalf("undo to 30: %v", err)
	}
	got, err := tl.Undo()
	if err != nil || got != 20 {
		t.Fatalf("inclusive policy should allow tick == watermark: got %v, %v", got, err)
	}
	if _, err := tl.Undo(); !errors.Is(err, ErrWatermark) {
		t.Fatalf("expected ErrWatermark, got %v", err)
	}
	if tl.Cursor() != 1 {
		t.Fatalf("refused undo moved the cursor: %d", tl.Cursor())
	}
}

func TestWatermark_Exclusive(t *testing.T) {
	tl := New[snap](10, Exclusive)
	record(tl, 10, 20, 30)
	tl.SetWatermark(20)

	if _, err := tl.Undo(); err != nil {
		t.Fatalf("undo to 30: %v", err)
	}
	if _, err := tl.Undo(); !errors.Is(err, ErrWatermark) {
		t.Fatalf("exclusive policy should refuse tick == watermark, got %v", err)
	}
	if tl.Cursor() != 2 {
		t.Fatalf("refused undo moved the cursor: %d", tl.Cursor())
	}
}

func TestWatermark_Redo(t *testing.T) {
	tl := New[snap](10, Exclusive)
	record(tl, 10, 20, 30)
	for i := 0; i < 3; i++ {
		if _, err := tl.Undo(); err != nil {
			t.Fatalf("undo %d: %v", i, err)
		}
	}
	tl.SetWatermark(20)
	if _, err := tl.Redo(); !errors.Is(err, ErrWatermark) {
		t.Fatalf("redo onto tick == watermark should be refused when exclusive, got %v", err)
	}
	tl.SetWatermark(19)
	if got, err := tl.Redo(); err != nil || got != 20 {
		t.Fatalf("redo: got %v, %v", got, err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": Inclusive, "inclusive": Inclusive, "exclusive": Exclusive} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSeek_Clamped(t *testing.T) {
	tl := New[snap](10, Inclusive)
	record(tl, 10, 20, 30)
	if _, err := tl.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	tl.Seek(3)
	if tl.Cursor() != 3 {
		t.Fatalf("seek back: cursor %d", tl.Cursor())
	}
	if got, err := tl.Undo(); err != nil || got != 30 {
		t.Fatalf("undo after seek: got %v, %v", got, err)
	}
	tl.Seek(-1)
	if tl.Cursor() != 0 {
		t.Fatalf("seek below zero: cursor %d", tl.Cursor())
	}
	tl.Seek(99)
	if tl.Cursor() != 3 {
		t.Fatalf("seek past end: cursor %d", tl.Cursor())
	}
}
