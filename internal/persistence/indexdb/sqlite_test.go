package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteIndex_ReplaysSlotsSnapshots(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id1 := idx.RecordReplay(ReplayRow{Session: "s1", Name: "keyhistory_0102_0304_0.txt", Label: "level_1", StartTick: 10, Ticks: 90, Runs: 7, RecordedAt: base})
	id2 := idx.RecordReplay(ReplayRow{Session: "s1", Name: "keyhistory_0102_0304_1.txt", Label: "level_2", Ticks: 5, Runs: 1, RecordedAt: base.Add(time.Minute)})
	if id1 == "" || id1 == id2 {
		t.Fatalf("ids: %q %q", id1, id2)
	}
	idx.AssignSlot("s1", "1", "keyhistory_0102_0304_0.txt")
	idx.AssignSlot("s1", "1", "keyhistory_0102_0304_1.txt")
	idx.RecordSnapshot(SnapshotRow{Session: "s1", Tick: 20, Kind: "backup", Size: 100, RawSize: 400, Refs: 1})
	idx.RecordSnapshot(SnapshotRow{Session: "s1", Tick: 10, Kind: "slot", Slot: "a", Size: 90, RawSize: 380, Refs: 1})

	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	all, err := idx.Replays(ctx, "", 0)
	if err != nil {
		t.Fatalf("replays: %v", err)
	}
	if len(all) != 2 || all[0].ID != id2 || all[1].StartTick != 10 || !all[1].RecordedAt.Equal(base) {
		t.Fatalf("replays: %+v", all)
	}
	l1, err := idx.Replays(ctx, "level_1", 10)
	if err != nil || len(l1) != 1 || l1[0].Ticks != 90 {
		t.Fatalf("level_1: %+v %v", l1, err)
	}

	name, err := idx.SlotReplay(ctx, "s1", "1")
	if err != nil || name != "keyhistory_0102_0304_1.txt" {
		t.Fatalf("slot: %q %v", name, err)
	}
	if _, err := idx.SlotReplay(ctx, "s1", "9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing slot: %v", err)
	}

	snaps, err := idx.Snapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Tick != 10 || snaps[0].Slot != "a" || snaps[1].Kind != "backup" {
		t.Fatalf("snapshots: %+v", snaps)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqSlot}

	s.RecordReplay(ReplayRow{Name: "x.txt"})
	s.RecordSnapshot(SnapshotRow{Tick: 1})
	s.AssignSlot("s", "1", "x.txt")

	st := s.Stats()
	if st.DropTotal != 3 {
		t.Fatalf("DropTotal=%d want=3", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilAndClosedAreNoops(t *testing.T) {
	var s *SQLiteIndex
	s.RecordSnapshot(SnapshotRow{})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("nil flush: %v", err)
	}

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx.AssignSlot("s", "1", "x.txt")
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
