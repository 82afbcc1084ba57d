package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tickreplay.dev/internal/config"
	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/inputlog"
	"tickreplay.dev/internal/netsync"
	"tickreplay.dev/internal/persistence/indexdb"
	plog "tickreplay.dev/internal/persistence/log"
	"tickreplay.dev/internal/persistence/replays"
	"tickreplay.dev/internal/simtest"
	"tickreplay.dev/internal/snapshot"
	"tickreplay.dev/internal/timeline"
)

const lockKey input.Code = 'K'

type harness struct {
	t     *testing.T
	codec *snapshot.Codec[simtest.Game]
	opts  Options[simtest.Game, simtest.Position]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := snapshot.New(simtest.Adapter(), snapshot.Options{})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	t.Cleanup(codec.Close)
	return &harness{
		t:     t,
		codec: codec,
		opts: Options[simtest.Game, simtest.Position]{
			Config: config.Defaults(),
			Codec:  codec,
			Step: func(g *simtest.Game, held, pressed input.Set) simtest.Position {
				return g.Step(held, pressed)
			},
			Prev:       func(g *simtest.Game) input.Set { return g.Prev },
			State:      func(g *simtest.Game) any { return simtest.Position{X: g.Player.X, Y: g.Player.Y} },
			Settled:    func(g *simtest.Game, _ simtest.Position) bool { return g.Grounded() },
			Recordable: func(g *simtest.Game) bool { return !g.Player.Dead },
			Control:    input.Of(lockKey),
		},
	}
}

func (h *harness) start() *Session[simtest.Game, simtest.Position] {
	h.t.Helper()
	s, err := New(simtest.New(simtest.DefaultLevel(), 11), "level_1", h.opts)
	if err != nil {
		h.t.Fatalf("session: %v", err)
	}
	return s
}

func (h *harness) run(s *Session[simtest.Game, simtest.Position], sets ...input.Set) {
	h.t.Helper()
	for _, set := range sets {
		if _, _, err := s.Tick(set); err != nil {
			h.t.Fatalf("tick %d: %v", s.Now(), err)
		}
	}
}

func script(n int) []input.Set {
	out := make([]input.Set, 0, n)
	for i := 0; i < n; i++ {
		switch {
		case i%17 == 3:
			out = append(out, input.Of(simtest.Right, simtest.Jump))
		case i%9 < 5:
			out = append(out, input.Of(simtest.Right))
		case i%9 == 7:
			out = append(out, input.Of(simtest.Right, simtest.Dash))
		default:
			out = append(out, input.Empty)
		}
	}
	return out
}

func TestRecordThenReplay_SameDigest(t *testing.T) {
	h := newHarness(t)
	a := h.start()
	keys := script(80)
	h.run(a, keys...)
	if !a.Recording().Equal(inputlog.Build(keys...)) {
		t.Fatalf("recording mismatch: %v", a.Recording().Runs())
	}

	b := h.start()
	b.StartReplay(a.Recording(), true)
	for i := range keys {
		h.run(b, input.Empty)
		if cur, total, _ := b.ReplayProgress(); total != 0 && cur != i+1 {
			t.Fatalf("progress %d/%d at %d", cur, total, i)
		}
	}
	if _, _, active := b.ReplayProgress(); active {
		t.Fatalf("replay still active after its length")
	}
	if a.Live().Digest() != b.Live().Digest() {
		t.Fatalf("replayed session diverged")
	}
	if !b.Recording().Equal(a.Recording()) {
		t.Fatalf("replayed inputs were not recorded")
	}
}

func TestReplay_MergeWithActive(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	s.StartReplay(inputlog.Build(input.Of(simtest.Right), input.Of(simtest.Right)), true)
	s.StartReplay(inputlog.Build(input.Of(simtest.Dash), input.Of(simtest.Dash), input.Of(simtest.Dash)), false)
	h.run(s, input.Empty, input.Empty, input.Empty)
	want := inputlog.Build(
		input.Of(simtest.Right, simtest.Dash),
		input.Of(simtest.Right, simtest.Dash),
		input.Of(simtest.Dash),
	)
	if !s.Recording().Equal(want) {
		t.Fatalf("merged replay: %v", s.Recording().Runs())
	}
}

func TestUndoRedo_RestoresAtTickBoundary(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	ref := h.start()
	keys := script(60)
	h.run(s, keys[:35]...)
	h.run(ref, keys...)

	tick, err := s.Undo()
	if err != nil || tick != 30 {
		t.Fatalf("undo: tick=%d err=%v", tick, err)
	}
	if s.Now() != 35 || !s.Paused() {
		t.Fatalf("undo must wait for the tick boundary and pause: now=%d paused=%v", s.Now(), s.Paused())
	}
	if _, advanced, err := s.Tick(input.Empty); err != nil || advanced {
		t.Fatalf("paused tick: advanced=%v err=%v", advanced, err)
	}
	if s.Now() != 30 || !s.Live().Primary.IsPrimary() {
		t.Fatalf("restored: now=%d primary=%v", s.Now(), s.Live().Primary.IsPrimary())
	}
	if s.Recording().Len() != 30 {
		t.Fatalf("recording not rewound: %d", s.Recording().Len())
	}

	if tick, err := s.Undo(); err != nil || tick != 20 {
		t.Fatalf("second undo: tick=%d err=%v", tick, err)
	}
	if tick, err := s.Redo(); err != nil || tick != 30 {
		t.Fatalf("redo: tick=%d err=%v", tick, err)
	}
	if _, err := s.Redo(); !errors.Is(err, timeline.ErrNoRedo) {
		t.Fatalf("redo past end: %v", err)
	}
	h.run(s, input.Empty)
	if s.Now() != 30 {
		t.Fatalf("after redo: now=%d", s.Now())
	}

	s.SetPaused(false)
	h.run(s, keys[30:]...)
	if s.Live().Digest() != ref.Live().Digest() {
		t.Fatalf("resumed run diverged from uninterrupted run")
	}
	if !s.Recording().Equal(inputlog.Build(keys...)) {
		t.Fatalf("recording after resume: %v", s.Recording().Runs())
	}
}

type sink struct{ ticks []uint64 }

func (k *sink) Send(p netsync.Packet) error {
	k.ticks = append(k.ticks, p.Tick)
	return nil
}

func TestUndo_RefusedBehindWatermark(t *testing.T) {
	for _, tc := range []struct {
		delay uint64
		ok    bool
	}{
		{delay: 5, ok: false}, // ticks up to 35 are sent; backup 30 is behind
		{delay: 10, ok: true}, // watermark 30 equals the backup tick
		{delay: 15, ok: true}, // watermark 25
	} {
		h := newHarness(t)
		out := &sink{}
		h.opts.Outbox = netsync.NewOutbox(tc.delay, out)
		s := h.start()
		h.run(s, script(40)...)

		if got := h.opts.Outbox.Watermark(); got != 40-tc.delay {
			t.Fatalf("delay %d: watermark %d", tc.delay, got)
		}
		_, err := s.Undo()
		if tc.ok && err != nil {
			t.Fatalf("delay %d: undo refused: %v", tc.delay, err)
		}
		if !tc.ok && !errors.Is(err, timeline.ErrWatermark) {
			t.Fatalf("delay %d: got %v want ErrWatermark", tc.delay, err)
		}
	}
}

func TestUndo_ExclusivePolicyRefusesEqualTick(t *testing.T) {
	h := newHarness(t)
	h.opts.Config.Timeline.Watermark = "exclusive"
	h.opts.Outbox = netsync.NewOutbox(10, &sink{})
	s := h.start()
	h.run(s, script(40)...)
	if _, err := s.Undo(); !errors.Is(err, timeline.ErrBounds) {
		t.Fatalf("got %v want ErrBounds", err)
	}
}

func TestRewind_DropsUnsentPackets(t *testing.T) {
	h := newHarness(t)
	out := &sink{}
	h.opts.Outbox = netsync.NewOutbox(20, out)
	s := h.start()
	h.run(s, script(35)...)
	if _, err := s.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	h.run(s, input.Empty)
	s.SetPaused(false)
	h.run(s, script(40)[30:]...)
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for i, tick := range out.ticks {
		if tick != uint64(i+1) {
			t.Fatalf("packet order after rewind: %v", out.ticks)
		}
	}
	if len(out.ticks) != 40 {
		t.Fatalf("sent %d packets", len(out.ticks))
	}
}

func TestSaveAndLoadState(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.run(s, script(12)...)
	if err := s.SaveState("a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	digest := s.Live().Digest()
	h.run(s, script(30)[12:]...)

	if err := s.LoadState("missing"); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("missing slot: %v", err)
	}
	if err := s.LoadState("a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.SetPaused(true)
	h.run(s, input.Empty)
	if s.Now() != 12 || s.Live().Digest() != digest {
		t.Fatalf("state not restored: now=%d", s.Now())
	}
	if !s.HasState("a") {
		t.Fatalf("slot consumed by load")
	}
	s.DeleteState("a")
	if s.HasState("a") {
		t.Fatalf("slot not deleted")
	}
}

func TestPauseAndStepOnce(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	s.SetPaused(true)
	h.run(s, input.Of(simtest.Right), input.Of(simtest.Right))
	if s.Now() != 0 {
		t.Fatalf("paused session advanced to %d", s.Now())
	}
	s.StepOnce()
	h.run(s, input.Of(simtest.Right), input.Of(simtest.Right))
	if s.Now() != 1 {
		t.Fatalf("step once: now=%d", s.Now())
	}
}

func TestLockedKeysRecordedControlsNot(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	s.LockKeys(input.Of(simtest.Right, lockKey))
	h.run(s, input.Of(lockKey), input.Of(simtest.Jump))
	s.Unlock()
	h.run(s, input.Empty)
	want := inputlog.Build(input.Of(simtest.Right), input.Of(simtest.Right, simtest.Jump), input.Empty)
	if !s.Recording().Equal(want) {
		t.Fatalf("recording: %v", s.Recording().Runs())
	}
}

func TestBackups_SkippedWhenNotRecordable(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	s.Live().Player.Dead = true
	h.run(s, script(25)...)
	if s.Timeline().Len() != 0 {
		t.Fatalf("backups taken while dead: %d", s.Timeline().Len())
	}
	s.Live().Player.Dead = false
	s.SetBackupEvery(5)
	h.run(s, script(10)...)
	if s.Timeline().Len() != 2 {
		t.Fatalf("backups: %d", s.Timeline().Len())
	}
}

func TestSaveReplayAndAutoload(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	store, err := replays.Open(filepath.Join(dir, "replays"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	events := plog.NewEventLogger(filepath.Join(dir, "events"))
	h.opts.Store, h.opts.Index, h.opts.Events = store, idx, events

	s := h.start()
	keys := script(20)
	h.run(s, keys...)
	name, err := s.SaveReplay("1")
	if err != nil {
		t.Fatalf("save replay: %v", err)
	}
	if got, ok := s.ReplaySlot("1"); !ok || got != name {
		t.Fatalf("slot: %q %v", got, ok)
	}
	hdr, l, err := store.Load(name)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hdr.Label != "level_1" || hdr.StartTick != -1 || !l.Equal(inputlog.Build(keys...)) {
		t.Fatalf("saved replay: %+v %v", hdr, l.Runs())
	}

	if err := store.SaveAs(replays.AutoloadName("level_2"), inputlog.Header{Label: "level_2"}, inputlog.Build(keys[:7]...)); err != nil {
		t.Fatalf("autoload file: %v", err)
	}
	if err := s.NewContext("level_2"); err != nil {
		t.Fatalf("context: %v", err)
	}
	if s.Recording().Len() != 0 {
		t.Fatalf("recording not cleared")
	}
	if _, total, active := s.ReplayProgress(); !active || total != 7 {
		t.Fatalf("autoload: active=%v total=%d", active, total)
	}

	// A queued replay for another label waits; the level's autoload plays.
	s.QueueReplay(name)
	if err := s.NewContext("level_3"); err != nil {
		t.Fatalf("context: %v", err)
	}
	if _, _, active := s.ReplayProgress(); active {
		t.Fatalf("replay for level_1 started in level_3")
	}
	if err := s.NewContext("level_1"); err != nil {
		t.Fatalf("context: %v", err)
	}
	if _, total, active := s.ReplayProgress(); !active || total != 20 {
		t.Fatalf("queued replay: active=%v total=%d", active, total)
	}

	s.DeleteReplaySlot("1")
	if _, ok := s.ReplaySlot("1"); ok {
		t.Fatalf("slot not deleted")
	}
	if err := events.Close(); err != nil {
		t.Fatalf("events: %v", err)
	}
	files, _ := plog.Files(filepath.Join(dir, "events"), "events")
	if len(files) == 0 {
		t.Fatalf("no event trail written")
	}
	if _, err := os.Stat(filepath.Join(dir, "index.sqlite")); err != nil {
		t.Fatalf("index: %v", err)
	}
}

func TestPlayReplay_NoStore(t *testing.T) {
	s := newHarness(t).start()
	if _, err := s.PlayReplay("x.txt", true); !errors.Is(err, ErrNoStore) {
		t.Fatalf("got %v", err)
	}
	if _, err := s.SaveReplay("1"); !errors.Is(err, ErrNoStore) {
		t.Fatalf("got %v", err)
	}
}

func TestReplayInstant_LeavesPaused(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	ref := h.start()
	keys := script(25)
	h.run(ref, keys...)
	if err := s.ReplayInstant(inputlog.Build(keys...)); err != nil {
		t.Fatalf("instant: %v", err)
	}
	if !s.Paused() || s.Now() != 25 || s.Live().Digest() != ref.Live().Digest() {
		t.Fatalf("instant replay: paused=%v now=%d", s.Paused(), s.Now())
	}
}

func TestPredictThenQueue(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.run(s, input.Of(simtest.Right), input.Of(simtest.Right), input.Empty)
	before := s.Live().Digest()

	tr, err := s.Predict(input.Of(simtest.Jump))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !tr.Reached || len(tr.Positions) < 2 {
		t.Fatalf("prediction: reached=%v n=%d", tr.Reached, len(tr.Positions))
	}
	if s.Live().Digest() != before {
		t.Fatalf("prediction touched the live game")
	}

	if !s.QueuePrediction() {
		t.Fatalf("nothing queued")
	}
	for i, want := range tr.Positions {
		got, _, err := s.Tick(input.Empty)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if got != want {
			t.Fatalf("tick %d: live %+v predicted %+v", i, got, want)
		}
	}
}

func TestRemotePacketsDrainedEachTick(t *testing.T) {
	h := newHarness(t)
	var inbox netsync.Inbox[netsync.Remote]
	var seen []uint64
	h.opts.Inbox = &inbox
	h.opts.OnRemote = func(_ *simtest.Game, r netsync.Remote) { seen = append(seen, r.Tick) }
	s := h.start()
	inbox.Push(netsync.Remote{From: "peer", Tick: 4})
	inbox.Push(netsync.Remote{From: "peer", Tick: 5})
	h.run(s, input.Empty)
	if len(seen) != 2 || inbox.Len() != 0 {
		t.Fatalf("seen %v, left %d", seen, inbox.Len())
	}
}

// latch fails to unmarshal while latchBroken is set, so a restore through it
// fails after the snapshot was taken.
type latch struct{}

var latchBroken bool

func (latch) MarshalBinary() ([]byte, error) { return []byte{1}, nil }

func (*latch) UnmarshalBinary([]byte) error {
	if latchBroken {
		return errors.New("latch broken")
	}
	return nil
}

type counter struct {
	Tics  uint64
	Latch latch
}

func TestUndo_FailedRestoreRollsBack(t *testing.T) {
	codec, err := snapshot.New(snapshot.Adapter[counter]{Tick: func(c *counter) uint64 { return c.Tics }}, snapshot.Options{})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	t.Cleanup(codec.Close)
	cfg := config.Defaults()
	cfg.Timeline.BackupEvery = 1
	live := &counter{}
	s, err := New(live, "counter", Options[counter, uint64]{
		Config: cfg,
		Codec:  codec,
		Step: func(c *counter, _, _ input.Set) uint64 {
			c.Tics++
			return c.Tics
		},
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := s.Tick(input.Empty); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if s.Timeline().Cursor() != 3 {
		t.Fatalf("cursor: %d", s.Timeline().Cursor())
	}

	latchBroken = true
	t.Cleanup(func() { latchBroken = false })
	if tick, err := s.Undo(); err != nil || tick != 2 {
		t.Fatalf("undo: tick=%d err=%v", tick, err)
	}
	if _, _, err := s.Tick(input.Empty); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt from restore, got %v", err)
	}
	if s.Timeline().Cursor() != 3 || s.Paused() || s.Live() != live || s.Now() != 3 {
		t.Fatalf("failed restore left state behind: cursor=%d paused=%v now=%d", s.Timeline().Cursor(), s.Paused(), s.Now())
	}
	latchBroken = false
	if tick, err := s.Undo(); err != nil || tick != 2 {
		t.Fatalf("undo after failure: tick=%d err=%v", tick, err)
	}
	if _, advanced, err := s.Tick(input.Empty); err != nil || advanced {
		t.Fatalf("restore tick: advanced=%v err=%v", advanced, err)
	}
	if s.Now() != 2 || s.Timeline().Cursor() != 2 {
		t.Fatalf("restored: now=%d cursor=%d", s.Now(), s.Timeline().Cursor())
	}
}
