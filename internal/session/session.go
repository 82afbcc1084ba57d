// Package session drives one live simulation tick by tick: it records inputs,
// feeds replays, keeps the undo timeline and savestates, runs predictions and
// hands tick packets to the network outbox.
package session

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"tickreplay.dev/internal/config"
	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/inputlog"
	"tickreplay.dev/internal/netsync"
	"tickreplay.dev/internal/persistence/indexdb"
	plog "tickreplay.dev/internal/persistence/log"
	"tickreplay.dev/internal/persistence/replays"
	"tickreplay.dev/internal/predict"
	"tickreplay.dev/internal/snapshot"
	"tickreplay.dev/internal/timeline"
)

var (
	ErrNoSlot  = errors.New("session: empty slot")
	ErrNoStore = errors.New("session: no replay store configured")
)

// Options wires a Session to its simulation and collaborators. Codec and Step
// are required; everything else may be left nil.
type Options[R, P any] struct {
	ID     string
	Config config.Config
	Codec  *snapshot.Codec[R]
	Step   predict.Stepper[R, P]

	// Prev returns the held set the simulation saw on its previous tick, which
	// is part of captured state. Without it the session tracks it itself.
	Prev func(root *R) input.Set
	// State is the payload of outgoing packets.
	State func(root *R) any
	// Settled stops a prediction run, typically "the player is on the ground".
	Settled func(root *R, pos P) bool
	// Recordable gates timeline backups, e.g. not while a death animation plays.
	Recordable func(root *R) bool
	// BackupSkip are extra fields left out of timeline backups only.
	BackupSkip []snapshot.Field[R]
	// Control codes drive the session itself and are never recorded.
	Control input.Set

	Store    *replays.Store
	Index    *indexdb.SQLiteIndex
	Outbox   *netsync.Outbox
	Inbox    *netsync.Inbox[netsync.Remote]
	OnRemote func(root *R, r netsync.Remote)
	Events   *plog.EventLogger
	Logger   *log.Logger
}

// fallback is the timeline cursor and pause state restored when a scheduled
// restore fails.
type fallback struct {
	cursor int
	paused bool
}

type Session[R, P any] struct {
	opts Options[R, P]
	log  *log.Logger

	live     *R
	label    string
	prevHeld input.Set
	locked   input.Set

	// contextStart is the tick the recording's first entry was taken at.
	contextStart uint64

	recording *inputlog.Log
	playback  *inputlog.Log
	replayCur int
	replayLen int
	queued    string

	timeline    *timeline.Timeline[*snapshot.Snapshot[R]]
	backupEvery int
	pending     *snapshot.Snapshot[R]
	fallback    fallback
	states      map[string]*snapshot.Snapshot[R]
	replaySlots map[string]string

	paused  bool
	advance bool

	prediction *predict.Trajectory[P]
}

func New[R, P any](live *R, label string, opts Options[R, P]) (*Session[R, P], error) {
	if live == nil || opts.Codec == nil || opts.Step == nil {
		return nil, fmt.Errorf("session: live root, codec and step are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	opts.Codec.Promote(nil, live)
	return &Session[R, P]{
		opts:         opts,
		log:          logger,
		live:         live,
		label:        label,
		contextStart: opts.Codec.Adapter().Tick(live),
		recording:    inputlog.New(),
		timeline:     timeline.New[*snapshot.Snapshot[R]](opts.Config.Timeline.MaxEntries, opts.Config.WatermarkPolicy()),
		backupEvery:  opts.Config.Timeline.BackupEvery,
		states:       map[string]*snapshot.Snapshot[R]{},
		replaySlots:  map[string]string{},
	}, nil
}

func (s *Session[R, P]) ID() string    { return s.opts.ID }
func (s *Session[R, P]) Live() *R      { return s.live }
func (s *Session[R, P]) Label() string { return s.label }
func (s *Session[R, P]) Now() uint64   { return s.opts.Codec.Adapter().Tick(s.live) }

// Recording is the input log of the current context. Callers must not mutate it.
func (s *Session[R, P]) Recording() *inputlog.Log { return s.recording }

func (s *Session[R, P]) Timeline() *timeline.Timeline[*snapshot.Snapshot[R]] { return s.timeline }

func (s *Session[R, P]) BackupEvery() int { return s.backupEvery }

func (s *Session[R, P]) SetBackupEvery(n int) { s.backupEvery = max(1, n) }

func (s *Session[R, P]) Paused() bool { return s.paused }

func (s *Session[R, P]) SetPaused(p bool) { s.paused = p }

// StepOnce lets exactly one tick through while paused.
func (s *Session[R, P]) StepOnce() { s.advance = true }

// LockKeys holds codes down on every tick until Unlock.
func (s *Session[R, P]) LockKeys(codes input.Set) { s.locked = codes.Difference(s.opts.Control) }

func (s *Session[R, P]) Unlock() { s.locked = input.Empty }

func (s *Session[R, P]) Locked() input.Set { return s.locked }

// Tick runs one tick boundary with the real (user) inputs. It reports whether
// the simulation advanced; a paused session only applies a pending restore.
func (s *Session[R, P]) Tick(real input.Set) (P, bool, error) {
	var zero P
	s.drainInbox()
	if err := s.applyPending(); err != nil {
		return zero, false, err
	}
	if s.paused && !s.advance {
		return zero, false, nil
	}
	s.advance = false

	held := real.Union(s.locked)
	if s.playback != nil {
		if set, err := s.playback.Pop(); err == nil {
			held = held.Union(set)
			s.replayCur++
		}
		if s.playback.Len() == 0 {
			s.playback = nil
			s.event("replay_done", "", 0)
		}
	}

	now := s.Now()
	if now%uint64(s.backupEvery) == 0 && (s.opts.Recordable == nil || s.opts.Recordable(s.live)) {
		s.backup(now)
	}

	s.recording.Append(held.Difference(s.opts.Control))

	prev := s.prevHeld
	if s.opts.Prev != nil {
		prev = s.opts.Prev(s.live)
	}
	pos := s.opts.Step(s.live, held, held.Difference(prev))
	s.prevHeld = held

	s.send(held)
	return pos, true, nil
}

func (s *Session[R, P]) backup(now uint64) {
	snap, err := s.opts.Codec.CaptureSkipping(s.live, s.opts.BackupSkip...)
	if err != nil {
		s.log.Printf("backup at tick %d failed: %v", now, err)
		return
	}
	s.timeline.Record(snap)
	s.opts.Index.RecordSnapshot(indexdb.SnapshotRow{
		Session: s.opts.ID, Tick: now, Kind: "backup",
		Size: snap.Size(), RawSize: snap.RawSize(), Refs: snap.Refs(),
	})
}

func (s *Session[R, P]) send(held input.Set) {
	ob := s.opts.Outbox
	if ob == nil {
		return
	}
	var state any
	if s.opts.State != nil {
		state = s.opts.State(s.live)
	}
	now := s.Now()
	p, err := netsync.NewPacket(now, held, state)
	if err != nil {
		s.log.Printf("packet for tick %d: %v", now, err)
		return
	}
	ob.Push(p)
	if err := ob.Flush(now, false); err != nil {
		s.log.Printf("flush: %v", err)
	}
	s.timeline.SetWatermark(ob.Watermark())
}

// Flush sends every pending packet regardless of delay, e.g. before a blocking
// exchange with the authority.
func (s *Session[R, P]) Flush() error {
	if s.opts.Outbox == nil {
		return nil
	}
	err := s.opts.Outbox.Flush(s.Now(), true)
	s.timeline.SetWatermark(s.opts.Outbox.Watermark())
	return err
}

func (s *Session[R, P]) drainInbox() {
	if s.opts.Inbox == nil {
		return
	}
	for _, r := range s.opts.Inbox.Drain() {
		if s.opts.OnRemote != nil {
			s.opts.OnRemote(s.live, r)
		}
	}
}

func (s *Session[R, P]) applyPending() error {
	if s.pending == nil {
		return nil
	}
	snap := s.pending
	s.pending = nil
	root, err := s.opts.Codec.Restore(snap, s.live)
	if err != nil {
		s.timeline.Seek(s.fallback.cursor)
		s.paused = s.fallback.paused
		return fmt.Errorf("session: restore tick %d: %w", snap.Tick(), err)
	}
	s.live = root
	if s.opts.Prev == nil {
		s.prevHeld = input.Empty
	}
	s.rewindRecording(snap.Tick())
	if s.opts.Outbox != nil {
		if n := s.opts.Outbox.Discard(snap.Tick()); n > 0 {
			s.log.Printf("dropped %d unsent packets after rewind to tick %d", n, snap.Tick())
		}
	}
	s.log.Printf("restored tick %d", snap.Tick())
	return nil
}

// rewindRecording keeps the recorded inputs that led up to tick. A restore
// from before the current context starts a fresh recording there.
func (s *Session[R, P]) rewindRecording(tick uint64) {
	if tick < s.contextStart || int(tick-s.contextStart) > s.recording.Len() {
		s.recording.Clear()
		s.contextStart = tick
		return
	}
	kept, err := s.recording.Sub(0, int(tick-s.contextStart))
	if err != nil {
		s.recording.Clear()
		s.contextStart = tick
		return
	}
	s.recording = kept
}

// Undo schedules a restore of the previous timeline entry for the next tick
// boundary and pauses. It returns the destination tick. If that restore fails,
// the cursor and pause state are put back.
func (s *Session[R, P]) Undo() (uint64, error) {
	s.mark()
	s.syncWatermark()
	snap, err := s.timeline.Undo()
	if err != nil {
		return 0, err
	}
	s.schedule(snap)
	s.event("undo", "", snap.Tick())
	return snap.Tick(), nil
}

func (s *Session[R, P]) Redo() (uint64, error) {
	s.mark()
	s.syncWatermark()
	snap, err := s.timeline.Redo()
	if err != nil {
		return 0, err
	}
	s.schedule(snap)
	s.event("redo", "", snap.Tick())
	return snap.Tick(), nil
}

func (s *Session[R, P]) syncWatermark() {
	if s.opts.Outbox != nil {
		s.timeline.SetWatermark(s.opts.Outbox.Watermark())
	}
}

// mark remembers the state to fall back to unless a restore is already
// scheduled, in which case the earlier mark still holds.
func (s *Session[R, P]) mark() {
	if s.pending == nil {
		s.fallback = fallback{cursor: s.timeline.Cursor(), paused: s.paused}
	}
}

func (s *Session[R, P]) schedule(snap *snapshot.Snapshot[R]) {
	s.pending = snap
	s.paused = true
}

// SaveState captures the live root into a named savestate, replacing any
// previous one.
func (s *Session[R, P]) SaveState(slot string) error {
	snap, err := s.opts.Codec.Capture(s.live)
	if err != nil {
		return fmt.Errorf("session: save state %q: %w", slot, err)
	}
	s.states[slot] = snap
	s.opts.Index.RecordSnapshot(indexdb.SnapshotRow{
		Session: s.opts.ID, Tick: snap.Tick(), Kind: "slot", Slot: slot,
		Size: snap.Size(), RawSize: snap.RawSize(), Refs: snap.Refs(),
	})
	s.event("save_state", slot, snap.Tick())
	return nil
}

// LoadState schedules a restore of slot for the next tick boundary.
func (s *Session[R, P]) LoadState(slot string) error {
	snap, ok := s.states[slot]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSlot, slot)
	}
	s.mark()
	s.pending = snap
	s.event("load_state", slot, snap.Tick())
	return nil
}

func (s *Session[R, P]) DeleteState(slot string) {
	delete(s.states, slot)
}

func (s *Session[R, P]) HasState(slot string) bool {
	_, ok := s.states[slot]
	return ok
}

func (s *Session[R, P]) event(kind, detail string, target uint64) {
	if s.opts.Events == nil {
		return
	}
	if err := s.opts.Events.WriteEvent(plog.Event{Tick: s.Now(), Kind: kind, Detail: detail, Target: target}); err != nil {
		s.log.Printf("event log: %v", err)
	}
}
