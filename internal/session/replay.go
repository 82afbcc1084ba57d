package session

import (
	"fmt"

	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/inputlog"
	"tickreplay.dev/internal/persistence/indexdb"
	"tickreplay.dev/internal/predict"
)

// StartReplay feeds l into the following ticks, one set per tick. With
// overwrite unset a replay already playing is merged with l instead.
func (s *Session[R, P]) StartReplay(l *inputlog.Log, overwrite bool) {
	switch {
	case !overwrite && s.playback != nil && l != nil:
		s.playback = s.playback.Merge(l)
	case l == nil || l.Len() == 0:
		s.playback = nil
	default:
		s.playback = l.Compress()
	}
	s.replayCur = 0
	s.replayLen = 0
	if s.playback != nil {
		s.replayLen = s.playback.Len()
	}
}

func (s *Session[R, P]) StopReplay() {
	s.playback = nil
	s.replayCur, s.replayLen = 0, 0
}

// ReplayProgress reports ticks played and total ticks of the active replay.
func (s *Session[R, P]) ReplayProgress() (cur, total int, active bool) {
	return s.replayCur, s.replayLen, s.playback != nil
}

// ReplayInstant runs every tick of l right away, ignoring pause, and leaves
// the session paused on the last tick.
func (s *Session[R, P]) ReplayInstant(l *inputlog.Log) error {
	s.paused = false
	for set := range l.All() {
		if _, _, err := s.Tick(set); err != nil {
			return err
		}
	}
	s.paused = true
	return nil
}

// PlayReplay loads a replay from the store and starts it.
func (s *Session[R, P]) PlayReplay(name string, overwrite bool) (inputlog.Header, error) {
	if s.opts.Store == nil {
		return inputlog.Header{}, ErrNoStore
	}
	h, l, err := s.opts.Store.Load(name)
	if err != nil {
		return h, err
	}
	s.StartReplay(l, overwrite)
	s.event("replay_start", name, uint64(l.Len()))
	return h, nil
}

// QueueReplay makes name play when the next context with a matching label
// begins.
func (s *Session[R, P]) QueueReplay(name string) { s.queued = name }

// NewContext starts a new area or level: the recording is cleared and a queued
// or autoload replay for label starts playing.
func (s *Session[R, P]) NewContext(label string) error {
	s.label = label
	s.recording.Clear()
	s.contextStart = s.Now()
	s.prediction = nil
	if s.opts.Store == nil {
		return nil
	}

	if name := s.queued; name != "" {
		h, l, err := s.opts.Store.Load(name)
		if err != nil {
			s.queued = ""
			return err
		}
		if h.Label == label {
			s.queued = ""
			s.StartReplay(l, true)
			s.event("replay_start", name, uint64(l.Len()))
			return nil
		}
	}

	_, l, ok, err := s.opts.Store.Autoload(label)
	if err != nil {
		return err
	}
	if ok {
		s.StartReplay(l, true)
		s.event("autoload", label, uint64(l.Len()))
		return nil
	}
	s.StopReplay()
	return nil
}

// SaveReplay writes the recording of the current context to the store and
// binds it to slot. The header start tick is the tick before recording began.
func (s *Session[R, P]) SaveReplay(slot string) (string, error) {
	if s.opts.Store == nil {
		return "", ErrNoStore
	}
	h := inputlog.Header{Label: s.label, StartTick: int64(s.Now()) - int64(s.recording.Len()) - 1}
	name, err := s.opts.Store.Save(h, s.recording)
	if err != nil {
		return "", fmt.Errorf("session: save replay: %w", err)
	}
	if slot != "" {
		s.replaySlots[slot] = name
		s.opts.Index.AssignSlot(s.opts.ID, slot, name)
	}
	s.opts.Index.RecordReplay(indexdb.ReplayRow{
		Session: s.opts.ID, Name: name, Label: h.Label, StartTick: h.StartTick,
		Ticks: s.recording.Len(), Runs: len(s.recording.Runs()),
	})
	s.log.Printf("saved %d ticks into slot %q (%s)", s.recording.Len(), slot, name)
	s.event("save_replay", name, uint64(s.recording.Len()))
	return name, nil
}

// ReplaySlot returns the replay bound to slot.
func (s *Session[R, P]) ReplaySlot(slot string) (string, bool) {
	name, ok := s.replaySlots[slot]
	return name, ok
}

func (s *Session[R, P]) DeleteReplaySlot(slot string) { delete(s.replaySlots, slot) }

// Predict forks the live root, holds the given inputs and runs until the
// Settled predicate holds or the configured tick budget is spent. The
// trajectory's inputs are kept for QueuePrediction.
func (s *Session[R, P]) Predict(held input.Set) (predict.Trajectory[P], error) {
	p, err := predict.Fork(s.opts.Codec, s.live, s.opts.Step)
	if err != nil {
		return predict.Trajectory[P]{}, err
	}
	// Inputs already held on the live side are not newly pressed in the fork.
	prev := s.prevHeld
	if s.opts.Prev != nil {
		prev = s.opts.Prev(s.live)
	}
	p.Carry(prev)
	p.Hold(held.Union(s.locked).Difference(s.opts.Control))

	tr, err := p.AdvanceUntil(s.opts.Settled, s.opts.Config.Predict.MaxTicks)
	if err != nil {
		return tr, err
	}
	s.prediction = &tr
	return tr, nil
}

// QueuePrediction replays the inputs of the last prediction. It reports false
// when there is none.
func (s *Session[R, P]) QueuePrediction() bool {
	if s.prediction == nil || s.prediction.Inputs.Len() == 0 {
		return false
	}
	s.StartReplay(s.prediction.Inputs, true)
	return true
}
