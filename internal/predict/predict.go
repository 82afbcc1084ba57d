// Package predict runs a throwaway copy of the live simulation forward to
// preview short trajectories without touching the live root or its timeline.
package predict

import (
	"errors"
	"fmt"

	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/inputlog"
	"tickreplay.dev/internal/snapshot"
)

var ErrExhausted = errors.New("predict: trajectory already run; Reset or fork again")

// Stepper is the simulation's one-tick update: it advances root with the held
// and newly pressed inputs and returns an observable position.
type Stepper[R, P any] func(root *R, held, pressed input.Set) P

// Trajectory is the outcome of a prediction run.
type Trajectory[P any] struct {
	Positions []P
	// Inputs holds the held set fed on each tick, so the run can be queued
	// as a replay against the live simulation.
	Inputs *inputlog.Log
	// Reached is true when the stop predicate held before the tick budget ran out.
	Reached bool
}

// Predictor owns one forked simulation. It is not safe for concurrent use.
type Predictor[R, P any] struct {
	codec *snapshot.Codec[R]
	snap  *snapshot.Snapshot[R]
	live  *R
	step  Stepper[R, P]

	fork    *R
	held    input.Set
	pressed input.Set
	used    bool
}

// Fork captures live and materializes a detached copy of it. A capture
// failure is returned as is; the caller should skip prediction this cycle.
func Fork[R, P any](codec *snapshot.Codec[R], live *R, step Stepper[R, P]) (*Predictor[R, P], error) {
	snap, err := codec.Capture(live)
	if err != nil {
		return nil, fmt.Errorf("predict: fork: %w", err)
	}
	p := &Predictor[R, P]{codec: codec, snap: snap, live: live, step: step}
	if err := p.Reset(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reset rebuilds the fork from the state captured at Fork and clears inputs.
func (p *Predictor[R, P]) Reset() error {
	fork, err := p.codec.Materialize(p.snap, p.live)
	if err != nil {
		return fmt.Errorf("predict: reset: %w", err)
	}
	p.fork = fork
	p.held, p.pressed = input.Empty, input.Empty
	p.used = false
	return nil
}

// Root is the forked simulation root.
func (p *Predictor[R, P]) Root() *R { return p.fork }

// Tick is the tick the fork was taken at.
func (p *Predictor[R, P]) Tick() uint64 { return p.snap.Tick() }

func (p *Predictor[R, P]) Held() input.Set { return p.held }

func (p *Predictor[R, P]) Press(c input.Code) {
	p.held = p.held.With(c)
	p.pressed = p.pressed.With(c)
}

func (p *Predictor[R, P]) Release(c input.Code) {
	p.held = p.held.Without(c)
	p.pressed = p.pressed.Without(c)
}

// Carry sets inputs that were already held on the live side when the fork
// was taken. They are held but not newly pressed.
func (p *Predictor[R, P]) Carry(s input.Set) {
	p.held = s
	p.pressed = input.Empty
}

// Hold replaces the held set; codes not held before count as newly pressed.
func (p *Predictor[R, P]) Hold(s input.Set) {
	p.pressed = p.pressed.Union(s.Difference(p.held)).Difference(p.held.Difference(s))
	p.held = s
}

// Advance steps the fork one tick. Newly pressed inputs are reported to the
// simulation exactly once.
func (p *Predictor[R, P]) Advance() P {
	pos := p.step(p.fork, p.held, p.pressed)
	p.pressed = input.Empty
	return pos
}

// AdvanceUntil steps until stop holds after a tick or max ticks have run.
// The tick on which stop first holds is included.
func (p *Predictor[R, P]) AdvanceUntil(stop func(root *R, pos P) bool, max int) (Trajectory[P], error) {
	if p.used {
		return Trajectory[P]{}, ErrExhausted
	}
	p.used = true
	tr := Trajectory[P]{Inputs: inputlog.New()}
	for i := 0; i < max; i++ {
		tr.Inputs.Append(p.held)
		pos := p.Advance()
		tr.Positions = append(tr.Positions, pos)
		if stop != nil && stop(p.fork, pos) {
			tr.Reached = true
			break
		}
	}
	return tr, nil
}

// Leap steps exactly n ticks.
func (p *Predictor[R, P]) Leap(n int) (Trajectory[P], error) {
	return p.AdvanceUntil(nil, n)
}
