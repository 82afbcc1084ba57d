// Package snapshot captures a simulation root into a restorable in-memory
// snapshot and rebuilds a fresh root from it.
//
// Capture walks the graph reachable from the root. Fields named by the
// adapter's skip list are swapped out for the duration of the walk and are
// refreshed from the caller's live root on restore. Objects accepted by the
// retain predicate are recorded by identity and spliced back in unchanged, so
// every restore of the same snapshot shares them with the live simulation.
package snapshot

import (
	"errors"
	"reflect"
	"sync/atomic"
)

var (
	// ErrCapture means the graph holds a value that has no captured form.
	// The caller may skip this capture and retry on a later tick.
	ErrCapture = errors.New("snapshot: capture failed")
	// ErrUnresolved means a placeholder in the payload has no entry in the
	// snapshot's reference table.
	ErrUnresolved = errors.New("snapshot: unresolved identity reference")
	// ErrCorrupt means the payload does not fit the root type.
	ErrCorrupt = errors.New("snapshot: corrupt payload")
)

// Field is an explicit accessor for one skip-set field on the root.
// Set with a nil value stores the field's zero value.
type Field[R any] struct {
	Name string
	Get  func(root *R) any
	Set  func(root *R, v any)
}

// FieldOf builds a Field from a pointer accessor.
func FieldOf[R, T any](name string, at func(root *R) *T) Field[R] {
	return Field[R]{
		Name: name,
		Get:  func(root *R) any { return *at(root) },
		Set: func(root *R, v any) {
			if v == nil {
				var zero T
				*at(root) = zero
				return
			}
			*at(root) = v.(T)
		},
	}
}

// Adapter declares what the codec needs to know about a simulation root.
type Adapter[R any] struct {
	// Tick reads the root's tick counter. Required.
	Tick func(root *R) uint64
	// Primary returns the root's primary-instance flag. Optional.
	Primary func(root *R) *PrimaryFlag
	// Skip lists fields excluded from capture and taken from the live root on restore.
	Skip []Field[R]
	// Retain reports whether a reachable pointer, map, chan or func must be
	// kept by identity instead of copied. Optional.
	Retain func(obj any) bool
}

// PrimaryFlag marks the one root that the driver is currently stepping.
// It has no captured form: a decoded root always starts non-primary.
type PrimaryFlag struct {
	on atomic.Bool
}

func (f *PrimaryFlag) IsPrimary() bool { return f.on.Load() }

func (f *PrimaryFlag) MarshalBinary() ([]byte, error) { return nil, nil }

func (f *PrimaryFlag) UnmarshalBinary([]byte) error {
	f.on.Store(false)
	return nil
}

// Snapshot is one captured state of a root. It is immutable once returned by
// Capture and may be restored any number of times.
type Snapshot[R any] struct {
	tick    uint64
	payload []byte
	raw     int
	refs    map[uint64]reflect.Value
	types   []reflect.Type
	skip    []Field[R]
}

func (s *Snapshot[R]) Tick() uint64 { return s.tick }

// Size is the compressed payload size in bytes.
func (s *Snapshot[R]) Size() int { return len(s.payload) }

// RawSize is the uncompressed payload size in bytes.
func (s *Snapshot[R]) RawSize() int { return s.raw }

// Refs is the number of retained objects in the reference table.
func (s *Snapshot[R]) Refs() int { return len(s.refs) }

// Retained returns the live object recorded under key.
func (s *Snapshot[R]) Retained(key uint64) (any, bool) {
	v, ok := s.refs[key]
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// SkipNames lists the fields this snapshot was captured without.
func (s *Snapshot[R]) SkipNames() []string {
	out := make([]string, len(s.skip))
	for i, f := range s.skip {
		out[i] = f.Name
	}
	return out
}
