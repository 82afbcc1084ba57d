package snapshot

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"
)

type Options struct {
	// Level is the zstd level used for payloads. Zero means SpeedFastest.
	Level zstd.EncoderLevel
}

// Codec captures and restores roots of type R.
type Codec[R any] struct {
	ad Adapter[R]

	enc *zstd.Encoder
	dec *zstd.Decoder

	promoteMu sync.Mutex
}

func New[R any](ad Adapter[R], opts Options) (*Codec[R], error) {
	if ad.Tick == nil {
		return nil, errors.New("snapshot: adapter has no Tick accessor")
	}
	seen := make(map[string]bool, len(ad.Skip))
	for _, f := range ad.Skip {
		if f.Get == nil || f.Set == nil {
			return nil, fmt.Errorf("snapshot: skip field %q has no accessors", f.Name)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("snapshot: skip field %q listed twice", f.Name)
		}
		seen[f.Name] = true
	}
	level := opts.Level
	if level == 0 {
		level = zstd.SpeedFastest
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &Codec[R]{ad: ad, enc: enc, dec: dec}, nil
}

func (c *Codec[R]) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

func (c *Codec[R]) Adapter() Adapter[R] { return c.ad }

// Capture snapshots root without the adapter's skip fields.
func (c *Codec[R]) Capture(root *R) (*Snapshot[R], error) {
	return c.CaptureSkipping(root)
}

// CaptureSkipping snapshots root without the adapter's skip fields and extra.
// The snapshot remembers the combined list so Restore refreshes all of them
// from the live root.
func (c *Codec[R]) CaptureSkipping(root *R, extra ...Field[R]) (snap *Snapshot[R], err error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrCapture)
	}
	skip := append(slices.Clip(c.ad.Skip), extra...)
	tick := c.ad.Tick(root)

	reattach := detach(root, skip)
	defer reattach()
	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("%w: %v", ErrCapture, r)
		}
	}()

	e := newEncoder(c.ad.Retain)
	n, err := e.encodeRoot(reflect.ValueOf(root))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&n); err != nil {
		return nil, fmt.Errorf("%w: gob encode: %v", ErrCapture, err)
	}
	return &Snapshot[R]{
		tick:    tick,
		payload: c.enc.EncodeAll(buf.Bytes(), nil),
		raw:     buf.Len(),
		refs:    e.table,
		types:   e.types,
		skip:    skip,
	}, nil
}

// detach clears every field in fields and returns the function that puts the
// original values back.
func detach[R any](root *R, fields []Field[R]) func() {
	vals := make([]any, 0, len(fields))
	for _, f := range fields {
		vals = append(vals, f.Get(root))
		f.Set(root, nil)
	}
	return func() {
		for i, v := range vals {
			fields[i].Set(root, v)
		}
	}
}

// Materialize rebuilds a root from s with its skip fields taken from live.
// The result is detached: it is not marked primary and live is untouched.
func (c *Codec[R]) Materialize(s *Snapshot[R], live *R) (*R, error) {
	root, err := c.decode(s)
	if err != nil {
		return nil, err
	}
	if live != nil {
		for _, f := range s.skip {
			f.Set(root, f.Get(live))
		}
	}
	return root, nil
}

// Restore rebuilds a root from s, refreshes its skip fields from live and
// makes it the primary root in place of live. On error live keeps its flag
// and nothing is applied.
func (c *Codec[R]) Restore(s *Snapshot[R], live *R) (*R, error) {
	root, err := c.Materialize(s, live)
	if err != nil {
		return nil, err
	}
	c.Promote(live, root)
	return root, nil
}

// Promote moves the primary flag from prev (may be nil) to next.
func (c *Codec[R]) Promote(prev, next *R) {
	if c.ad.Primary == nil {
		return
	}
	c.promoteMu.Lock()
	defer c.promoteMu.Unlock()
	if prev != nil {
		c.ad.Primary(prev).on.Store(false)
	}
	c.ad.Primary(next).on.Store(true)
}

func (c *Codec[R]) decode(s *Snapshot[R]) (root *R, err error) {
	raw, err := c.dec.DecodeAll(s.payload, make([]byte, 0, s.raw))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	var n node
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %v", ErrCorrupt, err)
	}
	if n.K != kRef && n.K != kPtr {
		return nil, fmt.Errorf("%w: root is not a pointer", ErrCorrupt)
	}

	defer func() {
		if r := recover(); r != nil {
			root, err = nil, fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()
	d := &decoder{table: s.refs, types: s.types, memo: make(map[uint64]reflect.Value)}
	out := reflect.New(reflect.TypeFor[*R]()).Elem()
	if err := d.decode(n, out); err != nil {
		return nil, err
	}
	return out.Interface().(*R), nil
}
