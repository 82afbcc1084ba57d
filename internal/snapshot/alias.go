package snapshot

import (
	"cmp"
	"reflect"
	"slices"
)

// region is one span of memory reachable through a pointer or through a
// slice's backing array (up to its capacity).
type region struct {
	start, end uintptr
	typ        reflect.Type // pointee type, or slice element type
	slice      bool
	cap        int
	val        reflect.Value

	block *block
	path  []int // from the block root to the pointee or backing array
	index int   // offset of a slice within its backing array
}

type regionKey struct {
	start uintptr
	typ   reflect.Type
	slice bool
	cap   int
}

// block is a group of overlapping regions rebuilt as one allocation, so a
// write through any of its references is seen through all of them.
type block struct {
	id      uint64
	typ     reflect.Type
	root    reflect.Value // pointer to the block's memory
	emitted bool
}

func (e *encoder) retainable(v reflect.Value) bool {
	return e.retain != nil && e.retain(v.Interface())
}

func (e *encoder) addRegion(k regionKey, size uintptr, v reflect.Value) {
	r := &region{start: k.start, end: k.start + size, typ: k.typ, slice: k.slice, cap: k.cap, val: v}
	e.regions[k] = r
	e.order = append(e.order, r)
}

// scan records every region reachable from v. It follows the same edges as
// encode and skips retained values.
func (e *encoder) scan(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() || e.retainable(v) {
			return
		}
		e.scanPointer(v)
	case reflect.Slice:
		et := v.Type().Elem()
		if v.IsNil() || v.Cap() == 0 || et.Size() == 0 {
			return
		}
		k := regionKey{start: v.Pointer(), typ: et, slice: true, cap: v.Cap()}
		if _, ok := e.regions[k]; ok {
			return
		}
		full := v.Slice3(0, v.Cap(), v.Cap())
		e.addRegion(k, uintptr(v.Cap())*et.Size(), full)
		if !e.isFlat(et) {
			for i := 0; i < full.Len(); i++ {
				e.scan(full.Index(i))
			}
		}
	case reflect.Map:
		if v.IsNil() || e.retainable(v) {
			return
		}
		id := identity{t: v.Type(), p: v.Pointer()}
		if e.scanned[id] {
			return
		}
		e.scanned[id] = true
		it := v.MapRange()
		for it.Next() {
			e.scan(it.Key())
			e.scan(it.Value())
		}
	case reflect.Interface:
		if !v.IsNil() {
			e.scan(v.Elem())
		}
	case reflect.Array:
		if e.isFlat(v.Type().Elem()) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			e.scan(v.Index(i))
		}
	case reflect.Struct:
		if _, ok := binaryMarshaler(v); ok {
			return
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				e.scan(v.Field(i))
			}
		}
	}
}

func (e *encoder) scanPointer(v reflect.Value) {
	t := v.Type().Elem()
	if t.Size() == 0 {
		return
	}
	k := regionKey{start: v.Pointer(), typ: t}
	if _, ok := e.regions[k]; ok {
		return
	}
	e.addRegion(k, t.Size(), v)
	e.scan(v.Elem())
}

// isFlat reports whether values of t hold nothing scan can follow.
func (e *encoder) isFlat(t reflect.Type) bool {
	if f, ok := e.flat[t]; ok {
		return f
	}
	e.flat[t] = false // recursive types are not flat
	f := true
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		f = false
	case reflect.Array:
		f = e.isFlat(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField() && f; i++ {
			f = e.isFlat(t.Field(i).Type)
		}
	}
	e.flat[t] = f
	return f
}

// group merges overlapping regions into blocks and places every region inside
// its block's root value.
func (e *encoder) group() error {
	rs := slices.Clone(e.order)
	slices.SortFunc(rs, func(a, b *region) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(b.end, a.end)
	})
	for i := 0; i < len(rs); {
		j, end := i+1, rs[i].end
		for j < len(rs) && rs[j].start < end {
			end = max(end, rs[j].end)
			j++
		}
		if err := e.place(rs[i:j], end); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// place picks a region spanning the whole group as the block root. Slices
// sharing a backing array that none of them spans fail capture.
func (e *encoder) place(group []*region, end uintptr) error {
	start := group[0].start
	var cands []*region
	for _, r := range group {
		if r.start == start && r.end == end {
			cands = append(cands, r)
		}
	}
	slices.SortStableFunc(cands, func(a, b *region) int {
		if a.slice == b.slice {
			return 0
		}
		if !a.slice {
			return -1
		}
		return 1
	})
	for _, c := range cands {
		typ, root := c.typ, c.val
		if c.slice {
			typ = reflect.ArrayOf(c.cap, c.typ)
			root = c.val.Convert(reflect.PointerTo(typ))
		}
		if placeAll(group, typ, start) {
			e.nextID++
			b := &block{id: e.nextID, typ: typ, root: root}
			for _, r := range group {
				r.block = b
			}
			return nil
		}
	}
	return e.fail("overlapping references into %s cannot be rebuilt", group[0].typ)
}

func placeAll(group []*region, typ reflect.Type, start uintptr) bool {
	for _, r := range group {
		path, index, ok := locate(typ, r.start-start, r)
		if !ok {
			return false
		}
		r.path, r.index = path, index
	}
	return true
}

// locate finds r at byte offset off inside a value of type t and returns the
// field/element path to it. For a slice the path ends at the backing array
// and index is the slice's first element.
func locate(t reflect.Type, off uintptr, r *region) (path []int, index int, ok bool) {
	if r.slice {
		if t.Kind() == reflect.Array && t.Elem() == r.typ {
			size := r.typ.Size()
			if off%size != 0 || int(off/size)+r.cap > t.Len() {
				return nil, 0, false
			}
			return nil, int(off / size), true
		}
	} else if off == 0 && t == r.typ {
		return nil, 0, true
	}

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Type.Size() == 0 || off < f.Offset || off >= f.Offset+f.Type.Size() {
				continue
			}
			p, idx, ok := locate(f.Type, off-f.Offset, r)
			if !ok {
				return nil, 0, false
			}
			return append([]int{i}, p...), idx, true
		}
	case reflect.Array:
		size := t.Elem().Size()
		if size == 0 || off/size >= uintptr(t.Len()) {
			break
		}
		p, idx, ok := locate(t.Elem(), off%size, r)
		if !ok {
			return nil, 0, false
		}
		return append([]int{int(off / size)}, p...), idx, true
	}
	return nil, 0, false
}
