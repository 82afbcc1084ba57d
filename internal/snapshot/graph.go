package snapshot

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
)

type kind uint8

const (
	kNil kind = iota
	kBool
	kInt
	kUint
	kFloat
	kComplex
	kString
	kBytes
	kBinary
	kStruct
	kSlice
	kArray
	kMap
	kPtr
	kBackref
	kRetained
	kIface
	kRef
	kSliceRef
)

// node is the gob-encodable form of one value in the captured graph.
type node struct {
	K    kind
	I    int64
	U    uint64
	F    float64
	C    complex128
	S    string
	B    []byte
	N    string // struct field name
	Ref  uint64 // memo id, block id, retained key or type index
	Kids []node

	// Block references: field/element path from the block root, and the
	// slice window over the backing array found there.
	Path []int
	Len  int
	Cap  int
}

type identity struct {
	t reflect.Type
	p uintptr
}

var (
	binaryMarshalerT   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshalerT = reflect.TypeFor[encoding.BinaryUnmarshaler]()
)

type encoder struct {
	retain func(any) bool

	memo   map[identity]uint64
	nextID uint64

	retained map[identity]uint64
	table    map[uint64]reflect.Value
	nextKey  uint64

	types   []reflect.Type
	typeIdx map[reflect.Type]uint64

	regions map[regionKey]*region
	order   []*region
	scanned map[identity]bool
	flat    map[reflect.Type]bool

	path []string
}

func newEncoder(retain func(any) bool) *encoder {
	return &encoder{
		retain:   retain,
		memo:     make(map[identity]uint64),
		retained: make(map[identity]uint64),
		table:    make(map[uint64]reflect.Value),
		typeIdx:  make(map[reflect.Type]uint64),
		regions:  make(map[regionKey]*region),
		scanned:  make(map[identity]bool),
		flat:     make(map[reflect.Type]bool),
	}
}

func (e *encoder) fail(format string, args ...any) error {
	where := "root"
	for _, p := range e.path {
		where += p
	}
	return fmt.Errorf("%w: %s: %s", ErrCapture, where, fmt.Sprintf(format, args...))
}

func (e *encoder) typeRef(t reflect.Type) uint64 {
	if i, ok := e.typeIdx[t]; ok {
		return i
	}
	i := uint64(len(e.types))
	e.types = append(e.types, t)
	e.typeIdx[t] = i
	return i
}

// isRetained checks the retain predicate on reference-like values and records
// matches in the reference table. Func values are never deduplicated because
// distinct closures share a code pointer.
func (e *encoder) isRetained(v reflect.Value) (uint64, bool) {
	if e.retain == nil || v.IsNil() {
		return 0, false
	}
	if !e.retain(v.Interface()) {
		return 0, false
	}
	if v.Kind() != reflect.Func {
		id := identity{t: v.Type(), p: v.Pointer()}
		if key, ok := e.retained[id]; ok {
			return key, true
		}
		e.nextKey++
		e.retained[id] = e.nextKey
	} else {
		e.nextKey++
	}
	e.table[e.nextKey] = v
	return e.nextKey, true
}

// encodeRoot encodes the root pointer itself; the retain predicate is not
// consulted for it. All reachable memory is scanned and grouped into blocks
// first, so a reference met before its owner still lands inside it.
func (e *encoder) encodeRoot(p reflect.Value) (node, error) {
	e.scanPointer(p)
	if err := e.group(); err != nil {
		return node{}, err
	}
	return e.pointer(p)
}

// pointer encodes a non-nil pointer as a reference into its block. Pointers
// to zero-size values have no block and are memoized by identity.
func (e *encoder) pointer(v reflect.Value) (node, error) {
	t := v.Type().Elem()
	if t.Size() > 0 {
		r, ok := e.regions[regionKey{start: v.Pointer(), typ: t}]
		if !ok {
			return node{}, e.fail("%s was not scanned", v.Type())
		}
		return e.ref(node{K: kRef}, r)
	}
	id := identity{t: v.Type(), p: v.Pointer()}
	if ref, ok := e.memo[id]; ok {
		return node{K: kBackref, Ref: ref}, nil
	}
	e.nextID++
	ref := e.nextID
	e.memo[id] = ref
	elem, err := e.encode(v.Elem())
	if err != nil {
		return node{}, err
	}
	return node{K: kPtr, Ref: ref, Kids: []node{elem}}, nil
}

// ref fills in the block of r. The first reference to a block carries the
// block's contents.
func (e *encoder) ref(n node, r *region) (node, error) {
	b := r.block
	n.Ref, n.Path = b.id, r.path
	if b.emitted {
		return n, nil
	}
	b.emitted = true
	e.path = append(e.path, ".*")
	body, err := e.encode(b.root.Elem())
	e.path = e.path[:len(e.path)-1]
	if err != nil {
		return node{}, err
	}
	n.U = e.typeRef(b.typ)
	n.Kids = []node{body}
	return n, nil
}

func (e *encoder) encode(v reflect.Value) (node, error) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if key, ok := e.isRetained(v); ok {
			return node{K: kRetained, Ref: key}, nil
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		n := node{K: kBool}
		if v.Bool() {
			n.I = 1
		}
		return n, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return node{K: kInt, I: v.Int()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return node{K: kUint, U: v.Uint()}, nil
	case reflect.Float32, reflect.Float64:
		return node{K: kFloat, F: v.Float()}, nil
	case reflect.Complex64, reflect.Complex128:
		return node{K: kComplex, C: v.Complex()}, nil
	case reflect.String:
		return node{K: kString, S: v.String()}, nil

	case reflect.Pointer:
		if v.IsNil() {
			return node{K: kNil}, nil
		}
		return e.pointer(v)

	case reflect.Interface:
		if v.IsNil() {
			return node{K: kNil}, nil
		}
		elem := v.Elem()
		kid, err := e.encode(elem)
		if err != nil {
			return node{}, err
		}
		return node{K: kIface, Ref: e.typeRef(elem.Type()), Kids: []node{kid}}, nil

	case reflect.Map:
		if v.IsNil() {
			return node{K: kNil}, nil
		}
		id := identity{t: v.Type(), p: v.Pointer()}
		if ref, ok := e.memo[id]; ok {
			return node{K: kBackref, Ref: ref}, nil
		}
		e.nextID++
		ref := e.nextID
		e.memo[id] = ref
		kids := make([]node, 0, 2*v.Len())
		it := v.MapRange()
		for it.Next() {
			e.path = append(e.path, "[key]")
			k, err := e.encode(it.Key())
			e.path = e.path[:len(e.path)-1]
			if err != nil {
				return node{}, err
			}
			e.path = append(e.path, "["+fmt.Sprint(it.Key())+"]")
			val, err := e.encode(it.Value())
			e.path = e.path[:len(e.path)-1]
			if err != nil {
				return node{}, err
			}
			kids = append(kids, k, val)
		}
		return node{K: kMap, Ref: ref, Kids: kids}, nil

	case reflect.Slice:
		if v.IsNil() {
			return node{K: kNil}, nil
		}
		if v.Cap() == 0 || v.Type().Elem().Size() == 0 {
			kids, err := e.elems(v)
			if err != nil {
				return node{}, err
			}
			return node{K: kSlice, Kids: kids}, nil
		}
		r, ok := e.regions[regionKey{start: v.Pointer(), typ: v.Type().Elem(), slice: true, cap: v.Cap()}]
		if !ok {
			return node{}, e.fail("%s was not scanned", v.Type())
		}
		return e.ref(node{K: kSliceRef, I: int64(r.index), Len: v.Len(), Cap: v.Cap()}, r)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			for i := range b {
				b[i] = byte(v.Index(i).Uint())
			}
			return node{K: kBytes, B: b}, nil
		}
		kids, err := e.elems(v)
		if err != nil {
			return node{}, err
		}
		return node{K: kArray, Kids: kids}, nil

	case reflect.Struct:
		if m, ok := binaryMarshaler(v); ok {
			b, err := m.MarshalBinary()
			if err != nil {
				return node{}, e.fail("%s: %v", v.Type(), err)
			}
			return node{K: kBinary, B: b}, nil
		}
		return e.encodeStruct(v)

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return node{K: kNil}, nil
		}
		return node{}, e.fail("%s value cannot be captured", v.Type())
	}
	return node{}, e.fail("unsupported kind %s", v.Kind())
}

func (e *encoder) elems(v reflect.Value) ([]node, error) {
	kids := make([]node, v.Len())
	for i := range kids {
		e.path = append(e.path, "["+strconv.Itoa(i)+"]")
		k, err := e.encode(v.Index(i))
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			return nil, err
		}
		kids[i] = k
	}
	return kids, nil
}

func (e *encoder) encodeStruct(v reflect.Value) (node, error) {
	t := v.Type()
	kids := make([]node, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "_" {
			continue
		}
		if !f.IsExported() {
			return node{}, e.fail("%s has unexported field %s", t, f.Name)
		}
		e.path = append(e.path, "."+f.Name)
		k, err := e.encode(v.Field(i))
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			return node{}, err
		}
		k.N = f.Name
		kids = append(kids, k)
	}
	return node{K: kStruct, Kids: kids}, nil
}

func binaryMarshaler(v reflect.Value) (encoding.BinaryMarshaler, bool) {
	t := v.Type()
	if !reflect.PointerTo(t).Implements(binaryUnmarshalerT) {
		return nil, false
	}
	if t.Implements(binaryMarshalerT) {
		return v.Interface().(encoding.BinaryMarshaler), true
	}
	pt := reflect.PointerTo(t)
	if !pt.Implements(binaryMarshalerT) {
		return nil, false
	}
	if v.CanAddr() {
		return v.Addr().Interface().(encoding.BinaryMarshaler), true
	}
	p := reflect.New(t)
	p.Elem().Set(v)
	return p.Interface().(encoding.BinaryMarshaler), true
}
