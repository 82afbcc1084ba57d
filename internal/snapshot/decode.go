package snapshot

import (
	"encoding"
	"fmt"
	"reflect"
)

type decoder struct {
	table map[uint64]reflect.Value
	types []reflect.Type
	memo  map[uint64]reflect.Value
}

func (d *decoder) corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// decode writes n into dst, which must be settable.
func (d *decoder) decode(n node, dst reflect.Value) error {
	t := dst.Type()
	switch n.K {
	case kNil:
		dst.SetZero()
	case kBool:
		dst.SetBool(n.I != 0)
	case kInt:
		dst.SetInt(n.I)
	case kUint:
		dst.SetUint(n.U)
	case kFloat:
		dst.SetFloat(n.F)
	case kComplex:
		dst.SetComplex(n.C)
	case kString:
		dst.SetString(n.S)
	case kBytes:
		switch t.Kind() {
		case reflect.Array:
			if len(n.B) != dst.Len() {
				return d.corrupt("%s: %d bytes", t, len(n.B))
			}
			for i, c := range n.B {
				dst.Index(i).SetUint(uint64(c))
			}
		case reflect.Slice:
			b := reflect.MakeSlice(t, len(n.B), len(n.B))
			for i, c := range n.B {
				b.Index(i).SetUint(uint64(c))
			}
			dst.Set(b)
		default:
			return d.corrupt("%s cannot hold bytes", t)
		}
	case kBinary:
		u, ok := dst.Addr().Interface().(encoding.BinaryUnmarshaler)
		if !ok {
			return d.corrupt("%s is not a BinaryUnmarshaler", t)
		}
		if err := u.UnmarshalBinary(n.B); err != nil {
			return d.corrupt("%s: %v", t, err)
		}
	case kStruct:
		for _, kid := range n.Kids {
			f := dst.FieldByName(kid.N)
			if !f.IsValid() {
				return d.corrupt("%s has no field %s", t, kid.N)
			}
			if err := d.decode(kid, f); err != nil {
				return err
			}
		}
	case kSlice:
		s := reflect.MakeSlice(t, len(n.Kids), len(n.Kids))
		for i, kid := range n.Kids {
			if err := d.decode(kid, s.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(s)
	case kArray:
		if len(n.Kids) != dst.Len() {
			return d.corrupt("%s: array of %d elements", t, len(n.Kids))
		}
		for i, kid := range n.Kids {
			if err := d.decode(kid, dst.Index(i)); err != nil {
				return err
			}
		}
	case kMap:
		if len(n.Kids)%2 != 0 {
			return d.corrupt("%s: odd map entry count", t)
		}
		m := reflect.MakeMapWithSize(t, len(n.Kids)/2)
		d.memo[n.Ref] = m
		dst.Set(m)
		for i := 0; i < len(n.Kids); i += 2 {
			k := reflect.New(t.Key()).Elem()
			if err := d.decode(n.Kids[i], k); err != nil {
				return err
			}
			v := reflect.New(t.Elem()).Elem()
			if err := d.decode(n.Kids[i+1], v); err != nil {
				return err
			}
			m.SetMapIndex(k, v)
		}
	case kPtr:
		if len(n.Kids) != 1 {
			return d.corrupt("%s: pointer without target", t)
		}
		p := reflect.New(t.Elem())
		d.memo[n.Ref] = p
		dst.Set(p)
		return d.decode(n.Kids[0], p.Elem())
	case kRef, kSliceRef:
		root, err := d.block(n)
		if err != nil {
			return err
		}
		target, err := d.walk(root.Elem(), n.Path)
		if err != nil {
			return err
		}
		if n.K == kRef {
			return d.assign(dst, target.Addr())
		}
		lo := int(n.I)
		if target.Kind() != reflect.Array || lo < 0 || n.Len < 0 || n.Len > n.Cap || lo+n.Cap > target.Len() {
			return d.corrupt("%s: slice [%d:%d:%d] of %s", t, lo, lo+n.Len, lo+n.Cap, target.Type())
		}
		s := target.Slice3(lo, lo+n.Len, lo+n.Cap)
		if !s.Type().ConvertibleTo(t) {
			return d.corrupt("%s is not convertible to %s", s.Type(), t)
		}
		dst.Set(s.Convert(t))
	case kBackref:
		v, ok := d.memo[n.Ref]
		if !ok {
			return fmt.Errorf("%w: back reference %d", ErrUnresolved, n.Ref)
		}
		return d.assign(dst, v)
	case kRetained:
		v, ok := d.table[n.Ref]
		if !ok {
			return fmt.Errorf("%w: identity key %d", ErrUnresolved, n.Ref)
		}
		return d.assign(dst, v)
	case kIface:
		if n.Ref >= uint64(len(d.types)) || len(n.Kids) != 1 {
			return d.corrupt("interface value with unknown type %d", n.Ref)
		}
		v := reflect.New(d.types[n.Ref]).Elem()
		if err := d.decode(n.Kids[0], v); err != nil {
			return err
		}
		return d.assign(dst, v)
	default:
		return d.corrupt("unknown node kind %d", n.K)
	}
	return nil
}

// block returns the allocation for a block reference, building it from the
// reference's contents on first use.
func (d *decoder) block(n node) (reflect.Value, error) {
	root, ok := d.memo[n.Ref]
	if len(n.Kids) == 0 {
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: block %d", ErrUnresolved, n.Ref)
		}
		return root, nil
	}
	if ok || len(n.Kids) != 1 || n.U >= uint64(len(d.types)) {
		return reflect.Value{}, d.corrupt("block %d: bad definition", n.Ref)
	}
	root = reflect.New(d.types[n.U])
	d.memo[n.Ref] = root
	return root, d.decode(n.Kids[0], root.Elem())
}

func (d *decoder) walk(v reflect.Value, path []int) (reflect.Value, error) {
	for _, i := range path {
		switch {
		case v.Kind() == reflect.Struct && i >= 0 && i < v.NumField():
			v = v.Field(i)
		case v.Kind() == reflect.Array && i >= 0 && i < v.Len():
			v = v.Index(i)
		default:
			return reflect.Value{}, d.corrupt("path %v does not fit %s", path, v.Type())
		}
	}
	return v, nil
}

func (d *decoder) assign(dst, v reflect.Value) error {
	if !v.Type().AssignableTo(dst.Type()) {
		return d.corrupt("%s is not assignable to %s", v.Type(), dst.Type())
	}
	dst.Set(v)
	return nil
}
