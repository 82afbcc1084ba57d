package input

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Code is one opaque input identifier. Its serialized form is a single
// printable character.
type Code rune

func (c Code) String() string { return string(rune(c)) }

// Valid reports whether c can appear in a persisted replay line.
func (c Code) Valid() bool {
	r := rune(c)
	if r == ':' || r == '/' || unicode.IsSpace(r) {
		return false
	}
	return unicode.IsPrint(r)
}

// Set is an immutable set of codes. The zero value is the empty set.
// Two sets holding the same codes compare equal with ==.
type Set struct {
	codes string // sorted, unique
}

// Empty is the set with no codes.
var Empty Set

func Of(codes ...Code) Set {
	if len(codes) == 0 {
		return Set{}
	}
	rs := make([]rune, 0, len(codes))
	for _, c := range codes {
		rs = append(rs, rune(c))
	}
	return canonical(rs)
}

// Parse reads the serialized form of a set: concatenated codes in any order.
func Parse(s string) (Set, error) {
	rs := []rune(s)
	for i, r := range rs {
		if !Code(r).Valid() {
			return Set{}, fmt.Errorf("input code %q at %d is not serializable", r, i)
		}
	}
	return canonical(rs), nil
}

func canonical(rs []rune) Set {
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	out := rs[:0]
	for i, r := range rs {
		if i > 0 && r == rs[i-1] {
			continue
		}
		out = append(out, r)
	}
	return Set{codes: string(out)}
}

func (s Set) Has(c Code) bool { return strings.ContainsRune(s.codes, rune(c)) }

func (s Set) Len() int {
	n := 0
	for range s.codes {
		n++
	}
	return n
}

func (s Set) Empty() bool { return s.codes == "" }

func (s Set) Codes() []Code {
	out := make([]Code, 0, len(s.codes))
	for _, r := range s.codes {
		out = append(out, Code(r))
	}
	return out
}

func (s Set) With(codes ...Code) Set {
	if len(codes) == 0 {
		return s
	}
	rs := []rune(s.codes)
	for _, c := range codes {
		rs = append(rs, rune(c))
	}
	return canonical(rs)
}

func (s Set) Without(codes ...Code) Set {
	if len(codes) == 0 || s.Empty() {
		return s
	}
	var b strings.Builder
	for _, r := range s.codes {
		drop := false
		for _, c := range codes {
			if rune(c) == r {
				drop = true
				break
			}
		}
		if !drop {
			b.WriteRune(r)
		}
	}
	return Set{codes: b.String()}
}

func (s Set) Union(o Set) Set {
	switch {
	case o.Empty():
		return s
	case s.Empty():
		return o
	}
	return canonical([]rune(s.codes + o.codes))
}

// Difference returns the codes of s that are not in o.
func (s Set) Difference(o Set) Set {
	if o.Empty() {
		return s
	}
	return s.Without(o.Codes()...)
}

// String returns the serialized form: sorted concatenated codes.
func (s Set) String() string { return s.codes }

// MarshalBinary lets sets live inside captured simulation state.
func (s Set) MarshalBinary() ([]byte, error) { return []byte(s.codes), nil }

func (s *Set) UnmarshalBinary(b []byte) error {
	*s = canonical([]rune(string(b)))
	return nil
}

func (s Set) MarshalText() ([]byte, error) { return []byte(s.codes), nil }

func (s *Set) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}
