package rserve

import (
	"errors"
	"fmt"
	"math"
)

// ErrMismatch is returned when a value cannot be read as the requested type.
var ErrMismatch = errors.New("rserve: type mismatch")

// NAInt is R's integer NA.
const NAInt = math.MinInt32

// naDoubleBits is the payload R uses for a double NA (NaN with low word 1954).
const naDoubleBits = 0x7ff00000000007a2

// NADouble returns R's double NA.
func NADouble() float64 { return math.Float64frombits(naDoubleBits) }

// IsNADouble reports whether f is R's NA, as opposed to a plain NaN.
func IsNADouble(f float64) bool {
	return math.IsNaN(f) && uint32(math.Float64bits(f)) == 1954
}

// Value is a decoded R object.
type Value interface {
	// Attributes returns the attribute pairlist, or nil.
	Attributes() *List
	setAttributes(*List)
}

type attrs struct {
	attr *List
}

func (a *attrs) Attributes() *List      { return a.attr }
func (a *attrs) setAttributes(l *List) { a.attr = l }

// Null is R's NULL.
type Null struct{ attrs }

// Doubles is a numeric vector.
type Doubles struct {
	attrs
	V []float64
}

// Ints is an integer vector. NA is NAInt.
type Ints struct {
	attrs
	V []int32
}

// Strings is a character vector. NA[i] marks NA_character_.
type Strings struct {
	attrs
	V  []string
	NA []bool
}

// Logical is one element of a logical vector.
type Logical byte

const (
	False Logical = 0
	True  Logical = 1
	NA    Logical = 2
)

// Logicals is a logical vector.
type Logicals struct {
	attrs
	V []Logical
}

// Raw is a raw vector.
type Raw struct {
	attrs
	V []byte
}

// Symbol is an R symbol.
type Symbol struct {
	attrs
	Name string
}

// List is a generic vector or pairlist. Names has one entry per value when
// the list is tagged, empty strings for untagged elements.
type List struct {
	attrs
	Values []Value
	Names  []string
}

// Unknown holds an object type the client does not decode.
type Unknown struct {
	attrs
	Type int
}

// NewStrings builds a character vector without NAs.
func NewStrings(s ...string) *Strings {
	return &Strings{V: s, NA: make([]bool, len(s))}
}

// Get returns the element tagged name. Names given by a "names" attribute
// are consulted when the list itself is untagged.
func (l *List) Get(name string) Value {
	names := l.Names
	if len(names) == 0 {
		if s, ok := attr(l, "names").(*Strings); ok {
			names = s.V
		}
	}
	for i, n := range names {
		if n == name && i < len(l.Values) {
			return l.Values[i]
		}
	}
	return nil
}

// Len returns the number of elements.
func (l *List) Len() int { return len(l.Values) }

// attr returns the attribute called name of v.
func attr(v Value, name string) Value {
	a := v.Attributes()
	if a == nil {
		return nil
	}
	for i, n := range a.Names {
		if n == name && i < len(a.Values) {
			return a.Values[i]
		}
	}
	return nil
}

// SetAttributes replaces the attributes of v and returns it.
func SetAttributes(v Value, a *List) Value {
	v.setAttributes(a)
	return v
}

// Attr returns the attribute called name of v, or nil.
func Attr(v Value, name string) Value {
	if v == nil {
		return nil
	}
	return attr(v, name)
}

// Inherits reports whether the class attribute of v contains class.
func Inherits(v Value, class string) bool {
	s, ok := Attr(v, "class").(*Strings)
	if !ok {
		return false
	}
	for _, c := range s.V {
		if c == class {
			return true
		}
	}
	return false
}

// AsFloat64s reads a numeric, integer or logical vector. NA becomes R's NA
// double.
func AsFloat64s(v Value) ([]float64, error) {
	switch x := v.(type) {
	case *Doubles:
		return x.V, nil
	case *Ints:
		out := make([]float64, len(x.V))
		for i, n := range x.V {
			if n == NAInt {
				out[i] = NADouble()
				continue
			}
			out[i] = float64(n)
		}
		return out, nil
	case *Logicals:
		out := make([]float64, len(x.V))
		for i, b := range x.V {
			switch b {
			case True:
				out[i] = 1
			case NA:
				out[i] = NADouble()
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T is not numeric", ErrMismatch, v)
}

// AsFloat64 reads the first element of a numeric vector.
func AsFloat64(v Value) (float64, error) {
	f, err := AsFloat64s(v)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrMismatch)
	}
	return f[0], nil
}

// AsInt reads the first element as an integer. NA is an error.
func AsInt(v Value) (int, error) {
	f, err := AsFloat64(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("%w: NA", ErrMismatch)
	}
	return int(f), nil
}

// AsStrings reads a character vector or a symbol.
func AsStrings(v Value) ([]string, error) {
	switch x := v.(type) {
	case *Strings:
		return x.V, nil
	case *Symbol:
		return []string{x.Name}, nil
	}
	return nil, fmt.Errorf("%w: %T is not character", ErrMismatch, v)
}

// AsString reads the first element of a character vector.
func AsString(v Value) (string, error) {
	s, err := AsStrings(v)
	if err != nil {
		return "", err
	}
	if len(s) == 0 {
		return "", fmt.Errorf("%w: empty vector", ErrMismatch)
	}
	return s[0], nil
}
