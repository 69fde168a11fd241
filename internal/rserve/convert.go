package rserve

import (
	"fmt"
	"math"
	"sort"
)

// FromGo converts decoded JSON style data to an R value. Homogeneous slices
// become atomic vectors, maps become named lists.
func FromGo(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return &Null{}, nil
	case Value:
		return t, nil
	case float64:
		return &Doubles{V: []float64{t}}, nil
	case []float64:
		return &Doubles{V: t}, nil
	case int:
		return &Ints{V: []int32{int32(t)}}, nil
	case []int:
		v := make([]int32, len(t))
		for i, n := range t {
			v[i] = int32(n)
		}
		return &Ints{V: v}, nil
	case string:
		return NewStrings(t), nil
	case []string:
		return NewStrings(t...), nil
	case bool:
		return &Logicals{V: []Logical{logical(t)}}, nil
	case []bool:
		v := make([]Logical, len(t))
		for i, b := range t {
			v[i] = logical(b)
		}
		return &Logicals{V: v}, nil
	case []any:
		return fromSlice(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		l := &List{Names: keys}
		for _, k := range keys {
			v, err := FromGo(t[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			l.Values = append(l.Values, v)
		}
		return l, nil
	}
	return nil, fmt.Errorf("%w: cannot convert %T", ErrMismatch, x)
}

// fromSlice picks the narrowest vector type for s. A nil element is NA in
// an atomic vector.
func fromSlice(s []any) (Value, error) {
	kind := ""
	for _, e := range s {
		k := ""
		switch e.(type) {
		case nil:
			continue
		case float64:
			k = "num"
		case string:
			k = "chr"
		case bool:
			k = "lgl"
		default:
			k = "list"
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			kind = "list"
		}
	}

	switch kind {
	case "num", "":
		v := make([]float64, len(s))
		for i, e := range s {
			if f, ok := e.(float64); ok {
				v[i] = f
			} else {
				v[i] = NADouble()
			}
		}
		return &Doubles{V: v}, nil
	case "chr":
		out := &Strings{V: make([]string, len(s)), NA: make([]bool, len(s))}
		for i, e := range s {
			if str, ok := e.(string); ok {
				out.V[i] = str
			} else {
				out.NA[i] = true
			}
		}
		return out, nil
	case "lgl":
		v := make([]Logical, len(s))
		for i, e := range s {
			if b, ok := e.(bool); ok {
				v[i] = logical(b)
			} else {
				v[i] = NA
			}
		}
		return &Logicals{V: v}, nil
	}

	l := &List{}
	for i, e := range s {
		v, err := FromGo(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		l.Values = append(l.Values, v)
	}
	return l, nil
}

func logical(b bool) Logical {
	if b {
		return True
	}
	return False
}

// ToGo converts v to plain data suitable for JSON. Vectors become slices
// with nil for NA, NaN and infinities. Lists with complete names become
// maps.
func ToGo(v Value) any {
	switch x := v.(type) {
	case nil, *Null, *Unknown:
		return nil
	case *Doubles:
		out := make([]any, len(x.V))
		for i, f := range x.V {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			out[i] = f
		}
		return out
	case *Ints:
		out := make([]any, len(x.V))
		for i, n := range x.V {
			if n != NAInt {
				out[i] = int(n)
			}
		}
		return out
	case *Strings:
		out := make([]any, len(x.V))
		for i, s := range x.V {
			if i >= len(x.NA) || !x.NA[i] {
				out[i] = s
			}
		}
		return out
	case *Logicals:
		out := make([]any, len(x.V))
		for i, b := range x.V {
			if b != NA {
				out[i] = b == True
			}
		}
		return out
	case *Raw:
		return x.V
	case *Symbol:
		return x.Name
	case *List:
		names := x.Names
		if len(names) == 0 {
			if s, ok := Attr(x, "names").(*Strings); ok {
				names = s.V
			}
		}
		if complete(names, len(x.Values)) {
			m := make(map[string]any, len(x.Values))
			for i, e := range x.Values {
				m[names[i]] = ToGo(e)
			}
			return m
		}
		out := make([]any, len(x.Values))
		for i, e := range x.Values {
			out[i] = ToGo(e)
		}
		return out
	}
	return nil
}

func complete(names []string, n int) bool {
	if n == 0 || len(names) != n {
		return false
	}
	for _, s := range names {
		if s == "" {
			return false
		}
	}
	return true
}
