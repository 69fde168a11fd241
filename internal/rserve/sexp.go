package rserve

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// SEXP types.
const (
	XTNull       = 0
	XTInt        = 1
	XTDouble     = 2
	XTStr        = 3
	XTS4         = 7
	XTVector     = 16
	XTClos       = 18
	XTSymName    = 19
	XTListNoTag  = 20
	XTListTag    = 21
	XTLangNoTag  = 22
	XTLangTag    = 23
	XTVectorExp  = 26
	XTArrayInt   = 32
	XTArrayDbl   = 33
	XTArrayStr   = 34
	XTArrayBool  = 36
	XTRaw        = 37
	XTArrayCplx  = 38
	XTUnknown    = 48
	XTLarge      = 64
	XTHasAttr    = 128
	naStringByte = 0xff
)

// Decode parses one SEXP payload (without the DT_SEXP parameter header).
func Decode(b []byte) (Value, error) {
	v, rest, err := decode(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after SEXP", ErrProtocol, len(rest))
	}
	return v, nil
}

func decode(b []byte) (Value, []byte, error) {
	typ, n, hl, err := readHeader(b)
	if err != nil {
		return nil, nil, err
	}
	body := b[hl : hl+n]
	rest := b[hl+n:]

	var attrList *List
	if typ&XTHasAttr != 0 {
		typ &^= XTHasAttr
		a, after, err := decode(body)
		if err != nil {
			return nil, nil, fmt.Errorf("attributes: %w", err)
		}
		l, ok := a.(*List)
		if !ok {
			return nil, nil, fmt.Errorf("%w: attributes are %T", ErrProtocol, a)
		}
		attrList = l
		body = after
	}

	v, err := decodeBody(typ, body)
	if err != nil {
		return nil, nil, err
	}
	if attrList != nil {
		v.setAttributes(attrList)
	}
	return v, rest, nil
}

func decodeBody(typ int, body []byte) (Value, error) {
	switch typ {
	case XTNull, XTS4:
		return &Null{}, nil

	case XTInt, XTArrayInt:
		if len(body)%4 != 0 {
			return nil, fmt.Errorf("%w: int array of %d bytes", ErrProtocol, len(body))
		}
		v := make([]int32, len(body)/4)
		for i := range v {
			v[i] = int32(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return &Ints{V: v}, nil

	case XTDouble, XTArrayDbl:
		if len(body)%8 != 0 {
			return nil, fmt.Errorf("%w: double array of %d bytes", ErrProtocol, len(body))
		}
		v := make([]float64, len(body)/8)
		for i := range v {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		return &Doubles{V: v}, nil

	case XTStr, XTArrayStr:
		return decodeStrings(body), nil

	case XTSymName:
		s := decodeStrings(body)
		name := ""
		if len(s.V) > 0 {
			name = s.V[0]
		}
		return &Symbol{Name: name}, nil

	case XTArrayBool:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: short logical vector", ErrProtocol)
		}
		n := int(binary.LittleEndian.Uint32(body))
		if n < 0 || 4+n > len(body) {
			return nil, fmt.Errorf("%w: logical count %d exceeds %d bytes", ErrProtocol, n, len(body)-4)
		}
		v := make([]Logical, n)
		for i := range v {
			switch body[4+i] {
			case 0:
				v[i] = False
			case 1:
				v[i] = True
			default:
				v[i] = NA
			}
		}
		return &Logicals{V: v}, nil

	case XTRaw:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: short raw vector", ErrProtocol)
		}
		n := int(binary.LittleEndian.Uint32(body))
		if n < 0 || 4+n > len(body) {
			return nil, fmt.Errorf("%w: raw count %d exceeds %d bytes", ErrProtocol, n, len(body)-4)
		}
		return &Raw{V: append([]byte(nil), body[4:4+n]...)}, nil

	case XTVector, XTVectorExp, XTListNoTag, XTLangNoTag:
		l := &List{}
		for len(body) > 0 {
			v, rest, err := decode(body)
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, v)
			body = rest
		}
		return l, nil

	case XTListTag, XTLangTag:
		l := &List{}
		for len(body) > 0 {
			v, rest, err := decode(body)
			if err != nil {
				return nil, err
			}
			tag, rest, err := decode(rest)
			if err != nil {
				return nil, err
			}
			name := ""
			if s, err := AsString(tag); err == nil {
				name = s
			}
			l.Values = append(l.Values, v)
			l.Names = append(l.Names, name)
			body = rest
		}
		return l, nil
	}

	return &Unknown{Type: typ}, nil
}

// decodeStrings splits NUL terminated strings. The \x01 padding after the
// last NUL is dropped. A lone 0xff is NA and a leading 0xff on any other
// string is an escape.
func decodeStrings(body []byte) *Strings {
	s := &Strings{}
	for len(body) > 0 {
		i := bytes.IndexByte(body, 0)
		if i < 0 {
			break
		}
		raw := body[:i]
		body = body[i+1:]

		switch {
		case len(raw) == 1 && raw[0] == naStringByte:
			s.V = append(s.V, "")
			s.NA = append(s.NA, true)
		case len(raw) > 0 && raw[0] == naStringByte:
			s.V = append(s.V, string(raw[1:]))
			s.NA = append(s.NA, false)
		default:
			s.V = append(s.V, string(raw))
			s.NA = append(s.NA, false)
		}
	}
	return s
}

// Encode serialises v as a SEXP (without the DT_SEXP parameter header).
func Encode(v Value) ([]byte, error) {
	return encode(nil, v)
}

func encode(buf []byte, v Value) ([]byte, error) {
	if v == nil {
		v = &Null{}
	}

	var typ int
	var body []byte
	var err error

	switch x := v.(type) {
	case *Null:
		typ = XTNull

	case *Ints:
		typ = XTArrayInt
		body = make([]byte, 4*len(x.V))
		for i, n := range x.V {
			binary.LittleEndian.PutUint32(body[i*4:], uint32(n))
		}

	case *Doubles:
		typ = XTArrayDbl
		body = make([]byte, 8*len(x.V))
		for i, f := range x.V {
			binary.LittleEndian.PutUint64(body[i*8:], math.Float64bits(f))
		}

	case *Strings:
		typ = XTArrayStr
		body = encodeStrings(x)

	case *Symbol:
		typ = XTSymName
		body = encodeStrings(NewStrings(x.Name))

	case *Logicals:
		typ = XTArrayBool
		body = binary.LittleEndian.AppendUint32(nil, uint32(len(x.V)))
		for _, b := range x.V {
			body = append(body, byte(b))
		}
		for len(body)%4 != 0 {
			body = append(body, 0xff)
		}

	case *Raw:
		typ = XTRaw
		body = binary.LittleEndian.AppendUint32(nil, uint32(len(x.V)))
		body = append(body, x.V...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}

	case *List:
		tagged := false
		for _, n := range x.Names {
			if n != "" {
				tagged = true
				break
			}
		}
		typ = XTVector
		for _, e := range x.Values {
			if body, err = encode(body, e); err != nil {
				return nil, err
			}
		}
		if tagged && x.Attributes() == nil {
			names := &List{
				Values: []Value{NewStrings(padNames(x.Names, len(x.Values))...)},
				Names:  []string{"names"},
			}
			return encodeWithAttr(buf, typ, names, body)
		}

	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMismatch, v)
	}

	if a := v.Attributes(); a != nil {
		return encodeWithAttr(buf, typ, a, body)
	}
	buf = appendHeader(buf, typ, len(body))
	return append(buf, body...), nil
}

// encodeWithAttr prefixes body with the attribute pairlist a.
func encodeWithAttr(buf []byte, typ int, a *List, body []byte) ([]byte, error) {
	ab, err := encodePairlist(a)
	if err != nil {
		return nil, err
	}
	buf = appendHeader(buf, typ|XTHasAttr, len(ab)+len(body))
	buf = append(buf, ab...)
	return append(buf, body...), nil
}

// encodePairlist writes l as an XT_LIST_TAG of value, symbol pairs.
func encodePairlist(l *List) ([]byte, error) {
	var body []byte
	var err error
	for i, v := range l.Values {
		if body, err = encode(body, v); err != nil {
			return nil, err
		}
		name := ""
		if i < len(l.Names) {
			name = l.Names[i]
		}
		if body, err = encode(body, &Symbol{Name: name}); err != nil {
			return nil, err
		}
	}
	buf := appendHeader(nil, XTListTag, len(body))
	return append(buf, body...), nil
}

func encodeStrings(s *Strings) []byte {
	var body []byte
	for i, str := range s.V {
		switch {
		case i < len(s.NA) && s.NA[i]:
			body = append(body, naStringByte)
		case len(str) > 0 && str[0] == naStringByte:
			body = append(body, naStringByte)
			body = append(body, str...)
		default:
			body = append(body, str...)
		}
		body = append(body, 0)
	}
	for len(body)%4 != 0 {
		body = append(body, 1)
	}
	return body
}

func padNames(names []string, n int) []string {
	out := make([]string, n)
	copy(out, names)
	return out
}
