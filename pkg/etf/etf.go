// Package etf decodes the subset of Erlang External Term Format that peer
// nodes emit from their /sync_buckets endpoint. It is not a general-purpose
// ETF library: no codec in the example pack speaks Erlang's wire format, so
// this is a from-scratch minimal decoder scoped to the tags that endpoint
// actually produces (small/big integers, lists, maps, and the nil/true/false
// atoms).
package etf

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Tag values from the ETF spec (erts/emulator/beam/external.h), limited to
// what /sync_buckets emits.
const (
	tagVersion      = 131
	tagSmallInteger = 97
	tagInteger      = 98
	tagSmallBig     = 110
	tagLargeBig     = 111
	tagNil          = 106
	tagList         = 108
	tagMap          = 116
	tagAtom         = 100
	tagSmallAtomUTF = 119
	tagAtomUTF      = 118
	tagBinary       = 109
	tagSmallTuple   = 104
	tagLargeTuple   = 105
)

// Term is the decoded value of one ETF node: an int64/big.Int, a []Term, a
// map[Term]Term, a string (atoms/binaries), or bool/nil.
type Term any

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("etf: unexpected end of input")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("etf: unexpected end of input reading %d bytes", n)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// Decode parses a full ETF message (including its leading version byte) and
// returns the top-level term.
func Decode(data []byte) (Term, error) {
	d := &decoder{buf: data}
	v, err := d.byte()
	if err != nil {
		return nil, err
	}
	if v != tagVersion {
		return nil, fmt.Errorf("etf: unsupported version byte 0x%02x", v)
	}
	return d.decodeTerm()
}

func (d *decoder) decodeTerm() (Term, error) {
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSmallInteger:
		b, err := d.byte()
		if err != nil {
			return nil, err
		}
		return int64(b), nil

	case tagInteger:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(raw))), nil

	case tagSmallBig, tagLargeBig:
		var n int
		if tag == tagSmallBig {
			b, err := d.byte()
			if err != nil {
				return nil, err
			}
			n = int(b)
		} else {
			raw, err := d.take(4)
			if err != nil {
				return nil, err
			}
			n = int(binary.BigEndian.Uint32(raw))
		}
		sign, err := d.byte()
		if err != nil {
			return nil, err
		}
		digits, err := d.take(n)
		if err != nil {
			return nil, err
		}
		v := new(big.Int)
		for i := n - 1; i >= 0; i-- {
			v.Lsh(v, 8)
			v.Or(v, big.NewInt(int64(digits[i])))
		}
		if sign != 0 {
			v.Neg(v)
		}
		return v, nil

	case tagNil:
		return []Term{}, nil

	case tagList:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(raw)
		items := make([]Term, 0, length)
		for i := uint32(0); i < length; i++ {
			item, err := d.decodeTerm()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		// Proper lists are terminated by NIL; improper lists by a tail term.
		// We only need proper lists for sync_buckets, but must still consume
		// the tail to keep the cursor correct.
		tail, err := d.decodeTerm()
		if err != nil {
			return nil, err
		}
		if tailList, ok := tail.([]Term); !ok || len(tailList) != 0 {
			items = append(items, tail)
		}
		return items, nil

	case tagMap:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		arity := binary.BigEndian.Uint32(raw)
		m := make(map[Term]Term, arity)
		for i := uint32(0); i < arity; i++ {
			k, err := d.decodeTerm()
			if err != nil {
				return nil, err
			}
			v, err := d.decodeTerm()
			if err != nil {
				return nil, err
			}
			m[normalizeKey(k)] = v
		}
		return m, nil

	case tagAtom, tagAtomUTF:
		raw, err := d.take(2)
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(raw)
		name, err := d.take(int(length))
		if err != nil {
			return nil, err
		}
		return atomTerm(string(name)), nil

	case tagSmallAtomUTF:
		lb, err := d.byte()
		if err != nil {
			return nil, err
		}
		name, err := d.take(int(lb))
		if err != nil {
			return nil, err
		}
		return atomTerm(string(name)), nil

	case tagBinary:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(raw)
		bin, err := d.take(int(length))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(bin))
		copy(out, bin)
		return string(out), nil

	case tagSmallTuple, tagLargeTuple:
		var arity int
		if tag == tagSmallTuple {
			b, err := d.byte()
			if err != nil {
				return nil, err
			}
			arity = int(b)
		} else {
			raw, err := d.take(4)
			if err != nil {
				return nil, err
			}
			arity = int(binary.BigEndian.Uint32(raw))
		}
		items := make([]Term, arity)
		for i := range items {
			item, err := d.decodeTerm()
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil

	default:
		return nil, fmt.Errorf("etf: unsupported tag 0x%02x at offset %d", tag, d.pos-1)
	}
}

// normalizeKey maps the string terms "true" and "false" to Go bools so map
// lookups by Go bool work naturally; every other term, "nil" included, is
// returned unchanged.
func normalizeKey(t Term) Term {
	if a, ok := t.(string); ok {
		switch a {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return t
}

func atomTerm(name string) Term {
	switch name {
	case "true":
		return true
	case "false":
		return false
	case "nil", "undefined":
		return nil
	default:
		return name
	}
}

// AsInt64 coerces a decoded integer term (small, regular, or bignum within
// int64 range) to int64.
func AsInt64(t Term) (int64, error) {
	switch v := t.(type) {
	case int64:
		return v, nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, fmt.Errorf("etf: bignum %s overflows int64", v.String())
		}
		return v.Int64(), nil
	default:
		return 0, fmt.Errorf("etf: term is not an integer (%T)", t)
	}
}

// AsList coerces a decoded term to a slice of terms.
func AsList(t Term) ([]Term, error) {
	l, ok := t.([]Term)
	if !ok {
		return nil, fmt.Errorf("etf: term is not a list (%T)", t)
	}
	return l, nil
}

// AsMap coerces a decoded term to a map of terms.
func AsMap(t Term) (map[Term]Term, error) {
	m, ok := t.(map[Term]Term)
	if !ok {
		return nil, fmt.Errorf("etf: term is not a map (%T)", t)
	}
	return m, nil
}
