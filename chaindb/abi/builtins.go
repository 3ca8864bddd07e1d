// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/holiman/uint256"
)

const (
	checksumLen  = 32
	publicKeyLen = 33
)

var (
	errShortBuffer   = errors.New("unexpected end of input")
	errOutOfRange    = errors.New("value out of range")
	errVarintTooLong = errors.New("varuint32 is too long")
)

type builtin struct {
	pack   func(e *encoder, v interface{}) error
	unpack func(d *decoder) (interface{}, error)
}

var builtins = map[string]builtin{
	"bool": {
		pack: func(e *encoder, v interface{}) error {
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%T is not a bool", v)
			}
			if b {
				e.byte(1)
			} else {
				e.byte(0)
			}
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			b, err := d.byte()
			return b != 0, err
		},
	},
	"int8":   signed(8),
	"int16":  signed(16),
	"int32":  signed(32),
	"int64":  signed(64),
	"uint8":  unsigned(8),
	"uint16": unsigned(16),
	"uint32": unsigned(32),
	"uint64": unsigned(64),
	"varuint32": {
		pack: func(e *encoder, v interface{}) error {
			n, err := ToUint64(v)
			if err != nil {
				return err
			}
			if n > math.MaxUint32 {
				return errOutOfRange
			}
			e.varuint32(uint32(n))
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.varuint32()
			return uint64(n), err
		},
	},
	"uint128": {
		pack: func(e *encoder, v interface{}) error {
			n, err := ToUint128(v)
			if err != nil {
				return err
			}
			be := n.Bytes32()
			for i := len(be) - 1; i >= 16; i-- {
				e.byte(be[i])
			}
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			le, err := d.bytes(16)
			if err != nil {
				return nil, err
			}
			be := make([]byte, 16)
			for i := range le {
				be[15-i] = le[i]
			}
			return new(uint256.Int).SetBytes(be), nil
		},
	},
	"float64": {
		pack: func(e *encoder, v interface{}) error {
			f, err := ToFloat64(v)
			if err != nil {
				return err
			}
			e.uint(math.Float64bits(f), 8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.uint(8)
			return math.Float64frombits(n), err
		},
	},
	"name": {
		pack: func(e *encoder, v interface{}) error {
			n, err := ToName(v)
			if err != nil {
				return err
			}
			e.uint(uint64(n), 8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.uint(8)
			return Name(n), err
		},
	},
	"symbol_code": {
		pack: func(e *encoder, v interface{}) error {
			var (
				n   uint64
				err error
			)
			if s, ok := v.(string); ok {
				var sc SymbolCode
				sc, err = NewSymbolCode(s)
				n = uint64(sc)
			} else {
				n, err = ToUint64(v)
			}
			if err != nil {
				return err
			}
			e.uint(n, 8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.uint(8)
			return SymbolCode(n), err
		},
	},
	"symbol": {
		pack: func(e *encoder, v interface{}) error {
			var (
				n   uint64
				err error
			)
			if s, ok := v.(string); ok {
				var sym Symbol
				sym, err = ParseSymbol(s)
				n = uint64(sym)
			} else {
				n, err = ToUint64(v)
			}
			if err != nil {
				return err
			}
			e.uint(n, 8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.uint(8)
			return Symbol(n), err
		},
	},
	"string": {
		pack: func(e *encoder, v interface{}) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%T is not a string", v)
			}
			e.varuint32(uint32(len(s)))
			e.buf = append(e.buf, s...)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.varuint32()
			if err != nil {
				return nil, err
			}
			b, err := d.bytes(int(n))
			return string(b), err
		},
	},
	"bytes": {
		pack: func(e *encoder, v interface{}) error {
			b, err := toBytes(v)
			if err != nil {
				return err
			}
			e.varuint32(uint32(len(b)))
			e.buf = append(e.buf, b...)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.varuint32()
			if err != nil {
				return nil, err
			}
			b, err := d.bytes(int(n))
			return append([]byte(nil), b...), err
		},
	},
	"checksum256": {
		pack: func(e *encoder, v interface{}) error {
			id, err := ToChecksum(v)
			if err != nil {
				return err
			}
			e.buf = append(e.buf, id[:]...)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			b, err := d.bytes(checksumLen)
			if err != nil {
				return nil, err
			}
			return ids.ToID(b)
		},
	},
	"public_key": {
		pack: func(e *encoder, v interface{}) error {
			b, err := toBytes(v)
			if err != nil {
				return err
			}
			if len(b) != publicKeyLen {
				return fmt.Errorf("public key must be %d bytes", publicKeyLen)
			}
			e.buf = append(e.buf, b...)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			b, err := d.bytes(publicKeyLen)
			return append([]byte(nil), b...), err
		},
	},
	"time_point":     signed(64),
	"time_point_sec": unsigned(32),
}

func signed(bits int) builtin {
	return builtin{
		pack: func(e *encoder, v interface{}) error {
			n, err := ToInt64(v)
			if err != nil {
				return err
			}
			if bits < 64 {
				limit := int64(1) << (bits - 1)
				if n < -limit || n >= limit {
					return errOutOfRange
				}
			}
			e.uint(uint64(n), bits/8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			n, err := d.uint(bits / 8)
			if err != nil {
				return nil, err
			}
			shift := 64 - bits
			return int64(n<<shift) >> shift, nil
		},
	}
}

func unsigned(bits int) builtin {
	return builtin{
		pack: func(e *encoder, v interface{}) error {
			n, err := ToUint64(v)
			if err != nil {
				return err
			}
			if bits < 64 && n >= uint64(1)<<bits {
				return errOutOfRange
			}
			e.uint(n, bits/8)
			return nil
		},
		unpack: func(d *decoder) (interface{}, error) {
			return d.uint(bits / 8)
		},
	}
}

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) uint(v uint64, size int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:size]...)
}

func (e *encoder) varuint32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		e.buf = append(e.buf, b)
		if v == 0 {
			return
		}
	}
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, errShortBuffer
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, errShortBuffer
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uint(size int) (uint64, error) {
	b, err := d.bytes(size)
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func (d *decoder) varuint32() (uint32, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		if shift >= 35 {
			return 0, errVarintTooLong
		}
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
	}
	if v > math.MaxUint32 {
		return 0, errOutOfRange
	}
	return uint32(v), nil
}

// ToUint64 converts any integer-like variant value to uint64.
func ToUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case Name:
		return uint64(n), nil
	case Symbol:
		return uint64(n), nil
	case SymbolCode:
		return uint64(n), nil
	case string:
		return strconv.ParseUint(n, 10, 64)
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint64 {
			return 0, errOutOfRange
		}
		return uint64(n), nil
	case *uint256.Int:
		if n == nil || !n.IsUint64() {
			return 0, errOutOfRange
		}
		return n.Uint64(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, errOutOfRange
		}
		return uint64(rv.Int()), nil
	}
	return 0, fmt.Errorf("%T is not an unsigned integer", v)
}

// ToInt64 converts any integer-like variant value to int64.
func ToInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, errOutOfRange
		}
		return int64(n), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return 0, errOutOfRange
		}
		return int64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("%T is not an integer", v)
}

func ToFloat64(v interface{}) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	}
	if n, err := ToInt64(v); err == nil {
		return float64(n), nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

// ToName accepts a Name, its string form or its numeric value.
func ToName(v interface{}) (Name, error) {
	switch n := v.(type) {
	case Name:
		return n, nil
	case string:
		return NewName(n)
	}
	u, err := ToUint64(v)
	return Name(u), err
}

// ToUint128 accepts *uint256.Int values, decimal strings and plain integers
// that fit into 128 bits.
func ToUint128(v interface{}) (*uint256.Int, error) {
	var n *uint256.Int
	switch x := v.(type) {
	case *uint256.Int:
		if x == nil {
			return nil, errOutOfRange
		}
		n = x
	case uint256.Int:
		n = &x
	case string:
		var err error
		n, err = uint256.FromDecimal(x)
		if err != nil {
			return nil, err
		}
	default:
		u, err := ToUint64(v)
		if err != nil {
			return nil, err
		}
		n = uint256.NewInt(u)
	}
	if n.BitLen() > 128 {
		return nil, errOutOfRange
	}
	return n, nil
}

func ToChecksum(v interface{}) (ids.ID, error) {
	switch x := v.(type) {
	case ids.ID:
		return x, nil
	case [checksumLen]byte:
		return ids.ID(x), nil
	case string:
		b, err := hex.DecodeString(x)
		if err != nil {
			return ids.Empty, err
		}
		return ids.ToID(b)
	case []byte:
		return ids.ToID(x)
	}
	return ids.Empty, fmt.Errorf("%T is not a checksum256", v)
}

func toBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return hex.DecodeString(b)
	}
	items, err := toSlice(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(items))
	for i, item := range items {
		n, err := ToUint64(item)
		if err != nil || n > math.MaxUint8 {
			return nil, fmt.Errorf("element %d is not a byte", i)
		}
		out[i] = byte(n)
	}
	return out, nil
}
