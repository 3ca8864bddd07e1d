// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Index keys are encoded so that bytes.Compare on two encodings gives the
// same result as comparing the keys field by field in index order. Every
// field encoding is prefix free, so a descending field is encoded by
// inverting the bytes of its ascending form.

const (
	keyEscape     = 0x00
	keyEscapedNul = 0xff
	keyTerminator = 0x01
)

func (s *Serializer) appendKey(dst []byte, typ string, v interface{}, depth int) ([]byte, error) {
	if depth > MaxRecursionDepth {
		return nil, fmt.Errorf("%w: key is nested too deep", ErrInvalidAbiStoreType)
	}
	resolved := s.ResolveType(typ)
	switch resolved {
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a bool", ErrInvalidAbiStoreType, v)
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case "int8", "int16", "int32", "int64", "time_point":
		n, err := ToInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		return binary.BigEndian.AppendUint64(dst, uint64(n)^(1<<63)), nil
	case "uint8", "uint16", "uint32", "uint64", "varuint32", "time_point_sec":
		n, err := ToUint64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		return binary.BigEndian.AppendUint64(dst, n), nil
	case "name", "symbol", "symbol_code":
		// fixed 8 byte little endian in packed form
		e := &encoder{}
		if err := builtins[resolved].pack(e, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		for i := len(e.buf) - 1; i >= 0; i-- {
			dst = append(dst, e.buf[i])
		}
		return dst, nil
	case "uint128":
		n, err := ToUint128(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		be := n.Bytes32()
		return append(dst, be[16:]...), nil
	case "float64":
		f, err := ToFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(dst, bits), nil
	case "string":
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a string", ErrInvalidAbiStoreType, v)
		}
		return appendEscaped(dst, []byte(str)), nil
	case "bytes", "public_key":
		b, err := toBytes(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		return appendEscaped(dst, b), nil
	case "checksum256":
		id, err := ToChecksum(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
		}
		return append(dst, id[:]...), nil
	}

	if _, ok := s.structs[resolved]; !ok {
		return nil, fmt.Errorf("%w: type %q can't be part of a key", ErrInvalidAbiStoreType, typ)
	}
	obj, err := ToObject(v)
	if err != nil {
		return nil, err
	}
	fields, err := s.Fields(resolved)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		fv, ok := obj[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: key field %s.%s is missing", ErrInvalidAbiStoreType, resolved, f.Name)
		}
		if dst, err = s.appendKey(dst, f.Type, fv, depth+1); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == keyEscape {
			dst = append(dst, keyEscape, keyEscapedNul)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, keyEscape, keyTerminator)
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// isKeyType reports whether values of type [t] can be encoded as index keys.
func (s *Serializer) isKeyType(t string, depth int) bool {
	if depth > MaxRecursionDepth || isArray(t) || isOptional(t) {
		return false
	}
	resolved := s.ResolveType(stripExtension(t))
	if _, ok := builtins[resolved]; ok {
		return true
	}
	if _, ok := s.structs[resolved]; !ok {
		return false
	}
	fields, err := s.Fields(resolved)
	if err != nil {
		return false
	}
	for _, f := range fields {
		if !s.isKeyType(f.Type, depth+1) {
			return false
		}
	}
	return true
}

// EncodePK returns the key of a primary key in the primary index.
func EncodePK(pk uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, pk)
}
