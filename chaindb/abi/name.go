// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxNameLen       = 13
	nameCharmap      = ".12345abcdefghijklmnopqrstuvwxyz"
	maxSymbolCodeLen = 7
	maxPrecision     = 18
)

var (
	errNameTooLong        = errors.New("name is longer than 13 characters")
	errNameBadChar        = errors.New("name contains an invalid character")
	errNameBadLastChar    = errors.New("thirteenth character of name cannot be a letter that comes after j")
	errBadSymbolCode      = errors.New("symbol code must be 1-7 upper case letters")
	errBadSymbol          = errors.New("symbol must be formatted as <precision>,<code>")
	errPrecisionTooLarge  = errors.New("symbol precision is too large")
	errSymbolCodeTooLarge = errors.New("symbol code does not fit into 56 bits")
)

// Name is an account, table, index or action name packed into 64 bits.
type Name uint64

func charToSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	default:
		return 0, false
	}
}

// NewName parses [s] into a Name.
func NewName(s string) (Name, error) {
	if len(s) > maxNameLen {
		return 0, fmt.Errorf("%w: %q", errNameTooLong, s)
	}
	var value uint64
	for i := 0; i < len(s); i++ {
		c, ok := charToSymbol(s[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q", errNameBadChar, s)
		}
		if i < maxNameLen-1 {
			value |= (c & 0x1f) << (64 - 5*(i+1))
			continue
		}
		if c > 0x0f {
			return 0, fmt.Errorf("%w: %q", errNameBadLastChar, s)
		}
		value |= c & 0x0f
	}
	return Name(value), nil
}

// MustName is like NewName but panics on malformed input. It is intended for
// package level constants.
func MustName(s string) Name {
	n, err := NewName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	var (
		str [maxNameLen]byte
		tmp = uint64(n)
	)
	for i := 0; i < maxNameLen; i++ {
		if i == 0 {
			str[maxNameLen-1-i] = nameCharmap[tmp&0x0f]
			tmp >>= 4
		} else {
			str[maxNameLen-1-i] = nameCharmap[tmp&0x1f]
			tmp >>= 5
		}
	}
	return strings.TrimRight(string(str[:]), ".")
}

// IsEmpty reports whether [n] is the empty name.
func (n Name) IsEmpty() bool { return n == 0 }

func (n Name) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Name) UnmarshalText(text []byte) error {
	v, err := NewName(string(text))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// SymbolCode is an asset ticker of up to 7 upper case letters.
type SymbolCode uint64

func NewSymbolCode(s string) (SymbolCode, error) {
	if len(s) == 0 || len(s) > maxSymbolCodeLen {
		return 0, fmt.Errorf("%w: %q", errBadSymbolCode, s)
	}
	var value uint64
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("%w: %q", errBadSymbolCode, s)
		}
		value <<= 8
		value |= uint64(c)
	}
	return SymbolCode(value), nil
}

func (s SymbolCode) String() string {
	var (
		sb  strings.Builder
		tmp = uint64(s)
	)
	for i := 0; i < maxSymbolCodeLen && tmp != 0; i++ {
		sb.WriteByte(byte(tmp & 0xff))
		tmp >>= 8
	}
	return sb.String()
}

// Symbol packs a symbol code together with its precision.
type Symbol uint64

func NewSymbol(precision uint8, code SymbolCode) (Symbol, error) {
	if precision > maxPrecision {
		return 0, errPrecisionTooLarge
	}
	if uint64(code)>>56 != 0 {
		return 0, errSymbolCodeTooLarge
	}
	return Symbol(uint64(code)<<8 | uint64(precision)), nil
}

// ParseSymbol parses strings like "4,GOLOS".
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", errBadSymbol, s)
	}
	var precision uint8
	if _, err := fmt.Sscanf(parts[0], "%d", &precision); err != nil {
		return 0, fmt.Errorf("%w: %q", errBadSymbol, s)
	}
	code, err := NewSymbolCode(parts[1])
	if err != nil {
		return 0, err
	}
	return NewSymbol(precision, code)
}

func (s Symbol) Precision() uint8 { return uint8(s & 0xff) }
func (s Symbol) Code() SymbolCode { return SymbolCode(s >> 8) }
func (s Symbol) String() string   { return fmt.Sprintf("%d,%s", s.Precision(), s.Code()) }
