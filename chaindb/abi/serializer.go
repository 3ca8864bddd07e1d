// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	// MaxRecursionDepth bounds nested struct/array/optional types
	MaxRecursionDepth = 32
	// MaxSize bounds the size of a single packed value
	MaxSize = 1 << 20
)

// Object is the structured form of a packed struct.
type Object = map[string]interface{}

// Serializer converts between packed binary values and their structured
// (variant) form according to a set of struct, typedef and variant
// definitions.
type Serializer struct {
	typedefs map[string]string
	structs  map[string]*StructDef
	variants map[string]*VariantDef
}

// NewSerializer builds a serializer from [def] plus the system types and
// checks that every referenced type is known.
func NewSerializer(def Def) (*Serializer, error) {
	s := &Serializer{
		typedefs: make(map[string]string),
		structs:  make(map[string]*StructDef),
		variants: make(map[string]*VariantDef),
	}
	for _, sd := range systemStructs {
		sd := sd
		s.structs[sd.Name] = &sd
	}
	for _, td := range def.Types {
		if s.IsType(td.NewTypeName) {
			return nil, fmt.Errorf("%w: type %q redefined", ErrInvalidTableDescription, td.NewTypeName)
		}
		s.typedefs[td.NewTypeName] = td.Type
	}
	for i := range def.Structs {
		sd := def.Structs[i]
		if _, ok := s.structs[sd.Name]; ok {
			if _, system := systemStructNames[sd.Name]; system {
				continue
			}
			return nil, fmt.Errorf("%w: struct %q redefined", ErrInvalidTableDescription, sd.Name)
		}
		s.structs[sd.Name] = &sd
	}
	for i := range def.Variants {
		vd := def.Variants[i]
		s.variants[vd.Name] = &vd
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Serializer) validate() error {
	for name := range s.typedefs {
		seen := map[string]struct{}{}
		t := name
		for {
			next, ok := s.typedefs[t]
			if !ok {
				break
			}
			if _, loop := seen[t]; loop {
				return fmt.Errorf("%w: circular typedef %q", ErrUnknownType, name)
			}
			seen[t] = struct{}{}
			t = next
		}
		if !s.IsType(t) {
			return fmt.Errorf("%w: %q of typedef %q", ErrUnknownType, t, name)
		}
	}
	for _, sd := range s.structs {
		if sd.Base != "" {
			base := s.ResolveType(sd.Base)
			if _, ok := s.structs[base]; !ok {
				return fmt.Errorf("%w: base %q of struct %q", ErrUnknownType, sd.Base, sd.Name)
			}
		}
		for _, f := range sd.Fields {
			if !s.IsType(f.Type) {
				return fmt.Errorf("%w: %q of field %s.%s", ErrUnknownType, f.Type, sd.Name, f.Name)
			}
		}
	}
	for _, vd := range s.variants {
		for _, t := range vd.Types {
			if !s.IsType(t) {
				return fmt.Errorf("%w: %q of variant %q", ErrUnknownType, t, vd.Name)
			}
		}
	}
	return nil
}

// AddStruct registers a struct definition. It is used for synthetic index
// key structs.
func (s *Serializer) AddStruct(sd StructDef) {
	s.structs[sd.Name] = &sd
}

// ResolveType follows typedefs until a non alias type is reached.
func (s *Serializer) ResolveType(t string) string {
	for i := 0; i < MaxRecursionDepth; i++ {
		next, ok := s.typedefs[t]
		if !ok {
			return t
		}
		t = next
	}
	return t
}

// IsType reports whether [t] names a known type.
func (s *Serializer) IsType(t string) bool {
	t = stripExtension(t)
	if isArray(t) {
		return s.IsType(t[:len(t)-2])
	}
	if isOptional(t) {
		return s.IsType(t[:len(t)-1])
	}
	t = s.ResolveType(t)
	if _, ok := builtins[t]; ok {
		return true
	}
	if _, ok := s.structs[t]; ok {
		return true
	}
	_, ok := s.variants[t]
	return ok
}

// Struct returns the definition of struct [name] after typedef resolution.
func (s *Serializer) Struct(name string) (*StructDef, bool) {
	sd, ok := s.structs[s.ResolveType(name)]
	return sd, ok
}

// Fields returns the fields of struct [name] including the fields of its
// base structs.
func (s *Serializer) Fields(name string) ([]FieldDef, error) {
	sd, ok := s.Struct(name)
	if !ok {
		return nil, fmt.Errorf("%w: struct %q", ErrUnknownType, name)
	}
	var fields []FieldDef
	for depth := 0; sd != nil; depth++ {
		if depth > MaxRecursionDepth {
			return nil, fmt.Errorf("%w: base chain of %q is too deep", ErrUnknownType, name)
		}
		fields = append(append([]FieldDef(nil), sd.Fields...), fields...)
		if sd.Base == "" {
			break
		}
		sd, ok = s.Struct(sd.Base)
		if !ok {
			return nil, fmt.Errorf("%w: base of struct %q", ErrUnknownType, name)
		}
	}
	return fields, nil
}

// Pack serializes [v] as type [typ].
func (s *Serializer) Pack(typ string, v interface{}) ([]byte, error) {
	e := &encoder{}
	if err := s.pack(e, typ, v, 0); err != nil {
		return nil, err
	}
	if len(e.buf) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds the limit", ErrPack, len(e.buf))
	}
	return e.buf, nil
}

// Unpack deserializes [b] as type [typ]. All of [b] must be consumed.
func (s *Serializer) Unpack(typ string, b []byte) (interface{}, error) {
	d := &decoder{buf: b}
	v, err := s.unpack(d, typ, 0)
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %q", ErrUnpack, d.remaining(), typ)
	}
	return v, nil
}

func (s *Serializer) pack(e *encoder, typ string, v interface{}, depth int) error {
	if depth > MaxRecursionDepth {
		return fmt.Errorf("%w: recursion depth exceeded", ErrPack)
	}
	typ = stripExtension(typ)
	switch {
	case isArray(typ):
		elemType := typ[:len(typ)-2]
		items, err := toSlice(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPack, typ, err)
		}
		e.varuint32(uint32(len(items)))
		for _, item := range items {
			if err := s.pack(e, elemType, item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case isOptional(typ):
		if isNil(v) {
			e.byte(0)
			return nil
		}
		e.byte(1)
		return s.pack(e, typ[:len(typ)-1], v, depth+1)
	}

	resolved := s.ResolveType(typ)
	if b, ok := builtins[resolved]; ok {
		if err := b.pack(e, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPack, resolved, err)
		}
		return nil
	}
	if vd, ok := s.variants[resolved]; ok {
		pair, err := toSlice(v)
		if err != nil || len(pair) != 2 {
			return fmt.Errorf("%w: variant %s must be a [type, value] pair", ErrPack, resolved)
		}
		name, ok := pair[0].(string)
		if !ok {
			return fmt.Errorf("%w: variant %s tag must be a type name", ErrPack, resolved)
		}
		for i, t := range vd.Types {
			if t == name {
				e.varuint32(uint32(i))
				return s.pack(e, t, pair[1], depth+1)
			}
		}
		return fmt.Errorf("%w: type %q is not part of variant %s", ErrPack, name, resolved)
	}
	if _, ok := s.structs[resolved]; ok {
		obj, err := ToObject(v)
		if err != nil {
			return fmt.Errorf("%w: struct %s: %v", ErrPack, resolved, err)
		}
		fields, err := s.Fields(resolved)
		if err != nil {
			return err
		}
		for i, f := range fields {
			fv, ok := obj[f.Name]
			if !ok {
				if strings.HasSuffix(f.Type, "$") {
					// trailing binary extensions may be omitted
					for _, rest := range fields[i:] {
						if _, present := obj[rest.Name]; present {
							return fmt.Errorf("%w: %s.%s is missing before %s", ErrPack, resolved, f.Name, rest.Name)
						}
					}
					return nil
				}
				if !isOptional(f.Type) {
					return fmt.Errorf("%w: missing field %s.%s", ErrPack, resolved, f.Name)
				}
			}
			if err := s.pack(e, f.Type, fv, depth+1); err != nil {
				return fmt.Errorf("%s.%s: %w", resolved, f.Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

func (s *Serializer) unpack(d *decoder, typ string, depth int) (interface{}, error) {
	if depth > MaxRecursionDepth {
		return nil, fmt.Errorf("%w: recursion depth exceeded", ErrUnpack)
	}
	typ = stripExtension(typ)
	switch {
	case isArray(typ):
		n, err := d.varuint32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.remaining() {
			return nil, fmt.Errorf("%w: array of %d elements exceeds the input", ErrUnpack, n)
		}
		items := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := s.unpack(d, typ[:len(typ)-2], depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case isOptional(typ):
		flag, err := d.byte()
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			return nil, nil
		}
		return s.unpack(d, typ[:len(typ)-1], depth+1)
	}

	resolved := s.ResolveType(typ)
	if b, ok := builtins[resolved]; ok {
		v, err := b.unpack(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnpack, resolved, err)
		}
		return v, nil
	}
	if vd, ok := s.variants[resolved]; ok {
		idx, err := d.varuint32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(vd.Types) {
			return nil, fmt.Errorf("%w: variant %s index %d out of range", ErrUnpack, resolved, idx)
		}
		v, err := s.unpack(d, vd.Types[idx], depth+1)
		if err != nil {
			return nil, err
		}
		return []interface{}{vd.Types[idx], v}, nil
	}
	if _, ok := s.structs[resolved]; ok {
		fields, err := s.Fields(resolved)
		if err != nil {
			return nil, err
		}
		obj := make(Object, len(fields))
		for _, f := range fields {
			if strings.HasSuffix(f.Type, "$") && d.remaining() == 0 {
				break
			}
			v, err := s.unpack(d, f.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", resolved, f.Name, err)
			}
			obj[f.Name] = v
		}
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// ToObject converts [v] into an Object. Go structs are converted using their
// `abi` field tags.
func ToObject(v interface{}) (Object, error) {
	switch o := v.(type) {
	case Object:
		return o, nil
	case nil:
		return nil, fmt.Errorf("%w: nil is not an object", ErrInvalidAbiStoreType)
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil is not an object", ErrInvalidAbiStoreType)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not an object", ErrInvalidAbiStoreType, v)
	}
	obj := Object{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "abi",
		Result:  &obj,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(rv.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
	}
	return obj, nil
}

// FromObject fills the Go struct pointed to by [out] from [obj] using the
// `abi` field tags.
func FromObject(obj Object, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "abi",
		Result:  out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAbiStoreType, err)
	}
	return nil
}

func isArray(t string) bool    { return strings.HasSuffix(t, "[]") }
func isOptional(t string) bool { return strings.HasSuffix(t, "?") }

func stripExtension(t string) string { return strings.TrimSuffix(t, "$") }

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toSlice(v interface{}) ([]interface{}, error) {
	if items, ok := v.([]interface{}); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("%T is not a list", v)
	}
	items := make([]interface{}, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
