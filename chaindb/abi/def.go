// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"sort"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	// CodecVersion is the version of the raw ABI encoding
	CodecVersion = 0

	Version = "cyberway::abi/1.0"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Codec serializes ABI definitions for storage and for the setabi action.
var Codec codec.Manager

func init() {
	c := linearcodec.NewDefault()
	Codec = codec.NewDefaultManager()

	errs := wrappers.Errs{}
	errs.Add(Codec.RegisterCodec(CodecVersion, c))
	if errs.Errored() {
		panic(errs.Err)
	}
}

type TypeDef struct {
	NewTypeName string `serialize:"true" json:"new_type_name"`
	Type        string `serialize:"true" json:"type"`
}

type FieldDef struct {
	Name string `serialize:"true" json:"name"`
	Type string `serialize:"true" json:"type"`
}

type StructDef struct {
	Name   string     `serialize:"true" json:"name"`
	Base   string     `serialize:"true" json:"base"`
	Fields []FieldDef `serialize:"true" json:"fields"`
}

type ActionDef struct {
	Name Name   `serialize:"true" json:"name"`
	Type string `serialize:"true" json:"type"`
}

type EventDef struct {
	Name Name   `serialize:"true" json:"name"`
	Type string `serialize:"true" json:"type"`
}

// OrderDef is one field of an index. [Path] and [Type] are filled in by
// BuildIndexes.
type OrderDef struct {
	Field string `serialize:"true" json:"field"`
	Order string `serialize:"true" json:"order"`

	Path []string `json:"-"`
	Type string   `json:"-"`
}

type IndexDef struct {
	Name   Name       `serialize:"true" json:"name"`
	Unique bool       `serialize:"true" json:"unique"`
	Orders []OrderDef `serialize:"true" json:"orders"`
}

type TableDef struct {
	Name      Name       `serialize:"true" json:"name"`
	Type      string     `serialize:"true" json:"type"`
	ScopeType string     `serialize:"true" json:"scope_type"`
	Indexes   []IndexDef `serialize:"true" json:"indexes"`

	// RowCount is reported by storage drivers and is not part of the schema.
	RowCount uint64 `json:"-"`
}

type VariantDef struct {
	Name  string   `serialize:"true" json:"name"`
	Types []string `serialize:"true" json:"types"`
}

type ErrorMessage struct {
	Code    uint64 `serialize:"true" json:"error_code"`
	Message string `serialize:"true" json:"error_msg"`
}

type ExtensionDef struct {
	Tag   uint16 `serialize:"true" json:"tag"`
	Value []byte `serialize:"true" json:"value"`
}

// Def is a complete contract schema.
type Def struct {
	Version       string         `serialize:"true" json:"version"`
	Types         []TypeDef      `serialize:"true" json:"types"`
	Structs       []StructDef    `serialize:"true" json:"structs"`
	Actions       []ActionDef    `serialize:"true" json:"actions"`
	Events        []EventDef     `serialize:"true" json:"events"`
	Tables        []TableDef     `serialize:"true" json:"tables"`
	Variants      []VariantDef   `serialize:"true" json:"variants"`
	ErrorMessages []ErrorMessage `serialize:"true" json:"error_messages"`
	Extensions    []ExtensionDef `serialize:"true" json:"abi_extensions"`
}

// ParseDef decodes the raw form produced by [Def.Bytes].
func ParseDef(b []byte) (Def, error) {
	def := Def{}
	parsedVersion, err := Codec.Unmarshal(b, &def)
	if err != nil {
		return Def{}, err
	}
	if parsedVersion != CodecVersion {
		return Def{}, errWrongCodecVersion
	}
	return def, nil
}

func (d Def) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, &d)
}

// Table returns the definition of the table named [name].
func (d *Def) Table(name Name) (*TableDef, bool) {
	for i := range d.Tables {
		if d.Tables[i].Name == name {
			return &d.Tables[i], true
		}
	}
	return nil, false
}

func (t *TableDef) Index(name Name) (*IndexDef, bool) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// PrimaryIndex returns the first declared index.
func (t *TableDef) PrimaryIndex() *IndexDef {
	if len(t.Indexes) == 0 {
		return nil
	}
	return &t.Indexes[0]
}

// Equal compares indexes the way schema reconciliation does: uniqueness,
// field names and order directions.
func (i *IndexDef) Equal(o *IndexDef) bool {
	if i.Unique != o.Unique || len(i.Orders) != len(o.Orders) {
		return false
	}
	for n := range i.Orders {
		if i.Orders[n].Field != o.Orders[n].Field ||
			len(i.Orders[n].Order) != len(o.Orders[n].Order) {
			return false
		}
	}
	return true
}

// MergeDef returns the sorted set union of [base] and [ext]. On a name
// collision the entry of [base] is kept.
func MergeDef(base, ext Def) Def {
	merged := Def{
		Version: base.Version,
	}
	if merged.Version == "" {
		merged.Version = ext.Version
	}

	merged.Types = unionBy(base.Types, ext.Types, func(t TypeDef) string { return t.NewTypeName })
	merged.Structs = unionBy(base.Structs, ext.Structs, func(s StructDef) string { return s.Name })
	merged.Actions = unionBy(base.Actions, ext.Actions, func(a ActionDef) uint64 { return uint64(a.Name) })
	merged.Events = unionBy(base.Events, ext.Events, func(e EventDef) uint64 { return uint64(e.Name) })
	merged.Tables = unionBy(base.Tables, ext.Tables, func(t TableDef) uint64 { return uint64(t.Name) })
	merged.Variants = unionBy(base.Variants, ext.Variants, func(v VariantDef) string { return v.Name })
	merged.ErrorMessages = unionBy(base.ErrorMessages, ext.ErrorMessages, func(m ErrorMessage) uint64 { return m.Code })
	merged.Extensions = unionBy(base.Extensions, ext.Extensions, func(e ExtensionDef) uint16 { return e.Tag })
	return merged
}

type ordered interface {
	~string | ~uint16 | ~uint64
}

func unionBy[T any, K ordered](a, b []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(a)+len(b))
	res := make([]T, 0, len(a)+len(b))
	for _, list := range [][]T{a, b} {
		for _, v := range list {
			k := key(v)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			res = append(res, v)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return key(res[i]) < key(res[j]) })
	return res
}
