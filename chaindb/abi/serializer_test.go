// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializerComplexTypes(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s, err := NewSerializer(Def{
		Structs: []StructDef{
			{
				Name: "transfer",
				Fields: []FieldDef{
					{Name: "from", Type: "name"},
					{Name: "to", Type: "name"},
					{Name: "quantity", Type: "asset"},
					{Name: "memo", Type: "string"},
				},
			},
			{
				Name: "batch",
				Fields: []FieldDef{
					{Name: "items", Type: "transfer[]"},
					{Name: "payload", Type: "payload"},
					{Name: "note", Type: "string$"},
				},
			},
		},
		Variants: []VariantDef{
			{Name: "payload", Types: []string{"uint64", "string"}},
		},
	})
	require.NoError(err)

	in := Object{
		"items": []interface{}{
			Object{
				"from":     "alice",
				"to":       "bob",
				"quantity": Object{"amount": int64(15), "symbol": "4,CYBER"},
				"memo":     "hi",
			},
		},
		"payload": []interface{}{"string", "data"},
	}
	b, err := s.Pack("batch", in)
	require.NoError(err)

	out, err := s.Unpack("batch", b)
	require.NoError(err)
	obj := out.(Object)
	assert.Equal([]interface{}{"string", "data"}, obj["payload"])
	_, hasNote := obj["note"]
	assert.False(hasNote)
	items := obj["items"].([]interface{})
	require.Len(items, 1)
	transfer := items[0].(Object)
	assert.Equal(MustName("bob"), transfer["to"])
	quantity := transfer["quantity"].(Object)
	assert.Equal(int64(15), quantity["amount"])

	// trailing extension present
	in["note"] = "n"
	withNote, err := s.Pack("batch", in)
	require.NoError(err)
	assert.Greater(len(withNote), len(b))
	out, err = s.Unpack("batch", withNote)
	require.NoError(err)
	assert.Equal("n", out.(Object)["note"])

	_, err = s.Unpack("batch", append(withNote, 0))
	assert.ErrorIs(err, ErrUnpack)
	_, err = s.Pack("batch", Object{"payload": []interface{}{"bool", true}})
	assert.ErrorIs(err, ErrPack)
}

func TestSerializerRejectsUnknownTypes(t *testing.T) {
	_, err := NewSerializer(Def{
		Structs: []StructDef{{Name: "s", Fields: []FieldDef{{Name: "f", Type: "nothing"}}}},
	})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = NewSerializer(Def{
		Types: []TypeDef{{NewTypeName: "a", Type: "b"}, {NewTypeName: "b", Type: "a"}},
	})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = NewSerializer(Def{
		Structs: []StructDef{{Name: "s"}, {Name: "s"}},
	})
	assert.ErrorIs(t, err, ErrInvalidTableDescription)
}

func TestDefBytes(t *testing.T) {
	require := require.New(t)

	def := testDef()
	b, err := def.Bytes()
	require.NoError(err)
	parsed, err := ParseDef(b)
	require.NoError(err)
	require.Equal(def.Tables[0].Indexes, parsed.Tables[0].Indexes)
	require.Equal(def.Structs, parsed.Structs)
}

func TestMergeDef(t *testing.T) {
	assert := assert.New(t)

	base := Def{
		Version: Version,
		Structs: []StructDef{{Name: "b"}, {Name: "a", Base: "base"}},
		Actions: []ActionDef{{Name: MustName("transfer"), Type: "b"}},
	}
	ext := Def{
		Structs: []StructDef{{Name: "a", Base: "ext"}, {Name: "c"}},
		Actions: []ActionDef{{Name: MustName("issue"), Type: "c"}, {Name: MustName("transfer"), Type: "c"}},
	}
	merged := MergeDef(base, ext)
	assert.Equal(Version, merged.Version)
	assert.Equal([]StructDef{{Name: "a", Base: "base"}, {Name: "b"}, {Name: "c"}}, merged.Structs)
	assert.Len(merged.Actions, 2)
	for _, a := range merged.Actions {
		if a.Name == MustName("transfer") {
			assert.Equal("b", a.Type)
		}
	}
}
