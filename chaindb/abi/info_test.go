// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCode  = MustName("market")
	ordersTbl = MustName("orders")
)

func testDef() Def {
	return Def{
		Version: Version,
		Types: []TypeDef{
			{NewTypeName: "account_name", Type: "name"},
		},
		Structs: []StructDef{
			{
				Name: "order_info",
				Fields: []FieldDef{
					{Name: "kind", Type: "uint8"},
					{Name: "tag", Type: "string"},
				},
			},
			{
				Name: "order",
				Fields: []FieldDef{
					{Name: "id", Type: "uint64"},
					{Name: "owner", Type: "account_name"},
					{Name: "price", Type: "uint128"},
					{Name: "info", Type: "order_info"},
					{Name: "memo", Type: "string?"},
				},
			},
		},
		Tables: []TableDef{
			{
				Name: ordersTbl,
				Type: "order",
				Indexes: []IndexDef{
					{
						Name:   MustName("primary"),
						Unique: true,
						Orders: []OrderDef{{Field: "id", Order: OrderAsc}},
					},
					{
						Name:   MustName("byprice"),
						Orders: []OrderDef{{Field: "price", Order: OrderAsc}},
					},
					{
						Name:   MustName("byowner"),
						Unique: true,
						Orders: []OrderDef{
							{Field: "owner", Order: OrderAsc},
							{Field: "info.kind", Order: OrderDesc},
						},
					},
				},
			},
		},
	}
}

func testOrder(id uint64, owner string, price uint64, kind uint8) Object {
	return Object{
		"id":    id,
		"owner": owner,
		"price": uint256.NewInt(price),
		"info":  Object{"kind": uint64(kind), "tag": "t"},
	}
}

func TestInfoResolvesIndexes(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	info, err := NewInfo(testCode, testDef())
	require.NoError(err)

	table, err := info.Table(ordersTbl)
	require.NoError(err)
	assert.Equal("name", table.Def.ScopeType)

	byowner, err := table.Index(MustName("byowner"))
	require.NoError(err)
	assert.Equal([]string{"info", "kind"}, byowner.Orders[1].Path)
	assert.Equal("uint8", byowner.Orders[1].Type)
	assert.Equal("name", byowner.Orders[0].Type)

	// key structs are registered for every index
	fields, err := info.Serializer().Fields("orders.byowner")
	require.NoError(err)
	assert.Equal([]FieldDef{
		{Name: "owner", Type: "name"},
		{Name: "info", Type: "orders.byowner:info"},
	}, fields)
	fields, err = info.Serializer().Fields("orders.byowner:info")
	require.NoError(err)
	assert.Equal([]FieldDef{{Name: "kind", Type: "uint8"}}, fields)

	// the caller's definition is left untouched
	def := testDef()
	_, err = NewInfo(testCode, def)
	require.NoError(err)
	assert.Nil(def.Tables[0].Indexes[2].Orders[1].Path)

	_, err = info.Table(MustName("missing"))
	assert.ErrorIs(err, ErrUnknownTable)
	_, err = table.Index(MustName("missing"))
	assert.ErrorIs(err, ErrUnknownIndex)
}

func TestInfoRejectsBadIndexes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Def)
		err    error
	}{
		{
			name:   "no indexes",
			mutate: func(d *Def) { d.Tables[0].Indexes = nil },
			err:    ErrInvalidPrimaryKey,
		},
		{
			name:   "non unique primary",
			mutate: func(d *Def) { d.Tables[0].Indexes[0].Unique = false },
			err:    ErrInvalidPrimaryKey,
		},
		{
			name: "composite primary",
			mutate: func(d *Def) {
				d.Tables[0].Indexes[0].Orders = append(d.Tables[0].Indexes[0].Orders, OrderDef{Field: "owner", Order: OrderAsc})
			},
			err: ErrInvalidPrimaryKey,
		},
		{
			name:   "primary of string type",
			mutate: func(d *Def) { d.Tables[0].Indexes[0].Orders[0].Field = "info.tag" },
			err:    ErrInvalidPrimaryKey,
		},
		{
			name:   "bad scope type",
			mutate: func(d *Def) { d.Tables[0].ScopeType = "string" },
			err:    ErrInvalidScopeName,
		},
		{
			name:   "bad order",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Order = "up" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "unknown field",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Field = "info.size" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "empty path segment",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Field = "info..kind" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "too deep",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Field = "a.b.c.d.e" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "optional field",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Field = "memo" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "no fields",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders = nil },
			err:    ErrInvalidIndexDescription,
		},
		{
			name:   "non unique index with primary key",
			mutate: func(d *Def) { d.Tables[0].Indexes[1].Orders[0].Field = "id" },
			err:    ErrInvalidIndexDescription,
		},
		{
			name: "duplicate index name",
			mutate: func(d *Def) {
				d.Tables[0].Indexes[2].Name = d.Tables[0].Indexes[1].Name
			},
			err: ErrInvalidIndexDescription,
		},
		{
			name:   "table of unknown type",
			mutate: func(d *Def) { d.Tables[0].Type = "nothing" },
			err:    ErrInvalidTableDescription,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			def := testDef()
			test.mutate(&def)
			_, err := NewInfo(testCode, def)
			assert.ErrorIs(t, err, test.err)
			assert.True(t, IsSchemaError(err))
		})
	}
}

func TestTableInfoRows(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	info, err := NewInfo(testCode, testDef())
	require.NoError(err)
	table, err := info.Table(ordersTbl)
	require.NoError(err)

	row := testOrder(7, "alice", 100, 2)
	b, err := table.ToBytes(row)
	require.NoError(err)

	obj, err := table.ToObject(b)
	require.NoError(err)
	pk, err := table.PrimaryKey(obj)
	require.NoError(err)
	assert.Equal(uint64(7), pk)
	assert.Equal(MustName("alice"), obj["owner"])
	assert.Nil(obj["memo"])

	keys, err := table.Keys(obj)
	require.NoError(err)
	assert.Len(keys, 3)
	assert.Equal(EncodePK(7), keys[0])

	// the key of a search value matches the key of a row
	priceKey, err := table.KeyFromValue(&table.Def.Indexes[1], uint256.NewInt(100))
	require.NoError(err)
	assert.Equal(keys[1], priceKey)

	ownerKey, err := table.KeyFromValue(&table.Def.Indexes[2], Object{
		"owner": "alice",
		"info":  Object{"kind": 2},
	})
	require.NoError(err)
	assert.Equal(keys[2], ownerKey)

	// missing fields are zero filled
	partial, err := table.KeyFromValue(&table.Def.Indexes[2], Object{"owner": "alice"})
	require.NoError(err)
	full, err := table.KeyFromValue(&table.Def.Indexes[2], Object{"owner": "alice", "info": Object{"kind": 0}})
	require.NoError(err)
	assert.Equal(full, partial)

	_, err = table.Keys(Object{"id": uint64(1)})
	assert.Error(err)
}

func TestTableInfoGoStructs(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	type orderInfo struct {
		Kind uint8  `abi:"kind"`
		Tag  string `abi:"tag"`
	}
	type order struct {
		ID    uint64       `abi:"id"`
		Owner Name         `abi:"owner"`
		Price *uint256.Int `abi:"price"`
		Info  orderInfo    `abi:"info"`
	}

	info, err := NewInfo(testCode, testDef())
	require.NoError(err)
	table, err := info.Table(ordersTbl)
	require.NoError(err)

	in := order{ID: 3, Owner: MustName("bob"), Price: uint256.NewInt(5), Info: orderInfo{Kind: 1, Tag: "x"}}
	b, err := table.ToBytes(in)
	require.NoError(err)
	fromObject, err := table.ToBytes(Object{
		"id":    uint64(3),
		"owner": "bob",
		"price": "5",
		"info":  Object{"kind": uint64(1), "tag": "x"},
	})
	require.NoError(err)
	assert.Equal(fromObject, b)

	obj, err := table.ToObject(b)
	require.NoError(err)
	var out order
	require.NoError(FromObject(obj, &out))
	assert.Equal(in.ID, out.ID)
	assert.Equal(in.Owner, out.Owner)
	assert.Equal(in.Info, out.Info)
	assert.Equal(uint64(5), out.Price.Uint64())
}

func TestKeyOrdering(t *testing.T) {
	assert := assert.New(t)

	s, err := NewSerializer(Def{})
	require.NoError(t, err)

	key := func(typ string, v interface{}) []byte {
		b, err := s.appendKey(nil, typ, v, 0)
		require.NoError(t, err)
		return b
	}

	assert.Equal(-1, bytes.Compare(key("int64", int64(-5)), key("int64", int64(3))))
	assert.Equal(-1, bytes.Compare(key("int64", int64(-50)), key("int64", int64(-5))))
	assert.Equal(-1, bytes.Compare(key("float64", -1.5), key("float64", 0.25)))
	assert.Equal(-1, bytes.Compare(key("float64", -2.0), key("float64", -1.0)))
	assert.Equal(-1, bytes.Compare(key("uint64", uint64(9)), key("uint64", uint64(10))))
	assert.Equal(-1, bytes.Compare(key("uint128", uint256.NewInt(1<<63)),
		key("uint128", new(uint256.Int).Lsh(uint256.NewInt(1), 70))))
	assert.Equal(-1, bytes.Compare(key("string", "a"), key("string", "a\x00")))
	assert.Equal(-1, bytes.Compare(key("string", "a\x00"), key("string", "ab")))
	assert.Equal(-1, bytes.Compare(key("string", ""), key("string", "a")))
	assert.Equal(-1, bytes.Compare(key("name", "alice"), key("name", "bob")))
	assert.Equal(-1, bytes.Compare(key("symbol", "4,ABC"), key("symbol", "4,ABD")))

	// composite keys compare field by field
	ab := append(key("string", "a"), key("uint64", uint64(9))...)
	abc := append(key("string", "ab"), key("uint64", uint64(1))...)
	assert.Equal(-1, bytes.Compare(ab, abc))

	// descending fields invert the order
	lo, hi := key("uint64", uint64(1)), key("uint64", uint64(2))
	invert(lo)
	invert(hi)
	assert.Equal(1, bytes.Compare(lo, hi))

	_, err = s.appendKey(nil, "string", 5, 0)
	assert.True(errors.Is(err, ErrInvalidAbiStoreType))
}

func TestDescendingIndexKeys(t *testing.T) {
	require := require.New(t)

	info, err := NewInfo(testCode, testDef())
	require.NoError(err)
	table, err := info.Table(ordersTbl)
	require.NoError(err)
	byowner := &table.Def.Indexes[2]

	k1, err := table.IndexKey(byowner, testOrder(1, "alice", 1, 1))
	require.NoError(err)
	k2, err := table.IndexKey(byowner, testOrder(2, "alice", 1, 2))
	require.NoError(err)
	k3, err := table.IndexKey(byowner, testOrder(3, "bob", 1, 9))
	require.NoError(err)

	// kind is descending within the same owner
	require.Equal(1, bytes.Compare(k1, k2))
	require.Equal(-1, bytes.Compare(k1, k3))
	require.Equal(-1, bytes.Compare(k2, k3))
}

func TestTupleKeys(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	info, err := NewInfo(testCode, testDef())
	require.NoError(err)
	table, err := info.Table(ordersTbl)
	require.NoError(err)
	byowner := &table.Def.Indexes[2]

	row := testOrder(1, "alice", 1, 3)
	rowKey, err := table.IndexKey(byowner, row)
	require.NoError(err)

	key, err := table.KeyFromValue(byowner, Tuple{"alice", 3})
	require.NoError(err)
	assert.Equal(rowKey, key)

	prefix, err := table.KeyFromTuple(byowner, Tuple{MustName("alice")})
	require.NoError(err)
	assert.True(bytes.HasPrefix(rowKey, prefix))
	assert.Less(len(prefix), len(rowKey))

	_, err = table.KeyFromTuple(byowner, Tuple{"alice", 1, 2})
	assert.ErrorIs(err, ErrInvalidAbiStoreType)

	tuple, err := table.TupleOf(byowner, row)
	require.NoError(err)
	assert.Len(tuple, 2)

	// values of different Go types compare by their encoded form
	eq, err := table.PrefixEqual(byowner, tuple, Tuple{MustName("alice")})
	require.NoError(err)
	assert.True(eq)
	eq, err = table.PrefixEqual(byowner, tuple, Tuple{"alice", uint64(3)})
	require.NoError(err)
	assert.True(eq)
	eq, err = table.PrefixEqual(byowner, tuple, Tuple{"alice", 4})
	require.NoError(err)
	assert.False(eq)
}
