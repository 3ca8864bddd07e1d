// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

var (
	testCode  = abi.MustName("market")
	testScope = abi.MustName("alice")
	testTable = abi.MustName("orders")
	primary   = abi.MustName("primary")
	byName    = abi.MustName("byname")
)

func testTableDef() *abi.TableDef {
	return &abi.TableDef{
		Name:      testTable,
		Type:      "order",
		ScopeType: "name",
		Indexes: []abi.IndexDef{
			{Name: primary, Unique: true, Orders: []abi.OrderDef{{Field: "id", Order: abi.OrderAsc}}},
			{Name: byName, Unique: true, Orders: []abi.OrderDef{{Field: "name", Order: abi.OrderAsc}}},
		},
	}
}

func newTestDriver(t *testing.T) *TreeDriver {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())

	d, err := New(memdb.New(), logger)
	require.NoError(t, err)
	def := testTableDef()
	for i := range def.Indexes {
		require.NoError(t, d.CreateIndex(testCode, def, &def.Indexes[i]))
	}
	return d
}

func testValue(pk uint64, data string) object.Value {
	return object.Value{
		Service: object.ServiceState{
			PK:    pk,
			Code:  testCode,
			Scope: testScope,
			Table: testTable,
			Payer: testScope,
		},
		Data: []byte(data),
	}
}

func testKeys(pk uint64, name string) map[abi.Name][]byte {
	return map[abi.Name][]byte{
		primary: abi.EncodePK(pk),
		byName:  []byte(name),
	}
}

func indexReq(index abi.Name) IndexRequest {
	return IndexRequest{Code: testCode, Scope: testScope, Table: testTable, Index: index}
}

func tableReq() TableRequest {
	return TableRequest{Code: testCode, Scope: testScope, Table: testTable}
}

func collect(t *testing.T, d *TreeDriver, index abi.Name) []uint64 {
	c, err := d.Begin(indexReq(index))
	require.NoError(t, err)
	defer func() { require.NoError(t, d.CloseCursor(c.Request())) }()

	var pks []uint64
	for c.PK != object.EndPK {
		pks = append(pks, c.PK)
		c, err = d.Next(c.Request())
		require.NoError(t, err)
	}
	return pks
}

func TestDriverRows(t *testing.T) {
	assert := assert.New(t)
	d := newTestDriver(t)

	assert.NoError(d.Insert(testValue(1, "one"), testKeys(1, "c")))
	assert.NoError(d.Insert(testValue(2, "two"), testKeys(2, "a")))
	assert.NoError(d.Insert(testValue(3, "three"), testKeys(3, "b")))

	assert.Equal([]uint64{1, 2, 3}, collect(t, d, primary))
	assert.Equal([]uint64{2, 3, 1}, collect(t, d, byName))

	v, err := d.ObjectByPK(tableReq(), 2)
	assert.NoError(err)
	assert.Equal([]byte("two"), v.Data)

	v, err = d.ObjectByPK(tableReq(), 9)
	assert.NoError(err)
	assert.True(v.IsNull())

	// duplicates are rejected without changing anything
	assert.ErrorIs(d.Insert(testValue(1, "x"), testKeys(1, "z")), ErrDuplicatePK)
	assert.ErrorIs(d.Insert(testValue(4, "x"), testKeys(4, "a")), ErrDuplicateUniqueKey)
	assert.ErrorIs(d.Insert(testValue(4, "x"), map[abi.Name][]byte{primary: abi.EncodePK(4)}), ErrMissingKey)
	assert.Equal([]uint64{1, 2, 3}, collect(t, d, primary))

	assert.NoError(d.Update(testValue(2, "TWO"), testKeys(2, "d")))
	assert.Equal([]uint64{3, 1, 2}, collect(t, d, byName))
	assert.ErrorIs(d.Update(testValue(2, "TWO"), testKeys(2, "b")), ErrDuplicateUniqueKey)
	assert.ErrorIs(d.Update(testValue(7, "x"), testKeys(7, "x")), ErrRowNotFound)

	assert.NoError(d.Remove(testValue(3, "")))
	assert.Equal([]uint64{1, 2}, collect(t, d, byName))
	assert.ErrorIs(d.Remove(testValue(3, "")), ErrRowNotFound)

	tables, err := d.Tables(testCode)
	assert.NoError(err)
	assert.Len(tables, 1)
	assert.Equal(uint64(2), tables[0].RowCount)
	assert.Len(tables[0].Indexes, 2)
}

func TestDriverCursors(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	d := newTestDriver(t)

	for pk, name := range map[uint64]string{10: "b", 20: "d", 30: "f"} {
		require.NoError(d.Insert(testValue(pk, name), testKeys(pk, name)))
	}

	c, err := d.LowerBound(indexReq(byName), []byte("c"))
	require.NoError(err)
	assert.Equal(uint64(20), c.PK)

	c, err = d.LowerBound(indexReq(byName), []byte("d"))
	require.NoError(err)
	assert.Equal(uint64(20), c.PK)

	c, err = d.UpperBound(indexReq(byName), []byte("d"))
	require.NoError(err)
	assert.Equal(uint64(30), c.PK)

	c, err = d.UpperBound(indexReq(byName), []byte("f"))
	require.NoError(err)
	assert.Equal(object.EndPK, c.PK)

	// prev from end reaches the last row
	end, err := d.End(indexReq(byName))
	require.NoError(err)
	assert.Equal(object.EndPK, end.PK)
	c, err = d.Prev(end.Request())
	require.NoError(err)
	assert.Equal(uint64(30), c.PK)

	// the clone moves independently
	clone, err := d.Clone(c.Request())
	require.NoError(err)
	assert.NotEqual(c.ID, clone.ID)
	clone, err = d.Prev(clone.Request())
	require.NoError(err)
	assert.Equal(uint64(20), clone.PK)
	c, err = d.Current(c.Request())
	require.NoError(err)
	assert.Equal(uint64(30), c.PK)

	// a cursor survives the removal of its row
	located, err := d.Locate(indexReq(byName), 20)
	require.NoError(err)
	require.NoError(d.Remove(testValue(20, "")))
	located, err = d.Next(located.Request())
	require.NoError(err)
	assert.Equal(uint64(30), located.PK)

	// prev before the first row moves to the end
	c, err = d.Begin(indexReq(byName))
	require.NoError(err)
	c, err = d.Prev(c.Request())
	require.NoError(err)
	assert.Equal(object.EndPK, c.PK)

	// other scopes are invisible
	other := indexReq(byName)
	other.Scope = abi.MustName("bob")
	c, err = d.Begin(other)
	require.NoError(err)
	assert.Equal(object.EndPK, c.PK)

	require.NoError(d.CloseCursor(c.Request()))
	_, err = d.Next(c.Request())
	assert.ErrorIs(err, ErrUnknownCursor)

	d.CloseCode(testCode)
	_, err = d.Current(clone.Request())
	assert.ErrorIs(err, ErrUnknownCursor)
}

func TestDriverRestore(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	db := memdb.New()

	d, err := New(db, logger)
	require.NoError(err)
	def := testTableDef()
	for i := range def.Indexes {
		require.NoError(d.CreateIndex(testCode, def, &def.Indexes[i]))
	}
	require.NoError(d.Insert(testValue(1, "one"), testKeys(1, "b")))
	require.NoError(d.Insert(testValue(2, "two"), testKeys(2, "a")))
	require.NoError(d.SetAvailablePK(tableReq(), 3))
	require.NoError(d.ApplyAllChanges())

	// not applied
	require.NoError(d.Insert(testValue(3, "three"), testKeys(3, "c")))

	restored, err := New(db, logger)
	require.NoError(err)
	assert.Equal([]uint64{2, 1}, collect(t, restored, byName))
	pk, err := restored.AvailablePK(tableReq())
	require.NoError(err)
	assert.Equal(uint64(3), pk)

	v, err := restored.ObjectByPK(tableReq(), 1)
	require.NoError(err)
	assert.Equal([]byte("one"), v.Data)

	var scanned []uint64
	require.NoError(restored.Scan(testCode, testTable, func(v object.Value) error {
		scanned = append(scanned, v.Service.PK)
		return nil
	}))
	assert.Equal([]uint64{1, 2}, scanned)
}

func TestDriverSchema(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	d := newTestDriver(t)

	def := testTableDef()
	require.NoError(d.Insert(testValue(1, "one"), testKeys(1, "b")))
	assert.ErrorIs(d.CreateIndex(testCode, def, &abi.IndexDef{Name: abi.MustName("other")}), abi.ErrDropTableWithRows)

	require.NoError(d.Remove(testValue(1, "")))
	require.NoError(d.DropIndex(testCode, def, &def.Indexes[1]))
	tables, err := d.Tables(testCode)
	require.NoError(err)
	assert.Len(tables[0].Indexes, 1)

	_, err = d.Begin(indexReq(byName))
	assert.ErrorIs(err, abi.ErrUnknownIndex)

	require.NoError(d.DropTable(testCode, def))
	tables, err = d.Tables(testCode)
	require.NoError(err)
	assert.Empty(tables)
	_, err = d.ObjectByPK(tableReq(), 1)
	assert.ErrorIs(err, abi.ErrUnknownTable)

	require.NoError(d.DropDB())
}

// VerifyTablesStructure runs against the driver as its schema backend.
func TestDriverVerifyTablesStructure(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	d, err := New(memdb.New(), logger)
	require.NoError(err)

	def := abi.Def{
		Structs: []abi.StructDef{{
			Name:   "order",
			Fields: []abi.FieldDef{{Name: "id", Type: "uint64"}, {Name: "name", Type: "string"}},
		}},
		Tables: []abi.TableDef{*testTableDef()},
	}
	info, err := abi.NewInfo(testCode, def)
	require.NoError(err)
	require.NoError(info.VerifyTablesStructure(d))

	tables, err := d.Tables(testCode)
	require.NoError(err)
	require.Len(tables, 1)
	assert.Len(tables[0].Indexes, 2)

	// changing an index of a table with rows is refused
	require.NoError(d.Insert(testValue(1, "one"), testKeys(1, "b")))
	def.Tables[0].Indexes[1].Unique = false
	changed, err := abi.NewInfo(testCode, def)
	require.NoError(err)
	assert.ErrorIs(changed.VerifyTablesStructure(d), abi.ErrDropTableWithRows)

	// once the table is empty the index is recreated
	require.NoError(d.Remove(testValue(1, "")))
	require.NoError(changed.VerifyTablesStructure(d))
	tables, err = d.Tables(testCode)
	require.NoError(err)
	for _, idx := range tables[0].Indexes {
		if idx.Name == byName {
			assert.False(idx.Unique)
		}
	}

	// undeclared tables are dropped
	empty, err := abi.NewInfo(testCode, abi.Def{Structs: def.Structs})
	require.NoError(err)
	require.NoError(empty.VerifyTablesStructure(d))
	tables, err = d.Tables(testCode)
	require.NoError(err)
	assert.Empty(tables)
}
