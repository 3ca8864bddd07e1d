// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

var (
	testCode  = abi.MustName("market")
	testScope = abi.MustName("alice")
	testPayer = abi.MustName("bob")
	ordersTbl = abi.MustName("orders")
	primary   = abi.MustName("primary")
	byPrice   = abi.MustName("byprice")
	byOwner   = abi.MustName("byowner")
)

func testDef() abi.Def {
	return abi.Def{
		Version: abi.Version,
		Structs: []abi.StructDef{{
			Name: "order",
			Fields: []abi.FieldDef{
				{Name: "id", Type: "uint64"},
				{Name: "owner", Type: "name"},
				{Name: "price", Type: "uint128"},
			},
		}},
		Tables: []abi.TableDef{{
			Name: ordersTbl,
			Type: "order",
			Indexes: []abi.IndexDef{
				{Name: primary, Unique: true, Orders: []abi.OrderDef{{Field: "id", Order: abi.OrderAsc}}},
				{Name: byPrice, Orders: []abi.OrderDef{{Field: "price", Order: abi.OrderAsc}}},
				{Name: byOwner, Unique: true, Orders: []abi.OrderDef{{Field: "owner", Order: abi.OrderAsc}}},
			},
		}},
	}
}

func testLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}

func newTestController(t *testing.T) *Controller {
	driver, err := storage.New(memdb.New(), testLogger())
	require.NoError(t, err)
	c, err := New(DefaultConfig(), driver, prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)
	require.NoError(t, c.SetABI(testCode, testDef()))
	return c
}

func order(id uint64, owner string, price uint64) abi.Object {
	return abi.Object{"id": id, "owner": abi.MustName(owner), "price": uint256.NewInt(price)}
}

func ordersReq() storage.TableRequest {
	return storage.TableRequest{Code: testCode, Scope: testScope, Table: ordersTbl}
}

func indexReq(index abi.Name) storage.IndexRequest {
	return storage.IndexRequest{Code: testCode, Scope: testScope, Table: ordersTbl, Index: index}
}

func insertOrder(t *testing.T, c *Controller, id uint64, owner string, price uint64) {
	_, err := c.Insert(ordersReq(), testPayer, id, order(id, owner, price))
	require.NoError(t, err)
}

func collect(t *testing.T, c *Controller, index abi.Name) []uint64 {
	it, err := c.Begin(indexReq(index))
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close(it.Cursor)) }()

	var pks []uint64
	for !it.IsEnd() {
		pks = append(pks, it.PK)
		it, err = c.Next(it.Cursor)
		require.NoError(t, err)
	}
	return pks
}

func stored(t *testing.T, c *Controller, pk uint64) object.Value {
	v, err := c.Driver().ObjectByPK(ordersReq(), pk)
	require.NoError(t, err)
	return v
}

func TestInsertAndRead(t *testing.T) {
	assert := assert.New(t)
	c := newTestController(t)

	delta, err := c.Insert(ordersReq(), testPayer, 1, order(1, "carol", 300))
	assert.NoError(err)
	assert.Greater(delta, int64(object.ServiceStateSize))

	row, err := c.ObjectByPK(ordersReq(), 1)
	assert.NoError(err)
	assert.Equal(testPayer, row.Service.Payer)
	assert.Equal(abi.MustName("carol"), row.Object["owner"])
	assert.Equal(uint64(len(row.Data)), row.Service.Size)

	_, err = c.Insert(ordersReq(), testPayer, 1, order(1, "dave", 1))
	assert.ErrorIs(err, ErrObjectExists)
	_, err = c.Insert(ordersReq(), testPayer, 2, order(3, "dave", 1))
	assert.ErrorIs(err, ErrPrimaryKeyMismatch)
	_, err = c.Insert(ordersReq(), testPayer, 2, order(2, "carol", 1))
	assert.ErrorIs(err, storage.ErrDuplicateUniqueKey)

	_, err = c.ObjectByPK(ordersReq(), 2)
	assert.ErrorIs(err, ErrObjectNotFound)
	missing, err := c.FindByPK(ordersReq(), 2)
	assert.NoError(err)
	assert.Nil(missing)

	_, err = c.Insert(storage.TableRequest{Code: testPayer, Table: ordersTbl}, testPayer, 1, order(1, "carol", 1))
	assert.ErrorIs(err, ErrUnknownABI)

	// the pk counter follows explicit inserts
	pk, err := c.AvailablePK(ordersReq())
	assert.NoError(err)
	assert.Equal(uint64(2), pk)
	pk, err = c.AvailablePK(ordersReq())
	assert.NoError(err)
	assert.Equal(uint64(3), pk)
}

func TestUpdateAndRemove(t *testing.T) {
	assert := assert.New(t)
	c := newTestController(t)
	insertOrder(t, c, 1, "carol", 300)
	insertOrder(t, c, 2, "dave", 200)

	// warm the cache so the update has to evict it
	_, err := c.ObjectByPK(ordersReq(), 2)
	assert.NoError(err)

	_, err = c.Update(ordersReq(), abi.Name(0), 2, order(2, "dave", 400))
	assert.NoError(err)
	row, err := c.ObjectByPK(ordersReq(), 2)
	assert.NoError(err)
	assert.Equal(testPayer, row.Service.Payer)
	assert.Equal(uint256.NewInt(400), row.Object["price"])
	assert.Equal([]uint64{1, 2}, collect(t, c, byPrice))

	_, err = c.Update(ordersReq(), testPayer, 2, order(3, "dave", 400))
	assert.ErrorIs(err, ErrPrimaryKeyMismatch)
	_, err = c.Update(ordersReq(), testPayer, 7, order(7, "erin", 1))
	assert.ErrorIs(err, ErrObjectNotFound)

	delta, err := c.Remove(ordersReq(), 1)
	assert.NoError(err)
	assert.Less(delta, int64(0))
	_, err = c.Remove(ordersReq(), 1)
	assert.ErrorIs(err, ErrObjectNotFound)
	assert.Equal([]uint64{2}, collect(t, c, primary))
}

func TestUndoRestoresState(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)

	s := c.StartUndoSession(true)
	insertOrder(t, c, 1, "carol", 300)
	s.Push()
	before := stored(t, c, 1)

	s = c.StartUndoSession(true)
	assert.Equal(int64(2), s.Revision())
	pk, err := c.AvailablePK(ordersReq())
	require.NoError(err)
	assert.Equal(uint64(2), pk)
	insertOrder(t, c, pk, "dave", 200)
	_, err = c.Update(ordersReq(), testScope, 1, order(1, "erin", 500))
	require.NoError(err)
	insertOrder(t, c, 9, "frank", 100)
	_, err = c.Remove(ordersReq(), 9)
	require.NoError(err)
	require.NoError(s.Undo())

	assert.Equal(int64(1), c.Revision())
	assert.Equal(before, stored(t, c, 1))
	assert.True(stored(t, c, 2).IsNull())
	assert.True(stored(t, c, 9).IsNull())
	row, err := c.ObjectByPK(ordersReq(), 1)
	require.NoError(err)
	assert.Equal(abi.MustName("carol"), row.Object["owner"])

	pk, err = c.AvailablePK(ordersReq())
	require.NoError(err)
	assert.Equal(uint64(2), pk)

	// the owner key of the reverted update is free again
	insertOrder(t, c, 3, "erin", 1)

	// undo of a handled session does nothing
	assert.NoError(s.Undo())
	assert.Equal(int64(1), c.Revision())
}

func TestUndoRestoresRemovedRows(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)
	insertOrder(t, c, 1, "carol", 300)
	insertOrder(t, c, 2, "dave", 200)
	before := []object.Value{stored(t, c, 1), stored(t, c, 2)}

	s := c.StartUndoSession(true)
	// swap the owners through a removal so the unique index is reused
	_, err := c.Remove(ordersReq(), 1)
	require.NoError(err)
	_, err = c.Update(ordersReq(), testPayer, 2, order(2, "carol", 200))
	require.NoError(err)
	require.NoError(s.Undo())

	assert.Equal(before, []object.Value{stored(t, c, 1), stored(t, c, 2)})
	assert.Equal([]uint64{2, 1}, collect(t, c, byPrice))
}

func TestSquashRules(t *testing.T) {
	value := func(pk uint64, data string) object.Value {
		return object.Value{
			Service: object.ServiceState{PK: pk, Code: testCode, Scope: testScope, Table: ordersTbl},
			Data:    []byte(data),
		}
	}
	first := value(1, "")
	k := keyOf(&first.Service)

	tests := []struct {
		name   string
		parent func(*undoState)
		child  func(*undoState)
		check  func(*assert.Assertions, *undoState)
	}{
		{
			name:   "new without parent record",
			parent: func(*undoState) {},
			child:  func(s *undoState) { s.onCreate(value(1, "a")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Equal(value(1, "a"), p.newValues[k])
				assert.Empty(p.oldValues)
			},
		},
		{
			name:   "old over new",
			parent: func(s *undoState) { s.onCreate(value(1, "a")) },
			child:  func(s *undoState) { s.onModify(value(1, "a"), value(1, "b")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Contains(p.newValues, k)
				assert.Empty(p.oldValues)
			},
		},
		{
			name:   "old over old",
			parent: func(s *undoState) { s.onModify(value(1, "a"), value(1, "b")) },
			child:  func(s *undoState) { s.onModify(value(1, "b"), value(1, "c")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Equal(value(1, "a"), p.oldValues[k])
			},
		},
		{
			name:   "removed over new",
			parent: func(s *undoState) { s.onCreate(value(1, "a")) },
			child:  func(s *undoState) { s.onRemove(value(1, "a")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Empty(p.newValues)
				assert.Empty(p.oldValues)
				assert.Empty(p.removedValues)
			},
		},
		{
			name:   "removed over old",
			parent: func(s *undoState) { s.onModify(value(1, "a"), value(1, "b")) },
			child:  func(s *undoState) { s.onRemove(value(1, "b")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Empty(p.oldValues)
				assert.Equal(value(1, "a"), p.removedValues[k])
			},
		},
		{
			name:   "new over removed",
			parent: func(s *undoState) { s.onRemove(value(1, "a")) },
			child:  func(s *undoState) { s.onCreate(value(1, "b")) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Empty(p.removedValues)
				assert.Empty(p.newValues)
				assert.Equal(value(1, "a"), p.oldValues[k])
			},
		},
		{
			name:   "parent pk counter wins",
			parent: func(s *undoState) { s.onNextPK(ordersReq(), 5) },
			child:  func(s *undoState) { s.onNextPK(ordersReq(), 7) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Equal(uint64(5), p.nextPK[ordersReq()])
			},
		},
		{
			name:   "child pk counter without parent record",
			parent: func(*undoState) {},
			child:  func(s *undoState) { s.onNextPK(ordersReq(), 7) },
			check: func(assert *assert.Assertions, p *undoState) {
				assert.Equal(uint64(7), p.nextPK[ordersReq()])
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			parent, child := newUndoState(1), newUndoState(2)
			test.parent(parent)
			test.child(child)
			child.squashInto(parent)
			test.check(assert.New(t), parent)
		})
	}
}

func TestSquashedSessionIsUndoneWithParent(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)

	outer := c.StartUndoSession(true)
	insertOrder(t, c, 1, "carol", 300)
	inner := c.StartUndoSession(true)
	_, err := c.Update(ordersReq(), testPayer, 1, order(1, "carol", 100))
	require.NoError(err)
	insertOrder(t, c, 2, "dave", 200)
	require.NoError(inner.Squash())
	assert.Equal(int64(1), c.Revision())
	assert.Equal(1, c.UndoStackSize())

	// squash of a closed session is a no-op
	require.NoError(inner.Squash())

	require.NoError(outer.Undo())
	assert.Empty(collect(t, c, primary))
	assert.Equal(0, c.UndoStackSize())
	assert.Equal(int64(0), c.Revision())
}

func TestSquashWithoutParentKeepsChanges(t *testing.T) {
	assert := assert.New(t)
	c := newTestController(t)

	s := c.StartUndoSession(true)
	insertOrder(t, c, 1, "carol", 300)
	assert.NoError(s.Squash())
	assert.Equal(int64(0), c.Revision())
	assert.Equal(0, c.UndoStackSize())
	assert.Equal([]uint64{1}, collect(t, c, primary))
}

func TestWritesInParentAfterSquash(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)

	insertOrder(t, c, 3, "erin", 500)
	before := stored(t, c, 3)

	outer := c.StartUndoSession(true)
	inner := c.StartUndoSession(true)
	insertOrder(t, c, 1, "carol", 300)
	_, err := c.Update(ordersReq(), testPayer, 3, order(3, "erin", 600))
	require.NoError(err)
	require.NoError(inner.Squash())

	// the squashed rows belong to the outer revision now
	assert.Equal(int64(1), stored(t, c, 1).Service.Revision)
	assert.Equal(int64(1), stored(t, c, 3).Service.Revision)

	_, err = c.Update(ordersReq(), testPayer, 1, order(1, "carol", 350))
	require.NoError(err)
	_, err = c.Remove(ordersReq(), 3)
	require.NoError(err)
	assert.Equal([]uint64{1}, collect(t, c, primary))

	require.NoError(outer.Undo())
	assert.Equal([]uint64{3}, collect(t, c, primary))
	assert.Equal(before, stored(t, c, 3))

	s := c.StartUndoSession(true)
	insertOrder(t, c, 2, "dave", 200)
	require.NoError(s.Squash())
	_, err = c.Update(ordersReq(), testPayer, 2, order(2, "dave", 250))
	assert.NoError(err)
}

func TestSessionOrder(t *testing.T) {
	assert := assert.New(t)
	c := newTestController(t)

	outer := c.StartUndoSession(true)
	inner := c.StartUndoSession(true)
	assert.ErrorIs(outer.Squash(), ErrSessionRevision)
	assert.NoError(inner.Undo())

	disabled := c.StartUndoSession(false)
	assert.Equal(int64(1), disabled.Revision())
	assert.NoError(disabled.Undo())
	assert.Equal(1, c.UndoStackSize())

	assert.ErrorIs(c.SetRevision(10), ErrUndoStackNotEmpty)
	outer.Push()
	c.CommitRevision(1)
	assert.NoError(c.SetRevision(10))
	assert.Equal(int64(10), c.Revision())
	assert.Equal(int64(11), c.StartUndoSession(true).Revision())
}

func TestCommitRevision(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)

	for i, owner := range []string{"carol", "dave", "erin"} {
		s := c.StartUndoSession(true)
		insertOrder(t, c, uint64(i+1), owner, uint64(i+1)*100)
		s.Push()
	}
	assert.Equal(3, c.UndoStackSize())

	c.CommitRevision(2)
	assert.Equal(1, c.UndoStackSize())

	require.NoError(c.UndoLastRevision())
	assert.Equal([]uint64{1, 2}, collect(t, c, primary))
	assert.Equal(int64(2), c.Revision())

	// nothing left to undo
	require.NoError(c.UndoLastRevision())
	assert.Equal([]uint64{1, 2}, collect(t, c, primary))
}

func TestRevBadUpdate(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)

	table, err := c.TableInfo(testCode, ordersTbl)
	require.NoError(err)
	data, err := table.ToBytes(order(1, "carol", 300))
	require.NoError(err)
	require.NoError(c.InsertValue(object.Value{
		Service: object.ServiceState{
			PK:       1,
			Payer:    testPayer,
			Size:     uint64(len(data)),
			Code:     testCode,
			Scope:    testScope,
			Table:    ordersTbl,
			Revision: 5,
		},
		Data: data,
	}))

	_, err = c.Update(ordersReq(), testPayer, 1, order(1, "carol", 400))
	assert.ErrorIs(err, ErrRevisionMismatch)
	_, err = c.Remove(ordersReq(), 1)
	assert.ErrorIs(err, ErrRevisionMismatch)

	c.EnableRevBadUpdate()
	assert.True(c.IsRevBadUpdate())
	_, err = c.Update(ordersReq(), testPayer, 1, order(1, "carol", 400))
	assert.NoError(err)
	c.DisableRevBadUpdate()

	// the update moved the row to the current revision
	_, err = c.Remove(ordersReq(), 1)
	assert.NoError(err)
}

func TestUndoLogRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)
	insertOrder(t, c, 1, "carol", 300)
	insertOrder(t, c, 2, "dave", 200)
	before := []object.Value{stored(t, c, 1), stored(t, c, 2)}

	s := c.StartUndoSession(true)
	_, err := c.Update(ordersReq(), testPayer, 1, order(1, "carol", 50))
	require.NoError(err)
	s.Push()
	s = c.StartUndoSession(true)
	_, err = c.Remove(ordersReq(), 2)
	require.NoError(err)
	pk, err := c.AvailablePK(ordersReq())
	require.NoError(err)
	insertOrder(t, c, pk, "erin", 10)
	s.Push()

	undoLog := c.UndoLog()
	require.Len(undoLog, 4)
	assert.Equal(object.OldValue, undoLog[0].Service.UndoRec)
	assert.Equal(int64(1), undoLog[0].Service.UndoRevision)
	assert.Equal(object.NextPk, undoLog[3].Service.UndoRec)
	assert.Equal(uint64(3), undoLog[3].Service.UndoPK)

	// forget the history and bring it back from the log
	c.CommitRevision(c.Revision())
	assert.NoError(c.RestoreUndoLog(undoLog[:1]))
	assert.ErrorIs(c.RestoreUndoLog(undoLog), ErrUndoStackNotEmpty)
	c.CommitRevision(c.Revision())
	require.NoError(c.RestoreUndoLog(undoLog))
	assert.Equal(2, c.UndoStackSize())

	require.NoError(c.UndoLastRevision())
	require.NoError(c.UndoLastRevision())
	assert.Equal(before, []object.Value{stored(t, c, 1), stored(t, c, 2)})
	assert.True(stored(t, c, 3).IsNull())
	pk, err = c.AvailablePK(ordersReq())
	require.NoError(err)
	assert.Equal(uint64(3), pk)
}

func TestCursors(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)
	insertOrder(t, c, 1, "carol", 300)
	insertOrder(t, c, 2, "dave", 200)
	insertOrder(t, c, 3, "erin", 200)

	assert.Equal([]uint64{1, 2, 3}, collect(t, c, primary))
	assert.Equal([]uint64{2, 3, 1}, collect(t, c, byPrice))

	it, err := c.LowerBound(indexReq(byPrice), uint256.NewInt(250))
	require.NoError(err)
	assert.Equal(uint64(1), it.PK)
	row, err := c.ObjectAtCursor(it.Cursor)
	require.NoError(err)
	assert.Equal(abi.MustName("carol"), row.Object["owner"])

	it, err = c.UpperBound(indexReq(byPrice), abi.Object{"price": uint64(200)})
	require.NoError(err)
	assert.Equal(uint64(1), it.PK)

	it, err = c.LowerBound(indexReq(byOwner), abi.MustName("dave"))
	require.NoError(err)
	assert.Equal(uint64(2), it.PK)

	end, err := c.End(indexReq(byPrice))
	require.NoError(err)
	assert.True(end.IsEnd())
	_, err = c.ObjectAtCursor(end.Cursor)
	assert.ErrorIs(err, ErrObjectNotFound)
	last, err := c.Prev(end.Cursor)
	require.NoError(err)
	assert.Equal(uint64(1), last.PK)

	clone, err := c.Clone(last.Cursor)
	require.NoError(err)
	clone, err = c.Prev(clone.Cursor)
	require.NoError(err)
	assert.Equal(uint64(3), clone.PK)
	cur, err := c.Current(last.Cursor)
	require.NoError(err)
	assert.Equal(uint64(1), cur.PK)

	located, err := c.Locate(indexReq(byPrice), 2)
	require.NoError(err)
	located, err = c.Next(located.Cursor)
	require.NoError(err)
	assert.Equal(uint64(3), located.PK)

	require.NoError(c.Close(clone.Cursor))
	_, err = c.Clone(clone.Cursor)
	assert.ErrorIs(err, ErrUnknownCursor)

	c.CloseCode(testCode)
	_, err = c.ObjectAtCursor(located.Cursor)
	assert.ErrorIs(err, ErrUnknownCursor)

	_, err = c.Begin(indexReq(abi.MustName("missing")))
	assert.ErrorIs(err, abi.ErrUnknownIndex)
}

func TestABIChangesAreUndone(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	c := newTestController(t)
	other := abi.MustName("other")

	s := c.StartUndoSession(true)
	require.NoError(c.SetABI(other, testDef()))
	_, err := c.Insert(storage.TableRequest{Code: other, Scope: testScope, Table: ordersTbl}, testPayer, 1, order(1, "carol", 1))
	require.NoError(err)
	assert.Equal([]abi.Name{testCode, other}, c.Accounts())
	require.NoError(s.Undo())

	assert.False(c.HasABI(other))
	tables, err := c.Driver().Tables(other)
	require.NoError(err)
	assert.Empty(tables)

	// a table with rows can't be dropped
	insertOrder(t, c, 1, "carol", 1)
	assert.ErrorIs(c.DropABI(testCode), abi.ErrDropTableWithRows)
	_, err = c.Remove(ordersReq(), 1)
	require.NoError(err)
	require.NoError(c.DropABI(testCode))
	_, err = c.ABI(testCode)
	assert.ErrorIs(err, ErrUnknownABI)
}
