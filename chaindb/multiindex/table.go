// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package multiindex provides typed access to chaindb tables.
//
// A Table is bound to one (code, scope, table) triple and decodes rows into a
// Go struct T carrying `abi` field tags. Each table index is reached through
// an Index that hands out lazy iterators: a cursor is opened on the first
// dereference or move, and decoded rows are cached per cursor.
package multiindex

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

var (
	// ErrIndex is wrapped by every misuse of an index.
	ErrIndex = errors.New("index error")

	ErrPrimaryKeyChanged = fmt.Errorf("%w: the primary key of an object can't be changed", ErrIndex)
	ErrNotFound          = fmt.Errorf("%w: object not found", ErrIndex)
	ErrEnd               = fmt.Errorf("%w: iterator is at the end", ErrIndex)
	ErrMovedIterator     = fmt.Errorf("%w: iterator was moved", ErrIndex)
	ErrWrongTable        = fmt.Errorf("%w: iterator belongs to another table", ErrIndex)
)

// Key is a composite index key. A shorter key is a prefix of the index key.
type Key = abi.Tuple

// IndexDescriptor tells a table how to extract the key of index [Tag] from a
// row. Indexes without a descriptor extract their keys through the schema.
type IndexDescriptor[T any] struct {
	Tag abi.Name
	Key func(*T) Key
}

// Table is a typed view of a table in one scope.
type Table[T any] struct {
	db   *chaindb.Controller
	req  storage.TableRequest
	info *abi.TableInfo

	descriptors map[abi.Name]IndexDescriptor[T]

	// OnStorage is called with the storage delta of every write.
	OnStorage func(payer abi.Name, delta int64) error
}

// New binds a typed view to [code].[table] in [scope]. The schema of [code]
// must already be loaded.
func New[T any](db *chaindb.Controller, code, scope, table abi.Name, descriptors ...IndexDescriptor[T]) (*Table[T], error) {
	info, err := db.TableInfo(code, table)
	if err != nil {
		return nil, err
	}
	t := &Table[T]{
		db:          db,
		req:         storage.TableRequest{Code: code, Scope: scope, Table: table},
		info:        info,
		descriptors: make(map[abi.Name]IndexDescriptor[T], len(descriptors)),
	}
	for _, d := range descriptors {
		if _, err := info.Index(d.Tag); err != nil {
			return nil, err
		}
		t.descriptors[d.Tag] = d
	}
	return t, nil
}

func (t *Table[T]) Request() storage.TableRequest { return t.req }
func (t *Table[T]) Info() *abi.TableInfo          { return t.info }

// Index returns the index tagged [tag].
func (t *Table[T]) Index(tag abi.Name) (*Index[T], error) {
	def, err := t.info.Index(tag)
	if err != nil {
		return nil, err
	}
	return &Index[T]{
		table: t,
		def:   def,
		req: storage.IndexRequest{
			Code:  t.req.Code,
			Scope: t.req.Scope,
			Table: t.req.Table,
			Index: tag,
		},
	}, nil
}

// Primary returns the primary index.
func (t *Table[T]) Primary() *Index[T] {
	def := t.info.Def.PrimaryIndex()
	idx, _ := t.Index(def.Name)
	return idx
}

func (t *Table[T]) Begin() (*Iterator[T], error) { return t.Primary().Begin() }
func (t *Table[T]) End() *Iterator[T]            { return t.Primary().End() }

// Find returns an iterator to the row with primary key [pk], or End.
func (t *Table[T]) Find(pk uint64) (*Iterator[T], error) {
	row, err := t.db.FindByPK(t.req, pk)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return t.End(), nil
	}
	return t.Primary().locate(pk), nil
}

// Get reads the row with primary key [pk].
func (t *Table[T]) Get(pk uint64) (*T, error) {
	row, err := t.db.FindByPK(t.req, pk)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %d in %s", ErrNotFound, pk, t.req)
	}
	return t.decode(row.Object)
}

// Has reports whether a row with primary key [pk] exists.
func (t *Table[T]) Has(pk uint64) (bool, error) {
	row, err := t.db.FindByPK(t.req, pk)
	return row != nil, err
}

func (t *Table[T]) decode(obj abi.Object) (*T, error) {
	v := new(T)
	if err := abi.FromObject(obj, v); err != nil {
		return nil, err
	}
	return v, nil
}

// PrimaryKey returns the primary key of [v].
func (t *Table[T]) PrimaryKey(v *T) (uint64, error) {
	obj, err := abi.ToObject(v)
	if err != nil {
		return 0, err
	}
	return t.info.PrimaryKey(obj)
}

// AvailablePK reserves the next primary key of the table.
func (t *Table[T]) AvailablePK() (uint64, error) {
	return t.db.AvailablePK(t.req)
}

func (t *Table[T]) charge(payer abi.Name, delta int64) error {
	if t.OnStorage == nil || delta == 0 {
		return nil
	}
	return t.OnStorage(payer, delta)
}

// Emplace adds a row with a freshly allocated primary key. [ctor] must store
// [pk] as the primary key of the row.
func (t *Table[T]) Emplace(payer abi.Name, ctor func(pk uint64, v *T)) (*T, error) {
	pk, err := t.AvailablePK()
	if err != nil {
		return nil, err
	}
	return t.EmplaceWithPK(payer, pk, func(v *T) { ctor(pk, v) })
}

// EmplaceWithPK adds a row with primary key [pk].
func (t *Table[T]) EmplaceWithPK(payer abi.Name, pk uint64, ctor func(v *T)) (*T, error) {
	v := new(T)
	ctor(v)
	got, err := t.PrimaryKey(v)
	if err != nil {
		return nil, err
	}
	if got != pk {
		return nil, fmt.Errorf("%w: constructed %d instead of %d in %s", ErrPrimaryKeyChanged, got, pk, t.req)
	}
	delta, err := t.db.Insert(t.req, payer, pk, v)
	if err != nil {
		return nil, err
	}
	return v, t.charge(payer, delta)
}

// Modify runs [updater] on the row [it] points to and stores the result. An
// empty [payer] keeps the current payer. The stored row is left unchanged when
// the updater changes the primary key.
func (t *Table[T]) Modify(it *Iterator[T], payer abi.Name, updater func(v *T)) error {
	if it.index.table != t {
		return ErrWrongTable
	}
	v, err := it.Value()
	if err != nil {
		return err
	}
	copied, err := t.decodeCopy(v)
	if err != nil {
		return err
	}
	return t.ModifyObject(copied, payer, updater)
}

// ModifyObject is Modify for a row read from the table.
func (t *Table[T]) ModifyObject(v *T, payer abi.Name, updater func(v *T)) error {
	pk, err := t.PrimaryKey(v)
	if err != nil {
		return err
	}
	updater(v)
	got, err := t.PrimaryKey(v)
	if err != nil {
		return err
	}
	if got != pk {
		return fmt.Errorf("%w: %d became %d in %s", ErrPrimaryKeyChanged, pk, got, t.req)
	}
	row, err := t.db.ObjectByPK(t.req, pk)
	if err != nil {
		return err
	}
	if payer.IsEmpty() {
		payer = row.Service.Payer
	}
	oldValue := row.Value()
	oldPayer := row.Service.Payer
	oldSize := int64(oldValue.BillableSize())
	delta, err := t.db.Update(t.req, payer, pk, v)
	if err != nil {
		return err
	}
	if oldPayer == payer {
		return t.charge(payer, delta)
	}
	if err := t.charge(oldPayer, -oldSize); err != nil {
		return err
	}
	return t.charge(payer, delta+oldSize)
}

// Erase removes the row [it] points to and returns an iterator to the next
// row of the same index.
func (t *Table[T]) Erase(it *Iterator[T]) (*Iterator[T], error) {
	if it.index.table != t {
		return nil, ErrWrongTable
	}
	pk, err := it.PK()
	if err != nil {
		return nil, err
	}
	if pk == EndPK {
		return nil, ErrEnd
	}
	next, err := it.Clone()
	if err != nil {
		return nil, err
	}
	if err := next.Next(); err != nil {
		return nil, err
	}
	if err := t.erase(pk); err != nil {
		return nil, err
	}
	return next, nil
}

// EraseObject removes the row [v].
func (t *Table[T]) EraseObject(v *T) error {
	pk, err := t.PrimaryKey(v)
	if err != nil {
		return err
	}
	return t.erase(pk)
}

func (t *Table[T]) erase(pk uint64) error {
	row, err := t.db.ObjectByPK(t.req, pk)
	if err != nil {
		return err
	}
	removed, err := t.info.PrimaryKey(row.Object)
	if err != nil {
		return err
	}
	if removed != pk {
		return fmt.Errorf("%w: removed %d instead of %d in %s", ErrIndex, removed, pk, t.req)
	}
	payer := row.Service.Payer
	delta, err := t.db.Remove(t.req, pk)
	if err != nil {
		return err
	}
	return t.charge(payer, delta)
}

func (t *Table[T]) decodeCopy(v *T) (*T, error) {
	obj, err := abi.ToObject(v)
	if err != nil {
		return nil, err
	}
	return t.decode(obj)
}

// keyOf extracts the key of [v] in [index].
func (t *Table[T]) keyOf(index *abi.IndexDef, v *T) (Key, error) {
	if d, ok := t.descriptors[index.Name]; ok && d.Key != nil {
		return d.Key(v), nil
	}
	obj, err := abi.ToObject(v)
	if err != nil {
		return nil, err
	}
	return t.info.TupleOf(index, obj)
}

// Index is an ordered view of a table.
type Index[T any] struct {
	table *Table[T]
	def   *abi.IndexDef
	req   storage.IndexRequest
}

func (i *Index[T]) Def() *abi.IndexDef { return i.def }

func (i *Index[T]) Begin() (*Iterator[T], error) {
	return &Iterator[T]{index: i, state: stateBegin}, nil
}

func (i *Index[T]) End() *Iterator[T] {
	return &Iterator[T]{index: i, state: stateEnd, pk: EndPK}
}

func (i *Index[T]) locate(pk uint64) *Iterator[T] {
	return &Iterator[T]{index: i, state: stateFindByPK, pk: pk}
}

// LowerBound returns an iterator to the first row whose key is not less than
// [key].
func (i *Index[T]) LowerBound(key Key) (*Iterator[T], error) {
	info, err := i.table.db.LowerBound(i.req, key)
	if err != nil {
		return nil, err
	}
	return i.opened(info), nil
}

// UpperBound returns an iterator to the first row whose key is greater than
// [key].
func (i *Index[T]) UpperBound(key Key) (*Iterator[T], error) {
	info, err := i.table.db.UpperBound(i.req, key)
	if err != nil {
		return nil, err
	}
	return i.opened(info), nil
}

func (i *Index[T]) opened(info chaindb.FindInfo) *Iterator[T] {
	return &Iterator[T]{index: i, state: stateOpen, cursor: info.Cursor, pk: info.PK}
}

// Find returns an iterator to the first row whose key starts with [key], or
// End.
func (i *Index[T]) Find(key Key) (*Iterator[T], error) {
	it, err := i.LowerBound(key)
	if err != nil {
		return nil, err
	}
	if it.pk == EndPK {
		return it, nil
	}
	v, err := it.Value()
	if err != nil {
		return nil, err
	}
	found, err := i.table.keyOf(i.def, v)
	if err != nil {
		return nil, err
	}
	eq, err := i.table.info.PrefixEqual(i.def, found, key)
	if err != nil {
		return nil, err
	}
	if !eq {
		if err := it.Close(); err != nil {
			return nil, err
		}
		return i.End(), nil
	}
	return it, nil
}

// RequireFind is Find that fails when nothing matches.
func (i *Index[T]) RequireFind(key Key) (*Iterator[T], error) {
	it, err := i.Find(key)
	if err != nil {
		return nil, err
	}
	if it.pk == EndPK {
		return nil, fmt.Errorf("%w: %v in %s", ErrNotFound, key, i.req)
	}
	return it, nil
}

// Get reads the first row whose key starts with [key].
func (i *Index[T]) Get(key Key) (*T, error) {
	it, err := i.RequireFind(key)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return it.Value()
}

// EqualRange returns the rows whose key starts with [key] as the range
// [lo, hi).
func (i *Index[T]) EqualRange(key Key) (*Iterator[T], *Iterator[T], error) {
	lo, err := i.LowerBound(key)
	if err != nil {
		return nil, nil, err
	}
	hi, err := i.UpperBound(key)
	if err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}

// IteratorTo returns an iterator of this index pointing to row [v].
func (i *Index[T]) IteratorTo(v *T) (*Iterator[T], error) {
	pk, err := i.table.PrimaryKey(v)
	if err != nil {
		return nil, err
	}
	return i.locate(pk), nil
}

// Each calls [f] for every row from [it] up to [end].
func (i *Index[T]) Each(it, end *Iterator[T], f func(*T) error) error {
	for {
		eq, err := it.Equal(end)
		if err != nil || eq {
			return err
		}
		v, err := it.Value()
		if err != nil {
			return err
		}
		if err := f(v); err != nil {
			return err
		}
		if err := it.Next(); err != nil {
			return err
		}
	}
}
