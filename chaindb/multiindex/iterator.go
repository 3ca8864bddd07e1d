// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package multiindex

import (
	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

// EndPK is the primary key reported by an iterator past the last row.
const EndPK = object.EndPK

type iteratorState uint8

const (
	stateUninitialized iteratorState = iota
	stateBegin
	stateEnd
	stateFindByPK
	stateOpen
)

// Iterator is a position in an index. Its cursor is opened on the first move
// or dereference and must be released with Close.
type Iterator[T any] struct {
	index  *Index[T]
	state  iteratorState
	cursor storage.CursorRequest
	pk     uint64

	item   *T
	itemPK uint64
}

func (it *Iterator[T]) db() *chaindb.Controller { return it.index.table.db }

func (it *Iterator[T]) open() error {
	var (
		info chaindb.FindInfo
		err  error
	)
	switch it.state {
	case stateOpen:
		return nil
	case stateUninitialized:
		return ErrMovedIterator
	case stateBegin:
		info, err = it.db().Begin(it.index.req)
	case stateEnd:
		info, err = it.db().End(it.index.req)
	case stateFindByPK:
		info, err = it.db().Locate(it.index.req, it.pk)
	}
	if err != nil {
		return err
	}
	it.state = stateOpen
	it.cursor = info.Cursor
	it.pk = info.PK
	return nil
}

// PK returns the primary key of the current row or EndPK.
func (it *Iterator[T]) PK() (uint64, error) {
	switch it.state {
	case stateUninitialized:
		return 0, ErrMovedIterator
	case stateBegin:
		if err := it.open(); err != nil {
			return 0, err
		}
	}
	return it.pk, nil
}

// IsEnd reports whether the iterator is past the last row.
func (it *Iterator[T]) IsEnd() (bool, error) {
	pk, err := it.PK()
	return pk == EndPK, err
}

// Value returns the current row. The row is cached by the iterator and must
// not be modified.
func (it *Iterator[T]) Value() (*T, error) {
	pk, err := it.PK()
	if err != nil {
		return nil, err
	}
	if pk == EndPK {
		return nil, ErrEnd
	}
	if it.item != nil && it.itemPK == pk {
		return it.item, nil
	}
	row, err := it.db().ObjectByPK(it.index.table.req, pk)
	if err != nil {
		return nil, err
	}
	v, err := it.index.table.decode(row.Object)
	if err != nil {
		return nil, err
	}
	it.item, it.itemPK = v, pk
	return v, nil
}

func (it *Iterator[T]) Next() error {
	if err := it.open(); err != nil {
		return err
	}
	info, err := it.db().Next(it.cursor)
	if err != nil {
		return err
	}
	it.pk = info.PK
	return nil
}

// Prev moves back one row. From End it moves to the last row.
func (it *Iterator[T]) Prev() error {
	if err := it.open(); err != nil {
		return err
	}
	info, err := it.db().Prev(it.cursor)
	if err != nil {
		return err
	}
	it.pk = info.PK
	return nil
}

// Equal compares the primary keys of two iterators.
func (it *Iterator[T]) Equal(o *Iterator[T]) (bool, error) {
	a, err := it.PK()
	if err != nil {
		return false, err
	}
	b, err := o.PK()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// Clone returns an iterator at the same position that moves independently.
func (it *Iterator[T]) Clone() (*Iterator[T], error) {
	clone := *it
	switch it.state {
	case stateUninitialized:
		return nil, ErrMovedIterator
	case stateOpen:
		info, err := it.db().Clone(it.cursor)
		if err != nil {
			return nil, err
		}
		clone.cursor = info.Cursor
	}
	return &clone, nil
}

// Move transfers the position and the cursor to a new iterator. [it] is no
// longer usable.
func (it *Iterator[T]) Move() *Iterator[T] {
	moved := *it
	it.state = stateUninitialized
	it.item = nil
	return &moved
}

// Close releases the cursor.
func (it *Iterator[T]) Close() error {
	state := it.state
	it.state = stateUninitialized
	it.item = nil
	if state != stateOpen {
		return nil
	}
	return it.db().Close(it.cursor)
}
