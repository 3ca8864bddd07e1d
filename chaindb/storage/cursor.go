// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"bytes"
	"fmt"
	"math"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

// cursor remembers its last position and re-seeks the index on every move,
// so it stays valid when rows are changed under it.
type cursor struct {
	req   IndexRequest
	pos   entry
	atEnd bool
}

func (c *cursor) pk() uint64 {
	if c.atEnd {
		return object.EndPK
	}
	return c.pos.pk
}

type codeCursors struct {
	nextID uint64
	open   map[uint64]*cursor
}

func (d *TreeDriver) openCursor(r IndexRequest, pos entry, atEnd bool) Cursor {
	cc, ok := d.cursors[r.Code]
	if !ok {
		cc = &codeCursors{open: make(map[uint64]*cursor)}
		d.cursors[r.Code] = cc
	}
	cc.nextID++
	c := &cursor{req: r, pos: pos, atEnd: atEnd}
	cc.open[cc.nextID] = c
	return Cursor{Code: r.Code, ID: cc.nextID, PK: c.pk()}
}

func (d *TreeDriver) cursor(r CursorRequest) (*cursor, error) {
	cc, ok := d.cursors[r.Code]
	if !ok {
		return nil, fmt.Errorf("%w: %d of %s", ErrUnknownCursor, r.ID, r.Code)
	}
	c, ok := cc.open[r.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %d of %s", ErrUnknownCursor, r.ID, r.Code)
	}
	return c, nil
}

// first returns the first entry of [scope] that is not less than [pivot].
func first(idx *index, scope uint64, pivot entry, skip func(entry) bool) (entry, bool) {
	var (
		found entry
		ok    bool
	)
	idx.tree.Ascend(pivot, func(e entry) bool {
		if e.scope != scope || e.end {
			return false
		}
		if skip != nil && skip(e) {
			return true
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

// last returns the last entry of [scope] that is not greater than [pivot].
func last(idx *index, scope uint64, pivot entry, skip func(entry) bool) (entry, bool) {
	var (
		found entry
		ok    bool
	)
	idx.tree.Descend(pivot, func(e entry) bool {
		if e.scope != scope || e.end {
			return false
		}
		if skip != nil && skip(e) {
			return true
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

func (d *TreeDriver) seek(r IndexRequest, pivot entry, skip func(entry) bool) (Cursor, error) {
	idx, err := d.index(r)
	if err != nil {
		return Cursor{}, err
	}
	e, ok := first(idx, uint64(r.Scope), pivot, skip)
	return d.openCursor(r, e, !ok), nil
}

func (d *TreeDriver) Begin(r IndexRequest) (Cursor, error) {
	return d.seek(r, entry{scope: uint64(r.Scope)}, nil)
}

func (d *TreeDriver) End(r IndexRequest) (Cursor, error) {
	if _, err := d.index(r); err != nil {
		return Cursor{}, err
	}
	return d.openCursor(r, entry{}, true), nil
}

func (d *TreeDriver) LowerBound(r IndexRequest, key []byte) (Cursor, error) {
	return d.seek(r, entry{scope: uint64(r.Scope), key: key}, nil)
}

// UpperBound skips every entry whose key starts with [key], so a key prefix
// bounds all keys sharing it.
func (d *TreeDriver) UpperBound(r IndexRequest, key []byte) (Cursor, error) {
	return d.seek(r, entry{scope: uint64(r.Scope), key: key, pk: math.MaxUint64}, func(e entry) bool {
		return bytes.HasPrefix(e.key, key)
	})
}

func (d *TreeDriver) Locate(r IndexRequest, pk uint64) (Cursor, error) {
	t, err := d.table(r.Code, r.Table)
	if err != nil {
		return Cursor{}, err
	}
	if _, ok := t.indexes[r.Index]; !ok {
		return Cursor{}, fmt.Errorf("%w: %s", abi.ErrUnknownIndex, r)
	}
	rw, ok := t.row(r.Scope, pk)
	if !ok {
		return d.openCursor(r, entry{}, true), nil
	}
	return d.openCursor(r, entry{scope: uint64(r.Scope), key: rw.keys[r.Index], pk: pk}, false), nil
}

func (d *TreeDriver) Next(r CursorRequest) (Cursor, error) {
	c, err := d.cursor(r)
	if err != nil {
		return Cursor{}, err
	}
	if !c.atEnd {
		idx, err := d.index(c.req)
		if err != nil {
			return Cursor{}, err
		}
		pos := c.pos
		e, ok := first(idx, pos.scope, pos, func(e entry) bool { return !entryLess(pos, e) })
		c.pos, c.atEnd = e, !ok
	}
	return Cursor{Code: r.Code, ID: r.ID, PK: c.pk()}, nil
}

// Prev moves the cursor back. From the end it goes to the last row, before
// the first row it moves to the end.
func (d *TreeDriver) Prev(r CursorRequest) (Cursor, error) {
	c, err := d.cursor(r)
	if err != nil {
		return Cursor{}, err
	}
	idx, err := d.index(c.req)
	if err != nil {
		return Cursor{}, err
	}
	scope := uint64(c.req.Scope)
	var (
		e  entry
		ok bool
	)
	if c.atEnd {
		e, ok = last(idx, scope, entry{scope: scope, end: true}, nil)
	} else {
		pos := c.pos
		e, ok = last(idx, scope, pos, func(e entry) bool { return !entryLess(e, pos) })
	}
	c.pos, c.atEnd = e, !ok
	return Cursor{Code: r.Code, ID: r.ID, PK: c.pk()}, nil
}

func (d *TreeDriver) Current(r CursorRequest) (Cursor, error) {
	c, err := d.cursor(r)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Code: r.Code, ID: r.ID, PK: c.pk()}, nil
}

func (d *TreeDriver) Clone(r CursorRequest) (Cursor, error) {
	c, err := d.cursor(r)
	if err != nil {
		return Cursor{}, err
	}
	return d.openCursor(c.req, c.pos, c.atEnd), nil
}

func (d *TreeDriver) CloseCursor(r CursorRequest) error {
	if _, err := d.cursor(r); err != nil {
		return err
	}
	delete(d.cursors[r.Code].open, r.ID)
	return nil
}

func (d *TreeDriver) CloseCode(code abi.Name) {
	delete(d.cursors, code)
}
