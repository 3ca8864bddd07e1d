// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

// FindInfo is the position of a cursor. PK is object.EndPK at the end of the
// index.
type FindInfo struct {
	Cursor storage.CursorRequest
	PK     uint64
}

func (f FindInfo) IsEnd() bool { return f.PK == object.EndPK }

func (c *Controller) index(r storage.IndexRequest) (*abi.TableInfo, *abi.IndexDef, error) {
	table, err := c.TableInfo(r.Code, r.Table)
	if err != nil {
		return nil, nil, err
	}
	index, err := table.Index(r.Index)
	if err != nil {
		return nil, nil, err
	}
	return table, index, nil
}

func (c *Controller) opened(r storage.IndexRequest, cursor storage.Cursor, err error) (FindInfo, error) {
	if err != nil {
		return FindInfo{}, err
	}
	req := cursor.Request()
	c.cursors[req] = r
	return FindInfo{Cursor: req, PK: cursor.PK}, nil
}

func (c *Controller) moved(cursor storage.Cursor, err error) (FindInfo, error) {
	if err != nil {
		return FindInfo{}, err
	}
	return FindInfo{Cursor: cursor.Request(), PK: cursor.PK}, nil
}

func (c *Controller) Begin(r storage.IndexRequest) (FindInfo, error) {
	if _, _, err := c.index(r); err != nil {
		return FindInfo{}, err
	}
	cursor, err := c.driver.Begin(r)
	return c.opened(r, cursor, err)
}

func (c *Controller) End(r storage.IndexRequest) (FindInfo, error) {
	if _, _, err := c.index(r); err != nil {
		return FindInfo{}, err
	}
	cursor, err := c.driver.End(r)
	return c.opened(r, cursor, err)
}

// LowerBound positions a cursor on the first row whose key is not less than
// [key]. [key] is an abi.Tuple holding a key prefix, or a value shaped like
// the key struct of the index with missing fields zero filled.
func (c *Controller) LowerBound(r storage.IndexRequest, key interface{}) (FindInfo, error) {
	k, err := c.encodeKey(r, key)
	if err != nil {
		return FindInfo{}, err
	}
	cursor, err := c.driver.LowerBound(r, k)
	return c.opened(r, cursor, err)
}

// UpperBound positions a cursor on the first row whose key is greater than
// [key].
func (c *Controller) UpperBound(r storage.IndexRequest, key interface{}) (FindInfo, error) {
	k, err := c.encodeKey(r, key)
	if err != nil {
		return FindInfo{}, err
	}
	cursor, err := c.driver.UpperBound(r, k)
	return c.opened(r, cursor, err)
}

func (c *Controller) encodeKey(r storage.IndexRequest, key interface{}) ([]byte, error) {
	table, index, err := c.index(r)
	if err != nil {
		return nil, err
	}
	k, err := table.KeyFromValue(index, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", abi.ErrInvalidAbiStoreType, err)
	}
	return k, nil
}

// Locate positions a cursor on the row with primary key [pk].
func (c *Controller) Locate(r storage.IndexRequest, pk uint64) (FindInfo, error) {
	if _, _, err := c.index(r); err != nil {
		return FindInfo{}, err
	}
	cursor, err := c.driver.Locate(r, pk)
	return c.opened(r, cursor, err)
}

func (c *Controller) Next(r storage.CursorRequest) (FindInfo, error) {
	return c.moved(c.driver.Next(r))
}

func (c *Controller) Prev(r storage.CursorRequest) (FindInfo, error) {
	return c.moved(c.driver.Prev(r))
}

func (c *Controller) Current(r storage.CursorRequest) (FindInfo, error) {
	return c.moved(c.driver.Current(r))
}

func (c *Controller) Clone(r storage.CursorRequest) (FindInfo, error) {
	index, ok := c.cursors[r]
	if !ok {
		return FindInfo{}, fmt.Errorf("%w: %d of %s", ErrUnknownCursor, r.ID, r.Code)
	}
	cursor, err := c.driver.Clone(r)
	return c.opened(index, cursor, err)
}

func (c *Controller) Close(r storage.CursorRequest) error {
	delete(c.cursors, r)
	return c.driver.CloseCursor(r)
}

// CloseCode closes every cursor opened on the tables of [code].
func (c *Controller) CloseCode(code abi.Name) {
	for r := range c.cursors {
		if r.Code == code {
			delete(c.cursors, r)
		}
	}
	c.driver.CloseCode(code)
}

// ObjectAtCursor returns the row the cursor points to.
func (c *Controller) ObjectAtCursor(r storage.CursorRequest) (*Row, error) {
	index, ok := c.cursors[r]
	if !ok {
		return nil, fmt.Errorf("%w: %d of %s", ErrUnknownCursor, r.ID, r.Code)
	}
	cursor, err := c.driver.Current(r)
	if err != nil {
		return nil, err
	}
	if cursor.PK == object.EndPK {
		return nil, fmt.Errorf("%w: cursor %d of %s is at the end", ErrObjectNotFound, r.ID, r.Code)
	}
	return c.ObjectByPK(index.TableRequest(), cursor.PK)
}

// ObjectByPK returns the row with primary key [pk]. Rows are shared with the
// cache and must not be modified.
func (c *Controller) ObjectByPK(t storage.TableRequest, pk uint64) (*Row, error) {
	key := cacheKey{code: t.Code, scope: t.Scope, table: t.Table, pk: pk}
	if row, ok := c.cache.Get(key); ok {
		return row.(*Row), nil
	}
	table, err := c.TableInfo(t.Code, t.Table)
	if err != nil {
		return nil, err
	}
	v, err := c.driver.ObjectByPK(t, pk)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, fmt.Errorf("%w: %d in %s", ErrObjectNotFound, pk, t)
	}
	obj, err := table.ToObject(v.Data)
	if err != nil {
		return nil, err
	}
	row := &Row{Service: v.Service, Object: obj, Data: v.Data}
	c.cache.Put(key, row)
	return row, nil
}

// FindByPK is ObjectByPK that reports a missing row with a nil Row.
func (c *Controller) FindByPK(t storage.TableRequest, pk uint64) (*Row, error) {
	row, err := c.ObjectByPK(t, pk)
	if err == nil {
		return row, nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	return nil, err
}
