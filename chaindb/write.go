// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"fmt"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

// keysOf computes the key of [v] in every index of its table.
func (c *Controller) keysOf(v *object.Value) (map[abi.Name][]byte, error) {
	table, err := c.TableInfo(v.Service.Code, v.Service.Table)
	if err != nil {
		return nil, err
	}
	obj, err := table.ToObject(v.Data)
	if err != nil {
		return nil, err
	}
	return keysOfObject(table, obj)
}

func keysOfObject(table *abi.TableInfo, obj abi.Object) (map[abi.Name][]byte, error) {
	keys, err := table.Keys(obj)
	if err != nil {
		return nil, err
	}
	res := make(map[abi.Name][]byte, len(keys))
	for i, key := range keys {
		res[table.Def.Indexes[i].Name] = key
	}
	return res, nil
}

// pack converts [v] into the stored payload of a row and checks its primary
// key.
func pack(table *abi.TableInfo, pk uint64, v interface{}) ([]byte, abi.Object, error) {
	data, err := table.ToBytes(v)
	if err != nil {
		return nil, nil, err
	}
	obj, err := table.ToObject(data)
	if err != nil {
		return nil, nil, err
	}
	objPK, err := table.PrimaryKey(obj)
	if err != nil {
		return nil, nil, err
	}
	if objPK != pk {
		return nil, nil, fmt.Errorf("%w: %d != %d in %s", ErrPrimaryKeyMismatch, objPK, pk, table.Def.Name)
	}
	return data, obj, nil
}

func (c *Controller) checkRevision(v *object.Value) error {
	if v.Service.Revision > c.revision && !c.revBadUpdate {
		return fmt.Errorf("%w: %d > %d for %d in %s.%s",
			ErrRevisionMismatch, v.Service.Revision, c.revision, v.Service.PK, v.Service.Code, v.Service.Table)
	}
	return nil
}

// AvailablePK returns the next free primary key of the table and reserves it.
func (c *Controller) AvailablePK(t storage.TableRequest) (uint64, error) {
	if _, err := c.TableInfo(t.Code, t.Table); err != nil {
		return 0, err
	}
	pk, err := c.driver.AvailablePK(t)
	if err != nil {
		return 0, err
	}
	if err := c.setNextPK(t, pk, pk+1); err != nil {
		return 0, err
	}
	return pk, nil
}

func (c *Controller) setNextPK(t storage.TableRequest, prev, next uint64) error {
	if st := c.head(); st != nil {
		st.onNextPK(t, prev)
	}
	return c.driver.SetAvailablePK(t, next)
}

// Insert adds the row [v] with primary key [pk] and returns the storage delta
// charged to [payer].
func (c *Controller) Insert(t storage.TableRequest, payer abi.Name, pk uint64, v interface{}) (int64, error) {
	table, err := c.TableInfo(t.Code, t.Table)
	if err != nil {
		return 0, err
	}
	data, obj, err := pack(table, pk, v)
	if err != nil {
		return 0, err
	}
	value := object.Value{
		Service: object.ServiceState{
			PK:       pk,
			Payer:    payer,
			Size:     uint64(len(data)),
			InRAM:    true,
			Code:     t.Code,
			Scope:    t.Scope,
			Table:    t.Table,
			Revision: c.revision,
		},
		Data: data,
	}
	if err := c.insert(table, value, obj); err != nil {
		return 0, err
	}
	return int64(value.BillableSize()), nil
}

// InsertValue adds a row that is already in its stored form.
func (c *Controller) InsertValue(value object.Value) error {
	table, err := c.TableInfo(value.Service.Code, value.Service.Table)
	if err != nil {
		return err
	}
	obj, err := table.ToObject(value.Data)
	if err != nil {
		return err
	}
	return c.insert(table, value, obj)
}

func (c *Controller) insert(table *abi.TableInfo, value object.Value, obj abi.Object) error {
	t := storage.TableRequest{Code: value.Service.Code, Scope: value.Service.Scope, Table: value.Service.Table}
	keys, err := keysOfObject(table, obj)
	if err != nil {
		return err
	}
	existing, err := c.driver.ObjectByPK(t, value.Service.PK)
	if err != nil {
		return err
	}
	if !existing.IsNull() {
		return fmt.Errorf("%w: %d in %s", ErrObjectExists, value.Service.PK, t)
	}
	if err := c.driver.Insert(value, keys); err != nil {
		return err
	}
	if st := c.head(); st != nil {
		st.onCreate(value.Clone())
	}
	c.cache.Evict(keyOf(&value.Service).cacheKey())

	next, err := c.driver.AvailablePK(t)
	if err != nil {
		return err
	}
	if value.Service.PK >= next && value.Service.PK < object.UnsetPK {
		return c.setNextPK(t, next, value.Service.PK+1)
	}
	return nil
}

// Update replaces the row with primary key [pk]. An empty [payer] keeps the
// current one. It returns the storage delta charged to the payer.
func (c *Controller) Update(t storage.TableRequest, payer abi.Name, pk uint64, v interface{}) (int64, error) {
	table, err := c.TableInfo(t.Code, t.Table)
	if err != nil {
		return 0, err
	}
	old, err := c.driver.ObjectByPK(t, pk)
	if err != nil {
		return 0, err
	}
	if old.IsNull() {
		return 0, fmt.Errorf("%w: %d in %s", ErrObjectNotFound, pk, t)
	}
	data, obj, err := pack(table, pk, v)
	if err != nil {
		return 0, err
	}
	value := old.Clone()
	if !payer.IsEmpty() {
		value.Service.Payer = payer
	}
	value.Service.Size = uint64(len(data))
	value.Service.Revision = c.revision
	value.Data = data
	if err := c.update(table, old, value, obj); err != nil {
		return 0, err
	}
	return int64(value.BillableSize()) - int64(old.BillableSize()), nil
}

// UpdateValue replaces a row with a value in its stored form.
func (c *Controller) UpdateValue(value object.Value) error {
	table, err := c.TableInfo(value.Service.Code, value.Service.Table)
	if err != nil {
		return err
	}
	t := storage.TableRequest{Code: value.Service.Code, Scope: value.Service.Scope, Table: value.Service.Table}
	old, err := c.driver.ObjectByPK(t, value.Service.PK)
	if err != nil {
		return err
	}
	if old.IsNull() {
		return fmt.Errorf("%w: %d in %s", ErrObjectNotFound, value.Service.PK, t)
	}
	obj, err := table.ToObject(value.Data)
	if err != nil {
		return err
	}
	return c.update(table, old, value, obj)
}

func (c *Controller) update(table *abi.TableInfo, old, value object.Value, obj abi.Object) error {
	if err := c.checkRevision(&old); err != nil {
		return err
	}
	keys, err := keysOfObject(table, obj)
	if err != nil {
		return err
	}
	if err := c.driver.Update(value, keys); err != nil {
		return err
	}
	if st := c.head(); st != nil {
		st.onModify(old, value.Clone())
	}
	c.cache.Evict(keyOf(&value.Service).cacheKey())
	return nil
}

// Remove deletes the row with primary key [pk] and returns the (negative)
// storage delta of its payer.
func (c *Controller) Remove(t storage.TableRequest, pk uint64) (int64, error) {
	if _, err := c.TableInfo(t.Code, t.Table); err != nil {
		return 0, err
	}
	old, err := c.driver.ObjectByPK(t, pk)
	if err != nil {
		return 0, err
	}
	if old.IsNull() {
		return 0, fmt.Errorf("%w: %d in %s", ErrObjectNotFound, pk, t)
	}
	if err := c.RemoveValue(old); err != nil {
		return 0, err
	}
	return -int64(old.BillableSize()), nil
}

// RemoveValue deletes a row given in its stored form.
func (c *Controller) RemoveValue(old object.Value) error {
	if err := c.checkRevision(&old); err != nil {
		return err
	}
	if err := c.driver.Remove(old); err != nil {
		return err
	}
	if st := c.head(); st != nil {
		st.onRemove(old.Clone())
	}
	c.cache.Evict(keyOf(&old.Service).cacheKey())
	return nil
}
