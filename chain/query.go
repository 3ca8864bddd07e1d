// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

const defaultRowsLimit = 10

type PermissionInfo struct {
	Name   abi.Name  `json:"perm_name"`
	Parent abi.Name  `json:"parent"`
	Auth   Authority `json:"required_auth"`
}

type AccountInfo struct {
	Name           abi.Name         `json:"account_name"`
	Privileged     bool             `json:"privileged"`
	CodeHash       ids.ID           `json:"code_hash"`
	Created        time.Time        `json:"created"`
	LastCodeUpdate time.Time        `json:"last_code_update"`
	Permissions    []PermissionInfo `json:"permissions"`
}

// GetAccount returns the account [name] with its permissions.
func (c *Controller) GetAccount(name abi.Name) (*AccountInfo, error) {
	acc, err := c.getAccount(name)
	if err != nil {
		return nil, err
	}
	info := &AccountInfo{
		Name:           acc.Name,
		Privileged:     acc.Privileged,
		CodeHash:       acc.CodeHash,
		Created:        time.UnixMicro(acc.CreationDate).UTC(),
		LastCodeUpdate: time.UnixMicro(acc.LastCodeUpdate).UTC(),
	}

	perms, err := c.permissions()
	if err != nil {
		return nil, err
	}
	byOwner, err := perms.Index(byOwnerIndex)
	if err != nil {
		return nil, err
	}
	it, err := byOwner.LowerBound(multiindex.Key{name})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	names := make(map[uint64]abi.Name)
	var owned []*permissionObject
	err = byOwner.Each(it, byOwner.End(), func(p *permissionObject) error {
		if p.Owner != name {
			return errStopScan
		}
		names[p.ID] = p.Name
		owned = append(owned, p)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	for _, p := range owned {
		info.Permissions = append(info.Permissions, PermissionInfo{
			Name:   p.Name,
			Parent: names[p.Parent],
			Auth:   p.Auth,
		})
	}
	return info, nil
}

// GetABI returns the schema loaded for [account].
func (c *Controller) GetABI(account abi.Name) (*abi.Def, error) {
	info, err := c.db.ABI(account)
	if err != nil {
		return nil, err
	}
	return info.Def(), nil
}

// TableRowsRequest selects rows of a contract table through one of its
// indexes.
type TableRowsRequest struct {
	Code  abi.Name
	Scope abi.Name
	Table abi.Name
	// Index defaults to the primary index
	Index abi.Name
	// LowerBound is a key prefix of the index, the first row when empty
	LowerBound abi.Tuple
	Limit      int
}

// TableRows returns up to [req.Limit] rows in index order. [more] is set
// when rows are left after the last returned one.
func (c *Controller) TableRows(req TableRowsRequest) (rows []abi.Object, more bool, err error) {
	if req.Index.IsEmpty() {
		table, err := c.db.TableInfo(req.Code, req.Table)
		if err != nil {
			return nil, false, err
		}
		req.Index = table.Def.Indexes[0].Name
	}
	if req.Limit <= 0 {
		req.Limit = defaultRowsLimit
	}
	index := storage.IndexRequest{Code: req.Code, Scope: req.Scope, Table: req.Table, Index: req.Index}
	var find func() (chaindb.FindInfo, error)
	if len(req.LowerBound) == 0 {
		find = func() (chaindb.FindInfo, error) { return c.db.Begin(index) }
	} else {
		find = func() (chaindb.FindInfo, error) { return c.db.LowerBound(index, req.LowerBound) }
	}
	pos, err := find()
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if closeErr := c.db.Close(pos.Cursor); err == nil {
			err = closeErr
		}
	}()
	for !pos.IsEnd() {
		if len(rows) == req.Limit {
			return rows, true, nil
		}
		row, err := c.db.ObjectAtCursor(pos.Cursor)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row.Object)
		if pos, err = c.db.Next(pos.Cursor); err != nil {
			return nil, false, err
		}
	}
	return rows, false, nil
}

// BlockByNum returns block [num] of the current branch, reading irreversible
// blocks from the block log. It returns nil for unknown blocks.
func (c *Controller) BlockByNum(num uint32) (*SignedBlock, error) {
	if num > c.head.BlockNum {
		return nil, nil
	}
	if bs, ok := c.forkDB.Search(c.head.ID, num); ok {
		return &bs.Block, nil
	}
	return c.blockLog.ReadBlockByNum(num)
}

// BlockByID returns the reversible block [id] or the irreversible one with
// that id. It returns nil for unknown blocks.
func (c *Controller) BlockByID(id ids.ID) (*SignedBlock, error) {
	if bs, ok := c.forkDB.Get(id); ok {
		return &bs.Block, nil
	}
	b, err := c.blockLog.ReadBlockByNum(NumFromID(id))
	if err != nil || b == nil {
		return nil, err
	}
	if bid, err := b.Header.ID(); err != nil || bid != id {
		return nil, err
	}
	return b, nil
}
