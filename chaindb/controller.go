// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

// Row is a decoded table row.
type Row struct {
	Service object.ServiceState
	Object  abi.Object
	Data    []byte
}

// Value returns the stored form of the row.
func (r *Row) Value() object.Value {
	return object.Value{Service: r.Service, Data: append([]byte(nil), r.Data...)}
}

type cacheKey struct {
	code  abi.Name
	scope abi.Name
	table abi.Name
	pk    uint64
}

// Controller is the multi index object store. Every write is recorded in the
// open undo session so it can be reverted until its revision is committed.
type Controller struct {
	log    log.Logger
	driver storage.Driver

	abis    map[abi.Name]*abi.Info
	cache   cache.Cacher
	cursors map[storage.CursorRequest]storage.IndexRequest

	revision     int64
	stack        []*undoState
	revBadUpdate bool
}

func New(config Config, driver storage.Driver, registerer prometheus.Registerer, logger log.Logger) (*Controller, error) {
	objectCache, err := metercacher.New(
		config.MetricsNamespace,
		registerer,
		&cache.LRU{Size: config.CacheSize},
	)
	if err != nil {
		return nil, err
	}
	return &Controller{
		log:     logger,
		driver:  driver,
		abis:    make(map[abi.Name]*abi.Info),
		cache:   objectCache,
		cursors: make(map[storage.CursorRequest]storage.IndexRequest),
	}, nil
}

// SetABI loads the schema of [account] and brings the stored tables in line
// with it. The change is reverted when the open session is undone.
func (c *Controller) SetABI(account abi.Name, def abi.Def) error {
	info, err := abi.NewInfo(account, def)
	if err != nil {
		return err
	}
	return c.installABI(account, info)
}

func (c *Controller) installABI(account abi.Name, info *abi.Info) error {
	if err := info.VerifyTablesStructure(c.driver); err != nil {
		return err
	}
	if st := c.head(); st != nil {
		st.onABI(account, c.abis[account])
	}
	c.abis[account] = info
	c.cache.Flush()
	c.log.Debug("installed abi", "account", account, "tables", len(info.Def().Tables))
	return nil
}

// DropABI removes the schema of [account] together with its tables. The
// tables must be empty.
func (c *Controller) DropABI(account abi.Name) error {
	if _, ok := c.abis[account]; !ok {
		return nil
	}
	if err := c.dropTables(account); err != nil {
		return err
	}
	if st := c.head(); st != nil {
		st.onABI(account, c.abis[account])
	}
	delete(c.abis, account)
	c.cache.Flush()
	return nil
}

func (c *Controller) dropTables(account abi.Name) error {
	empty, err := abi.NewInfo(account, abi.Def{})
	if err != nil {
		return err
	}
	return empty.VerifyTablesStructure(c.driver)
}

func (c *Controller) ABI(account abi.Name) (*abi.Info, error) {
	info, ok := c.abis[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownABI, account)
	}
	return info, nil
}

func (c *Controller) HasABI(account abi.Name) bool {
	_, ok := c.abis[account]
	return ok
}

// Accounts returns the accounts that have a schema.
func (c *Controller) Accounts() []abi.Name {
	accounts := make([]abi.Name, 0, len(c.abis))
	for account := range c.abis {
		accounts = append(accounts, account)
	}
	sortNames(accounts)
	return accounts
}

func (c *Controller) TableInfo(code, table abi.Name) (*abi.TableInfo, error) {
	info, err := c.ABI(code)
	if err != nil {
		return nil, err
	}
	return info.Table(table)
}

func (c *Controller) Driver() storage.Driver { return c.driver }

// ApplyAllChanges makes every change durable, including the ones that can
// still be undone.
func (c *Controller) ApplyAllChanges() error {
	return c.driver.ApplyAllChanges()
}

func (c *Controller) EnableRevBadUpdate()  { c.revBadUpdate = true }
func (c *Controller) DisableRevBadUpdate() { c.revBadUpdate = false }
func (c *Controller) IsRevBadUpdate() bool { return c.revBadUpdate }

// DropDB removes every table and forgets all schemas and undo history.
func (c *Controller) DropDB() error {
	if err := c.driver.DropDB(); err != nil {
		return err
	}
	c.abis = make(map[abi.Name]*abi.Info)
	c.cursors = make(map[storage.CursorRequest]storage.IndexRequest)
	c.stack = nil
	c.revision = 0
	c.cache.Flush()
	return nil
}

// Shutdown releases the driver. Changes not applied with ApplyAllChanges are
// lost.
func (c *Controller) Shutdown() error {
	return c.driver.Close()
}
