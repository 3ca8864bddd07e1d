// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
	"github.com/ava-labs/chaindbvm/snapshot"
)

const (
	blockStateSection = "block_state"
	accountSection    = "account_table"
	undoSection       = "undo_table"
)

var errSnapshotPending = errors.New("can't snapshot with a pending block")

func tableSection(code, table abi.Name) string {
	return fmt.Sprintf("%s_%s", code, table)
}

func parseTableSection(name string) (abi.Name, abi.Name, error) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return 0, 0, fmt.Errorf("%w: %s", snapshot.ErrSectionMissing, name)
	}
	code, err := abi.NewName(name[:i])
	if err != nil {
		return 0, 0, err
	}
	table, err := abi.NewName(name[i+1:])
	if err != nil {
		return 0, 0, err
	}
	return code, table, nil
}

// nextPKValue carries the primary key counter of a scope in the form the
// undo log uses.
func nextPKValue(t storage.TableRequest, next uint64) object.Value {
	return object.Value{Service: object.ServiceState{
		PK:      object.EndPK,
		Code:    t.Code,
		Scope:   t.Scope,
		Table:   t.Table,
		UndoPK:  next,
		UndoRec: object.NextPk,
	}}
}

// WriteSnapshot writes the reversible blocks, the account table, the undo
// log and every contract table to [w].
func (c *Controller) WriteSnapshot(w *snapshot.Writer) error {
	if c.pending != nil {
		return errSnapshotPending
	}
	if err := w.WriteSection(blockStateSection, func(add func([]byte) error) error {
		for _, bs := range c.currentBranch() {
			b, err := bs.Bytes()
			if err != nil {
				return err
			}
			if err := add(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := w.WriteSection(accountSection, c.tableRows(SystemAccount, accountTable)); err != nil {
		return err
	}
	if err := w.WriteSection(undoSection, func(add func([]byte) error) error {
		for _, v := range c.db.UndoLog() {
			b, err := v.Bytes()
			if err != nil {
				return err
			}
			if err := add(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	codes := c.db.Accounts()
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		info, err := c.db.ABI(code)
		if err != nil {
			return err
		}
		tables := make([]abi.Name, 0, len(info.Tables()))
		for name := range info.Tables() {
			if code == SystemAccount && name == accountTable {
				continue
			}
			tables = append(tables, name)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		for _, table := range tables {
			if err := w.WriteSection(tableSection(code, table), c.tableRows(code, table)); err != nil {
				return err
			}
		}
	}
	return nil
}

// currentBranch returns the root and the blocks up to the head.
func (c *Controller) currentBranch() []*BlockState {
	var branch []*BlockState
	for bs := c.head; ; {
		branch = append(branch, bs)
		if bs.ID == c.forkDB.Root().ID {
			break
		}
		prev, ok := c.forkDB.Get(bs.Header.Previous)
		if !ok {
			break
		}
		bs = prev
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch
}

// tableRows emits the rows of a table followed by its primary key counters.
func (c *Controller) tableRows(code, table abi.Name) func(add func([]byte) error) error {
	return func(add func([]byte) error) error {
		driver := c.db.Driver()
		addValue := func(v object.Value) error {
			b, err := v.Bytes()
			if err != nil {
				return err
			}
			return add(b)
		}
		if err := driver.Scan(code, table, addValue); err != nil {
			return err
		}
		return driver.ScanPKs(code, table, func(scope abi.Name, next uint64) error {
			return addValue(nextPKValue(storage.TableRequest{Code: code, Scope: scope, Table: table}, next))
		})
	}
}

// restoreValue inserts a row read from a snapshot or restores a primary key
// counter.
func (c *Controller) restoreValue(row []byte) (object.Value, error) {
	v, err := object.Parse(row)
	if err != nil {
		return object.Value{}, err
	}
	if v.Service.UndoRec == object.NextPk {
		s := &v.Service
		t := storage.TableRequest{Code: s.Code, Scope: s.Scope, Table: s.Table}
		return v, c.db.Driver().SetAvailablePK(t, s.UndoPK)
	}
	return v, c.db.InsertValue(v)
}

// ReadSnapshot replaces the state with the one of [r].
func (c *Controller) ReadSnapshot(r *snapshot.Reader) error {
	if c.pending != nil {
		return errSnapshotPending
	}
	if err := c.db.DropDB(); err != nil {
		return err
	}
	if err := c.db.SetABI(SystemAccount, SystemDef()); err != nil {
		return err
	}

	var branch []*BlockState
	if err := r.ReadSection(blockStateSection, func(row []byte) error {
		bs, err := ParseBlockState(row)
		if err != nil {
			return err
		}
		branch = append(branch, bs)
		return nil
	}); err != nil {
		return err
	}
	if len(branch) == 0 {
		return fmt.Errorf("%w: no block state", snapshot.ErrSectionMissing)
	}

	accounts, err := c.db.TableInfo(SystemAccount, accountTable)
	if err != nil {
		return err
	}
	if err := r.ReadSection(accountSection, func(row []byte) error {
		v, err := c.restoreValue(row)
		if err != nil || v.Service.UndoRec == object.NextPk {
			return err
		}
		obj, err := accounts.ToObject(v.Data)
		if err != nil {
			return err
		}
		var acc accountObject
		if err := abi.FromObject(obj, &acc); err != nil {
			return err
		}
		return c.installABI(acc.Name, acc.ABI)
	}); err != nil {
		return err
	}

	var undo []object.Value
	if err := r.ReadSection(undoSection, func(row []byte) error {
		v, err := object.Parse(row)
		if err != nil {
			return err
		}
		undo = append(undo, v)
		return nil
	}); err != nil {
		return err
	}

	for {
		name, _, err := r.Section()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, _, err := parseTableSection(name); err != nil {
			return err
		}
		if err := r.Rows(func(row []byte) error {
			_, err := c.restoreValue(row)
			return err
		}); err != nil {
			return err
		}
	}

	root, head := branch[0], branch[len(branch)-1]
	c.forkDB = NewForkDB(root)
	for _, bs := range branch[1:] {
		if err := c.forkDB.Add(bs); err != nil {
			return err
		}
		c.forkDB.MarkInCurrentChain(bs, true)
	}
	c.head = head
	if err := c.restoreRevisions(undo); err != nil {
		return err
	}

	hash, err := r.Hash()
	if err != nil {
		return err
	}
	c.log.Info("snapshot loaded", "head", head.BlockNum, "irreversible", root.BlockNum, "hash", hash)

	errs := wrappers.Errs{}
	for _, bs := range branch[1:] {
		errs.Add(c.reversible.PutBlock(bs))
	}
	errs.Add(
		c.reversible.SetRoot(root),
		c.reversible.SetHead(head),
		c.reversible.SetInitialized(),
		c.reversible.Commit(),
		c.db.ApplyAllChanges(),
	)
	return errs.Err
}

// CalculateIntegrityHash returns the hash of the snapshot of the current
// state.
func (c *Controller) CalculateIntegrityHash() (ids.ID, error) {
	w, err := snapshot.NewWriter(io.Discard)
	if err != nil {
		return ids.Empty, err
	}
	if err := c.WriteSnapshot(w); err != nil {
		return ids.Empty, err
	}
	return w.Close()
}
