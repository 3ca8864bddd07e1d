// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

type rowKey struct {
	code  abi.Name
	scope abi.Name
	table abi.Name
	pk    uint64
}

func keyOf(s *object.ServiceState) rowKey {
	return rowKey{code: s.Code, scope: s.Scope, table: s.Table, pk: s.PK}
}

func (k rowKey) cacheKey() cacheKey {
	return cacheKey{code: k.code, scope: k.scope, table: k.table, pk: k.pk}
}

func (k rowKey) less(o rowKey) bool {
	switch {
	case k.code != o.code:
		return k.code < o.code
	case k.table != o.table:
		return k.table < o.table
	case k.scope != o.scope:
		return k.scope < o.scope
	default:
		return k.pk < o.pk
	}
}

// undoState holds what is needed to revert one revision.
type undoState struct {
	revision int64

	oldValues     map[rowKey]object.Value
	removedValues map[rowKey]object.Value
	newValues     map[rowKey]object.Value
	nextPK        map[storage.TableRequest]uint64
	// nil entries mark accounts that had no schema
	abis map[abi.Name]*abi.Info
}

func newUndoState(revision int64) *undoState {
	return &undoState{
		revision:      revision,
		oldValues:     make(map[rowKey]object.Value),
		removedValues: make(map[rowKey]object.Value),
		newValues:     make(map[rowKey]object.Value),
		nextPK:        make(map[storage.TableRequest]uint64),
		abis:          make(map[abi.Name]*abi.Info),
	}
}

func (s *undoState) onCreate(v object.Value) {
	k := keyOf(&v.Service)
	if removed, ok := s.removedValues[k]; ok {
		delete(s.removedValues, k)
		s.oldValues[k] = removed
		return
	}
	s.newValues[k] = v
}

func (s *undoState) onModify(old, updated object.Value) {
	k := keyOf(&old.Service)
	if _, ok := s.newValues[k]; ok {
		s.newValues[k] = updated
		return
	}
	if _, ok := s.oldValues[k]; ok {
		return
	}
	s.oldValues[k] = old
}

func (s *undoState) onRemove(old object.Value) {
	k := keyOf(&old.Service)
	if _, ok := s.newValues[k]; ok {
		delete(s.newValues, k)
		return
	}
	if v, ok := s.oldValues[k]; ok {
		delete(s.oldValues, k)
		s.removedValues[k] = v
		return
	}
	s.removedValues[k] = old
}

func (s *undoState) onNextPK(t storage.TableRequest, pk uint64) {
	if _, ok := s.nextPK[t]; !ok {
		s.nextPK[t] = pk
	}
}

func (s *undoState) onABI(account abi.Name, prev *abi.Info) {
	if _, ok := s.abis[account]; !ok {
		s.abis[account] = prev
	}
}

// squashInto merges [s] into [parent] so that undoing [parent] reverts the
// changes of both.
func (s *undoState) squashInto(parent *undoState) {
	for k, v := range s.oldValues {
		if _, ok := parent.newValues[k]; ok {
			continue
		}
		if _, ok := parent.oldValues[k]; ok {
			continue
		}
		parent.oldValues[k] = v
	}

	for k, v := range s.newValues {
		if removed, ok := parent.removedValues[k]; ok {
			// removed by the parent and created again: a modification of the
			// value the parent removed
			delete(parent.removedValues, k)
			parent.oldValues[k] = removed
			continue
		}
		parent.newValues[k] = v
	}

	for k, v := range s.removedValues {
		if _, ok := parent.newValues[k]; ok {
			delete(parent.newValues, k)
			continue
		}
		if old, ok := parent.oldValues[k]; ok {
			delete(parent.oldValues, k)
			parent.removedValues[k] = old
			continue
		}
		parent.removedValues[k] = v
	}

	for t, pk := range s.nextPK {
		parent.onNextPK(t, pk)
	}
	for account, info := range s.abis {
		parent.onABI(account, info)
	}
}

// Session is an open revision. Callers defer Undo, which does nothing once
// the session was squashed or pushed.
type Session struct {
	c        *Controller
	revision int64
	apply    bool
}

// StartUndoSession opens a new revision. A disabled session records nothing
// and all its methods are no-ops.
func (c *Controller) StartUndoSession(enabled bool) *Session {
	if !enabled {
		return &Session{c: c, revision: c.revision}
	}
	c.revision++
	c.stack = append(c.stack, newUndoState(c.revision))
	return &Session{c: c, revision: c.revision, apply: true}
}

func (s *Session) Revision() int64 { return s.revision }

// Squash merges the session into the previous one.
func (s *Session) Squash() error {
	if !s.apply {
		return nil
	}
	s.apply = false
	return s.c.squash(s.revision)
}

// Undo reverts every write made in the session.
func (s *Session) Undo() error {
	if !s.apply {
		return nil
	}
	s.apply = false
	return s.c.undoRevision(s.revision)
}

// Push keeps the session on the undo stack. It is reverted by
// UndoLastRevision or dropped by CommitRevision.
func (s *Session) Push() {
	s.apply = false
}

func (c *Controller) Revision() int64 { return c.revision }

// SetRevision is only allowed while nothing can be undone.
func (c *Controller) SetRevision(revision int64) error {
	if len(c.stack) != 0 {
		return fmt.Errorf("%w: can't set revision to %d", ErrUndoStackNotEmpty, revision)
	}
	c.revision = revision
	return nil
}

func (c *Controller) head() *undoState {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

func (c *Controller) squash(revision int64) error {
	head := c.head()
	if head == nil || head.revision != revision {
		return fmt.Errorf("%w: squash of revision %d", ErrSessionRevision, revision)
	}
	c.stack = c.stack[:len(c.stack)-1]
	parent := c.head()
	if parent != nil {
		head.squashInto(parent)
	}
	c.revision--
	return c.lowerRevisions(head, parent)
}

// lowerRevisions moves the rows written in the squashed state [st] down to
// the current revision, so the parent session can modify them again.
func (c *Controller) lowerRevisions(st, parent *undoState) error {
	touched := make(map[rowKey]struct{}, len(st.newValues)+len(st.oldValues))
	for k := range st.newValues {
		touched[k] = struct{}{}
	}
	for k := range st.oldValues {
		touched[k] = struct{}{}
	}
	keys := make([]rowKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	for _, k := range keys {
		cur, err := c.driver.ObjectByPK(storage.TableRequest{Code: k.code, Scope: k.scope, Table: k.table}, k.pk)
		if err != nil {
			return err
		}
		if cur.IsNull() || cur.Service.Revision <= c.revision {
			continue
		}
		cur.Service.Revision = c.revision
		indexKeys, err := c.keysOf(&cur)
		if err != nil {
			return err
		}
		if err := c.driver.Update(cur, indexKeys); err != nil {
			return err
		}
		c.cache.Evict(k.cacheKey())
		if parent != nil {
			if v, ok := parent.newValues[k]; ok {
				v.Service.Revision = c.revision
				parent.newValues[k] = v
			}
		}
	}
	return nil
}

func (c *Controller) undoRevision(revision int64) error {
	head := c.head()
	if head == nil || head.revision != revision {
		return fmt.Errorf("%w: undo of revision %d", ErrSessionRevision, revision)
	}
	return c.UndoLastRevision()
}

// UndoLastRevision reverts the newest revision on the undo stack.
func (c *Controller) UndoLastRevision() error {
	head := c.head()
	if head == nil {
		return nil
	}
	c.stack = c.stack[:len(c.stack)-1]
	c.revision--
	if err := c.revert(head); err != nil {
		return fmt.Errorf("failed to undo revision %d: %w", head.revision, err)
	}
	return nil
}

// CommitRevision forgets the undo history of every revision up to and
// including [revision].
func (c *Controller) CommitRevision(revision int64) {
	n := 0
	for n < len(c.stack) && c.stack[n].revision <= revision {
		n++
	}
	c.stack = append([]*undoState(nil), c.stack[n:]...)
}

// UndoStackSize is the number of revisions that can be undone.
func (c *Controller) UndoStackSize() int { return len(c.stack) }

func sortedKeys(m map[rowKey]object.Value) []rowKey {
	keys := make([]rowKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

func sortNames(names []abi.Name) {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
}

// revert restores the state before [st]. The current versions of all touched
// rows are removed first so restoring the old ones can't hit unique keys
// that are about to disappear. Schemas are restored before the old rows as
// their keys depend on them.
func (c *Controller) revert(st *undoState) error {
	c.cache.Flush()

	for _, k := range sortedKeys(st.newValues) {
		v := st.newValues[k]
		if err := c.driver.Remove(v); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(st.oldValues) {
		cur, err := c.driver.ObjectByPK(storage.TableRequest{Code: k.code, Scope: k.scope, Table: k.table}, k.pk)
		if err != nil {
			return err
		}
		if !cur.IsNull() {
			if err := c.driver.Remove(cur); err != nil {
				return err
			}
		}
	}
	for account, info := range st.abis {
		var err error
		if info == nil {
			err = c.dropTables(account)
			delete(c.abis, account)
		} else {
			err = info.VerifyTablesStructure(c.driver)
			c.abis[account] = info
		}
		if err != nil {
			return err
		}
	}
	for _, values := range []map[rowKey]object.Value{st.oldValues, st.removedValues} {
		for _, k := range sortedKeys(values) {
			v := values[k]
			keys, err := c.keysOf(&v)
			if err != nil {
				return err
			}
			if err := c.driver.Insert(v, keys); err != nil {
				return err
			}
		}
	}
	for t, pk := range st.nextPK {
		// the table may be gone with the schema that declared it
		err := c.driver.SetAvailablePK(t, pk)
		if err != nil && !errors.Is(err, abi.ErrUnknownTable) {
			return err
		}
	}
	return nil
}

// UndoLog returns the undo stack as values, oldest revision first. Each value
// carries its record kind and revision in the undo fields of its service
// state.
func (c *Controller) UndoLog() []object.Value {
	var res []object.Value
	for _, st := range c.stack {
		add := func(rec object.UndoRecord, values map[rowKey]object.Value) {
			for _, k := range sortedKeys(values) {
				v := values[k].Clone()
				v.Service.UndoRec = rec
				v.Service.UndoRevision = st.revision
				res = append(res, v)
			}
		}
		add(object.OldValue, st.oldValues)
		add(object.RemovedValue, st.removedValues)
		add(object.NewValue, st.newValues)

		tables := make([]storage.TableRequest, 0, len(st.nextPK))
		for t := range st.nextPK {
			tables = append(tables, t)
		}
		sort.Slice(tables, func(i, j int) bool {
			return rowKey{code: tables[i].Code, scope: tables[i].Scope, table: tables[i].Table}.less(
				rowKey{code: tables[j].Code, scope: tables[j].Scope, table: tables[j].Table})
		})
		for _, t := range tables {
			res = append(res, object.Value{Service: object.ServiceState{
				PK:           object.EndPK,
				Code:         t.Code,
				Scope:        t.Scope,
				Table:        t.Table,
				UndoPK:       st.nextPK[t],
				UndoRec:      object.NextPk,
				UndoRevision: st.revision,
			}})
		}
	}
	return res
}

// RestoreUndoLog rebuilds the undo stack from the output of UndoLog. Schema
// changes are not part of the log.
func (c *Controller) RestoreUndoLog(values []object.Value) error {
	if len(c.stack) != 0 {
		return ErrUndoStackNotEmpty
	}
	var stack []*undoState
	for _, v := range values {
		s := &v.Service
		if len(stack) == 0 || stack[len(stack)-1].revision != s.UndoRevision {
			if len(stack) != 0 && stack[len(stack)-1].revision > s.UndoRevision {
				return fmt.Errorf("undo log revision %d is out of order", s.UndoRevision)
			}
			stack = append(stack, newUndoState(s.UndoRevision))
		}
		st := stack[len(stack)-1]
		rec := s.UndoRec
		clean := v.Clone()
		clean.Service.UndoRec = object.Unknown
		clean.Service.UndoRevision = 0
		switch rec {
		case object.OldValue:
			st.oldValues[keyOf(s)] = clean
		case object.RemovedValue:
			st.removedValues[keyOf(s)] = clean
		case object.NewValue:
			st.newValues[keyOf(s)] = clean
		case object.NextPk:
			st.nextPK[storage.TableRequest{Code: s.Code, Scope: s.Scope, Table: s.Table}] = s.UndoPK
		default:
			return fmt.Errorf("unexpected undo record %s", rec)
		}
	}
	c.stack = stack
	if top := c.head(); top != nil && top.revision > c.revision {
		c.revision = top.revision
	}
	return nil
}
