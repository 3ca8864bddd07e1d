// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ava-labs/avalanchego/database"
	"github.com/tidwall/btree"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

const btreeDegree = 64

var _ Driver = (*TreeDriver)(nil)

// entry is one key of an index. An entry with [end] set sorts after every
// entry of its scope.
type entry struct {
	scope uint64
	end   bool
	key   []byte
	pk    uint64
}

func entryLess(a, b entry) bool {
	if a.scope != b.scope {
		return a.scope < b.scope
	}
	if a.end != b.end {
		return b.end
	}
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.pk < b.pk
}

type row struct {
	value object.Value
	keys  map[abi.Name][]byte
}

func rowLess(a, b *row) bool {
	if a.value.Service.Scope != b.value.Service.Scope {
		return a.value.Service.Scope < b.value.Service.Scope
	}
	return a.value.Service.PK < b.value.Service.PK
}

func (r *row) sortedKeys() []indexKey {
	keys := make([]indexKey, 0, len(r.keys))
	for name, key := range r.keys {
		keys = append(keys, indexKey{Index: name, Key: key})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Index < keys[j].Index })
	return keys
}

type index struct {
	def  abi.IndexDef
	tree *btree.BTreeG[entry]
}

type table struct {
	def     abi.TableDef
	indexes map[abi.Name]*index
	rows    *btree.BTreeG[*row]
	nextPK  map[abi.Name]uint64
}

func newTable(def abi.TableDef) *table {
	def.Indexes = nil
	def.RowCount = 0
	return &table{
		def:     def,
		indexes: make(map[abi.Name]*index),
		rows:    btree.NewBTreeGOptions(rowLess, btree.Options{Degree: btreeDegree}),
		nextPK:  make(map[abi.Name]uint64),
	}
}

func (t *table) addIndex(def abi.IndexDef) *index {
	def.Orders = append([]abi.OrderDef(nil), def.Orders...)
	idx := &index{
		def:  def,
		tree: btree.NewBTreeGOptions(entryLess, btree.Options{Degree: btreeDegree}),
	}
	t.indexes[def.Name] = idx
	t.def.Indexes = append(t.def.Indexes, def)
	return idx
}

func (t *table) row(scope abi.Name, pk uint64) (*row, bool) {
	return t.rows.Get(&row{value: object.Value{Service: object.ServiceState{Scope: scope, PK: pk}}})
}

// TreeDriver keeps every index in an ordered btree and mirrors all changes
// into a database.
type TreeDriver struct {
	log   log.Logger
	state *state

	codes   map[abi.Name]map[abi.Name]*table
	cursors map[abi.Name]*codeCursors
}

// New restores the tables stored in [db].
func New(db database.Database, logger log.Logger) (*TreeDriver, error) {
	d := &TreeDriver{
		log:     logger,
		state:   newState(db),
		codes:   make(map[abi.Name]map[abi.Name]*table),
		cursors: make(map[abi.Name]*codeCursors),
	}
	if err := d.restore(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *TreeDriver) restore() error {
	err := d.state.forEachTable(func(code abi.Name, def abi.TableDef) error {
		t := newTable(def)
		for _, idx := range def.Indexes {
			t.addIndex(idx)
		}
		d.codeTables(code)[def.Name] = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore tables: %w", err)
	}

	rows := 0
	err = d.state.forEachRow(func(record rowRecord) error {
		s := &record.Value.Service
		t, err := d.table(s.Code, s.Table)
		if err != nil {
			return err
		}
		r := &row{value: record.Value, keys: make(map[abi.Name][]byte, len(record.Keys))}
		for _, k := range record.Keys {
			r.keys[k.Index] = k.Key
		}
		t.rows.Set(r)
		for name, idx := range t.indexes {
			key, ok := r.keys[name]
			if !ok {
				return fmt.Errorf("%w: %s of row %d in %s.%s", ErrMissingKey, name, s.PK, s.Code, s.Table)
			}
			idx.tree.Set(entry{scope: uint64(s.Scope), key: key, pk: s.PK})
		}
		rows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore rows: %w", err)
	}

	err = d.state.forEachPK(func(r TableRequest, pk uint64) error {
		t, err := d.table(r.Code, r.Table)
		if err != nil {
			return err
		}
		t.nextPK[r.Scope] = pk
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore primary key counters: %w", err)
	}

	d.log.Debug("restored storage", "codes", len(d.codes), "rows", rows)
	return nil
}

func (d *TreeDriver) codeTables(code abi.Name) map[abi.Name]*table {
	tables, ok := d.codes[code]
	if !ok {
		tables = make(map[abi.Name]*table)
		d.codes[code] = tables
	}
	return tables
}

func (d *TreeDriver) table(code, name abi.Name) (*table, error) {
	t, ok := d.codes[code][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", abi.ErrUnknownTable, code, name)
	}
	return t, nil
}

func (d *TreeDriver) index(r IndexRequest) (*index, error) {
	t, err := d.table(r.Code, r.Table)
	if err != nil {
		return nil, err
	}
	idx, ok := t.indexes[r.Index]
	if !ok {
		return nil, fmt.Errorf("%w: %s", abi.ErrUnknownIndex, r)
	}
	return idx, nil
}

func (d *TreeDriver) Tables(code abi.Name) ([]abi.TableDef, error) {
	tables := d.codes[code]
	res := make([]abi.TableDef, 0, len(tables))
	for _, t := range tables {
		def := t.def
		def.Indexes = append([]abi.IndexDef(nil), t.def.Indexes...)
		def.RowCount = uint64(t.rows.Len())
		res = append(res, def)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (d *TreeDriver) DropTable(code abi.Name, def *abi.TableDef) error {
	if _, err := d.table(code, def.Name); err != nil {
		return err
	}
	delete(d.codes[code], def.Name)
	if len(d.codes[code]) == 0 {
		delete(d.codes, code)
	}
	d.log.Debug("dropped table", "code", code, "table", def.Name)
	return d.state.dropTable(code, def.Name)
}

func (d *TreeDriver) DropIndex(code abi.Name, def *abi.TableDef, idx *abi.IndexDef) error {
	t, err := d.table(code, def.Name)
	if err != nil {
		return err
	}
	if _, ok := t.indexes[idx.Name]; !ok {
		return fmt.Errorf("%w: %s.%s.%s", abi.ErrUnknownIndex, code, def.Name, idx.Name)
	}
	delete(t.indexes, idx.Name)
	for i := range t.def.Indexes {
		if t.def.Indexes[i].Name == idx.Name {
			t.def.Indexes = append(t.def.Indexes[:i], t.def.Indexes[i+1:]...)
			break
		}
	}
	d.log.Debug("dropped index", "code", code, "table", def.Name, "index", idx.Name)
	return d.state.putTable(code, &t.def)
}

// CreateIndex adds an index to a table, creating the table when needed. The
// table must not have rows.
func (d *TreeDriver) CreateIndex(code abi.Name, def *abi.TableDef, idx *abi.IndexDef) error {
	tables := d.codeTables(code)
	t, ok := tables[def.Name]
	if !ok {
		t = newTable(*def)
		tables[def.Name] = t
	}
	if t.rows.Len() != 0 {
		return fmt.Errorf("%w: %s.%s", abi.ErrDropTableWithRows, code, def.Name)
	}
	if _, ok := t.indexes[idx.Name]; ok {
		return fmt.Errorf("%w: index %s.%s.%s already exists", abi.ErrInvalidIndexDescription, code, def.Name, idx.Name)
	}
	t.def.Type = def.Type
	t.def.ScopeType = def.ScopeType
	t.addIndex(*idx)
	d.log.Debug("created index", "code", code, "table", def.Name, "index", idx.Name)
	return d.state.putTable(code, &t.def)
}

func (d *TreeDriver) ObjectByPK(r TableRequest, pk uint64) (object.Value, error) {
	t, err := d.table(r.Code, r.Table)
	if err != nil {
		return object.Value{}, err
	}
	rw, ok := t.row(r.Scope, pk)
	if !ok {
		return object.Null(), nil
	}
	return rw.value.Clone(), nil
}

func (d *TreeDriver) AvailablePK(r TableRequest) (uint64, error) {
	t, err := d.table(r.Code, r.Table)
	if err != nil {
		return 0, err
	}
	return t.nextPK[r.Scope], nil
}

func (d *TreeDriver) SetAvailablePK(r TableRequest, pk uint64) error {
	t, err := d.table(r.Code, r.Table)
	if err != nil {
		return err
	}
	t.nextPK[r.Scope] = pk
	return d.state.putPK(r, pk)
}

// checkKeys verifies that [keys] covers every index and that no unique index
// holds the same key for another row.
func (t *table) checkKeys(s *object.ServiceState, keys map[abi.Name][]byte) error {
	for name, idx := range t.indexes {
		key, ok := keys[name]
		if !ok {
			return fmt.Errorf("%w: %s of %s.%s", ErrMissingKey, name, s.Code, s.Table)
		}
		if !idx.def.Unique {
			continue
		}
		conflict := false
		idx.tree.Ascend(entry{scope: uint64(s.Scope), key: key}, func(e entry) bool {
			conflict = e.scope == uint64(s.Scope) && !e.end && bytes.Equal(e.key, key) && e.pk != s.PK
			return false
		})
		if conflict {
			return fmt.Errorf("%w: index %s of %s.%s", ErrDuplicateUniqueKey, name, s.Code, s.Table)
		}
	}
	return nil
}

func (t *table) setEntries(r *row) {
	for name, idx := range t.indexes {
		idx.tree.Set(entry{scope: uint64(r.value.Service.Scope), key: r.keys[name], pk: r.value.Service.PK})
	}
}

func (t *table) deleteEntries(r *row) {
	for name, idx := range t.indexes {
		idx.tree.Delete(entry{scope: uint64(r.value.Service.Scope), key: r.keys[name], pk: r.value.Service.PK})
	}
}

func copyKeys(keys map[abi.Name][]byte) map[abi.Name][]byte {
	res := make(map[abi.Name][]byte, len(keys))
	for name, key := range keys {
		res[name] = append([]byte(nil), key...)
	}
	return res
}

func (d *TreeDriver) Insert(v object.Value, keys map[abi.Name][]byte) error {
	s := &v.Service
	t, err := d.table(s.Code, s.Table)
	if err != nil {
		return err
	}
	if _, ok := t.row(s.Scope, s.PK); ok {
		return fmt.Errorf("%w: %d in %s.%s", ErrDuplicatePK, s.PK, s.Code, s.Table)
	}
	if err := t.checkKeys(s, keys); err != nil {
		return err
	}
	r := &row{value: v.Clone(), keys: copyKeys(keys)}
	t.rows.Set(r)
	t.setEntries(r)
	return d.state.putRow(r)
}

func (d *TreeDriver) Update(v object.Value, keys map[abi.Name][]byte) error {
	s := &v.Service
	t, err := d.table(s.Code, s.Table)
	if err != nil {
		return err
	}
	old, ok := t.row(s.Scope, s.PK)
	if !ok {
		return fmt.Errorf("%w: %d in %s.%s", ErrRowNotFound, s.PK, s.Code, s.Table)
	}
	if err := t.checkKeys(s, keys); err != nil {
		return err
	}
	t.deleteEntries(old)
	r := &row{value: v.Clone(), keys: copyKeys(keys)}
	t.rows.Set(r)
	t.setEntries(r)
	return d.state.putRow(r)
}

func (d *TreeDriver) Remove(v object.Value) error {
	s := &v.Service
	t, err := d.table(s.Code, s.Table)
	if err != nil {
		return err
	}
	old, ok := t.row(s.Scope, s.PK)
	if !ok {
		return fmt.Errorf("%w: %d in %s.%s", ErrRowNotFound, s.PK, s.Code, s.Table)
	}
	t.deleteEntries(old)
	t.rows.Delete(old)
	return d.state.deleteRow(&old.value)
}

func (d *TreeDriver) Scan(code, name abi.Name, f func(object.Value) error) error {
	t, err := d.table(code, name)
	if err != nil {
		return err
	}
	var rows []*row
	t.rows.Scan(func(r *row) bool {
		rows = append(rows, r)
		return true
	})
	for _, r := range rows {
		if err := f(r.value.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (d *TreeDriver) ScanPKs(code, name abi.Name, f func(scope abi.Name, next uint64) error) error {
	t, err := d.table(code, name)
	if err != nil {
		return err
	}
	scopes := make([]abi.Name, 0, len(t.nextPK))
	for scope := range t.nextPK {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	for _, scope := range scopes {
		if err := f(scope, t.nextPK[scope]); err != nil {
			return err
		}
	}
	return nil
}

func (d *TreeDriver) ApplyAllChanges() error {
	return d.state.Commit()
}

func (d *TreeDriver) DropDB() error {
	d.codes = make(map[abi.Name]map[abi.Name]*table)
	d.cursors = make(map[abi.Name]*codeCursors)
	if err := d.state.dropAll(); err != nil {
		return err
	}
	d.log.Info("dropped all tables")
	return nil
}

func (d *TreeDriver) Close() error {
	return d.state.Close()
}
