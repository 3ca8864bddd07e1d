// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

var (
	// Separate prefixes for each kind of stored object
	metaPrefix = []byte("meta")
	rowsPrefix = []byte("rows")
	pkPrefix   = []byte("pk")
)

// state mirrors the in-memory tables into a database. Changes are buffered
// in a versiondb until commit.
type state struct {
	baseDB *versiondb.Database

	metaDB database.Database
	rowsDB database.Database
	pkDB   database.Database
}

func newState(db database.Database) *state {
	baseDB := versiondb.New(db)
	return &state{
		baseDB: baseDB,
		metaDB: prefixdb.New(metaPrefix, baseDB),
		rowsDB: prefixdb.New(rowsPrefix, baseDB),
		pkDB:   prefixdb.New(pkPrefix, baseDB),
	}
}

func packKey(parts ...uint64) []byte {
	p := wrappers.Packer{
		MaxSize: len(parts) * wrappers.LongLen,
		Bytes:   make([]byte, 0, len(parts)*wrappers.LongLen),
	}
	for _, part := range parts {
		p.PackLong(part)
	}
	return p.Bytes
}

func tableKey(code, table abi.Name) []byte {
	return packKey(uint64(code), uint64(table))
}

func scopeKey(code, table, scope abi.Name) []byte {
	return packKey(uint64(code), uint64(table), uint64(scope))
}

func rowKey(s *object.ServiceState) []byte {
	return packKey(uint64(s.Code), uint64(s.Table), uint64(s.Scope), s.PK)
}

func (s *state) putTable(code abi.Name, def *abi.TableDef) error {
	b, err := Codec.Marshal(codecVersion, &tableRecord{Def: *def})
	if err != nil {
		return err
	}
	return s.metaDB.Put(tableKey(code, def.Name), b)
}

func (s *state) putRow(r *row) error {
	record := rowRecord{
		Value: r.value,
		Keys:  r.sortedKeys(),
	}
	b, err := Codec.Marshal(codecVersion, &record)
	if err != nil {
		return err
	}
	return s.rowsDB.Put(rowKey(&r.value.Service), b)
}

func (s *state) deleteRow(v *object.Value) error {
	return s.rowsDB.Delete(rowKey(&v.Service))
}

func (s *state) putPK(t TableRequest, pk uint64) error {
	return s.pkDB.Put(scopeKey(t.Code, t.Table, t.Scope), packKey(pk))
}

// dropTable removes the layout, rows and pk counters of a table.
func (s *state) dropTable(code, table abi.Name) error {
	prefix := tableKey(code, table)
	errs := wrappers.Errs{}
	errs.Add(
		s.metaDB.Delete(prefix),
		deletePrefix(s.rowsDB, prefix),
		deletePrefix(s.pkDB, prefix),
	)
	return errs.Err
}

func (s *state) dropAll() error {
	errs := wrappers.Errs{}
	errs.Add(
		deletePrefix(s.metaDB, nil),
		deletePrefix(s.rowsDB, nil),
		deletePrefix(s.pkDB, nil),
	)
	return errs.Err
}

func deletePrefix(db database.Database, prefix []byte) error {
	it := db.NewIteratorWithPrefix(prefix)
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := db.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// forEachTable calls [f] for every stored table layout.
func (s *state) forEachTable(f func(code abi.Name, def abi.TableDef) error) error {
	it := s.metaDB.NewIterator()
	defer it.Release()

	for it.Next() {
		p := wrappers.Packer{Bytes: it.Key()}
		code := abi.Name(p.UnpackLong())
		if p.Errored() {
			return p.Err
		}
		record := tableRecord{}
		if err := unmarshal(it.Value(), &record); err != nil {
			return err
		}
		if err := f(code, record.Def); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *state) forEachRow(f func(record rowRecord) error) error {
	it := s.rowsDB.NewIterator()
	defer it.Release()

	for it.Next() {
		record := rowRecord{}
		if err := unmarshal(it.Value(), &record); err != nil {
			return err
		}
		if err := f(record); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *state) forEachPK(f func(t TableRequest, pk uint64) error) error {
	it := s.pkDB.NewIterator()
	defer it.Release()

	for it.Next() {
		key := wrappers.Packer{Bytes: it.Key()}
		t := TableRequest{
			Code:  abi.Name(key.UnpackLong()),
			Table: abi.Name(key.UnpackLong()),
			Scope: abi.Name(key.UnpackLong()),
		}
		value := wrappers.Packer{Bytes: it.Value()}
		pk := value.UnpackLong()
		if key.Errored() || value.Errored() {
			return errCorruptPK
		}
		if err := f(t, pk); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *state) Commit() error {
	return s.baseDB.Commit()
}

func (s *state) Close() error {
	return s.baseDB.Close()
}
