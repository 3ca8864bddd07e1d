// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
)

const (
	MaxTableCnt  = 64
	MaxIndexCnt  = 16
	MaxFieldCnt  = 16
	MaxPathDepth = 4

	defaultScopeType = "name"
)

var pkTypes = map[string]struct{}{
	"int64":       {},
	"uint64":      {},
	"name":        {},
	"symbol_code": {},
	"symbol":      {},
}

// SchemaDriver is the part of a storage driver needed to reconcile the
// stored table layout of a contract with its declared tables.
type SchemaDriver interface {
	// Tables returns the tables of [code] as stored, with RowCount set.
	Tables(code Name) ([]TableDef, error)
	DropTable(code Name, table *TableDef) error
	DropIndex(code Name, table *TableDef, index *IndexDef) error
	CreateIndex(code Name, table *TableDef, index *IndexDef) error
}

// Info is a loaded contract ABI: the serializer plus validated tables with
// resolved index paths.
type Info struct {
	code       Name
	def        Def
	serializer *Serializer
	tables     map[Name]*TableInfo
}

// TableInfo gives access to the rows and index keys of one table.
type TableInfo struct {
	Code Name
	Def  *TableDef

	info *Info
}

// NewInfo validates [def] and resolves the indexes of its tables.
func NewInfo(code Name, def Def) (*Info, error) {
	s, err := NewSerializer(def)
	if err != nil {
		return nil, err
	}
	i := &Info{
		code:       code,
		def:        def,
		serializer: s,
		tables:     make(map[Name]*TableInfo, len(def.Tables)),
	}
	// the resolved paths are written into the table definitions
	i.def.Tables = make([]TableDef, len(def.Tables))
	for n, table := range def.Tables {
		table.Indexes = cloneIndexes(table.Indexes)
		i.def.Tables[n] = table
	}
	if err := i.buildIndexes(); err != nil {
		return nil, err
	}
	return i, nil
}

func cloneIndexes(indexes []IndexDef) []IndexDef {
	res := make([]IndexDef, len(indexes))
	for n, index := range indexes {
		index.Orders = append([]OrderDef(nil), index.Orders...)
		res[n] = index
	}
	return res
}

func (i *Info) Code() Name                  { return i.code }
func (i *Info) Def() *Def                   { return &i.def }
func (i *Info) Serializer() *Serializer     { return i.serializer }
func (i *Info) Tables() map[Name]*TableInfo { return i.tables }

// Table returns the table named [name].
func (i *Info) Table(name Name) (*TableInfo, error) {
	t, ok := i.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownTable, i.code, name)
	}
	return t, nil
}

// ActionType returns the struct type of action [name].
func (i *Info) ActionType(name Name) (string, bool) {
	for _, a := range i.def.Actions {
		if a.Name == name {
			return a.Type, true
		}
	}
	return "", false
}

// EventType returns the struct type of event [name].
func (i *Info) EventType(name Name) (string, bool) {
	for _, e := range i.def.Events {
		if e.Name == name {
			return e.Type, true
		}
	}
	return "", false
}

// ErrorMessage returns the message registered for [code].
func (i *Info) ErrorMessage(code uint64) (string, bool) {
	for _, m := range i.def.ErrorMessages {
		if m.Code == code {
			return m.Message, true
		}
	}
	return "", false
}

func (i *Info) buildIndexes() error {
	if len(i.def.Tables) > MaxTableCnt {
		return fmt.Errorf("%w: %s has %d tables, the limit is %d",
			ErrInvalidTableDescription, i.code, len(i.def.Tables), MaxTableCnt)
	}
	for n := range i.def.Tables {
		table := &i.def.Tables[n]
		if _, ok := i.tables[table.Name]; ok {
			return fmt.Errorf("%w: table %s is declared twice", ErrInvalidTableDescription, table.Name)
		}
		if _, ok := i.serializer.Struct(table.Type); !ok {
			return fmt.Errorf("%w: type %q of table %s is not a struct", ErrInvalidTableDescription, table.Type, table.Name)
		}
		if len(table.Indexes) > MaxIndexCnt {
			return fmt.Errorf("%w: table %s has %d indexes, the limit is %d",
				ErrInvalidTableDescription, table.Name, len(table.Indexes), MaxIndexCnt)
		}
		names := make(map[Name]struct{}, len(table.Indexes))
		for k := range table.Indexes {
			index := &table.Indexes[k]
			if _, ok := names[index.Name]; ok {
				return fmt.Errorf("%w: index %s.%s is declared twice", ErrInvalidIndexDescription, table.Name, index.Name)
			}
			names[index.Name] = struct{}{}
			if err := i.buildIndex(table, index); err != nil {
				return err
			}
		}
		if err := i.validatePkIndex(table); err != nil {
			return err
		}
		i.tables[table.Name] = &TableInfo{
			Code: i.code,
			Def:  table,
			info: i,
		}
	}
	return nil
}

// buildIndex resolves the path and type of every field of [index] and
// registers the key struct of the index. Nested fields get synthetic
// structs named "<parent>:<segment>".
func (i *Info) buildIndex(table *TableDef, index *IndexDef) error {
	if len(index.Orders) == 0 {
		return fmt.Errorf("%w: %s.%s has no fields", ErrInvalidIndexDescription, table.Name, index.Name)
	}
	if len(index.Orders) > MaxFieldCnt {
		return fmt.Errorf("%w: %s.%s has %d fields, the limit is %d",
			ErrInvalidIndexDescription, table.Name, index.Name, len(index.Orders), MaxFieldCnt)
	}

	root := &StructDef{Name: fmt.Sprintf("%s.%s", table.Name, index.Name)}
	synthetic := map[string]*StructDef{}
	var created []*StructDef
	seen := make(map[string]struct{}, len(index.Orders))

	for n := range index.Orders {
		order := &index.Orders[n]
		if order.Order != OrderAsc && order.Order != OrderDesc {
			return fmt.Errorf("%w: %s.%s field %q has invalid order %q",
				ErrInvalidIndexDescription, table.Name, index.Name, order.Field, order.Order)
		}
		if _, ok := seen[order.Field]; ok {
			return fmt.Errorf("%w: %s.%s uses field %q twice",
				ErrInvalidIndexDescription, table.Name, index.Name, order.Field)
		}
		seen[order.Field] = struct{}{}

		path := strings.Split(order.Field, ".")
		if len(path) > MaxPathDepth {
			return fmt.Errorf("%w: %s.%s field %q is nested deeper than %d",
				ErrInvalidIndexDescription, table.Name, index.Name, order.Field, MaxPathDepth)
		}
		srcType := table.Type
		dst := root
		for depth, segment := range path {
			if segment == "" {
				return fmt.Errorf("%w: %s.%s has an empty segment in field %q",
					ErrInvalidIndexDescription, table.Name, index.Name, order.Field)
			}
			field, ok := i.findField(srcType, segment)
			if !ok {
				return fmt.Errorf("%w: %s.%s can't find type for field %q",
					ErrInvalidIndexDescription, table.Name, index.Name, order.Field)
			}
			if isArray(field.Type) || isOptional(field.Type) {
				return fmt.Errorf("%w: %s.%s field %q can't be an array or an optional",
					ErrInvalidIndexDescription, table.Name, index.Name, order.Field)
			}
			if depth == len(path)-1 {
				if !i.serializer.isKeyType(field.Type, 0) {
					return fmt.Errorf("%w: %s.%s field %q has type %q",
						ErrInvalidIndexDescription, table.Name, index.Name, order.Field, field.Type)
				}
				order.Path = path
				order.Type = i.serializer.ResolveType(stripExtension(field.Type))
				dst.Fields = append(dst.Fields, FieldDef{Name: segment, Type: order.Type})
				break
			}

			subName := dst.Name + ":" + segment
			sub, ok := synthetic[subName]
			if !ok {
				sub = &StructDef{Name: subName}
				synthetic[subName] = sub
				created = append(created, sub)
				dst.Fields = append(dst.Fields, FieldDef{Name: segment, Type: subName})
			}
			dst = sub
			srcType = field.Type
		}
	}

	// nested structs first so every registered struct only refers to known types
	for n := len(created) - 1; n >= 0; n-- {
		i.serializer.AddStruct(*created[n])
	}
	i.serializer.AddStruct(*root)
	return nil
}

func (i *Info) findField(structType, name string) (FieldDef, bool) {
	fields, err := i.serializer.Fields(stripExtension(structType))
	if err != nil {
		return FieldDef{}, false
	}
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

func (i *Info) validatePkIndex(table *TableDef) error {
	if len(table.Indexes) == 0 {
		return fmt.Errorf("%w: table %s has no indexes", ErrInvalidPrimaryKey, table.Name)
	}
	pk := table.PrimaryIndex()
	if !pk.Unique {
		return fmt.Errorf("%w: primary index %s.%s must be unique", ErrInvalidPrimaryKey, table.Name, pk.Name)
	}
	if len(pk.Orders) != 1 {
		return fmt.Errorf("%w: primary index %s.%s must have exactly one field", ErrInvalidPrimaryKey, table.Name, pk.Name)
	}
	pkOrder := pk.Orders[0]
	if _, ok := pkTypes[pkOrder.Type]; !ok {
		return fmt.Errorf("%w: field %q of table %s has type %q",
			ErrInvalidPrimaryKey, pkOrder.Field, table.Name, pkOrder.Type)
	}

	if table.ScopeType == "" {
		table.ScopeType = defaultScopeType
	}
	if _, ok := pkTypes[i.serializer.ResolveType(table.ScopeType)]; !ok {
		return fmt.Errorf("%w: table %s has scope type %q", ErrInvalidScopeName, table.Name, table.ScopeType)
	}

	for _, index := range table.Indexes[1:] {
		if index.Unique {
			continue
		}
		for _, order := range index.Orders {
			if order.Field == pkOrder.Field {
				return fmt.Errorf("%w: non unique index %s.%s can't contain the primary key",
					ErrInvalidIndexDescription, table.Name, index.Name)
			}
		}
	}
	return nil
}

// VerifyTablesStructure reconciles the tables stored by [driver] for this
// contract with the declared tables. Tables and indexes that are no longer
// declared, or declared differently, are dropped and missing indexes are
// created. Changing a table that holds rows is an error and nothing is
// applied in that case.
func (i *Info) VerifyTablesStructure(driver SchemaDriver) error {
	stored, err := driver.Tables(i.code)
	if err != nil {
		return err
	}

	type indexOp struct {
		table *TableDef
		index *IndexDef
	}
	var (
		dropTables    []*TableDef
		dropIndexes   []indexOp
		createIndexes []indexOp
		known         = make(map[Name]struct{}, len(stored))
	)

	for n := range stored {
		dbTable := &stored[n]
		known[dbTable.Name] = struct{}{}

		table, ok := i.tables[dbTable.Name]
		if !ok {
			if dbTable.RowCount != 0 {
				return fmt.Errorf("%w: %s.%s is no longer declared", ErrDropTableWithRows, i.code, dbTable.Name)
			}
			dropTables = append(dropTables, dbTable)
			continue
		}

		paths := make(map[string]Name, len(table.Def.Indexes))
		for k := range table.Def.Indexes {
			index := &table.Def.Indexes[k]
			path := indexPath(index)
			if other, ok := paths[path]; ok {
				return fmt.Errorf("%w: indexes %s and %s of %s.%s are the same",
					ErrInvalidIndexDescription, other, index.Name, i.code, table.Def.Name)
			}
			paths[path] = index.Name
		}

		pending := make(map[Name]*IndexDef, len(table.Def.Indexes))
		for k := range table.Def.Indexes {
			pending[table.Def.Indexes[k].Name] = &table.Def.Indexes[k]
		}
		for k := range dbTable.Indexes {
			dbIndex := &dbTable.Indexes[k]
			index, ok := pending[dbIndex.Name]
			if ok && index.Equal(dbIndex) {
				delete(pending, dbIndex.Name)
				continue
			}
			if dbTable.RowCount != 0 {
				return fmt.Errorf("%w: index %s.%s.%s has changed", ErrDropTableWithRows, i.code, dbTable.Name, dbIndex.Name)
			}
			dropIndexes = append(dropIndexes, indexOp{table: table.Def, index: dbIndex})
		}
		for k := range table.Def.Indexes {
			index := &table.Def.Indexes[k]
			if _, ok := pending[index.Name]; !ok {
				continue
			}
			if dbTable.RowCount != 0 {
				return fmt.Errorf("%w: index %s.%s.%s is new", ErrDropTableWithRows, i.code, dbTable.Name, index.Name)
			}
			createIndexes = append(createIndexes, indexOp{table: table.Def, index: index})
		}
	}

	for n := range i.def.Tables {
		table := &i.def.Tables[n]
		if _, ok := known[table.Name]; ok {
			continue
		}
		for k := range table.Indexes {
			createIndexes = append(createIndexes, indexOp{table: table, index: &table.Indexes[k]})
		}
	}

	for _, table := range dropTables {
		if err := driver.DropTable(i.code, table); err != nil {
			return err
		}
	}
	for _, op := range dropIndexes {
		if err := driver.DropIndex(i.code, op.table, op.index); err != nil {
			return err
		}
	}
	for _, op := range createIndexes {
		if err := driver.CreateIndex(i.code, op.table, op.index); err != nil {
			return err
		}
	}
	return nil
}

func indexPath(index *IndexDef) string {
	var sb strings.Builder
	if index.Unique {
		sb.WriteString("unique")
	}
	for _, order := range index.Orders {
		sb.WriteString(":")
		sb.WriteString(order.Order)
		sb.WriteString("+")
		sb.WriteString(order.Field)
	}
	return sb.String()
}

// Index returns the index named [name].
func (t *TableInfo) Index(name Name) (*IndexDef, error) {
	index, ok := t.Def.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s.%s", ErrUnknownIndex, t.Code, t.Def.Name, name)
	}
	return index, nil
}

// ToObject unpacks a stored row.
func (t *TableInfo) ToObject(b []byte) (Object, error) {
	v, err := t.info.serializer.Unpack(t.Def.Type, b)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("%w: row of %s is not an object", ErrUnpack, t.Def.Name)
	}
	return obj, nil
}

// ToBytes packs a row. [v] is an Object or a Go struct with `abi` tags.
func (t *TableInfo) ToBytes(v interface{}) ([]byte, error) {
	return t.info.serializer.Pack(t.Def.Type, v)
}

// PrimaryKey extracts the primary key of a row as uint64.
func (t *TableInfo) PrimaryKey(obj Object) (uint64, error) {
	order := t.Def.PrimaryIndex().Orders[0]
	v, ok := lookupPath(obj, order.Path)
	if !ok {
		return 0, fmt.Errorf("%w: row of %s has no field %q", ErrInvalidPrimaryKey, t.Def.Name, order.Field)
	}
	return PackedUint64(order.Type, v)
}

// PackedUint64 returns the 64 bit value of a primary key or scope of type
// [typ].
func PackedUint64(typ string, v interface{}) (uint64, error) {
	b, ok := builtins[typ]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrimaryKey, typ)
	}
	e := &encoder{}
	if err := b.pack(e, v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrimaryKey, err)
	}
	if len(e.buf) != 8 {
		return 0, fmt.Errorf("%w: %q is not 64 bits wide", ErrInvalidPrimaryKey, typ)
	}
	return binary.LittleEndian.Uint64(e.buf), nil
}

// Keys returns the key of [obj] in every index of the table, in declaration
// order.
func (t *TableInfo) Keys(obj Object) ([][]byte, error) {
	keys := make([][]byte, len(t.Def.Indexes))
	for n := range t.Def.Indexes {
		key, err := t.encodeKey(&t.Def.Indexes[n], obj, false)
		if err != nil {
			return nil, err
		}
		keys[n] = key
	}
	return keys, nil
}

// IndexKey returns the key of row [obj] in [index].
func (t *TableInfo) IndexKey(index *IndexDef, obj Object) ([]byte, error) {
	return t.encodeKey(index, obj, false)
}

// KeyFromValue encodes a search key for [index]. [v] is an Object or Go
// struct shaped like the key struct of the index, or a plain value when the
// index has a single top level field. Missing fields are zero filled.
func (t *TableInfo) KeyFromValue(index *IndexDef, v interface{}) ([]byte, error) {
	if tuple, ok := v.(Tuple); ok {
		return t.KeyFromTuple(index, tuple)
	}
	if len(index.Orders) == 1 && len(index.Orders[0].Path) == 1 && !isObjectLike(v) {
		v = Object{index.Orders[0].Path[0]: v}
	}
	if v == nil {
		v = Object{}
	}
	obj, err := ToObject(v)
	if err != nil {
		return nil, err
	}
	return t.encodeKey(index, obj, true)
}

func (t *TableInfo) encodeKey(index *IndexDef, obj Object, zeroFill bool) ([]byte, error) {
	return t.appendFields(nil, index, func(i int, order *OrderDef) (interface{}, error) {
		v, ok := lookupPath(obj, order.Path)
		if !ok {
			if !zeroFill {
				return nil, fmt.Errorf("%w: row of %s has no field %q", ErrInvalidAbiStoreType, t.Def.Name, order.Field)
			}
			v = t.info.serializer.zeroValue(order.Type, 0)
		}
		return v, nil
	})
}

func (t *TableInfo) appendFields(key []byte, index *IndexDef, field func(int, *OrderDef) (interface{}, error)) ([]byte, error) {
	for i := range index.Orders {
		order := &index.Orders[i]
		v, err := field(i, order)
		if err != nil {
			return nil, err
		}
		start := len(key)
		key, err = t.info.serializer.appendKey(key, order.Type, v, 0)
		if err != nil {
			return nil, fmt.Errorf("%s.%s field %q: %w", t.Def.Name, index.Name, order.Field, err)
		}
		if order.Order == OrderDesc {
			invert(key[start:])
		}
	}
	return key, nil
}

// Tuple is a composite index key holding one value per index field in index
// order. A shorter tuple is a prefix of the key.
type Tuple []interface{}

// KeyFromTuple encodes the leading fields of [index] from [tuple]. The result
// is a byte prefix of the key of every row matching [tuple].
func (t *TableInfo) KeyFromTuple(index *IndexDef, tuple Tuple) ([]byte, error) {
	if len(tuple) > len(index.Orders) {
		return nil, fmt.Errorf("%w: %d values for %d fields of %s.%s",
			ErrInvalidAbiStoreType, len(tuple), len(index.Orders), t.Def.Name, index.Name)
	}
	prefix := *index
	prefix.Orders = index.Orders[:len(tuple)]
	return t.appendFields(nil, &prefix, func(i int, _ *OrderDef) (interface{}, error) {
		return tuple[i], nil
	})
}

// TupleOf extracts the key of row [obj] in [index].
func (t *TableInfo) TupleOf(index *IndexDef, obj Object) (Tuple, error) {
	tuple := make(Tuple, len(index.Orders))
	for i, order := range index.Orders {
		v, ok := lookupPath(obj, order.Path)
		if !ok {
			return nil, fmt.Errorf("%w: row of %s has no field %q", ErrInvalidAbiStoreType, t.Def.Name, order.Field)
		}
		tuple[i] = v
	}
	return tuple, nil
}

// PrefixEqual compares [a] and [b] field by field up to the length of the
// shorter one.
func (t *TableInfo) PrefixEqual(index *IndexDef, a, b Tuple) (bool, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > len(index.Orders) {
		n = len(index.Orders)
	}
	for i := 0; i < n; i++ {
		typ := index.Orders[i].Type
		ka, err := t.info.serializer.appendKey(nil, typ, a[i], 0)
		if err != nil {
			return false, err
		}
		kb, err := t.info.serializer.appendKey(nil, typ, b[i], 0)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(ka, kb) {
			return false, nil
		}
	}
	return true, nil
}

func lookupPath(obj Object, path []string) (interface{}, bool) {
	var cur interface{} = obj
	for _, segment := range path {
		o, err := ToObject(cur)
		if err != nil {
			return nil, false
		}
		next, ok := o[segment]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func isObjectLike(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct || rv.Kind() == reflect.Map
}

func (s *Serializer) zeroValue(typ string, depth int) interface{} {
	switch s.ResolveType(typ) {
	case "bool":
		return false
	case "string":
		return ""
	case "bytes", "public_key":
		return []byte{}
	case "float64":
		return float64(0)
	case "int8", "int16", "int32", "int64", "time_point":
		return int64(0)
	case "checksum256":
		return make([]byte, checksumLen)
	}
	if _, ok := builtins[s.ResolveType(typ)]; ok {
		return uint64(0)
	}
	obj := Object{}
	if depth > MaxRecursionDepth {
		return obj
	}
	fields, err := s.Fields(typ)
	if err != nil {
		return obj
	}
	for _, f := range fields {
		obj[f.Name] = s.zeroValue(f.Type, depth+1)
	}
	return obj
}
