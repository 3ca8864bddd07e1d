// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

var (
	ErrUnknownCursor      = errors.New("unknown cursor")
	ErrDuplicatePK        = errors.New("row with the same primary key already exists")
	ErrDuplicateUniqueKey = errors.New("unique index key already exists")
	ErrRowNotFound        = errors.New("row not found")
	ErrMissingKey         = errors.New("missing index key")

	errCorruptPK = errors.New("corrupt primary key counter")
)

// TableRequest addresses the rows of one table in one scope.
type TableRequest struct {
	Code  abi.Name `json:"code"`
	Scope abi.Name `json:"scope"`
	Table abi.Name `json:"table"`
}

func (r TableRequest) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Code, r.Table, r.Scope)
}

// IndexRequest addresses one index of a table in one scope.
type IndexRequest struct {
	Code  abi.Name `json:"code"`
	Scope abi.Name `json:"scope"`
	Table abi.Name `json:"table"`
	Index abi.Name `json:"index"`
}

func (r IndexRequest) TableRequest() TableRequest {
	return TableRequest{Code: r.Code, Scope: r.Scope, Table: r.Table}
}

func (r IndexRequest) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", r.Code, r.Table, r.Index, r.Scope)
}

// CursorRequest addresses an open cursor. Cursor ids are unique per code.
type CursorRequest struct {
	Code abi.Name `json:"code"`
	ID   uint64   `json:"id"`
}

// Cursor is the position reported by cursor operations. [PK] is
// object.EndPK when the cursor is past the last row.
type Cursor struct {
	Code abi.Name `json:"code"`
	ID   uint64   `json:"id"`
	PK   uint64   `json:"pk"`
}

func (c Cursor) Request() CursorRequest {
	return CursorRequest{Code: c.Code, ID: c.ID}
}

// Driver is the physical storage engine used by the chaindb controller. Index
// keys are computed by the caller and are compared as raw bytes.
type Driver interface {
	abi.SchemaDriver

	// ObjectByPK returns the row or object.Null() when it doesn't exist.
	ObjectByPK(t TableRequest, pk uint64) (object.Value, error)
	AvailablePK(t TableRequest) (uint64, error)
	SetAvailablePK(t TableRequest, pk uint64) error

	// Insert adds a row. [keys] holds the key of the row in every index of
	// its table.
	Insert(v object.Value, keys map[abi.Name][]byte) error
	Update(v object.Value, keys map[abi.Name][]byte) error
	Remove(v object.Value) error

	// Scan calls [f] for every row of the table in every scope, ordered by
	// scope and primary key.
	Scan(code, table abi.Name, f func(object.Value) error) error
	// ScanPKs calls [f] with the next primary key of every scope of the
	// table, ordered by scope.
	ScanPKs(code, table abi.Name, f func(scope abi.Name, next uint64) error) error

	Begin(r IndexRequest) (Cursor, error)
	End(r IndexRequest) (Cursor, error)
	LowerBound(r IndexRequest, key []byte) (Cursor, error)
	UpperBound(r IndexRequest, key []byte) (Cursor, error)
	Locate(r IndexRequest, pk uint64) (Cursor, error)

	Next(c CursorRequest) (Cursor, error)
	Prev(c CursorRequest) (Cursor, error)
	Current(c CursorRequest) (Cursor, error)
	Clone(c CursorRequest) (Cursor, error)
	CloseCursor(c CursorRequest) error
	CloseCode(code abi.Name)

	// ApplyAllChanges makes every change durable.
	ApplyAllChanges() error
	// DropDB removes every table of every code.
	DropDB() error
	Close() error
}
