// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package object

import (
	"fmt"
	"math"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

const (
	// EndPK is reported by cursors past the last row
	EndPK uint64 = math.MaxUint64
	// UnsetPK marks a value whose primary key is not assigned yet
	UnsetPK uint64 = math.MaxUint64 - 1

	// ServiceStateSize is the packed size of a ServiceState
	ServiceStateSize = 3*wrappers.LongLen + // pk, payer, size
		wrappers.BoolLen + // in ram
		3*wrappers.LongLen + // code, scope, table
		wrappers.LongLen + // revision
		wrappers.LongLen + // undo pk
		wrappers.ByteLen + // undo rec
		wrappers.LongLen + // undo revision
		wrappers.LongLen + // undo payer
		wrappers.LongLen + // undo size
		wrappers.BoolLen // undo in ram
)

// UndoRecord tells how to revert the change that produced a value.
type UndoRecord uint8

const (
	Unknown UndoRecord = iota
	OldValue
	RemovedValue
	NewValue
	NextPk
)

func (r UndoRecord) String() string {
	switch r {
	case Unknown:
		return "Unknown"
	case OldValue:
		return "OldValue"
	case RemovedValue:
		return "RemovedValue"
	case NewValue:
		return "NewValue"
	case NextPk:
		return "NextPk"
	default:
		return fmt.Sprintf("UndoRecord(%d)", uint8(r))
	}
}

// ServiceState is the bookkeeping stored next to every row.
type ServiceState struct {
	PK    uint64   `serialize:"true" json:"pk"`
	Payer abi.Name `serialize:"true" json:"payer"`
	Size  uint64   `serialize:"true" json:"size"`
	InRAM bool     `serialize:"true" json:"in_ram"`

	Code  abi.Name `serialize:"true" json:"code"`
	Scope abi.Name `serialize:"true" json:"scope"`
	Table abi.Name `serialize:"true" json:"table"`

	Revision int64 `serialize:"true" json:"revision"`

	UndoPK       uint64     `serialize:"true" json:"undo_pk"`
	UndoRec      UndoRecord `serialize:"true" json:"undo_rec"`
	UndoRevision int64      `serialize:"true" json:"undo_revision"`
	UndoPayer    abi.Name   `serialize:"true" json:"undo_payer"`
	UndoSize     uint64     `serialize:"true" json:"undo_size"`
	UndoInRAM    bool       `serialize:"true" json:"undo_in_ram"`
}

// Pack writes [s] to [p] in a fixed layout.
func (s *ServiceState) Pack(p *wrappers.Packer) {
	p.PackLong(s.PK)
	p.PackLong(uint64(s.Payer))
	p.PackLong(s.Size)
	p.PackBool(s.InRAM)
	p.PackLong(uint64(s.Code))
	p.PackLong(uint64(s.Scope))
	p.PackLong(uint64(s.Table))
	p.PackLong(uint64(s.Revision))
	p.PackLong(s.UndoPK)
	p.PackByte(byte(s.UndoRec))
	p.PackLong(uint64(s.UndoRevision))
	p.PackLong(uint64(s.UndoPayer))
	p.PackLong(s.UndoSize)
	p.PackBool(s.UndoInRAM)
}

// Unpack reads [s] from [p]. Errors are reported through [p.Err].
func (s *ServiceState) Unpack(p *wrappers.Packer) {
	s.PK = p.UnpackLong()
	s.Payer = abi.Name(p.UnpackLong())
	s.Size = p.UnpackLong()
	s.InRAM = p.UnpackBool()
	s.Code = abi.Name(p.UnpackLong())
	s.Scope = abi.Name(p.UnpackLong())
	s.Table = abi.Name(p.UnpackLong())
	s.Revision = int64(p.UnpackLong())
	s.UndoPK = p.UnpackLong()
	s.UndoRec = UndoRecord(p.UnpackByte())
	s.UndoRevision = int64(p.UnpackLong())
	s.UndoPayer = abi.Name(p.UnpackLong())
	s.UndoSize = p.UnpackLong()
	s.UndoInRAM = p.UnpackBool()
}

// Value is a row: its service state plus the ABI packed payload.
type Value struct {
	Service ServiceState `serialize:"true" json:"service"`
	Data    []byte       `serialize:"true" json:"data"`
}

// Null returns the value reported for missing rows.
func Null() Value {
	return Value{Service: ServiceState{PK: EndPK}}
}

func (v Value) IsNull() bool {
	return v.Service.PK == EndPK
}

func (v Value) Clone() Value {
	return Value{
		Service: v.Service,
		Data:    append([]byte(nil), v.Data...),
	}
}

// BillableSize is the storage charged to the payer of the row.
func (v Value) BillableSize() uint64 {
	return uint64(len(v.Data)) + ServiceStateSize
}

func (v *Value) Pack(p *wrappers.Packer) {
	v.Service.Pack(p)
	p.PackBytes(v.Data)
}

func (v *Value) Unpack(p *wrappers.Packer) {
	v.Service.Unpack(p)
	v.Data = p.UnpackBytes()
}

// Bytes returns the packed form of [v].
func (v Value) Bytes() ([]byte, error) {
	p := wrappers.Packer{
		MaxSize: ServiceStateSize + wrappers.IntLen + abi.MaxSize,
		Bytes:   make([]byte, 0, ServiceStateSize+wrappers.IntLen+len(v.Data)),
	}
	v.Pack(&p)
	return p.Bytes, p.Err
}

// Parse is the inverse of [Value.Bytes].
func Parse(b []byte) (Value, error) {
	p := wrappers.Packer{Bytes: b}
	v := Value{}
	v.Unpack(&p)
	if p.Err != nil {
		return Value{}, p.Err
	}
	if p.Offset != len(b) {
		return Value{}, fmt.Errorf("%d trailing bytes after value", len(b)-p.Offset)
	}
	return v, nil
}
