// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

// NativeHandler executes an action inside the node.
type NativeHandler func(ctx *ApplyContext) error

// WasmInterface runs contract code. Receivers with code and no native
// handler are dispatched to it.
type WasmInterface interface {
	// SetCode is called when [account] installs new code.
	SetCode(account abi.Name, codeHash ids.ID, code []byte) error
	Apply(codeHash ids.ID, ctx *ApplyContext) error
}

// WasmFunc turns a function into a WasmInterface that accepts any code.
type WasmFunc func(codeHash ids.ID, ctx *ApplyContext) error

func (f WasmFunc) SetCode(abi.Name, ids.ID, []byte) error { return nil }

func (f WasmFunc) Apply(codeHash ids.ID, ctx *ApplyContext) error { return f(codeHash, ctx) }

type handlerKey struct {
	receiver abi.Name
	contract abi.Name
	action   abi.Name
}

// Registry maps (receiver, contract, action) to native handlers. It is
// filled before the controller starts and only read afterwards.
type Registry struct {
	handlers map[handlerKey]NativeHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]NativeHandler)}
}

// Register installs [h] for [action] of [contract] delivered to [receiver].
func (r *Registry) Register(receiver, contract, action abi.Name, h NativeHandler) {
	r.handlers[handlerKey{receiver: receiver, contract: contract, action: action}] = h
}

func (r *Registry) Find(receiver, contract, action abi.Name) (NativeHandler, bool) {
	h, ok := r.handlers[handlerKey{receiver: receiver, contract: contract, action: action}]
	return h, ok
}
