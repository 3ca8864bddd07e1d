// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindb

import (
	"errors"

	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

var (
	ErrUnknownABI         = errors.New("account has no abi")
	ErrObjectNotFound     = errors.New("object not found")
	ErrObjectExists       = errors.New("object already exists")
	ErrPrimaryKeyMismatch = errors.New("object primary key doesn't match the requested one")
	ErrRevisionMismatch   = errors.New("object revision is newer than the current revision")
	ErrSessionRevision    = errors.New("session is not the last opened one")
	ErrUndoStackNotEmpty  = errors.New("undo stack is not empty")
	ErrUnknownCursor      = storage.ErrUnknownCursor
)
