// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import "errors"

// Schema errors. Every error returned while loading an ABI wraps one of these.
var (
	ErrInvalidIndexDescription = errors.New("invalid index description")
	ErrInvalidTableDescription = errors.New("invalid table description")
	ErrInvalidPrimaryKey       = errors.New("invalid primary key")
	ErrInvalidScopeName        = errors.New("invalid scope name")
	ErrInvalidAbiStoreType     = errors.New("invalid abi store type")
	ErrDropTableWithRows       = errors.New("cannot change the structure of a table with rows")
	ErrUnknownType             = errors.New("unknown type")
	ErrUnknownTable            = errors.New("unknown table")
	ErrUnknownIndex            = errors.New("unknown index")
	ErrPack                    = errors.New("unable to pack value")
	ErrUnpack                  = errors.New("unable to unpack value")

	errWrongCodecVersion = errors.New("wrong codec version")
)

// IsSchemaError reports whether [err] is caused by an invalid schema.
func IsSchemaError(err error) bool {
	for _, target := range []error{
		ErrInvalidIndexDescription,
		ErrInvalidTableDescription,
		ErrInvalidPrimaryKey,
		ErrInvalidScopeName,
		ErrDropTableWithRows,
		ErrUnknownType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
