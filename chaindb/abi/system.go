// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

// Struct types known to every serializer.
var systemStructs = []StructDef{
	{
		Name: "asset",
		Fields: []FieldDef{
			{Name: "amount", Type: "int64"},
			{Name: "symbol", Type: "symbol"},
		},
	},
	{
		Name: "permission_level",
		Fields: []FieldDef{
			{Name: "actor", Type: "name"},
			{Name: "permission", Type: "name"},
		},
	},
	{
		Name: "key_weight",
		Fields: []FieldDef{
			{Name: "key", Type: "public_key"},
			{Name: "weight", Type: "uint16"},
		},
	},
	{
		Name: "permission_level_weight",
		Fields: []FieldDef{
			{Name: "permission", Type: "permission_level"},
			{Name: "weight", Type: "uint16"},
		},
	},
	{
		Name: "authority",
		Fields: []FieldDef{
			{Name: "threshold", Type: "uint32"},
			{Name: "keys", Type: "key_weight[]"},
			{Name: "accounts", Type: "permission_level_weight[]"},
		},
	},
}

var systemStructNames = func() map[string]struct{} {
	names := make(map[string]struct{}, len(systemStructs))
	for _, sd := range systemStructs {
		names[sd.Name] = struct{}{}
	}
	return names
}()
