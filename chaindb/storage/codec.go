// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
)

const codecVersion = 0

var (
	errWrongVersion = errors.New("wrong codec version")

	Codec codec.Manager
)

func init() {
	c := linearcodec.NewDefault()
	Codec = codec.NewDefaultManager()

	errs := wrappers.Errs{}
	errs.Add(
		c.RegisterType(&rowRecord{}),
		c.RegisterType(&tableRecord{}),
	)
	errs.Add(
		Codec.RegisterCodec(codecVersion, c),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}

type indexKey struct {
	Index abi.Name `serialize:"true"`
	Key   []byte   `serialize:"true"`
}

// rowRecord is a row as persisted by the driver.
type rowRecord struct {
	Value object.Value `serialize:"true"`
	Keys  []indexKey   `serialize:"true"`
}

// tableRecord is the stored layout of a table.
type tableRecord struct {
	Def abi.TableDef `serialize:"true"`
}

func unmarshal(b []byte, v interface{}) error {
	parsedVersion, err := Codec.Unmarshal(b, v)
	if err != nil {
		return err
	}
	if parsedVersion != codecVersion {
		return errWrongVersion
	}
	return nil
}
