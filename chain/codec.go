// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	// CodecVersion is the current default codec version
	CodecVersion = 0
)

var (
	// Codec serializes blocks, transactions and receipts
	Codec codec.Manager

	errWrongCodecVersion = errors.New("wrong codec version")
)

func init() {
	c := linearcodec.NewDefault()
	Codec = codec.NewDefaultManager()

	errs := wrappers.Errs{}
	errs.Add(
		Codec.RegisterCodec(CodecVersion, c),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}

func marshal(v interface{}) ([]byte, error) {
	return Codec.Marshal(CodecVersion, v)
}

func unmarshal(b []byte, v interface{}) error {
	parsedVersion, err := Codec.Unmarshal(b, v)
	if err != nil {
		return err
	}
	if parsedVersion != CodecVersion {
		return errWrongCodecVersion
	}
	return nil
}
