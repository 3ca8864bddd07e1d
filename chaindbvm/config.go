// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chain"
)

const defaultMempoolSize = 1024

var (
	errMempoolSize   = errors.New("mempool size must be positive")
	errBlockInterval = errors.New("block interval must be positive")
)

type Config struct {
	// DataDir holds the block log and the state written at shutdown. The
	// node runs in memory when it is empty.
	DataDir string `json:"data-dir"`
	// SnapshotPath is a snapshot to start from
	SnapshotPath string `json:"snapshot"`
	// ProducerKey is the hex encoded secp256k1 key blocks are signed with
	ProducerKey string       `json:"producer-key"`
	MempoolSize int          `json:"mempool-size"`
	Chain       chain.Config `json:"chain"`
}

func DefaultConfig() Config {
	return Config{
		MempoolSize: defaultMempoolSize,
		Chain:       chain.DefaultConfig(),
	}
}

func (c Config) Verify() error {
	switch {
	case c.MempoolSize <= 0:
		return fmt.Errorf("%w: %d", errMempoolSize, c.MempoolSize)
	case c.Chain.BlockInterval <= 0:
		return fmt.Errorf("%w: %s", errBlockInterval, c.Chain.BlockInterval)
	default:
		return nil
	}
}
