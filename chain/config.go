// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"runtime"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb"
)

const (
	defaultFinalityDepth       = 12
	defaultReplayFlushInterval = 10000
	defaultBlockInterval       = 500 * time.Millisecond
	defaultBlockCacheSize      = 1024
	defaultMetricsNamespace    = "chain"
)

// Genesis describes the initial state of the chain.
type Genesis struct {
	// Timestamp of the genesis block
	Timestamp time.Time `json:"timestamp"`
	// Key controls the system accounts and signs the first blocks
	Key PublicKey `json:"key"`
}

type Config struct {
	// FinalityDepth is the number of blocks after which a block becomes
	// irreversible
	FinalityDepth uint32 `json:"finality-depth"`
	// SkipDBSessions replays irreversible blocks without undo sessions
	SkipDBSessions bool `json:"skip-db-sessions"`
	// ReplayFlushInterval is the number of replayed blocks between flushes
	ReplayFlushInterval uint32 `json:"replay-flush-interval"`
	// WorkerCount bounds the signature recovery workers
	WorkerCount int `json:"worker-count"`
	// SigCPUBillPct is the share of the signature recovery time billed to a
	// transaction
	SigCPUBillPct uint32 `json:"sig-cpu-bill-pct"`
	BlockInterval time.Duration `json:"block-interval"`

	MaxTransactionCPU      time.Duration `json:"max-transaction-cpu"`
	MaxTransactionNet      uint64        `json:"max-transaction-net"`
	MaxTransactionRAM      uint64        `json:"max-transaction-ram"`
	MaxTransactionLifetime time.Duration `json:"max-transaction-lifetime"`
	MaxTransactionDelay    time.Duration `json:"max-transaction-delay"`
	MaxNestedDepth         int           `json:"max-nested-depth"`
	MaxInlineDepth         int           `json:"max-inline-depth"`
	MaxAuthorityDepth      int           `json:"max-authority-depth"`

	// EnableOnError delivers onerror to the sender of a failed deferred
	// transaction
	EnableOnError bool `json:"enable-on-error"`
	// ForceAllChecks checks authorization and TaPoS of replayed blocks
	ForceAllChecks bool `json:"force-all-checks"`

	ChainID ids.ID  `json:"chain-id"`
	Genesis Genesis `json:"genesis"`

	BlockCacheSize   int            `json:"block-cache-size"`
	MetricsNamespace string         `json:"metrics-namespace"`
	ChainDB          chaindb.Config `json:"chaindb"`
}

func DefaultConfig() Config {
	return Config{
		FinalityDepth:          defaultFinalityDepth,
		ReplayFlushInterval:    defaultReplayFlushInterval,
		WorkerCount:            runtime.NumCPU(),
		SigCPUBillPct:          50,
		BlockInterval:          defaultBlockInterval,
		MaxTransactionCPU:      150 * time.Millisecond,
		MaxTransactionNet:      512 * 1024,
		MaxTransactionRAM:      1024 * 1024,
		MaxTransactionLifetime: time.Hour,
		MaxTransactionDelay:    45 * 24 * time.Hour,
		MaxNestedDepth:         1,
		MaxInlineDepth:         4,
		MaxAuthorityDepth:      6,
		Genesis: Genesis{
			Timestamp: time.Date(2018, time.June, 1, 12, 0, 0, 0, time.UTC),
		},
		BlockCacheSize:   defaultBlockCacheSize,
		MetricsNamespace: defaultMetricsNamespace,
		ChainDB:          chaindb.DefaultConfig(),
	}
}
