// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/chaindbvm/chain"
)

var errEmptyMempool = errors.New("empty mempool")

// mempool holds the transactions waiting for the next produced block.
type mempool struct {
	ready chan struct{}
	trxs  chan *chain.TransactionMetadata
}

func newMempool(size int) *mempool {
	return &mempool{
		ready: make(chan struct{}, 1),
		trxs:  make(chan *chain.TransactionMetadata, size),
	}
}

// Add queues [meta] and wakes up the block producer.
func (m *mempool) Add(meta *chain.TransactionMetadata) error {
	select {
	case m.trxs <- meta:
	default:
		return fmt.Errorf("failed to add transaction %s to mempool due to full at size (%d)", meta.ID, cap(m.trxs))
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

func (m *mempool) Next() (*chain.TransactionMetadata, error) {
	select {
	case meta := <-m.trxs:
		return meta, nil
	default:
		return nil, errEmptyMempool
	}
}

// Drain removes and returns every queued transaction.
func (m *mempool) Drain() []*chain.TransactionMetadata {
	var res []*chain.TransactionMetadata
	for {
		meta, err := m.Next()
		if err != nil {
			return res
		}
		res = append(res, meta)
	}
}

func (m *mempool) Len() int {
	return len(m.trxs)
}

// Ready is signaled when a transaction was added.
func (m *mempool) Ready() <-chan struct{} {
	return m.ready
}
