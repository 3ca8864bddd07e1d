// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"time"

	"github.com/ava-labs/avalanchego/ids"
)

// ProducedBlock is the outcome of ProduceBlock.
type ProducedBlock struct {
	Block *BlockState
	// Traces of every transaction tried in the block, failed ones included
	Traces []*TransactionTrace
}

// ProduceBlock builds a block at [when] on top of the head, signs it with
// [signer] and commits it. The transactions dropped by popped or aborted
// blocks are tried first, then [trxs], then the due scheduled transactions.
func (c *Controller) ProduceBlock(when time.Time, signer Signer, trxs []*TransactionMetadata) (*ProducedBlock, error) {
	if err := c.StartBlock(when, 0, BlockIncomplete, ids.Empty); err != nil {
		return nil, err
	}
	res, err := c.fillBlock(when, trxs)
	if err == nil {
		err = c.FinalizeBlock()
	}
	if err == nil {
		err = c.SignBlock(signer)
	}
	if err == nil {
		err = c.CommitBlock(true)
	}
	if err != nil {
		if abortErr := c.AbortBlock(); abortErr != nil {
			c.log.Error("failed to abort the produced block", "err", abortErr)
		}
		return nil, err
	}
	res.Block = c.head
	c.log.Debug("produced block",
		"block", c.head.BlockNum,
		"id", c.head.ID,
		"transactions", len(c.head.Block.Transactions),
	)
	return res, nil
}

// fillBlock pushes the candidate transactions into the pending block.
// Failed transactions are left out of the block.
func (c *Controller) fillBlock(when time.Time, trxs []*TransactionMetadata) (*ProducedBlock, error) {
	res := &ProducedBlock{}
	deadline := c.clock.Now().Add(c.config.BlockInterval)
	trxDeadline := func() time.Time {
		d := c.clock.Now().Add(c.config.MaxTransactionCPU)
		if d.After(deadline) {
			return deadline
		}
		return d
	}

	candidates := append(c.UnappliedTransactions(), trxs...)
	seen := make(map[ids.ID]struct{}, len(candidates))
	for _, meta := range candidates {
		if _, ok := seen[meta.ID]; ok {
			continue
		}
		seen[meta.ID] = struct{}{}
		if !meta.Trx.ExpirationTime().After(when) {
			continue
		}
		trace, err := c.pushTransaction(meta, trxDeadline(), nil)
		if err != nil {
			return nil, err
		}
		res.Traces = append(res.Traces, trace)
		switch {
		case trace.Except == nil:
		case IsSubjective(trace.Except):
			c.unapplied[meta.ID] = meta
		default:
			c.log.Debug("dropping failed transaction", "id", meta.ID, "err", trace.Except)
		}
	}

	scheduled, err := c.ScheduledTransactions()
	if err != nil {
		return nil, err
	}
	for _, id := range scheduled {
		if !c.clock.Now().Before(deadline) {
			break
		}
		trace, err := c.PushScheduledTransaction(id, trxDeadline(), nil)
		if err != nil {
			return nil, err
		}
		res.Traces = append(res.Traces, trace)
	}
	return res, nil
}
