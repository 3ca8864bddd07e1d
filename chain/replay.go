// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"time"
)

// Replay applies the blocks of the block log above the head, then the
// stored reversible blocks above it.
func (c *Controller) Replay() error {
	c.replaying = true
	defer func() { c.replaying = false }()

	start := time.Now()
	logHead := c.blockLog.HeadNum()
	if logHead > c.head.BlockNum {
		c.log.Info("replaying the block log", "from", c.head.BlockNum+1, "to", logHead)
	}
	replayed := uint32(0)
	for num := c.head.BlockNum + 1; num <= logHead; num++ {
		b, err := c.blockLog.ReadBlockByNum(num)
		if err != nil {
			return err
		}
		if b == nil {
			return wrap(ErrGuard, "block log is missing block %d", num)
		}
		id, err := b.Header.ID()
		if err != nil {
			return err
		}
		bs := &BlockState{
			ID:              id,
			BlockNum:        num,
			Header:          b.Header,
			Block:           *b,
			ScheduleVersion: c.head.ScheduleVersion,
			Schedule:        c.head.Schedule,
		}
		if err := c.ApplyBlock(bs, BlockIrreversible); err != nil {
			return err
		}
		replayed++
		if c.config.ReplayFlushInterval > 0 && replayed%c.config.ReplayFlushInterval == 0 {
			c.log.Info("replay progress", "block", num, "of", logHead)
			if err := c.db.ApplyAllChanges(); err != nil {
				return err
			}
		}
	}
	if replayed > 0 {
		if err := c.db.ApplyAllChanges(); err != nil {
			return err
		}
		if err := c.reversible.SetRoot(c.head); err != nil {
			return err
		}
		if err := c.reversible.SetHead(c.head); err != nil {
			return err
		}
		c.log.Info("block log replayed", "blocks", replayed, "elapsed", time.Since(start))
	}

	blocks, err := c.reversible.Blocks()
	if err != nil {
		return err
	}
	reversible := 0
	for _, bs := range blocks {
		if bs.BlockNum <= c.head.BlockNum {
			continue
		}
		if bs.Header.Previous != c.head.ID {
			c.log.Warn("dropping unlinked reversible block", "block", bs.BlockNum, "id", bs.ID)
			break
		}
		if _, ok := c.forkDB.Get(bs.ID); !ok {
			if err := c.forkDB.Add(bs); err != nil {
				return err
			}
		}
		if err := c.ApplyBlock(bs, BlockValidated); err != nil {
			return err
		}
		reversible++
	}
	if reversible > 0 {
		c.log.Info("reversible blocks replayed", "blocks", reversible, "head", c.head.BlockNum)
	}
	return c.reversible.Commit()
}
