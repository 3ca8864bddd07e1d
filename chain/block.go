// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"
)

// StartBlock opens the block following the head at [when].
func (c *Controller) StartBlock(when time.Time, confirmed uint16, status BlockStatus, producerBlockID ids.ID) error {
	if c.pending != nil {
		return ErrPendingExists
	}
	if !when.After(c.head.Header.Time()) {
		return wrap(ErrBlockValidate, "block time %s isn't after head time %s", when, c.head.Header.Time())
	}
	producer, ok := c.head.ScheduledProducer(when, c.config.BlockInterval)
	if !ok {
		return wrap(ErrGuard, "head %d has no producer schedule", c.head.BlockNum)
	}
	skip := c.skipDBSessions(status)
	if !skip && c.db.Revision() != int64(c.head.BlockNum) {
		return wrap(ErrGuard, "db revision %d doesn't match head %d", c.db.Revision(), c.head.BlockNum)
	}

	header := BlockHeader{
		Timestamp:       when.UnixMilli(),
		Producer:        producer.ProducerName,
		Confirmed:       confirmed,
		Previous:        c.head.ID,
		ScheduleVersion: c.head.ScheduleVersion,
	}
	c.pending = &pendingState{
		session: c.db.StartUndoSession(!skip),
		blockState: &BlockState{
			BlockNum:        c.head.BlockNum + 1,
			Header:          header,
			Block:           SignedBlock{Header: header},
			ScheduleVersion: c.head.ScheduleVersion,
			Schedule:        append([]ProducerKey(nil), c.head.Schedule...),
		},
		status:          status,
		producerBlockID: producerBlockID,
		declared:        make(map[ids.ID]TransactionReceipt),
	}

	err := func() error {
		if err := c.pushOnBlock(); err != nil {
			return err
		}
		if err := c.clearExpiredInputTransactions(); err != nil {
			return err
		}
		return c.updateProducersAuthority(c.pending.blockState.Schedule, when)
	}()
	if err != nil {
		session := c.pending.session
		c.pending = nil
		if undoErr := session.Undo(); undoErr != nil {
			c.log.Error("failed to undo the block session", "err", undoErr)
		}
		return err
	}
	return nil
}

// pushOnBlock runs the implicit onblock transaction of the pending block.
// Its failure doesn't fail the block.
func (c *Controller) pushOnBlock() error {
	header := c.pending.blockState.Header
	act, err := c.PackAction(
		SystemAccount,
		OnBlockAction,
		[]PermissionLevel{{Actor: SystemAccount, Permission: ActivePermission}},
		&OnBlock{
			Timestamp:       header.Timestamp,
			Producer:        header.Producer,
			Confirmed:       header.Confirmed,
			Previous:        header.Previous,
			ScheduleVersion: header.ScheduleVersion,
		},
	)
	if err != nil {
		return err
	}
	trx := &Transaction{
		Expiration: uint32(c.PendingTime().Add(time.Second - time.Nanosecond).Unix()),
		Actions:    []Action{act},
	}
	trx.SetReferenceBlock(c.head.ID)
	meta, err := newImplicitMetadata(trx)
	if err != nil {
		return err
	}
	billed := &TransactionReceiptHeader{CPUUsageUS: uint32(minTransactionCPU / time.Microsecond)}
	trace, err := c.pushTransaction(meta, time.Time{}, billed)
	if err != nil {
		return err
	}
	if trace.Except != nil {
		c.log.Warn("onblock failed", "block", c.pending.blockState.BlockNum, "err", trace.Except)
	}
	return nil
}

// FinalizeBlock bills the block, computes its merkle roots and id and
// records it for TaPoS.
func (c *Controller) FinalizeBlock() error {
	if c.pending == nil {
		return ErrNoPending
	}
	p := c.pending
	bs := p.blockState
	if err := c.resources.ProcessBlockUsage(p.blockCPU, p.blockNet); err != nil {
		return err
	}

	gp, err := c.getGlobalProperty()
	if err != nil {
		return err
	}
	if gp.ScheduleVersion != bs.ScheduleVersion {
		schedule, err := producerSchedule(gp.Producers)
		if err != nil {
			return err
		}
		c.log.Info("producer schedule changed",
			"block", bs.BlockNum,
			"version", gp.ScheduleVersion,
			"producers", len(schedule),
		)
		bs.Schedule = schedule
		bs.ScheduleVersion = gp.ScheduleVersion
	}

	receipts := p.receipts()
	digests := make([]ids.ID, len(receipts))
	for i := range receipts {
		if digests[i], err = receipts[i].Digest(); err != nil {
			return err
		}
	}
	bs.Header.TransactionMRoot = Merkle(digests)
	bs.Header.ActionMRoot = Merkle(p.actionDigests)
	bs.Block.Header = bs.Header
	if bs.ID, err = bs.Header.ID(); err != nil {
		return err
	}
	return c.writeBlockSummary(bs)
}

// SignBlock signs the finalized pending block with [signer], which must hold
// the key of the scheduled producer.
func (c *Controller) SignBlock(signer Signer) error {
	if c.pending == nil {
		return ErrNoPending
	}
	bs := c.pending.blockState
	digest, err := bs.Header.Digest(c.config.ChainID)
	if err != nil {
		return err
	}
	sig, err := signer(digest)
	if err != nil {
		return err
	}
	if err := c.verifyProducer(c.head, &bs.Header, digest, sig); err != nil {
		return err
	}
	bs.Block.ProducerSignature = sig
	return nil
}

// verifyProducer checks that [sig] is the signature of the producer of
// [header] as scheduled by [prev].
func (c *Controller) verifyProducer(prev *BlockState, header *BlockHeader, digest ids.ID, sig []byte) error {
	key, ok := prev.signingKey(header.Producer)
	if !ok {
		return wrap(ErrInvalidSignature, "%s is not scheduled after block %d", header.Producer, prev.BlockNum)
	}
	signer, err := RecoverKey(digest, sig)
	if err != nil {
		return withKind(ErrInvalidSignature, err)
	}
	if signer != key {
		return wrap(ErrInvalidSignature, "block of %s signed by %s instead of %s", header.Producer, signer, key)
	}
	return nil
}

// CommitBlock makes the pending block the head. Blocks built locally are
// added to the fork database, blocks pulled from it are marked applied.
func (c *Controller) CommitBlock(addToForkDB bool) error {
	if c.pending == nil {
		return ErrNoPending
	}
	p := c.pending
	bs := p.blockState

	if p.status == BlockIrreversible && !addToForkDB {
		if _, ok := c.forkDB.Get(bs.ID); !ok {
			return c.commitIrreversible(p)
		}
	}

	err := func() error {
		if !c.replaying {
			if err := c.db.ApplyAllChanges(); err != nil {
				return err
			}
		}
		if addToForkDB {
			bs.Validated = true
			bs.InCurrentChain = true
			if err := c.forkDB.Add(bs); err != nil {
				return err
			}
			if head := c.forkDB.Head(); head.ID != bs.ID {
				return wrap(ErrForkDatabase, "committed block %s lost to %s", bs.ID, head.ID)
			}
		}
		c.forkDB.SetValidity(bs, true)
		c.forkDB.MarkInCurrentChain(bs, true)
		if !c.replaying {
			if err := c.reversible.PutBlock(bs); err != nil {
				return err
			}
			if err := c.reversible.SetHead(bs); err != nil {
				return err
			}
			return c.reversible.Commit()
		}
		return nil
	}()
	if err != nil {
		if abortErr := c.AbortBlock(); abortErr != nil {
			c.log.Error("failed to abort block", "block", bs.BlockNum, "err", abortErr)
		}
		return err
	}

	p.session.Push()
	c.pending = nil
	c.head = bs
	if c.skipDBSessions(p.status) {
		if err := c.db.SetRevision(int64(bs.BlockNum)); err != nil {
			return err
		}
	}
	c.metrics.blocksApplied.Inc()
	c.metrics.head.Set(float64(bs.BlockNum))
	c.AcceptedBlock.emit(bs)
	return c.updateIrreversible()
}

// commitIrreversible commits a block replayed from the block log. It becomes
// the new root at once.
func (c *Controller) commitIrreversible(p *pendingState) error {
	bs := p.blockState
	bs.Validated = true
	bs.InCurrentChain = true
	p.session.Push()
	c.pending = nil
	c.head = bs
	c.forkDB.Reset(bs)
	if c.skipDBSessions(p.status) {
		if err := c.db.SetRevision(int64(bs.BlockNum)); err != nil {
			return err
		}
	} else {
		c.db.CommitRevision(int64(bs.BlockNum))
	}
	c.metrics.blocksApplied.Inc()
	c.metrics.head.Set(float64(bs.BlockNum))
	c.AcceptedBlock.emit(bs)
	c.IrreversibleBlock.emit(bs)
	return nil
}

// updateIrreversible moves the root of the fork database to the block
// FinalityDepth blocks below the head.
func (c *Controller) updateIrreversible() error {
	if c.head.BlockNum <= c.config.FinalityDepth {
		return nil
	}
	target := c.head.BlockNum - c.config.FinalityDepth
	root := c.forkDB.Root()
	if target <= root.BlockNum {
		return nil
	}
	branch := make([]*BlockState, 0, target-root.BlockNum)
	for num := root.BlockNum + 1; num <= target; num++ {
		bs, ok := c.forkDB.Search(c.head.ID, num)
		if !ok {
			return wrap(ErrForkDatabase, "block %d is missing below head %s", num, c.head.ID)
		}
		branch = append(branch, bs)
	}
	for _, bs := range branch {
		if err := c.onIrreversible(bs); err != nil {
			return err
		}
	}
	newRoot := branch[len(branch)-1]
	c.forkDB.Prune(newRoot)
	if err := c.reversible.SetRoot(newRoot); err != nil {
		return err
	}
	return c.reversible.Commit()
}

func (c *Controller) onIrreversible(bs *BlockState) error {
	if c.blockLog.HeadNum() < bs.BlockNum {
		if err := c.blockLog.Append(&bs.Block); err != nil {
			return err
		}
	}
	c.db.CommitRevision(int64(bs.BlockNum))
	if err := c.reversible.PruneTo(bs.BlockNum); err != nil {
		return err
	}
	c.IrreversibleBlock.emit(bs)
	return nil
}

// AbortBlock drops the pending block. Its transactions become unapplied.
func (c *Controller) AbortBlock() error {
	if c.pending == nil {
		return nil
	}
	p := c.pending
	c.pending = nil
	for _, meta := range p.applied {
		c.unapplied[meta.ID] = meta
	}
	return p.session.Undo()
}

// ApplyBlock validates [bs] by executing it on top of the head.
func (c *Controller) ApplyBlock(bs *BlockState, status BlockStatus) (err error) {
	b := &bs.Block
	bad, isBad := c.history.BadReceipt(bs.BlockNum)
	isBad = isBad && bad.ID == bs.ID
	if isBad {
		c.log.Warn("applying block with bad receipts", "block", bs.BlockNum, "id", bs.ID)
		c.db.EnableRevBadUpdate()
		defer c.db.DisableRevBadUpdate()
	}

	if err := c.StartBlock(b.Header.Time(), b.Header.Confirmed, status, bs.ID); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if abortErr := c.AbortBlock(); abortErr != nil {
			c.log.Error("failed to abort block", "block", bs.BlockNum, "err", abortErr)
		}
	}()
	p := c.pending
	if isBad {
		p.badReceipts = bad.Transactions
	}

	metas := make([]*TransactionMetadata, len(b.Transactions))
	packed := make([]*TransactionMetadata, 0, len(b.Transactions))
	for i := range b.Transactions {
		r := &b.Transactions[i]
		if r.Kind != ReceiptPacked {
			p.declared[r.ID] = *r
			continue
		}
		if metas[i], err = NewTransactionMetadata(&r.Packed); err != nil {
			return withKind(ErrBlockValidate, err)
		}
		packed = append(packed, metas[i])
	}
	if !c.skipTrxChecks() {
		if err := recoverKeys(context.Background(), c.config.ChainID, packed, c.config.WorkerCount); err != nil {
			return err
		}
	}

	waitNested := ids.Empty
	for i := range b.Transactions {
		r := &b.Transactions[i]
		if r.Kind == ReceiptID && r.ID == waitNested {
			waitNested = ids.Empty
			continue
		}

		before := len(p.receipts())
		var trace *TransactionTrace
		if r.Kind == ReceiptPacked {
			trace, err = c.pushTransaction(metas[i], time.Time{}, &r.Header)
		} else {
			trace, err = c.PushScheduledTransaction(r.ID, time.Time{}, &r.Header)
		}
		if err != nil {
			return err
		}
		trxID := r.TrxID()
		if trace.Except != nil && (r.Kind == ReceiptPacked || trace.Receipt == nil || trace.Receipt.Status != StatusHardFail) {
			return fmt.Errorf("transaction %s of block %d failed: %w", trxID, bs.BlockNum, trace.Except)
		}

		expected := []TransactionReceiptHeader{r.Header}
		if trace.SentNested {
			nested, ok := p.declared[trace.NestedTrace.ID]
			if !ok {
				return wrap(ErrBlockValidate, "no receipt for nested transaction %s", trace.NestedTrace.ID)
			}
			expected = append(expected, nested.Header)
			waitNested = trace.NestedTrace.ID
		}
		receipts := p.receipts()
		if got := len(receipts) - before; got != len(expected) {
			return wrap(ErrBlockValidate, "transaction %s added %d receipts instead of %d", trxID, got, len(expected))
		}
		for j, header := range expected {
			produced := &receipts[before+j]
			if produced.Header == header {
				continue
			}
			if p.badReceipts != nil && p.badReceipts.Contains(produced.TrxID()) {
				produced.Header = header
				continue
			}
			return wrap(ErrBlockValidate, "receipt of %s doesn't match: %+v != %+v", produced.TrxID(), produced.Header, header)
		}
	}
	if waitNested != ids.Empty {
		return wrap(ErrBlockValidate, "nested transaction %s was never sent", waitNested)
	}

	if err := c.FinalizeBlock(); err != nil {
		return err
	}
	built := p.blockState
	if built.ID != bs.ID {
		return wrap(ErrBlockValidate, "block id %s doesn't match %s", built.ID, bs.ID)
	}
	bs.Schedule = built.Schedule
	bs.ScheduleVersion = built.ScheduleVersion
	p.blockState = bs
	return c.CommitBlock(false)
}

// BlockStateFuture is a BlockState being built by the worker pool.
type BlockStateFuture struct {
	done chan struct{}
	bs   *BlockState
	err  error
}

// Wait blocks until the BlockState is built.
func (f *BlockStateFuture) Wait() (*BlockState, error) {
	<-f.done
	return f.bs, f.err
}

// CreateBlockStateFuture checks that [b] links to a known block and verifies
// its producer signature in the background.
func (c *Controller) CreateBlockStateFuture(b *SignedBlock) (*BlockStateFuture, error) {
	id, err := b.Header.ID()
	if err != nil {
		return nil, err
	}
	if _, ok := c.forkDB.Get(id); ok {
		return nil, wrap(ErrForkDatabase, "block %s is already known", id)
	}
	prev, ok := c.forkDB.Get(b.Header.Previous)
	if !ok {
		return nil, wrap(ErrUnlinkableBlock, "block %d %s links to unknown %s", b.Header.BlockNum(), id, b.Header.Previous)
	}
	f := &BlockStateFuture{done: make(chan struct{})}
	c.workers.Go(func() error {
		defer close(f.done)
		f.bs, f.err = c.buildBlockState(prev, b, id)
		return nil
	})
	return f, nil
}

func (c *Controller) buildBlockState(prev *BlockState, b *SignedBlock, id ids.ID) (*BlockState, error) {
	if b.Header.Timestamp <= prev.Header.Timestamp {
		return nil, wrap(ErrBlockValidate, "block %s isn't after its previous block", id)
	}
	digest, err := b.Header.Digest(c.config.ChainID)
	if err != nil {
		return nil, err
	}
	if err := c.verifyProducer(prev, &b.Header, digest, b.ProducerSignature); err != nil {
		return nil, err
	}
	return &BlockState{
		ID:              id,
		BlockNum:        b.Header.BlockNum(),
		Header:          b.Header,
		Block:           *b,
		ScheduleVersion: prev.ScheduleVersion,
		Schedule:        prev.Schedule,
	}, nil
}

// PushBlock adds the block of [f] to the fork database and switches to the
// best branch.
func (c *Controller) PushBlock(f *BlockStateFuture, status BlockStatus) error {
	if c.pending != nil {
		return ErrPendingExists
	}
	bs, err := f.Wait()
	if err != nil {
		return err
	}
	if err := c.forkDB.Add(bs); err != nil {
		return err
	}
	return c.maybeSwitchForks(status)
}

// maybeSwitchForks applies the head of the fork database when it differs
// from the head of the chain.
func (c *Controller) maybeSwitchForks(status BlockStatus) error {
	newHead := c.forkDB.Head()
	if newHead.ID == c.head.ID {
		return nil
	}
	if newHead.Header.Previous == c.head.ID {
		if err := c.ApplyBlock(newHead, status); err != nil {
			c.forkDB.SetValidity(newHead, false)
			return err
		}
		return nil
	}

	newBranch, oldBranch, err := c.forkDB.FetchBranchFrom(newHead.ID, c.head.ID)
	if err != nil {
		return err
	}
	c.log.Info("switching forks",
		"from", c.head.ID,
		"to", newHead.ID,
		"popped", len(oldBranch),
		"applied", len(newBranch),
	)
	for range oldBranch {
		if err := c.PopBlock(); err != nil {
			return err
		}
	}
	ancestor := c.head.ID

	for i := len(newBranch) - 1; i >= 0; i-- {
		bs := newBranch[i]
		st := status
		if bs.Validated {
			st = BlockValidated
		}
		err := c.ApplyBlock(bs, st)
		if err == nil {
			continue
		}
		c.log.Warn("fork switch failed, restoring the previous branch", "block", bs.BlockNum, "id", bs.ID, "err", err)
		c.forkDB.SetValidity(bs, false)
		for c.head.ID != ancestor {
			if popErr := c.PopBlock(); popErr != nil {
				return popErr
			}
		}
		for j := len(oldBranch) - 1; j >= 0; j-- {
			if restoreErr := c.ApplyBlock(oldBranch[j], BlockValidated); restoreErr != nil {
				return wrap(ErrGuard, "failed to restore block %d: %v", oldBranch[j].BlockNum, restoreErr)
			}
		}
		return err
	}
	return nil
}

// PopBlock reverts the head block. Its transactions become unapplied.
func (c *Controller) PopBlock() error {
	if c.pending != nil {
		return ErrPendingExists
	}
	head := c.head
	if head.ID == c.forkDB.Root().ID {
		return wrap(ErrForkDatabase, "can't pop irreversible block %d", head.BlockNum)
	}
	prev, ok := c.forkDB.Get(head.Header.Previous)
	if !ok {
		return wrap(ErrForkDatabase, "previous block of %d is unknown", head.BlockNum)
	}
	for i := range head.Block.Transactions {
		r := &head.Block.Transactions[i]
		if r.Kind != ReceiptPacked {
			continue
		}
		meta, err := NewTransactionMetadata(&r.Packed)
		if err != nil {
			return err
		}
		c.unapplied[meta.ID] = meta
	}
	if err := c.db.UndoLastRevision(); err != nil {
		return err
	}
	c.forkDB.MarkInCurrentChain(head, false)
	c.head = prev
	c.metrics.head.Set(float64(prev.BlockNum))
	if err := c.reversible.DeleteBlock(head.BlockNum); err != nil {
		return err
	}
	return c.reversible.SetHead(prev)
}
