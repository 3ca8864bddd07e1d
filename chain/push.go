// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"time"

	"github.com/ava-labs/avalanchego/ids"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
)

// addActions appends the digests of [receipts] to the action merkle leaves
// of the block.
func (p *pendingState) addActions(receipts []ActionReceipt) error {
	for i := range receipts {
		digest, err := receipts[i].Digest()
		if err != nil {
			return err
		}
		p.actionDigests = append(p.actionDigests, digest)
	}
	return nil
}

func (p *pendingState) pushReceipt(r TransactionReceipt) {
	p.blockState.Block.Transactions = append(p.blockState.Block.Transactions, r)
}

func (p *pendingState) pushReceiptID(id ids.ID, header TransactionReceiptHeader) {
	p.pushReceipt(TransactionReceipt{Header: header, Kind: ReceiptID, ID: id})
}

// activate makes [t] the transaction billed for system table writes until
// the returned function is called.
func (c *Controller) activate(t *TransactionContext) func() {
	prev := c.activeTrx
	c.activeTrx = t
	return func() { c.activeTrx = prev }
}

// PushTransaction executes [meta] in the pending block. [billed] is the
// receipt of a block being validated, nil when usage is measured. Failures
// of the transaction itself are reported in the trace; the returned error is
// only set for guard failures.
func (c *Controller) PushTransaction(meta *TransactionMetadata, deadline time.Time, billed *TransactionReceiptHeader) (*TransactionTrace, error) {
	if c.pending == nil {
		return nil, ErrNoPending
	}
	return c.pushTransaction(meta, deadline, billed)
}

func (c *Controller) pushTransaction(meta *TransactionMetadata, deadline time.Time, billed *TransactionReceiptHeader) (*TransactionTrace, error) {
	start := c.clock.Now()
	checkAuth := !meta.Implicit && !c.skipTrxChecks()
	var (
		keys    mapset.Set[PublicKey]
		keysErr error
	)
	if checkAuth {
		keys, keysErr = meta.RecoverKeys(c.config.ChainID)
		if billed == nil {
			start = start.Add(-meta.recoverTime * time.Duration(c.config.SigCPUBillPct) / 100)
		}
	}

	t := c.newTransactionContext(meta.Trx, meta.ID, start)
	t.deadline = deadline
	if billed != nil {
		t.setExplicitBilling(*billed)
	}
	trace := t.Trace
	defer c.activate(t)()
	restore := c.pending.restorePoint()

	var nestedTrace *TransactionTrace
	err := func() error {
		if keysErr != nil {
			return keysErr
		}
		var err error
		if meta.Implicit {
			err = t.InitForImplicitTrx(0)
		} else {
			skipRecording := c.replaying && !meta.Trx.ExpirationTime().After(c.head.Header.Time())
			err = t.InitForInputTrx(uint64(len(meta.Packed.PackedTrx)), skipRecording)
		}
		if err != nil {
			return err
		}
		if checkAuth {
			if err := c.CheckAuthorization(meta.Trx.Actions, keys, false); err != nil {
				return err
			}
		}
		if err := t.Exec(); err != nil {
			return err
		}
		if err := t.Finalize(); err != nil {
			return err
		}

		if meta.Implicit {
			header := t.receiptHeader(StatusExecuted)
			trace.Receipt = &header
		} else {
			status := StatusExecuted
			if t.delay != 0 {
				status = StatusDelayed
			}
			header := t.receiptHeader(status)
			trace.Receipt = &header
			c.pending.pushReceipt(TransactionReceipt{Header: header, Kind: ReceiptPacked, Packed: *meta.Packed})
			c.pending.applied = append(c.pending.applied, meta)
		}
		if err := c.pending.addActions(t.executedActions); err != nil {
			return err
		}

		if t.nestedTrx != nil {
			if meta.Implicit {
				return wrap(ErrActionValidate, "implicit transactions can't send nested transactions")
			}
			trace.SentNested = true
			nested, err := c.pushNestedTrx(t, deadline, billed != nil)
			if err != nil {
				return err
			}
			nestedTrace = nested
			trace.NestedTrace = nested
		}
		return t.Squash()
	}()

	if err != nil {
		undoErr := t.Undo()
		restore()
		if KindOf(err) == Guard {
			return nil, err
		}
		if undoErr != nil {
			return nil, undoErr
		}
		trace.Except = err
		trace.Receipt = nil
		if !meta.Implicit && !IsSubjective(err) {
			delete(c.unapplied, meta.ID)
		}
		c.metrics.transactionsFailed.Inc()
		c.emitTransaction(meta, trace)
		return trace, nil
	}

	if !meta.Implicit {
		delete(c.unapplied, meta.ID)
	}
	c.metrics.transactionsApplied.Inc()
	c.emitTransaction(meta, trace)
	if nestedTrace != nil {
		c.AppliedTransaction.emit(nestedTrace)
	}
	return trace, nil
}

// emitTransaction notifies the subscribers of an executed transaction.
// AcceptedTransaction fires once per transaction.
func (c *Controller) emitTransaction(meta *TransactionMetadata, trace *TransactionTrace) {
	if !meta.Accepted {
		meta.Accepted = true
		c.AcceptedTransaction.emit(meta)
	}
	c.AppliedTransaction.emit(trace)
}

// pushNestedTrx runs the nested transaction sent by [parent] and chains its
// receipt after the receipt of the parent.
func (c *Controller) pushNestedTrx(parent *TransactionContext, deadline time.Time, explicit bool) (*TransactionTrace, error) {
	trx := parent.nestedTrx
	if trx.DelaySec != 0 {
		return nil, ErrNestedDelay
	}
	id, err := trx.ID()
	if err != nil {
		return nil, err
	}
	t := c.newTransactionContext(trx, id, c.clock.Now())
	t.deadline = deadline
	if explicit {
		r, ok := c.pending.declared[id]
		if !ok {
			return nil, wrap(ErrBlockValidate, "no receipt for nested transaction %s", id)
		}
		t.setExplicitBilling(r.Header)
	}
	defer c.activate(t)()

	err = func() error {
		if err := t.InitForNestedTrx(); err != nil {
			return err
		}
		if err := t.Exec(); err != nil {
			return err
		}
		return t.Finalize()
	}()
	if err != nil {
		t.Trace.Except = err
		if undoErr := t.Undo(); undoErr != nil {
			return nil, undoErr
		}
		return nil, err
	}
	header := t.receiptHeader(StatusExecuted)
	t.Trace.Receipt = &header
	c.pending.pushReceiptID(id, header)
	if err := c.pending.addActions(t.executedActions); err != nil {
		return nil, err
	}
	c.metrics.transactionsApplied.Inc()
	return t.Trace, t.Squash()
}

// PushScheduledTransaction executes the deferred transaction [id] in the
// pending block.
func (c *Controller) PushScheduledTransaction(id ids.ID, deadline time.Time, billed *TransactionReceiptHeader) (*TransactionTrace, error) {
	if c.pending == nil {
		return nil, ErrNoPending
	}
	gtos, err := c.generatedTransactions()
	if err != nil {
		return nil, err
	}
	byTrxID, err := gtos.Index(byTrxIDIndex)
	if err != nil {
		return nil, err
	}
	it, err := byTrxID.Find(multiindex.Key{id})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if end, err := it.IsEnd(); err != nil {
		return nil, err
	} else if end {
		return nil, wrap(ErrUnknownScheduled, "%s", id)
	}
	gto, err := it.Value()
	if err != nil {
		return nil, err
	}
	copied := *gto
	return c.pushScheduledTransaction(gtos, &copied, deadline, billed)
}

func (c *Controller) pushScheduledTransaction(
	gtos *multiindex.Table[generatedTransaction],
	gto *generatedTransaction,
	deadline time.Time,
	billed *TransactionReceiptHeader,
) (*TransactionTrace, error) {
	session := c.db.StartUndoSession(!c.pendingSkipsSessions())
	defer session.Undo()

	// The generated transaction is restored when the session is undone, so
	// a subjective failure leaves it for a later block.
	if err := gtos.EraseObject(gto); err != nil {
		return nil, err
	}
	now := c.PendingTime()
	if delayUntil := time.UnixMicro(gto.DelayUntil); delayUntil.After(now) {
		return nil, wrap(ErrTxNotReady, "%s is delayed until %s", gto.TrxID, delayUntil)
	}
	trx := &Transaction{}
	if err := unmarshal(gto.PackedTrx, trx); err != nil {
		return nil, err
	}
	meta := &TransactionMetadata{
		ID:     gto.TrxID,
		Packed: &PackedTransaction{PackedTrx: gto.PackedTrx},
		Trx:    trx,
	}
	blockNum := c.pending.blockState.BlockNum

	if time.UnixMicro(gto.Expiration).Before(now) {
		header := TransactionReceiptHeader{Status: StatusExpired}
		if billed != nil {
			header.CPUUsageUS = billed.CPUUsageUS
			header.RAMKBytes = billed.RAMKBytes
		}
		trace := &TransactionTrace{ID: gto.TrxID, BlockNum: blockNum, Scheduled: true, Receipt: &header}
		c.pending.pushReceiptID(gto.TrxID, header)
		c.emitTransaction(meta, trace)
		return trace, session.Squash()
	}

	prevChecks := c.inTrxRequiringChecks
	c.inTrxRequiringChecks = true
	defer func() { c.inTrxRequiringChecks = prevChecks }()

	t := c.newTransactionContext(trx, gto.TrxID, c.clock.Now())
	t.deadline = deadline
	if billed != nil {
		t.setExplicitBilling(*billed)
	}
	trace := t.Trace
	deactivate := c.activate(t)
	restore := c.pending.restorePoint()

	err := func() error {
		if err := t.InitForDeferredTrx(time.UnixMicro(gto.Published)); err != nil {
			return err
		}
		if err := t.Exec(); err != nil {
			return err
		}
		if t.nestedTrx != nil {
			return ErrDeferredNested
		}
		if err := t.Finalize(); err != nil {
			return err
		}
		header := t.receiptHeader(StatusExecuted)
		trace.Receipt = &header
		c.pending.pushReceiptID(gto.TrxID, header)
		if err := c.pending.addActions(t.executedActions); err != nil {
			return err
		}
		return t.Squash()
	}()
	if err == nil {
		deactivate()
		c.metrics.transactionsApplied.Inc()
		c.emitTransaction(meta, trace)
		return trace, session.Squash()
	}

	cpu := t.UpdateBilledCPUTime(c.clock.Now())
	ram := t.ramBytes()
	undoErr := t.Undo()
	restore()
	deactivate()
	if KindOf(err) == Guard {
		return nil, err
	}
	if undoErr != nil {
		return nil, undoErr
	}
	trace.Except = err
	trace.Receipt = nil

	if !gto.Sender.IsEmpty() && (c.config.EnableOnError || c.history.SoftFail(blockNum, gto.TrxID)) {
		errTrace, err := c.applyOnError(gto, t, deadline, billed)
		if err != nil {
			return nil, err
		}
		errTrace.FailedDeferredTrace = trace
		if errTrace.Except == nil {
			c.metrics.transactionsApplied.Inc()
			c.emitTransaction(meta, errTrace)
			return errTrace, session.Squash()
		}
		trace = errTrace
	}

	if IsSubjective(trace.Except) {
		c.metrics.transactionsFailed.Inc()
		c.emitTransaction(meta, trace)
		return trace, nil
	}

	if billed != nil {
		cpu = time.Duration(billed.CPUUsageUS) * time.Microsecond
		ram = billed.RAMKBytes << 10
	} else {
		if cpu > t.cpuLimit {
			cpu = t.cpuLimit
		}
		if ram > c.config.MaxTransactionRAM {
			ram = c.config.MaxTransactionRAM
		}
	}
	cpuUS := uint64(cpu / time.Microsecond)
	if err := c.resources.AddTransactionUsage(t.billTo, cpuUS, 0, nil, nil); err != nil {
		return nil, err
	}
	c.pending.blockCPU += cpuUS
	header := TransactionReceiptHeader{
		Status:     StatusHardFail,
		CPUUsageUS: uint32(cpuUS),
		RAMKBytes:  ram >> 10,
	}
	trace.Receipt = &header
	c.pending.pushReceiptID(gto.TrxID, header)
	c.metrics.transactionsHardFailed.Inc()
	c.emitTransaction(meta, trace)
	return trace, session.Squash()
}

// applyOnError delivers the failed deferred transaction [gto] back to its
// sender in an onerror action.
func (c *Controller) applyOnError(
	gto *generatedTransaction,
	src *TransactionContext,
	deadline time.Time,
	billed *TransactionReceiptHeader,
) (*TransactionTrace, error) {
	act, err := c.PackAction(
		SystemAccount,
		OnErrorAction,
		[]PermissionLevel{{Actor: gto.Sender, Permission: ActivePermission}},
		&OnError{SenderID: gto.SenderID, SentTrx: gto.PackedTrx},
	)
	if err != nil {
		return nil, err
	}
	etrx := &Transaction{
		Expiration: uint32(c.PendingTime().Add(time.Second - time.Nanosecond).Unix()),
		Actions:    []Action{act},
	}
	etrx.SetReferenceBlock(c.head.ID)
	id, err := etrx.ID()
	if err != nil {
		return nil, err
	}

	t := c.newTransactionContext(etrx, id, src.start)
	t.deadline = deadline
	if billed != nil {
		t.setExplicitBilling(*billed)
	}
	defer c.activate(t)()
	restore := c.pending.restorePoint()

	err = func() error {
		if err := t.InitForImplicitTrx(0); err != nil {
			return err
		}
		t.published = time.UnixMicro(gto.Published)
		if err := t.dispatch(&etrx.Actions[0], gto.Sender, false); err != nil {
			return err
		}
		if err := t.Finalize(); err != nil {
			return err
		}
		header := t.receiptHeader(StatusSoftFail)
		t.Trace.Receipt = &header
		c.pending.pushReceiptID(gto.TrxID, header)
		if err := c.pending.addActions(t.executedActions); err != nil {
			return err
		}
		return t.Squash()
	}()
	if err == nil {
		return t.Trace, nil
	}
	undoErr := t.Undo()
	restore()
	if KindOf(err) == Guard {
		return nil, err
	}
	if undoErr != nil {
		return nil, undoErr
	}
	t.Trace.Except = err
	t.Trace.Receipt = nil
	return t.Trace, nil
}

// ScheduledTransactions returns the ids of the deferred transactions ready
// at the pending block time, in delay order.
func (c *Controller) ScheduledTransactions() ([]ids.ID, error) {
	gtos, err := c.generatedTransactions()
	if err != nil {
		return nil, err
	}
	byDelay, err := gtos.Index(byDelayIndex)
	if err != nil {
		return nil, err
	}
	it, err := byDelay.Begin()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	now := c.PendingTime().UnixMicro()
	var res []ids.ID
	for {
		end, err := it.IsEnd()
		if err != nil || end {
			return res, err
		}
		gto, err := it.Value()
		if err != nil {
			return nil, err
		}
		if gto.DelayUntil > now {
			return res, nil
		}
		res = append(res, gto.TrxID)
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
}
