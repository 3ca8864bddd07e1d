// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"encoding/binary"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
)

const (
	// minTransactionCPU is the smallest cpu time billed to a transaction
	minTransactionCPU = 100 * time.Microsecond
	// deferredExpirationWindow is how long a deferred transaction can wait
	// after its delay before it expires
	deferredExpirationWindow = 10 * time.Minute
	// nestedNetUsage is the net usage billed for a nested transaction that
	// travels as an id receipt
	nestedNetUsage = 32
)

// TransactionContext executes one transaction inside the pending block. All
// its writes go to its own undo session.
type TransactionContext struct {
	ctl   *Controller
	Trx   *Transaction
	ID    ids.ID
	Trace *TransactionTrace

	session     *chaindb.Session
	start       time.Time
	published   time.Time
	deadline    time.Time
	cpuLimit    time.Duration
	cpuDeadline time.Time
	netLimit    uint64

	explicitBilling bool
	billedCPU       time.Duration
	billedRAM       uint64
	netUsage        uint64
	billTo          []abi.Name
	ram             map[abi.Name]int64
	storage         map[abi.Name]int64

	isInput          bool
	isImplicit       bool
	isScheduled      bool
	isNested         bool
	applyContextFree bool
	delay            time.Duration

	nestedTrx       *Transaction
	executedActions []ActionReceipt
	initialized     bool
}

func (c *Controller) newTransactionContext(trx *Transaction, id ids.ID, start time.Time) *TransactionContext {
	return &TransactionContext{
		ctl:   c,
		Trx:   trx,
		ID:    id,
		Trace: &TransactionTrace{ID: id, BlockNum: c.pending.blockState.BlockNum},

		start:            start,
		published:        c.PendingTime(),
		applyContextFree: true,
		ram:              make(map[abi.Name]int64),
		storage:          make(map[abi.Name]int64),
	}
}

// setExplicitBilling makes the transaction bill [header] instead of measured
// usage, as recorded by the producer of a block.
func (t *TransactionContext) setExplicitBilling(header TransactionReceiptHeader) {
	t.explicitBilling = true
	t.billedCPU = time.Duration(header.CPUUsageUS) * time.Microsecond
	t.billedRAM = header.RAMKBytes << 10
}

// CheckTime fails once the caller deadline passed or the transaction spent
// its cpu.
func (t *TransactionContext) CheckTime() error {
	now := t.ctl.clock.Now()
	if !t.deadline.IsZero() && now.After(t.deadline) {
		return wrap(ErrDeadlineExceeded, "deadline %s passed", t.deadline.Format(time.RFC3339Nano))
	}
	if !t.explicitBilling && t.initialized && now.After(t.cpuDeadline) {
		return wrap(ErrResourceExhausted, "transaction cpu limit of %s exceeded", t.cpuLimit)
	}
	return nil
}

func (t *TransactionContext) init(initialNet uint64) error {
	if t.initialized {
		return wrap(ErrGuard, "transaction context %s is already initialized", t.ID)
	}
	config := t.ctl.config
	t.cpuLimit = config.MaxTransactionCPU
	if limit := time.Duration(t.Trx.MaxCPUUsageMS) * time.Millisecond; limit > 0 && limit < t.cpuLimit {
		t.cpuLimit = limit
	}
	t.cpuDeadline = t.start.Add(t.cpuLimit)
	t.netLimit = config.MaxTransactionNet
	if limit := uint64(t.Trx.MaxNetUsageWords) * 8; limit > 0 && limit < t.netLimit {
		t.netLimit = limit
	}
	t.billTo = t.Trx.Authorizers()

	t.session = t.ctl.db.StartUndoSession(!t.ctl.pendingSkipsSessions())
	t.initialized = true
	if err := t.addNetUsage(initialNet); err != nil {
		return err
	}
	return t.CheckTime()
}

func (t *TransactionContext) addNetUsage(n uint64) error {
	t.netUsage += n
	if t.netUsage > t.netLimit {
		return wrap(ErrResourceExhausted, "net usage %d exceeds %d", t.netUsage, t.netLimit)
	}
	return nil
}

// InitForInputTrx prepares a transaction received from a user or a block.
// The transaction is recorded for dedup unless [skipRecording].
func (t *TransactionContext) InitForInputTrx(packedSize uint64, skipRecording bool) error {
	trx := t.Trx
	config := t.ctl.config
	t.isInput = true
	t.delay = trx.Delay()
	if t.delay > config.MaxTransactionDelay {
		return wrap(ErrInvalidDelay, "delay %s exceeds %s", t.delay, config.MaxTransactionDelay)
	}
	if !t.ctl.skipTrxChecks() {
		now := t.ctl.PendingTime()
		expiration := trx.ExpirationTime()
		if !expiration.After(now) {
			return wrap(ErrExpiredTx, "expired at %s, pending block time is %s", expiration, now)
		}
		if expiration.After(now.Add(config.MaxTransactionLifetime)) {
			return wrap(ErrTxExpTooFar, "expiration %s is more than %s after %s", expiration, config.MaxTransactionLifetime, now)
		}
		if err := t.ctl.validateTaPoS(trx); err != nil {
			return err
		}
	}
	if err := t.init(roundUp8(packedSize)); err != nil {
		return err
	}
	if skipRecording {
		return nil
	}
	return t.recordTransaction(t.ID, trx.ExpirationTime())
}

// InitForImplicitTrx prepares a transaction generated by the controller.
func (t *TransactionContext) InitForImplicitTrx(initialNet uint64) error {
	t.isImplicit = true
	return t.init(initialNet)
}

// InitForDeferredTrx prepares a scheduled transaction published at
// [published]. Context free actions of deferred transactions don't run.
func (t *TransactionContext) InitForDeferredTrx(published time.Time) error {
	t.isScheduled = true
	t.published = published
	t.applyContextFree = false
	t.Trace.Scheduled = true
	return t.init(0)
}

// InitForNestedTrx prepares the nested transaction sent by another one.
func (t *TransactionContext) InitForNestedTrx() error {
	t.isNested = true
	t.Trace.Nested = true
	if err := t.init(nestedNetUsage); err != nil {
		return err
	}
	return t.recordTransaction(t.ID, t.Trx.ExpirationTime())
}

// recordTransaction stores the dedup record of [id] until [expiration].
func (t *TransactionContext) recordTransaction(id ids.ID, expiration time.Time) error {
	dedup, err := t.ctl.dedupTransactions()
	if err != nil {
		return err
	}
	byTrxID, err := dedup.Index(byTrxIDIndex)
	if err != nil {
		return err
	}
	it, err := byTrxID.Find(multiindex.Key{id})
	if err != nil {
		return err
	}
	end, err := it.IsEnd()
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if !end {
		return wrap(ErrTxDuplicate, "%s", id)
	}
	_, err = dedup.Emplace(SystemAccount, func(pk uint64, trx *transactionObject) {
		trx.ID = pk
		trx.TrxID = id
		trx.Expiration = expiration.UnixMicro()
	})
	return err
}

// Exec runs the context free actions and then the actions, or schedules the
// transaction when it is delayed.
func (t *TransactionContext) Exec() error {
	if t.applyContextFree {
		for i := range t.Trx.ContextFreeActions {
			act := &t.Trx.ContextFreeActions[i]
			if err := t.dispatch(act, act.Account, true); err != nil {
				return err
			}
		}
	}
	if t.delay != 0 {
		return t.scheduleTransaction()
	}
	for i := range t.Trx.Actions {
		act := &t.Trx.Actions[i]
		if err := t.dispatch(act, act.Account, false); err != nil {
			return err
		}
	}
	return nil
}

// dispatch delivers [act] to [receiver] and records its trace.
func (t *TransactionContext) dispatch(act *Action, receiver abi.Name, contextFree bool) error {
	trace := &ActionTrace{Act: *act, ContextFree: contextFree}
	t.Trace.ActionTraces = append(t.Trace.ActionTraces, trace)
	a := newApplyContext(t, act, receiver, contextFree, 0)
	return a.exec(trace)
}

// scheduleTransaction stores the delayed input transaction as a generated
// transaction without a sender.
func (t *TransactionContext) scheduleTransaction() error {
	packed, err := t.Trx.Bytes()
	if err != nil {
		return err
	}
	gtos, err := t.ctl.generatedTransactions()
	if err != nil {
		return err
	}
	payer := SystemAccount
	if len(t.billTo) > 0 {
		payer = t.billTo[0]
	}
	now := t.ctl.PendingTime()
	delayUntil := now.Add(t.delay)
	_, err = gtos.Emplace(payer, func(pk uint64, gto *generatedTransaction) {
		gto.ID = pk
		gto.TrxID = t.ID
		gto.SenderID = binary.LittleEndian.Uint64(t.ID[:8])
		gto.Payer = payer
		gto.Published = now.UnixMicro()
		gto.DelayUntil = delayUntil.UnixMicro()
		gto.Expiration = delayUntil.Add(deferredExpirationWindow).UnixMicro()
		gto.PackedTrx = packed
	})
	return err
}

// UpdateBilledCPUTime measures the cpu spent until [now] unless the billing
// is explicit.
func (t *TransactionContext) UpdateBilledCPUTime(now time.Time) time.Duration {
	if t.explicitBilling {
		return t.billedCPU
	}
	elapsed := now.Sub(t.start).Truncate(time.Microsecond)
	if elapsed < minTransactionCPU {
		elapsed = minTransactionCPU
	}
	t.billedCPU = elapsed
	return t.billedCPU
}

// ramBytes is the ram billed to the transaction.
func (t *TransactionContext) ramBytes() uint64 {
	if t.explicitBilling {
		return t.billedRAM
	}
	return positiveTotal(t.ram)
}

func (t *TransactionContext) storageBytes() uint64 { return positiveTotal(t.storage) }

// Finalize enforces the transaction limits and bills its usage.
func (t *TransactionContext) Finalize() error {
	now := t.ctl.clock.Now()
	t.netUsage = roundUp8(t.netUsage)
	if t.netUsage > t.netLimit {
		return wrap(ErrResourceExhausted, "net usage %d exceeds %d", t.netUsage, t.netLimit)
	}
	cpu := t.UpdateBilledCPUTime(now)
	if !t.explicitBilling && cpu > t.cpuLimit {
		return wrap(ErrResourceExhausted, "billed cpu %s exceeds %s", cpu, t.cpuLimit)
	}
	if ram := t.ramBytes(); ram > t.ctl.config.MaxTransactionRAM {
		return wrap(ErrResourceExhausted, "ram usage %d exceeds %d", ram, t.ctl.config.MaxTransactionRAM)
	}
	if err := t.CheckTime(); err != nil && !t.explicitBilling {
		return err
	}
	cpuUS := uint64(cpu / time.Microsecond)
	if err := t.ctl.resources.AddTransactionUsage(t.billTo, cpuUS, t.netUsage, t.ram, t.storage); err != nil {
		return err
	}
	t.Trace.NetUsage = t.netUsage
	t.Trace.Elapsed = now.Sub(t.start)
	t.ctl.pending.blockCPU += cpuUS
	t.ctl.pending.blockNet += t.netUsage
	return nil
}

// receiptHeader summarizes the billed usage as [status].
func (t *TransactionContext) receiptHeader(status TransactionStatus) TransactionReceiptHeader {
	return TransactionReceiptHeader{
		Status:        status,
		CPUUsageUS:    uint32(t.billedCPU / time.Microsecond),
		NetUsageWords: uint32(t.netUsage / 8),
		RAMKBytes:     t.ramBytes() >> 10,
		StorageKBytes: t.storageBytes() >> 10,
	}
}

func (t *TransactionContext) Squash() error { return t.session.Squash() }

func (t *TransactionContext) Undo() error {
	if t.session == nil {
		return nil
	}
	return t.session.Undo()
}

func (t *TransactionContext) addRAMUsage(payer abi.Name, delta int64) {
	t.ram[payer] += delta
}

func (t *TransactionContext) addStorageUsage(payer abi.Name, delta int64) {
	t.storage[payer] += delta
}

func roundUp8(n uint64) uint64 { return (n + 7) &^ 7 }

// validateTaPoS checks that [trx] references a block of this chain.
func (c *Controller) validateTaPoS(trx *Transaction) error {
	summaries, err := c.blockSummaries()
	if err != nil {
		return err
	}
	summary, err := summaries.Get(uint64(trx.RefBlockNum))
	if err != nil {
		return wrap(ErrTaPoS, "no block summary at %d", trx.RefBlockNum)
	}
	if !trx.VerifyReferenceBlock(summary.BlockID) {
		return wrap(ErrTaPoS, "reference block %d doesn't match %s", trx.RefBlockNum, summary.BlockID)
	}
	return nil
}

// writeBlockSummary stores the id of [bs] in its TaPoS slot.
func (c *Controller) writeBlockSummary(bs *BlockState) error {
	summaries, err := c.blockSummaries()
	if err != nil {
		return err
	}
	slot := uint64(bs.BlockNum % blockSummarySlots)
	it, err := summaries.Find(slot)
	if err != nil {
		return err
	}
	defer it.Close()
	end, err := it.IsEnd()
	if err != nil {
		return err
	}
	if end {
		_, err := summaries.EmplaceWithPK(SystemAccount, slot, func(s *blockSummaryObject) {
			s.ID = slot
			s.BlockID = bs.ID
		})
		return err
	}
	return summaries.Modify(it, abi.Name(0), func(s *blockSummaryObject) { s.BlockID = bs.ID })
}

// clearExpiredInputTransactions drops the dedup records that expired before
// the pending block.
func (c *Controller) clearExpiredInputTransactions() error {
	dedup, err := c.dedupTransactions()
	if err != nil {
		return err
	}
	byExpiry, err := dedup.Index(byExpiryIndex)
	if err != nil {
		return err
	}
	now := c.PendingTime().UnixMicro()
	for {
		it, err := byExpiry.Begin()
		if err != nil {
			return err
		}
		end, err := it.IsEnd()
		if err != nil || end {
			_ = it.Close()
			return err
		}
		trx, err := it.Value()
		if err != nil {
			_ = it.Close()
			return err
		}
		if trx.Expiration >= now {
			return it.Close()
		}
		if err := it.Close(); err != nil {
			return err
		}
		if err := dedup.EraseObject(trx); err != nil {
			return err
		}
	}
}
