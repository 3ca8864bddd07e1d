// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

// ApplyContext is handed to the handler of an action. It is valid only while
// the handler runs.
type ApplyContext struct {
	ctl *Controller
	trx *TransactionContext

	Act         *Action
	Receiver    abi.Name
	ContextFree bool

	depth         int
	privileged    bool
	notified      []abi.Name
	inlineActions []Action
}

func newApplyContext(trx *TransactionContext, act *Action, receiver abi.Name, contextFree bool, depth int) *ApplyContext {
	return &ApplyContext{
		ctl:         trx.ctl,
		trx:         trx,
		Act:         act,
		Receiver:    receiver,
		ContextFree: contextFree,
		depth:       depth,
		notified:    []abi.Name{receiver},
	}
}

// exec delivers the action to its receiver and to every notified account,
// then runs the inline actions they sent.
func (a *ApplyContext) exec(trace *ActionTrace) error {
	if err := a.execOne(trace); err != nil {
		return err
	}
	for i := 1; i < len(a.notified); i++ {
		a.Receiver = a.notified[i]
		notifyTrace := &ActionTrace{Act: *a.Act, ContextFree: a.ContextFree}
		trace.Inline = append(trace.Inline, notifyTrace)
		if err := a.execOne(notifyTrace); err != nil {
			return err
		}
	}
	if len(a.inlineActions) > 0 && a.depth >= a.ctl.config.MaxInlineDepth {
		return wrap(ErrActionValidate, "inline action depth %d reached", a.ctl.config.MaxInlineDepth)
	}
	for i := range a.inlineActions {
		act := &a.inlineActions[i]
		inlineTrace := &ActionTrace{Act: *act}
		trace.Inline = append(trace.Inline, inlineTrace)
		inline := newApplyContext(a.trx, act, act.Account, false, a.depth+1)
		if err := inline.exec(inlineTrace); err != nil {
			return err
		}
	}
	return nil
}

// execOne runs the handler of the current receiver and records the action
// receipt.
func (a *ApplyContext) execOne(trace *ActionTrace) error {
	start := a.ctl.clock.Now()
	acc, err := a.ctl.getAccount(a.Receiver)
	if err != nil {
		return err
	}
	a.privileged = acc.Privileged

	if h, ok := a.ctl.registry.Find(a.Receiver, a.Act.Account, a.Act.Name); ok {
		err = h(a)
	} else if acc.CodeHash != ids.Empty {
		if a.ctl.wasm == nil {
			err = wrap(ErrWasm, "no engine to run the code of %s", a.Receiver)
		} else {
			err = a.ctl.wasm.Apply(acc.CodeHash, a)
			var classified *Error
			if err != nil && !errors.As(err, &classified) && !abi.IsSchemaError(err) {
				err = withKind(ErrWasm, err)
			}
		}
	}
	if err != nil {
		return err
	}

	receipt, err := a.recordReceipt()
	if err != nil {
		return err
	}
	trace.Receipt = receipt
	trace.Elapsed = a.ctl.clock.Now().Sub(start)
	a.trx.executedActions = append(a.trx.executedActions, receipt)
	return a.trx.CheckTime()
}

// recordReceipt bumps the global and receiver sequences of the action.
func (a *ApplyContext) recordReceipt() (ActionReceipt, error) {
	digest, err := a.Act.Digest()
	if err != nil {
		return ActionReceipt{}, err
	}
	receipt := ActionReceipt{Receiver: a.Receiver, ActDigest: digest}
	if err := a.ctl.modifyGlobalProperty(func(gp *globalProperty) {
		gp.GlobalActionSeq++
		receipt.GlobalSequence = gp.GlobalActionSeq
	}); err != nil {
		return ActionReceipt{}, err
	}
	accounts, err := a.ctl.accounts()
	if err != nil {
		return ActionReceipt{}, err
	}
	acc, err := accounts.Get(uint64(a.Receiver))
	if err != nil {
		return ActionReceipt{}, withKind(ErrUnknownAccount, err)
	}
	err = accounts.ModifyObject(acc, abi.Name(0), func(acc *accountObject) {
		acc.RecvSequence++
		receipt.RecvSequence = acc.RecvSequence
	})
	return receipt, err
}

func (a *ApplyContext) Controller() *Controller { return a.ctl }

// TrxID is the id of the running transaction.
func (a *ApplyContext) TrxID() ids.ID { return a.trx.ID }

func (a *ApplyContext) PendingTime() time.Time { return a.ctl.PendingTime() }

func (a *ApplyContext) IsPrivileged() bool { return a.privileged }

func (a *ApplyContext) CheckTime() error { return a.trx.CheckTime() }

// Assert fails the action with [msg] unless [cond].
func (a *ApplyContext) Assert(cond bool, msg string, args ...interface{}) error {
	if cond {
		return nil
	}
	return wrap(ErrAssertion, msg, args...)
}

// HasAuth reports whether [account] authorized the action.
func (a *ApplyContext) HasAuth(account abi.Name) bool {
	for _, level := range a.Act.Authorization {
		if level.Actor == account {
			return true
		}
	}
	return false
}

func (a *ApplyContext) hasLevel(level PermissionLevel) bool {
	for _, l := range a.Act.Authorization {
		if l == level {
			return true
		}
	}
	return false
}

// RequireAuth fails unless [account] authorized the action.
func (a *ApplyContext) RequireAuth(account abi.Name) error {
	if !a.HasAuth(account) {
		return wrap(ErrMissingAuth, "%s for %s::%s", account, a.Act.Account, a.Act.Name)
	}
	return nil
}

// RequireAuthorization fails unless [level] authorized the action.
func (a *ApplyContext) RequireAuthorization(level PermissionLevel) error {
	if !a.hasLevel(level) {
		return wrap(ErrMissingAuth, "%s for %s::%s", level, a.Act.Account, a.Act.Name)
	}
	return nil
}

// RequireRecipient notifies [account] of the action after the current
// receiver.
func (a *ApplyContext) RequireRecipient(account abi.Name) error {
	for _, n := range a.notified {
		if n == account {
			return nil
		}
	}
	ok, err := a.ctl.IsAccount(account)
	if err != nil {
		return err
	}
	if !ok {
		return wrap(ErrUnknownAccount, "recipient %s", account)
	}
	a.notified = append(a.notified, account)
	return nil
}

// DecodeAction unpacks the action data into [v] with the schema of the
// action contract.
func (a *ApplyContext) DecodeAction(v interface{}) error {
	return a.ctl.decodeAction(a.Act, v)
}

func (c *Controller) decodeAction(act *Action, v interface{}) error {
	info, err := c.db.ABI(act.Account)
	if err != nil {
		return withKind(ErrActionValidate, err)
	}
	typ, ok := info.ActionType(act.Name)
	if !ok {
		return wrap(ErrActionValidate, "%s has no action %s", act.Account, act.Name)
	}
	decoded, err := info.Serializer().Unpack(typ, act.Data)
	if err != nil {
		return withKind(ErrActionValidate, err)
	}
	obj, ok := decoded.(abi.Object)
	if !ok {
		return wrap(ErrActionValidate, "action %s is not a struct", act.Name)
	}
	if err := abi.FromObject(obj, v); err != nil {
		return withKind(ErrActionValidate, err)
	}
	return nil
}

// PackAction builds the action [name] of [account] with the arguments [v]
// packed by the account schema.
func (c *Controller) PackAction(account, name abi.Name, auth []PermissionLevel, v interface{}) (Action, error) {
	info, err := c.db.ABI(account)
	if err != nil {
		return Action{}, err
	}
	typ, ok := info.ActionType(name)
	if !ok {
		return Action{}, fmt.Errorf("%s has no action %s", account, name)
	}
	obj, err := abi.ToObject(v)
	if err != nil {
		return Action{}, err
	}
	data, err := info.Serializer().Pack(typ, obj)
	if err != nil {
		return Action{}, err
	}
	return Action{Account: account, Name: name, Authorization: auth, Data: data}, nil
}

// ExecuteInline queues [act] to run after the current action. Unprivileged
// receivers can only use their own authority or one they were given.
func (a *ApplyContext) ExecuteInline(act Action) error {
	if a.ContextFree {
		return wrap(ErrActionValidate, "context free actions can't send inline actions")
	}
	ok, err := a.ctl.IsAccount(act.Account)
	if err != nil {
		return err
	}
	if !ok {
		return wrap(ErrActionValidate, "inline action to unknown account %s", act.Account)
	}
	for _, level := range act.Authorization {
		if ok, err := a.ctl.IsAccount(level.Actor); err != nil {
			return err
		} else if !ok {
			return wrap(ErrActionValidate, "inline action authorized by unknown account %s", level.Actor)
		}
		if !a.privileged && level.Actor != a.Receiver && !a.hasLevel(level) {
			return wrap(ErrMissingAuth, "%s can't authorize an inline action of %s", level, a.Receiver)
		}
	}
	a.inlineActions = append(a.inlineActions, act)
	return nil
}

func (a *ApplyContext) findDeferred(sender abi.Name, senderID uint64) (*multiindex.Table[generatedTransaction], *generatedTransaction, error) {
	gtos, err := a.ctl.generatedTransactions()
	if err != nil {
		return nil, nil, err
	}
	bySender, err := gtos.Index(bySenderIndex)
	if err != nil {
		return nil, nil, err
	}
	it, err := bySender.Find(multiindex.Key{sender, senderID})
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	if end, err := it.IsEnd(); err != nil || end {
		return gtos, nil, err
	}
	gto, err := it.Value()
	return gtos, gto, err
}

// ScheduleDeferred stores [trx] to run after its delay. [senderID] names the
// transaction among those sent by the receiver; an existing one is replaced
// when [replace] is set.
func (a *ApplyContext) ScheduleDeferred(senderID uint64, payer abi.Name, trx Transaction, replace bool) error {
	if a.ContextFree {
		return wrap(ErrActionValidate, "context free actions can't schedule transactions")
	}
	if len(trx.Actions) == 0 {
		return wrap(ErrActionValidate, "deferred transaction has no actions")
	}
	config := a.ctl.config
	if trx.Delay() > config.MaxTransactionDelay {
		return wrap(ErrInvalidDelay, "delay %s exceeds %s", trx.Delay(), config.MaxTransactionDelay)
	}
	if payer != a.Receiver && !a.privileged && !a.HasAuth(payer) {
		return wrap(ErrMissingAuth, "%s must authorize paying for a deferred transaction of %s", payer, a.Receiver)
	}

	now := a.ctl.PendingTime()
	trx.Expiration = uint32(now.Add(time.Second - time.Nanosecond).Unix())
	trx.SetReferenceBlock(a.ctl.head.ID)
	packed, err := trx.Bytes()
	if err != nil {
		return err
	}
	id, err := trx.ID()
	if err != nil {
		return err
	}

	gtos, existing, err := a.findDeferred(a.Receiver, senderID)
	if err != nil {
		return err
	}
	if existing != nil {
		if !replace {
			return wrap(ErrDeferredDuplicate, "%s already sent %d", a.Receiver, senderID)
		}
		if err := gtos.EraseObject(existing); err != nil {
			return err
		}
	}
	delayUntil := now.Add(trx.Delay())
	_, err = gtos.Emplace(payer, func(pk uint64, gto *generatedTransaction) {
		gto.ID = pk
		gto.TrxID = id
		gto.Sender = a.Receiver
		gto.SenderID = senderID
		gto.Payer = payer
		gto.Published = now.UnixMicro()
		gto.DelayUntil = delayUntil.UnixMicro()
		gto.Expiration = delayUntil.Add(deferredExpirationWindow).UnixMicro()
		gto.PackedTrx = packed
	})
	return err
}

// CancelDeferred drops the deferred transaction [senderID] of the receiver.
// It reports whether one existed.
func (a *ApplyContext) CancelDeferred(senderID uint64) (bool, error) {
	gtos, existing, err := a.findDeferred(a.Receiver, senderID)
	if err != nil || existing == nil {
		return false, err
	}
	return true, gtos.EraseObject(existing)
}

// SendNested asks the controller to run [trx] right after the current
// transaction, in the same block.
func (a *ApplyContext) SendNested(trx Transaction) error {
	switch {
	case a.trx.isScheduled:
		return ErrDeferredNested
	case a.trx.isNested || a.trx.nestedTrx != nil || a.ctl.config.MaxNestedDepth < 1:
		return ErrSecondNestedTx
	case !a.privileged:
		return wrap(ErrNotPrivilegedNestedTx, "%s", a.Receiver)
	case len(trx.ContextFreeActions) != 0:
		return ErrNestedContextFree
	case trx.DelaySec != 0:
		return ErrNestedDelay
	}
	a.trx.nestedTrx = &trx
	return nil
}

// ContractTable is a schema level view of a table of the receiver.
type ContractTable struct {
	a    *ApplyContext
	req  storage.TableRequest
	info *abi.TableInfo
}

// Table opens [table] of the receiver in [scope].
func (a *ApplyContext) Table(scope, table abi.Name) (*ContractTable, error) {
	info, err := a.ctl.db.TableInfo(a.Receiver, table)
	if err != nil {
		return nil, err
	}
	return &ContractTable{
		a:    a,
		req:  storage.TableRequest{Code: a.Receiver, Scope: scope, Table: table},
		info: info,
	}, nil
}

// Get returns the row [pk] or nil.
func (t *ContractTable) Get(pk uint64) (abi.Object, error) {
	row, err := t.a.ctl.db.FindByPK(t.req, pk)
	if err != nil || row == nil {
		return nil, err
	}
	return row.Object, nil
}

func (t *ContractTable) AvailablePK() (uint64, error) {
	return t.a.ctl.db.AvailablePK(t.req)
}

func (t *ContractTable) checkWrite(payer abi.Name) error {
	if t.a.ContextFree {
		return wrap(ErrActionValidate, "context free actions can't write to %s", t.req)
	}
	if payer != t.a.Receiver && !t.a.privileged && !t.a.HasAuth(payer) {
		return wrap(ErrMissingAuth, "%s must authorize paying for %s", payer, t.req)
	}
	return nil
}

// Insert adds [obj] billed to [payer] and returns its primary key.
func (t *ContractTable) Insert(payer abi.Name, obj abi.Object) (uint64, error) {
	if err := t.checkWrite(payer); err != nil {
		return 0, err
	}
	pk, err := t.info.PrimaryKey(obj)
	if err != nil {
		return 0, err
	}
	delta, err := t.a.ctl.db.Insert(t.req, payer, pk, obj)
	if err != nil {
		return 0, err
	}
	t.a.trx.addStorageUsage(payer, delta)
	return pk, nil
}

// Update replaces the row with the primary key of [obj]. An empty [payer]
// keeps the current payer.
func (t *ContractTable) Update(payer abi.Name, obj abi.Object) error {
	pk, err := t.info.PrimaryKey(obj)
	if err != nil {
		return err
	}
	row, err := t.a.ctl.db.ObjectByPK(t.req, pk)
	if err != nil {
		return err
	}
	oldPayer := row.Service.Payer
	oldValue := row.Value()
	if payer.IsEmpty() {
		payer = oldPayer
	}
	if err := t.checkWrite(payer); err != nil {
		return err
	}
	delta, err := t.a.ctl.db.Update(t.req, payer, pk, obj)
	if err != nil {
		return err
	}
	if oldPayer == payer {
		t.a.trx.addStorageUsage(payer, delta)
		return nil
	}
	oldSize := int64(oldValue.BillableSize())
	t.a.trx.addStorageUsage(oldPayer, -oldSize)
	t.a.trx.addStorageUsage(payer, delta+oldSize)
	return nil
}

// Remove deletes the row [pk] and refunds its payer.
func (t *ContractTable) Remove(pk uint64) error {
	if t.a.ContextFree {
		return wrap(ErrActionValidate, "context free actions can't write to %s", t.req)
	}
	row, err := t.a.ctl.db.ObjectByPK(t.req, pk)
	if err != nil {
		return err
	}
	payer := row.Service.Payer
	delta, err := t.a.ctl.db.Remove(t.req, pk)
	if err != nil {
		return err
	}
	t.a.trx.addStorageUsage(payer, delta)
	return nil
}

// Scan walks [index] from the first row not less than [from] and calls [f]
// until it returns false.
func (t *ContractTable) Scan(index abi.Name, from abi.Tuple, f func(pk uint64, obj abi.Object) (bool, error)) error {
	return scanIndex(t.a.ctl, storage.IndexRequest{
		Code:  t.req.Code,
		Scope: t.req.Scope,
		Table: t.req.Table,
		Index: index,
	}, from, f)
}
