// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"strings"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
)

// reservedPrefix marks the names only privileged accounts can create.
const reservedPrefix = "cyber."

var errStopScan = errors.New("stop scan")

// registerSystemHandlers installs the actions of the system contract.
func registerSystemHandlers(r *Registry) {
	for action, h := range map[abi.Name]NativeHandler{
		NewAccountAction:  applyNewAccount,
		SetABIAction:      applySetABI,
		SetCodeAction:     applySetCode,
		UpdateAuthAction:  applyUpdateAuth,
		DeleteAuthAction:  applyDeleteAuth,
		SetProdsAction:    applySetProds,
		SetPrivAction:     applySetPriv,
		CancelDelayAction: applyCancelDelay,
		OnBlockAction:     applyOnBlock,
	} {
		r.Register(SystemAccount, SystemAccount, action, h)
	}
}

func applyNewAccount(ctx *ApplyContext) error {
	var args NewAccount
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuth(args.Creator); err != nil {
		return err
	}
	if err := ctx.Assert(!args.Name.IsEmpty(), "account name can't be empty"); err != nil {
		return err
	}
	c := ctx.Controller()
	if strings.HasPrefix(args.Name.String(), reservedPrefix) {
		creator, err := c.getAccount(args.Creator)
		if err != nil {
			return err
		}
		if !creator.Privileged {
			return wrap(ErrActionValidate, "only privileged accounts can create %s", args.Name)
		}
	}
	exists, err := c.IsAccount(args.Name)
	if err != nil {
		return err
	}
	if exists {
		return wrap(ErrActionValidate, "account %s already exists", args.Name)
	}
	if err := c.validateAuthority(&args.Owner); err != nil {
		return err
	}
	if err := c.validateAuthority(&args.Active); err != nil {
		return err
	}

	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	now := ctx.PendingTime().UnixMicro()
	if _, err := accounts.EmplaceWithPK(args.Creator, uint64(args.Name), func(acc *accountObject) {
		acc.Name = args.Name
		acc.CreationDate = now
	}); err != nil {
		return err
	}
	owner, err := c.createPermission(args.Name, OwnerPermission, 0, args.Owner, now)
	if err != nil {
		return err
	}
	_, err = c.createPermission(args.Name, ActivePermission, owner.ID, args.Active, now)
	return err
}

func applySetABI(ctx *ApplyContext) error {
	var args SetABI
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuth(args.Account); err != nil {
		return err
	}
	c := ctx.Controller()
	acc, err := c.getAccount(args.Account)
	if err != nil {
		return err
	}
	if err := c.installABI(args.Account, args.ABI); err != nil {
		return err
	}
	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	return accounts.ModifyObject(acc, args.Account, func(acc *accountObject) {
		acc.ABI = args.ABI
	})
}

func applySetCode(ctx *ApplyContext) error {
	var args SetCode
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuth(args.Account); err != nil {
		return err
	}
	if err := ctx.Assert(args.VMType == 0 && args.VMVersion == 0, "unsupported vm %d.%d", args.VMType, args.VMVersion); err != nil {
		return err
	}
	c := ctx.Controller()
	hash := ids.Empty
	if len(args.Code) > 0 {
		if c.wasm == nil {
			return wrap(ErrWasm, "no engine to install the code of %s", args.Account)
		}
		hash = hashing.ComputeHash256Array(args.Code)
	}
	acc, err := c.getAccount(args.Account)
	if err != nil {
		return err
	}
	if err := ctx.Assert(acc.CodeHash != hash, "%s already runs code %s", args.Account, hash); err != nil {
		return err
	}
	if c.wasm != nil {
		if err := c.wasm.SetCode(args.Account, hash, args.Code); err != nil {
			return withKind(ErrWasm, err)
		}
	}
	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	now := ctx.PendingTime().UnixMicro()
	return accounts.ModifyObject(acc, args.Account, func(acc *accountObject) {
		acc.CodeHash = hash
		acc.LastCodeUpdate = now
	})
}

func applyUpdateAuth(ctx *ApplyContext) error {
	var args UpdateAuth
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuth(args.Account); err != nil {
		return err
	}
	if err := ctx.Assert(!args.Permission.IsEmpty(), "permission name can't be empty"); err != nil {
		return err
	}
	if err := ctx.Assert(args.Permission != args.Parent, "permission %s can't be its own parent", args.Permission); err != nil {
		return err
	}
	isOwner := args.Permission == OwnerPermission
	if err := ctx.Assert(isOwner == args.Parent.IsEmpty(), "only the owner permission has no parent"); err != nil {
		return err
	}
	c := ctx.Controller()
	if err := c.validateAuthority(&args.Auth); err != nil {
		return err
	}

	var parentID uint64
	if !isOwner {
		parent, err := c.findPermission(PermissionLevel{Actor: args.Account, Permission: args.Parent})
		if err != nil {
			return err
		}
		if parent == nil {
			return wrap(ErrActionValidate, "parent permission %s@%s doesn't exist", args.Account, args.Parent)
		}
		parentID = parent.ID
	}
	perm, err := c.findPermission(PermissionLevel{Actor: args.Account, Permission: args.Permission})
	if err != nil {
		return err
	}
	now := ctx.PendingTime().UnixMicro()
	if perm == nil {
		_, err := c.createPermission(args.Account, args.Permission, parentID, args.Auth, now)
		return err
	}
	if err := ctx.Assert(perm.Parent == parentID, "changing the parent of %s is not supported", args.Permission); err != nil {
		return err
	}
	perms, err := c.permissions()
	if err != nil {
		return err
	}
	return perms.ModifyObject(perm, args.Account, func(p *permissionObject) {
		p.Auth = args.Auth
		p.LastUpdated = now
	})
}

func applyDeleteAuth(ctx *ApplyContext) error {
	var args DeleteAuth
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuth(args.Account); err != nil {
		return err
	}
	if err := ctx.Assert(
		args.Permission != OwnerPermission && args.Permission != ActivePermission,
		"can't delete the %s permission", args.Permission,
	); err != nil {
		return err
	}
	c := ctx.Controller()
	perm, err := c.findPermission(PermissionLevel{Actor: args.Account, Permission: args.Permission})
	if err != nil {
		return err
	}
	if perm == nil {
		return wrap(ErrActionValidate, "permission %s@%s doesn't exist", args.Account, args.Permission)
	}
	perms, err := c.permissions()
	if err != nil {
		return err
	}
	hasChildren, err := hasChildPermission(perms, perm.ID)
	if err != nil {
		return err
	}
	if err := ctx.Assert(!hasChildren, "permission %s has children", args.Permission); err != nil {
		return err
	}
	return perms.EraseObject(perm)
}

func hasChildPermission(perms *multiindex.Table[permissionObject], id uint64) (bool, error) {
	it, err := perms.Begin()
	if err != nil {
		return false, err
	}
	defer it.Close()
	found := false
	err = perms.Primary().Each(it, perms.End(), func(p *permissionObject) error {
		if p.Parent == id {
			found = true
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return false, err
	}
	return found, nil
}

func applySetProds(ctx *ApplyContext) error {
	if err := ctx.RequireAuth(SystemAccount); err != nil {
		return err
	}
	var args SetProds
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.Assert(len(args.Schedule) > 0, "producer schedule can't be empty"); err != nil {
		return err
	}
	if _, err := producerSchedule(args.Schedule); err != nil {
		return withKind(ErrActionValidate, err)
	}
	c := ctx.Controller()
	seen := make(map[abi.Name]struct{}, len(args.Schedule))
	for _, p := range args.Schedule {
		if _, ok := seen[p.ProducerName]; ok {
			return wrap(ErrActionValidate, "producer %s is scheduled twice", p.ProducerName)
		}
		seen[p.ProducerName] = struct{}{}
		ok, err := c.IsAccount(p.ProducerName)
		if err != nil {
			return err
		}
		if !ok {
			return wrap(ErrActionValidate, "producer %s is not an account", p.ProducerName)
		}
	}
	return c.modifyGlobalProperty(func(gp *globalProperty) {
		gp.Producers = args.Schedule
		gp.ScheduleVersion++
	})
}

func applySetPriv(ctx *ApplyContext) error {
	if err := ctx.RequireAuth(SystemAccount); err != nil {
		return err
	}
	var args SetPriv
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	c := ctx.Controller()
	acc, err := c.getAccount(args.Account)
	if err != nil {
		return err
	}
	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	return accounts.ModifyObject(acc, abi.Name(0), func(acc *accountObject) {
		acc.Privileged = args.IsPriv != 0
	})
}

func applyCancelDelay(ctx *ApplyContext) error {
	var args CancelDelay
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	if err := ctx.RequireAuthorization(args.CancelingAuth); err != nil {
		return err
	}
	c := ctx.Controller()
	gtos, err := c.generatedTransactions()
	if err != nil {
		return err
	}
	byTrxID, err := gtos.Index(byTrxIDIndex)
	if err != nil {
		return err
	}
	gto, err := byTrxID.Get(multiindex.Key{args.TrxID})
	if err != nil {
		return wrap(ErrActionValidate, "no deferred transaction %s", args.TrxID)
	}
	trx := &Transaction{}
	if err := unmarshal(gto.PackedTrx, trx); err != nil {
		return err
	}
	authorized := false
	for _, act := range trx.Actions {
		for _, level := range act.Authorization {
			if level == args.CancelingAuth {
				authorized = true
			}
		}
	}
	if err := ctx.Assert(authorized, "%s didn't authorize deferred transaction %s", args.CancelingAuth, args.TrxID); err != nil {
		return err
	}
	return gtos.EraseObject(gto)
}

func applyOnBlock(ctx *ApplyContext) error {
	if err := ctx.RequireAuth(SystemAccount); err != nil {
		return err
	}
	var args OnBlock
	if err := ctx.DecodeAction(&args); err != nil {
		return err
	}
	head := ctx.Controller().Head()
	return ctx.Assert(args.Previous == head.ID, "onblock follows %s instead of head %s", args.Previous, head.ID)
}
