// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"bytes"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
)

// authorityChecker decides whether a set of recovered keys satisfies the
// permissions declared by a transaction.
type authorityChecker struct {
	c        *Controller
	keys     mapset.Set[PublicKey]
	usedKeys mapset.Set[PublicKey]
	maxDepth int

	cache map[PermissionLevel]bool
}

func (c *Controller) newAuthorityChecker(keys mapset.Set[PublicKey]) *authorityChecker {
	return &authorityChecker{
		c:        c,
		keys:     keys,
		usedKeys: mapset.NewThreadUnsafeSet[PublicKey](),
		maxDepth: c.config.MaxAuthorityDepth,
		cache:    make(map[PermissionLevel]bool),
	}
}

// findPermission reads the permission [level] or returns nil when it doesn't
// exist.
func (c *Controller) findPermission(level PermissionLevel) (*permissionObject, error) {
	perms, err := c.permissions()
	if err != nil {
		return nil, err
	}
	byOwner, err := perms.Index(byOwnerIndex)
	if err != nil {
		return nil, err
	}
	it, err := byOwner.Find(multiindex.Key{level.Actor, level.Permission})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if end, err := it.IsEnd(); err != nil || end {
		return nil, err
	}
	return it.Value()
}

// satisfied reports whether [level] is satisfied, either by its own authority
// or by the authority of one of its parents.
func (a *authorityChecker) satisfied(level PermissionLevel, depth int) (bool, error) {
	if depth > a.maxDepth {
		return false, nil
	}
	if ok, found := a.cache[level]; found {
		return ok, nil
	}
	perm, err := a.c.findPermission(level)
	if err != nil || perm == nil {
		return false, err
	}
	perms, err := a.c.permissions()
	if err != nil {
		return false, err
	}
	for perm != nil {
		ok, err := a.satisfiedAuthority(&perm.Auth, depth)
		if err != nil {
			return false, err
		}
		if ok {
			a.cache[level] = true
			return true, nil
		}
		if perm.Parent == 0 {
			break
		}
		if perm, err = perms.Get(perm.Parent); err != nil {
			return false, err
		}
	}
	a.cache[level] = false
	return false, nil
}

func (a *authorityChecker) satisfiedAuthority(auth *Authority, depth int) (bool, error) {
	var weight uint32
	for _, kw := range auth.Keys {
		key, err := PublicKeyFromBytes(kw.Key)
		if err != nil {
			continue
		}
		if a.keys.Contains(key) {
			a.usedKeys.Add(key)
			weight += uint32(kw.Weight)
			if weight >= auth.Threshold {
				return true, nil
			}
		}
	}
	for _, plw := range auth.Accounts {
		ok, err := a.satisfied(plw.Permission, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			weight += uint32(plw.Weight)
			if weight >= auth.Threshold {
				return true, nil
			}
		}
	}
	return false, nil
}

// unusedKeys counts the provided keys that took part in no check.
func (a *authorityChecker) unusedKeys() int {
	unused := 0
	a.keys.Each(func(key PublicKey) bool {
		if !a.usedKeys.Contains(key) {
			unused++
		}
		return false
	})
	return unused
}

// CheckAuthorization verifies that [keys] satisfy every authorization
// declared by [actions]. Keys that satisfy nothing are rejected unless
// [allowUnusedKeys] is set.
func (c *Controller) CheckAuthorization(actions []Action, keys mapset.Set[PublicKey], allowUnusedKeys bool) error {
	checker := c.newAuthorityChecker(keys)
	for i := range actions {
		act := &actions[i]
		for _, level := range act.Authorization {
			ok, err := checker.satisfied(level, 0)
			if err != nil {
				return err
			}
			if !ok {
				return wrap(ErrMissingAuth, "%s for %s::%s", level, act.Account, act.Name)
			}
		}
	}
	if !allowUnusedKeys {
		if unused := checker.unusedKeys(); unused != 0 {
			return wrap(ErrIrrelevantSig, "%d unused key(s)", unused)
		}
	}
	return nil
}

// validateAuthority checks that [auth] is well formed and can be satisfied.
func (c *Controller) validateAuthority(auth *Authority) error {
	if auth.Threshold == 0 {
		return wrap(ErrActionValidate, "authority threshold must be positive")
	}
	var total uint64
	for i, kw := range auth.Keys {
		if _, err := PublicKeyFromBytes(kw.Key); err != nil {
			return wrap(ErrActionValidate, "key %d: %v", i, err)
		}
		if i > 0 && bytes.Compare(auth.Keys[i-1].Key, kw.Key) >= 0 {
			return wrap(ErrActionValidate, "authority keys must be sorted and unique")
		}
		total += uint64(kw.Weight)
	}
	for i, plw := range auth.Accounts {
		if i > 0 {
			prev := auth.Accounts[i-1].Permission
			if prev.Actor > plw.Permission.Actor ||
				(prev.Actor == plw.Permission.Actor && prev.Permission >= plw.Permission.Permission) {
				return wrap(ErrActionValidate, "authority accounts must be sorted and unique")
			}
		}
		ok, err := c.IsAccount(plw.Permission.Actor)
		if err != nil {
			return err
		}
		if !ok {
			return wrap(ErrActionValidate, "authority references unknown account %s", plw.Permission.Actor)
		}
		total += uint64(plw.Weight)
	}
	if total < uint64(auth.Threshold) {
		return wrap(ErrActionValidate, "authority weights %d can't reach threshold %d", total, auth.Threshold)
	}
	return nil
}

// producersAuthority is the authority held by [fraction] of [producers] plus
// one, each producer acting with its active permission.
func producersAuthority(producers []abi.Name, num, den uint32) Authority {
	sorted := append([]abi.Name(nil), producers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	auth := Authority{Threshold: uint32(len(sorted))*num/den + 1}
	for _, p := range sorted {
		auth.Accounts = append(auth.Accounts, PermissionLevelWeight{
			Permission: PermissionLevel{Actor: p, Permission: ActivePermission},
			Weight:     1,
		})
	}
	return auth
}
