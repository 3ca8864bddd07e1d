// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"sort"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
)

// AccountUsage is the accumulated resource usage of an account.
type AccountUsage struct {
	Owner   abi.Name `json:"owner"`
	CPU     uint64   `json:"cpu"`
	Net     uint64   `json:"net"`
	RAM     int64    `json:"ram"`
	Storage int64    `json:"storage"`
}

// ResourceLimits keeps the per account usage rows and the block totals.
type ResourceLimits struct {
	c *Controller
}

// Usage returns the usage of [owner], zero when nothing was billed yet.
func (r *ResourceLimits) Usage(owner abi.Name) (AccountUsage, error) {
	usages, err := r.c.resourceUsages()
	if err != nil {
		return AccountUsage{}, err
	}
	it, err := usages.Find(uint64(owner))
	if err != nil {
		return AccountUsage{}, err
	}
	defer it.Close()
	if end, err := it.IsEnd(); err != nil || end {
		return AccountUsage{Owner: owner}, err
	}
	u, err := it.Value()
	if err != nil {
		return AccountUsage{}, err
	}
	return AccountUsage{Owner: u.Owner, CPU: u.CPU, Net: u.Net, RAM: u.RAM, Storage: u.Storage}, nil
}

func (r *ResourceLimits) update(usages *multiindex.Table[resourceUsage], owner abi.Name, f func(*resourceUsage)) error {
	it, err := usages.Find(uint64(owner))
	if err != nil {
		return err
	}
	defer it.Close()
	end, err := it.IsEnd()
	if err != nil {
		return err
	}
	if end {
		_, err := usages.EmplaceWithPK(owner, uint64(owner), func(u *resourceUsage) {
			u.Owner = owner
			f(u)
		})
		return err
	}
	return usages.Modify(it, abi.Name(0), f)
}

// AddTransactionUsage bills [cpu] and [net] to each of [accounts] and the
// ram and storage deltas to their payers.
func (r *ResourceLimits) AddTransactionUsage(accounts []abi.Name, cpu, net uint64, ram, storage map[abi.Name]int64) error {
	usages, err := r.c.resourceUsages()
	if err != nil {
		return err
	}
	for _, owner := range accounts {
		if err := r.update(usages, owner, func(u *resourceUsage) {
			u.CPU += cpu
			u.Net += net
		}); err != nil {
			return err
		}
	}
	for _, owner := range sortedPayers(ram) {
		delta := ram[owner]
		if err := r.update(usages, owner, func(u *resourceUsage) { u.RAM += delta }); err != nil {
			return err
		}
	}
	for _, owner := range sortedPayers(storage) {
		delta := storage[owner]
		if err := r.update(usages, owner, func(u *resourceUsage) { u.Storage += delta }); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBlockUsage records the usage of the pending block in the global
// properties.
func (r *ResourceLimits) ProcessBlockUsage(cpu, net uint64) error {
	return r.c.modifyGlobalProperty(func(gp *globalProperty) {
		gp.BlockCPU = cpu
		gp.BlockNet = net
		gp.TotalCPU += cpu
		gp.TotalNet += net
	})
}

func sortedPayers(m map[abi.Name]int64) []abi.Name {
	res := make([]abi.Name, 0, len(m))
	for name, delta := range m {
		if delta != 0 {
			res = append(res, name)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// positiveTotal sums the growth of [m].
func positiveTotal(m map[abi.Name]int64) uint64 {
	var total uint64
	for _, delta := range m {
		if delta > 0 {
			total += uint64(delta)
		}
	}
	return total
}
