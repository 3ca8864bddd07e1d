// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"bytes"

	"github.com/ava-labs/avalanchego/ids"
)

// ForkDB tracks the reversible blocks of every known branch above the last
// irreversible block (the root).
type ForkDB struct {
	root   *BlockState
	blocks map[ids.ID]*BlockState
	head   *BlockState
}

func NewForkDB(root *BlockState) *ForkDB {
	f := &ForkDB{}
	f.Reset(root)
	return f
}

// Reset forgets every block and starts over from [root].
func (f *ForkDB) Reset(root *BlockState) {
	f.root = root
	f.blocks = map[ids.ID]*BlockState{root.ID: root}
	f.head = root
}

func (f *ForkDB) Root() *BlockState { return f.root }
func (f *ForkDB) Head() *BlockState { return f.head }

func (f *ForkDB) Get(id ids.ID) (*BlockState, bool) {
	bs, ok := f.blocks[id]
	return bs, ok
}

// Add inserts [bs], which must link to a known block.
func (f *ForkDB) Add(bs *BlockState) error {
	if _, ok := f.blocks[bs.ID]; ok {
		return wrap(ErrForkDatabase, "block %s is already known", bs.ID)
	}
	if _, ok := f.blocks[bs.Header.Previous]; !ok {
		return wrap(ErrUnlinkableBlock, "block %d %s links to unknown %s", bs.BlockNum, bs.ID, bs.Header.Previous)
	}
	f.blocks[bs.ID] = bs
	if f.better(bs, f.head) {
		f.head = bs
	}
	return nil
}

// better orders candidate heads: the higher block wins, then the one on the
// current chain.
func (f *ForkDB) better(a, b *BlockState) bool {
	if a.BlockNum != b.BlockNum {
		return a.BlockNum > b.BlockNum
	}
	return a.InCurrentChain && !b.InCurrentChain
}

func (f *ForkDB) recomputeHead() {
	f.head = f.root
	for _, bs := range f.blocks {
		switch {
		case f.better(bs, f.head):
			f.head = bs
		case !f.better(f.head, bs) && bytes.Compare(bs.ID[:], f.head.ID[:]) < 0:
			// deterministic choice between equal candidates
			f.head = bs
		}
	}
}

// MarkInCurrentChain flags [bs] as part of the applied chain.
func (f *ForkDB) MarkInCurrentChain(bs *BlockState, in bool) {
	bs.InCurrentChain = in
	if in && f.better(bs, f.head) {
		f.head = bs
	}
}

// SetValidity marks [bs] validated, or removes it with its descendants when
// it is invalid.
func (f *ForkDB) SetValidity(bs *BlockState, valid bool) {
	if valid {
		bs.Validated = true
		return
	}
	f.Remove(bs.ID)
}

// Remove deletes the block [id] and every block built on it.
func (f *ForkDB) Remove(id ids.ID) {
	if id == f.root.ID {
		return
	}
	removed := map[ids.ID]struct{}{id: {}}
	delete(f.blocks, id)
	for changed := true; changed; {
		changed = false
		for bid, bs := range f.blocks {
			if _, ok := removed[bs.Header.Previous]; ok {
				removed[bid] = struct{}{}
				delete(f.blocks, bid)
				changed = true
			}
		}
	}
	f.recomputeHead()
}

// Branch is a chain of blocks ordered from the tip down to the block after
// the common ancestor.
type Branch []*BlockState

// FetchBranchFrom walks back from [first] and [second] to their common
// ancestor.
func (f *ForkDB) FetchBranchFrom(first, second ids.ID) (Branch, Branch, error) {
	a, ok := f.blocks[first]
	if !ok {
		return nil, nil, wrap(ErrForkDatabase, "unknown block %s", first)
	}
	b, ok := f.blocks[second]
	if !ok {
		return nil, nil, wrap(ErrForkDatabase, "unknown block %s", second)
	}
	var firstBranch, secondBranch Branch
	for a.BlockNum > b.BlockNum {
		firstBranch = append(firstBranch, a)
		if a, ok = f.blocks[a.Header.Previous]; !ok {
			return nil, nil, wrap(ErrForkDatabase, "branch of %s is not linked to the root", first)
		}
	}
	for b.BlockNum > a.BlockNum {
		secondBranch = append(secondBranch, b)
		if b, ok = f.blocks[b.Header.Previous]; !ok {
			return nil, nil, wrap(ErrForkDatabase, "branch of %s is not linked to the root", second)
		}
	}
	for a.ID != b.ID {
		firstBranch = append(firstBranch, a)
		secondBranch = append(secondBranch, b)
		prevA, okA := f.blocks[a.Header.Previous]
		prevB, okB := f.blocks[b.Header.Previous]
		if !okA || !okB {
			return nil, nil, wrap(ErrForkDatabase, "%s and %s have no common ancestor", first, second)
		}
		a, b = prevA, prevB
	}
	return firstBranch, secondBranch, nil
}

// Search returns the block with number [num] on the branch ending at [tip].
func (f *ForkDB) Search(tip ids.ID, num uint32) (*BlockState, bool) {
	bs, ok := f.blocks[tip]
	for ok && bs.BlockNum > num {
		bs, ok = f.blocks[bs.Header.Previous]
	}
	if !ok || bs.BlockNum != num {
		return nil, false
	}
	return bs, true
}

// Prune makes [root] the new root and drops every block that doesn't build
// on it.
func (f *ForkDB) Prune(root *BlockState) {
	keep := map[ids.ID]*BlockState{root.ID: root}
	for changed := true; changed; {
		changed = false
		for id, bs := range f.blocks {
			if _, ok := keep[id]; ok {
				continue
			}
			if bs.BlockNum <= root.BlockNum {
				continue
			}
			if _, ok := keep[bs.Header.Previous]; ok {
				keep[id] = bs
				changed = true
			}
		}
	}
	f.root = root
	f.blocks = keep
	if _, ok := keep[f.head.ID]; !ok {
		f.recomputeHead()
	}
}

// Size is the number of blocks including the root.
func (f *ForkDB) Size() int { return len(f.blocks) }
