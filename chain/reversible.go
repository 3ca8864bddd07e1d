// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"encoding/binary"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/chaindbvm/chaindb/object"
)

var (
	// Separate prefixes for each kind of stored object
	singletonPrefix = []byte("singleton")
	blockPrefix     = []byte("block")
	undoPrefix      = []byte("undo")

	initializedKey = []byte("initialized")
	headKey        = []byte("head")
	rootKey        = []byte("root")
)

// reversibleStore keeps the blocks that can still be popped, keyed by
// number, plus what a restart needs to resume them: the fork root, the head
// and the undo log of the object store.
type reversibleStore struct {
	baseDB *versiondb.Database

	singletonDB database.Database
	blockDB     database.Database
	undoDB      database.Database

	blkCache cache.Cacher
}

func newReversibleStore(db database.Database, cacheSize int, namespace string, registerer prometheus.Registerer) (*reversibleStore, error) {
	blkCache, err := metercacher.New(
		namespace+"_block_cache",
		registerer,
		&cache.LRU{Size: cacheSize},
	)
	if err != nil {
		return nil, err
	}
	baseDB := versiondb.New(db)
	return &reversibleStore{
		baseDB:      baseDB,
		singletonDB: prefixdb.New(singletonPrefix, baseDB),
		blockDB:     prefixdb.New(blockPrefix, baseDB),
		undoDB:      prefixdb.New(undoPrefix, baseDB),
		blkCache:    blkCache,
	}, nil
}

func (s *reversibleStore) IsInitialized() (bool, error) {
	return s.singletonDB.Has(initializedKey)
}

func (s *reversibleStore) SetInitialized() error {
	return s.singletonDB.Put(initializedKey, nil)
}

func (s *reversibleStore) GetBlock(num uint32) (*BlockState, error) {
	if bs, ok := s.blkCache.Get(num); ok {
		if bs == nil {
			return nil, database.ErrNotFound
		}
		return bs.(*BlockState), nil
	}
	bytes, err := s.blockDB.Get(numBytes(num))
	if err == database.ErrNotFound {
		s.blkCache.Put(num, nil)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	bs, err := ParseBlockState(bytes)
	if err != nil {
		return nil, err
	}
	s.blkCache.Put(num, bs)
	return bs, nil
}

func (s *reversibleStore) PutBlock(bs *BlockState) error {
	bytes, err := bs.Bytes()
	if err != nil {
		return err
	}
	s.blkCache.Put(bs.BlockNum, bs)
	return s.blockDB.Put(numBytes(bs.BlockNum), bytes)
}

func (s *reversibleStore) DeleteBlock(num uint32) error {
	s.blkCache.Put(num, nil)
	return s.blockDB.Delete(numBytes(num))
}

// Blocks returns the stored blocks in number order.
func (s *reversibleStore) Blocks() ([]*BlockState, error) {
	it := s.blockDB.NewIterator()
	defer it.Release()

	var res []*BlockState
	for it.Next() {
		bs, err := ParseBlockState(it.Value())
		if err != nil {
			return nil, err
		}
		res = append(res, bs)
	}
	return res, it.Error()
}

// PruneTo deletes the blocks up to and including [num].
func (s *reversibleStore) PruneTo(num uint32) error {
	it := s.blockDB.NewIterator()
	var nums []uint32
	for it.Next() {
		n := binary.BigEndian.Uint32(it.Key())
		if n > num {
			break
		}
		nums = append(nums, n)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	errs := wrappers.Errs{}
	for _, n := range nums {
		errs.Add(s.DeleteBlock(n))
	}
	return errs.Err
}

func (s *reversibleStore) putState(key []byte, bs *BlockState) error {
	bytes, err := bs.Bytes()
	if err != nil {
		return err
	}
	return s.singletonDB.Put(key, bytes)
}

func (s *reversibleStore) getState(key []byte) (*BlockState, error) {
	bytes, err := s.singletonDB.Get(key)
	if err != nil {
		return nil, err
	}
	return ParseBlockState(bytes)
}

func (s *reversibleStore) SetHead(bs *BlockState) error  { return s.putState(headKey, bs) }
func (s *reversibleStore) GetHead() (*BlockState, error) { return s.getState(headKey) }
func (s *reversibleStore) SetRoot(bs *BlockState) error  { return s.putState(rootKey, bs) }
func (s *reversibleStore) GetRoot() (*BlockState, error) { return s.getState(rootKey) }

// SetUndoLog replaces the stored undo log.
func (s *reversibleStore) SetUndoLog(values []object.Value) error {
	it := s.undoDB.NewIterator()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.undoDB.Delete(key); err != nil {
			return err
		}
	}
	for i := range values {
		bytes, err := values[i].Bytes()
		if err != nil {
			return err
		}
		if err := s.undoDB.Put(binary.BigEndian.AppendUint64(nil, uint64(i)), bytes); err != nil {
			return err
		}
	}
	return nil
}

func (s *reversibleStore) UndoLog() ([]object.Value, error) {
	it := s.undoDB.NewIterator()
	defer it.Release()

	var res []object.Value
	for it.Next() {
		v, err := object.Parse(it.Value())
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, it.Error()
}

func (s *reversibleStore) ClearCache() {
	s.blkCache.Flush()
}

// Commit commits pending operations to the base database
func (s *reversibleStore) Commit() error {
	return s.baseDB.Commit()
}

// Close closes the underlying base database
func (s *reversibleStore) Close() error {
	return s.baseDB.Close()
}
