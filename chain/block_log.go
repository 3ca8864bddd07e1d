// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

var (
	blockLogHeadKey     = []byte("head")
	blockLogFirstKey    = []byte("first")
	blockLogBlockPrefix = []byte("b")

	errBlockLogGap = errors.New("block log must be appended in order")
)

// BlockLog is the append only store of irreversible blocks.
type BlockLog struct {
	db    *leveldb.DB
	first uint32
	head  *SignedBlock
}

// OpenBlockLog opens the block log in directory [path].
func OpenBlockLog(path string) (*BlockLog, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{NoSync: false})
	if err != nil {
		return nil, err
	}
	return newBlockLog(db)
}

// NewBlockLog opens a block log on [stor].
func NewBlockLog(stor lvlstorage.Storage) (*BlockLog, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}
	return newBlockLog(db)
}

func newBlockLog(db *leveldb.DB) (*BlockLog, error) {
	l := &BlockLog{db: db}
	first, err := l.readNum(blockLogFirstKey)
	if err != nil {
		return nil, err
	}
	l.first = first
	headNum, err := l.readNum(blockLogHeadKey)
	if err != nil {
		return nil, err
	}
	if headNum == 0 {
		return l, nil
	}
	if l.head, err = l.ReadBlockByNum(headNum); err != nil {
		return nil, fmt.Errorf("failed to read block log head %d: %w", headNum, err)
	}
	return l, nil
}

func (l *BlockLog) readNum(key []byte) (uint32, error) {
	b, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func blockKey(num uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), blockLogBlockPrefix...), num)
}

func numBytes(num uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, num)
}

// Append adds the block following the current head. The first block of an
// empty log may have any number.
func (l *BlockLog) Append(b *SignedBlock) error {
	num := b.Header.BlockNum()
	if l.head != nil && num != l.head.Header.BlockNum()+1 {
		return fmt.Errorf("%w: got %d after %d", errBlockLogGap, num, l.head.Header.BlockNum())
	}
	bytes, err := b.Bytes()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(num), bytes)
	batch.Put(blockLogHeadKey, numBytes(num))
	if l.head == nil {
		batch.Put(blockLogFirstKey, numBytes(num))
	}
	if err := l.db.Write(batch, nil); err != nil {
		return err
	}
	if l.head == nil {
		l.first = num
	}
	l.head = b
	return nil
}

// ReadBlockByNum returns the block [num] or nil when the log doesn't have it.
func (l *BlockLog) ReadBlockByNum(num uint32) (*SignedBlock, error) {
	bytes, err := l.db.Get(blockKey(num), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseSignedBlock(bytes)
}

// Head returns the last appended block or nil.
func (l *BlockLog) Head() *SignedBlock { return l.head }

// HeadNum returns the number of the last appended block or 0.
func (l *BlockLog) HeadNum() uint32 {
	if l.head == nil {
		return 0
	}
	return l.head.Header.BlockNum()
}

// FirstNum returns the number of the first block of the log or 0.
func (l *BlockLog) FirstNum() uint32 { return l.first }

func (l *BlockLog) Close() error { return l.db.Close() }
