// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

func TestErrorKinds(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Recoverable, KindOf(ErrTxDuplicate))
	assert.Equal(Guard, KindOf(wrap(ErrGuard, "broken %d", 1)))
	assert.Equal(BlockValidation, KindOf(fmt.Errorf("context: %w", ErrUnlinkableBlock)))
	assert.Equal(SchemaValidation, KindOf(fmt.Errorf("%w: bad", abi.ErrUnknownType)))
	assert.Equal(Recoverable, KindOf(errors.New("anything else")))

	assert.True(IsSubjective(wrap(ErrDeadlineExceeded, "late")))
	assert.True(IsSubjective(ErrPendingExists))
	assert.False(IsSubjective(ErrExpiredTx))

	cause := errors.New("cause")
	err := withKind(ErrActionValidate, cause)
	assert.ErrorIs(err, ErrActionValidate)
	assert.ErrorIs(err, cause)
	assert.NotErrorIs(err, ErrMissingAuth)
	assert.Equal("action validation failed: cause", err.Error())
}

func TestPublicKeyText(t *testing.T) {
	require := require.New(t)

	key := PublicKeyOf(genesisKey)
	text, err := key.MarshalText()
	require.NoError(err)

	var parsed PublicKey
	require.NoError(parsed.UnmarshalText(text))
	require.Equal(key, parsed)

	require.Error(parsed.UnmarshalText([]byte("abcd")))
	_, err = PublicKeyFromBytes(key[1:])
	require.Error(err)
}

func TestSignAndRecover(t *testing.T) {
	require := require.New(t)

	digest := hashing.ComputeHash256Array([]byte("block"))
	sig, err := KeySigner(aliceKey)(digest)
	require.NoError(err)
	require.Len(sig, SignatureLen)

	key, err := RecoverKey(digest, sig)
	require.NoError(err)
	require.Equal(PublicKeyOf(aliceKey), key)

	other, err := RecoverKey(hashing.ComputeHash256Array([]byte("other")), sig)
	require.NoError(err)
	require.NotEqual(PublicKeyOf(aliceKey), other)

	_, err = RecoverKey(digest, sig[1:])
	require.ErrorIs(err, errSignatureLen)
}

func TestTransactionSignatures(t *testing.T) {
	require := require.New(t)

	trx := &Transaction{Expiration: 10, Actions: []Action{{Account: SystemAccount, Name: NewAccountAction}}}
	chainID := ids.ID{1}
	packed, err := SignTransaction(chainID, trx, genesisKey, aliceKey)
	require.NoError(err)

	b, err := packed.Bytes()
	require.NoError(err)
	parsed, err := ParsePackedTransaction(b)
	require.NoError(err)
	require.Equal(packed.ID(), parsed.ID())

	meta, err := NewTransactionMetadata(parsed)
	require.NoError(err)
	keys, err := meta.RecoverKeys(chainID)
	require.NoError(err)
	require.True(keys.Contains(PublicKeyOf(genesisKey), PublicKeyOf(aliceKey)))

	// signatures are bound to the chain
	meta, err = NewTransactionMetadata(parsed)
	require.NoError(err)
	keys, err = meta.RecoverKeys(ids.Empty)
	require.NoError(err)
	require.False(keys.Contains(PublicKeyOf(genesisKey)))
}

func TestReferenceBlock(t *testing.T) {
	assert := assert.New(t)

	id := ids.ID{0, 0, 0x01, 0x02, 0, 0, 0, 0, 0xaa, 0xbb, 0xcc, 0xdd}
	assert.Equal(uint32(0x0102), NumFromID(id))

	trx := &Transaction{}
	trx.SetReferenceBlock(id)
	assert.Equal(uint16(0x0102), trx.RefBlockNum)
	assert.True(trx.VerifyReferenceBlock(id))

	other := id
	other[9] = 0
	assert.False(trx.VerifyReferenceBlock(other))
}

func TestMerkle(t *testing.T) {
	assert := assert.New(t)

	a := hashing.ComputeHash256Array([]byte("a"))
	b := hashing.ComputeHash256Array([]byte("b"))
	c := hashing.ComputeHash256Array([]byte("c"))
	pair := func(x, y ids.ID) ids.ID {
		return hashing.ComputeHash256Array(append(x[:], y[:]...))
	}

	assert.Equal(ids.Empty, Merkle(nil))
	assert.Equal(ids.ID(a), Merkle([]ids.ID{a}))
	assert.Equal(pair(a, b), Merkle([]ids.ID{a, b}))
	assert.Equal(pair(pair(a, b), pair(c, c)), Merkle([]ids.ID{a, b, c}))
}

func TestScheduledProducer(t *testing.T) {
	assert := assert.New(t)

	bs := &BlockState{}
	_, ok := bs.ScheduledProducer(time.Now(), time.Second)
	assert.False(ok)

	bs.Schedule = []ProducerKey{
		{ProducerName: alice, BlockSigningKey: PublicKeyOf(aliceKey)},
		{ProducerName: bob, BlockSigningKey: PublicKeyOf(genesisKey)},
	}
	interval := 500 * time.Millisecond
	start := time.UnixMilli(1000)
	p, ok := bs.ScheduledProducer(start, interval)
	assert.True(ok)
	assert.Equal(alice, p.ProducerName)
	p, _ = bs.ScheduledProducer(start.Add(interval), interval)
	assert.Equal(bob, p.ProducerName)
	p, _ = bs.ScheduledProducer(start.Add(interval+interval/2), interval)
	assert.Equal(bob, p.ProducerName)
	p, _ = bs.ScheduledProducer(start.Add(2*interval), interval)
	assert.Equal(alice, p.ProducerName)

	key, ok := bs.signingKey(bob)
	assert.True(ok)
	assert.Equal(PublicKeyOf(genesisKey), key)
	_, ok = bs.signingKey(SystemAccount)
	assert.False(ok)
}

func TestBlockLog(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	stor := lvlstorage.NewMemStorage()
	l, err := NewBlockLog(stor)
	require.NoError(err)
	assert.Nil(l.Head())
	assert.Zero(l.HeadNum())

	blocks := make([]*SignedBlock, 3)
	prev := ids.Empty
	for i := range blocks {
		header := BlockHeader{Timestamp: int64(i), Producer: SystemAccount, Previous: prev}
		blocks[i] = &SignedBlock{Header: header}
		prev, err = header.ID()
		require.NoError(err)
	}
	require.NoError(l.Append(blocks[0]))
	require.ErrorIs(l.Append(blocks[2]), errBlockLogGap)
	require.NoError(l.Append(blocks[1]))
	assert.Equal(uint32(1), l.FirstNum())
	assert.Equal(uint32(2), l.HeadNum())
	require.NoError(l.Close())

	l, err = NewBlockLog(stor)
	require.NoError(err)
	defer l.Close()
	assert.Equal(uint32(1), l.FirstNum())
	assert.Equal(uint32(2), l.HeadNum())
	b, err := l.ReadBlockByNum(2)
	require.NoError(err)
	assert.Equal(blocks[1].Header, b.Header)
	b, err = l.ReadBlockByNum(3)
	require.NoError(err)
	assert.Nil(b)
}
