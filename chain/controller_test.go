// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

func TestGenesis(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	c := startTestController(t, config)

	head := c.Head()
	assert.Equal(uint32(1), head.BlockNum)
	assert.Equal(ids.Empty, head.Header.Previous)
	assert.Equal(config.Genesis.Timestamp.UnixMilli(), head.Header.Timestamp)
	assert.Equal(head.ID, c.LastIrreversible().ID)
	assert.Equal(int64(1), c.DB().Revision())
	assert.Equal([]ProducerKey{{ProducerName: SystemAccount, BlockSigningKey: PublicKeyOf(genesisKey)}}, head.Schedule)

	for name, perms := range map[string]int{
		"cyber":       2,
		"cyber.prods": 4, // active, owner, prod.major and prod.minor
		"cyber.null":  2,
	} {
		info, err := c.GetAccount(abi.MustName(name))
		require.NoError(err)
		assert.Equal(name == "cyber", info.Privileged, name)
		assert.Len(info.Permissions, perms, name)
	}

	first, err := c.BlockLog().ReadBlockByNum(1)
	require.NoError(err)
	require.NotNil(first)
	id, err := first.Header.ID()
	require.NoError(err)
	assert.Equal(head.ID, id)
}

func TestProduceEmptyBlocks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	config.FinalityDepth = 2
	c := startTestController(t, config)

	var accepted, irreversible []uint32
	c.AcceptedBlock.Connect(func(bs *BlockState) { accepted = append(accepted, bs.BlockNum) })
	c.IrreversibleBlock.Connect(func(bs *BlockState) { irreversible = append(irreversible, bs.BlockNum) })

	for i := 0; i < 5; i++ {
		res := produce(t, c)
		assert.Empty(res.Block.Block.Transactions)
		assert.Equal(SystemAccount, res.Block.Header.Producer)
	}
	assert.Equal(uint32(6), c.Head().BlockNum)
	assert.Equal([]uint32{2, 3, 4, 5, 6}, accepted)
	assert.Equal([]uint32{2, 3, 4}, irreversible)
	assert.Equal(uint32(4), c.LastIrreversible().BlockNum)
	assert.Equal(uint32(4), c.BlockLog().HeadNum())
	assert.Equal(3, c.ForkDB().Size())
	assert.Equal(int64(6), c.DB().Revision())

	// irreversible blocks come from the block log
	b, err := c.BlockByNum(3)
	require.NoError(err)
	require.NotNil(b)
	assert.Equal(uint32(3), b.Header.BlockNum())

	head, err := c.BlockByID(c.Head().ID)
	require.NoError(err)
	require.NotNil(head)
	assert.Equal(c.Head().Block.Header, head.Header)

	missing, err := c.BlockByNum(7)
	require.NoError(err)
	assert.Nil(missing)
}

func TestPendingBlockGuards(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	err := c.StartBlock(c.Head().Header.Time(), 0, BlockIncomplete, ids.Empty)
	assert.ErrorIs(err, ErrBlockValidate)
	assert.Nil(c.PendingBlock())

	assert.ErrorIs(c.FinalizeBlock(), ErrNoPending)
	assert.ErrorIs(c.CommitBlock(true), ErrNoPending)
	_, err = c.PushTransaction(newAccountTrx(t, c, alice), time.Time{}, nil)
	assert.ErrorIs(err, ErrNoPending)

	when := nextBlockTime(c)
	require.NoError(c.StartBlock(when, 0, BlockIncomplete, ids.Empty))
	assert.Equal(when.UnixMilli(), c.PendingTime().UnixMilli())
	assert.ErrorIs(c.StartBlock(when.Add(time.Second), 0, BlockIncomplete, ids.Empty), ErrPendingExists)
	assert.ErrorIs(c.PopBlock(), ErrPendingExists)

	require.NoError(c.AbortBlock())
	assert.Nil(c.PendingBlock())
	assert.Equal(int64(1), c.DB().Revision())

	// the genesis block is irreversible
	assert.ErrorIs(c.PopBlock(), ErrForkDatabase)
}

func TestSignBlockWithWrongKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	require.NoError(c.StartBlock(nextBlockTime(c), 0, BlockIncomplete, ids.Empty))
	require.NoError(c.FinalizeBlock())
	assert.ErrorIs(c.SignBlock(KeySigner(aliceKey)), ErrInvalidSignature)
	require.NoError(c.AbortBlock())

	_, err := c.ProduceBlock(nextBlockTime(c), KeySigner(aliceKey), nil)
	assert.ErrorIs(err, ErrInvalidSignature)
	assert.Nil(c.PendingBlock())
	assert.Equal(uint32(1), c.Head().BlockNum)
}

func TestNewAccount(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	var applied []*TransactionTrace
	c.AppliedTransaction.Connect(func(trace *TransactionTrace) { applied = append(applied, trace) })

	meta := newAccountTrx(t, c, alice)
	res := produce(t, c, meta)
	require.Len(res.Traces, 1)
	require.NoError(res.Traces[0].Except)
	require.NotNil(res.Traces[0].Receipt)
	assert.Equal(StatusExecuted, res.Traces[0].Receipt.Status)
	assert.GreaterOrEqual(res.Traces[0].Receipt.CPUUsageUS, uint32(minTransactionCPU/time.Microsecond))
	require.Len(res.Block.Block.Transactions, 1)
	assert.Equal(meta.ID, res.Block.Block.Transactions[0].TrxID())
	assert.NotEqual(ids.Empty, res.Block.Header.TransactionMRoot)

	// onblock and the input transaction
	require.Len(applied, 2)
	assert.Equal(meta.ID, applied[1].ID)

	info, err := c.GetAccount(alice)
	require.NoError(err)
	assert.False(info.Privileged)
	assert.Equal(res.Block.Header.Time().UnixMicro(), info.Created.UnixMicro())
	require.Len(info.Permissions, 2)
	// ordered by name
	assert.Equal(ActivePermission, info.Permissions[0].Name)
	assert.Equal(OwnerPermission, info.Permissions[0].Parent)
	assert.Equal(KeyAuthority(PublicKeyOf(aliceKey)), info.Permissions[0].Auth)
	assert.Equal(OwnerPermission, info.Permissions[1].Name)
	assert.True(info.Permissions[1].Parent.IsEmpty())

	usage, err := c.Resources().Usage(SystemAccount)
	require.NoError(err)
	assert.NotZero(usage.CPU)
	assert.NotZero(usage.Net)
}

func TestDuplicateTransaction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	meta := newAccountTrx(t, c, alice)
	res := produce(t, c, meta)
	require.NoError(res.Traces[0].Except)

	res = produce(t, c, meta)
	require.Len(res.Traces, 1)
	assert.ErrorIs(res.Traces[0].Except, ErrTxDuplicate)
	assert.Nil(res.Traces[0].Receipt)
	assert.Empty(res.Block.Block.Transactions)
	assert.Empty(c.UnappliedTransactions())
}

func TestRejectedTransactions(t *testing.T) {
	c := startTestController(t, testConfig())
	head := c.Head()

	tests := []struct {
		name     string
		trx      func() *TransactionMetadata
		expected error
	}{
		{
			name: "expired",
			trx: func() *TransactionMetadata {
				trx := &Transaction{
					Expiration: uint32(head.Header.Time().Unix()),
					Actions:    []Action{newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))},
				}
				trx.SetReferenceBlock(head.ID)
				return signTrx(t, c, trx, genesisKey)
			},
			expected: ErrExpiredTx,
		},
		{
			name: "expiration too far",
			trx: func() *TransactionMetadata {
				trx := &Transaction{
					Expiration: uint32(head.Header.Time().Add(2 * time.Hour).Unix()),
					Actions:    []Action{newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))},
				}
				trx.SetReferenceBlock(head.ID)
				return signTrx(t, c, trx, genesisKey)
			},
			expected: ErrTxExpTooFar,
		},
		{
			name: "unknown reference block",
			trx: func() *TransactionMetadata {
				trx := &Transaction{
					Expiration: uint32(head.Header.Time().Add(time.Minute).Unix()),
					Actions:    []Action{newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))},
				}
				trx.SetReferenceBlock(ids.ID{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
				return signTrx(t, c, trx, genesisKey)
			},
			expected: ErrTaPoS,
		},
		{
			name: "missing authority",
			trx: func() *TransactionMetadata {
				act := newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))
				return signedTrx(t, c, []Action{act}, aliceKey)
			},
			expected: ErrMissingAuth,
		},
		{
			name: "irrelevant signature",
			trx: func() *TransactionMetadata {
				act := newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))
				return signedTrx(t, c, []Action{act}, genesisKey, aliceKey)
			},
			expected: ErrIrrelevantSig,
		},
		{
			name: "unknown actor",
			trx: func() *TransactionMetadata {
				act := newAccountAction(t, c, bob, alice, PublicKeyOf(aliceKey))
				return signedTrx(t, c, []Action{act}, genesisKey)
			},
			expected: ErrMissingAuth,
		},
		{
			name: "existing account",
			trx: func() *TransactionMetadata {
				act := newAccountAction(t, c, SystemAccount, ProducersAccount, PublicKeyOf(aliceKey))
				return signedTrx(t, c, []Action{act}, genesisKey)
			},
			expected: ErrActionValidate,
		},
	}
	when := nextBlockTime(c)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			meta := test.trx()
			require.NoError(c.StartBlock(when, 0, BlockIncomplete, ids.Empty))
			trace, err := c.PushTransaction(meta, time.Time{}, nil)
			require.NoError(err)
			require.Error(trace.Except)
			require.True(errors.Is(trace.Except, test.expected), "%v", trace.Except)
			require.Nil(trace.Receipt)
			require.NoError(c.AbortBlock())
			requireAccount(t, c, alice, false)
		})
	}
}

func TestPopBlock(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	meta := newAccountTrx(t, c, alice)
	popped := produce(t, c, meta).Block
	requireAccount(t, c, alice, true)

	require.NoError(c.PopBlock())
	assert.Equal(uint32(1), c.Head().BlockNum)
	assert.Equal(int64(1), c.DB().Revision())
	assert.False(popped.InCurrentChain)
	requireAccount(t, c, alice, false)

	// the popped transaction is retried by the next block
	res := produceAt(t, c, popped.Header.Time().Add(c.Config().BlockInterval))
	require.Len(res.Traces, 1)
	require.NoError(res.Traces[0].Except)
	assert.Equal(meta.ID, res.Traces[0].ID)
	assert.NotEqual(popped.ID, res.Block.ID)
	assert.Equal(uint32(2), res.Block.BlockNum)
	assert.Equal(res.Block.ID, c.ForkDB().Head().ID)
	requireAccount(t, c, alice, true)
}

func TestUnappliedTransactions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	meta := newAccountTrx(t, c, alice)
	require.NoError(c.StartBlock(nextBlockTime(c), 0, BlockIncomplete, ids.Empty))
	trace, err := c.PushTransaction(meta, time.Time{}, nil)
	require.NoError(err)
	require.NoError(trace.Except)
	require.NoError(c.AbortBlock())
	requireAccount(t, c, alice, false)

	unapplied := c.UnappliedTransactions()
	require.Len(unapplied, 1)
	assert.Equal(meta.ID, unapplied[0].ID)
	assert.Empty(c.UnappliedTransactions())
}

func TestDeadlineIsSubjective(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := startTestController(t, testConfig())

	meta := newAccountTrx(t, c, alice)
	require.NoError(c.StartBlock(nextBlockTime(c), 0, BlockIncomplete, ids.Empty))
	// a deadline in the past fails the transaction before it runs
	trace, err := c.PushTransaction(meta, c.Clock().Now().Add(-time.Second), nil)
	require.NoError(err)
	assert.ErrorIs(trace.Except, ErrDeadlineExceeded)
	assert.True(IsSubjective(trace.Except))
	require.NoError(c.AbortBlock())
	requireAccount(t, c, alice, false)
}
