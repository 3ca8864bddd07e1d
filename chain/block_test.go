// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushBlock(c *Controller, b *SignedBlock) error {
	f, err := c.CreateBlockStateFuture(b)
	if err != nil {
		return err
	}
	return c.PushBlock(f, BlockComplete)
}

func TestValidateProducedBlocks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	config.FinalityDepth = 2
	producer := startTestController(t, config)
	validator := startTestController(t, config)
	require.Equal(producer.Head().ID, validator.Head().ID)

	var blocks []*SignedBlock
	blocks = append(blocks, &produce(t, producer).Block.Block)
	blocks = append(blocks, &produce(t, producer, newAccountTrx(t, producer, alice)).Block.Block)
	blocks = append(blocks, &produce(t, producer).Block.Block)
	blocks = append(blocks, &produce(t, producer).Block.Block)

	for _, b := range blocks {
		require.NoError(pushBlock(validator, b))
	}
	assert.Equal(producer.Head().ID, validator.Head().ID)
	assert.Equal(producer.LastIrreversible().ID, validator.LastIrreversible().ID)
	assert.Equal(producer.BlockLog().HeadNum(), validator.BlockLog().HeadNum())
	requireAccount(t, validator, alice, true)

	expected, err := producer.CalculateIntegrityHash()
	require.NoError(err)
	got, err := validator.CalculateIntegrityHash()
	require.NoError(err)
	assert.Equal(expected, got)

	// a known block is rejected
	_, err = validator.CreateBlockStateFuture(blocks[len(blocks)-1])
	assert.ErrorIs(err, ErrForkDatabase)
}

func TestPushUnlinkableBlock(t *testing.T) {
	require := require.New(t)

	config := testConfig()
	producer := startTestController(t, config)
	validator := startTestController(t, config)

	produce(t, producer)
	second := produce(t, producer).Block

	_, err := validator.CreateBlockStateFuture(&second.Block)
	require.ErrorIs(err, ErrUnlinkableBlock)
	require.Equal(uint32(1), validator.Head().BlockNum)
}

func TestPushBlockWithBadSignature(t *testing.T) {
	require := require.New(t)

	config := testConfig()
	producer := startTestController(t, config)
	validator := startTestController(t, config)

	b := produce(t, producer).Block.Block
	digest, err := b.Header.Digest(config.ChainID)
	require.NoError(err)
	b.ProducerSignature = ecdsa.SignCompact(aliceKey, digest[:], true)

	require.ErrorIs(pushBlock(validator, &b), ErrInvalidSignature)
	require.Equal(uint32(1), validator.Head().BlockNum)
}

func TestPushBlockWithBadReceipt(t *testing.T) {
	require := require.New(t)

	config := testConfig()
	producer := startTestController(t, config)
	validator := startTestController(t, config)

	b := produce(t, producer, newAccountTrx(t, producer, alice)).Block.Block
	require.Len(b.Transactions, 1)
	tampered := b
	tampered.Transactions = append([]TransactionReceipt(nil), b.Transactions...)
	tampered.Transactions[0].Header.NetUsageWords++

	require.ErrorIs(pushBlock(validator, &tampered), ErrBlockValidate)
	require.Equal(uint32(1), validator.Head().BlockNum)
	requireAccount(t, validator, alice, false)

	// the invalid block is dropped and the original one still applies
	require.NoError(pushBlock(validator, &b))
	require.Equal(producer.Head().ID, validator.Head().ID)
	requireAccount(t, validator, alice, true)
}

func TestSwitchForks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	c := startTestController(t, config)
	other := startTestController(t, config)

	// the local branch creates alice in block 2
	local := produce(t, c, newAccountTrx(t, c, alice)).Block
	requireAccount(t, c, alice, true)

	// the other branch is longer and creates bob
	interval := config.BlockInterval
	start := local.Header.Time().Add(interval)
	var branch []*SignedBlock
	for i := 0; i < 3; i++ {
		var trxs []*TransactionMetadata
		if i == 1 {
			trxs = append(trxs, newAccountTrx(t, other, bob))
		}
		res := produceAt(t, other, start.Add(interval*time.Duration(i)), trxs...)
		branch = append(branch, &res.Block.Block)
	}

	for _, b := range branch {
		require.NoError(pushBlock(c, b))
	}
	assert.Equal(other.Head().ID, c.Head().ID)
	assert.False(local.InCurrentChain)
	requireAccount(t, c, alice, false)
	requireAccount(t, c, bob, true)

	// the transaction of the abandoned block can be produced again
	unapplied := c.UnappliedTransactions()
	require.Len(unapplied, 1)
	assert.Equal(local.Block.Transactions[0].TrxID(), unapplied[0].ID)
}
