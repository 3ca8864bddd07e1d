// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/chaindbvm/chain"
)

func testMeta(t *testing.T, expiration uint32) *chain.TransactionMetadata {
	packed, err := chain.SignTransaction(chain.DefaultConfig().ChainID, &chain.Transaction{Expiration: expiration})
	require.NoError(t, err)
	meta, err := chain.NewTransactionMetadata(packed)
	require.NoError(t, err)
	return meta
}

func TestMempool(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newMempool(2)
	_, err := m.Next()
	require.ErrorIs(err, errEmptyMempool)

	first, second := testMeta(t, 1), testMeta(t, 2)
	require.NoError(m.Add(first))
	select {
	case <-m.Ready():
	default:
		t.Fatal("mempool should be ready")
	}
	require.NoError(m.Add(second))
	assert.Equal(2, m.Len())
	require.Error(m.Add(testMeta(t, 3)))

	next, err := m.Next()
	require.NoError(err)
	assert.Equal(first.ID, next.ID)

	drained := m.Drain()
	require.Len(drained, 1)
	assert.Equal(second.ID, drained[0].ID)
	assert.Zero(m.Len())
	assert.Empty(m.Drain())
}

func TestConfigVerify(t *testing.T) {
	require := require.New(t)

	config := DefaultConfig()
	require.NoError(config.Verify())

	config.MempoolSize = 0
	require.ErrorIs(config.Verify(), errMempoolSize)

	config = DefaultConfig()
	config.Chain.BlockInterval = 0
	require.ErrorIs(config.Verify(), errBlockInterval)
}
