// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chain"
	"github.com/ava-labs/chaindbvm/chaindbvm"
)

var producerKey = secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))

func newTestServer(t *testing.T) (Client, *chaindbvm.VM) {
	require := require.New(t)

	config := chaindbvm.DefaultConfig()
	config.ProducerKey = hex.EncodeToString(producerKey.Serialize())
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())

	vm, err := chaindbvm.New(config, logger, clock.NewTestClock(config.Chain.Genesis.Timestamp))
	require.NoError(err)
	t.Cleanup(func() { _ = vm.Shutdown() })

	handlers, err := vm.CreateHandlers()
	require.NoError(err)
	server := httptest.NewServer(handlers["/rpc"])
	t.Cleanup(server.Close)
	return New(server.URL), vm
}

func TestClient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cli, _ := newTestServer(t)
	ctx := context.Background()

	info, err := cli.GetInfo(ctx)
	require.NoError(err)
	assert.Equal(json.Uint32(1), info.HeadBlockNum)
	assert.Equal(chaindbvm.Version, info.ServerVersion)

	blk, err := cli.GetBlock(ctx, 1)
	require.NoError(err)
	assert.Equal(info.HeadBlockID, blk.ID)

	account, err := cli.GetAccount(ctx, chain.SystemAccount)
	require.NoError(err)
	assert.Equal(chain.SystemAccount, account.Name)
	assert.True(account.Privileged)

	_, err = cli.GetBlock(ctx, 10)
	assert.Error(err)

	trx := &chain.Transaction{Expiration: uint32(time.Now().Unix())}
	packed, err := chain.SignTransaction(info.ChainID, trx, producerKey)
	require.NoError(err)
	id, err := cli.PushTransaction(ctx, packed)
	require.NoError(err)
	assert.Equal(packed.ID(), id)

	info, err = cli.GetInfo(ctx)
	require.NoError(err)
	assert.Equal(json.Uint32(1), info.PendingTransactions)
}
