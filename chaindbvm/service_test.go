// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"testing"

	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/chaindbvm/chain"
)

func TestServiceGetInfo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	vm, _ := newTestVM(t, testConfig(t))
	service := &Service{vm: vm}

	var reply GetInfoReply
	require.NoError(service.GetInfo(nil, nil, &reply))
	assert.Equal(Version, reply.ServerVersion)
	assert.Equal(json.Uint32(1), reply.HeadBlockNum)
	assert.Equal(vm.chain.Head().ID, reply.HeadBlockID)
	assert.Equal(chain.SystemAccount, reply.HeadBlockProducer)
	assert.Equal(reply.HeadBlockID, reply.LastIrreversibleBlockID)
	assert.Zero(reply.PendingTransactions)
}

func TestServiceGetBlock(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	vm, _ := newTestVM(t, testConfig(t))
	service := &Service{vm: vm}
	head := vm.chain.Head()

	var byHead GetBlockReply
	require.NoError(service.GetBlock(nil, &GetBlockArgs{}, &byHead))
	assert.Equal(head.ID, byHead.ID)
	assert.Equal(json.Uint32(1), byHead.BlockNum)

	b, err := formatting.Decode(formatting.Hex, byHead.Bytes)
	require.NoError(err)
	parsed, err := chain.ParseSignedBlock(b)
	require.NoError(err)
	assert.Equal(head.Block.Header, parsed.Header)

	num := json.Uint32(1)
	var byNum GetBlockReply
	require.NoError(service.GetBlock(nil, &GetBlockArgs{Num: &num}, &byNum))
	assert.Equal(head.ID, byNum.ID)

	var byID GetBlockReply
	require.NoError(service.GetBlock(nil, &GetBlockArgs{ID: &head.ID}, &byID))
	assert.Equal(head.ID, byID.ID)

	num = 7
	require.ErrorIs(service.GetBlock(nil, &GetBlockArgs{Num: &num}, &GetBlockReply{}), errUnknownBlock)
}

func TestServiceAccounts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	vm, _ := newTestVM(t, testConfig(t))
	service := &Service{vm: vm}

	var account chain.AccountInfo
	require.NoError(service.GetAccount(nil, &AccountArgs{Name: chain.SystemAccount}, &account))
	assert.Equal(chain.SystemAccount, account.Name)
	assert.True(account.Privileged)
	assert.Len(account.Permissions, 2)

	require.ErrorIs(service.GetAccount(nil, &AccountArgs{Name: alice}, &chain.AccountInfo{}), chain.ErrUnknownAccount)

	var def GetABIReply
	require.NoError(service.GetABI(nil, &AccountArgs{Name: chain.SystemAccount}, &def))
	require.NotNil(def.ABI)
	assert.NotEmpty(def.ABI.Tables)

	var rows GetTableRowsReply
	require.NoError(service.GetTableRows(nil, &GetTableRowsArgs{
		Code:  chain.SystemAccount,
		Table: def.ABI.Tables[0].Name,
		Limit: 1,
	}, &rows))
	assert.Len(rows.Rows, 1)
	assert.True(rows.More)
}

func TestServicePushTransaction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	vm, _ := newTestVM(t, testConfig(t))
	service := &Service{vm: vm}

	require.Error(service.PushTransaction(nil, &PushTransactionArgs{Transaction: "0xzz"}, &PushTransactionReply{}))
	require.Error(service.PushTransaction(nil, &PushTransactionArgs{Transaction: "0x00"}, &PushTransactionReply{}))

	var reply PushTransactionReply
	require.NoError(service.PushTransaction(nil, &PushTransactionArgs{Transaction: newAccountTrx(t, vm, alice)}, &reply))
	assert.Equal(1, vm.mempool.Len())
	next, err := vm.mempool.Next()
	require.NoError(err)
	assert.Equal(reply.TxID, next.ID)
}
