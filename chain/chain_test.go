// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"bytes"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

var (
	genesisKey = secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	aliceKey   = secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))

	alice = abi.MustName("alice")
	bob   = abi.MustName("bob")
)

func testLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}

func testConfig() Config {
	config := DefaultConfig()
	config.WorkerCount = 2
	config.Genesis.Key = PublicKeyOf(genesisKey)
	return config
}

// newTestController creates a controller on in memory stores. It isn't
// started.
func newTestController(t *testing.T, config Config, opts ...Option) *Controller {
	return newTestControllerOn(t, config, lvlstorage.NewMemStorage(), opts...)
}

// newTestControllerOn creates a controller whose block log is kept in
// [stor].
func newTestControllerOn(t *testing.T, config Config, stor lvlstorage.Storage, opts ...Option) *Controller {
	require := require.New(t)

	logger := testLogger()
	registry := prometheus.NewRegistry()
	driver, err := storage.New(memdb.New(), logger)
	require.NoError(err)
	db, err := chaindb.New(config.ChainDB, driver, registry, logger)
	require.NoError(err)
	blockLog, err := NewBlockLog(stor)
	require.NoError(err)

	opts = append([]Option{WithClock(clock.NewTestClock(config.Genesis.Timestamp))}, opts...)
	c, err := New(config, db, memdb.New(), blockLog, registry, logger, opts...)
	require.NoError(err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startTestController(t *testing.T, config Config, opts ...Option) *Controller {
	c := newTestController(t, config, opts...)
	require.NoError(t, c.Startup(nil))
	return c
}

func nextBlockTime(c *Controller) time.Time {
	return c.Head().Header.Time().Add(c.Config().BlockInterval)
}

func produce(t *testing.T, c *Controller, trxs ...*TransactionMetadata) *ProducedBlock {
	return produceAt(t, c, nextBlockTime(c), trxs...)
}

func produceAt(t *testing.T, c *Controller, when time.Time, trxs ...*TransactionMetadata) *ProducedBlock {
	res, err := c.ProduceBlock(when, KeySigner(genesisKey), trxs)
	require.NoError(t, err)
	return res
}

func activeOf(account abi.Name) []PermissionLevel {
	return []PermissionLevel{{Actor: account, Permission: ActivePermission}}
}

func signTrx(t *testing.T, c *Controller, trx *Transaction, keys ...*secp256k1.PrivateKey) *TransactionMetadata {
	require := require.New(t)

	packed, err := SignTransaction(c.ChainID(), trx, keys...)
	require.NoError(err)
	meta, err := NewTransactionMetadata(packed)
	require.NoError(err)
	return meta
}

// signedTrx binds [acts] to the head and signs them with [keys].
func signedTrx(t *testing.T, c *Controller, acts []Action, keys ...*secp256k1.PrivateKey) *TransactionMetadata {
	trx := &Transaction{
		Expiration: uint32(c.Head().Header.Time().Add(10 * time.Minute).Unix()),
		Actions:    acts,
	}
	trx.SetReferenceBlock(c.Head().ID)
	return signTrx(t, c, trx, keys...)
}

func newAccountAction(t *testing.T, c *Controller, creator, name abi.Name, key PublicKey) Action {
	act, err := c.PackAction(SystemAccount, NewAccountAction, activeOf(creator), &NewAccount{
		Creator: creator,
		Name:    name,
		Owner:   KeyAuthority(key),
		Active:  KeyAuthority(key),
	})
	require.NoError(t, err)
	return act
}

// newAccountTrx creates [name] controlled by [aliceKey] on behalf of the
// system account.
func newAccountTrx(t *testing.T, c *Controller, name abi.Name) *TransactionMetadata {
	act := newAccountAction(t, c, SystemAccount, name, PublicKeyOf(aliceKey))
	return signedTrx(t, c, []Action{act}, genesisKey)
}

func requireAccount(t *testing.T, c *Controller, name abi.Name, exists bool) {
	ok, err := c.IsAccount(name)
	require.NoError(t, err)
	require.Equal(t, exists, ok, "account %s", name)
}
