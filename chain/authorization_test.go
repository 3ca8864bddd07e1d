// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAuthorization(t *testing.T) {
	c := startTestController(t, testConfig())
	actions := []Action{newAccountAction(t, c, SystemAccount, alice, PublicKeyOf(aliceKey))}
	genesis, user := PublicKeyOf(genesisKey), PublicKeyOf(aliceKey)

	sets := map[string]func(...PublicKey) mapset.Set[PublicKey]{
		"thread safe":   mapset.NewSet[PublicKey],
		"thread unsafe": mapset.NewThreadUnsafeSet[PublicKey],
	}
	for name, newSet := range sets {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			assert.NoError(c.CheckAuthorization(actions, newSet(genesis), false))
			assert.ErrorIs(c.CheckAuthorization(actions, newSet(genesis, user), false), ErrIrrelevantSig)
			assert.NoError(c.CheckAuthorization(actions, newSet(genesis, user), true))
			assert.ErrorIs(c.CheckAuthorization(actions, newSet(user), true), ErrMissingAuth)
			assert.ErrorIs(c.CheckAuthorization(actions, newSet(), false), ErrMissingAuth)
		})
	}
}

func TestCheckAuthorizationWithRecoveredKeys(t *testing.T) {
	require := require.New(t)

	c := startTestController(t, testConfig())
	meta := newAccountTrx(t, c, alice)
	keys, err := meta.RecoverKeys(c.ChainID())
	require.NoError(err)
	require.NoError(c.CheckAuthorization(meta.Trx.Actions, keys, false))

	extra := signedTrx(t, c, meta.Trx.Actions, genesisKey, aliceKey)
	keys, err = extra.RecoverKeys(c.ChainID())
	require.NoError(err)
	require.ErrorIs(c.CheckAuthorization(extra.Trx.Actions, keys, false), ErrIrrelevantSig)
}
