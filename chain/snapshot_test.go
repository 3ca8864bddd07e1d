// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"bytes"
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/chaindbvm/snapshot"
)

func writeSnapshot(t *testing.T, c *Controller) ([]byte, ids.ID) {
	require := require.New(t)

	var buf bytes.Buffer
	w, err := snapshot.NewWriter(&buf)
	require.NoError(err)
	require.NoError(c.WriteSnapshot(w))
	hash, err := w.Close()
	require.NoError(err)
	return buf.Bytes(), hash
}

func TestSnapshotRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config := testConfig()
	config.FinalityDepth = 2
	c := startTestController(t, config)
	produce(t, c)
	produce(t, c, newAccountTrx(t, c, alice))
	produce(t, c)
	produce(t, c)

	b, hash := writeSnapshot(t, c)
	integrity, err := c.CalculateIntegrityHash()
	require.NoError(err)
	assert.Equal(hash, integrity)

	restored := newTestController(t, config)
	r, err := snapshot.NewReader(bytes.NewReader(b))
	require.NoError(err)
	require.NoError(restored.Startup(r))

	assert.Equal(c.Head().ID, restored.Head().ID)
	assert.Equal(c.LastIrreversible().ID, restored.LastIrreversible().ID)
	assert.Equal(c.ForkDB().Size(), restored.ForkDB().Size())
	assert.Equal(c.DB().Revision(), restored.DB().Revision())
	requireAccount(t, restored, alice, true)

	got, err := restored.CalculateIntegrityHash()
	require.NoError(err)
	assert.Equal(hash, got)

	// both continue with the same block
	when := nextBlockTime(c)
	expected := produceAt(t, c, when).Block
	next := produceAt(t, restored, when).Block
	assert.Equal(expected.ID, next.ID)
}

func TestSnapshotWithPendingBlock(t *testing.T) {
	require := require.New(t)

	c := startTestController(t, testConfig())
	require.NoError(c.StartBlock(nextBlockTime(c), 0, BlockIncomplete, ids.Empty))

	w, err := snapshot.NewWriter(&bytes.Buffer{})
	require.NoError(err)
	require.ErrorIs(c.WriteSnapshot(w), errSnapshotPending)
	_, err = c.CalculateIntegrityHash()
	require.ErrorIs(err, errSnapshotPending)
}

func TestIntegrityHashTracksState(t *testing.T) {
	require := require.New(t)

	config := testConfig()
	c := startTestController(t, config)
	other := startTestController(t, config)

	first, err := c.CalculateIntegrityHash()
	require.NoError(err)
	second, err := other.CalculateIntegrityHash()
	require.NoError(err)
	require.Equal(first, second)

	produce(t, c)
	changed, err := c.CalculateIntegrityHash()
	require.NoError(err)
	require.NotEqual(first, changed)
}
