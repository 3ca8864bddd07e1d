// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package snapshot

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsOf(rows ...string) func(func([]byte) error) error {
	return func(add func([]byte) error) error {
		for _, row := range rows {
			if err := add([]byte(row)); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf)
	require.NoError(err)
	require.NoError(w.WriteSection("account_table", rowsOf("alice", "bob")))
	require.NoError(w.WriteSection("undo_table", rowsOf()))
	require.NoError(w.WriteSection("market_orders", rowsOf("", "x")))
	written, err := w.Close()
	require.NoError(err)

	_, err = w.Close()
	assert.Error(err)
	assert.Error(w.WriteSection("late", rowsOf()))

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(err)

	var accounts []string
	require.NoError(r.ReadSection("account_table", func(row []byte) error {
		accounts = append(accounts, string(row))
		return nil
	}))
	assert.Equal([]string{"alice", "bob"}, accounts)
	require.NoError(r.ReadSection("undo_table", func([]byte) error {
		return errors.New("unexpected row")
	}))

	name, count, err := r.Section()
	require.NoError(err)
	assert.Equal("market_orders", name)
	assert.Equal(uint32(2), count)
	row, err := r.Row()
	require.NoError(err)
	assert.Empty(row)
	row, err = r.Row()
	require.NoError(err)
	assert.Equal([]byte("x"), row)
	_, err = r.Row()
	assert.Error(err)

	_, _, err = r.Section()
	assert.ErrorIs(err, io.EOF)
	read, err := r.Hash()
	require.NoError(err)
	assert.Equal(written, read)
}

func TestSnapshotHashDependsOnContent(t *testing.T) {
	hashOf := func(rows ...string) [32]byte {
		w, err := NewWriter(io.Discard)
		require.NoError(t, err)
		require.NoError(t, w.WriteSection("account_table", rowsOf(rows...)))
		h, err := w.Close()
		require.NoError(t, err)
		return h
	}
	assert.Equal(t, hashOf("a", "b"), hashOf("a", "b"))
	assert.NotEqual(t, hashOf("a", "b"), hashOf("ab"))
}

func TestSnapshotReaderErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := NewReader(bytes.NewReader([]byte("junk")))
	assert.Error(err)

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("account_table", rowsOf("a")))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.ErrorIs(r.ReadSection("undo_table", nil), ErrSectionMissing)

	// truncated streams are reported
	r, err = NewReader(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	require.NoError(t, err)
	_, _, err = r.Section()
	require.NoError(t, err)
	_, err = r.Row()
	assert.ErrorIs(err, io.ErrUnexpectedEOF)

	assert.ErrorIs(w.WriteSection("", rowsOf()), errClosed)
}
