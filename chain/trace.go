// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
)

// TransactionMetadata is a transaction together with what is derived from
// it before execution.
type TransactionMetadata struct {
	ID       ids.ID
	Packed   *PackedTransaction
	Trx      *Transaction
	Implicit bool
	Accepted bool

	once        sync.Once
	keys        mapset.Set[PublicKey]
	keysErr     error
	recoverTime time.Duration
}

// NewTransactionMetadata unpacks [packed].
func NewTransactionMetadata(packed *PackedTransaction) (*TransactionMetadata, error) {
	trx, err := packed.Unpack()
	if err != nil {
		return nil, err
	}
	return &TransactionMetadata{ID: packed.ID(), Packed: packed, Trx: trx}, nil
}

// newImplicitMetadata wraps a transaction the controller generates itself.
func newImplicitMetadata(trx *Transaction) (*TransactionMetadata, error) {
	b, err := trx.Bytes()
	if err != nil {
		return nil, err
	}
	packed := &PackedTransaction{PackedTrx: b}
	return &TransactionMetadata{ID: packed.ID(), Packed: packed, Trx: trx, Implicit: true}, nil
}

// RecoverKeys returns the keys that signed the transaction for [chainID]. The
// result is computed once.
func (m *TransactionMetadata) RecoverKeys(chainID ids.ID) (mapset.Set[PublicKey], error) {
	m.once.Do(func() {
		start := time.Now()
		digest := SigningDigest(chainID, m.Packed.PackedTrx)
		keys := mapset.NewThreadUnsafeSet[PublicKey]()
		for _, sig := range m.Packed.Signatures {
			key, err := RecoverKey(digest, sig)
			if err != nil {
				m.keysErr = wrap(ErrIrrelevantSig, "bad signature: %v", err)
				return
			}
			if keys.Contains(key) {
				m.keysErr = wrap(ErrIrrelevantSig, "duplicate signature of %s", key)
				return
			}
			keys.Add(key)
		}
		m.keys = keys
		m.recoverTime = time.Since(start)
	})
	return m.keys, m.keysErr
}

// recoverKeys recovers the keys of [metas] on at most [workers] goroutines.
// Failures are kept in the metadata and reported when the transaction is
// pushed.
func recoverKeys(ctx context.Context, chainID ids.ID, metas []*TransactionMetadata, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, meta := range metas {
		meta := meta
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, _ = meta.RecoverKeys(chainID)
			return nil
		})
	}
	return g.Wait()
}

type ActionTrace struct {
	Receipt     ActionReceipt `json:"receipt"`
	Act         Action        `json:"act"`
	ContextFree bool          `json:"context_free"`
	Elapsed     time.Duration `json:"elapsed"`
	// Inline holds the traces of the actions this one sent.
	Inline []*ActionTrace `json:"inline_traces"`
}

// TransactionTrace is the outcome of a pushed transaction. A recoverable
// failure is kept in Except.
type TransactionTrace struct {
	ID         ids.ID                    `json:"id"`
	BlockNum   uint32                    `json:"block_num"`
	Receipt    *TransactionReceiptHeader `json:"receipt,omitempty"`
	Elapsed    time.Duration             `json:"elapsed"`
	NetUsage   uint64                    `json:"net_usage"`
	Scheduled  bool                      `json:"scheduled"`
	Nested     bool                      `json:"nested"`
	SentNested bool                      `json:"sent_nested"`

	ActionTraces []*ActionTrace `json:"action_traces"`
	// FailedDeferredTrace is the failed execution that an onerror
	// delivery replaced.
	FailedDeferredTrace *TransactionTrace `json:"failed_dtrx_trace,omitempty"`
	// NestedTrace is the trace of the nested transaction sent by this one.
	NestedTrace *TransactionTrace `json:"nested_trace,omitempty"`

	Except error `json:"-"`
}
