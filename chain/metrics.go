// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	blocksApplied          prometheus.Counter
	transactionsApplied    prometheus.Counter
	transactionsFailed     prometheus.Counter
	transactionsHardFailed prometheus.Counter
	head                   prometheus.Gauge
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_applied",
			Help:      "Number of blocks committed to the chain",
		}),
		transactionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_applied",
			Help:      "Number of transactions executed successfully",
		}),
		transactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_failed",
			Help:      "Number of transactions rejected without a receipt",
		}),
		transactionsHardFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_hard_failed",
			Help:      "Number of deferred transactions that failed with a hard_fail receipt",
		}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_block",
			Help:      "Number of the head block",
		}),
	}
	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.blocksApplied),
		registerer.Register(m.transactionsApplied),
		registerer.Register(m.transactionsFailed),
		registerer.Register(m.transactionsHardFailed),
		registerer.Register(m.head),
	)
	return m, errs.Err
}
