// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/rpc/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"

	log "github.com/inconshreveable/log15"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/chaindbvm/chain"
	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
	"github.com/ava-labs/chaindbvm/snapshot"
)

const (
	Name    = "chaindbvm"
	Version = "v0.1.0"

	snapshotFile = "state.snapshot"
	blockLogDir  = "blocks"
)

var (
	errNotScheduled = errors.New("not the scheduled producer")
	errTooEarly     = errors.New("block slot isn't after the head")
	errNoProducer   = errors.New("no producer key configured")
)

// VM runs a chain controller behind a JSON-RPC API and, when it holds a
// producer key, produces blocks every block interval.
type VM struct {
	config Config
	log    log.Logger
	clock  clock.Clock

	// lock serializes every access to the controller
	lock     sync.Mutex
	chain    *chain.Controller
	mempool  *mempool
	registry *prometheus.Registry

	signer   chain.Signer
	producer chain.PublicKey
}

// New opens the stores under the data directory and starts the controller
// from the snapshot, the stored state or genesis.
func New(config Config, logger log.Logger, clk clock.Clock, opts ...chain.Option) (*VM, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	vm := &VM{
		config:   config,
		log:      logger,
		clock:    clk,
		mempool:  newMempool(config.MempoolSize),
		registry: prometheus.NewRegistry(),
	}
	if config.ProducerKey != "" {
		b, err := hex.DecodeString(config.ProducerKey)
		if err != nil {
			return nil, fmt.Errorf("invalid producer key: %w", err)
		}
		key := secp256k1.PrivKeyFromBytes(b)
		vm.signer = chain.KeySigner(key)
		vm.producer = chain.PublicKeyOf(key)
		if config.Chain.Genesis.Key == (chain.PublicKey{}) {
			vm.config.Chain.Genesis.Key = vm.producer
		}
	}

	blockLog, err := vm.openBlockLog()
	if err != nil {
		return nil, fmt.Errorf("failed to open block log: %w", err)
	}
	driver, err := storage.New(memdb.New(), logger)
	if err != nil {
		return nil, err
	}
	db, err := chaindb.New(vm.config.Chain.ChainDB, driver, vm.registry, logger)
	if err != nil {
		return nil, err
	}
	opts = append([]chain.Option{chain.WithClock(clk)}, opts...)
	vm.chain, err = chain.New(vm.config.Chain, db, memdb.New(), blockLog, vm.registry, logger, opts...)
	if err != nil {
		return nil, err
	}

	path := vm.snapshotPath()
	if path == "" {
		return vm, vm.chain.Startup(nil)
	}
	logger.Info("loading snapshot", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := snapshot.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return vm, vm.chain.Startup(r)
}

func (vm *VM) openBlockLog() (*chain.BlockLog, error) {
	if vm.config.DataDir == "" {
		return chain.NewBlockLog(lvlstorage.NewMemStorage())
	}
	return chain.OpenBlockLog(filepath.Join(vm.config.DataDir, blockLogDir))
}

// snapshotPath returns the configured snapshot or the one written by the
// last shutdown, if any.
func (vm *VM) snapshotPath() string {
	if vm.config.SnapshotPath != "" {
		return vm.config.SnapshotPath
	}
	if vm.config.DataDir == "" {
		return ""
	}
	path := filepath.Join(vm.config.DataDir, snapshotFile)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Run produces blocks until [ctx] is done. Without a producer key it only
// waits.
func (vm *VM) Run(ctx context.Context) error {
	if vm.signer == nil {
		<-ctx.Done()
		return nil
	}
	interval := vm.config.Chain.BlockInterval
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-vm.clock.TickAfter(interval):
		case <-vm.mempool.Ready():
		}
		if _, err := vm.BuildBlock(); err != nil {
			switch {
			case errors.Is(err, errTooEarly), errors.Is(err, errNotScheduled):
				vm.log.Debug("skipping block slot", "reason", err)
			default:
				vm.log.Warn("failed to produce block", "err", err)
			}
		}
	}
}

// BuildBlock produces a block in the current slot from the mempool.
func (vm *VM) BuildBlock() (*chain.ProducedBlock, error) {
	if vm.signer == nil {
		return nil, errNoProducer
	}
	vm.lock.Lock()
	defer vm.lock.Unlock()

	interval := vm.config.Chain.BlockInterval
	head := vm.chain.Head()
	when := vm.clock.Now().Truncate(interval)
	if !when.After(head.Header.Time()) {
		return nil, errTooEarly
	}
	producer, ok := head.ScheduledProducer(when, interval)
	if !ok || producer.BlockSigningKey != vm.producer {
		return nil, fmt.Errorf("%w at %s", errNotScheduled, when)
	}
	produced, err := vm.chain.ProduceBlock(when, vm.signer, vm.mempool.Drain())
	if err != nil {
		return nil, err
	}
	vm.log.Info("produced block",
		"block", produced.Block.BlockNum,
		"id", produced.Block.ID,
		"transactions", len(produced.Block.Block.Transactions),
	)
	return produced, nil
}

// CreateHandlers returns the JSON-RPC API and the metrics endpoint by path.
func (vm *VM) CreateHandlers() (map[string]http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := server.RegisterService(&Service{vm: vm}, ServiceName); err != nil {
		return nil, err
	}
	return map[string]http.Handler{
		"/rpc":     server,
		"/metrics": promhttp.HandlerFor(vm.registry, promhttp.HandlerOpts{}),
	}, nil
}

// Shutdown stores the state in the data directory and closes the stores.
func (vm *VM) Shutdown() error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.chain.AbortBlock(); err != nil {
		return err
	}
	if vm.config.DataDir != "" {
		start := time.Now()
		hash, err := vm.writeSnapshot(filepath.Join(vm.config.DataDir, snapshotFile))
		if err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		vm.log.Info("snapshot written", "hash", hash, "elapsed", time.Since(start))
	}
	return vm.chain.Close()
}

// writeSnapshot replaces the file at [path] with a snapshot of the state.
func (vm *VM) writeSnapshot(path string) (string, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	sw, err := snapshot.NewWriter(w)
	if err != nil {
		f.Close()
		return "", err
	}
	if err := vm.chain.WriteSnapshot(sw); err != nil {
		f.Close()
		return "", err
	}
	hash, err := sw.Close()
	if err != nil {
		f.Close()
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hash.String(), os.Rename(tmp, path)
}
