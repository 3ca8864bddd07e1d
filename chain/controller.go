// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/object"
	"github.com/ava-labs/chaindbvm/snapshot"
)

// BlockStatus tells how much of a block is already trusted.
type BlockStatus uint8

const (
	// BlockIrreversible blocks come from the block log
	BlockIrreversible BlockStatus = iota
	// BlockValidated blocks were applied before
	BlockValidated
	// BlockComplete blocks are received from the network
	BlockComplete
	// BlockIncomplete blocks are being produced
	BlockIncomplete
)

func (s BlockStatus) String() string {
	switch s {
	case BlockIrreversible:
		return "irreversible"
	case BlockValidated:
		return "validated"
	case BlockComplete:
		return "complete"
	case BlockIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Signal delivers events to its subscribers synchronously, in subscription
// order.
type Signal[T any] struct {
	handlers []func(T)
}

func (s *Signal[T]) Connect(f func(T)) { s.handlers = append(s.handlers, f) }

func (s *Signal[T]) emit(v T) {
	for _, f := range s.handlers {
		f(v)
	}
}

// BadReceiptBlock is a historical block whose receipts can't be reproduced.
type BadReceiptBlock struct {
	ID ids.ID
	// Transactions whose receipts are accepted as declared
	Transactions mapset.Set[ids.ID]
}

// History exposes the known anomalies of a chain.
type History interface {
	// SoftFail reports whether the failed deferred transaction [trxID] of
	// block [blockNum] is delivered to onerror.
	SoftFail(blockNum uint32, trxID ids.ID) bool
	BadReceipt(blockNum uint32) (BadReceiptBlock, bool)
}

// NoHistory is the History of a chain without anomalies.
type NoHistory struct{}

func (NoHistory) SoftFail(uint32, ids.ID) bool                { return false }
func (NoHistory) BadReceipt(uint32) (BadReceiptBlock, bool) { return BadReceiptBlock{}, false }

// Option configures a Controller.
type Option func(*Controller)

func WithWasm(w WasmInterface) Option { return func(c *Controller) { c.wasm = w } }

func WithHistory(h History) Option { return func(c *Controller) { c.history = h } }

func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

// WithRegistry adds handlers to the system ones. Handlers of [r] win on
// conflicts.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) {
		for k, h := range r.handlers {
			c.registry.handlers[k] = h
		}
	}
}

// pendingState is the block being built or validated.
type pendingState struct {
	session         *chaindb.Session
	blockState      *BlockState
	status          BlockStatus
	producerBlockID ids.ID

	actionDigests []ids.ID
	applied       []*TransactionMetadata
	blockCPU      uint64
	blockNet      uint64

	// declared id receipts of a validated block, by transaction id
	declared map[ids.ID]TransactionReceipt
	// badReceipts tolerate mismatching receipts of a known bad block
	badReceipts mapset.Set[ids.ID]
}

func (p *pendingState) receipts() []TransactionReceipt { return p.blockState.Block.Transactions }

// restorePoint returns a function that drops what was added to the pending
// block since the call.
func (p *pendingState) restorePoint() func() {
	receipts := len(p.blockState.Block.Transactions)
	digests := len(p.actionDigests)
	applied := len(p.applied)
	cpu, net := p.blockCPU, p.blockNet
	return func() {
		p.blockState.Block.Transactions = p.blockState.Block.Transactions[:receipts]
		p.actionDigests = p.actionDigests[:digests]
		p.applied = p.applied[:applied]
		p.blockCPU, p.blockNet = cpu, net
	}
}

// Controller drives the chain: it builds and validates blocks on top of the
// object store and tracks forks and irreversibility.
type Controller struct {
	config    Config
	log       log.Logger
	clock     clock.Clock
	db        *chaindb.Controller
	registry  *Registry
	wasm      WasmInterface
	history   History
	resources *ResourceLimits
	metrics   *metrics
	workers   *errgroup.Group

	reversible *reversibleStore
	blockLog   *BlockLog
	forkDB     *ForkDB
	head       *BlockState
	pending    *pendingState
	activeTrx  *TransactionContext

	replaying            bool
	inTrxRequiringChecks bool
	unapplied            map[ids.ID]*TransactionMetadata

	AcceptedBlock       Signal[*BlockState]
	AcceptedTransaction Signal[*TransactionMetadata]
	AppliedTransaction  Signal[*TransactionTrace]
	IrreversibleBlock   Signal[*BlockState]
}

// New creates a controller on [db]. The reversible blocks are kept in
// [stateDB] and the irreversible ones in [blockLog].
func New(
	config Config,
	db *chaindb.Controller,
	stateDB database.Database,
	blockLog *BlockLog,
	registerer prometheus.Registerer,
	logger log.Logger,
	opts ...Option,
) (*Controller, error) {
	reversible, err := newReversibleStore(stateDB, config.BlockCacheSize, config.MetricsNamespace, registerer)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(config.MetricsNamespace, registerer)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		config:     config,
		log:        logger,
		clock:      clock.NewDefaultClock(),
		db:         db,
		registry:   NewRegistry(),
		history:    NoHistory{},
		metrics:    m,
		workers:    new(errgroup.Group),
		reversible: reversible,
		blockLog:   blockLog,
		unapplied:  make(map[ids.ID]*TransactionMetadata),
	}
	c.resources = &ResourceLimits{c: c}
	if config.WorkerCount > 0 {
		c.workers.SetLimit(config.WorkerCount)
	}
	registerSystemHandlers(c.registry)
	for _, opt := range opts {
		opt(c)
	}
	if !db.HasABI(SystemAccount) {
		if err := db.SetABI(SystemAccount, SystemDef()); err != nil {
			return nil, fmt.Errorf("failed to install the system abi: %w", err)
		}
	}
	return c, nil
}

func (c *Controller) Config() Config                { return c.config }
func (c *Controller) DB() *chaindb.Controller       { return c.db }
func (c *Controller) Head() *BlockState             { return c.head }
func (c *Controller) ForkDB() *ForkDB               { return c.forkDB }
func (c *Controller) BlockLog() *BlockLog           { return c.blockLog }
func (c *Controller) Resources() *ResourceLimits    { return c.resources }
func (c *Controller) LastIrreversible() *BlockState { return c.forkDB.Root() }
func (c *Controller) Clock() clock.Clock            { return c.clock }
func (c *Controller) ChainID() ids.ID               { return c.config.ChainID }

// PendingBlock returns the block being built or nil.
func (c *Controller) PendingBlock() *BlockState {
	if c.pending == nil {
		return nil
	}
	return c.pending.blockState
}

// PendingTime is the timestamp of the pending block, or of the head when
// nothing is pending.
func (c *Controller) PendingTime() time.Time {
	if c.pending != nil {
		return c.pending.blockState.Header.Time()
	}
	return c.head.Header.Time()
}

// UnappliedTransactions returns the transactions dropped by aborted or
// popped blocks and forgets them.
func (c *Controller) UnappliedTransactions() []*TransactionMetadata {
	res := make([]*TransactionMetadata, 0, len(c.unapplied))
	for _, meta := range c.unapplied {
		res = append(res, meta)
	}
	c.unapplied = make(map[ids.ID]*TransactionMetadata)
	return res
}

// skipDBSessions reports whether blocks of [status] are applied without undo
// sessions. It never holds while revisions are left to undo.
func (c *Controller) skipDBSessions(status BlockStatus) bool {
	return status == BlockIrreversible && c.config.SkipDBSessions && !c.inTrxRequiringChecks &&
		c.db.UndoStackSize() == 0
}

func (c *Controller) pendingSkipsSessions() bool {
	return c.pending != nil && c.skipDBSessions(c.pending.status)
}

// skipTrxChecks reports whether authorization and TaPoS checks of the
// pending block can be skipped.
func (c *Controller) skipTrxChecks() bool {
	return c.pending != nil && c.pending.status == BlockIrreversible &&
		!c.config.ForceAllChecks && !c.inTrxRequiringChecks
}

// billRAM charges system table writes to the running transaction.
func (c *Controller) billRAM(payer abi.Name, delta int64) error {
	if c.activeTrx != nil {
		c.activeTrx.addRAMUsage(payer, delta)
	}
	return nil
}

// Startup brings the controller to its head: from [snapshot] when given,
// from the reversible store after a restart, or from genesis. The block log
// is replayed afterwards.
func (c *Controller) Startup(r *snapshot.Reader) error {
	initialized, err := c.reversible.IsInitialized()
	if err != nil {
		return err
	}
	switch {
	case r != nil:
		if err := c.ReadSnapshot(r); err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
	case initialized:
		if err := c.restoreReversible(); err != nil {
			return fmt.Errorf("failed to restore reversible blocks: %w", err)
		}
	default:
		if err := c.initializeGenesis(); err != nil {
			return fmt.Errorf("failed to initialize genesis: %w", err)
		}
	}
	c.log.Info("controller started",
		"head", c.head.BlockNum,
		"headID", c.head.ID,
		"irreversible", c.forkDB.Root().BlockNum,
	)
	return c.Replay()
}

func (c *Controller) restoreReversible() error {
	root, err := c.reversible.GetRoot()
	if err != nil {
		return err
	}
	head, err := c.reversible.GetHead()
	if err != nil {
		return err
	}
	if err := c.loadABIs(); err != nil {
		return err
	}
	if err := c.restoreForkDB(root, head); err != nil {
		return err
	}
	undo, err := c.reversible.UndoLog()
	if err != nil {
		return err
	}
	return c.restoreRevisions(undo)
}

// restoreForkDB rebuilds the fork database from the stored reversible
// blocks.
func (c *Controller) restoreForkDB(root, head *BlockState) error {
	c.forkDB = NewForkDB(root)
	blocks, err := c.reversible.Blocks()
	if err != nil {
		return err
	}
	for _, bs := range blocks {
		if bs.BlockNum <= root.BlockNum || bs.BlockNum > head.BlockNum {
			continue
		}
		if err := c.forkDB.Add(bs); err != nil {
			return err
		}
		c.forkDB.MarkInCurrentChain(bs, true)
	}
	if c.forkDB.Head().ID != head.ID {
		return wrap(ErrForkDatabase, "restored head %s doesn't match %s", c.forkDB.Head().ID, head.ID)
	}
	c.head = c.forkDB.Head()
	return nil
}

// restoreRevisions rebuilds the undo stack so that every reversible block
// can be popped.
func (c *Controller) restoreRevisions(undo []object.Value) error {
	if err := c.db.SetRevision(int64(c.forkDB.Root().BlockNum)); err != nil {
		return err
	}
	if err := c.db.RestoreUndoLog(undo); err != nil {
		return err
	}
	if rev := c.db.Revision(); rev != int64(c.head.BlockNum) {
		return wrap(ErrGuard, "restored revision %d doesn't match head %d", rev, c.head.BlockNum)
	}
	return nil
}

// loadABIs installs the schema stored in every account row.
func (c *Controller) loadABIs() error {
	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	it, err := accounts.Begin()
	if err != nil {
		return err
	}
	defer it.Close()
	return accounts.Primary().Each(it, accounts.End(), func(acc *accountObject) error {
		return c.installABI(acc.Name, acc.ABI)
	})
}

// installABI loads the raw schema [raw] of [account]. The system schema is
// always part of the system account schema.
func (c *Controller) installABI(account abi.Name, raw []byte) error {
	if len(raw) == 0 {
		if account == SystemAccount {
			return c.db.SetABI(account, SystemDef())
		}
		if c.db.HasABI(account) {
			return c.db.DropABI(account)
		}
		return nil
	}
	def, err := abi.ParseDef(raw)
	if err != nil {
		return withKind(ErrActionValidate, err)
	}
	if account == SystemAccount {
		def = abi.MergeDef(SystemDef(), def)
	}
	return c.db.SetABI(account, def)
}

// createNativeAccount creates [name] with owner and active permissions
// controlled by [key].
func (c *Controller) createNativeAccount(name abi.Name, key PublicKey, privileged bool, abiBytes []byte) error {
	accounts, err := c.accounts()
	if err != nil {
		return err
	}
	now := c.config.Genesis.Timestamp.UnixMicro()
	if _, err := accounts.EmplaceWithPK(name, uint64(name), func(acc *accountObject) {
		acc.Name = name
		acc.Privileged = privileged
		acc.ABI = abiBytes
		acc.CreationDate = now
	}); err != nil {
		return err
	}
	owner, err := c.createPermission(name, OwnerPermission, 0, KeyAuthority(key), now)
	if err != nil {
		return err
	}
	_, err = c.createPermission(name, ActivePermission, owner.ID, KeyAuthority(key), now)
	return err
}

func (c *Controller) createPermission(owner, name abi.Name, parent uint64, auth Authority, now int64) (*permissionObject, error) {
	perms, err := c.permissions()
	if err != nil {
		return nil, err
	}
	return perms.Emplace(owner, func(pk uint64, p *permissionObject) {
		p.ID = pk
		p.Owner = owner
		p.Name = name
		p.Parent = parent
		p.LastUpdated = now
		p.Auth = auth
	})
}

func (c *Controller) initializeGenesis() error {
	genesis := c.config.Genesis
	c.log.Info("initializing genesis", "timestamp", genesis.Timestamp, "key", genesis.Key)

	schedule := []ProducerKey{{ProducerName: SystemAccount, BlockSigningKey: genesis.Key}}
	header := BlockHeader{
		Timestamp: genesis.Timestamp.UnixMilli(),
		Producer:  SystemAccount,
	}
	id, err := header.ID()
	if err != nil {
		return err
	}
	bs := &BlockState{
		ID:             id,
		BlockNum:       header.BlockNum(),
		Header:         header,
		Block:          SignedBlock{Header: header},
		Validated:      true,
		InCurrentChain: true,
		Schedule:       schedule,
	}

	systemABI := SystemDef()
	systemABIBytes, err := systemABI.Bytes()
	if err != nil {
		return err
	}
	props, err := c.globalProperties()
	if err != nil {
		return err
	}
	if _, err := props.EmplaceWithPK(SystemAccount, 0, func(gp *globalProperty) {
		gp.Producers = producerArgs(schedule)
	}); err != nil {
		return err
	}
	errs := wrappers.Errs{}
	errs.Add(
		c.createNativeAccount(SystemAccount, genesis.Key, true, systemABIBytes),
		c.createNativeAccount(ProducersAccount, genesis.Key, false, nil),
		c.createNativeAccount(NullAccount, genesis.Key, false, nil),
	)
	if errs.Errored() {
		return errs.Err
	}
	if err := c.updateProducersAuthority(schedule, genesis.Timestamp); err != nil {
		return err
	}
	if err := c.writeBlockSummary(bs); err != nil {
		return err
	}
	if err := c.db.SetRevision(int64(bs.BlockNum)); err != nil {
		return err
	}

	if first, err := c.blockLog.ReadBlockByNum(bs.BlockNum); err != nil {
		return err
	} else if first == nil {
		if err := c.blockLog.Append(&bs.Block); err != nil {
			return err
		}
	} else if firstID, err := first.Header.ID(); err != nil || firstID != bs.ID {
		return wrap(ErrGuard, "block log starts with %s instead of genesis %s", firstID, bs.ID)
	}

	c.head = bs
	c.forkDB = NewForkDB(bs)
	errs.Add(
		c.reversible.SetRoot(bs),
		c.reversible.SetHead(bs),
		c.reversible.SetInitialized(),
		c.db.ApplyAllChanges(),
	)
	return errs.Err
}

func producerArgs(schedule []ProducerKey) []ProducerKeyArg {
	res := make([]ProducerKeyArg, len(schedule))
	for i, p := range schedule {
		res[i] = ProducerKeyArg{ProducerName: p.ProducerName, BlockSigningKey: append([]byte(nil), p.BlockSigningKey[:]...)}
	}
	return res
}

func producerSchedule(args []ProducerKeyArg) ([]ProducerKey, error) {
	res := make([]ProducerKey, len(args))
	for i, p := range args {
		key, err := PublicKeyFromBytes(p.BlockSigningKey)
		if err != nil {
			return nil, err
		}
		res[i] = ProducerKey{ProducerName: p.ProducerName, BlockSigningKey: key}
	}
	return res, nil
}

// updateProducersAuthority gives the producers account the authorities of
// the producers of [schedule].
func (c *Controller) updateProducersAuthority(schedule []ProducerKey, now time.Time) error {
	names := make([]abi.Name, len(schedule))
	for i, p := range schedule {
		names[i] = p.ProducerName
	}
	active, err := c.findPermission(PermissionLevel{Actor: ProducersAccount, Permission: ActivePermission})
	if err != nil {
		return err
	}
	if active == nil {
		return wrap(ErrGuard, "%s has no active permission", ProducersAccount)
	}
	for _, p := range []struct {
		name     abi.Name
		num, den uint32
	}{
		{ActivePermission, 2, 3},
		{MajorityPermission, 1, 2},
		{MinorityPermission, 1, 3},
	} {
		if err := c.setPermission(ProducersAccount, p.name, active.ID, producersAuthority(names, p.num, p.den), now); err != nil {
			return err
		}
	}
	return nil
}

// setPermission creates or replaces the permission [name] of [owner].
func (c *Controller) setPermission(owner, name abi.Name, parent uint64, auth Authority, now time.Time) error {
	perm, err := c.findPermission(PermissionLevel{Actor: owner, Permission: name})
	if err != nil {
		return err
	}
	if perm == nil {
		_, err := c.createPermission(owner, name, parent, auth, now.UnixMicro())
		return err
	}
	if authorityEqual(&perm.Auth, &auth) {
		return nil
	}
	perms, err := c.permissions()
	if err != nil {
		return err
	}
	return perms.ModifyObject(perm, abi.Name(0), func(p *permissionObject) {
		p.Auth = auth
		p.LastUpdated = now.UnixMicro()
	})
}

func authorityEqual(a, b *Authority) bool {
	if a.Threshold != b.Threshold || len(a.Keys) != len(b.Keys) || len(a.Accounts) != len(b.Accounts) {
		return false
	}
	for i := range a.Keys {
		if a.Keys[i].Weight != b.Keys[i].Weight || string(a.Keys[i].Key) != string(b.Keys[i].Key) {
			return false
		}
	}
	for i := range a.Accounts {
		if a.Accounts[i] != b.Accounts[i] {
			return false
		}
	}
	return true
}

// Close aborts the pending block and stores what a restart needs.
func (c *Controller) Close() error {
	if err := c.AbortBlock(); err != nil {
		return err
	}
	errs := wrappers.Errs{}
	if c.head != nil {
		errs.Add(
			c.reversible.SetUndoLog(c.db.UndoLog()),
			c.reversible.SetHead(c.head),
			c.reversible.SetRoot(c.forkDB.Root()),
		)
	}
	errs.Add(
		c.db.ApplyAllChanges(),
		c.reversible.Commit(),
		c.reversible.Close(),
		c.blockLog.Close(),
		c.db.Shutdown(),
	)
	return errs.Err
}
