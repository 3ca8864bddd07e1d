// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/chaindbvm/chaindb"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindb/multiindex"
	"github.com/ava-labs/chaindbvm/chaindb/storage"
)

var (
	SystemAccount    = abi.MustName("cyber")
	ProducersAccount = abi.MustName("cyber.prods")
	NullAccount      = abi.MustName("cyber.null")

	OwnerPermission    = abi.MustName("owner")
	ActivePermission   = abi.MustName("active")
	MajorityPermission = abi.MustName("prod.major")
	MinorityPermission = abi.MustName("prod.minor")

	OnBlockAction     = abi.MustName("onblock")
	OnErrorAction     = abi.MustName("onerror")
	NewAccountAction  = abi.MustName("newaccount")
	SetABIAction      = abi.MustName("setabi")
	SetCodeAction     = abi.MustName("setcode")
	UpdateAuthAction  = abi.MustName("updateauth")
	DeleteAuthAction  = abi.MustName("deleteauth")
	SetProdsAction    = abi.MustName("setprods")
	SetPrivAction     = abi.MustName("setpriv")
	CancelDelayAction = abi.MustName("canceldelay")

	accountTable      = abi.MustName("account")
	permissionTable   = abi.MustName("permission")
	gtransactionTable = abi.MustName("gtransaction")
	transactionTable  = abi.MustName("transaction")
	blockSummaryTable = abi.MustName("blocksummary")
	gpropertyTable    = abi.MustName("gproperty")
	resUsageTable     = abi.MustName("resusage")

	primaryIndex  = abi.MustName("primary")
	byOwnerIndex  = abi.MustName("byowner")
	byTrxIDIndex  = abi.MustName("bytrxid")
	bySenderIndex = abi.MustName("bysender")
	byDelayIndex  = abi.MustName("bydelay")
	byExpiryIndex = abi.MustName("byexpiry")
)

// blockSummarySlots is the number of recent block ids kept for TaPoS.
const blockSummarySlots = 0x10000

// KeyWeight, PermissionLevelWeight and Authority mirror the builtin
// authority structs of the ABI layer.
type KeyWeight struct {
	Key    []byte `abi:"key"`
	Weight uint16 `abi:"weight"`
}

type PermissionLevelWeight struct {
	Permission PermissionLevel `abi:"permission"`
	Weight     uint16          `abi:"weight"`
}

type Authority struct {
	Threshold uint32                  `abi:"threshold"`
	Keys      []KeyWeight             `abi:"keys"`
	Accounts  []PermissionLevelWeight `abi:"accounts"`
}

// KeyAuthority is satisfied by a single signature of [key].
func KeyAuthority(key PublicKey) Authority {
	return Authority{
		Threshold: 1,
		Keys:      []KeyWeight{{Key: append([]byte(nil), key[:]...), Weight: 1}},
	}
}

type accountObject struct {
	Name           abi.Name `abi:"name"`
	Privileged     bool     `abi:"privileged"`
	CodeHash       ids.ID   `abi:"code_hash"`
	ABI            []byte   `abi:"abi"`
	CreationDate   int64    `abi:"creation_date"`
	LastCodeUpdate int64    `abi:"last_code_update"`
	RecvSequence   uint64   `abi:"recv_sequence"`
}

type permissionObject struct {
	ID          uint64    `abi:"id"`
	Owner       abi.Name  `abi:"owner"`
	Name        abi.Name  `abi:"name"`
	Parent      uint64    `abi:"parent"`
	LastUpdated int64     `abi:"last_updated"`
	Auth        Authority `abi:"auth"`
}

type generatedTransaction struct {
	ID         uint64   `abi:"id"`
	TrxID      ids.ID   `abi:"trx_id"`
	Sender     abi.Name `abi:"sender"`
	SenderID   uint64   `abi:"sender_id"`
	Payer      abi.Name `abi:"payer"`
	DelayUntil int64    `abi:"delay_until"`
	Expiration int64    `abi:"expiration"`
	Published  int64    `abi:"published"`
	PackedTrx  []byte   `abi:"packed_trx"`
}

type transactionObject struct {
	ID         uint64 `abi:"id"`
	TrxID      ids.ID `abi:"trx_id"`
	Expiration int64  `abi:"expiration"`
}

type blockSummaryObject struct {
	ID      uint64 `abi:"id"`
	BlockID ids.ID `abi:"block_id"`
}

// ProducerKeyArg is a schedule entry in its ABI form.
type ProducerKeyArg struct {
	ProducerName    abi.Name `abi:"producer_name"`
	BlockSigningKey []byte   `abi:"block_signing_key"`
}

type globalProperty struct {
	ID              uint64           `abi:"id"`
	GlobalActionSeq uint64           `abi:"global_action_seq"`
	ScheduleVersion uint32           `abi:"schedule_version"`
	Producers       []ProducerKeyArg `abi:"producers"`
	BlockCPU        uint64           `abi:"block_cpu"`
	BlockNet        uint64           `abi:"block_net"`
	TotalCPU        uint64           `abi:"total_cpu"`
	TotalNet        uint64           `abi:"total_net"`
}

type resourceUsage struct {
	Owner   abi.Name `abi:"owner"`
	CPU     uint64   `abi:"cpu"`
	Net     uint64   `abi:"net"`
	RAM     int64    `abi:"ram"`
	Storage int64    `abi:"storage"`
}

// Action arguments of the system contract.

type NewAccount struct {
	Creator abi.Name  `abi:"creator"`
	Name    abi.Name  `abi:"name"`
	Owner   Authority `abi:"owner"`
	Active  Authority `abi:"active"`
}

type SetABI struct {
	Account abi.Name `abi:"account"`
	ABI     []byte   `abi:"abi"`
}

type SetCode struct {
	Account   abi.Name `abi:"account"`
	VMType    uint8    `abi:"vmtype"`
	VMVersion uint8    `abi:"vmversion"`
	Code      []byte   `abi:"code"`
}

type UpdateAuth struct {
	Account    abi.Name  `abi:"account"`
	Permission abi.Name  `abi:"permission"`
	Parent     abi.Name  `abi:"parent"`
	Auth       Authority `abi:"auth"`
}

type DeleteAuth struct {
	Account    abi.Name `abi:"account"`
	Permission abi.Name `abi:"permission"`
}

type SetProds struct {
	Schedule []ProducerKeyArg `abi:"schedule"`
}

type SetPriv struct {
	Account abi.Name `abi:"account"`
	IsPriv  uint8    `abi:"is_priv"`
}

type CancelDelay struct {
	CancelingAuth PermissionLevel `abi:"canceling_auth"`
	TrxID         ids.ID          `abi:"trx_id"`
}

type OnError struct {
	SenderID uint64 `abi:"sender_id"`
	SentTrx  []byte `abi:"sent_trx"`
}

type OnBlock struct {
	Timestamp       int64    `abi:"timestamp"`
	Producer        abi.Name `abi:"producer"`
	Confirmed       uint16   `abi:"confirmed"`
	Previous        ids.ID   `abi:"previous"`
	ScheduleVersion uint32   `abi:"schedule_version"`
}

func field(name, typ string) abi.FieldDef { return abi.FieldDef{Name: name, Type: typ} }

func asc(fields ...string) []abi.OrderDef {
	orders := make([]abi.OrderDef, len(fields))
	for i, f := range fields {
		orders[i] = abi.OrderDef{Field: f, Order: abi.OrderAsc}
	}
	return orders
}

func primary(f string) abi.IndexDef {
	return abi.IndexDef{Name: primaryIndex, Unique: true, Orders: asc(f)}
}

// SystemDef describes the tables and actions of the system account.
func SystemDef() abi.Def {
	return abi.Def{
		Version: abi.Version,
		Structs: []abi.StructDef{
			{Name: "account", Fields: []abi.FieldDef{
				field("name", "name"),
				field("privileged", "bool"),
				field("code_hash", "checksum256"),
				field("abi", "bytes"),
				field("creation_date", "time_point"),
				field("last_code_update", "time_point"),
				field("recv_sequence", "uint64"),
			}},
			{Name: "permission", Fields: []abi.FieldDef{
				field("id", "uint64"),
				field("owner", "name"),
				field("name", "name"),
				field("parent", "uint64"),
				field("last_updated", "time_point"),
				field("auth", "authority"),
			}},
			{Name: "generated_transaction", Fields: []abi.FieldDef{
				field("id", "uint64"),
				field("trx_id", "checksum256"),
				field("sender", "name"),
				field("sender_id", "uint64"),
				field("payer", "name"),
				field("delay_until", "time_point"),
				field("expiration", "time_point"),
				field("published", "time_point"),
				field("packed_trx", "bytes"),
			}},
			{Name: "transaction_object", Fields: []abi.FieldDef{
				field("id", "uint64"),
				field("trx_id", "checksum256"),
				field("expiration", "time_point"),
			}},
			{Name: "block_summary", Fields: []abi.FieldDef{
				field("id", "uint64"),
				field("block_id", "checksum256"),
			}},
			{Name: "producer_key", Fields: []abi.FieldDef{
				field("producer_name", "name"),
				field("block_signing_key", "public_key"),
			}},
			{Name: "global_property", Fields: []abi.FieldDef{
				field("id", "uint64"),
				field("global_action_seq", "uint64"),
				field("schedule_version", "uint32"),
				field("producers", "producer_key[]"),
				field("block_cpu", "uint64"),
				field("block_net", "uint64"),
				field("total_cpu", "uint64"),
				field("total_net", "uint64"),
			}},
			{Name: "resource_usage", Fields: []abi.FieldDef{
				field("owner", "name"),
				field("cpu", "uint64"),
				field("net", "uint64"),
				field("ram", "int64"),
				field("storage", "int64"),
			}},
			{Name: "newaccount", Fields: []abi.FieldDef{
				field("creator", "name"),
				field("name", "name"),
				field("owner", "authority"),
				field("active", "authority"),
			}},
			{Name: "setabi", Fields: []abi.FieldDef{
				field("account", "name"),
				field("abi", "bytes"),
			}},
			{Name: "setcode", Fields: []abi.FieldDef{
				field("account", "name"),
				field("vmtype", "uint8"),
				field("vmversion", "uint8"),
				field("code", "bytes"),
			}},
			{Name: "updateauth", Fields: []abi.FieldDef{
				field("account", "name"),
				field("permission", "name"),
				field("parent", "name"),
				field("auth", "authority"),
			}},
			{Name: "deleteauth", Fields: []abi.FieldDef{
				field("account", "name"),
				field("permission", "name"),
			}},
			{Name: "setprods", Fields: []abi.FieldDef{
				field("schedule", "producer_key[]"),
			}},
			{Name: "setpriv", Fields: []abi.FieldDef{
				field("account", "name"),
				field("is_priv", "uint8"),
			}},
			{Name: "canceldelay", Fields: []abi.FieldDef{
				field("canceling_auth", "permission_level"),
				field("trx_id", "checksum256"),
			}},
			{Name: "onerror", Fields: []abi.FieldDef{
				field("sender_id", "uint64"),
				field("sent_trx", "bytes"),
			}},
			{Name: "onblock", Fields: []abi.FieldDef{
				field("timestamp", "int64"),
				field("producer", "name"),
				field("confirmed", "uint16"),
				field("previous", "checksum256"),
				field("schedule_version", "uint32"),
			}},
		},
		Actions: []abi.ActionDef{
			{Name: NewAccountAction, Type: "newaccount"},
			{Name: SetABIAction, Type: "setabi"},
			{Name: SetCodeAction, Type: "setcode"},
			{Name: UpdateAuthAction, Type: "updateauth"},
			{Name: DeleteAuthAction, Type: "deleteauth"},
			{Name: SetProdsAction, Type: "setprods"},
			{Name: SetPrivAction, Type: "setpriv"},
			{Name: CancelDelayAction, Type: "canceldelay"},
			{Name: OnErrorAction, Type: "onerror"},
			{Name: OnBlockAction, Type: "onblock"},
		},
		Tables: []abi.TableDef{
			{Name: accountTable, Type: "account", Indexes: []abi.IndexDef{primary("name")}},
			{Name: permissionTable, Type: "permission", Indexes: []abi.IndexDef{
				primary("id"),
				{Name: byOwnerIndex, Unique: true, Orders: asc("owner", "name")},
			}},
			{Name: gtransactionTable, Type: "generated_transaction", Indexes: []abi.IndexDef{
				primary("id"),
				{Name: byTrxIDIndex, Unique: true, Orders: asc("trx_id")},
				{Name: bySenderIndex, Unique: true, Orders: asc("sender", "sender_id")},
				{Name: byDelayIndex, Orders: asc("delay_until")},
				{Name: byExpiryIndex, Orders: asc("expiration")},
			}},
			{Name: transactionTable, Type: "transaction_object", Indexes: []abi.IndexDef{
				primary("id"),
				{Name: byTrxIDIndex, Unique: true, Orders: asc("trx_id")},
				{Name: byExpiryIndex, Orders: asc("expiration")},
			}},
			{Name: blockSummaryTable, Type: "block_summary", Indexes: []abi.IndexDef{primary("id")}},
			{Name: gpropertyTable, Type: "global_property", Indexes: []abi.IndexDef{primary("id")}},
			{Name: resUsageTable, Type: "resource_usage", Indexes: []abi.IndexDef{primary("owner")}},
		},
	}
}

// systemTable binds a typed view of a system table. Writes are billed as RAM
// to the running transaction.
func systemTable[T any](c *Controller, table abi.Name) (*multiindex.Table[T], error) {
	t, err := multiindex.New[T](c.db, SystemAccount, 0, table)
	if err != nil {
		return nil, err
	}
	t.OnStorage = c.billRAM
	return t, nil
}

func (c *Controller) accounts() (*multiindex.Table[accountObject], error) {
	return systemTable[accountObject](c, accountTable)
}

func (c *Controller) permissions() (*multiindex.Table[permissionObject], error) {
	return systemTable[permissionObject](c, permissionTable)
}

func (c *Controller) generatedTransactions() (*multiindex.Table[generatedTransaction], error) {
	return systemTable[generatedTransaction](c, gtransactionTable)
}

// dedupTransactions isn't billed: the records expire with their
// transactions.
func (c *Controller) dedupTransactions() (*multiindex.Table[transactionObject], error) {
	return multiindex.New[transactionObject](c.db, SystemAccount, 0, transactionTable)
}

func (c *Controller) blockSummaries() (*multiindex.Table[blockSummaryObject], error) {
	return systemTable[blockSummaryObject](c, blockSummaryTable)
}

func (c *Controller) globalProperties() (*multiindex.Table[globalProperty], error) {
	return systemTable[globalProperty](c, gpropertyTable)
}

// resourceUsages isn't billed: usage rows are bookkeeping of the billing
// itself.
func (c *Controller) resourceUsages() (*multiindex.Table[resourceUsage], error) {
	return multiindex.New[resourceUsage](c.db, SystemAccount, 0, resUsageTable)
}

// getAccount reads the account row of [name].
func (c *Controller) getAccount(name abi.Name) (*accountObject, error) {
	accounts, err := c.accounts()
	if err != nil {
		return nil, err
	}
	acc, err := accounts.Get(uint64(name))
	if err != nil {
		return nil, withKind(ErrUnknownAccount, err)
	}
	return acc, nil
}

// IsAccount reports whether [name] exists.
func (c *Controller) IsAccount(name abi.Name) (bool, error) {
	accounts, err := c.accounts()
	if err != nil {
		return false, err
	}
	return accounts.Has(uint64(name))
}

func (c *Controller) getGlobalProperty() (*globalProperty, error) {
	props, err := c.globalProperties()
	if err != nil {
		return nil, err
	}
	return props.Get(0)
}

func (c *Controller) modifyGlobalProperty(f func(*globalProperty)) error {
	props, err := c.globalProperties()
	if err != nil {
		return err
	}
	gp, err := props.Get(0)
	if err != nil {
		return err
	}
	return props.ModifyObject(gp, abi.Name(0), f)
}

// scanIndex walks the index [r] from the first row not less than [from] and
// calls [f] until it returns false.
func scanIndex(c *Controller, r storage.IndexRequest, from abi.Tuple, f func(pk uint64, obj abi.Object) (bool, error)) (err error) {
	var info chaindb.FindInfo
	if len(from) == 0 {
		info, err = c.db.Begin(r)
	} else {
		info, err = c.db.LowerBound(r, from)
	}
	if err != nil {
		return err
	}
	cursor := info.Cursor
	defer func() {
		if closeErr := c.db.Close(cursor); err == nil {
			err = closeErr
		}
	}()
	for !info.IsEnd() {
		row, err := c.db.ObjectAtCursor(cursor)
		if err != nil {
			return err
		}
		more, err := f(info.PK, row.Object)
		if err != nil || !more {
			return err
		}
		if info, err = c.db.Next(cursor); err != nil {
			return err
		}
	}
	return nil
}
