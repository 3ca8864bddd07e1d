// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chaindbvm

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/chaindbvm/chain"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
)

// ServiceName prefixes the methods of the API: chain.getInfo and so on.
const ServiceName = "chain"

var errUnknownBlock = errors.New("unknown block")

// Service is the API service of the VM
type Service struct{ vm *VM }

type GetInfoReply struct {
	ServerVersion            string      `json:"serverVersion"`
	ChainID                  ids.ID      `json:"chainID"`
	HeadBlockNum             json.Uint32 `json:"headBlockNum"`
	HeadBlockID              ids.ID      `json:"headBlockID"`
	HeadBlockTime            time.Time   `json:"headBlockTime"`
	HeadBlockProducer        abi.Name    `json:"headBlockProducer"`
	LastIrreversibleBlockNum json.Uint32 `json:"lastIrreversibleBlockNum"`
	LastIrreversibleBlockID  ids.ID      `json:"lastIrreversibleBlockID"`
	PendingTransactions      json.Uint32 `json:"pendingTransactions"`
}

// GetInfo returns the head and the last irreversible block
func (s *Service) GetInfo(_ *http.Request, _ *struct{}, reply *GetInfoReply) error {
	s.vm.lock.Lock()
	defer s.vm.lock.Unlock()

	c := s.vm.chain
	head, lib := c.Head(), c.LastIrreversible()
	reply.ServerVersion = Version
	reply.ChainID = c.ChainID()
	reply.HeadBlockNum = json.Uint32(head.BlockNum)
	reply.HeadBlockID = head.ID
	reply.HeadBlockTime = head.Header.Time().UTC()
	reply.HeadBlockProducer = head.Header.Producer
	reply.LastIrreversibleBlockNum = json.Uint32(lib.BlockNum)
	reply.LastIrreversibleBlockID = lib.ID
	reply.PendingTransactions = json.Uint32(s.vm.mempool.Len())
	return nil
}

// GetBlockArgs selects a block by id or number. The head is returned when
// neither is set.
type GetBlockArgs struct {
	ID  *ids.ID      `json:"id"`
	Num *json.Uint32 `json:"blockNum"`
}

type GetBlockReply struct {
	ID       ids.ID            `json:"id"`
	BlockNum json.Uint32       `json:"blockNum"`
	Block    chain.SignedBlock `json:"block"`
	// Bytes is the hex encoded block
	Bytes string `json:"bytes"`
}

func (s *Service) GetBlock(_ *http.Request, args *GetBlockArgs, reply *GetBlockReply) error {
	s.vm.lock.Lock()
	defer s.vm.lock.Unlock()

	var (
		b   *chain.SignedBlock
		err error
	)
	c := s.vm.chain
	switch {
	case args.ID != nil:
		b, err = c.BlockByID(*args.ID)
	case args.Num != nil:
		b, err = c.BlockByNum(uint32(*args.Num))
	default:
		b = &c.Head().Block
	}
	if err != nil {
		return err
	}
	if b == nil {
		return errUnknownBlock
	}
	id, err := b.Header.ID()
	if err != nil {
		return err
	}
	bytes, err := b.Bytes()
	if err != nil {
		return err
	}
	reply.ID = id
	reply.BlockNum = json.Uint32(b.Header.BlockNum())
	reply.Block = *b
	reply.Bytes, err = formatting.EncodeWithChecksum(formatting.Hex, bytes)
	return err
}

type AccountArgs struct {
	Name abi.Name `json:"name"`
}

func (s *Service) GetAccount(_ *http.Request, args *AccountArgs, reply *chain.AccountInfo) error {
	s.vm.lock.Lock()
	defer s.vm.lock.Unlock()

	info, err := s.vm.chain.GetAccount(args.Name)
	if err != nil {
		return err
	}
	*reply = *info
	return nil
}

type GetABIReply struct {
	Account abi.Name `json:"account"`
	ABI     *abi.Def `json:"abi"`
}

func (s *Service) GetABI(_ *http.Request, args *AccountArgs, reply *GetABIReply) error {
	s.vm.lock.Lock()
	defer s.vm.lock.Unlock()

	def, err := s.vm.chain.GetABI(args.Name)
	if err != nil {
		return err
	}
	reply.Account = args.Name
	reply.ABI = def
	return nil
}

type GetTableRowsArgs struct {
	Code  abi.Name `json:"code"`
	Scope abi.Name `json:"scope"`
	Table abi.Name `json:"table"`
	Index abi.Name `json:"index"`
	// LowerBound holds the leading fields of the index key
	LowerBound []interface{} `json:"lowerBound"`
	Limit      json.Uint32   `json:"limit"`
}

type GetTableRowsReply struct {
	Rows []abi.Object `json:"rows"`
	More bool         `json:"more"`
}

// GetTableRows returns the rows of a contract table in the order of one of
// its indexes
func (s *Service) GetTableRows(_ *http.Request, args *GetTableRowsArgs, reply *GetTableRowsReply) error {
	s.vm.lock.Lock()
	defer s.vm.lock.Unlock()

	rows, more, err := s.vm.chain.TableRows(chain.TableRowsRequest{
		Code:       args.Code,
		Scope:      args.Scope,
		Table:      args.Table,
		Index:      args.Index,
		LowerBound: abi.Tuple(args.LowerBound),
		Limit:      int(args.Limit),
	})
	if err != nil {
		return err
	}
	reply.Rows = rows
	reply.More = more
	return nil
}

type PushTransactionArgs struct {
	// Transaction is the hex encoded packed transaction
	Transaction string `json:"transaction"`
}

type PushTransactionReply struct {
	TxID ids.ID `json:"txID"`
}

// PushTransaction queues a signed transaction for the next block
func (s *Service) PushTransaction(_ *http.Request, args *PushTransactionArgs, reply *PushTransactionReply) error {
	bytes, err := formatting.Decode(formatting.Hex, args.Transaction)
	if err != nil {
		return fmt.Errorf("couldn't decode transaction: %w", err)
	}
	packed, err := chain.ParsePackedTransaction(bytes)
	if err != nil {
		return err
	}
	meta, err := chain.NewTransactionMetadata(packed)
	if err != nil {
		return err
	}
	if err := s.vm.mempool.Add(meta); err != nil {
		return err
	}
	reply.TxID = meta.ID
	return nil
}
