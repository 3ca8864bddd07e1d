// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/ava-labs/chaindbvm/chain"
	"github.com/ava-labs/chaindbvm/chaindb/abi"
	"github.com/ava-labs/chaindbvm/chaindbvm"
)

// Client defines chaindbvm client operations.
type Client interface {
	// GetInfo fetches the head and the last irreversible block
	GetInfo(ctx context.Context) (*chaindbvm.GetInfoReply, error)

	// GetBlock fetches block [num]
	GetBlock(ctx context.Context, num uint32) (*chaindbvm.GetBlockReply, error)

	GetAccount(ctx context.Context, name abi.Name) (*chain.AccountInfo, error)

	GetABI(ctx context.Context, account abi.Name) (*abi.Def, error)

	GetTableRows(ctx context.Context, args *chaindbvm.GetTableRowsArgs) (*chaindbvm.GetTableRowsReply, error)

	// PushTransaction submits a signed transaction for the next block
	PushTransaction(ctx context.Context, trx *chain.PackedTransaction) (ids.ID, error)
}

// New creates a new client object for the API served at [uri].
func New(uri string) Client {
	return &client{uri: uri, http: http.DefaultClient}
}

type client struct {
	uri  string
	http *http.Client
}

func (cli *client) send(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(chaindbvm.ServiceName+"."+method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cli.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (cli *client) GetInfo(ctx context.Context) (*chaindbvm.GetInfoReply, error) {
	resp := new(chaindbvm.GetInfoReply)
	return resp, cli.send(ctx, "getInfo", &struct{}{}, resp)
}

func (cli *client) GetBlock(ctx context.Context, num uint32) (*chaindbvm.GetBlockReply, error) {
	n := json.Uint32(num)
	resp := new(chaindbvm.GetBlockReply)
	return resp, cli.send(ctx, "getBlock", &chaindbvm.GetBlockArgs{Num: &n}, resp)
}

func (cli *client) GetAccount(ctx context.Context, name abi.Name) (*chain.AccountInfo, error) {
	resp := new(chain.AccountInfo)
	return resp, cli.send(ctx, "getAccount", &chaindbvm.AccountArgs{Name: name}, resp)
}

func (cli *client) GetABI(ctx context.Context, account abi.Name) (*abi.Def, error) {
	resp := new(chaindbvm.GetABIReply)
	if err := cli.send(ctx, "getABI", &chaindbvm.AccountArgs{Name: account}, resp); err != nil {
		return nil, err
	}
	return resp.ABI, nil
}

func (cli *client) GetTableRows(ctx context.Context, args *chaindbvm.GetTableRowsArgs) (*chaindbvm.GetTableRowsReply, error) {
	resp := new(chaindbvm.GetTableRowsReply)
	return resp, cli.send(ctx, "getTableRows", args, resp)
}

func (cli *client) PushTransaction(ctx context.Context, trx *chain.PackedTransaction) (ids.ID, error) {
	b, err := trx.Bytes()
	if err != nil {
		return ids.Empty, err
	}
	encoded, err := formatting.EncodeWithChecksum(formatting.Hex, b)
	if err != nil {
		return ids.Empty, err
	}
	resp := new(chaindbvm.PushTransactionReply)
	if err := cli.send(ctx, "pushTransaction", &chaindbvm.PushTransactionArgs{Transaction: encoded}, resp); err != nil {
		return ids.Empty, err
	}
	return resp.TxID, nil
}
