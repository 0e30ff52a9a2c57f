package bitcoin

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ybbus/jsonrpc/v3"

	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/types"
)

// BtcClient is the subset of the Bitcoin Core RPC surface the broadcaster
// and the spend watcher need.
type BtcClient interface {
	GetBlockCount(ctx context.Context) (int64, error)
	SendRawTransaction(ctx context.Context, txHex string) (string, error)
	GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error)
	// GetTxOut returns nil when the output is spent or unknown.
	GetTxOut(ctx context.Context, txid string, vout uint32) (*TxOutResult, error)
}

// RawTransaction is the verbose getrawtransaction answer, trimmed to the
// fields we read.
type RawTransaction struct {
	Txid          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash"`
	Confirmations int64  `json:"confirmations"`
	Vin           []struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
	Vout []struct {
		Value float64 `json:"value"`
		N     uint32  `json:"n"`
	} `json:"vout"`
}

type TxOutResult struct {
	Confirmations int64   `json:"confirmations"`
	Value         float64 `json:"value"`
	ScriptPubKey  struct {
		Hex string `json:"hex"`
	} `json:"scriptPubKey"`
}

type defaultBtcClient struct {
	chain  string
	client jsonrpc.RPCClient
}

func NewBtcClient(cfg config.Chain) BtcClient {
	opts := &jsonrpc.RPCClientOpts{}
	if cfg.RpcUser != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(cfg.RpcUser + ":" + cfg.RpcPassword))
		opts.CustomHeaders = map[string]string{"Authorization": "Basic " + auth}
	}

	return &defaultBtcClient{
		chain:  cfg.Chain,
		client: jsonrpc.NewClientWithOpts(cfg.Rpcs[0], opts),
	}
}

func (c *defaultBtcClient) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	response, err := c.client.Call(ctx, method, params...)
	if err != nil {
		return types.WrapError(types.ErrTransientNetwork, err, "%s rpc failed on chain %s", method, c.chain)
	}

	if response.Error != nil {
		return types.WrapError(types.ErrTransientNetwork, response.Error,
			"%s rejected on chain %s", method, c.chain)
	}

	if out == nil || response.Result == nil {
		return nil
	}

	if err := response.GetObject(out); err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot decode %s response", method)
	}

	return nil
}

func (c *defaultBtcClient) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := c.call(ctx, &count, "getblockcount"); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *defaultBtcClient) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	response, err := c.client.Call(ctx, "sendrawtransaction", txHex)
	if err != nil {
		return "", types.WrapError(types.ErrTransientNetwork, err,
			"sendrawtransaction failed on chain %s", c.chain)
	}

	if response.Error != nil {
		// The node's rejection reason matters to the broadcaster, keep it
		// intact instead of wrapping it away.
		return "", fmt.Errorf("sendrawtransaction: %s", response.Error.Message)
	}

	txid, err := response.GetString()
	if err != nil {
		return "", types.WrapError(types.ErrValidation, err, "cannot decode sendrawtransaction response")
	}

	return txid, nil
}

func (c *defaultBtcClient) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	response, err := c.client.Call(ctx, "getrawtransaction", txid, true)
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err,
			"getrawtransaction failed on chain %s", c.chain)
	}

	// Code -5 means the node does not know the transaction; callers treat
	// a nil result as "not found".
	if response.Error != nil {
		if response.Error.Code == -5 {
			return nil, nil
		}
		return nil, types.WrapError(types.ErrTransientNetwork, response.Error,
			"getrawtransaction rejected on chain %s", c.chain)
	}

	tx := new(RawTransaction)
	if err := response.GetObject(tx); err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot decode getrawtransaction response")
	}

	return tx, nil
}

func (c *defaultBtcClient) GetTxOut(ctx context.Context, txid string, vout uint32) (*TxOutResult, error) {
	response, err := c.client.Call(ctx, "gettxout", txid, vout, true)
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err,
			"gettxout failed on chain %s", c.chain)
	}

	if response.Error != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, response.Error,
			"gettxout rejected on chain %s", c.chain)
	}

	// A null result means the output is spent (or never existed).
	if response.Result == nil {
		return nil, nil
	}

	out := new(TxOutResult)
	if err := response.GetObject(out); err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot decode gettxout response")
	}

	return out, nil
}
