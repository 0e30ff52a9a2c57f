package eth

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/types"
)

const RpcTimeOut = time.Second * 10

// EthClient A wrapper around eth.client so that we can mock in submitter
// tests.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// defaultEthClient tries every configured rpc in order until one answers.
type defaultEthClient struct {
	chain   string
	clients []*ethclient.Client
}

func NewEthClient(chain string, rpcs []string) (EthClient, error) {
	clients := make([]*ethclient.Client, 0)
	for _, rpc := range rpcs {
		client, err := ethclient.Dial(rpc)
		if err != nil {
			log.Warnf("Cannot dial eth rpc %s for chain %s, err = %s", rpc, chain, err)
			continue
		}

		log.Info("Adding eth client at rpc: ", rpc)
		clients = append(clients, client)
	}

	if len(clients) == 0 {
		return nil, types.NewError(types.ErrValidation, "no reachable rpc for chain %s", chain)
	}

	return &defaultEthClient{chain: chain, clients: clients}, nil
}

func (c *defaultEthClient) execute(fn func(client *ethclient.Client) error) error {
	var err error
	for _, client := range c.clients {
		if err = fn(client); err == nil {
			return nil
		}
	}

	return err
}

func (c *defaultEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.execute(func(client *ethclient.Client) error {
		var err error
		number, err = client.BlockNumber(ctx)
		return err
	})
	return number, err
}

func (c *defaultEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	// Broadcast goes to the first healthy node only; a send rejection is
	// meaningful ("already known", "nonce too low") and must not be
	// laundered through a fallback node.
	for _, client := range c.clients {
		return client.SendTransaction(ctx, tx)
	}

	return types.NewError(types.ErrTransientNetwork, "no eth client available")
}

func (c *defaultEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := c.execute(func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *defaultEthClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.execute(func(client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, account, block)
		return err
	})
	return balance, err
}

func (c *defaultEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.execute(func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}
