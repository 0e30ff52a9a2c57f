package eth

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/types"
)

func testTx() *ethtypes.Transaction {
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
}

func fastSubmitter(client EthClient) *Submitter {
	s := NewSubmitter("ganache1", client, 3, time.Millisecond*100)
	s.pollInterval = time.Millisecond * 5
	return s
}

func TestSubmitConfirmed(t *testing.T) {
	client := &MockEthClient{
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.Nil(t, err)
	require.Equal(t, StateConfirmed, result.State)
	require.NotNil(t, result.Receipt)
}

func TestSubmitAlreadyKnownIsSuccess(t *testing.T) {
	client := &MockEthClient{
		SendTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) error {
			return fmt.Errorf("already known")
		},
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.Nil(t, err)
	require.Equal(t, StateConfirmed, result.State)
}

func TestSubmitNonceTooLowIsTerminal(t *testing.T) {
	sends := 0
	client := &MockEthClient{
		SendTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) error {
			sends++
			return fmt.Errorf("nonce too low")
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.NotNil(t, err)
	require.Equal(t, StateBroadcastFailed, result.State)
	require.Equal(t, types.ErrForeignChainRevert, types.KindOf(err))
	require.False(t, types.IsRetryable(err))
	// Never rebroadcast a consumed nonce.
	require.Equal(t, 1, sends)
}

func TestSubmitRevertedIsTerminal(t *testing.T) {
	client := &MockEthClient{
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed}, nil
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.NotNil(t, err)
	require.Equal(t, StateReverted, result.State)
	require.Equal(t, types.ErrForeignChainRevert, types.KindOf(err))
}

func TestSubmitRebroadcastOnMissingReceipt(t *testing.T) {
	sends := 0
	polls := 0
	client := &MockEthClient{
		SendTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) error {
			sends++
			return nil
		},
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			polls++
			// The receipt only appears after the second broadcast.
			if sends < 2 {
				return nil, fmt.Errorf("not found")
			}
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.Nil(t, err)
	require.Equal(t, StateConfirmed, result.State)
	require.True(t, sends >= 2)
	require.True(t, polls >= 2)
}

func TestSubmitTimedOutIsRetryable(t *testing.T) {
	client := &MockEthClient{
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return nil, fmt.Errorf("not found")
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.NotNil(t, err)
	require.Equal(t, StateTimedOut, result.State)
	require.Equal(t, types.ErrEventTimeout, types.KindOf(err))
	require.True(t, types.IsRetryable(err))
}

func TestSubmitTransientBroadcastRetries(t *testing.T) {
	sends := 0
	client := &MockEthClient{
		SendTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) error {
			sends++
			if sends < 3 {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
		TransactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
		},
	}

	result, err := fastSubmitter(client).Submit(context.Background(), testTx())
	require.Nil(t, err)
	require.Equal(t, StateConfirmed, result.State)
	require.Equal(t, 3, sends)
}
