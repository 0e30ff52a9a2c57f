package bitcoin

import (
	"context"
)

type MockBtcClient struct {
	GetBlockCountFunc      func(ctx context.Context) (int64, error)
	SendRawTransactionFunc func(ctx context.Context, txHex string) (string, error)
	GetRawTransactionFunc  func(ctx context.Context, txid string) (*RawTransaction, error)
	GetTxOutFunc           func(ctx context.Context, txid string, vout uint32) (*TxOutResult, error)
}

func (m *MockBtcClient) GetBlockCount(ctx context.Context) (int64, error) {
	if m.GetBlockCountFunc != nil {
		return m.GetBlockCountFunc(ctx)
	}
	return 0, nil
}

func (m *MockBtcClient) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	if m.SendRawTransactionFunc != nil {
		return m.SendRawTransactionFunc(ctx, txHex)
	}
	return "", nil
}

func (m *MockBtcClient) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	if m.GetRawTransactionFunc != nil {
		return m.GetRawTransactionFunc(ctx, txid)
	}
	return nil, nil
}

func (m *MockBtcClient) GetTxOut(ctx context.Context, txid string, vout uint32) (*TxOutResult, error) {
	if m.GetTxOutFunc != nil {
		return m.GetTxOutFunc(ctx, txid, vout)
	}
	return nil, nil
}

var _ BtcClient = (*MockBtcClient)(nil)
