package core

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/sisu-network/dvault/chains/bitcoin"
	"github.com/sisu-network/dvault/chains/eth"
)

type MockEvmSubmitter struct {
	SubmitFunc func(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error)
}

func (m *MockEvmSubmitter) Submit(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, tx)
	}
	return nil, nil
}

type MockBtcBroadcaster struct {
	BroadcastFunc func(ctx context.Context, tx *wire.MsgTx) (string, error)
}

func (m *MockBtcBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if m.BroadcastFunc != nil {
		return m.BroadcastFunc(ctx, tx)
	}
	return "", nil
}

type MockBtcSpendWatcher struct {
	WatchFunc   func(outpoint wire.OutPoint, expectedTxid string) <-chan *bitcoin.SpendReport
	UnwatchFunc func(outpoint wire.OutPoint)
}

func (m *MockBtcSpendWatcher) Watch(outpoint wire.OutPoint, expectedTxid string) <-chan *bitcoin.SpendReport {
	if m.WatchFunc != nil {
		return m.WatchFunc(outpoint, expectedTxid)
	}
	return nil
}

func (m *MockBtcSpendWatcher) Unwatch(outpoint wire.OutPoint) {
	if m.UnwatchFunc != nil {
		m.UnwatchFunc(outpoint)
	}
}
