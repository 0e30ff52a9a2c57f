package solana

import (
	"context"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"

	"github.com/sisu-network/dvault/types"
)

type MockClient struct {
	SendInstructionFunc           func(ctx context.Context, insn solanago.Instruction) (string, error)
	GetPendingErc20DepositFunc    func(ctx context.Context, requestID types.RequestID) (*PendingErc20Deposit, error)
	GetPendingErc20WithdrawalFunc func(ctx context.Context, requestID types.RequestID) (*PendingErc20Withdrawal, error)
	GetPendingBtcDepositFunc      func(ctx context.Context, requestID types.RequestID) (*PendingBtcDeposit, error)
	GetPendingBtcWithdrawalFunc   func(ctx context.Context, requestID types.RequestID) (*PendingBtcWithdrawal, error)
	GetUserErc20BalanceFunc       func(ctx context.Context, user solanago.PublicKey, erc20Address [20]byte) (bin.Uint128, error)
	GetUserBtcBalanceFunc         func(ctx context.Context, user solanago.PublicKey) (uint64, error)
	SubscribeEventsFunc           func(ctx context.Context) (<-chan Event, func(), error)
	RecentEventsFunc              func(ctx context.Context, limit int) ([]Event, error)
	ProgramsFunc                  func() Programs
}

func (m *MockClient) SendInstruction(ctx context.Context, insn solanago.Instruction) (string, error) {
	if m.SendInstructionFunc != nil {
		return m.SendInstructionFunc(ctx, insn)
	}
	return "", nil
}

func (m *MockClient) GetPendingErc20Deposit(ctx context.Context, requestID types.RequestID) (*PendingErc20Deposit, error) {
	if m.GetPendingErc20DepositFunc != nil {
		return m.GetPendingErc20DepositFunc(ctx, requestID)
	}
	return nil, nil
}

func (m *MockClient) GetPendingErc20Withdrawal(ctx context.Context, requestID types.RequestID) (*PendingErc20Withdrawal, error) {
	if m.GetPendingErc20WithdrawalFunc != nil {
		return m.GetPendingErc20WithdrawalFunc(ctx, requestID)
	}
	return nil, nil
}

func (m *MockClient) GetPendingBtcDeposit(ctx context.Context, requestID types.RequestID) (*PendingBtcDeposit, error) {
	if m.GetPendingBtcDepositFunc != nil {
		return m.GetPendingBtcDepositFunc(ctx, requestID)
	}
	return nil, nil
}

func (m *MockClient) GetPendingBtcWithdrawal(ctx context.Context, requestID types.RequestID) (*PendingBtcWithdrawal, error) {
	if m.GetPendingBtcWithdrawalFunc != nil {
		return m.GetPendingBtcWithdrawalFunc(ctx, requestID)
	}
	return nil, nil
}

func (m *MockClient) GetUserErc20Balance(ctx context.Context, user solanago.PublicKey, erc20Address [20]byte) (bin.Uint128, error) {
	if m.GetUserErc20BalanceFunc != nil {
		return m.GetUserErc20BalanceFunc(ctx, user, erc20Address)
	}
	return bin.Uint128{}, nil
}

func (m *MockClient) GetUserBtcBalance(ctx context.Context, user solanago.PublicKey) (uint64, error) {
	if m.GetUserBtcBalanceFunc != nil {
		return m.GetUserBtcBalanceFunc(ctx, user)
	}
	return 0, nil
}

func (m *MockClient) SubscribeEvents(ctx context.Context) (<-chan Event, func(), error) {
	if m.SubscribeEventsFunc != nil {
		return m.SubscribeEventsFunc(ctx)
	}
	ch := make(chan Event)
	return ch, func() {}, nil
}

func (m *MockClient) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if m.RecentEventsFunc != nil {
		return m.RecentEventsFunc(ctx, limit)
	}
	return nil, nil
}

func (m *MockClient) Programs() Programs {
	if m.ProgramsFunc != nil {
		return m.ProgramsFunc()
	}
	return Programs{}
}

var _ Client = (*MockClient)(nil)
