package solana

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	confirm "github.com/gagliardetto/solana-go/rpc/sendAndConfirmTransaction"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/types"
)

// Client is the ledger-side surface the orchestrator depends on: sending
// vault instructions, reading pending records and balances, and the event
// source feeding the listener.
type Client interface {
	EventSource

	SendInstruction(ctx context.Context, insn solanago.Instruction) (string, error)

	GetPendingErc20Deposit(ctx context.Context, requestID types.RequestID) (*PendingErc20Deposit, error)
	GetPendingErc20Withdrawal(ctx context.Context, requestID types.RequestID) (*PendingErc20Withdrawal, error)
	GetPendingBtcDeposit(ctx context.Context, requestID types.RequestID) (*PendingBtcDeposit, error)
	GetPendingBtcWithdrawal(ctx context.Context, requestID types.RequestID) (*PendingBtcWithdrawal, error)

	GetUserErc20Balance(ctx context.Context, user solanago.PublicKey, erc20Address [20]byte) (bin.Uint128, error)
	GetUserBtcBalance(ctx context.Context, user solanago.PublicKey) (uint64, error)

	Programs() Programs
}

// Pending records mirror the vault program's account layouts, minus the
// 8-byte anchor discriminator.
type PendingErc20Deposit struct {
	Requester    solanago.PublicKey
	Amount       bin.Uint128
	Erc20Address [20]uint8
	Path         string
	RequestID    [32]uint8
}

type PendingErc20Withdrawal struct {
	Requester        solanago.PublicKey
	Amount           bin.Uint128
	Erc20Address     [20]uint8
	RecipientAddress [20]uint8
	Path             string
	RequestID        [32]uint8
}

type PendingBtcDeposit struct {
	Requester solanago.PublicKey
	Amount    uint64
	Path      string
	RequestID [32]uint8
}

type PendingBtcWithdrawal struct {
	Requester        solanago.PublicKey
	Amount           uint64
	Fee              uint64
	RecipientAddress string
	Path             string
	RequestID        [32]uint8
}

type userErc20Balance struct {
	Amount bin.Uint128
}

type userBtcBalance struct {
	Amount uint64
}

type defaultClient struct {
	client   *rpc.Client
	wsClient *ws.Client

	programs   Programs
	relayerKey solanago.PrivateKey
}

func NewClient(cfg config.Solana) (Client, error) {
	relayerKey, err := solanago.PrivateKeyFromBase58(cfg.RelayerKey)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid relayer key")
	}

	vaultProgram, err := solanago.PublicKeyFromBase58(cfg.VaultProgramId)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid vault program id")
	}

	chainSigProgram, err := solanago.PublicKeyFromBase58(cfg.ChainSignaturesProgramId)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid chain signatures program id")
	}

	wsClient, err := ws.Connect(context.Background(), cfg.Ws)
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot connect solana websocket")
	}

	return &defaultClient{
		client:   rpc.New(cfg.Rpc),
		wsClient: wsClient,
		programs: Programs{
			Vault:           vaultProgram,
			ChainSignatures: chainSigProgram,
			Relayer:         relayerKey.PublicKey(),
		},
		relayerKey: relayerKey,
	}, nil
}

func (c *defaultClient) Programs() Programs {
	return c.programs
}

// SendInstruction wraps the instruction in a transaction signed by the
// relayer and waits for ws confirmation. A preflight rejection with a
// custom program error is a ledger instruction failure; everything else
// is transient.
func (c *defaultClient) SendInstruction(ctx context.Context, insn solanago.Instruction) (string, error) {
	recent, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", types.WrapError(types.ErrTransientNetwork, err, "cannot get recent blockhash")
	}

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{insn},
		recent.Value.Blockhash,
		solanago.TransactionPayer(c.relayerKey.PublicKey()),
	)
	if err != nil {
		return "", types.WrapError(types.ErrValidation, err, "cannot build transaction")
	}

	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(c.relayerKey.PublicKey()) {
			return &c.relayerKey
		}
		return nil
	})
	if err != nil {
		return "", types.WrapError(types.ErrValidation, err, "cannot sign transaction")
	}

	signature, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", classifySendError(err)
	}

	timeout := 2 * time.Minute
	_, err = confirm.WaitForConfirmation(ctx, c.wsClient, signature, &timeout)
	if err != nil {
		return "", types.WrapError(types.ErrTransientNetwork, err, "transaction not confirmed")
	}

	log.Verbosef("Vault instruction confirmed, sig = %s", signature.String())

	return signature.String(), nil
}

func classifySendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "custom program error") || strings.Contains(msg, "InstructionError") {
		return types.WrapError(types.ErrLedgerInstruction, err, "vault program rejected instruction")
	}

	return types.WrapError(types.ErrTransientNetwork, err, "cannot send transaction")
}

func (c *defaultClient) getAccount(ctx context.Context, addr solanago.PublicKey, out interface{}) error {
	result, err := c.client.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if err == rpc.ErrNotFound {
			return types.NewError(types.ErrValidation, "account not found: "+addr.String())
		}
		return types.WrapError(types.ErrTransientNetwork, err, "cannot get account")
	}

	data := result.Value.Data.GetBinary()
	if len(data) < 8 {
		return types.NewError(types.ErrValidation, "account data too short")
	}

	// Skip the anchor account discriminator.
	if err := bin.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot decode account")
	}

	return nil
}

func (c *defaultClient) GetPendingErc20Deposit(ctx context.Context, requestID types.RequestID) (*PendingErc20Deposit, error) {
	addr, err := PendingErc20DepositPda(c.programs.Vault, requestID)
	if err != nil {
		return nil, err
	}

	pending := new(PendingErc20Deposit)
	if err := c.getAccount(ctx, addr, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *defaultClient) GetPendingErc20Withdrawal(ctx context.Context, requestID types.RequestID) (*PendingErc20Withdrawal, error) {
	addr, err := PendingErc20WithdrawalPda(c.programs.Vault, requestID)
	if err != nil {
		return nil, err
	}

	pending := new(PendingErc20Withdrawal)
	if err := c.getAccount(ctx, addr, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *defaultClient) GetPendingBtcDeposit(ctx context.Context, requestID types.RequestID) (*PendingBtcDeposit, error) {
	addr, err := PendingBtcDepositPda(c.programs.Vault, requestID)
	if err != nil {
		return nil, err
	}

	pending := new(PendingBtcDeposit)
	if err := c.getAccount(ctx, addr, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *defaultClient) GetPendingBtcWithdrawal(ctx context.Context, requestID types.RequestID) (*PendingBtcWithdrawal, error) {
	addr, err := PendingBtcWithdrawalPda(c.programs.Vault, requestID)
	if err != nil {
		return nil, err
	}

	pending := new(PendingBtcWithdrawal)
	if err := c.getAccount(ctx, addr, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *defaultClient) GetUserErc20Balance(ctx context.Context, user solanago.PublicKey, erc20Address [20]byte) (bin.Uint128, error) {
	addr, err := UserErc20BalancePda(c.programs.Vault, user, erc20Address)
	if err != nil {
		return bin.Uint128{}, err
	}

	balance := new(userErc20Balance)
	if err := c.getAccount(ctx, addr, balance); err != nil {
		return bin.Uint128{}, err
	}
	return balance.Amount, nil
}

func (c *defaultClient) GetUserBtcBalance(ctx context.Context, user solanago.PublicKey) (uint64, error) {
	addr, err := UserBtcBalancePda(c.programs.Vault, user)
	if err != nil {
		return 0, err
	}

	balance := new(userBtcBalance)
	if err := c.getAccount(ctx, addr, balance); err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// SubscribeEvents opens a logs subscription mentioning the chain
// signatures program and parses every event out of the notifications. The
// cancel func must be called when the subscription owner is done.
func (c *defaultClient) SubscribeEvents(ctx context.Context) (<-chan Event, func(), error) {
	sub, err := c.wsClient.LogsSubscribeMentions(c.programs.ChainSignatures, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrTransientNetwork, err, "cannot subscribe to logs")
	}

	out := make(chan Event)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			result, err := sub.Recv()
			if err != nil {
				select {
				case <-done:
				default:
					log.Warnf("Solana log subscription closed: %s", err)
				}
				return
			}

			if result.Value.Err != nil {
				continue
			}

			for _, ev := range ParseEventsFromLogs(result.Value.Logs) {
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
		})
	}

	return out, cancel, nil
}

// RecentEvents scans the most recent transactions touching the chain
// signatures program and returns every event found, oldest first. Used by
// backfill and recovery.
func (c *defaultClient) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	signatures, err := c.client.GetSignaturesForAddressWithOpts(ctx, c.programs.ChainSignatures,
		&rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		},
	)
	if err != nil {
		return nil, types.WrapError(types.ErrTransientNetwork, err, "cannot get recent signatures")
	}

	events := make([]Event, 0)
	for i := len(signatures) - 1; i >= 0; i-- {
		sigInfo := signatures[i]
		if sigInfo.Err != nil {
			continue
		}

		txResult, err := c.client.GetTransaction(ctx, sigInfo.Signature, &rpc.GetTransactionOpts{
			Encoding:   solanago.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			log.Warnf("Cannot get transaction %s: %s", sigInfo.Signature, err)
			continue
		}
		if txResult.Meta == nil {
			continue
		}

		events = append(events, ParseEventsFromLogs(txResult.Meta.LogMessages)...)
	}

	return events, nil
}

var _ Client = (*defaultClient)(nil)

// ErrAccountNotFound reports whether err is the not-found validation error
// returned by the pending record getters.
func ErrAccountNotFound(err error) bool {
	return err != nil && types.KindOf(err) == types.ErrValidation &&
		strings.Contains(err.Error(), "account not found")
}

func (p *PendingBtcWithdrawal) Total() uint64 {
	return p.Amount + p.Fee
}

func (p *PendingErc20Deposit) String() string {
	return fmt.Sprintf("PendingErc20Deposit(requester=%s, amount=%s)", p.Requester, p.Amount.String())
}
