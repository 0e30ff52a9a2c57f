package core

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/chains/bitcoin"
	"github.com/sisu-network/dvault/chains/eth"
	solanaClient "github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/database"
	"github.com/sisu-network/dvault/registry"
	"github.com/sisu-network/dvault/types"
)

var (
	testVaultProgram = solanago.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111")
	testChainSig     = solanago.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
	testRelayer      = solanago.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	testUser         = solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// Compressed secp256k1 generator point, accepted by the psbt signer.
	testBtcPubKey = mustHex("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
)

func mustHex(s string) []byte {
	bz := make([]byte, len(s)/2)
	for i := 0; i < len(bz); i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		bz[i] = hi<<4 | lo
	}
	return bz
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

func testMpcSignature() types.MpcSignature {
	sig := types.MpcSignature{}
	sig.BigR.X[31] = 1
	sig.S[31] = 1
	sig.RecoveryID = 0
	return sig
}

type testEnv struct {
	orch     *Orchestrator
	vault    *solanaClient.MockClient
	registry registry.Registry
	events   chan solanaClient.Event
	listener *solanaClient.Listener

	sendCount int32

	// Invoked on the first SendInstruction call, which always happens
	// after every subscription exists.
	onInitiate func()
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		events:   make(chan solanaClient.Event, 16),
		registry: registry.NewInMemoryRegistry(),
	}

	env.vault = &solanaClient.MockClient{
		ProgramsFunc: func() solanaClient.Programs {
			return solanaClient.Programs{
				Vault:           testVaultProgram,
				ChainSignatures: testChainSig,
				Relayer:         testRelayer,
			}
		},
		SubscribeEventsFunc: func(ctx context.Context) (<-chan solanaClient.Event, func(), error) {
			return env.events, func() {}, nil
		},
		SendInstructionFunc: func(ctx context.Context, insn solanago.Instruction) (string, error) {
			if atomic.AddInt32(&env.sendCount, 1) == 1 && env.onInitiate != nil {
				env.onInitiate()
			}
			return "ledger-sig", nil
		},
	}

	env.listener = solanaClient.NewListener(env.vault, nil)
	env.listener.Start()
	t.Cleanup(env.listener.Stop)

	cfg := config.Dvault{
		Timeouts: config.Timeouts{SignatureWait: 2, ResultWait: 2, ReceiptWait: 1},
	}
	env.orch = NewOrchestrator(cfg, env.vault, env.listener, env.registry, database.NewInMemoryDb())

	return env
}

func (env *testEnv) sends() int {
	return int(atomic.LoadInt32(&env.sendCount))
}

func requireStatus(t *testing.T, reg registry.Registry, id string, status types.TxStatus) {
	record, err := reg.Get(id)
	require.Nil(t, err)
	require.Equal(t, status, record.Status)
}

func erc20DepositRequest() *Erc20DepositRequest {
	return &Erc20DepositRequest{
		Chain:     "goerli",
		Requester: testUser,
		Erc20Address: [20]byte{
			0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11,
			0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11,
		},
		Recipient: [20]byte{0x22},
		Amount:    big.NewInt(10000),
		TxParams: solanaClient.EvmTransactionParams{
			Value:                *big.NewInt(0),
			GasLimit:             *big.NewInt(100_000),
			MaxFeePerGas:         *big.NewInt(2_000_000_000),
			MaxPriorityFeePerGas: *big.NewInt(1_000_000_000),
			Nonce:                7,
			ChainID:              5,
		},
	}
}

func TestErc20DepositCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{
		SubmitFunc: func(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error) {
			return &eth.SubmitResult{
				State:   eth.StateConfirmed,
				TxHash:  tx.Hash(),
				Receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful},
			}, nil
		},
	})

	flow, err := env.orch.PrepareErc20Deposit(erc20DepositRequest())
	require.Nil(t, err)
	requireStatus(t, env.registry, flow.Record.ID, types.StatusPending)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	env.onInitiate = func() {
		env.events <- &solanaClient.SignatureProduced{RequestID: requestID, Signature: testMpcSignature()}
		env.events <- &solanaClient.ResultReported{
			RequestID:        requestID,
			SerializedOutput: []byte{1},
			Signature:        testMpcSignature(),
		}
	}

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.Nil(t, err)

	record, err := env.registry.Get(flow.Record.ID)
	require.Nil(t, err)
	require.Equal(t, types.StatusCompleted, record.Status)
	require.NotEmpty(t, record.ForeignTxHash)
	require.Equal(t, "ledger-sig", record.LedgerTxSig)

	// Initiate plus claim.
	require.Equal(t, 2, env.sends())
}

func TestErc20DepositSignatureTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.cfg.Timeouts.SignatureWait = 1

	submitCalls := int32(0)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{
		SubmitFunc: func(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error) {
			atomic.AddInt32(&submitCalls, 1)
			return nil, nil
		},
	})

	flow, err := env.orch.PrepareErc20Deposit(erc20DepositRequest())
	require.Nil(t, err)

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.NotNil(t, err)
	require.True(t, types.IsRetryable(err))

	// No signature, so nothing was ever broadcast. The record lands on
	// failed with the timeout message and stays eligible for Recover.
	require.Equal(t, int32(0), atomic.LoadInt32(&submitCalls))
	record, err := env.registry.Get(flow.Record.ID)
	require.Nil(t, err)
	require.Equal(t, types.StatusFailed, record.Status)
	require.NotEqual(t, "", record.Error)
	require.Equal(t, 1, env.sends())
}

func TestErc20WithdrawRevertDrivesRefund(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{
		SubmitFunc: func(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error) {
			return &eth.SubmitResult{State: eth.StateReverted, TxHash: tx.Hash()},
				types.NewError(types.ErrForeignChainRevert, "transaction reverted")
		},
	})

	req := &Erc20WithdrawRequest{
		Chain:        "goerli",
		Authority:    testUser,
		Erc20Address: [20]byte{0x33},
		Recipient:    [20]byte{0x44},
		Amount:       big.NewInt(5000),
		TxParams:     erc20DepositRequest().TxParams,
	}
	flow, err := env.orch.PrepareErc20Withdraw(req)
	require.Nil(t, err)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	env.onInitiate = func() {
		env.events <- &solanaClient.SignatureProduced{RequestID: requestID, Signature: testMpcSignature()}
		// The signer observed the revert and reported the error payload.
		env.events <- &solanaClient.ResultReported{
			RequestID:        requestID,
			SerializedOutput: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01},
			Signature:        testMpcSignature(),
		}
	}

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.NotNil(t, err)
	require.Equal(t, types.ErrForeignChainRevert, types.KindOf(err))

	requireStatus(t, env.registry, flow.Record.ID, types.StatusFailed)

	// Initiate plus complete_withdraw_erc20: the refund instruction runs
	// even though the transfer failed.
	require.Equal(t, 2, env.sends())
}

func btcWithdrawRequest() *BtcWithdrawRequest {
	vaultScript := append([]byte{0x00, 0x14}, btcutil.Hash160(testBtcPubKey)...)
	recipientScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)

	input := solanaClient.BtcInput{
		Vout:         1,
		ScriptPubkey: vaultScript,
		Value:        15000,
	}
	input.Txid[0] = 0xAB

	return &BtcWithdrawRequest{
		Chain:            "bitcoin-testnet",
		Authority:        testUser,
		Inputs:           []solanaClient.BtcInput{input},
		Amount:           9000,
		RecipientAddress: "tb1qtest",
		Params: solanaClient.BtcWithdrawParams{
			LockTime:              0,
			Caip2ID:               "bip122:000000000933ea01ad0ee984209779ba",
			VaultScriptPubkey:     vaultScript,
			RecipientScriptPubkey: recipientScript,
			Fee:                   1000,
		},
		SignerPubKey: testBtcPubKey,
	}
}

// btcInputRespondID mirrors the id the program derives for one sign-respond
// call: keccak over the input's BIP143 signing payload with key version 0.
func btcInputRespondID(t *testing.T, req *BtcWithdrawRequest, sender solanago.PublicKey, index int) types.RequestID {
	tx := buildBtcMsgTx(req.Inputs, mustWithdrawalOutputs(t, req), req.Params.LockTime)

	session, err := bitcoin.NewSigningSession(tx, uint32(txscript.SigHashAll), 1)
	require.Nil(t, err)

	scriptCode, err := scriptCodeFor(req.Inputs[index].ScriptPubkey)
	require.Nil(t, err)

	in := bitcoin.SessionInput{
		Outpoint:   tx.TxIn[index].PreviousOutPoint,
		AmountSats: req.Inputs[index].Value,
		Sequence:   tx.TxIn[index].Sequence,
		ScriptCode: scriptCode,
	}

	return solanaClient.RespondRequestID(sender, session.SighashPreimage(in),
		solanaClient.BitcoinSlip44, solanaClient.RespondKeyVersion, solanaClient.RootPath,
		solanaClient.SignatureAlgo, solanaClient.DestBitcoin, fmt.Sprintf("input_%d", index))
}

func TestBtcWithdrawCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.vault.GetUserBtcBalanceFunc = func(ctx context.Context, user solanago.PublicKey) (uint64, error) {
		return 20000, nil
	}

	var broadcastTxid string
	env.orch.AddBtcChain("bitcoin-testnet",
		&MockBtcBroadcaster{
			BroadcastFunc: func(ctx context.Context, tx *wire.MsgTx) (string, error) {
				broadcastTxid = tx.TxHash().String()
				return broadcastTxid, nil
			},
		},
		&MockBtcSpendWatcher{
			WatchFunc: func(outpoint wire.OutPoint, expectedTxid string) <-chan *bitcoin.SpendReport {
				ch := make(chan *bitcoin.SpendReport, 1)
				ch <- &bitcoin.SpendReport{
					Outpoint:      outpoint,
					SpendingTxid:  expectedTxid,
					Confirmations: 6,
					Match:         true,
				}
				return ch
			},
		})

	req := btcWithdrawRequest()
	flow, err := env.orch.PrepareBtcWithdraw(req)
	require.Nil(t, err)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	// The per-input signature arrives under the respond-variant id, the
	// result under the operation id.
	sender, err := solanaClient.GlobalVaultAuthorityPda(testVaultProgram)
	require.Nil(t, err)
	inputID := btcInputRespondID(t, req, sender, 0)

	env.onInitiate = func() {
		env.events <- &solanaClient.SignatureProduced{RequestID: inputID, Signature: testMpcSignature()}
		env.events <- &solanaClient.ResultReported{
			RequestID:        requestID,
			SerializedOutput: []byte{1},
			Signature:        testMpcSignature(),
		}
	}

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.Nil(t, err)

	record, err := env.registry.Get(flow.Record.ID)
	require.Nil(t, err)
	require.Equal(t, types.StatusCompleted, record.Status)
	require.Equal(t, broadcastTxid, record.ForeignTxHash)
	require.Equal(t, 2, env.sends())
}

func TestBtcWithdrawConflictRefunds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.vault.GetUserBtcBalanceFunc = func(ctx context.Context, user solanago.PublicKey) (uint64, error) {
		return 20000, nil
	}

	env.orch.AddBtcChain("bitcoin-testnet",
		&MockBtcBroadcaster{
			BroadcastFunc: func(ctx context.Context, tx *wire.MsgTx) (string, error) {
				return "", types.NewError(types.ErrConflictDetected, "txn-mempool-conflict")
			},
		},
		&MockBtcSpendWatcher{
			WatchFunc: func(outpoint wire.OutPoint, expectedTxid string) <-chan *bitcoin.SpendReport {
				ch := make(chan *bitcoin.SpendReport, 1)
				// A competing transaction consumed the vault outpoint.
				ch <- &bitcoin.SpendReport{Outpoint: outpoint, Match: false}
				return ch
			},
		})

	req := btcWithdrawRequest()
	flow, err := env.orch.PrepareBtcWithdraw(req)
	require.Nil(t, err)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	sender, err := solanaClient.GlobalVaultAuthorityPda(testVaultProgram)
	require.Nil(t, err)
	inputID := btcInputRespondID(t, req, sender, 0)

	env.onInitiate = func() {
		env.events <- &solanaClient.SignatureProduced{RequestID: inputID, Signature: testMpcSignature()}
		env.events <- &solanaClient.ResultReported{
			RequestID:        requestID,
			SerializedOutput: []byte{0xDE, 0xAD, 0xBE, 0xEF},
			Signature:        testMpcSignature(),
		}
	}

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.NotNil(t, err)
	require.Equal(t, types.ErrConflictDetected, types.KindOf(err))

	record, err := env.registry.Get(flow.Record.ID)
	require.Nil(t, err)
	require.Equal(t, types.StatusFailed, record.Status)

	// Initiate plus complete_withdraw_btc carrying the error payload that
	// restores the optimistic debit exactly.
	require.Equal(t, 2, env.sends())
}

func TestBtcWithdrawCapRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// Balance below the declared input value: the session cap must reject
	// the authorization before anything hits the ledger.
	env.vault.GetUserBtcBalanceFunc = func(ctx context.Context, user solanago.PublicKey) (uint64, error) {
		return 10000, nil
	}
	env.orch.AddBtcChain("bitcoin-testnet", &MockBtcBroadcaster{}, &MockBtcSpendWatcher{})

	flow, err := env.orch.PrepareBtcWithdraw(btcWithdrawRequest())
	require.Nil(t, err)

	err = env.orch.ExecuteFlow(context.Background(), flow)
	require.NotNil(t, err)
	require.Equal(t, types.ErrValidation, types.KindOf(err))

	requireStatus(t, env.registry, flow.Record.ID, types.StatusFailed)
	require.Equal(t, 0, env.sends())
}

func TestPrepareRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{})

	req := erc20DepositRequest()
	req.Amount = big.NewInt(0)
	_, err := env.orch.PrepareErc20Deposit(req)
	require.NotNil(t, err)
	require.Equal(t, types.ErrValidation, types.KindOf(err))

	req = erc20DepositRequest()
	req.Chain = "unknown"
	_, err = env.orch.PrepareErc20Deposit(req)
	require.NotNil(t, err)
	require.Equal(t, types.ErrValidation, types.KindOf(err))
}

func mustWithdrawalOutputs(t *testing.T, req *BtcWithdrawRequest) []solanaClient.BtcOutput {
	outputs, err := withdrawalOutputs(req.Inputs, req.Amount, req.Params)
	require.Nil(t, err)
	return outputs
}

func TestWithdrawalOutputsOverflowRejected(t *testing.T) {
	t.Parallel()

	// amount + fee wraps uint64; without the checked add the debit would
	// come out tiny and the declared inputs would cover it.
	req := btcWithdrawRequest()
	req.Amount = math.MaxUint64 - 500

	_, err := withdrawalOutputs(req.Inputs, req.Amount, req.Params)
	require.NotNil(t, err)
	require.Equal(t, types.ErrValidation, types.KindOf(err))

	// Overflowing declared input values are rejected the same way.
	req = btcWithdrawRequest()
	req.Inputs = append(req.Inputs, req.Inputs[0])
	req.Inputs[0].Value = math.MaxUint64
	_, err = withdrawalOutputs(req.Inputs, req.Amount, req.Params)
	require.NotNil(t, err)
	require.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestRecoverFinalizesFromBackfill(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{})

	flow, err := env.orch.PrepareErc20Withdraw(&Erc20WithdrawRequest{
		Chain:        "goerli",
		Authority:    testUser,
		Erc20Address: [20]byte{0x33},
		Recipient:    [20]byte{0x44},
		Amount:       big.NewInt(5000),
		TxParams:     erc20DepositRequest().TxParams,
	})
	require.Nil(t, err)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	// Simulate a crash after submission: the record is stuck confirming
	// and the result event only exists in history.
	require.Nil(t, env.registry.Update(flow.Record.ID, func(r *types.TxRecord) {
		r.Status = types.StatusConfirming
	}))

	env.vault.GetPendingErc20WithdrawalFunc = func(ctx context.Context, id types.RequestID) (*solanaClient.PendingErc20Withdrawal, error) {
		return &solanaClient.PendingErc20Withdrawal{
			Requester:    testUser,
			Erc20Address: [20]byte{0x33},
			RequestID:    id,
		}, nil
	}
	env.vault.RecentEventsFunc = func(ctx context.Context, limit int) ([]solanaClient.Event, error) {
		return []solanaClient.Event{
			&solanaClient.ResultReported{
				RequestID:        requestID,
				SerializedOutput: []byte{1},
				Signature:        testMpcSignature(),
			},
		}, nil
	}

	err = env.orch.Recover(context.Background(), requestID)
	require.Nil(t, err)

	requireStatus(t, env.registry, flow.Record.ID, types.StatusCompleted)
	require.Equal(t, 1, env.sends())
}

func TestRecoverRetriesFailedRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{})

	flow, err := env.orch.PrepareErc20Withdraw(&Erc20WithdrawRequest{
		Chain:        "goerli",
		Authority:    testUser,
		Erc20Address: [20]byte{0x33},
		Recipient:    [20]byte{0x44},
		Amount:       big.NewInt(5000),
		TxParams:     erc20DepositRequest().TxParams,
	})
	require.Nil(t, err)

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	// A signature-wait timeout left the record failed. Failed is
	// recoverable: the pending account is still on the ledger and the
	// result event sits in history.
	require.Nil(t, env.registry.Update(flow.Record.ID, func(r *types.TxRecord) {
		r.Status = types.StatusFailed
		r.Error = "no signature event for request " + r.RequestID
	}))

	env.vault.GetPendingErc20WithdrawalFunc = func(ctx context.Context, id types.RequestID) (*solanaClient.PendingErc20Withdrawal, error) {
		return &solanaClient.PendingErc20Withdrawal{
			Requester:    testUser,
			Erc20Address: [20]byte{0x33},
			RequestID:    id,
		}, nil
	}
	env.vault.RecentEventsFunc = func(ctx context.Context, limit int) ([]solanaClient.Event, error) {
		return []solanaClient.Event{
			&solanaClient.ResultReported{
				RequestID:        requestID,
				SerializedOutput: []byte{1},
				Signature:        testMpcSignature(),
			},
		}, nil
	}

	require.Nil(t, env.orch.Recover(context.Background(), requestID))

	requireStatus(t, env.registry, flow.Record.ID, types.StatusCompleted)
	require.Equal(t, 1, env.sends())
}

func TestRecoverNoOpWhenCompleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{})

	flow, err := env.orch.PrepareErc20Deposit(erc20DepositRequest())
	require.Nil(t, err)
	require.Nil(t, env.registry.Update(flow.Record.ID, func(r *types.TxRecord) {
		r.Status = types.StatusCompleted
	}))

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	require.Nil(t, env.orch.Recover(context.Background(), requestID))
	require.Equal(t, 0, env.sends())
}

func TestRecoverNoOpWhenPendingGone(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.orch.AddEvmChain("goerli", &MockEvmSubmitter{})

	flow, err := env.orch.PrepareErc20Deposit(erc20DepositRequest())
	require.Nil(t, err)
	require.Nil(t, env.registry.Update(flow.Record.ID, func(r *types.TxRecord) {
		r.Status = types.StatusConfirming
	}))

	env.vault.GetPendingErc20DepositFunc = func(ctx context.Context, id types.RequestID) (*solanaClient.PendingErc20Deposit, error) {
		return nil, types.NewError(types.ErrValidation, "account not found: %s", id.Hex())
	}

	requestID, err := types.RequestIDFromHex(flow.Record.RequestID)
	require.Nil(t, err)

	require.Nil(t, env.orch.Recover(context.Background(), requestID))
	require.Equal(t, 0, env.sends())

	// Recovery leaves the record alone; the run that consumed the pending
	// account owns the terminal transition.
	requireStatus(t, env.registry, flow.Record.ID, types.StatusConfirming)
}

func TestRetryPolicyRetriesTransientOnly(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), "test", func() error {
		calls++
		return types.NewError(types.ErrTransientNetwork, "flaky")
	})
	require.NotNil(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = policy.Do(context.Background(), "test", func() error {
		calls++
		return types.NewError(types.ErrValidation, "bad input")
	})
	require.NotNil(t, err)
	require.Equal(t, 1, calls)

	calls = 0
	require.Nil(t, policy.Do(context.Background(), "test", func() error {
		calls++
		if calls == 1 {
			return types.NewError(types.ErrTransientNetwork, "flaky once")
		}
		return nil
	}))
	require.Equal(t, 2, calls)
}
