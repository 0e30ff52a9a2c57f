package core

import (
	"context"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	solanago "github.com/gagliardetto/solana-go"
	solanaClient "github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/chains/eth"
	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/database"
	"github.com/sisu-network/dvault/registry"
	"github.com/sisu-network/dvault/types"
)

// EvmSubmitter broadcasts a signed EVM transaction and drives it to a
// receipt.
type EvmSubmitter interface {
	Submit(ctx context.Context, tx *ethtypes.Transaction) (*eth.SubmitResult, error)
}

// Flow is a prepared operation: the registered record plus the closure
// that drives the request to a terminal status. Prepare* methods return
// a Flow so callers can hand the record id back to the user before the
// flow itself runs.
type Flow struct {
	Record *types.TxRecord

	run func(ctx context.Context) error
}

// Orchestrator drives deposit and withdrawal requests from the ledger
// chain to their settlement chains and back. Each in-flight request is
// independent; the orchestrator holds no per-request state outside the
// registry.
type Orchestrator struct {
	cfg      config.Dvault
	vault    solanaClient.Client
	listener *solanaClient.Listener
	registry registry.Registry
	db       database.Database

	evmChains map[string]EvmSubmitter
	btcChains map[string]btcChain

	// Zero when result verification is disabled.
	mpcSigner ethcommon.Address

	retry RetryPolicy
}

func NewOrchestrator(cfg config.Dvault, vault solanaClient.Client, listener *solanaClient.Listener,
	reg registry.Registry, db database.Database) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		vault:     vault,
		listener:  listener,
		registry:  reg,
		db:        db,
		evmChains: make(map[string]EvmSubmitter),
		btcChains: make(map[string]btcChain),
		mpcSigner: ethcommon.HexToAddress(cfg.Solana.MpcSignerAddress),
		retry:     DefaultRetryPolicy(),
	}
}

func (o *Orchestrator) AddEvmChain(chain string, submitter EvmSubmitter) {
	o.evmChains[chain] = submitter
}

// StreamHealthy reports whether the ledger event stream is connected.
func (o *Orchestrator) StreamHealthy() bool {
	return o.listener.Connected()
}

// ExecuteFlow runs a prepared flow to completion. The registry record is
// already registered by the Prepare* call, so this is safe to run on a
// background context after the initiating call has returned.
func (o *Orchestrator) ExecuteFlow(ctx context.Context, f *Flow) error {
	return f.run(ctx)
}

///////////////////////////////////////////////////////////////////////////
// ERC20 requests
///////////////////////////////////////////////////////////////////////////

type Erc20DepositRequest struct {
	Chain        string
	Requester    solanago.PublicKey
	Erc20Address [20]byte
	Recipient    [20]byte
	Amount       *big.Int
	TxParams     solanaClient.EvmTransactionParams
}

type Erc20WithdrawRequest struct {
	Chain        string
	Authority    solanago.PublicKey
	Erc20Address [20]byte
	Recipient    [20]byte
	Amount       *big.Int
	TxParams     solanaClient.EvmTransactionParams
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return types.NewError(types.ErrValidation, "amount must be positive")
	}
	return nil
}

// PrepareErc20Deposit computes the request id for a user deposit, sends
// nothing yet, and registers the pending record. The deposit moves tokens
// from the user's derived vault address, so the signing path is the
// requester's own pubkey.
func (o *Orchestrator) PrepareErc20Deposit(req *Erc20DepositRequest) (*Flow, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, ok := o.evmChains[req.Chain]; !ok {
		return nil, types.NewError(types.ErrValidation, "unknown evm chain %s", req.Chain)
	}

	programs := o.vault.Programs()
	sender, err := solanaClient.VaultAuthorityPda(programs.Vault, req.Requester)
	if err != nil {
		return nil, err
	}

	payload, err := solanaClient.Erc20TransferPayload(req.TxParams, req.Erc20Address, req.Recipient, req.Amount)
	if err != nil {
		return nil, err
	}
	requestID := solanaClient.BidirectionalRequestID(sender, payload,
		solanaClient.Caip2Eip155(req.TxParams.ChainID), solanaClient.KeyVersion,
		req.Requester.String(), solanaClient.SignatureAlgo, solanaClient.DestEthereum, "")

	initiate, err := solanaClient.NewDepositErc20Instruction(programs, requestID,
		req.Requester, req.Erc20Address, req.Recipient, req.Amount, req.TxParams)
	if err != nil {
		return nil, err
	}

	record := o.newRecord(requestID, types.OpErc20Deposit, req.Chain,
		req.Requester.String(), req.Amount.String())
	if err := o.registry.Register(record); err != nil {
		return nil, err
	}

	spec := evmTxSpec{
		chain:  req.Chain,
		params: req.TxParams,
		to:     req.Erc20Address,
		data:   solanaClient.Erc20TransferCalldata(req.Recipient, req.Amount),
	}
	finalize := finalizeSpec{
		// claim_erc20 rejects a failed transfer outright, so a failure
		// result is terminal without a ledger call.
		sendOnFailure: false,
		failKind:      types.ErrForeignChainRevert,
		build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
			return solanaClient.NewClaimErc20Instruction(programs, requestID,
				req.Requester, req.Erc20Address, output, sig, txHash)
		},
		pendingGone: func(ctx context.Context) bool {
			_, err := o.vault.GetPendingErc20Deposit(ctx, requestID)
			return solanaClient.ErrAccountNotFound(err)
		},
	}

	return &Flow{
		Record: record,
		run: func(ctx context.Context) error {
			return o.runEvmFlow(ctx, record, requestID, initiate, spec, finalize)
		},
	}, nil
}

// PrepareErc20Withdraw computes the request id for a withdrawal from the
// shared vault. The signer key is the global vault authority with the
// fixed root path.
func (o *Orchestrator) PrepareErc20Withdraw(req *Erc20WithdrawRequest) (*Flow, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, ok := o.evmChains[req.Chain]; !ok {
		return nil, types.NewError(types.ErrValidation, "unknown evm chain %s", req.Chain)
	}

	programs := o.vault.Programs()
	sender, err := solanaClient.GlobalVaultAuthorityPda(programs.Vault)
	if err != nil {
		return nil, err
	}

	payload, err := solanaClient.Erc20TransferPayload(req.TxParams, req.Erc20Address, req.Recipient, req.Amount)
	if err != nil {
		return nil, err
	}
	requestID := solanaClient.BidirectionalRequestID(sender, payload,
		solanaClient.Caip2Eip155(req.TxParams.ChainID), solanaClient.KeyVersion,
		solanaClient.RootPath, solanaClient.SignatureAlgo, solanaClient.DestEthereum, "")

	initiate, err := solanaClient.NewWithdrawErc20Instruction(programs, requestID,
		req.Authority, req.Erc20Address, req.Amount, req.Recipient, req.TxParams)
	if err != nil {
		return nil, err
	}

	record := o.newRecord(requestID, types.OpErc20Withdrawal, req.Chain,
		req.Authority.String(), req.Amount.String())
	if err := o.registry.Register(record); err != nil {
		return nil, err
	}

	spec := evmTxSpec{
		chain:  req.Chain,
		params: req.TxParams,
		to:     req.Erc20Address,
		data:   solanaClient.Erc20TransferCalldata(req.Recipient, req.Amount),
	}
	finalize := finalizeSpec{
		// complete_withdraw_erc20 refunds the optimistic debit on a failed
		// result, so it must run even when the transfer failed.
		sendOnFailure: true,
		failKind:      types.ErrForeignChainRevert,
		build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
			return solanaClient.NewCompleteWithdrawErc20Instruction(programs, requestID,
				req.Authority, req.Erc20Address, output, sig, txHash)
		},
		pendingGone: func(ctx context.Context) bool {
			_, err := o.vault.GetPendingErc20Withdrawal(ctx, requestID)
			return solanaClient.ErrAccountNotFound(err)
		},
	}

	return &Flow{
		Record: record,
		run: func(ctx context.Context) error {
			return o.runEvmFlow(ctx, record, requestID, initiate, spec, finalize)
		},
	}, nil
}

///////////////////////////////////////////////////////////////////////////
// EVM flow
///////////////////////////////////////////////////////////////////////////

type evmTxSpec struct {
	chain  string
	params solanaClient.EvmTransactionParams
	to     [20]byte
	data   []byte
}

type finalizeSpec struct {
	build         func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error)
	pendingGone   func(ctx context.Context) bool
	sendOnFailure bool
	failKind      types.ErrKind
}

// runEvmFlow drives one ERC20 operation end to end:
// subscribe, initiate on the ledger, await the MPC signature, submit the
// signed transaction, await the signer's result report, finalize on the
// ledger. The subscription is cancelled on every exit path.
func (o *Orchestrator) runEvmFlow(ctx context.Context, record *types.TxRecord, requestID types.RequestID,
	initiate solanago.Instruction, spec evmTxSpec, finalize finalizeSpec) error {

	submitter := o.evmChains[spec.chain]

	// Subscribe before initiating so the signature event cannot fire
	// before a listener exists.
	sub := o.listener.Subscribe(requestID)
	defer sub.Cancel()

	var ledgerSig string
	err := o.retry.Do(ctx, "initiate "+record.Kind, func() error {
		var sendErr error
		ledgerSig, sendErr = o.vault.SendInstruction(ctx, initiate)
		return sendErr
	})
	if err != nil {
		// Nothing moved on the ledger, terminal for this attempt.
		o.fail(record, err)
		return err
	}
	o.update(record, func(r *types.TxRecord) { r.LedgerTxSig = ledgerSig })

	sigEvent, err := o.awaitSignature(ctx, sub)
	if err != nil {
		// The record lands on failed, but the ledger still holds the
		// pending account, so an explicit Recover call can re-await the
		// signature via backfill.
		o.fail(record, err)
		return err
	}
	o.setStatus(record, types.StatusSignatureReceived, nil)

	tx, err := solanaClient.AssembleSignedEvmTx(spec.params, spec.to, spec.data, sigEvent.Signature)
	if err != nil {
		o.fail(record, err)
		return err
	}

	txHash := [32]byte(tx.Hash())
	o.setStatus(record, types.StatusSubmitted, func(r *types.TxRecord) {
		r.ForeignTxHash = tx.Hash().Hex()
	})
	if raw, marshalErr := tx.MarshalBinary(); marshalErr == nil {
		o.db.SaveForeignTx(spec.chain, tx.Hash().Hex(), record.RequestID, raw)
	}

	result, submitErr := submitter.Submit(ctx, tx)
	var foreignTxHash *[32]byte
	if result != nil && result.State != eth.StateBroadcastFailed {
		foreignTxHash = &txHash
	}
	if submitErr != nil {
		if types.KindOf(submitErr) != types.ErrForeignChainRevert {
			// Timed out or never broadcast: the transaction may still
			// land, so the failed record stays recoverable and Recover
			// reconciles the outcome.
			o.fail(record, submitErr)
			return submitErr
		}
		// Reverted on chain. The signer observes the same revert and
		// reports failure, which drives the ledger refund below.
		o.noteError(record, submitErr)
	}

	o.setStatus(record, types.StatusConfirming, nil)

	resultEvent, err := o.awaitResult(ctx, sub)
	if err != nil {
		o.fail(record, err)
		return err
	}

	return o.finalizeLedger(ctx, record, resultEvent, finalize, foreignTxHash)
}

// finalizeLedger sends the claim/complete instruction and lands the record on
// its terminal status. A ledger rejection is tolerated when the pending
// account is already gone: a concurrent recovery run finalized first.
func (o *Orchestrator) finalizeLedger(ctx context.Context, record *types.TxRecord,
	resultEvent *solanaClient.ResultReported, finalize finalizeSpec, foreignTxHash *[32]byte) error {

	if o.mpcSigner != (ethcommon.Address{}) {
		if err := solanaClient.VerifyResultSignature(resultEvent, o.mpcSigner); err != nil {
			o.fail(record, err)
			return err
		}
	}

	success := solanaClient.OutputSuccess(resultEvent.SerializedOutput)

	if success || finalize.sendOnFailure {
		insn, err := finalize.build(resultEvent.SerializedOutput, resultEvent.Signature, foreignTxHash)
		if err != nil {
			o.fail(record, err)
			return err
		}

		err = o.retry.Do(ctx, "finalize "+record.Kind, func() error {
			_, sendErr := o.vault.SendInstruction(ctx, insn)
			return sendErr
		})
		if err != nil {
			if types.KindOf(err) == types.ErrLedgerInstruction && finalize.pendingGone(ctx) {
				log.Verbosef("Pending record for request %s already consumed, treating finalize as done",
					record.RequestID)
			} else {
				o.fail(record, err)
				return err
			}
		}
	}

	if success {
		o.setStatus(record, types.StatusCompleted, nil)
		return nil
	}

	failErr := types.NewError(finalize.failKind,
		"signer reported failure for request %s", record.RequestID)
	o.fail(record, failErr)
	return failErr
}

///////////////////////////////////////////////////////////////////////////
// Shared helpers
///////////////////////////////////////////////////////////////////////////

func (o *Orchestrator) newRecord(requestID types.RequestID, kind types.OpKind,
	chain, user, amount string) *types.TxRecord {
	return &types.TxRecord{
		RequestID:   requestID.Hex(),
		Kind:        kind.String(),
		Chain:       chain,
		UserAddress: user,
		Amount:      amount,
	}
}

func (o *Orchestrator) awaitSignature(ctx context.Context, sub *solanaClient.Subscription) (*solanaClient.SignatureProduced, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.signatureWait())
	defer cancel()

	return sub.AwaitSignature(waitCtx)
}

func (o *Orchestrator) awaitResult(ctx context.Context, sub *solanaClient.Subscription) (*solanaClient.ResultReported, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.resultWait())
	defer cancel()

	return sub.AwaitResult(waitCtx)
}

// update mirrors a mutation into both the local record and the registry.
func (o *Orchestrator) update(record *types.TxRecord, mutate func(*types.TxRecord)) {
	mutate(record)
	if err := o.registry.Update(record.ID, mutate); err != nil {
		log.Error("Cannot update registry record ", record.ID, " err = ", err)
	}
}

func (o *Orchestrator) setStatus(record *types.TxRecord, status types.TxStatus, mutate func(*types.TxRecord)) {
	o.update(record, func(r *types.TxRecord) {
		r.Status = status
		if mutate != nil {
			mutate(r)
		}
	})
}

// noteError records an error message while the flow keeps running toward
// finalize; later steps set the status. Flows that abort use fail instead.
func (o *Orchestrator) noteError(record *types.TxRecord, err error) {
	o.update(record, func(r *types.TxRecord) {
		r.Error = err.Error()
	})
}

// fail lands the record on failed with the message. Failed is not a dead
// end: an explicit Recover call re-attempts any record that has not
// completed.
func (o *Orchestrator) fail(record *types.TxRecord, err error) {
	o.setStatus(record, types.StatusFailed, func(r *types.TxRecord) {
		r.Error = err.Error()
	})
}
