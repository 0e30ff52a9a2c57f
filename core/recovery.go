package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/wire"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/sisu-network/lib/log"

	solanaClient "github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/dvault/types"
)

// Recover re-enters an interrupted flow for one request. It re-subscribes,
// forces a backfill so a historical result event is found without waiting
// for a live one, and jumps straight to the ledger finalize. Safe to call
// repeatedly: only completed records are a no-op, failed records are
// re-attempted, and the ledger's pending record existence gives
// at-most-once finalization.
func (o *Orchestrator) Recover(ctx context.Context, requestID types.RequestID) error {
	record, err := o.registry.GetByRequestID(requestID.Hex())
	if err != nil {
		return err
	}
	if record.Status == types.StatusCompleted {
		log.Verbosef("Request %s already completed, nothing to recover", record.RequestID)
		return nil
	}

	finalize, found, err := o.recoveryFinalize(ctx, record, requestID)
	if err != nil {
		return err
	}
	if !found {
		// Pending record consumed: some other run finalized first.
		log.Infof("Pending record for request %s already consumed, recovery is a no-op", record.RequestID)
		return nil
	}

	sub := o.listener.Subscribe(requestID)
	defer sub.Cancel()
	o.listener.TriggerBackfill(ctx)

	// A Bitcoin transaction the previous run broadcast may have been
	// dropped from the mempool while we were down. Re-pushing it is
	// idempotent, the node answers "already known" when it still has it.
	switch record.Kind {
	case types.OpBtcDeposit.String(), types.OpBtcWithdrawal.String():
		o.rebroadcastBtc(ctx, record)
	}

	resultEvent, err := o.awaitResult(ctx, sub)
	if err != nil {
		o.fail(record, err)
		return err
	}

	return o.finalizeLedger(ctx, record, resultEvent, finalize, foreignHashBytes(record.ForeignTxHash))
}

// RecoverAll walks every unfinished registry record, typically at startup
// after a crash.
func (o *Orchestrator) RecoverAll(ctx context.Context) {
	records, err := o.registry.ListUnfinished()
	if err != nil {
		log.Error("Cannot list unfinished records, err = ", err)
		return
	}

	for _, record := range records {
		requestID, err := types.RequestIDFromHex(record.RequestID)
		if err != nil {
			log.Error("Malformed request id in record ", record.ID, " err = ", err)
			continue
		}

		if err := o.Recover(ctx, requestID); err != nil {
			log.Warnf("Recovery of request %s failed: %s", record.RequestID, err)
		}
	}
}

// recoveryFinalize rebuilds the finalize closure for a record from the
// on-chain pending account, which carries the requester and asset data the
// instruction needs. found is false when the pending account is gone.
func (o *Orchestrator) recoveryFinalize(ctx context.Context, record *types.TxRecord,
	requestID types.RequestID) (finalizeSpec, bool, error) {

	programs := o.vault.Programs()

	switch record.Kind {
	case types.OpErc20Deposit.String():
		pending, err := o.vault.GetPendingErc20Deposit(ctx, requestID)
		if solanaClient.ErrAccountNotFound(err) {
			return finalizeSpec{}, false, nil
		}
		if err != nil {
			return finalizeSpec{}, false, err
		}
		return finalizeSpec{
			sendOnFailure: false,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewClaimErc20Instruction(programs, requestID,
					pending.Requester, [20]byte(pending.Erc20Address), output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingErc20Deposit(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		}, true, nil

	case types.OpErc20Withdrawal.String():
		pending, err := o.vault.GetPendingErc20Withdrawal(ctx, requestID)
		if solanaClient.ErrAccountNotFound(err) {
			return finalizeSpec{}, false, nil
		}
		if err != nil {
			return finalizeSpec{}, false, err
		}
		return finalizeSpec{
			sendOnFailure: true,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewCompleteWithdrawErc20Instruction(programs, requestID,
					pending.Requester, [20]byte(pending.Erc20Address), output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingErc20Withdrawal(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		}, true, nil

	case types.OpBtcDeposit.String():
		pending, err := o.vault.GetPendingBtcDeposit(ctx, requestID)
		if solanaClient.ErrAccountNotFound(err) {
			return finalizeSpec{}, false, nil
		}
		if err != nil {
			return finalizeSpec{}, false, err
		}
		return finalizeSpec{
			sendOnFailure: false,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewClaimBtcInstruction(programs, requestID,
					pending.Requester, output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingBtcDeposit(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		}, true, nil

	case types.OpBtcWithdrawal.String():
		pending, err := o.vault.GetPendingBtcWithdrawal(ctx, requestID)
		if solanaClient.ErrAccountNotFound(err) {
			return finalizeSpec{}, false, nil
		}
		if err != nil {
			return finalizeSpec{}, false, err
		}
		return finalizeSpec{
			sendOnFailure: true,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewCompleteWithdrawBtcInstruction(programs, requestID,
					pending.Requester, output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingBtcWithdrawal(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		}, true, nil
	}

	return finalizeSpec{}, false, types.NewError(types.ErrValidation,
		"unknown operation kind %s", record.Kind)
}

func (o *Orchestrator) rebroadcastBtc(ctx context.Context, record *types.TxRecord) {
	chain, ok := o.btcChains[record.Chain]
	if !ok || record.ForeignTxHash == "" {
		return
	}

	raw, err := o.db.LoadForeignTx(record.Chain, record.ForeignTxHash)
	if err != nil || len(raw) == 0 {
		return
	}

	tx := wire.NewMsgTx(0)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		log.Warnf("Archived transaction %s does not deserialize: %s", record.ForeignTxHash, err)
		return
	}

	if _, err := chain.broadcaster.Broadcast(ctx, tx); err != nil {
		log.Verbosef("Rebroadcast of %s failed: %s", record.ForeignTxHash, err)
	}
}

// foreignHashBytes parses the recorded foreign tx hash. EVM hashes carry a
// 0x prefix; Bitcoin txids are already explorer-order hex.
func foreignHashBytes(s string) *[32]byte {
	s = strings.TrimPrefix(s, "0x")
	bz, err := hex.DecodeString(s)
	if err != nil || len(bz) != 32 {
		return nil
	}

	var hash [32]byte
	copy(hash[:], bz)
	return &hash
}
