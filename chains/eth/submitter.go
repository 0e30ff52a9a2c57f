package eth

import (
	"context"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/types"
)

// SubmitState tracks one submission through broadcast and receipt polling.
type SubmitState int

const (
	StateIdle SubmitState = iota
	StateSubmitting
	StateBroadcast
	StateBroadcastFailed
	StateAwaitingReceipt
	StateConfirmed
	StateReverted
	StateTimedOut
)

func (s SubmitState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateBroadcast:
		return "broadcast"
	case StateBroadcastFailed:
		return "broadcast_failed"
	case StateAwaitingReceipt:
		return "awaiting_receipt"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	case StateTimedOut:
		return "timed_out"
	}

	return "unknown"
}

// SubmitResult is what the orchestrator gets back from a finished
// submission attempt.
type SubmitResult struct {
	State   SubmitState
	TxHash  ethcommon.Hash
	Receipt *ethtypes.Receipt
}

// Submitter broadcasts a signed transaction and drives it to a receipt.
// Receipt-not-found triggers a rebroadcast rather than a failure, since a
// node can drop a transaction from its mempool without it ever reaching a
// block.
type Submitter struct {
	chain  string
	client EthClient

	maxAttempts  int
	receiptWait  time.Duration
	pollInterval time.Duration
}

func NewSubmitter(chain string, client EthClient, maxAttempts int, receiptWait time.Duration) *Submitter {
	return &Submitter{
		chain:        chain,
		client:       client,
		maxAttempts:  maxAttempts,
		receiptWait:  receiptWait,
		pollInterval: time.Second * 5,
	}
}

// Submit broadcasts tx and polls for its receipt. It returns:
//   - StateConfirmed with the receipt on success,
//   - StateReverted (terminal) when the transaction executed and failed,
//   - StateBroadcastFailed (terminal) when every broadcast was rejected,
//   - StateTimedOut (retryable upward) when the receipt never appeared.
//
// A timed-out broadcast is not cancelled; the transaction may still land,
// so the caller must reconcile through recovery instead of assuming a
// rollback.
func (s *Submitter) Submit(ctx context.Context, tx *ethtypes.Transaction) (*SubmitResult, error) {
	result := &SubmitResult{State: StateSubmitting, TxHash: tx.Hash()}

	deadline := time.Now().Add(s.receiptWait)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.broadcast(ctx, tx); err != nil {
			if types.KindOf(err) == types.ErrForeignChainRevert {
				result.State = StateBroadcastFailed
				return result, err
			}

			log.Warnf("Broadcast attempt %d failed on chain %s, err = %s", attempt, s.chain, err)
			if attempt == s.maxAttempts {
				result.State = StateBroadcastFailed
				return result, err
			}

			if !s.sleep(ctx) {
				result.State = StateTimedOut
				return result, ctx.Err()
			}
			continue
		}

		result.State = StateAwaitingReceipt
		receipt, err := s.awaitReceipt(ctx, tx, deadline)
		if err != nil {
			if types.KindOf(err) == types.ErrEventTimeout && attempt < s.maxAttempts {
				// No receipt within this attempt's window: rebroadcast in
				// case the node dropped the transaction.
				log.Verbosef("No receipt for %s on chain %s, rebroadcasting", tx.Hash(), s.chain)
				deadline = time.Now().Add(s.receiptWait)
				continue
			}

			result.State = StateTimedOut
			return result, err
		}

		if receipt.Status == ethtypes.ReceiptStatusFailed {
			result.State = StateReverted
			result.Receipt = receipt
			return result, types.NewError(types.ErrForeignChainRevert,
				"transaction %s reverted on chain %s", tx.Hash(), s.chain)
		}

		result.State = StateConfirmed
		result.Receipt = receipt
		return result, nil
	}

	result.State = StateBroadcastFailed
	return result, types.NewError(types.ErrTransientNetwork,
		"could not broadcast transaction %s on chain %s", tx.Hash(), s.chain)
}

// broadcast sends the transaction, folding node answers into the error
// taxonomy. Ethereum nodes report these conditions only as message
// strings, so we have to rely on string matching.
func (s *Submitter) broadcast(ctx context.Context, tx *ethtypes.Transaction) error {
	rpcCtx, cancel := context.WithTimeout(ctx, RpcTimeOut)
	defer cancel()

	err := s.client.SendTransaction(rpcCtx, tx)
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		// Another broadcast of the same bytes is already in the pool.
		return nil

	case strings.Contains(msg, "nonce too low"):
		// The nonce was consumed by a different transaction. Rebroadcasting
		// can never succeed.
		return types.WrapError(types.ErrForeignChainRevert, err,
			"nonce already used on chain %s", s.chain)
	}

	return types.WrapError(types.ErrTransientNetwork, err, "broadcast failed on chain %s", s.chain)
}

func (s *Submitter) awaitReceipt(ctx context.Context, tx *ethtypes.Transaction, deadline time.Time) (*ethtypes.Receipt, error) {
	for {
		rpcCtx, cancel := context.WithTimeout(ctx, RpcTimeOut)
		receipt, err := s.client.TransactionReceipt(rpcCtx, tx.Hash())
		cancel()

		if err == nil && receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, types.NewError(types.ErrEventTimeout,
				"no receipt for %s on chain %s", tx.Hash(), s.chain)
		}

		if !s.sleep(ctx) {
			return nil, types.WrapError(types.ErrEventTimeout, ctx.Err(),
				"receipt wait cancelled for %s", tx.Hash())
		}
	}
}

func (s *Submitter) sleep(ctx context.Context) bool {
	select {
	case <-time.After(s.pollInterval):
		return true
	case <-ctx.Done():
		return false
	}
}
