package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/types"
)

// DerSignature converts an MPC signature (r, s as raw 32-byte scalars) to
// the DER encoding Bitcoin script expects, with the sighash type byte
// appended.
func DerSignature(sig types.MpcSignature, sighashType txscript.SigHashType) ([]byte, error) {
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig.BigR.X[:]); overflow {
		return nil, types.NewError(types.ErrValidation, "signature r overflows curve order")
	}
	if overflow := s.SetByteSlice(sig.S[:]); overflow {
		return nil, types.NewError(types.ErrValidation, "signature s overflows curve order")
	}

	der := ecdsa.NewSignature(&r, &s).Serialize()
	return append(der, byte(sighashType)), nil
}

// AttachInputSignature writes one per-input MPC signature into the packet.
func AttachInputSignature(packet *psbt.Packet, index int, sig types.MpcSignature,
	pubKey []byte, sighashType txscript.SigHashType) error {

	der, err := DerSignature(sig, sighashType)
	if err != nil {
		return err
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot update psbt")
	}

	outcome, err := updater.Sign(index, der, pubKey, nil, nil)
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot attach signature to input %d", index)
	}
	if outcome != psbt.SignSuccesful {
		return types.NewError(types.ErrValidation, "signature for input %d not accepted", index)
	}

	return nil
}

// FinalizeTx finalizes every input and extracts the broadcastable
// transaction.
func FinalizeTx(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot finalize psbt")
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot extract transaction")
	}

	return tx, nil
}

// Broadcaster pushes finalized transactions into the Bitcoin network.
// Confirmation is the spend watcher's job, not the broadcaster's.
type Broadcaster struct {
	chain  string
	client BtcClient

	maxAttempts int
	retryDelay  time.Duration
}

func NewBroadcaster(chain string, client BtcClient, maxAttempts int) *Broadcaster {
	return &Broadcaster{
		chain:       chain,
		client:      client,
		maxAttempts: maxAttempts,
		retryDelay:  time.Second * 5,
	}
}

// Broadcast serializes and sends tx, retrying transient rejections up to
// the attempt bound. A duplicate submission is success; a missing or
// already-spent input is a conflict and never retried.
func (b *Broadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", types.WrapError(types.ErrValidation, err, "cannot serialize transaction")
	}

	txHex := hex.EncodeToString(buf.Bytes())
	txid := tx.TxHash().String()

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		_, err := b.client.SendRawTransaction(ctx, txHex)
		if err == nil {
			log.Verbosef("Broadcast %s on chain %s", txid, b.chain)
			return txid, nil
		}

		msg := err.Error()
		switch {
		case strings.Contains(msg, "already in block chain"),
			strings.Contains(msg, "txn-already-in-mempool"),
			strings.Contains(msg, "txn-already-known"):
			return txid, nil

		case strings.Contains(msg, "bad-txns-inputs-missingorspent"),
			strings.Contains(msg, "txn-mempool-conflict"):
			// Something else consumed our inputs. The spend watcher will
			// classify the competing spend; rebroadcasting cannot win.
			return "", types.WrapError(types.ErrConflictDetected, err,
				"inputs of %s already spent on chain %s", txid, b.chain)
		}

		lastErr = err
		log.Warnf("Broadcast attempt %d for %s failed on chain %s, err = %s", attempt, txid, b.chain, err)

		if attempt < b.maxAttempts {
			select {
			case <-time.After(b.retryDelay):
			case <-ctx.Done():
				return "", types.WrapError(types.ErrTransientNetwork, ctx.Err(),
					"broadcast cancelled for %s", txid)
			}
		}
	}

	return "", types.WrapError(types.ErrTransientNetwork, lastErr,
		"could not broadcast %s on chain %s", txid, b.chain)
}
