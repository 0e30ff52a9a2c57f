package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/chains/bitcoin"
	solanaClient "github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/dvault/types"
)

// BtcBroadcaster pushes a finalized Bitcoin transaction into the network.
type BtcBroadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// BtcSpendWatcher observes vault outpoints for being spent and classifies
// the spender.
type BtcSpendWatcher interface {
	Watch(outpoint wire.OutPoint, expectedTxid string) <-chan *bitcoin.SpendReport
	Unwatch(outpoint wire.OutPoint)
}

type btcChain struct {
	broadcaster BtcBroadcaster
	watcher     BtcSpendWatcher
}

func (o *Orchestrator) AddBtcChain(chain string, broadcaster BtcBroadcaster, watcher BtcSpendWatcher) {
	o.btcChains[chain] = btcChain{broadcaster: broadcaster, watcher: watcher}
}

type BtcDepositRequest struct {
	Chain     string
	Requester solanago.PublicKey
	Inputs    []solanaClient.BtcInput
	Outputs   []solanaClient.BtcOutput
	Params    solanaClient.BtcDepositParams

	// Compressed pubkey of the requester's derived vault key, needed to
	// finalize the witness.
	SignerPubKey []byte
}

type BtcWithdrawRequest struct {
	Chain            string
	Authority        solanago.PublicKey
	Inputs           []solanaClient.BtcInput
	Amount           uint64
	RecipientAddress string
	Params           solanaClient.BtcWithdrawParams

	// Compressed pubkey of the vault root key.
	SignerPubKey []byte
}

// buildBtcMsgTx mirrors the transaction the ledger program builds, so the
// txid (and therefore every request id) matches exactly. Input txids are
// in internal byte order.
func buildBtcMsgTx(inputs []solanaClient.BtcInput, outputs []solanaClient.BtcOutput, lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		hash := chainhash.Hash(in.Txid)
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, in.Vout), nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(int64(out.Value), out.ScriptPubkey))
	}
	tx.LockTime = lockTime

	return tx
}

// withdrawalOutputs derives the output set the program builds: recipient
// first, then vault change when there is any.
func withdrawalOutputs(inputs []solanaClient.BtcInput, amount uint64,
	params solanaClient.BtcWithdrawParams) ([]solanaClient.BtcOutput, error) {

	var totalInput uint64
	for _, in := range inputs {
		if in.Value > math.MaxUint64-totalInput {
			return nil, types.NewError(types.ErrValidation, "declared input values overflow")
		}
		totalInput += in.Value
	}

	if params.Fee > math.MaxUint64-amount {
		return nil, types.NewError(types.ErrValidation,
			"amount %d plus fee %d overflows", amount, params.Fee)
	}
	debit := amount + params.Fee
	if totalInput < debit {
		return nil, types.NewError(types.ErrValidation,
			"inputs carry %d sats, need %d", totalInput, debit)
	}

	outputs := []solanaClient.BtcOutput{
		{ScriptPubkey: params.RecipientScriptPubkey, Value: amount},
	}
	if change := totalInput - debit; change > 0 {
		outputs = append(outputs, solanaClient.BtcOutput{
			ScriptPubkey: params.VaultScriptPubkey,
			Value:        change,
		})
	}

	return outputs, nil
}

func scriptCodeFor(scriptPubkey []byte) ([]byte, error) {
	if len(scriptPubkey) == 22 && scriptPubkey[0] == 0x00 && scriptPubkey[1] == 0x14 {
		var pubKeyHash [20]byte
		copy(pubKeyHash[:], scriptPubkey[2:])
		return bitcoin.P2wpkhScriptCode(pubKeyHash), nil
	}

	return nil, types.NewError(types.ErrValidation, "unsupported script pubkey %x", scriptPubkey)
}

// PrepareBtcDeposit builds the deposit transaction from the caller's
// declared inputs and outputs and registers the pending record. The
// signing path is the requester's pubkey; the session cap is the total
// declared input value, since the inputs are the user's own funds.
func (o *Orchestrator) PrepareBtcDeposit(req *BtcDepositRequest) (*Flow, error) {
	if len(req.Inputs) == 0 || len(req.Outputs) == 0 {
		return nil, types.NewError(types.ErrValidation, "deposit needs at least one input and one output")
	}
	if _, ok := o.btcChains[req.Chain]; !ok {
		return nil, types.NewError(types.ErrValidation, "unknown btc chain %s", req.Chain)
	}

	var depositAmount, capSats uint64
	for _, out := range req.Outputs {
		if string(out.ScriptPubkey) == string(req.Params.VaultScriptPubkey) {
			depositAmount += out.Value
		}
	}
	if depositAmount == 0 {
		return nil, types.NewError(types.ErrValidation, "no output pays the vault")
	}
	for _, in := range req.Inputs {
		capSats += in.Value
	}

	programs := o.vault.Programs()
	sender, err := solanaClient.VaultAuthorityPda(programs.Vault, req.Requester)
	if err != nil {
		return nil, err
	}
	path := req.Requester.String()

	tx := buildBtcMsgTx(req.Inputs, req.Outputs, req.Params.LockTime)
	payload := bitcoin.ExplorerTxidBytes(tx.TxHash())
	requestID := solanaClient.BidirectionalRequestID(sender, payload[:], req.Params.Caip2ID,
		solanaClient.KeyVersion, path, solanaClient.SignatureAlgo, solanaClient.DestBitcoin, "")

	initiate, err := solanaClient.NewDepositBtcInstruction(programs, requestID,
		req.Requester, req.Inputs, req.Outputs, req.Params)
	if err != nil {
		return nil, err
	}

	record := o.newRecord(requestID, types.OpBtcDeposit, req.Chain,
		req.Requester.String(), fmt.Sprintf("%d", depositAmount))
	if err := o.registry.Register(record); err != nil {
		return nil, err
	}

	spec := btcFlowSpec{
		chain:        req.Chain,
		tx:           tx,
		inputs:       req.Inputs,
		sender:       sender,
		path:         path,
		signerPubKey: req.SignerPubKey,
		capSats: func(ctx context.Context) (uint64, error) {
			return capSats, nil
		},
		finalize: finalizeSpec{
			sendOnFailure: false,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewClaimBtcInstruction(programs, requestID,
					req.Requester, output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingBtcDeposit(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		},
	}

	return &Flow{
		Record: record,
		run: func(ctx context.Context) error {
			return o.runBtcFlow(ctx, record, requestID, initiate, spec)
		},
	}, nil
}

// PrepareBtcWithdraw spends vault UTXOs to the recipient with vault
// change, signed under the root path. The session cap is the user's
// ledger balance at flow start, so the consolidation can never authorize
// more input value than the user can cover.
func (o *Orchestrator) PrepareBtcWithdraw(req *BtcWithdrawRequest) (*Flow, error) {
	if len(req.Inputs) == 0 {
		return nil, types.NewError(types.ErrValidation, "withdrawal needs at least one input")
	}
	if req.Amount == 0 {
		return nil, types.NewError(types.ErrValidation, "amount must be positive")
	}
	if _, ok := o.btcChains[req.Chain]; !ok {
		return nil, types.NewError(types.ErrValidation, "unknown btc chain %s", req.Chain)
	}

	outputs, err := withdrawalOutputs(req.Inputs, req.Amount, req.Params)
	if err != nil {
		return nil, err
	}

	programs := o.vault.Programs()
	sender, err := solanaClient.GlobalVaultAuthorityPda(programs.Vault)
	if err != nil {
		return nil, err
	}

	tx := buildBtcMsgTx(req.Inputs, outputs, req.Params.LockTime)
	payload := bitcoin.ExplorerTxidBytes(tx.TxHash())
	requestID := solanaClient.BidirectionalRequestID(sender, payload[:], req.Params.Caip2ID,
		solanaClient.KeyVersion, solanaClient.RootPath, solanaClient.SignatureAlgo,
		solanaClient.DestBitcoin, "")

	initiate, err := solanaClient.NewWithdrawBtcInstruction(programs, requestID,
		req.Authority, req.Inputs, req.Amount, req.RecipientAddress, req.Params)
	if err != nil {
		return nil, err
	}

	record := o.newRecord(requestID, types.OpBtcWithdrawal, req.Chain,
		req.Authority.String(), fmt.Sprintf("%d", req.Amount))
	if err := o.registry.Register(record); err != nil {
		return nil, err
	}

	spec := btcFlowSpec{
		chain:        req.Chain,
		tx:           tx,
		inputs:       req.Inputs,
		sender:       sender,
		path:         solanaClient.RootPath,
		signerPubKey: req.SignerPubKey,
		capSats: func(ctx context.Context) (uint64, error) {
			// The optimistic debit happens at initiation, so the cap must
			// be read before the initiate instruction lands.
			return o.vault.GetUserBtcBalance(ctx, req.Authority)
		},
		finalize: finalizeSpec{
			sendOnFailure: true,
			failKind:      types.ErrForeignChainRevert,
			build: func(output []byte, sig types.MpcSignature, txHash *[32]byte) (solanago.Instruction, error) {
				return solanaClient.NewCompleteWithdrawBtcInstruction(programs, requestID,
					req.Authority, output, sig, txHash)
			},
			pendingGone: func(ctx context.Context) bool {
				_, err := o.vault.GetPendingBtcWithdrawal(ctx, requestID)
				return solanaClient.ErrAccountNotFound(err)
			},
		},
	}

	return &Flow{
		Record: record,
		run: func(ctx context.Context) error {
			return o.runBtcFlow(ctx, record, requestID, initiate, spec)
		},
	}, nil
}

type btcFlowSpec struct {
	chain        string
	tx           *wire.MsgTx
	inputs       []solanaClient.BtcInput
	sender       solanago.PublicKey
	path         string
	signerPubKey []byte
	capSats      func(ctx context.Context) (uint64, error)
	finalize     finalizeSpec
}

type sessionSnapshot struct {
	RequestID       string   `json:"request_id"`
	Chain           string   `json:"chain"`
	Txid            string   `json:"txid"`
	CapSats         uint64   `json:"cap_sats"`
	AuthorizedTotal uint64   `json:"authorized_total"`
	Outpoints       []string `json:"outpoints"`
}

// runBtcFlow drives one Bitcoin operation. The signature events arrive
// one per input under the respond-variant request ids; the result event
// arrives once under the operation id after the signer has observed the
// spend of every reserved outpoint.
func (o *Orchestrator) runBtcFlow(ctx context.Context, record *types.TxRecord, requestID types.RequestID,
	initiate solanago.Instruction, spec btcFlowSpec) error {

	chain := o.btcChains[spec.chain]

	capSats, err := spec.capSats(ctx)
	if err != nil {
		o.fail(record, err)
		return err
	}

	session, err := bitcoin.NewSigningSession(spec.tx, uint32(txscript.SigHashAll), capSats)
	if err != nil {
		o.fail(record, err)
		return err
	}

	// Reserve every input before asking the signer for anything. A
	// rejection here means the request would overdraw the session cap.
	sessionInputs := make([]bitcoin.SessionInput, len(spec.inputs))
	for i, in := range spec.inputs {
		scriptCode, err := scriptCodeFor(in.ScriptPubkey)
		if err != nil {
			o.fail(record, err)
			return err
		}
		sessionInputs[i] = bitcoin.SessionInput{
			Outpoint:   spec.tx.TxIn[i].PreviousOutPoint,
			AmountSats: in.Value,
			Sequence:   spec.tx.TxIn[i].Sequence,
			ScriptCode: scriptCode,
		}
		if err := session.AuthorizeInput(sessionInputs[i]); err != nil {
			o.fail(record, err)
			return err
		}
	}

	// One subscription per input for the signatures, one for the result.
	// All of them exist before the initiate instruction can emit anything.
	// The program derives each per-input id over that input's BIP143
	// signing payload, with key version 0.
	resultSub := o.listener.Subscribe(requestID)
	defer resultSub.Cancel()

	inputSubs := make([]*solanaClient.Subscription, len(spec.inputs))
	for i := range spec.inputs {
		inputID := solanaClient.RespondRequestID(spec.sender, session.SighashPreimage(sessionInputs[i]),
			solanaClient.BitcoinSlip44, solanaClient.RespondKeyVersion, spec.path,
			solanaClient.SignatureAlgo, solanaClient.DestBitcoin, fmt.Sprintf("input_%d", i))
		inputSubs[i] = o.listener.Subscribe(inputID)
		defer inputSubs[i].Cancel()
	}

	var ledgerSig string
	err = o.retry.Do(ctx, "initiate "+record.Kind, func() error {
		var sendErr error
		ledgerSig, sendErr = o.vault.SendInstruction(ctx, initiate)
		return sendErr
	})
	if err != nil {
		o.fail(record, err)
		return err
	}
	o.update(record, func(r *types.TxRecord) { r.LedgerTxSig = ledgerSig })

	o.saveSessionSnapshot(session, record, spec, capSats)
	defer o.db.DeleteSessionSnapshot(session.ID)

	// Collect one MPC signature per input under a shared deadline.
	sigCtx, cancelSigWait := context.WithTimeout(ctx, o.signatureWait())
	defer cancelSigWait()

	signatures := make([]types.MpcSignature, len(inputSubs))
	for i, sub := range inputSubs {
		sigEvent, err := sub.AwaitSignature(sigCtx)
		if err != nil {
			// Failed but recoverable: the pending account still exists on
			// the ledger and backfill can surface the missing event.
			o.fail(record, err)
			return err
		}
		signatures[i] = sigEvent.Signature
	}
	o.setStatus(record, types.StatusSignatureReceived, nil)

	signedTx, err := o.assembleBtcTx(spec, signatures)
	if err != nil {
		o.fail(record, err)
		return err
	}

	txid := signedTx.TxHash().String()
	o.setStatus(record, types.StatusSubmitted, func(r *types.TxRecord) {
		r.ForeignTxHash = txid
	})

	_, broadcastErr := chain.broadcaster.Broadcast(ctx, signedTx)
	if broadcastErr != nil {
		if types.KindOf(broadcastErr) != types.ErrConflictDetected {
			o.fail(record, broadcastErr)
			return broadcastErr
		}
		// A competing transaction already consumed an input. The watcher
		// below confirms which spend won and the signer drives the refund.
		log.Warnf("Broadcast conflict on chain %s for request %s: %s",
			spec.chain, record.RequestID, broadcastErr)
		o.noteError(record, broadcastErr)
	} else {
		var buf []byte
		if serialized, serErr := serializeTx(signedTx); serErr == nil {
			buf = serialized
		}
		o.db.SaveForeignTx(spec.chain, txid, record.RequestID, buf)
	}

	o.setStatus(record, types.StatusConfirming, nil)

	conflict, err := o.watchSpends(ctx, record, chain.watcher, session, sessionInputs, txid)
	if err != nil {
		o.fail(record, err)
		return err
	}

	resultEvent, err := o.awaitResult(ctx, resultSub)
	if err != nil {
		o.fail(record, err)
		return err
	}

	finalize := spec.finalize
	if conflict {
		finalize.failKind = types.ErrConflictDetected
	}

	foreignTxHash := bitcoin.ExplorerTxidBytes(signedTx.TxHash())
	return o.finalizeLedger(ctx, record, resultEvent, finalize, &foreignTxHash)
}

// assembleBtcTx attaches the per-input signatures to a PSBT built from
// the session transaction and extracts the broadcastable transaction.
func (o *Orchestrator) assembleBtcTx(spec btcFlowSpec, signatures []types.MpcSignature) (*wire.MsgTx, error) {
	packet, err := psbt.NewFromUnsignedTx(spec.tx.Copy())
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot build psbt")
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "cannot update psbt")
	}

	for i, in := range spec.inputs {
		utxo := wire.NewTxOut(int64(in.Value), in.ScriptPubkey)
		if err := updater.AddInWitnessUtxo(utxo, i); err != nil {
			return nil, types.WrapError(types.ErrValidation, err, "cannot set witness utxo for input %d", i)
		}
		if err := updater.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return nil, types.WrapError(types.ErrValidation, err, "cannot set sighash type for input %d", i)
		}
		if err := bitcoin.AttachInputSignature(packet, i, signatures[i],
			spec.signerPubKey, txscript.SigHashAll); err != nil {
			return nil, err
		}
	}

	return bitcoin.FinalizeTx(packet)
}

// watchSpends waits for every reserved outpoint to be spent with
// finality. Matching spends are reconciled into the session; any
// conflicting spend marks the whole operation as conflicted.
func (o *Orchestrator) watchSpends(ctx context.Context, record *types.TxRecord,
	watcher BtcSpendWatcher, session *bitcoin.SigningSession,
	inputs []bitcoin.SessionInput, expectedTxid string) (bool, error) {

	waitCtx, cancel := context.WithTimeout(ctx, o.resultWait())
	defer cancel()

	channels := make([]<-chan *bitcoin.SpendReport, len(inputs))
	for i, in := range inputs {
		channels[i] = watcher.Watch(in.Outpoint, expectedTxid)
		defer watcher.Unwatch(in.Outpoint)
	}

	conflict := false
	for i, ch := range channels {
		select {
		case report := <-ch:
			if report.Match {
				session.ReconcileSpend(report.Outpoint)
			} else {
				conflict = true
				log.Warnf("Conflicting spend of %s detected for request %s",
					report.Outpoint.String(), record.RequestID)
			}
		case <-waitCtx.Done():
			return conflict, types.NewError(types.ErrEventTimeout,
				"no spend observed for outpoint %s", inputs[i].Outpoint.String())
		}
	}

	return conflict, nil
}

func (o *Orchestrator) saveSessionSnapshot(session *bitcoin.SigningSession,
	record *types.TxRecord, spec btcFlowSpec, capSats uint64) {

	outpoints := make([]string, 0, len(session.ReservedOutpoints()))
	for _, op := range session.ReservedOutpoints() {
		outpoints = append(outpoints, op.String())
	}

	snapshot := sessionSnapshot{
		RequestID:       record.RequestID,
		Chain:           spec.chain,
		Txid:            spec.tx.TxHash().String(),
		CapSats:         capSats,
		AuthorizedTotal: session.AuthorizedTotal(),
		Outpoints:       outpoints,
	}

	bz, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := o.db.SaveSessionSnapshot(session.ID, bz); err != nil {
		log.Error("Cannot save session snapshot ", session.ID, " err = ", err)
	}
}

func (o *Orchestrator) signatureWait() time.Duration {
	return time.Duration(o.cfg.Timeouts.SignatureWait) * time.Second
}

func (o *Orchestrator) resultWait() time.Duration {
	return time.Duration(o.cfg.Timeouts.ResultWait) * time.Second
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
