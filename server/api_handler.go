package server

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/sisu-network/lib/log"

	solanaClient "github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/dvault/core"
	"github.com/sisu-network/dvault/registry"
	"github.com/sisu-network/dvault/types"
)

// Erc20Request is the wire form of an ERC20 deposit or withdrawal. EVM
// addresses are 0x-prefixed hex, amounts are decimal strings, the user is
// a base58 Solana pubkey.
type Erc20Request struct {
	Chain        string      `json:"chain"`
	User         string      `json:"user"`
	Erc20Address string      `json:"erc20_address"`
	Recipient    string      `json:"recipient"`
	Amount       string      `json:"amount"`
	TxParams     EvmTxParams `json:"tx_params"`
}

type EvmTxParams struct {
	Value                string `json:"value"`
	GasLimit             string `json:"gas_limit"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	Nonce                uint64 `json:"nonce"`
	ChainID              uint64 `json:"chain_id"`
}

// BtcUtxo txids are explorer-order hex, the way bitcoind and every block
// explorer print them.
type BtcUtxo struct {
	Txid         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	ScriptPubkey string `json:"script_pubkey"`
	Value        uint64 `json:"value"`
}

type BtcTxOut struct {
	ScriptPubkey string `json:"script_pubkey"`
	Value        uint64 `json:"value"`
}

type BtcDepositRequest struct {
	Chain             string     `json:"chain"`
	User              string     `json:"user"`
	Inputs            []BtcUtxo  `json:"inputs"`
	Outputs           []BtcTxOut `json:"outputs"`
	LockTime          uint32     `json:"lock_time"`
	Caip2ID           string     `json:"caip2_id"`
	VaultScriptPubkey string     `json:"vault_script_pubkey"`
	SignerPubKey      string     `json:"signer_pub_key"`
}

type BtcWithdrawRequest struct {
	Chain                 string    `json:"chain"`
	User                  string    `json:"user"`
	Inputs                []BtcUtxo `json:"inputs"`
	Amount                uint64    `json:"amount"`
	Fee                   uint64    `json:"fee"`
	RecipientAddress      string    `json:"recipient_address"`
	RecipientScriptPubkey string    `json:"recipient_script_pubkey"`
	VaultScriptPubkey     string    `json:"vault_script_pubkey"`
	LockTime              uint32    `json:"lock_time"`
	Caip2ID               string    `json:"caip2_id"`
	SignerPubKey          string    `json:"signer_pub_key"`
}

type ApiHandler struct {
	orchestrator *core.Orchestrator
	registry     registry.Registry
}

func NewApi(orchestrator *core.Orchestrator, reg registry.Registry) *ApiHandler {
	return &ApiHandler{
		orchestrator: orchestrator,
		registry:     reg,
	}
}

// CheckHealth returns an error while the ledger event stream is down.
func (api *ApiHandler) CheckHealth() error {
	if !api.orchestrator.StreamHealthy() {
		return types.NewError(types.ErrTransientNetwork, "ledger event stream disconnected")
	}

	return nil
}

// InitiateErc20Deposit acknowledges the request immediately with the
// registered record; progress is observed through GetStatus.
func (api *ApiHandler) InitiateErc20Deposit(req *Erc20Request) (*types.TxRecord, error) {
	parsed, err := parseErc20Request(req)
	if err != nil {
		return nil, err
	}

	flow, err := api.orchestrator.PrepareErc20Deposit(&core.Erc20DepositRequest{
		Chain:        req.Chain,
		Requester:    parsed.user,
		Erc20Address: parsed.erc20,
		Recipient:    parsed.recipient,
		Amount:       parsed.amount,
		TxParams:     parsed.txParams,
	})
	if err != nil {
		return nil, err
	}

	api.runAsync(flow)
	return flow.Record, nil
}

func (api *ApiHandler) InitiateErc20Withdraw(req *Erc20Request) (*types.TxRecord, error) {
	parsed, err := parseErc20Request(req)
	if err != nil {
		return nil, err
	}

	flow, err := api.orchestrator.PrepareErc20Withdraw(&core.Erc20WithdrawRequest{
		Chain:        req.Chain,
		Authority:    parsed.user,
		Erc20Address: parsed.erc20,
		Recipient:    parsed.recipient,
		Amount:       parsed.amount,
		TxParams:     parsed.txParams,
	})
	if err != nil {
		return nil, err
	}

	api.runAsync(flow)
	return flow.Record, nil
}

func (api *ApiHandler) InitiateBtcDeposit(req *BtcDepositRequest) (*types.TxRecord, error) {
	user, err := solanago.PublicKeyFromBase58(req.User)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid user pubkey")
	}
	inputs, err := parseBtcInputs(req.Inputs)
	if err != nil {
		return nil, err
	}
	outputs := make([]solanaClient.BtcOutput, len(req.Outputs))
	for i, out := range req.Outputs {
		script, err := hexBytes(out.ScriptPubkey)
		if err != nil {
			return nil, err
		}
		outputs[i] = solanaClient.BtcOutput{ScriptPubkey: script, Value: out.Value}
	}
	vaultScript, err := hexBytes(req.VaultScriptPubkey)
	if err != nil {
		return nil, err
	}
	signerPubKey, err := hexBytes(req.SignerPubKey)
	if err != nil {
		return nil, err
	}

	flow, err := api.orchestrator.PrepareBtcDeposit(&core.BtcDepositRequest{
		Chain:     req.Chain,
		Requester: user,
		Inputs:    inputs,
		Outputs:   outputs,
		Params: solanaClient.BtcDepositParams{
			LockTime:          req.LockTime,
			Caip2ID:           req.Caip2ID,
			VaultScriptPubkey: vaultScript,
		},
		SignerPubKey: signerPubKey,
	})
	if err != nil {
		return nil, err
	}

	api.runAsync(flow)
	return flow.Record, nil
}

func (api *ApiHandler) InitiateBtcWithdraw(req *BtcWithdrawRequest) (*types.TxRecord, error) {
	user, err := solanago.PublicKeyFromBase58(req.User)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid user pubkey")
	}
	inputs, err := parseBtcInputs(req.Inputs)
	if err != nil {
		return nil, err
	}
	vaultScript, err := hexBytes(req.VaultScriptPubkey)
	if err != nil {
		return nil, err
	}
	recipientScript, err := hexBytes(req.RecipientScriptPubkey)
	if err != nil {
		return nil, err
	}
	signerPubKey, err := hexBytes(req.SignerPubKey)
	if err != nil {
		return nil, err
	}

	flow, err := api.orchestrator.PrepareBtcWithdraw(&core.BtcWithdrawRequest{
		Chain:            req.Chain,
		Authority:        user,
		Inputs:           inputs,
		Amount:           req.Amount,
		RecipientAddress: req.RecipientAddress,
		Params: solanaClient.BtcWithdrawParams{
			LockTime:              req.LockTime,
			Caip2ID:               req.Caip2ID,
			VaultScriptPubkey:     vaultScript,
			RecipientScriptPubkey: recipientScript,
			Fee:                   req.Fee,
		},
		SignerPubKey: signerPubKey,
	})
	if err != nil {
		return nil, err
	}

	api.runAsync(flow)
	return flow.Record, nil
}

func (api *ApiHandler) GetStatus(id string) (*types.TxRecord, error) {
	return api.registry.Get(id)
}

func (api *ApiHandler) ListByUser(userAddress string) ([]*types.TxRecord, error) {
	return api.registry.ListByUser(userAddress)
}

// Recover re-enters the recovery flow for one request id (hex). Safe to
// call for an already-completed request.
func (api *ApiHandler) Recover(requestID string) error {
	id, err := types.RequestIDFromHex(requestID)
	if err != nil {
		return err
	}

	return api.orchestrator.Recover(context.Background(), id)
}

func (api *ApiHandler) runAsync(flow *core.Flow) {
	go func() {
		if err := api.orchestrator.ExecuteFlow(context.Background(), flow); err != nil {
			log.Warnf("Flow for request %s ended with error: %s", flow.Record.RequestID, err)
		}
	}()
}

type parsedErc20 struct {
	user      solanago.PublicKey
	erc20     [20]byte
	recipient [20]byte
	amount    *big.Int
	txParams  solanaClient.EvmTransactionParams
}

func parseErc20Request(req *Erc20Request) (*parsedErc20, error) {
	user, err := solanago.PublicKeyFromBase58(req.User)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid user pubkey")
	}
	erc20, err := evmAddress(req.Erc20Address)
	if err != nil {
		return nil, err
	}
	recipient, err := evmAddress(req.Recipient)
	if err != nil {
		return nil, err
	}
	amount, err := decimalBig(req.Amount)
	if err != nil {
		return nil, err
	}

	value, err := decimalBig(req.TxParams.Value)
	if err != nil {
		return nil, err
	}
	gasLimit, err := decimalBig(req.TxParams.GasLimit)
	if err != nil {
		return nil, err
	}
	maxFee, err := decimalBig(req.TxParams.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	maxPriority, err := decimalBig(req.TxParams.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}

	return &parsedErc20{
		user:      user,
		erc20:     erc20,
		recipient: recipient,
		amount:    amount,
		txParams: solanaClient.EvmTransactionParams{
			Value:                *value,
			GasLimit:             *gasLimit,
			MaxFeePerGas:         *maxFee,
			MaxPriorityFeePerGas: *maxPriority,
			Nonce:                req.TxParams.Nonce,
			ChainID:              req.TxParams.ChainID,
		},
	}, nil
}

func parseBtcInputs(utxos []BtcUtxo) ([]solanaClient.BtcInput, error) {
	inputs := make([]solanaClient.BtcInput, len(utxos))
	for i, utxo := range utxos {
		txid, err := hexBytes(utxo.Txid)
		if err != nil {
			return nil, err
		}
		if len(txid) != 32 {
			return nil, types.NewError(types.ErrValidation, "txid %s is not 32 bytes", utxo.Txid)
		}
		script, err := hexBytes(utxo.ScriptPubkey)
		if err != nil {
			return nil, err
		}

		inputs[i] = solanaClient.BtcInput{
			Vout:         utxo.Vout,
			ScriptPubkey: script,
			Value:        utxo.Value,
		}
		// Explorer order on the wire, internal order in the transaction.
		for j := 0; j < 32; j++ {
			inputs[i].Txid[j] = txid[31-j]
		}
	}

	return inputs, nil
}

func evmAddress(s string) ([20]byte, error) {
	var addr [20]byte
	bz, err := hexBytes(s)
	if err != nil {
		return addr, err
	}
	if len(bz) != 20 {
		return addr, types.NewError(types.ErrValidation, "address %s is not 20 bytes", s)
	}

	copy(addr[:], bz)
	return addr, nil
}

func hexBytes(s string) ([]byte, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "invalid hex %s", s)
	}

	return bz, nil
}

func decimalBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, types.NewError(types.ErrValidation, "invalid decimal amount %s", s)
	}

	return v, nil
}
