package solana

import (
	"crypto/sha256"
	"math/big"

	solanago "github.com/gagliardetto/solana-go"
	borsh "github.com/near/borsh-go"

	"github.com/sisu-network/dvault/types"
)

// Builders for the eight vault program instructions. Anchor addresses an
// instruction by sha256("global:<name>")[..8] followed by the borsh-encoded
// arguments.

func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))

	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var (
	discDepositErc20          = instructionDiscriminator("deposit_erc20")
	discClaimErc20            = instructionDiscriminator("claim_erc20")
	discWithdrawErc20         = instructionDiscriminator("withdraw_erc20")
	discCompleteWithdrawErc20 = instructionDiscriminator("complete_withdraw_erc20")
	discDepositBtc            = instructionDiscriminator("deposit_btc")
	discClaimBtc              = instructionDiscriminator("claim_btc")
	discWithdrawBtc           = instructionDiscriminator("withdraw_btc")
	discCompleteWithdrawBtc   = instructionDiscriminator("complete_withdraw_btc")
)

// EvmTransactionParams mirrors the program's argument struct. The u128
// fields serialize as borsh u128.
type EvmTransactionParams struct {
	Value                big.Int
	GasLimit             big.Int
	MaxFeePerGas         big.Int
	MaxPriorityFeePerGas big.Int
	Nonce                uint64
	ChainID              uint64
}

type BtcInput struct {
	Txid         [32]uint8
	Vout         uint32
	ScriptPubkey []byte
	Value        uint64
}

type BtcOutput struct {
	ScriptPubkey []byte
	Value        uint64
}

type BtcDepositParams struct {
	LockTime          uint32
	Caip2ID           string
	VaultScriptPubkey []byte
}

type BtcWithdrawParams struct {
	LockTime              uint32
	Caip2ID               string
	VaultScriptPubkey     []byte
	RecipientScriptPubkey []byte
	Fee                   uint64
}

type affinePointArgs struct {
	X [32]uint8
	Y [32]uint8
}

type signatureArgs struct {
	BigR       affinePointArgs
	S          [32]uint8
	RecoveryID uint8
}

func signatureToArgs(sig types.MpcSignature) signatureArgs {
	return signatureArgs{
		BigR:       affinePointArgs{X: sig.BigR.X, Y: sig.BigR.Y},
		S:          sig.S,
		RecoveryID: sig.RecoveryID,
	}
}

type depositErc20Args struct {
	RequestID        [32]uint8
	Requester        [32]uint8
	Erc20Address     [20]uint8
	RecipientAddress [20]uint8
	Amount           big.Int
	TxParams         EvmTransactionParams
}

type withdrawErc20Args struct {
	RequestID        [32]uint8
	Erc20Address     [20]uint8
	Amount           big.Int
	RecipientAddress [20]uint8
	TxParams         EvmTransactionParams
}

type depositBtcArgs struct {
	RequestID [32]uint8
	Requester [32]uint8
	Inputs    []BtcInput
	Outputs   []BtcOutput
	TxParams  BtcDepositParams
}

type withdrawBtcArgs struct {
	RequestID        [32]uint8
	Inputs           []BtcInput
	Amount           uint64
	RecipientAddress string
	TxParams         BtcWithdrawParams
}

// finalizeArgs is shared by claim_* and complete_withdraw_*.
type finalizeArgs struct {
	RequestID        [32]uint8
	SerializedOutput []byte
	Signature        signatureArgs
	ForeignTxHash    *[32]uint8
}

func encodeInstructionData(disc [8]byte, args interface{}) ([]byte, error) {
	bz, err := borsh.Serialize(args)
	if err != nil {
		return nil, err
	}

	return append(disc[:], bz...), nil
}

// Keys of the two programs involved plus the relayer identity; every
// builder needs the same trio.
type Programs struct {
	Vault           solanago.PublicKey
	ChainSignatures solanago.PublicKey
	Relayer         solanago.PublicKey
}

// sharedCpiAccounts returns the chain-signatures side of an initiate
// instruction: state, event authority and the program itself. Optional
// anchor accounts (fee_payer, instructions sysvar) are passed as the vault
// program id, anchor's encoding of None.
func (p Programs) sharedCpiAccounts() ([]*solanago.AccountMeta, error) {
	state, err := ChainSignaturesStatePda(p.ChainSignatures)
	if err != nil {
		return nil, err
	}

	eventAuth, err := EventAuthorityPda(p.ChainSignatures)
	if err != nil {
		return nil, err
	}

	return []*solanago.AccountMeta{
		solanago.Meta(p.Vault), // fee_payer: None
		solanago.Meta(state).WRITE(),
		solanago.Meta(eventAuth),
		solanago.Meta(p.ChainSignatures),
		solanago.Meta(solanago.SystemProgramID),
		solanago.Meta(p.Vault), // instructions sysvar: None
	}, nil
}

// NewDepositErc20Instruction initiates an ERC20 deposit: it records the
// pending deposit and CPIs into the chain signatures program, which starts
// MPC signing of the deposit transfer.
func NewDepositErc20Instruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	erc20Address, recipientAddress [20]byte, amount *big.Int, txParams EvmTransactionParams,
) (solanago.Instruction, error) {

	args := depositErc20Args{
		RequestID:        requestID,
		Requester:        requester,
		Erc20Address:     erc20Address,
		RecipientAddress: recipientAddress,
		Amount:           *amount,
		TxParams:         txParams,
	}

	data, err := encodeInstructionData(discDepositErc20, args)
	if err != nil {
		return nil, err
	}

	requesterPda, err := VaultAuthorityPda(p.Vault, requester)
	if err != nil {
		return nil, err
	}
	pending, err := PendingErc20DepositPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	config, err := VaultConfigPda(p.Vault)
	if err != nil {
		return nil, err
	}
	history, err := UserTxHistoryPda(p.Vault, requester)
	if err != nil {
		return nil, err
	}
	cpi, err := p.sharedCpiAccounts()
	if err != nil {
		return nil, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.Meta(p.Relayer).SIGNER().WRITE(),
		solanago.Meta(requesterPda).WRITE(),
		solanago.Meta(pending).WRITE(),
	}
	accounts = append(accounts, cpi...)
	accounts = append(accounts,
		solanago.Meta(config),
		solanago.Meta(history).WRITE(),
	)

	return solanago.NewInstruction(p.Vault, accounts, data), nil
}

// NewWithdrawErc20Instruction initiates an ERC20 withdrawal. The program
// optimistically debits the user balance before CPI-ing into the chain
// signatures program.
func NewWithdrawErc20Instruction(p Programs, requestID types.RequestID, authority solanago.PublicKey,
	erc20Address [20]byte, amount *big.Int, recipientAddress [20]byte, txParams EvmTransactionParams,
) (solanago.Instruction, error) {

	args := withdrawErc20Args{
		RequestID:        requestID,
		Erc20Address:     erc20Address,
		Amount:           *amount,
		RecipientAddress: recipientAddress,
		TxParams:         txParams,
	}

	data, err := encodeInstructionData(discWithdrawErc20, args)
	if err != nil {
		return nil, err
	}

	globalAuthority, err := GlobalVaultAuthorityPda(p.Vault)
	if err != nil {
		return nil, err
	}
	pending, err := PendingErc20WithdrawalPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserErc20BalancePda(p.Vault, authority, erc20Address)
	if err != nil {
		return nil, err
	}
	config, err := VaultConfigPda(p.Vault)
	if err != nil {
		return nil, err
	}
	history, err := UserTxHistoryPda(p.Vault, authority)
	if err != nil {
		return nil, err
	}
	cpi, err := p.sharedCpiAccounts()
	if err != nil {
		return nil, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.Meta(authority).SIGNER().WRITE(),
		solanago.Meta(globalAuthority).WRITE(),
		solanago.Meta(pending).WRITE(),
		solanago.Meta(balance).WRITE(),
	}
	accounts = append(accounts, cpi...)
	accounts = append(accounts,
		solanago.Meta(config),
		solanago.Meta(history).WRITE(),
	)

	return solanago.NewInstruction(p.Vault, accounts, data), nil
}

// NewClaimErc20Instruction finalizes an ERC20 deposit with the reported
// result, crediting the user balance and closing the pending record. The
// program verifies the responder signature, so replaying a finalize for a
// consumed pending record fails instead of double-crediting.
func NewClaimErc20Instruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	erc20Address [20]byte, serializedOutput []byte, sig types.MpcSignature, foreignTxHash *[32]byte,
) (solanago.Instruction, error) {

	args := finalizeArgs{
		RequestID:        requestID,
		SerializedOutput: serializedOutput,
		Signature:        signatureToArgs(sig),
		ForeignTxHash:    foreignTxHash,
	}

	data, err := encodeInstructionData(discClaimErc20, args)
	if err != nil {
		return nil, err
	}

	pending, err := PendingErc20DepositPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserErc20BalancePda(p.Vault, requester, erc20Address)
	if err != nil {
		return nil, err
	}

	return p.finalizeInstruction(data, pending, balance, requester)
}

// NewCompleteWithdrawErc20Instruction finalizes an ERC20 withdrawal: keeps
// the optimistic debit on success, refunds it exactly on failure.
func NewCompleteWithdrawErc20Instruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	erc20Address [20]byte, serializedOutput []byte, sig types.MpcSignature, foreignTxHash *[32]byte,
) (solanago.Instruction, error) {

	args := finalizeArgs{
		RequestID:        requestID,
		SerializedOutput: serializedOutput,
		Signature:        signatureToArgs(sig),
		ForeignTxHash:    foreignTxHash,
	}

	data, err := encodeInstructionData(discCompleteWithdrawErc20, args)
	if err != nil {
		return nil, err
	}

	pending, err := PendingErc20WithdrawalPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserErc20BalancePda(p.Vault, requester, erc20Address)
	if err != nil {
		return nil, err
	}

	return p.finalizeInstruction(data, pending, balance, requester)
}

// NewDepositBtcInstruction initiates a BTC deposit for the declared
// transaction shape; the vault output must pay the vault script.
func NewDepositBtcInstruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	inputs []BtcInput, outputs []BtcOutput, txParams BtcDepositParams,
) (solanago.Instruction, error) {

	args := depositBtcArgs{
		RequestID: requestID,
		Requester: requester,
		Inputs:    inputs,
		Outputs:   outputs,
		TxParams:  txParams,
	}

	data, err := encodeInstructionData(discDepositBtc, args)
	if err != nil {
		return nil, err
	}

	requesterPda, err := VaultAuthorityPda(p.Vault, requester)
	if err != nil {
		return nil, err
	}
	pending, err := PendingBtcDepositPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	config, err := VaultConfigPda(p.Vault)
	if err != nil {
		return nil, err
	}
	history, err := UserTxHistoryPda(p.Vault, requester)
	if err != nil {
		return nil, err
	}
	cpi, err := p.sharedCpiAccounts()
	if err != nil {
		return nil, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.Meta(p.Relayer).SIGNER().WRITE(),
		solanago.Meta(requesterPda).WRITE(),
		solanago.Meta(pending).WRITE(),
	}
	accounts = append(accounts, cpi...)
	accounts = append(accounts,
		solanago.Meta(config),
		solanago.Meta(history).WRITE(),
	)

	return solanago.NewInstruction(p.Vault, accounts, data), nil
}

// NewWithdrawBtcInstruction initiates a BTC withdrawal. amount excludes the
// fee; the program debits amount+fee optimistically.
func NewWithdrawBtcInstruction(p Programs, requestID types.RequestID, authority solanago.PublicKey,
	inputs []BtcInput, amount uint64, recipientAddress string, txParams BtcWithdrawParams,
) (solanago.Instruction, error) {

	args := withdrawBtcArgs{
		RequestID:        requestID,
		Inputs:           inputs,
		Amount:           amount,
		RecipientAddress: recipientAddress,
		TxParams:         txParams,
	}

	data, err := encodeInstructionData(discWithdrawBtc, args)
	if err != nil {
		return nil, err
	}

	globalAuthority, err := GlobalVaultAuthorityPda(p.Vault)
	if err != nil {
		return nil, err
	}
	pending, err := PendingBtcWithdrawalPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserBtcBalancePda(p.Vault, authority)
	if err != nil {
		return nil, err
	}
	config, err := VaultConfigPda(p.Vault)
	if err != nil {
		return nil, err
	}
	history, err := UserTxHistoryPda(p.Vault, authority)
	if err != nil {
		return nil, err
	}
	cpi, err := p.sharedCpiAccounts()
	if err != nil {
		return nil, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.Meta(authority).SIGNER().WRITE(),
		solanago.Meta(globalAuthority).WRITE(),
		solanago.Meta(pending).WRITE(),
		solanago.Meta(balance).WRITE(),
	}
	accounts = append(accounts, cpi...)
	accounts = append(accounts,
		solanago.Meta(config),
		solanago.Meta(history).WRITE(),
	)

	return solanago.NewInstruction(p.Vault, accounts, data), nil
}

// NewClaimBtcInstruction finalizes a BTC deposit.
func NewClaimBtcInstruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	serializedOutput []byte, sig types.MpcSignature, foreignTxHash *[32]byte,
) (solanago.Instruction, error) {

	args := finalizeArgs{
		RequestID:        requestID,
		SerializedOutput: serializedOutput,
		Signature:        signatureToArgs(sig),
		ForeignTxHash:    foreignTxHash,
	}

	data, err := encodeInstructionData(discClaimBtc, args)
	if err != nil {
		return nil, err
	}

	pending, err := PendingBtcDepositPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserBtcBalancePda(p.Vault, requester)
	if err != nil {
		return nil, err
	}

	return p.finalizeInstruction(data, pending, balance, requester)
}

// NewCompleteWithdrawBtcInstruction finalizes a BTC withdrawal, refunding
// amount+fee on the signer's error payload or a false result.
func NewCompleteWithdrawBtcInstruction(p Programs, requestID types.RequestID, requester solanago.PublicKey,
	serializedOutput []byte, sig types.MpcSignature, foreignTxHash *[32]byte,
) (solanago.Instruction, error) {

	args := finalizeArgs{
		RequestID:        requestID,
		SerializedOutput: serializedOutput,
		Signature:        signatureToArgs(sig),
		ForeignTxHash:    foreignTxHash,
	}

	data, err := encodeInstructionData(discCompleteWithdrawBtc, args)
	if err != nil {
		return nil, err
	}

	pending, err := PendingBtcWithdrawalPda(p.Vault, requestID)
	if err != nil {
		return nil, err
	}
	balance, err := UserBtcBalancePda(p.Vault, requester)
	if err != nil {
		return nil, err
	}

	return p.finalizeInstruction(data, pending, balance, requester)
}

func (p Programs) finalizeInstruction(data []byte, pending, balance, requester solanago.PublicKey,
) (solanago.Instruction, error) {

	config, err := VaultConfigPda(p.Vault)
	if err != nil {
		return nil, err
	}
	history, err := UserTxHistoryPda(p.Vault, requester)
	if err != nil {
		return nil, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.Meta(p.Relayer).SIGNER().WRITE(),
		solanago.Meta(pending).WRITE(),
		solanago.Meta(balance).WRITE(),
		solanago.Meta(solanago.SystemProgramID),
		solanago.Meta(config),
		solanago.Meta(history).WRITE(),
	}

	return solanago.NewInstruction(p.Vault, accounts, data), nil
}
