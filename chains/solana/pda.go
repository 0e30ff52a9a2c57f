package solana

import (
	solanago "github.com/gagliardetto/solana-go"

	"github.com/sisu-network/dvault/types"
)

// Seeds of every PDA the vault program owns. Account addressing is the only
// interface the program exposes for its state, so these mirror the on-chain
// seeds exactly.
var (
	seedVaultAuthority         = []byte("vault_authority")
	seedGlobalVaultAuthority   = []byte("global_vault_authority")
	seedVaultConfig            = []byte("vault_config")
	seedPendingErc20Deposit    = []byte("pending_erc20_deposit")
	seedPendingErc20Withdrawal = []byte("pending_erc20_withdrawal")
	seedPendingBtcDeposit      = []byte("pending_btc_deposit")
	seedPendingBtcWithdrawal   = []byte("pending_btc_withdrawal")
	seedUserErc20Balance       = []byte("user_erc20_balance")
	seedUserBtcBalance         = []byte("user_btc_balance")
	seedUserTxHistory          = []byte("user_transaction_history")
	seedChainSigState          = []byte("program-state")
	seedEventAuthority         = []byte("__event_authority")
)

func findPda(programID solanago.PublicKey, seeds ...[]byte) (solanago.PublicKey, error) {
	addr, _, err := solanago.FindProgramAddress(seeds, programID)
	return addr, err
}

// VaultAuthorityPda is the per-user authority that requests deposit
// signatures.
func VaultAuthorityPda(programID, user solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(programID, seedVaultAuthority, user.Bytes())
}

// GlobalVaultAuthorityPda requests withdrawal signatures for every user.
func GlobalVaultAuthorityPda(programID solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(programID, seedGlobalVaultAuthority)
}

func VaultConfigPda(programID solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(programID, seedVaultConfig)
}

func PendingErc20DepositPda(programID solanago.PublicKey, requestID types.RequestID) (solanago.PublicKey, error) {
	return findPda(programID, seedPendingErc20Deposit, requestID[:])
}

func PendingErc20WithdrawalPda(programID solanago.PublicKey, requestID types.RequestID) (solanago.PublicKey, error) {
	return findPda(programID, seedPendingErc20Withdrawal, requestID[:])
}

func PendingBtcDepositPda(programID solanago.PublicKey, requestID types.RequestID) (solanago.PublicKey, error) {
	return findPda(programID, seedPendingBtcDeposit, requestID[:])
}

func PendingBtcWithdrawalPda(programID solanago.PublicKey, requestID types.RequestID) (solanago.PublicKey, error) {
	return findPda(programID, seedPendingBtcWithdrawal, requestID[:])
}

func UserErc20BalancePda(programID, user solanago.PublicKey, erc20Address [20]byte) (solanago.PublicKey, error) {
	return findPda(programID, seedUserErc20Balance, user.Bytes(), erc20Address[:])
}

func UserBtcBalancePda(programID, user solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(programID, seedUserBtcBalance, user.Bytes())
}

func UserTxHistoryPda(programID, user solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(programID, seedUserTxHistory, user.Bytes())
}

// ChainSignaturesStatePda lives under the chain signatures program, not the
// vault program.
func ChainSignaturesStatePda(chainSigProgramID solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(chainSigProgramID, seedChainSigState)
}

func EventAuthorityPda(chainSigProgramID solanago.PublicKey) (solanago.PublicKey, error) {
	return findPda(chainSigProgramID, seedEventAuthority)
}
