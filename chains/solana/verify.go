package solana

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sisu-network/dvault/types"
	"github.com/sisu-network/dvault/utils"
)

// VerifyResultSignature recovers the signer of a result report and checks
// it against the expected MPC signer address. The vault program performs
// the same check before releasing funds; doing it here as well means a
// forged event never reaches the finalize instruction.
func VerifyResultSignature(ev *ResultReported, signer ethcommon.Address) error {
	hash := RespondMessageHash(ev.RequestID, ev.SerializedOutput)

	sig := make([]byte, 65)
	copy(sig[:32], ev.Signature.BigR.X[:])
	copy(sig[32:64], ev.Signature.S[:])
	sig[64] = ev.Signature.RecoveryID

	pubKey, err := ethcrypto.Ecrecover(hash[:], sig)
	if err != nil {
		return types.WrapError(types.ErrValidation, err, "cannot recover result signer")
	}

	recovered := utils.PublicKeyBytesToAddress(pubKey)
	if recovered != signer {
		return types.NewError(types.ErrValidation,
			"result for request %s signed by %s, want %s", ev.RequestID.Hex(), recovered, signer)
	}

	return nil
}
