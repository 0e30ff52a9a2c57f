package solana

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sisu-network/dvault/types"
)

// erc20TransferSelector is the first four bytes of
// keccak256("transfer(address,uint256)").
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Erc20TransferCalldata builds transfer(recipient, amount) calldata with
// both arguments left-padded to 32 bytes.
func Erc20TransferCalldata(recipient [20]byte, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)

	var addr [32]byte
	copy(addr[12:], recipient[:])
	data = append(data, addr[:]...)

	var amt [32]byte
	amount.FillBytes(amt[:])
	data = append(data, amt[:]...)

	return data
}

type evmUnsignedTx struct {
	ChainID              *big.Int
	Nonce                uint64
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	Gas                  uint64
	To                   [20]byte
	Value                *big.Int
	Data                 []byte
	AccessList           ethtypes.AccessList
}

// EvmSigningPayload serializes the unsigned EIP-1559 transaction the MPC
// network will sign: the type byte 0x02 followed by the RLP list without
// signature fields. This exact byte string is what the request id commits
// to, so it must match the transaction later broadcast byte for byte.
func EvmSigningPayload(params EvmTransactionParams, to [20]byte, data []byte) ([]byte, error) {
	gasLimit := params.GasLimit
	if !gasLimit.IsUint64() {
		gasLimit.SetUint64(0)
	}

	inner := evmUnsignedTx{
		ChainID:              new(big.Int).SetUint64(params.ChainID),
		Nonce:                params.Nonce,
		MaxPriorityFeePerGas: new(big.Int).Set(&params.MaxPriorityFeePerGas),
		MaxFeePerGas:         new(big.Int).Set(&params.MaxFeePerGas),
		Gas:                  gasLimit.Uint64(),
		To:                   to,
		Value:                new(big.Int).Set(&params.Value),
		Data:                 data,
		AccessList:           ethtypes.AccessList{},
	}

	bz, err := rlp.EncodeToBytes(inner)
	if err != nil {
		return nil, err
	}

	return append([]byte{0x02}, bz...), nil
}

// Erc20TransferPayload is the signing payload for a vault ERC20 transfer:
// an EIP-1559 call of transfer(recipient, amount) on the token contract.
func Erc20TransferPayload(params EvmTransactionParams, erc20Address, recipient [20]byte, amount *big.Int) ([]byte, error) {
	return EvmSigningPayload(params, erc20Address, Erc20TransferCalldata(recipient, amount))
}

// AssembleSignedEvmTx attaches the MPC signature to the transaction built
// from the same params used for the signing payload.
func AssembleSignedEvmTx(params EvmTransactionParams, to [20]byte, data []byte, sig types.MpcSignature,
) (*ethtypes.Transaction, error) {

	gasLimit := params.GasLimit

	toAddr := common.BytesToAddress(to[:])
	inner := &ethtypes.DynamicFeeTx{
		ChainID:    new(big.Int).SetUint64(params.ChainID),
		Nonce:      params.Nonce,
		GasTipCap:  new(big.Int).Set(&params.MaxPriorityFeePerGas),
		GasFeeCap:  new(big.Int).Set(&params.MaxFeePerGas),
		Gas:        gasLimit.Uint64(),
		To:         &toAddr,
		Value:      new(big.Int).Set(&params.Value),
		Data:       data,
		AccessList: ethtypes.AccessList{},
	}

	// go-ethereum expects the signature as r || s || v with v in {0, 1}.
	sigBytes := make([]byte, 65)
	copy(sigBytes[:32], sig.BigR.X[:])
	copy(sigBytes[32:64], sig.S[:])
	sigBytes[64] = sig.RecoveryID

	signer := ethtypes.NewLondonSigner(new(big.Int).SetUint64(params.ChainID))
	return ethtypes.NewTx(inner).WithSignature(signer, sigBytes)
}
