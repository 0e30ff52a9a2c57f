package utils

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// PublicKeyBytesToAddress converts an uncompressed secp256k1 public key to
// the Ethereum address it controls.
func PublicKeyBytesToAddress(publicKey []byte) common.Address {
	if len(publicKey) == 65 {
		publicKey = publicKey[1:] // remove EC prefix 04
	}

	buf := Keccak256(publicKey)
	address := buf[12:]

	return common.HexToAddress(hex.EncodeToString(address))
}
