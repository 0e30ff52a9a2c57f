package solana

import (
	"encoding/binary"
	"strconv"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/sisu-network/dvault/types"
	"github.com/sisu-network/dvault/utils"
)

const (
	// Values the vault program passes to the chain signatures program. The
	// request id is a hash over these, so they have to match byte for byte.
	SignatureAlgo = "ECDSA"

	DestEthereum = "ethereum"
	DestBitcoin  = "bitcoin"

	KeyVersion = uint32(1)

	// Per-input sign-respond calls use key version 0, unlike the
	// bidirectional initiation above.
	RespondKeyVersion = uint32(0)

	// SLIP-44 coin type used by per-input signing requests.
	BitcoinSlip44 = uint32(0)

	// Derivation path for withdrawals. Deposits use the requester's pubkey
	// string instead.
	RootPath = "root"
)

// Caip2Eip155 returns the CAIP-2 id for an EVM chain id.
func Caip2Eip155(chainID uint64) string {
	return "eip155:" + strconv.FormatUint(chainID, 10)
}

// BidirectionalRequestID computes the id the vault program derives for a
// sign-bidirectional call. The encoding is Solidity abi.encodePacked over
// (sender base58 string, payload bytes, caip2 id, u32 key version, path,
// algo, dest, params): dynamic values are raw bytes, the u32 is big-endian.
//
// This must stay byte-exact with the on-chain computation. A divergence is
// not a crash, it is a signature that never correlates, so the function is
// pinned by test vectors.
func BidirectionalRequestID(sender solanago.PublicKey, payload []byte, caip2ID string,
	keyVersion uint32, path, algo, dest, params string) types.RequestID {

	var kv [4]byte
	binary.BigEndian.PutUint32(kv[:], keyVersion)

	return types.RequestID(utils.Keccak256(
		[]byte(base58.Encode(sender.Bytes())),
		payload,
		[]byte(caip2ID),
		kv[:],
		[]byte(path),
		[]byte(algo),
		[]byte(dest),
		[]byte(params),
	))
}

// RespondRequestID computes the id for a per-input sign-respond call. It
// differs from the bidirectional form in one field: a u32 SLIP-44 coin type
// replaces the CAIP-2 string.
func RespondRequestID(sender solanago.PublicKey, payload []byte, slip44 uint32,
	keyVersion uint32, path, algo, dest, params string) types.RequestID {

	var coin, kv [4]byte
	binary.BigEndian.PutUint32(coin[:], slip44)
	binary.BigEndian.PutUint32(kv[:], keyVersion)

	return types.RequestID(utils.Keccak256(
		[]byte(base58.Encode(sender.Bytes())),
		payload,
		coin[:],
		kv[:],
		[]byte(path),
		[]byte(algo),
		[]byte(dest),
		[]byte(params),
	))
}

// RespondMessageHash is the digest the MPC signer signs when reporting a
// result: keccak256(requestId || serializedOutput).
func RespondMessageHash(requestID types.RequestID, serializedOutput []byte) [32]byte {
	return utils.Keccak256(requestID[:], serializedOutput)
}
