package solana

import (
	"encoding/hex"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// Byte-exact vectors. The encoding has to match the on-chain derivation
// exactly, and a silent divergence here shows up in production only as a
// subscription that never fires. Any change to the packing breaks these.
func TestRequestIdGoldenVectors(t *testing.T) {
	// base58 of the all-zero pubkey is the string of 32 '1's, so the
	// hashed sender bytes are fully pinned.
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")

	bidirectional := BidirectionalRequestID(sender, []byte{0xDE, 0xAD, 0xBE, 0xEF},
		"eip155:11155111", KeyVersion, RootPath, SignatureAlgo, DestEthereum, "")
	require.Equal(t,
		"19a77092ec28d9dcde5a160b4fe9ce81c32375e0a5003480a030686e01ccfd66",
		hex.EncodeToString(bidirectional[:]))

	respond := RespondRequestID(sender, []byte{0x01, 0x02, 0x03, 0x04},
		BitcoinSlip44, RespondKeyVersion, RootPath, SignatureAlgo, DestBitcoin, "input_0")
	require.Equal(t,
		"4cba7b63a08a7013780f9fb015df0322c516f637cdd110345ee5f4f8cd65c8cd",
		hex.EncodeToString(respond[:]))

	msgHash := RespondMessageHash(bidirectional,
		[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	require.Equal(t,
		"f16f22d61620cc8b42c423cddb2ebef9657d6f907e45ca51d8de6714eec8f050",
		hex.EncodeToString(msgHash[:]))
}

func TestRequestIdDeterministic(t *testing.T) {
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	payload := []byte{0x02, 0x01, 0x02, 0x03}

	id1 := BidirectionalRequestID(sender, payload, "eip155:11155111", KeyVersion,
		RootPath, SignatureAlgo, DestEthereum, "")
	id2 := BidirectionalRequestID(sender, payload, "eip155:11155111", KeyVersion,
		RootPath, SignatureAlgo, DestEthereum, "")

	require.Equal(t, id1, id2)
}

func TestRequestIdFieldSensitivity(t *testing.T) {
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	other := solanago.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	payload := []byte{0x02, 0x01, 0x02, 0x03}

	base := BidirectionalRequestID(sender, payload, "eip155:1", KeyVersion,
		RootPath, SignatureAlgo, DestEthereum, "")

	require.NotEqual(t, base, BidirectionalRequestID(other, payload, "eip155:1",
		KeyVersion, RootPath, SignatureAlgo, DestEthereum, ""))
	require.NotEqual(t, base, BidirectionalRequestID(sender, []byte{0x02, 0x01}, "eip155:1",
		KeyVersion, RootPath, SignatureAlgo, DestEthereum, ""))
	require.NotEqual(t, base, BidirectionalRequestID(sender, payload, "eip155:2",
		KeyVersion, RootPath, SignatureAlgo, DestEthereum, ""))
	require.NotEqual(t, base, BidirectionalRequestID(sender, payload, "eip155:1",
		KeyVersion, sender.String(), SignatureAlgo, DestEthereum, ""))
	require.NotEqual(t, base, BidirectionalRequestID(sender, payload, "eip155:1",
		KeyVersion, RootPath, SignatureAlgo, DestBitcoin, ""))
	require.NotEqual(t, base, BidirectionalRequestID(sender, payload, "eip155:1",
		KeyVersion, RootPath, SignatureAlgo, DestEthereum, "input_0"))
}

// The packed encoding has no length prefixes, so moving a byte between two
// adjacent string fields must still change the hash through the fields that
// differ semantically. The dest strings "ethereum" and "bitcoin" have
// different lengths, which keeps the two destinations from ever colliding.
func TestRequestIdRespondDiffersFromBidirectional(t *testing.T) {
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	payload := make([]byte, 32)

	bidirectional := BidirectionalRequestID(sender, payload, "eip155:1", KeyVersion,
		RootPath, SignatureAlgo, DestBitcoin, "input_0")
	respond := RespondRequestID(sender, payload, BitcoinSlip44, KeyVersion,
		RootPath, SignatureAlgo, DestBitcoin, "input_0")

	require.NotEqual(t, bidirectional, respond)
}

func TestRespondRequestIdPerInput(t *testing.T) {
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	payload := make([]byte, 32)
	payload[0] = 0xAB

	id0 := RespondRequestID(sender, payload, BitcoinSlip44, KeyVersion,
		RootPath, SignatureAlgo, DestBitcoin, "input_0")
	id1 := RespondRequestID(sender, payload, BitcoinSlip44, KeyVersion,
		RootPath, SignatureAlgo, DestBitcoin, "input_1")

	require.NotEqual(t, id0, id1)
}

func TestCaip2Eip155(t *testing.T) {
	require.Equal(t, "eip155:0", Caip2Eip155(0))
	require.Equal(t, "eip155:1", Caip2Eip155(1))
	require.Equal(t, "eip155:11155111", Caip2Eip155(11155111))
}

func TestRespondMessageHash(t *testing.T) {
	sender := solanago.MustPublicKeyFromBase58("11111111111111111111111111111111")
	id := BidirectionalRequestID(sender, []byte{0x01}, "eip155:1", KeyVersion,
		RootPath, SignatureAlgo, DestEthereum, "")

	h1 := RespondMessageHash(id, []byte{0x01})
	h2 := RespondMessageHash(id, []byte{0x00})
	require.NotEqual(t, h1, h2)
	require.Equal(t, h1, RespondMessageHash(id, []byte{0x01}))
}
