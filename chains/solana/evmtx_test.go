package solana

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEvmParams() EvmTransactionParams {
	params := EvmTransactionParams{
		Nonce:   7,
		ChainID: 11155111,
	}
	params.Value.SetUint64(0)
	params.GasLimit.SetUint64(100_000)
	params.MaxFeePerGas.SetUint64(30_000_000_000)
	params.MaxPriorityFeePerGas.SetUint64(2_000_000_000)
	return params
}

func TestErc20TransferCalldata(t *testing.T) {
	var recipient [20]byte
	recipient[19] = 0x01

	data := Erc20TransferCalldata(recipient, big.NewInt(1000))

	require.Equal(t, 68, len(data))
	require.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])
	// Address left-padded to 32 bytes.
	require.Equal(t, byte(0x00), data[4])
	require.Equal(t, byte(0x01), data[35])
	// Amount big-endian in the last word.
	require.Equal(t, byte(0x03), data[66])
	require.Equal(t, byte(0xe8), data[67])
}

func TestEvmSigningPayload(t *testing.T) {
	var to [20]byte
	to[0] = 0xAB

	payload, err := EvmSigningPayload(testEvmParams(), to, []byte{0x01, 0x02})
	require.Nil(t, err)
	require.Equal(t, byte(0x02), payload[0])

	// Same inputs, same bytes: the request id commits to this payload.
	again, err := EvmSigningPayload(testEvmParams(), to, []byte{0x01, 0x02})
	require.Nil(t, err)
	require.Equal(t, payload, again)

	bumped := testEvmParams()
	bumped.Nonce = 8
	other, err := EvmSigningPayload(bumped, to, []byte{0x01, 0x02})
	require.Nil(t, err)
	require.NotEqual(t, payload, other)
}

func TestAssembleSignedEvmTx(t *testing.T) {
	var to [20]byte
	to[5] = 0xCD
	params := testEvmParams()

	tx, err := AssembleSignedEvmTx(params, to, []byte{0x01}, testSignature())
	require.Nil(t, err)

	require.Equal(t, uint8(0x02), tx.Type())
	require.Equal(t, params.Nonce, tx.Nonce())
	require.Equal(t, uint64(100_000), tx.Gas())
	require.Equal(t, to[:], tx.To().Bytes())
	require.Equal(t, uint64(11155111), tx.ChainId().Uint64())
}
