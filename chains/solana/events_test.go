package solana

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/types"
)

func testSignature() types.MpcSignature {
	var sig types.MpcSignature
	for i := 0; i < 32; i++ {
		sig.BigR.X[i] = byte(i)
		sig.BigR.Y[i] = byte(i + 1)
		sig.S[i] = byte(i + 2)
	}
	sig.RecoveryID = 1
	return sig
}

func TestSignatureProducedRoundTrip(t *testing.T) {
	ev := &SignatureProduced{
		RequestID: types.RequestID{0xAA, 0xBB},
		Signature: testSignature(),
	}

	bz, err := EncodeEvent(ev)
	require.Nil(t, err)

	decoded, err := DecodeEvent(bz)
	require.Nil(t, err)
	require.Equal(t, ev, decoded)
}

func TestResultReportedRoundTrip(t *testing.T) {
	ev := &ResultReported{
		RequestID:        types.RequestID{0x01},
		SerializedOutput: []byte{0x01},
		Signature:        testSignature(),
	}

	bz, err := EncodeEvent(ev)
	require.Nil(t, err)

	decoded, err := DecodeEvent(bz)
	require.Nil(t, err)
	require.Equal(t, ev, decoded)
}

func TestDecodeEventForeignDiscriminator(t *testing.T) {
	ev, err := DecodeEvent([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09})
	require.Nil(t, err)
	require.Nil(t, ev)
}

func TestParseEventsFromLogs(t *testing.T) {
	sigEvent := &SignatureProduced{
		RequestID: types.RequestID{0x42},
		Signature: testSignature(),
	}
	bz, err := EncodeEvent(sigEvent)
	require.Nil(t, err)

	logs := []string{
		"Program ChainSig1111111111111111111111111111111111 invoke [1]",
		"Program log: Instruction: Sign",
		"Program data: " + base64.StdEncoding.EncodeToString(bz),
		"Program data: not-valid-base64!!!",
		"Program ChainSig1111111111111111111111111111111111 success",
	}

	events := ParseEventsFromLogs(logs)
	require.Equal(t, 1, len(events))
	require.Equal(t, sigEvent, events[0])
}

func TestOutputClassification(t *testing.T) {
	require.True(t, IsErrorOutput([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}))
	require.False(t, IsErrorOutput([]byte{0xDE, 0xAD}))
	require.False(t, IsErrorOutput([]byte{0x01}))

	require.True(t, OutputSuccess([]byte{0x01}))
	require.False(t, OutputSuccess([]byte{0x00}))
	require.False(t, OutputSuccess([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}))
	require.False(t, OutputSuccess(nil))
}
