package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	borsh "github.com/near/borsh-go"

	"github.com/sisu-network/dvault/types"
)

// The chain signatures program emits two event families. Payloads are
// decoded exactly once, here at the subscription boundary; everything past
// this point works with the typed forms.

// SignatureProduced reports that the MPC network signed the requested
// payload.
type SignatureProduced struct {
	RequestID types.RequestID
	Signature types.MpcSignature
}

// ResultReported is the signer's observation of the foreign-chain outcome
// for a request, signed by the responder key.
type ResultReported struct {
	RequestID        types.RequestID
	SerializedOutput []byte
	Signature        types.MpcSignature
}

// Event is the closed set of events the listener routes.
type Event interface {
	eventRequestID() types.RequestID
}

func (e *SignatureProduced) eventRequestID() types.RequestID { return e.RequestID }
func (e *ResultReported) eventRequestID() types.RequestID    { return e.RequestID }

// errorOutputPrefix marks a serialized output that carries the signer's
// error payload instead of an execution result. The vault program refunds
// the optimistic debit when it sees this prefix.
var errorOutputPrefix = []byte{0xDE, 0xAD, 0xBE, 0xEF}

// IsErrorOutput reports whether a result payload is the signer's
// distinguished error marker (e.g. a conflicting spend of a vault outpoint).
func IsErrorOutput(serializedOutput []byte) bool {
	return len(serializedOutput) >= 4 && bytes.Equal(serializedOutput[:4], errorOutputPrefix)
}

// OutputSuccess decodes a non-error result payload as the borsh boolean the
// signer reports for transfer execution.
func OutputSuccess(serializedOutput []byte) bool {
	if IsErrorOutput(serializedOutput) {
		return false
	}

	var ok bool
	if err := borsh.Deserialize(&ok, serializedOutput); err != nil {
		return false
	}

	return ok
}

// Anchor event wire format: 8-byte discriminator (sha256("event:<Name>")[..8])
// followed by the borsh payload, base64-encoded behind a "Program data: "
// log line.
const programDataPrefix = "Program data: "

func eventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))

	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var (
	signatureProducedDisc = eventDiscriminator("SignatureProducedEvent")
	resultReportedDisc    = eventDiscriminator("ResultReportedEvent")
)

type signatureProducedWire struct {
	RequestID  [32]uint8
	BigRX      [32]uint8
	BigRY      [32]uint8
	S          [32]uint8
	RecoveryID uint8
}

type resultReportedWire struct {
	RequestID        [32]uint8
	SerializedOutput []uint8
	BigRX            [32]uint8
	BigRY            [32]uint8
	S                [32]uint8
	RecoveryID       uint8
}

// DecodeEvent parses one anchor event payload. A nil event with nil error
// means the payload belongs to an event family we do not route.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) < 8 {
		return nil, nil
	}

	var disc [8]byte
	copy(disc[:], data[:8])

	switch disc {
	case signatureProducedDisc:
		var wire signatureProducedWire
		if err := borsh.Deserialize(&wire, data[8:]); err != nil {
			return nil, err
		}

		return &SignatureProduced{
			RequestID: wire.RequestID,
			Signature: types.MpcSignature{
				BigR:       types.AffinePoint{X: wire.BigRX, Y: wire.BigRY},
				S:          wire.S,
				RecoveryID: wire.RecoveryID,
			},
		}, nil

	case resultReportedDisc:
		var wire resultReportedWire
		if err := borsh.Deserialize(&wire, data[8:]); err != nil {
			return nil, err
		}

		return &ResultReported{
			RequestID:        wire.RequestID,
			SerializedOutput: wire.SerializedOutput,
			Signature: types.MpcSignature{
				BigR:       types.AffinePoint{X: wire.BigRX, Y: wire.BigRY},
				S:          wire.S,
				RecoveryID: wire.RecoveryID,
			},
		}, nil
	}

	return nil, nil
}

// ParseEventsFromLogs extracts every routed event from a transaction's log
// messages. Undecodable program-data lines are skipped, not fatal: the same
// logs carry events of unrelated programs.
func ParseEventsFromLogs(logs []string) []Event {
	events := make([]Event, 0)

	for _, line := range logs {
		idx := strings.Index(line, programDataPrefix)
		if idx < 0 {
			continue
		}

		bz, err := base64.StdEncoding.DecodeString(line[idx+len(programDataPrefix):])
		if err != nil {
			continue
		}

		ev, err := DecodeEvent(bz)
		if err != nil || ev == nil {
			continue
		}

		events = append(events, ev)
	}

	return events
}

// EncodeEvent is the inverse of DecodeEvent. Used by tests and by the
// in-memory event source.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case *SignatureProduced:
		wire := signatureProducedWire{
			RequestID:  e.RequestID,
			BigRX:      e.Signature.BigR.X,
			BigRY:      e.Signature.BigR.Y,
			S:          e.Signature.S,
			RecoveryID: e.Signature.RecoveryID,
		}

		bz, err := borsh.Serialize(wire)
		if err != nil {
			return nil, err
		}

		return append(signatureProducedDisc[:], bz...), nil

	case *ResultReported:
		wire := resultReportedWire{
			RequestID:        e.RequestID,
			SerializedOutput: e.SerializedOutput,
			BigRX:            e.Signature.BigR.X,
			BigRY:            e.Signature.BigR.Y,
			S:                e.Signature.S,
			RecoveryID:       e.Signature.RecoveryID,
		}

		bz, err := borsh.Serialize(wire)
		if err != nil {
			return nil, err
		}

		return append(resultReportedDisc[:], bz...), nil
	}

	return nil, nil
}
