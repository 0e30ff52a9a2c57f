package bitcoin

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/sisu-network/dvault/types"
)

// SessionInput is the per-input data a single signing call carries. All
// transaction-wide data lives in the session.
type SessionInput struct {
	Outpoint   wire.OutPoint
	AmountSats uint64
	Sequence   uint32
	ScriptCode []byte
}

// SigningSession pins the transaction-wide BIP143 commitments of one
// Bitcoin transaction so that its inputs can be signed through independent
// per-input calls. The ledger chain's transaction size limit caps how many
// inputs one call can describe, so a large consolidation signs input by
// input against the same pinned session.
//
// Two invariants hold for the whole session lifetime:
//   - authorized total never exceeds capSats,
//   - an outpoint is reserved at most once.
//
// A rejected authorization mutates nothing.
type SigningSession struct {
	ID string

	hashPrevouts [32]byte
	hashSequence [32]byte
	hashOutputs  [32]byte
	nVersion     int32
	nLockTime    uint32
	sighashType  uint32
	capSats      uint64

	lock            sync.Mutex
	authorizedTotal uint64
	reserved        map[wire.OutPoint]bool
	reconciled      map[wire.OutPoint]bool
}

// NewSigningSession computes the sighash commitments over the complete
// declared transaction. capSats is derived from the user's current ledger
// balance at initiation time.
func NewSigningSession(tx *wire.MsgTx, sighashType uint32, capSats uint64) (*SigningSession, error) {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return nil, types.NewError(types.ErrValidation, "transaction has no inputs or outputs")
	}

	var prevouts, sequences, outputs bytes.Buffer

	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		binary.Write(&prevouts, binary.LittleEndian, in.PreviousOutPoint.Index)
		binary.Write(&sequences, binary.LittleEndian, in.Sequence)
	}

	for _, out := range tx.TxOut {
		if err := wire.WriteTxOut(&outputs, 0, 0, out); err != nil {
			return nil, types.WrapError(types.ErrValidation, err, "cannot serialize output")
		}
	}

	s := &SigningSession{
		ID:          uuid.NewString(),
		nVersion:    tx.Version,
		nLockTime:   tx.LockTime,
		sighashType: sighashType,
		capSats:     capSats,
		reserved:    make(map[wire.OutPoint]bool),
		reconciled:  make(map[wire.OutPoint]bool),
	}
	copy(s.hashPrevouts[:], chainhash.DoubleHashB(prevouts.Bytes()))
	copy(s.hashSequence[:], chainhash.DoubleHashB(sequences.Bytes()))
	copy(s.hashOutputs[:], chainhash.DoubleHashB(outputs.Bytes()))

	return s, nil
}

// AuthorizeInput reserves one outpoint for signing. It fails, without
// changing any session state, when the outpoint was already reserved or
// when the amount would push the authorized total over the cap.
func (s *SigningSession) AuthorizeInput(in SessionInput) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.reserved[in.Outpoint] {
		return types.NewError(types.ErrValidation,
			"outpoint %s already reserved in session %s", in.Outpoint.String(), s.ID)
	}

	// Subtraction form: authorizedTotal never exceeds capSats, so the
	// remaining headroom cannot underflow, and the sum cannot wrap.
	if in.AmountSats > s.capSats-s.authorizedTotal {
		return types.NewError(types.ErrValidation,
			"input of %d sats exceeds session cap (%d authorized, %d cap)",
			in.AmountSats, s.authorizedTotal, s.capSats)
	}

	s.reserved[in.Outpoint] = true
	s.authorizedTotal += in.AmountSats

	return nil
}

// SighashPreimage reconstructs the BIP143 preimage for one authorized
// input from the per-input fields and the pinned commitments.
func (s *SigningSession) SighashPreimage(in SessionInput) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, s.nVersion)
	buf.Write(s.hashPrevouts[:])
	buf.Write(s.hashSequence[:])
	buf.Write(in.Outpoint.Hash[:])
	binary.Write(&buf, binary.LittleEndian, in.Outpoint.Index)
	wire.WriteVarBytes(&buf, 0, in.ScriptCode)
	binary.Write(&buf, binary.LittleEndian, in.AmountSats)
	binary.Write(&buf, binary.LittleEndian, in.Sequence)
	buf.Write(s.hashOutputs[:])
	binary.Write(&buf, binary.LittleEndian, s.nLockTime)
	binary.Write(&buf, binary.LittleEndian, s.sighashType)

	return buf.Bytes()
}

// InputSigHash is the digest the MPC network signs for one input.
func (s *SigningSession) InputSigHash(in SessionInput) [32]byte {
	var digest [32]byte
	copy(digest[:], chainhash.DoubleHashB(s.SighashPreimage(in)))
	return digest
}

// ReconcileSpend records that a reserved outpoint's spend has been
// observed and reported. Unknown outpoints are ignored.
func (s *SigningSession) ReconcileSpend(outpoint wire.OutPoint) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.reserved[outpoint] {
		s.reconciled[outpoint] = true
	}
}

// Done reports whether every reserved outpoint has been reconciled. The
// session can be dropped once this returns true.
func (s *SigningSession) Done() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.reserved) > 0 && len(s.reconciled) == len(s.reserved)
}

func (s *SigningSession) AuthorizedTotal() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.authorizedTotal
}

func (s *SigningSession) ReservedOutpoints() []wire.OutPoint {
	s.lock.Lock()
	defer s.lock.Unlock()

	outpoints := make([]wire.OutPoint, 0, len(s.reserved))
	for op := range s.reserved {
		outpoints = append(outpoints, op)
	}
	return outpoints
}
