package types

import (
	"encoding/hex"
	"fmt"
)

// RequestID is the 32-byte correlation id binding a vault instruction to the
// signature and result events the MPC signer produces for it. Identical
// logical operations always map to the same id.
type RequestID [32]byte

func RequestIDFromHex(s string) (RequestID, error) {
	var id RequestID
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}

	bz, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(bz) != 32 {
		return id, fmt.Errorf("request id must be 32 bytes, got %d", len(bz))
	}

	copy(id[:], bz)
	return id, nil
}

func (id RequestID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id RequestID) String() string {
	return id.Hex()
}

// OpKind identifies one of the four vault operations.
type OpKind int

const (
	OpErc20Deposit OpKind = iota
	OpErc20Withdrawal
	OpBtcDeposit
	OpBtcWithdrawal
)

func (k OpKind) String() string {
	switch k {
	case OpErc20Deposit:
		return "erc20_deposit"
	case OpErc20Withdrawal:
		return "erc20_withdrawal"
	case OpBtcDeposit:
		return "btc_deposit"
	case OpBtcWithdrawal:
		return "btc_withdrawal"
	}

	return "unknown"
}

func (k OpKind) IsDeposit() bool {
	return k == OpErc20Deposit || k == OpBtcDeposit
}

// MpcSignature is the secp256k1 signature the chain signatures program
// attaches to its events, in the program's own wire layout.
type MpcSignature struct {
	BigR       AffinePoint
	S          [32]byte
	RecoveryID uint8
}

type AffinePoint struct {
	X [32]byte
	Y [32]byte
}
