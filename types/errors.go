package types

import (
	"errors"
	"fmt"
)

// ErrKind classifies every failure the orchestrator has to react to.
// Retryable kinds leave no unreconciled ledger state behind; terminal kinds
// must drive the refund/failure path before the flow ends.
type ErrKind int

const (
	// Bad input, rejected before any state change. Never retried.
	ErrValidation ErrKind = iota
	// RPC failure, rate limit. Retried with backoff at the call site.
	ErrTransientNetwork
	// No signature/result event within the deadline. Retryable via recovery.
	ErrEventTimeout
	// Foreign-chain transaction executed but failed on-chain. Terminal.
	ErrForeignChainRevert
	// A competing transaction spent the same vault outpoint. Terminal,
	// must drive the refund.
	ErrConflictDetected
	// The ledger chain rejected an initiate/finalize instruction.
	ErrLedgerInstruction
)

func (k ErrKind) String() string {
	switch k {
	case ErrValidation:
		return "validation"
	case ErrTransientNetwork:
		return "transient_network"
	case ErrEventTimeout:
		return "event_timeout"
	case ErrForeignChainRevert:
		return "foreign_chain_revert"
	case ErrConflictDetected:
		return "conflict_detected"
	case ErrLedgerInstruction:
		return "ledger_instruction"
	}

	return "unknown"
}

// Error is a classified error with the original cause attached.
type Error struct {
	Kind  ErrKind
	Msg   string
	Cause error
}

func NewError(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether re-running the flow (directly or through the
// recovery path) can still succeed without manual intervention.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTransientNetwork, ErrEventTimeout:
		return true
	}

	return false
}

// KindOf extracts the classification from err, or ErrTransientNetwork when
// err was never classified (unclassified errors are treated as retryable
// infrastructure hiccups, not fund-loss states).
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ErrTransientNetwork
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}

	return true
}
