package types

// TxStatus is the lifecycle state of a registry entry. Entries start at
// StatusPending and always end at StatusCompleted or StatusFailed.
type TxStatus string

const (
	StatusPending           TxStatus = "pending"
	StatusSignatureReceived TxStatus = "signature_received"
	StatusSubmitted         TxStatus = "submitted"
	StatusConfirming        TxStatus = "confirming"
	StatusCompleted         TxStatus = "completed"
	StatusFailed            TxStatus = "failed"
)

func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TxRecord is one durable registry entry. Only the orchestrator and the
// recovery path mutate records; API consumers poll them read-only.
type TxRecord struct {
	ID          string   `json:"id"`
	RequestID   string   `json:"request_id,omitempty"`
	Kind        string   `json:"kind"`
	Chain       string   `json:"chain"`
	Status      TxStatus `json:"status"`
	UserAddress string   `json:"user_address"`
	Amount      string   `json:"amount,omitempty"`

	// Ledger-chain transaction signature of the initiating instruction.
	LedgerTxSig string `json:"ledger_tx_sig,omitempty"`
	// Hash/txid of the foreign-chain transaction once broadcast.
	ForeignTxHash string `json:"foreign_tx_hash,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}
