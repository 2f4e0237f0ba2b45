package types

import "github.com/shopspring/decimal"

// StepDetail is the display/plan view of a step. Metadata is venue specific
// (deposit address, bridge message, raw encoded call) and opaque to the engine.
type StepDetail struct {
	ID       int               `json:"id"`
	Type     ActionKind        `json:"type"`
	Name     string            `json:"name"`
	Venue    Venue             `json:"venue"`
	Pair     Pair              `json:"pair"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ArtifactKind tells the broadcaster how to sign an artifact
type ArtifactKind string

const (
	ArtifactEVM       ArtifactKind = "evm"       // one or more EVM transactions
	ArtifactSubstrate ArtifactKind = "substrate" // a pallet call (possibly batched)
	ArtifactSolana    ArtifactKind = "solana"    // a serialized, unsigned Solana transaction
	ArtifactTransfer  ArtifactKind = "transfer"  // a plain token transfer to an address
)

// Call is one unsigned operation inside an artifact. Only the fields relevant
// to the artifact kind are set.
type Call struct {
	Description string `json:"description,omitempty"`

	// evm
	To    string `json:"to,omitempty"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`

	// substrate
	Pallet string         `json:"pallet,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// solana
	Transaction string `json:"transaction,omitempty"`

	// transfer
	Asset     AssetRef        `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Memo      string          `json:"memo,omitempty"`
}

// Artifact is a chain-specific, not yet signed submission for one step
type Artifact struct {
	Chain ChainSlug    `json:"chain"`
	Kind  ArtifactKind `json:"kind"`
	From  string       `json:"from"`
	Calls []Call       `json:"calls"`
}

// TxResult is what the signer/broadcaster reports after broadcasting
type TxResult struct {
	Chain           ChainSlug `json:"chain"`
	TransactionID   string    `json:"transaction_id"`
	TransactionHash string    `json:"transaction_hash"`
}
