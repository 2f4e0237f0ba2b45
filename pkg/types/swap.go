package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ChainSlug identifies a chain in the registry (e.g. "polkadot", "hydradx_main")
type ChainSlug string

// AssetRef is an opaque identifier of a fungible asset on a specific chain.
// It is created when the chain registry is loaded and never mutated.
type AssetRef string

// SwapRequest represents a user's request to move value from one asset to another
type SwapRequest struct {
	From      AssetRef
	To        AssetRef
	Amount    decimal.Decimal
	Recipient string // address on the destination chain
	Address   string // sender address on the source chain
	RefundTo  string // optional, defaults to Address

	// Accounts holds the user's addresses on intermediate chains of a route
	Accounts map[ChainSlug]string
}

// Validate checks that a request has all required fields
func (r *SwapRequest) Validate() error {
	if r.From == "" {
		return fmt.Errorf("source asset is required")
	}
	if r.To == "" {
		return fmt.Errorf("destination asset is required")
	}
	if r.From == r.To {
		return fmt.Errorf("source and destination asset are the same: %s", r.From)
	}
	if !r.Amount.IsPositive() {
		return NewValidationError("amount must be greater than 0")
	}
	if strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("sender address is required")
	}
	return nil
}

// RefundAddress returns where refunds go when a venue gives up on a swap
func (r *SwapRequest) RefundAddress() string {
	if r.RefundTo != "" {
		return r.RefundTo
	}
	return r.Address
}

// RecipientAddress returns the destination recipient, falling back to the sender
func (r *SwapRequest) RecipientAddress() string {
	if r.Recipient != "" {
		return r.Recipient
	}
	return r.Address
}

// AccountOn returns the user's address on chain. source and dest are the
// chains of the request's assets.
func (r *SwapRequest) AccountOn(chain, source, dest ChainSlug) string {
	if a := r.Accounts[chain]; a != "" {
		return a
	}
	switch chain {
	case source:
		return r.Address
	case dest:
		return r.RecipientAddress()
	}
	return ""
}
