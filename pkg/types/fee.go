package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeKind classifies one component of a step's fee
type FeeKind string

const (
	FeeNetwork     FeeKind = "network"     // gas / extrinsic fee on the source chain
	FeeDestination FeeKind = "destination" // fee charged on the receiving chain
	FeePlatform    FeeKind = "platform"    // venue or protocol fee
)

// FeeComponent is one fee amount denominated in a token
type FeeComponent struct {
	Kind     FeeKind         `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	TokenRef AssetRef        `json:"token"`
}

// StepFeeInfo describes what a step costs and which tokens may pay for it
type StepFeeInfo struct {
	FeeComponents    []FeeComponent `json:"fee_components"`
	DefaultFeeToken  AssetRef       `json:"default_fee_token"`
	FeeOptions       []AssetRef     `json:"fee_options"`
	SelectedFeeToken *AssetRef      `json:"selected_fee_token,omitempty"`
}

// Validate checks that the default and selected fee tokens are fee options
func (f *StepFeeInfo) Validate() error {
	if !f.hasOption(f.DefaultFeeToken) {
		return fmt.Errorf("default fee token %s is not a fee option", f.DefaultFeeToken)
	}
	if f.SelectedFeeToken != nil && !f.hasOption(*f.SelectedFeeToken) {
		return fmt.Errorf("selected fee token %s is not a fee option", *f.SelectedFeeToken)
	}
	return nil
}

// Select chooses a fee token, which must be one of the options
func (f *StepFeeInfo) Select(token AssetRef) error {
	if !f.hasOption(token) {
		return fmt.Errorf("%s is not a fee option", token)
	}
	f.SelectedFeeToken = &token
	return nil
}

// EffectiveToken returns the selected fee token or the default one
func (f *StepFeeInfo) EffectiveToken() AssetRef {
	if f.SelectedFeeToken != nil {
		return *f.SelectedFeeToken
	}
	return f.DefaultFeeToken
}

// Total sums the components paid in token
func (f *StepFeeInfo) Total(token AssetRef) decimal.Decimal {
	total := decimal.Zero
	for _, c := range f.FeeComponents {
		if c.TokenRef == token {
			total = total.Add(c.Amount)
		}
	}
	return total
}

func (f *StepFeeInfo) hasOption(token AssetRef) bool {
	for _, o := range f.FeeOptions {
		if o == token {
			return true
		}
	}
	return false
}

// NativeFee is a convenience constructor for a fee payable only in the native token
func NativeFee(native AssetRef, components ...FeeComponent) StepFeeInfo {
	return StepFeeInfo{
		FeeComponents:   components,
		DefaultFeeToken: native,
		FeeOptions:      []AssetRef{native},
	}
}
