package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue is the closed set of liquidity and bridge venues
type Venue string

const (
	VenueXCM            Venue = "xcm"             // reserve transfer between substrate chains
	VenueDepositChannel Venue = "deposit_channel" // 1Click deposit-channel swaps
	VenueAMM            Venue = "amm"             // uniswap-v2 style router on EVM chains
	VenueAggregator     Venue = "aggregator"      // Solana DEX aggregator
)

// AllVenues lists venues in dispatch order
var AllVenues = []Venue{VenueXCM, VenueDepositChannel, VenueAMM, VenueAggregator}

// ParseVenue converts a string into a known venue
func ParseVenue(s string) (Venue, error) {
	for _, v := range AllVenues {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue: %s", s)
}

// Quote is a priced offer for one pair from one venue
type Quote struct {
	Pair       Pair            `json:"pair"`
	FromAmount decimal.Decimal `json:"from_amount"`
	ToAmount   decimal.Decimal `json:"to_amount"`
	Rate       decimal.Decimal `json:"rate"`
	Venue      Venue           `json:"venue"`
	Route      []AssetRef      `json:"route,omitempty"`
	FeeInfo    StepFeeInfo     `json:"fee_info"`
	AliveUntil time.Time       `json:"alive_until"`

	// venue specific quote data, e.g. the aggregator's raw quote response
	Raw map[string]string `json:"raw,omitempty"`
}

// Expired reports whether the quote can no longer be used at now
func (q *Quote) Expired(now time.Time) bool {
	return !q.AliveUntil.IsZero() && !now.Before(q.AliveUntil)
}

// ComputeRate sets Rate = ToAmount / FromAmount
func (q *Quote) ComputeRate() {
	if q.FromAmount.IsZero() {
		q.Rate = decimal.Zero
		return
	}
	q.Rate = q.ToAmount.Div(q.FromAmount)
}
