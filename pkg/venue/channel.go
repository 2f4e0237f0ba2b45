package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/types"
)

// channelDeadline is how long an opened deposit channel accepts funds
const channelDeadline = 24 * time.Hour

// maxChannelSlippage bounds how much worse an opened channel may be than the accepted quote
var maxChannelSlippage = decimal.RequireFromString("0.01")

// DepositChannelAPI is the part of the 1Click API the venue needs
type DepositChannelAPI interface {
	RequestQuote(ctx context.Context, req client.ChannelQuoteRequest) (*client.ChannelQuote, error)
}

// DepositChannel swaps or bridges by sending funds to a one-time deposit address
type DepositChannel struct {
	registry *chain.Registry
	api      DepositChannelAPI
	quoteTTL time.Duration
	channels *attemptCache
}

// NewDepositChannel creates the deposit-channel venue
func NewDepositChannel(registry *chain.Registry, api DepositChannelAPI, quoteTTL time.Duration) *DepositChannel {
	return &DepositChannel{
		registry: registry,
		api:      api,
		quoteTTL: quoteTTL,
		channels: newAttemptCache(channelDeadline),
	}
}

func (v *DepositChannel) Venue() types.Venue { return types.VenueDepositChannel }

func (v *DepositChannel) Shapes() []types.Shape {
	return []types.Shape{types.ShapeSwap, types.ShapeBridge}
}

// Covers accepts any pair of distinct assets the API lists on supported chains
func (v *DepositChannel) Covers(kind types.ActionKind, pair types.Pair) bool {
	from, to, origin, dest, err := v.resolve(pair)
	if err != nil || from.Ref == to.Ref {
		return false
	}
	if origin.OneClick == "" || dest.OneClick == "" {
		return false
	}
	switch kind {
	case types.ActionSwap:
		return true
	case types.ActionBridge:
		c, ok := v.registry.Counterpart(from.Ref, dest.Slug)
		return ok && c.Ref == to.Ref
	}
	return false
}

func (v *DepositChannel) resolve(pair types.Pair) (from, to *chain.Asset, origin, dest *chain.Chain, err error) {
	if from, err = v.registry.Asset(pair.From); err != nil {
		return
	}
	if to, err = v.registry.Asset(pair.To); err != nil {
		return
	}
	if from.OneClickID == "" || to.OneClickID == "" {
		err = fmt.Errorf("%s is not listed by the deposit-channel API", pair)
		return
	}
	if origin, err = v.registry.Chain(from.Chain); err != nil {
		return
	}
	dest, err = v.registry.Chain(to.Chain)
	return
}

// Quote asks for a dry quote, which prices the swap without opening a channel
func (v *DepositChannel) Quote(ctx context.Context, p QuoteParams) (*types.Quote, error) {
	if !v.Covers(p.Action, p.Pair) {
		return nil, fmt.Errorf("%s cannot execute %s: %w", v.Venue(), p.Pair, types.ErrNoRouteFound)
	}
	from, to, origin, _, err := v.resolve(p.Pair)
	if err != nil {
		return nil, err
	}
	recipient := p.Recipient
	if recipient == "" {
		recipient = p.Address
	}

	cq, err := v.api.RequestQuote(ctx, client.ChannelQuoteRequest{
		OriginAsset:      from.OneClickID,
		DestinationAsset: to.OneClickID,
		Amount:           toBaseUnits(p.Amount, from.Decimals),
		RefundTo:         p.Address,
		Recipient:        recipient,
		Dry:              true,
	})
	if err != nil {
		return nil, fmt.Errorf("deposit-channel quote: %w", err)
	}

	q := &types.Quote{
		Pair:       p.Pair,
		FromAmount: p.Amount,
		ToAmount:   cq.AmountOut,
		Venue:      v.Venue(),
		Route:      []types.AssetRef{p.Pair.From, p.Pair.To},
		FeeInfo:    types.NativeFee(origin.NativeAsset),
		AliveUntil: time.Now().Add(v.quoteTTL),
		Raw:        map[string]string{"time_estimate": cq.TimeEstimate.String()},
	}
	q.ComputeRate()
	return q, nil
}

func (v *DepositChannel) QuoteStep(_ context.Context, p StepParams) (*StepQuote, error) {
	if !belongs(v, p) {
		return nil, nil
	}
	step := p.Step()
	from, to, origin, dest, err := v.resolve(step.Pair)
	if err != nil {
		return nil, err
	}

	out := p.Amount
	meta := map[string]string{
		"origin_asset":      from.OneClickID,
		"destination_asset": to.OneClickID,
	}
	if p.Quote != nil && p.Index == p.Path.MainLeg() {
		out = p.Quote.ToAmount
		if est := p.Quote.Raw["time_estimate"]; est != "" {
			meta["time_estimate"] = est
		}
	}

	name := fmt.Sprintf("Swap %s on %s for %s on %s", from.Symbol, origin.Name, to.Symbol, dest.Name)
	if step.Action == types.ActionBridge {
		name = fmt.Sprintf("Bridge %s from %s to %s", from.Symbol, origin.Name, dest.Name)
	}
	return &StepQuote{
		Detail: types.StepDetail{
			Type:     step.Action,
			Name:     name,
			Venue:    v.Venue(),
			Pair:     step.Pair,
			Metadata: meta,
		},
		Fee:       types.NativeFee(origin.NativeAsset),
		AmountOut: out,
	}, nil
}

// BuildSubmission opens a deposit channel (once per attempt) and returns a
// transfer of the step amount to it
func (v *DepositChannel) BuildSubmission(ctx context.Context, p SubmitParams) (*types.Artifact, error) {
	from, to, origin, _, err := v.resolve(p.Step.Pair)
	if err != nil {
		return nil, err
	}

	key := attemptKey{process: p.ProcessID, step: p.StepID, attempt: p.Attempt}
	val, err := v.channels.do(key, func() (any, error) {
		return v.api.RequestQuote(ctx, client.ChannelQuoteRequest{
			OriginAsset:      from.OneClickID,
			DestinationAsset: to.OneClickID,
			Amount:           toBaseUnits(p.Amount, from.Decimals),
			RefundTo:         p.RefundTo,
			Recipient:        p.Recipient,
			Deadline:         time.Now().Add(channelDeadline),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open deposit channel: %w", err)
	}
	channel := val.(*client.ChannelQuote)

	if p.Quote != nil && p.Quote.Venue == v.Venue() && p.Quote.Pair == p.Step.Pair {
		floor := p.Quote.ToAmount.Mul(decimal.NewFromInt(1).Sub(maxChannelSlippage))
		if channel.AmountOut.LessThan(floor) {
			return nil, types.NewValidationError("deposit channel offers %s %s, accepted quote was %s",
				channel.AmountOut, to.Symbol, p.Quote.ToAmount)
		}
	}

	return &types.Artifact{
		Chain: origin.Slug,
		Kind:  types.ArtifactTransfer,
		From:  p.Address,
		Calls: []types.Call{{
			Description: fmt.Sprintf("deposit %s %s to channel", p.Amount, from.Symbol),
			Asset:       from.Ref,
			Amount:      p.Amount,
			Recipient:   channel.DepositAddress,
			Memo:        channel.DepositMemo,
		}},
	}, nil
}

func (v *DepositChannel) Validate(_ context.Context, p ValidateParams) []error {
	errs := commonValidation(v, v.registry, p)
	if p.Index < 0 || p.Index >= len(p.Path) {
		return errs
	}
	step := p.Path[p.Index]
	if !v.Covers(step.Action, step.Pair) {
		errs = append(errs, types.NewValidationError("%s cannot execute %s", v.Venue(), step.Pair))
	}
	return errs
}
