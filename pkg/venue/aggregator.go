package venue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/types"
)

// solanaBaseFee is the signature fee of one transaction, in SOL
var solanaBaseFee = decimal.RequireFromString("0.000005")

// AggregatorAPI is the part of the DEX aggregator the venue needs
type AggregatorAPI interface {
	Quote(ctx context.Context, inputMint, outputMint, amount string) (*client.AggregatorQuote, error)
	SwapTransaction(ctx context.Context, quote *client.AggregatorQuote, userPublicKey string) (string, error)
}

// Aggregator swaps SPL tokens on Solana through a DEX aggregator
type Aggregator struct {
	registry *chain.Registry
	api      AggregatorAPI
	quoteTTL time.Duration
	txs      *attemptCache
}

// NewAggregator creates the aggregator venue
func NewAggregator(registry *chain.Registry, api AggregatorAPI, quoteTTL time.Duration) *Aggregator {
	return &Aggregator{
		registry: registry,
		api:      api,
		quoteTTL: quoteTTL,
		txs:      newAttemptCache(time.Hour),
	}
}

func (v *Aggregator) Venue() types.Venue { return types.VenueAggregator }

func (v *Aggregator) Shapes() []types.Shape {
	return []types.Shape{types.ShapeSwap}
}

func (v *Aggregator) Covers(kind types.ActionKind, pair types.Pair) bool {
	if kind != types.ActionSwap {
		return false
	}
	_, _, _, err := v.resolve(pair)
	return err == nil
}

func (v *Aggregator) resolve(pair types.Pair) (from, to *chain.Asset, c *chain.Chain, err error) {
	if from, err = v.registry.Asset(pair.From); err != nil {
		return
	}
	if to, err = v.registry.Asset(pair.To); err != nil {
		return
	}
	if from.Chain != to.Chain || from.Ref == to.Ref {
		err = fmt.Errorf("%s is not a same-chain swap", pair)
		return
	}
	if c, err = v.registry.Chain(from.Chain); err != nil {
		return
	}
	if !c.Aggregator {
		err = fmt.Errorf("chain '%s' has no aggregator", c.Slug)
		return
	}
	for _, a := range []*chain.Asset{from, to} {
		if _, perr := solana.PublicKeyFromBase58(a.Contract); perr != nil {
			err = fmt.Errorf("asset %s has no valid mint: %w", a.Ref, perr)
			return
		}
	}
	return
}

func (v *Aggregator) Quote(ctx context.Context, p QuoteParams) (*types.Quote, error) {
	if !v.Covers(p.Action, p.Pair) {
		return nil, fmt.Errorf("%s cannot swap %s: %w", v.Venue(), p.Pair, types.ErrNoRouteFound)
	}
	from, to, c, err := v.resolve(p.Pair)
	if err != nil {
		return nil, err
	}

	aq, err := v.api.Quote(ctx, from.Contract, to.Contract, toBaseUnits(p.Amount, from.Decimals))
	if err != nil {
		return nil, fmt.Errorf("aggregator quote: %w", err)
	}
	out, err := fromBaseUnits(aq.OutAmount, to.Decimals)
	if err != nil {
		return nil, err
	}

	platform := decimal.Zero
	for _, r := range aq.Routes {
		if r.FeeMint == from.Contract {
			if f, err := fromBaseUnits(r.FeeAmount, from.Decimals); err == nil {
				platform = platform.Add(f)
			}
		}
	}

	fee := types.NativeFee(c.NativeAsset, types.FeeComponent{Kind: types.FeeNetwork, Amount: solanaBaseFee, TokenRef: c.NativeAsset})
	if platform.IsPositive() {
		fee.FeeComponents = append(fee.FeeComponents, types.FeeComponent{Kind: types.FeePlatform, Amount: platform, TokenRef: from.Ref})
	}

	q := &types.Quote{
		Pair:       p.Pair,
		FromAmount: p.Amount,
		ToAmount:   out,
		Venue:      v.Venue(),
		Route:      []types.AssetRef{p.Pair.From, p.Pair.To},
		FeeInfo:    fee,
		AliveUntil: time.Now().Add(v.quoteTTL),
		Raw: map[string]string{
			"quote":        string(aq.Raw),
			"min_out":      aq.MinOutAmount,
			"price_impact": aq.PriceImpactPct,
		},
	}
	q.ComputeRate()
	return q, nil
}

func (v *Aggregator) QuoteStep(_ context.Context, p StepParams) (*StepQuote, error) {
	if !belongs(v, p) || p.Quote == nil {
		return nil, nil
	}
	step := p.Step()
	from, to, c, err := v.resolve(step.Pair)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if s := p.Quote.Raw["price_impact"]; s != "" {
		meta["price_impact"] = s
	}
	return &StepQuote{
		Detail: types.StepDetail{
			Type:     step.Action,
			Name:     fmt.Sprintf("Swap %s for %s on %s", from.Symbol, to.Symbol, c.Name),
			Venue:    v.Venue(),
			Pair:     step.Pair,
			Metadata: meta,
		},
		Fee:       p.Quote.FeeInfo,
		AmountOut: p.Quote.ToAmount,
	}, nil
}

// BuildSubmission fetches the swap transaction for the accepted quote once
// per attempt and returns it unsigned
func (v *Aggregator) BuildSubmission(ctx context.Context, p SubmitParams) (*types.Artifact, error) {
	_, to, c, err := v.resolve(p.Step.Pair)
	if err != nil {
		return nil, err
	}
	if p.Quote == nil || p.Quote.Pair != p.Step.Pair || p.Quote.Raw["quote"] == "" {
		return nil, types.NewValidationError("swap %s has no accepted aggregator quote", p.Step.Pair)
	}
	if p.Recipient != "" && p.Recipient != p.Address {
		return nil, types.NewValidationError("aggregator swaps settle to the sender, cannot pay %s", p.Recipient)
	}
	if _, err := solana.PublicKeyFromBase58(p.Address); err != nil {
		return nil, types.NewValidationError("sender '%s' is not a Solana address", p.Address)
	}

	key := attemptKey{process: p.ProcessID, step: p.StepID, attempt: p.Attempt}
	val, err := v.txs.do(key, func() (any, error) {
		quote := &client.AggregatorQuote{Raw: json.RawMessage(p.Quote.Raw["quote"])}
		return v.api.SwapTransaction(ctx, quote, p.Address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build swap transaction: %w", err)
	}
	encoded := val.(string)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("aggregator returned invalid base64: %w", err)
	}
	if _, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw)); err != nil {
		return nil, fmt.Errorf("aggregator returned an undecodable transaction: %w", err)
	}

	return &types.Artifact{
		Chain: c.Slug,
		Kind:  types.ArtifactSolana,
		From:  p.Address,
		Calls: []types.Call{{
			Description: fmt.Sprintf("swap %s for %s", p.Amount, to.Symbol),
			Transaction: encoded,
		}},
	}, nil
}

func (v *Aggregator) Validate(_ context.Context, p ValidateParams) []error {
	errs := commonValidation(v, v.registry, p)
	if p.Index < 0 || p.Index >= len(p.Path) {
		return errs
	}
	step := p.Path[p.Index]
	if !v.Covers(step.Action, step.Pair) {
		errs = append(errs, types.NewValidationError("%s cannot swap %s", v.Venue(), step.Pair))
	}
	if p.Quote != nil && p.Quote.Venue == v.Venue() && p.Quote.Raw["quote"] == "" {
		errs = append(errs, types.NewValidationError("quote for %s carries no route", step.Pair))
	}
	return errs
}
