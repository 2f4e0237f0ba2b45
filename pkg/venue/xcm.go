package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
	"swap-router/pkg/xcm"
)

const defaultXCMVersion = xcm.V3

// XCM bridges assets between substrate chains with a cross-chain transfer
type XCM struct {
	registry *chain.Registry
	encoder  *xcm.Encoder
	state    ChainState
	quoteTTL time.Duration
}

// NewXCM creates the cross-chain transfer venue
func NewXCM(registry *chain.Registry, state ChainState, quoteTTL time.Duration) *XCM {
	return &XCM{
		registry: registry,
		encoder:  xcm.NewEncoder(registry),
		state:    state,
		quoteTTL: quoteTTL,
	}
}

func (v *XCM) Venue() types.Venue { return types.VenueXCM }

func (v *XCM) Shapes() []types.Shape {
	return []types.Shape{types.ShapeBridge, types.ShapeSwapBridge, types.ShapeBridgeSwap, types.ShapeBridgeSwapBridge}
}

// Covers accepts bridges between registered counterparts on two substrate chains
func (v *XCM) Covers(kind types.ActionKind, pair types.Pair) bool {
	if kind != types.ActionBridge {
		return false
	}
	from, to, origin, dest, err := v.resolve(pair)
	if err != nil {
		return false
	}
	if !origin.IsSubstrate() || !dest.IsSubstrate() || origin.Slug == dest.Slug {
		return false
	}
	if from.Location == nil || to.Location == nil {
		return false
	}
	counterpart, ok := v.registry.Counterpart(from.Ref, dest.Slug)
	return ok && counterpart.Ref == to.Ref
}

func (v *XCM) resolve(pair types.Pair) (from, to *chain.Asset, origin, dest *chain.Chain, err error) {
	if from, err = v.registry.Asset(pair.From); err != nil {
		return
	}
	if to, err = v.registry.Asset(pair.To); err != nil {
		return
	}
	if origin, err = v.registry.Chain(from.Chain); err != nil {
		return
	}
	dest, err = v.registry.Chain(to.Chain)
	return
}

// version picks the highest version both ends understand
func (v *XCM) version(origin, dest *chain.Chain) (xcm.Version, error) {
	n := origin.XCMVersion
	if dest.XCMVersion != 0 && (n == 0 || dest.XCMVersion < n) {
		n = dest.XCMVersion
	}
	if n == 0 {
		return defaultXCMVersion, nil
	}
	ver, err := xcm.ParseVersion(n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	return ver, nil
}

// Quote prices a transfer. Transfers are one to one; fees are paid separately.
func (v *XCM) Quote(ctx context.Context, p QuoteParams) (*types.Quote, error) {
	if !v.Covers(p.Action, p.Pair) {
		return nil, fmt.Errorf("%s cannot bridge %s: %w", v.Venue(), p.Pair, types.ErrNoRouteFound)
	}
	_, _, origin, dest, err := v.resolve(p.Pair)
	if err != nil {
		return nil, err
	}
	q := &types.Quote{
		Pair:       p.Pair,
		FromAmount: p.Amount,
		ToAmount:   p.Amount,
		Venue:      v.Venue(),
		Route:      []types.AssetRef{p.Pair.From, p.Pair.To},
		FeeInfo:    v.fee(ctx, origin, dest, p.Address),
		AliveUntil: time.Now().Add(v.quoteTTL),
	}
	q.ComputeRate()
	return q, nil
}

func (v *XCM) fee(ctx context.Context, origin, dest *chain.Chain, address string) types.StepFeeInfo {
	options, def := feeOptions(ctx, v.state, origin, address)
	info := types.StepFeeInfo{DefaultFeeToken: def, FeeOptions: options}
	if amount, err := decimal.NewFromString(origin.XCMFee); err == nil {
		info.FeeComponents = append(info.FeeComponents, types.FeeComponent{Kind: types.FeeNetwork, Amount: amount, TokenRef: origin.NativeAsset})
	}
	if amount, err := decimal.NewFromString(dest.XCMFee); err == nil {
		info.FeeComponents = append(info.FeeComponents, types.FeeComponent{Kind: types.FeeDestination, Amount: amount, TokenRef: dest.NativeAsset})
	}
	return info
}

func (v *XCM) QuoteStep(ctx context.Context, p StepParams) (*StepQuote, error) {
	if !belongs(v, p) {
		return nil, nil
	}
	step := p.Step()
	from, _, origin, dest, err := v.resolve(step.Pair)
	if err != nil {
		return nil, err
	}
	ver, err := v.version(origin, dest)
	if err != nil {
		return nil, err
	}
	// surfaces missing ancestry while planning instead of at submission
	if _, err := v.encoder.BuildDestination(origin, dest, ver); err != nil {
		return nil, err
	}

	return &StepQuote{
		Detail: types.StepDetail{
			Type:  step.Action,
			Name:  fmt.Sprintf("Transfer %s from %s to %s", from.Symbol, origin.Name, dest.Name),
			Venue: v.Venue(),
			Pair:  step.Pair,
			Metadata: map[string]string{
				"origin":      string(origin.Slug),
				"destination": string(dest.Slug),
				"xcm_version": strconv.Itoa(int(ver)),
			},
		},
		Fee:       v.fee(ctx, origin, dest, p.Address),
		AmountOut: p.Amount,
	}, nil
}

// BuildSubmission builds a transfer_assets call; it has no side effects
func (v *XCM) BuildSubmission(_ context.Context, p SubmitParams) (*types.Artifact, error) {
	from, _, origin, dest, err := v.resolve(p.Step.Pair)
	if err != nil {
		return nil, err
	}
	ver, err := v.version(origin, dest)
	if err != nil {
		return nil, err
	}
	if s := p.Detail.Metadata["xcm_version"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid xcm_version '%s'", types.ErrEncodingConfiguration, s)
		}
		if ver, err = xcm.ParseVersion(n); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
		}
	}

	destination, err := v.encoder.BuildDestination(origin, dest, ver)
	if err != nil {
		return nil, err
	}
	beneficiary, err := v.encoder.BuildBeneficiary(dest, p.Recipient, ver)
	if err != nil {
		return nil, err
	}
	assets, err := v.encoder.BuildMultiAssetFrom(origin, from, p.Amount, ver)
	if err != nil {
		return nil, err
	}

	pallet := "polkadotXcm"
	if origin.Relay {
		pallet = "xcmPallet"
	}
	return &types.Artifact{
		Chain: origin.Slug,
		Kind:  types.ArtifactSubstrate,
		From:  p.Address,
		Calls: []types.Call{{
			Description: fmt.Sprintf("transfer %s %s to %s", p.Amount, from.Symbol, dest.Name),
			Pallet:      pallet,
			Method:      "transfer_assets",
			Args: map[string]any{
				"dest":           map[string]any(destination),
				"beneficiary":    map[string]any(beneficiary),
				"assets":         map[string]any(assets),
				"fee_asset_item": 0,
				"weight_limit":   "Unlimited",
			},
		}},
	}, nil
}

func (v *XCM) Validate(_ context.Context, p ValidateParams) []error {
	errs := commonValidation(v, v.registry, p)
	if p.Index < 0 || p.Index >= len(p.Path) {
		return errs
	}
	step := p.Path[p.Index]
	if !v.Covers(step.Action, step.Pair) {
		errs = append(errs, types.NewValidationError("%s cannot bridge %s", v.Venue(), step.Pair))
	}
	return errs
}
