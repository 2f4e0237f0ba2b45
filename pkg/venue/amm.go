package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

// uniswap-v2 router and ERC20 fragments the venue calls
const routerABI = `[
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ApproveABI = `[{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var (
	ammLPFee    = decimal.RequireFromString("0.003")
	ammSlippage = decimal.RequireFromString("0.005")
)

// AMM swaps ERC20 tokens through a uniswap-v2 style router on an EVM chain
type AMM struct {
	registry *chain.Registry
	state    ChainState
	quoteTTL time.Duration
	router   abi.ABI
	erc20    abi.ABI
}

// NewAMM creates the AMM venue. state must be able to run read-only calls.
func NewAMM(registry *chain.Registry, state ChainState, quoteTTL time.Duration) (*AMM, error) {
	router, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ApproveABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &AMM{registry: registry, state: state, quoteTTL: quoteTTL, router: router, erc20: erc20}, nil
}

func (v *AMM) Venue() types.Venue { return types.VenueAMM }

func (v *AMM) Shapes() []types.Shape {
	return []types.Shape{types.ShapeSwap, types.ShapeSwapBridge, types.ShapeBridgeSwap, types.ShapeBridgeSwapBridge}
}

// Covers accepts swaps between two contract tokens on a chain with a router
func (v *AMM) Covers(kind types.ActionKind, pair types.Pair) bool {
	if kind != types.ActionSwap {
		return false
	}
	_, _, c, err := v.resolve(pair)
	return err == nil && c != nil
}

func (v *AMM) resolve(pair types.Pair) (from, to *chain.Asset, c *chain.Chain, err error) {
	if from, err = v.registry.Asset(pair.From); err != nil {
		return
	}
	if to, err = v.registry.Asset(pair.To); err != nil {
		return
	}
	if from.Chain != to.Chain {
		err = fmt.Errorf("%s crosses chains", pair)
		return
	}
	if from.Contract == "" || to.Contract == "" || !common.IsHexAddress(from.Contract) || !common.IsHexAddress(to.Contract) {
		err = fmt.Errorf("%s is not an ERC20 pair", pair)
		return
	}
	if c, err = v.registry.Chain(from.Chain); err != nil {
		return
	}
	if c.AMMRouter == "" || c.EVMChainID == 0 {
		err = fmt.Errorf("chain '%s' has no router", c.Slug)
	}
	return
}

func (v *AMM) tokenPath(from, to *chain.Asset) []common.Address {
	return []common.Address{common.HexToAddress(from.Contract), common.HexToAddress(to.Contract)}
}

// amountsOut asks the router what amountIn of from buys of to
func (v *AMM) amountsOut(ctx context.Context, c *chain.Chain, from, to *chain.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if v.state == nil {
		return decimal.Zero, fmt.Errorf("no RPC configured for %s", c.Slug)
	}
	amountIn := amount.Shift(from.Decimals).Truncate(0).BigInt()
	data, err := v.router.Pack("getAmountsOut", amountIn, v.tokenPath(from, to))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack getAmountsOut: %w", err)
	}
	res, err := v.state.CallContract(ctx, c.Slug, c.AMMRouter, data)
	if err != nil {
		return decimal.Zero, types.Retryable(fmt.Errorf("getAmountsOut on %s: %w", c.Slug, err))
	}
	out, err := v.router.Unpack("getAmountsOut", res)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to unpack getAmountsOut: %w", err)
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return decimal.Zero, fmt.Errorf("unexpected getAmountsOut result")
	}
	return decimal.NewFromBigInt(amounts[len(amounts)-1], -to.Decimals), nil
}

func (v *AMM) Quote(ctx context.Context, p QuoteParams) (*types.Quote, error) {
	if !v.Covers(p.Action, p.Pair) {
		return nil, fmt.Errorf("%s cannot swap %s: %w", v.Venue(), p.Pair, types.ErrNoRouteFound)
	}
	from, to, c, err := v.resolve(p.Pair)
	if err != nil {
		return nil, err
	}
	out, err := v.amountsOut(ctx, c, from, to, p.Amount)
	if err != nil {
		return nil, err
	}
	if !out.IsPositive() {
		return nil, fmt.Errorf("%w: pool for %s has no liquidity", types.ErrNoRouteFound, p.Pair)
	}

	q := &types.Quote{
		Pair:       p.Pair,
		FromAmount: p.Amount,
		ToAmount:   out,
		Venue:      v.Venue(),
		Route:      []types.AssetRef{p.Pair.From, p.Pair.To},
		FeeInfo:    v.fee(ctx, c, from, p.Amount, p.Address),
		AliveUntil: time.Now().Add(v.quoteTTL),
		Raw:        map[string]string{"router": c.AMMRouter},
	}
	q.ComputeRate()
	return q, nil
}

func (v *AMM) fee(ctx context.Context, c *chain.Chain, from *chain.Asset, amount decimal.Decimal, address string) types.StepFeeInfo {
	options, def := feeOptions(ctx, v.state, c, address)
	return types.StepFeeInfo{
		FeeComponents: []types.FeeComponent{
			{Kind: types.FeePlatform, Amount: amount.Mul(ammLPFee), TokenRef: from.Ref},
		},
		DefaultFeeToken: def,
		FeeOptions:      options,
	}
}

func (v *AMM) QuoteStep(ctx context.Context, p StepParams) (*StepQuote, error) {
	if !belongs(v, p) {
		return nil, nil
	}
	step := p.Step()
	from, to, c, err := v.resolve(step.Pair)
	if err != nil {
		return nil, err
	}

	out := p.Amount
	if p.Quote != nil && p.Index == p.Path.MainLeg() {
		out = p.Quote.ToAmount
	} else if out, err = v.amountsOut(ctx, c, from, to, p.Amount); err != nil {
		return nil, err
	}

	return &StepQuote{
		Detail: types.StepDetail{
			Type:  step.Action,
			Name:  fmt.Sprintf("Swap %s for %s on %s", from.Symbol, to.Symbol, c.Name),
			Venue: v.Venue(),
			Pair:  step.Pair,
			Metadata: map[string]string{
				"router":     c.AMMRouter,
				"min_amount": out.Mul(decimal.NewFromInt(1).Sub(ammSlippage)).String(),
			},
		},
		Fee:       v.fee(ctx, c, from, p.Amount, p.Address),
		AmountOut: out,
	}, nil
}

// BuildSubmission returns an approve followed by the router swap. The
// minimum output and deadline come from the accepted quote, so the same
// params always produce the same calls.
func (v *AMM) BuildSubmission(_ context.Context, p SubmitParams) (*types.Artifact, error) {
	from, to, c, err := v.resolve(p.Step.Pair)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.Recipient) {
		return nil, types.NewValidationError("recipient '%s' is not an EVM address", p.Recipient)
	}

	if p.Quote == nil || p.Quote.Pair != p.Step.Pair || p.Quote.AliveUntil.IsZero() {
		return nil, types.NewValidationError("swap %s has no accepted quote", p.Step.Pair)
	}

	amountIn := p.Amount.Shift(from.Decimals).Truncate(0).BigInt()
	minOut := p.Quote.ToAmount.Mul(decimal.NewFromInt(1).Sub(ammSlippage)).Shift(to.Decimals).Truncate(0).BigInt()
	deadline := p.Quote.AliveUntil
	router := common.HexToAddress(c.AMMRouter)

	approve, err := v.erc20.Pack("approve", router, amountIn)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	swap, err := v.router.Pack("swapExactTokensForTokens",
		amountIn, minOut, v.tokenPath(from, to), common.HexToAddress(p.Recipient), big.NewInt(deadline.Unix()))
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}

	return &types.Artifact{
		Chain: c.Slug,
		Kind:  types.ArtifactEVM,
		From:  p.Address,
		Calls: []types.Call{
			{
				Description: fmt.Sprintf("approve %s %s", p.Amount, from.Symbol),
				To:          common.HexToAddress(from.Contract).Hex(),
				Data:        common.Bytes2Hex(approve),
				Value:       "0",
			},
			{
				Description: fmt.Sprintf("swap %s %s for %s", p.Amount, from.Symbol, to.Symbol),
				To:          router.Hex(),
				Data:        common.Bytes2Hex(swap),
				Value:       "0",
			},
		},
	}, nil
}

func (v *AMM) Validate(_ context.Context, p ValidateParams) []error {
	errs := commonValidation(v, v.registry, p)
	if p.Index < 0 || p.Index >= len(p.Path) {
		return errs
	}
	step := p.Path[p.Index]
	if _, _, _, err := v.resolve(step.Pair); err != nil || step.Action != types.ActionSwap {
		errs = append(errs, types.NewValidationError("%s cannot swap %s", v.Venue(), step.Pair))
	}
	return errs
}
