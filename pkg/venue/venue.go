// Package venue puts every liquidity and bridge venue behind one capability
// set: price a pair, describe a planned step, build an unsigned submission,
// and validate a route.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

// QuoteParams asks a venue to price one pair
type QuoteParams struct {
	Action    types.ActionKind
	Pair      types.Pair
	Amount    decimal.Decimal
	Address   string
	Recipient string
}

// StepParams describes one step of a planned path together with the quote
// the user selected for the path's main leg
type StepParams struct {
	Index     int
	Path      types.Path
	Quote     *types.Quote
	Amount    decimal.Decimal // amount entering this step
	Address   string
	Recipient string
}

// Step returns the step being planned
func (p StepParams) Step() types.ActionStep {
	return p.Path[p.Index]
}

// StepQuote is a venue's description of a step it will execute
type StepQuote struct {
	Detail    types.StepDetail
	Fee       types.StepFeeInfo
	AmountOut decimal.Decimal
}

// SubmitParams identifies one attempt at submitting a step
type SubmitParams struct {
	ProcessID string
	StepID    int
	Attempt   int
	Step      types.ActionStep
	Detail    types.StepDetail
	Quote     *types.Quote
	Amount    decimal.Decimal
	Address   string
	Recipient string
	RefundTo  string
}

// ValidateParams is a route (or one step of it) to check before submission
type ValidateParams struct {
	Path   types.Path
	Index  int
	Quote  *types.Quote
	Amount decimal.Decimal
}

// Handler is the capability set every venue implements
type Handler interface {
	Venue() types.Venue
	// Shapes lists the action sequences the venue can take part in
	Shapes() []types.Shape
	// Covers reports whether the venue can execute kind over pair
	Covers(kind types.ActionKind, pair types.Pair) bool
	Quote(ctx context.Context, p QuoteParams) (*types.Quote, error)
	// QuoteStep returns nil when the step does not belong to this venue
	QuoteStep(ctx context.Context, p StepParams) (*StepQuote, error)
	// BuildSubmission must return the same artifact when called again with
	// the same params before anything was broadcast
	BuildSubmission(ctx context.Context, p SubmitParams) (*types.Artifact, error)
	Validate(ctx context.Context, p ValidateParams) []error
}

// ChainState is the read-only chain RPC view venues may consult
type ChainState interface {
	// FeeAsset returns the fee token currently configured for address on chain
	FeeAsset(ctx context.Context, chain types.ChainSlug, address string) (types.AssetRef, error)
	// CallContract performs a read-only EVM call
	CallContract(ctx context.Context, chain types.ChainSlug, to string, data []byte) ([]byte, error)
}

// Set holds one handler per venue
type Set struct {
	XCM            Handler
	DepositChannel Handler
	AMM            Handler
	Aggregator     Handler
}

// Handler resolves the handler of a venue
func (s *Set) Handler(v types.Venue) (Handler, error) {
	var h Handler
	switch v {
	case types.VenueXCM:
		h = s.XCM
	case types.VenueDepositChannel:
		h = s.DepositChannel
	case types.VenueAMM:
		h = s.AMM
	case types.VenueAggregator:
		h = s.Aggregator
	default:
		return nil, fmt.Errorf("unknown venue '%s'", v)
	}
	if h == nil {
		return nil, fmt.Errorf("venue '%s' is not configured", v)
	}
	return h, nil
}

// All returns the configured handlers in dispatch order
func (s *Set) All() []Handler {
	out := make([]Handler, 0, len(types.AllVenues))
	for _, v := range types.AllVenues {
		if h, err := s.Handler(v); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// Covering returns the handlers able to execute kind over pair
func (s *Set) Covering(kind types.ActionKind, pair types.Pair) []Handler {
	var out []Handler
	for _, h := range s.All() {
		if h.Covers(kind, pair) {
			out = append(out, h)
		}
	}
	return out
}

// supportsShape reports whether path's shape is one of shapes
func supportsShape(shapes []types.Shape, path types.Path) (types.Shape, bool) {
	shape, err := types.ShapeOf(path)
	if err != nil {
		return "", false
	}
	for _, s := range shapes {
		if s == shape {
			return shape, true
		}
	}
	return shape, false
}

// belongs decides whether step p is this venue's: the main leg belongs to the
// venue that produced the selected quote, other steps to any covering venue
func belongs(h Handler, p StepParams) bool {
	if _, ok := supportsShape(h.Shapes(), p.Path); !ok {
		return false
	}
	step := p.Step()
	if p.Index == p.Path.MainLeg() && p.Quote != nil {
		return p.Quote.Venue == h.Venue() && p.Quote.Pair == step.Pair
	}
	return h.Covers(step.Action, step.Pair)
}

// commonValidation runs the checks every venue shares
func commonValidation(h Handler, registry *chain.Registry, p ValidateParams) []error {
	var errs []error
	if !p.Amount.IsPositive() {
		errs = append(errs, types.NewValidationError("amount must be greater than 0"))
	}
	if shape, ok := supportsShape(h.Shapes(), p.Path); !ok {
		errs = append(errs, fmt.Errorf("%w: %s does not support %s", types.ErrUnsupportedActionShape, h.Venue(), shape))
		return errs
	}
	if p.Index < 0 || p.Index >= len(p.Path) {
		errs = append(errs, fmt.Errorf("step %d is outside the path", p.Index))
		return errs
	}
	step := p.Path[p.Index]
	if asset, err := registry.Asset(step.Pair.From); err != nil {
		errs = append(errs, err)
	} else if asset.MinAmount != "" {
		minimum, err := decimal.NewFromString(asset.MinAmount)
		if err == nil && p.Amount.LessThan(minimum) {
			errs = append(errs, types.NewValidationError("amount %s is below the minimum %s %s", p.Amount, minimum, asset.Symbol))
		}
	}
	if p.Quote != nil && p.Index == p.Path.MainLeg() {
		if p.Quote.Venue != h.Venue() {
			errs = append(errs, fmt.Errorf("quote from %s cannot be executed by %s", p.Quote.Venue, h.Venue()))
		}
		if !p.Quote.ToAmount.IsPositive() {
			errs = append(errs, types.NewValidationError("insufficient liquidity for %s", step.Pair))
		}
	}
	return errs
}

// toBaseUnits scales a whole-unit amount to the asset's smallest unit
func toBaseUnits(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(decimals).Truncate(0).String()
}

// fromBaseUnits scales a smallest-unit amount to whole units
func fromBaseUnits(amount string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount '%s': %w", amount, err)
	}
	return d.Shift(-decimals), nil
}

// feeOptions returns the tokens that may pay fees on c and the default one.
// The chain's current fee-asset setting wins when it is an option.
func feeOptions(ctx context.Context, state ChainState, c *chain.Chain, address string) ([]types.AssetRef, types.AssetRef) {
	options := c.FeeAssets
	if len(options) == 0 {
		options = []types.AssetRef{c.NativeAsset}
	}
	def := options[0]
	if state != nil && address != "" {
		if current, err := state.FeeAsset(ctx, c.Slug, address); err == nil {
			for _, o := range options {
				if o == current {
					def = current
				}
			}
		}
	}
	return options, def
}

// attemptKey identifies one submission attempt of one step
type attemptKey struct {
	process string
	step    int
	attempt int
}

type attemptEntry struct {
	value   any
	created time.Time
}

// attemptCache memoizes non-idempotent venue calls (opening a deposit
// channel, building an aggregator transaction) per step attempt
type attemptCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[attemptKey]attemptEntry
}

func newAttemptCache(ttl time.Duration) *attemptCache {
	return &attemptCache{ttl: ttl, entries: make(map[attemptKey]attemptEntry)}
}

// do returns the cached value for key or calls fn once to produce it.
// Callers serialize work per process, so fn never races itself for one key.
func (c *attemptCache) do(key attemptKey, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := fn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.created) > c.ttl {
			delete(c.entries, k)
		}
	}
	if e, ok := c.entries[key]; ok {
		return e.value, nil
	}
	c.entries[key] = attemptEntry{value: v, created: now}
	return v, nil
}
