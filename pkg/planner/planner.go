// Package planner turns a swap request into an executable plan: it picks the
// action shape, collects quotes for the main leg, and asks the venues to
// describe every step of the chosen route.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
	"swap-router/pkg/venue"
)

// Step is one planned step of a route
type Step struct {
	Detail    types.StepDetail  `json:"detail"`
	Fee       types.StepFeeInfo `json:"fee"`
	AmountIn  decimal.Decimal   `json:"amount_in"`
	AmountOut decimal.Decimal   `json:"amount_out"`
}

// Plan is the execution plan for one selected quote
type Plan struct {
	Request  types.SwapRequest   `json:"-"`
	Shape    types.Shape         `json:"shape"`
	Path     types.Path          `json:"path"`
	Quote    *types.Quote        `json:"quote"`
	Steps    []Step              `json:"steps"`
	TotalFee []types.StepFeeInfo `json:"total_fee"`
}

// Planner plans routes over a registry and a set of venues
type Planner struct {
	registry *chain.Registry
	venues   *venue.Set
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates a planner. timeout bounds every single venue call.
func New(registry *chain.Registry, venues *venue.Set, timeout time.Duration, logger zerolog.Logger) *Planner {
	return &Planner{
		registry: registry,
		venues:   venues,
		timeout:  timeout,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// Classify decides the sequence of actions that converts req.From into req.To.
// Shapes are tried from shortest to longest; the first feasible one wins.
func (p *Planner) Classify(req *types.SwapRequest) (types.Path, error) {
	from, err := p.registry.Asset(req.From)
	if err != nil {
		return nil, err
	}
	to, err := p.registry.Asset(req.To)
	if err != nil {
		return nil, err
	}

	swap := func(a, b types.AssetRef) types.ActionStep {
		return types.ActionStep{Action: types.ActionSwap, Pair: types.Pair{From: a, To: b}}
	}
	bridge := func(a, b types.AssetRef) types.ActionStep {
		return types.ActionStep{Action: types.ActionBridge, Pair: types.Pair{From: a, To: b}}
	}

	// one venue covers both ends
	if p.covered(swap(from.Ref, to.Ref)) {
		return types.Path{swap(from.Ref, to.Ref)}, nil
	}
	if c, ok := p.registry.Counterpart(from.Ref, to.Chain); ok && c.Ref == to.Ref && p.covered(bridge(from.Ref, to.Ref)) {
		return types.Path{bridge(from.Ref, to.Ref)}, nil
	}

	// bridge out, swap on the destination chain
	if from.Chain != to.Chain {
		if mid, ok := p.registry.Counterpart(from.Ref, to.Chain); ok {
			path := types.Path{bridge(from.Ref, mid.Ref), swap(mid.Ref, to.Ref)}
			if p.covered(path...) {
				return path, nil
			}
		}
		// swap on the source chain, bridge in
		if mid, ok := p.registry.Counterpart(to.Ref, from.Chain); ok {
			path := types.Path{swap(from.Ref, mid.Ref), bridge(mid.Ref, to.Ref)}
			if p.covered(path...) {
				return path, nil
			}
		}
	}

	// bridge to a hub chain, swap there, bridge to the destination
	for _, ref := range from.Bridges {
		in, err := p.registry.Asset(ref)
		if err != nil || in.Chain == from.Chain || in.Chain == to.Chain {
			continue
		}
		out, ok := p.registry.Counterpart(to.Ref, in.Chain)
		if !ok || out.Ref == in.Ref {
			continue
		}
		path := types.Path{bridge(from.Ref, in.Ref), swap(in.Ref, out.Ref), bridge(out.Ref, to.Ref)}
		if p.covered(path...) {
			return path, nil
		}
	}

	return nil, fmt.Errorf("%w: %s to %s", types.ErrNoRouteFound, from.Ref, to.Ref)
}

// covered reports whether some venue covers every step and supports the
// shape the steps form
func (p *Planner) covered(steps ...types.ActionStep) bool {
	path := types.Path(steps)
	shape, err := types.ShapeOf(path)
	if err != nil {
		return false
	}
	for _, s := range steps {
		ok := false
		for _, h := range p.venues.Covering(s.Action, s.Pair) {
			if supports(h, shape) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func supports(h venue.Handler, shape types.Shape) bool {
	for _, s := range h.Shapes() {
		if s == shape {
			return true
		}
	}
	return false
}

// QuoteRoute asks every venue covering the main leg of path for a quote.
// Venues run concurrently; one that fails or times out simply offers nothing.
func (p *Planner) QuoteRoute(ctx context.Context, req *types.SwapRequest, path types.Path) ([]*types.Quote, error) {
	shape, err := types.ShapeOf(path)
	if err != nil {
		return nil, err
	}
	main := path[path.MainLeg()]
	// pricing works without every intermediate account; Plan insists on them
	address, recipient, _ := p.accounts(req, main)

	var handlers []venue.Handler
	for _, h := range p.venues.Covering(main.Action, main.Pair) {
		if supports(h, shape) {
			handlers = append(handlers, h)
		}
	}

	quotes := make([]*types.Quote, len(handlers))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handlers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			q, err := h.Quote(cctx, venue.QuoteParams{
				Action:    main.Action,
				Pair:      main.Pair,
				Amount:    req.Amount,
				Address:   address,
				Recipient: recipient,
			})
			if err != nil {
				p.logger.Warn().Err(err).Str("venue", string(h.Venue())).Str("pair", main.Pair.String()).Msg("venue offered no quote")
				return nil
			}
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	var out []*types.Quote
	for _, q := range quotes {
		if q != nil {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no venue quoted %s", types.ErrNoRouteFound, main.Pair)
	}
	return out, nil
}

// SelectQuote picks the quote paying out the most. Ties keep venue order.
func SelectQuote(quotes []*types.Quote) (*types.Quote, error) {
	var best *types.Quote
	for _, q := range quotes {
		if q == nil || !q.ToAmount.IsPositive() {
			continue
		}
		if best == nil || q.ToAmount.GreaterThan(best.ToAmount) {
			best = q
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no usable quote", types.ErrNoRouteFound)
	}
	return best, nil
}

// Plan describes how path executes for the chosen quote. It does no scoring:
// the main leg goes to the venue that produced quote, other steps to the first
// venue that volunteers.
func (p *Planner) Plan(ctx context.Context, req *types.SwapRequest, path types.Path, quote *types.Quote) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := path.Validate(req.From, req.To); err != nil {
		return nil, err
	}
	shape, err := types.ShapeOf(path)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, fmt.Errorf("%w: no quote selected", types.ErrNoRouteFound)
	}
	if quote.Pair != path[path.MainLeg()].Pair {
		return nil, fmt.Errorf("quote for %s does not price the main leg %s", quote.Pair, path[path.MainLeg()].Pair)
	}
	if quote.Expired(time.Now()) {
		return nil, types.ErrQuoteExpired
	}

	plan := &Plan{Request: *req, Shape: shape, Path: path, Quote: quote}
	amount := req.Amount

	for i, step := range path {
		address, recipient, err := p.accounts(req, step)
		if err != nil {
			return nil, err
		}
		params := venue.StepParams{
			Index:     i,
			Path:      path,
			Quote:     quote,
			Amount:    amount,
			Address:   address,
			Recipient: recipient,
		}

		sq, h, err := p.dispatch(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step, err)
		}
		if err := sq.Fee.Validate(); err != nil {
			return nil, fmt.Errorf("step %d fee: %w", i, err)
		}

		errs := h.Validate(ctx, venue.ValidateParams{Path: path, Index: i, Quote: quote, Amount: amount})
		if err := types.JoinValidation(errs); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step, err)
		}

		detail := sq.Detail
		detail.ID = i
		if detail.Metadata == nil {
			detail.Metadata = map[string]string{}
		}
		detail.Metadata["from_address"] = address
		detail.Metadata["recipient"] = recipient

		plan.Steps = append(plan.Steps, Step{
			Detail:    detail,
			Fee:       sq.Fee,
			AmountIn:  amount,
			AmountOut: sq.AmountOut,
		})
		plan.TotalFee = append(plan.TotalFee, sq.Fee)
		amount = sq.AmountOut
	}

	p.logger.Debug().
		Str("shape", string(shape)).
		Str("path", path.String()).
		Str("venue", string(quote.Venue)).
		Msg("route planned")
	return plan, nil
}

// dispatch offers a step to every venue in enum order and returns the first
// that volunteers. A failing venue is skipped; its error is reported only
// when nobody else takes the step.
func (p *Planner) dispatch(ctx context.Context, params venue.StepParams) (*venue.StepQuote, venue.Handler, error) {
	var lastErr error
	for _, v := range types.AllVenues {
		h, err := p.venues.Handler(v)
		if err != nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		sq, err := h.QuoteStep(cctx, params)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Str("venue", string(v)).Int("step", params.Index).Msg("venue failed to quote step")
			lastErr = fmt.Errorf("%s: %w", v, err)
			continue
		}
		if sq != nil {
			return sq, h, nil
		}
	}
	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: no venue volunteered: %w", types.ErrNoRouteFound, lastErr)
	}
	return nil, nil, fmt.Errorf("%w: no venue volunteered", types.ErrNoRouteFound)
}

// accounts returns the user's addresses on the two chains of step
func (p *Planner) accounts(req *types.SwapRequest, step types.ActionStep) (string, string, error) {
	source, err := p.registry.ChainOf(req.From)
	if err != nil {
		return "", "", err
	}
	dest, err := p.registry.ChainOf(req.To)
	if err != nil {
		return "", "", err
	}
	in, err := p.registry.ChainOf(step.Pair.From)
	if err != nil {
		return "", "", err
	}
	out, err := p.registry.ChainOf(step.Pair.To)
	if err != nil {
		return "", "", err
	}

	address := req.AccountOn(in.Slug, source.Slug, dest.Slug)
	recipient := req.AccountOn(out.Slug, source.Slug, dest.Slug)
	var missing []error
	if address == "" {
		missing = append(missing, fmt.Errorf("no account given for chain '%s'", in.Slug))
	}
	if recipient == "" && out.Slug != in.Slug {
		missing = append(missing, fmt.Errorf("no account given for chain '%s'", out.Slug))
	}
	if recipient == "" {
		recipient = address
	}
	if len(missing) > 0 {
		return address, recipient, types.NewValidationError("%v", errors.Join(missing...))
	}
	return address, recipient, nil
}

// Route classifies, quotes and plans req in one call, selecting the best quote
func (p *Planner) Route(ctx context.Context, req *types.SwapRequest) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	path, err := p.Classify(req)
	if err != nil {
		return nil, err
	}
	quotes, err := p.QuoteRoute(ctx, req, path)
	if err != nil {
		return nil, err
	}
	quote, err := SelectQuote(quotes)
	if err != nil {
		return nil, err
	}
	return p.Plan(ctx, req, path, quote)
}
