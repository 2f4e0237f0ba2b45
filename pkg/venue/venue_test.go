package venue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/config"
	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/types"
)

const (
	alice   = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	evmAddr = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

func registry(t *testing.T) *chain.Registry {
	t.Helper()
	r, err := (&config.Config{}).Registry()
	require.NoError(t, err)
	return r
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeState struct {
	router   *AMM
	outRatio decimal.Decimal
	calls    int
}

func (f *fakeState) FeeAsset(context.Context, types.ChainSlug, string) (types.AssetRef, error) {
	return "", errors.New("not supported")
}

// CallContract answers getAmountsOut with amountIn * outRatio, rescaled from
// 10 to 6 decimals
func (f *fakeState) CallContract(_ context.Context, _ types.ChainSlug, _ string, data []byte) ([]byte, error) {
	f.calls++
	method := f.router.router.Methods["getAmountsOut"]
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	in := args[0].(*big.Int)
	out := decimal.NewFromBigInt(in, -10).Mul(f.outRatio).Shift(6).Truncate(0).BigInt()
	return method.Outputs.Pack([]*big.Int{in, out})
}

type fakeChannelAPI struct {
	mu    sync.Mutex
	opens int
	dry   int
	out   decimal.Decimal
}

func (f *fakeChannelAPI) RequestQuote(_ context.Context, req client.ChannelQuoteRequest) (*client.ChannelQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Dry {
		f.dry++
		return &client.ChannelQuote{AmountOut: f.out, TimeEstimate: 30 * time.Second}, nil
	}
	f.opens++
	return &client.ChannelQuote{
		DepositAddress: fmt.Sprintf("deposit-%d", f.opens),
		DepositMemo:    "memo",
		AmountOut:      f.out,
	}, nil
}

type fakeAggregatorAPI struct {
	swaps int
	tx    string
}

func (f *fakeAggregatorAPI) Quote(_ context.Context, in, out, amount string) (*client.AggregatorQuote, error) {
	return &client.AggregatorQuote{
		InputMint:      in,
		OutputMint:     out,
		InAmount:       amount,
		OutAmount:      "151230000",
		MinOutAmount:   "150474000",
		PriceImpactPct: "0.0001",
		Routes:         []client.AggregatorRoute{{Label: "Whirlpool", FeeMint: in, FeeAmount: "2500000"}},
		Raw:            []byte(`{"outAmount":"151230000"}`),
	}, nil
}

func (f *fakeAggregatorAPI) SwapTransaction(context.Context, *client.AggregatorQuote, string) (string, error) {
	f.swaps++
	return f.tx, nil
}

func unsignedSolanaTx(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	// one zeroed signature slot, as the aggregator returns it
	raw := append([]byte{1}, make([]byte, 64)...)
	return base64.StdEncoding.EncodeToString(append(raw, msg...))
}

func TestSetResolvesEveryVenue(t *testing.T) {
	r := registry(t)
	amm, err := NewAMM(r, nil, time.Minute)
	require.NoError(t, err)
	set := &Set{
		XCM:            NewXCM(r, nil, time.Minute),
		DepositChannel: NewDepositChannel(r, &fakeChannelAPI{}, time.Minute),
		AMM:            amm,
		Aggregator:     NewAggregator(r, &fakeAggregatorAPI{}, time.Minute),
	}
	for _, v := range types.AllVenues {
		h, err := set.Handler(v)
		require.NoError(t, err, v)
		assert.Equal(t, v, h.Venue())
	}
	assert.Len(t, set.All(), len(types.AllVenues))

	_, err = set.Handler("teleport")
	assert.Error(t, err)

	partial := &Set{XCM: set.XCM}
	_, err = partial.Handler(types.VenueAMM)
	assert.ErrorContains(t, err, "not configured")
	assert.Len(t, partial.All(), 1)
}

func TestCovers(t *testing.T) {
	r := registry(t)
	amm, err := NewAMM(r, nil, time.Minute)
	require.NoError(t, err)
	set := &Set{
		XCM:            NewXCM(r, nil, time.Minute),
		DepositChannel: NewDepositChannel(r, &fakeChannelAPI{}, time.Minute),
		AMM:            amm,
		Aggregator:     NewAggregator(r, &fakeAggregatorAPI{}, time.Minute),
	}

	tests := []struct {
		kind types.ActionKind
		pair types.Pair
		want []types.Venue
	}{
		{types.ActionBridge, types.Pair{From: "polkadot-NATIVE-DOT", To: "moonbeam-LOCAL-xcDOT"}, []types.Venue{types.VenueXCM}},
		{types.ActionBridge, types.Pair{From: "polkadot-NATIVE-DOT", To: "moonbeam-LOCAL-xcUSDT"}, nil},
		{types.ActionSwap, types.Pair{From: "moonbeam-LOCAL-xcDOT", To: "moonbeam-LOCAL-xcUSDT"}, []types.Venue{types.VenueAMM}},
		{types.ActionSwap, types.Pair{From: "ethereum-NATIVE-ETH", To: "solana-NATIVE-SOL"}, []types.Venue{types.VenueDepositChannel}},
		{types.ActionSwap, types.Pair{From: "solana-NATIVE-SOL", To: "solana-SPL-USDC"}, []types.Venue{types.VenueDepositChannel, types.VenueAggregator}},
		{types.ActionBridge, types.Pair{From: "ethereum-ERC20-USDC", To: "solana-SPL-USDC"}, []types.Venue{types.VenueDepositChannel}},
	}
	for _, tt := range tests {
		t.Run(tt.pair.String(), func(t *testing.T) {
			var got []types.Venue
			for _, h := range set.Covering(tt.kind, tt.pair) {
				got = append(got, h.Venue())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestXCMSubmissionIsPure(t *testing.T) {
	r := registry(t)
	v := NewXCM(r, nil, time.Minute)
	ctx := context.Background()
	pair := types.Pair{From: "polkadot-NATIVE-DOT", To: "moonbeam-LOCAL-xcDOT"}
	path := types.Path{{Action: types.ActionBridge, Pair: pair}}

	q, err := v.Quote(ctx, QuoteParams{Action: types.ActionBridge, Pair: pair, Amount: dec("5"), Address: alice})
	require.NoError(t, err)
	assert.True(t, q.ToAmount.Equal(dec("5")))
	assert.True(t, q.FeeInfo.Total("polkadot-NATIVE-DOT").Equal(dec("0.05")))
	assert.True(t, q.FeeInfo.Total("moonbeam-NATIVE-GLMR").Equal(dec("0.1")))

	sq, err := v.QuoteStep(ctx, StepParams{Index: 0, Path: path, Quote: q, Amount: dec("5")})
	require.NoError(t, err)
	require.NotNil(t, sq)
	assert.Equal(t, "3", sq.Detail.Metadata["xcm_version"])

	params := SubmitParams{
		ProcessID: "p1", StepID: 0, Attempt: 1,
		Step: path[0], Detail: sq.Detail, Quote: q,
		Amount: dec("5"), Address: alice, Recipient: evmAddr,
	}
	first, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	second, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first.Calls, 1)
	call := first.Calls[0]
	assert.Equal(t, types.ArtifactSubstrate, first.Kind)
	assert.Equal(t, "xcmPallet", call.Pallet)
	assert.Equal(t, "transfer_assets", call.Method)
	assert.Contains(t, call.Args, "dest")
	assert.Contains(t, call.Args, "beneficiary")

	params.Recipient = alice
	_, err = v.BuildSubmission(ctx, params)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)
}

func TestDepositChannelOpensOncePerAttempt(t *testing.T) {
	r := registry(t)
	api := &fakeChannelAPI{out: dec("0.015")}
	v := NewDepositChannel(r, api, time.Minute)
	ctx := context.Background()
	pair := types.Pair{From: "ethereum-NATIVE-ETH", To: "solana-NATIVE-SOL"}
	path := types.Path{{Action: types.ActionSwap, Pair: pair}}

	q, err := v.Quote(ctx, QuoteParams{Action: types.ActionSwap, Pair: pair, Amount: dec("0.001"), Address: evmAddr})
	require.NoError(t, err)
	assert.Equal(t, 1, api.dry)
	assert.Equal(t, 0, api.opens)
	assert.Equal(t, "30s", q.Raw["time_estimate"])

	params := SubmitParams{
		ProcessID: "p1", StepID: 0, Attempt: 1,
		Step: path[0], Quote: q, Amount: dec("0.001"),
		Address: evmAddr, Recipient: "sol-recipient", RefundTo: evmAddr,
	}
	first, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	second, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, api.opens)
	assert.Equal(t, "deposit-1", first.Calls[0].Recipient)
	assert.Equal(t, types.ArtifactTransfer, first.Kind)
	assert.Equal(t, types.AssetRef("ethereum-NATIVE-ETH"), first.Calls[0].Asset)

	params.Attempt = 2
	third, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "deposit-2", third.Calls[0].Recipient)
}

func TestDepositChannelRejectsWorseChannel(t *testing.T) {
	r := registry(t)
	api := &fakeChannelAPI{out: dec("0.015")}
	v := NewDepositChannel(r, api, time.Minute)
	ctx := context.Background()
	pair := types.Pair{From: "ethereum-NATIVE-ETH", To: "solana-NATIVE-SOL"}

	q, err := v.Quote(ctx, QuoteParams{Action: types.ActionSwap, Pair: pair, Amount: dec("0.001"), Address: evmAddr})
	require.NoError(t, err)

	api.out = dec("0.01")
	_, err = v.BuildSubmission(ctx, SubmitParams{
		ProcessID: "p1", Attempt: 1, Step: types.ActionStep{Action: types.ActionSwap, Pair: pair},
		Quote: q, Amount: dec("0.001"), Address: evmAddr, Recipient: "sol",
	})
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)
}

func TestAMMQuoteAndSubmission(t *testing.T) {
	r := registry(t)
	state := &fakeState{outRatio: dec("4.5")}
	v, err := NewAMM(r, state, time.Minute)
	require.NoError(t, err)
	state.router = v
	ctx := context.Background()
	pair := types.Pair{From: "moonbeam-LOCAL-xcDOT", To: "moonbeam-LOCAL-xcUSDT"}
	path := types.Path{{Action: types.ActionSwap, Pair: pair}}

	q, err := v.Quote(ctx, QuoteParams{Action: types.ActionSwap, Pair: pair, Amount: dec("10"), Address: evmAddr})
	require.NoError(t, err)
	assert.True(t, q.ToAmount.Equal(dec("45")), q.ToAmount.String())
	assert.True(t, q.FeeInfo.Total("moonbeam-LOCAL-xcDOT").Equal(dec("0.03")))

	sq, err := v.QuoteStep(ctx, StepParams{Index: 0, Path: path, Quote: q, Amount: dec("10")})
	require.NoError(t, err)
	require.NotNil(t, sq)
	assert.Equal(t, "44.775", sq.Detail.Metadata["min_amount"])

	params := SubmitParams{
		ProcessID: "p1", Attempt: 1, Step: path[0], Detail: sq.Detail, Quote: q,
		Amount: dec("10"), Address: evmAddr, Recipient: evmAddr,
	}
	art, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	again, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, art, again)

	require.Len(t, art.Calls, 2)
	assert.Equal(t, types.ArtifactEVM, art.Kind)
	assert.True(t, strings.EqualFold("0xFfFFfFff1FcaCBd218EDc0EbA20Fc2308C778080", art.Calls[0].To))

	swap := v.router.Methods["swapExactTokensForTokens"]
	args, err := swap.Inputs.Unpack(common.Hex2Bytes(art.Calls[1].Data)[4:])
	require.NoError(t, err)
	assert.Equal(t, "100000000000", args[0].(*big.Int).String())
	assert.Equal(t, "44775000", args[1].(*big.Int).String())
	assert.Equal(t, q.AliveUntil.Unix(), args[4].(*big.Int).Int64())

	params.Quote = nil
	_, err = v.BuildSubmission(ctx, params)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)
}

func TestAggregatorSubmission(t *testing.T) {
	r := registry(t)
	wallet := solana.NewWallet().PublicKey()
	api := &fakeAggregatorAPI{tx: unsignedSolanaTx(t, wallet)}
	v := NewAggregator(r, api, time.Minute)
	ctx := context.Background()
	pair := types.Pair{From: "solana-NATIVE-SOL", To: "solana-SPL-USDC"}
	path := types.Path{{Action: types.ActionSwap, Pair: pair}}

	q, err := v.Quote(ctx, QuoteParams{Action: types.ActionSwap, Pair: pair, Amount: dec("1"), Address: wallet.String()})
	require.NoError(t, err)
	assert.True(t, q.ToAmount.Equal(dec("151.23")))
	assert.True(t, q.FeeInfo.Total("solana-NATIVE-SOL").Equal(dec("0.002505")))
	assert.NotEmpty(t, q.Raw["quote"])

	params := SubmitParams{
		ProcessID: "p1", Attempt: 1, Step: path[0], Quote: q,
		Amount: dec("1"), Address: wallet.String(), Recipient: wallet.String(),
	}
	art, err := v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	_, err = v.BuildSubmission(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 1, api.swaps)
	assert.Equal(t, types.ArtifactSolana, art.Kind)
	assert.Equal(t, api.tx, art.Calls[0].Transaction)

	params.Attempt = 2
	params.Recipient = solana.NewWallet().PublicKey().String()
	_, err = v.BuildSubmission(ctx, params)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)

	api.tx = "bm90IGEgdHJhbnNhY3Rpb24="
	params.Attempt = 3
	params.Recipient = ""
	_, err = v.BuildSubmission(ctx, params)
	assert.Error(t, err)
}

func TestQuoteStepBelongsToQuotingVenue(t *testing.T) {
	r := registry(t)
	channel := NewDepositChannel(r, &fakeChannelAPI{out: dec("150")}, time.Minute)
	agg := NewAggregator(r, &fakeAggregatorAPI{}, time.Minute)
	ctx := context.Background()
	pair := types.Pair{From: "solana-NATIVE-SOL", To: "solana-SPL-USDC"}
	path := types.Path{{Action: types.ActionSwap, Pair: pair}}

	q, err := agg.Quote(ctx, QuoteParams{Action: types.ActionSwap, Pair: pair, Amount: dec("1")})
	require.NoError(t, err)

	sq, err := channel.QuoteStep(ctx, StepParams{Index: 0, Path: path, Quote: q, Amount: dec("1")})
	require.NoError(t, err)
	assert.Nil(t, sq)

	sq, err = agg.QuoteStep(ctx, StepParams{Index: 0, Path: path, Quote: q, Amount: dec("1")})
	require.NoError(t, err)
	require.NotNil(t, sq)
	assert.Equal(t, types.VenueAggregator, sq.Detail.Venue)
}

func TestValidate(t *testing.T) {
	r := registry(t)
	ctx := context.Background()
	xcmVenue := NewXCM(r, nil, time.Minute)
	agg := NewAggregator(r, &fakeAggregatorAPI{}, time.Minute)

	bridge := types.Path{{Action: types.ActionBridge, Pair: types.Pair{From: "polkadot-NATIVE-DOT", To: "moonbeam-LOCAL-xcDOT"}}}
	assert.Empty(t, xcmVenue.Validate(ctx, ValidateParams{Path: bridge, Index: 0, Amount: dec("2")}))

	errs := xcmVenue.Validate(ctx, ValidateParams{Path: bridge, Index: 0, Amount: dec("0.5")})
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, types.JoinValidation(errs), types.ErrVenueValidationFailed)

	errs = xcmVenue.Validate(ctx, ValidateParams{Path: bridge, Index: 0, Amount: decimal.Zero})
	assert.ErrorIs(t, types.JoinValidation(errs), types.ErrVenueValidationFailed)

	bridgeSwap := types.Path{
		{Action: types.ActionBridge, Pair: types.Pair{From: "ethereum-ERC20-USDC", To: "solana-SPL-USDC"}},
		{Action: types.ActionSwap, Pair: types.Pair{From: "solana-SPL-USDC", To: "solana-NATIVE-SOL"}},
	}
	errs = agg.Validate(ctx, ValidateParams{Path: bridgeSwap, Index: 1, Amount: dec("10")})
	assert.ErrorIs(t, types.JoinValidation(errs), types.ErrUnsupportedActionShape)

	quote := &types.Quote{Venue: types.VenueAMM, ToAmount: dec("1")}
	bridgeQuote := &types.Quote{Venue: types.VenueXCM, ToAmount: decimal.Zero}
	swap := types.Path{{Action: types.ActionSwap, Pair: types.Pair{From: "solana-NATIVE-SOL", To: "solana-SPL-USDC"}}}
	errs = agg.Validate(ctx, ValidateParams{Path: swap, Index: 0, Quote: quote, Amount: dec("1")})
	assert.NotEmpty(t, errs)
	errs = xcmVenue.Validate(ctx, ValidateParams{Path: bridge, Index: 0, Quote: bridgeQuote, Amount: dec("2")})
	assert.ErrorIs(t, types.JoinValidation(errs), types.ErrVenueValidationFailed)
}

func TestAttemptCache(t *testing.T) {
	c := newAttemptCache(time.Minute)
	calls := 0
	fn := func() (any, error) { calls++; return calls, nil }
	k := attemptKey{process: "p", step: 1, attempt: 1}

	v1, err := c.do(k, fn)
	require.NoError(t, err)
	v2, err := c.do(k, fn)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)

	_, err = c.do(attemptKey{process: "p", step: 1, attempt: 2}, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = c.do(attemptKey{process: "q"}, func() (any, error) { return nil, errors.New("down") })
	assert.Error(t, err)
	_, ok := c.entries[attemptKey{process: "q"}]
	assert.False(t, ok)
}
