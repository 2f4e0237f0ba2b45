package xcm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

const (
	alice   = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	aliceID = "d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"
	evmAddr = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"
)

func u32(v uint32) *uint32 { return &v }
func u8(v uint8) *uint8    { return &v }
func str(v string) *string { return &v }

func testRegistry(t *testing.T) *chain.Registry {
	t.Helper()
	chains := []*chain.Chain{
		{Slug: "polkadot", Kind: chain.KindSubstrate, Relay: true, Consensus: "Polkadot", AccountModel: chain.AccountID32},
		{Slug: "kusama", Kind: chain.KindSubstrate, Relay: true, Consensus: "Kusama", AccountModel: chain.AccountID32},
		{Slug: "statemint", Kind: chain.KindSubstrate, Parachain: true, Parent: "polkadot", ParaID: 1000, AccountModel: chain.AccountID32},
		{Slug: "moonbeam", Kind: chain.KindSubstrate, Parachain: true, Parent: "polkadot", ParaID: 2004, AccountModel: chain.AccountKey20},
		{Slug: "astar", Kind: chain.KindSubstrate, Parachain: true, Parent: "polkadot", ParaID: 2006, AccountModel: chain.EVMMapped},
		{Slug: "karura", Kind: chain.KindSubstrate, Parachain: true, Parent: "kusama", ParaID: 2000, AccountModel: chain.AccountID32},
		{Slug: "orphan", Kind: chain.KindSubstrate, Parachain: true, ParaID: 3000, AccountModel: chain.AccountID32},
		{Slug: "noid", Kind: chain.KindSubstrate, Parachain: true, Parent: "polkadot", AccountModel: chain.AccountID32},
		{Slug: "ethereum", Kind: chain.KindEVM, Consensus: "Ethereum", EVMChainID: 1},
	}
	assets := []*chain.Asset{
		{Ref: "polkadot-NATIVE-DOT", Chain: "polkadot", Symbol: "DOT", Decimals: 10, Native: true,
			Location: &chain.LocationSpec{Parents: 1}},
		{Ref: "statemint-LOCAL-USDT", Chain: "statemint", Symbol: "USDT", Decimals: 6,
			Location: &chain.LocationSpec{Parents: 0, Interior: []chain.JunctionSpec{
				{Parachain: u32(1000)}, {PalletInstance: u8(50)}, {GeneralIndex: str("1984")},
			}}},
		{Ref: "statemint-LOCAL-BAD", Chain: "statemint", Symbol: "BAD", Decimals: 6,
			Location: &chain.LocationSpec{Interior: []chain.JunctionSpec{{GeneralIndex: str("-1")}}}},
		{Ref: "ethereum-ERC20-USDC", Chain: "ethereum", Symbol: "USDC", Decimals: 6},
	}
	r, err := chain.New(chains, assets)
	require.NoError(t, err)
	return r
}

func mustChain(t *testing.T, r *chain.Registry, slug types.ChainSlug) *chain.Chain {
	t.Helper()
	c, err := r.Chain(slug)
	require.NoError(t, err)
	return c
}

func toJSON(t *testing.T, d Descriptor) string {
	t.Helper()
	b, err := json.Marshal(d)
	require.NoError(t, err)
	return string(b)
}

func TestStrategyTableCoversSupportedVersions(t *testing.T) {
	for _, v := range SupportedVersions {
		_, err := strategyFor(v)
		assert.NoError(t, err, v.Tag())
	}
	_, err := strategyFor(Version(5))
	assert.Error(t, err)
	_, err = ParseVersion(0)
	assert.Error(t, err)
}

func TestBuildDestination(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)

	tests := []struct {
		name   string
		origin types.ChainSlug
		dest   types.ChainSlug
		v      Version
		want   string
	}{
		{"relay to parachain v3", "polkadot", "statemint", V3,
			`{"V3":{"parents":0,"interior":{"X1":{"Parachain":1000}}}}`},
		{"relay to parachain v4", "polkadot", "statemint", V4,
			`{"V4":{"parents":0,"interior":{"X1":[{"Parachain":1000}]}}}`},
		{"parachain to parachain v2", "moonbeam", "statemint", V2,
			`{"V2":{"parents":1,"interior":{"X1":{"Parachain":1000}}}}`},
		{"parachain to relay", "statemint", "polkadot", V3,
			`{"V3":{"parents":1,"interior":"Here"}}`},
		{"cross consensus parachain", "statemint", "karura", V3,
			`{"V3":{"parents":2,"interior":{"X2":[{"GlobalConsensus":{"Kusama":null}},{"Parachain":2000}]}}}`},
		{"cross consensus evm", "statemint", "ethereum", V4,
			`{"V4":{"parents":2,"interior":{"X1":[{"GlobalConsensus":{"Ethereum":{"chainId":1}}}]}}}`},
		{"relay to foreign relay", "polkadot", "kusama", V3,
			`{"V3":{"parents":1,"interior":{"X1":{"GlobalConsensus":{"Kusama":null}}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.BuildDestination(mustChain(t, r, tt.origin), mustChain(t, r, tt.dest), tt.v)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, toJSON(t, d))
		})
	}
}

func TestBuildDestinationLegacyVersionCannotCrossConsensus(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)
	for _, v := range []Version{V1, V2} {
		_, err := e.BuildDestination(mustChain(t, r, "statemint"), mustChain(t, r, "karura"), v)
		assert.ErrorIs(t, err, types.ErrEncodingConfiguration, v.Tag())
	}
}

func TestMissingAncestryIsConfigurationError(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)

	_, err := e.BuildDestination(mustChain(t, r, "polkadot"), mustChain(t, r, "orphan"), V3)
	assert.ErrorIs(t, err, types.ErrEncodingConfiguration)

	_, err = e.BuildInterior(mustChain(t, r, "noid"), true, V3, "")
	assert.ErrorIs(t, err, types.ErrEncodingConfiguration)
	assert.False(t, types.IsRetryable(err))
}

func TestBuildInterior(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)

	js, err := e.BuildInterior(mustChain(t, r, "polkadot"), true, V3, "")
	require.NoError(t, err)
	assert.Empty(t, js)

	js, err = e.BuildInterior(mustChain(t, r, "statemint"), true, V3, alice)
	require.NoError(t, err)
	require.Len(t, js, 2)
	assert.Equal(t, Parachain(1000), js[0])
	assert.Equal(t, JunctionAccountID32, js[1].Kind)

	js, err = e.BuildInterior(mustChain(t, r, "karura"), false, V4, "")
	require.NoError(t, err)
	assert.Equal(t, []Junction{GlobalConsensus("Kusama", 0), Parachain(2000)}, js)
}

func TestBuildBeneficiary(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)

	tests := []struct {
		dest types.ChainSlug
		v    Version
		want string
	}{
		{"statemint", V1, `{"V1":{"parents":0,"interior":{"X1":{"AccountId32":{"network":"Any","id":"0x` + aliceID + `"}}}}}`},
		{"statemint", V3, `{"V3":{"parents":0,"interior":{"X1":{"AccountId32":{"network":null,"id":"0x` + aliceID + `"}}}}}`},
		{"statemint", V4, `{"V4":{"parents":0,"interior":{"X1":[{"AccountId32":{"network":null,"id":"0x` + aliceID + `"}}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.v.Tag(), func(t *testing.T) {
			d, err := e.BuildBeneficiary(mustChain(t, r, tt.dest), alice, tt.v)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, toJSON(t, d))
		})
	}

	d, err := e.BuildBeneficiary(mustChain(t, r, "moonbeam"), evmAddr, V3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V3":{"parents":0,"interior":{"X1":{"AccountKey20":{"network":null,"key":"`+evmAddr+`"}}}}}`, toJSON(t, d))

	_, err = e.BuildBeneficiary(mustChain(t, r, "statemint"), "", V3)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)
}

func TestBuildMultiAsset(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)
	usdt, err := r.Asset("statemint-LOCAL-USDT")
	require.NoError(t, err)

	d, err := e.BuildMultiAsset(usdt, decimal.RequireFromString("12.5"), V3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V3":[{"id":{"Concrete":{"parents":0,"interior":{"X3":[{"Parachain":1000},{"PalletInstance":50},{"GeneralIndex":"1984"}]}}},"fun":{"Fungible":"12500000"}}]}`, toJSON(t, d))

	d, err = e.BuildMultiAsset(usdt, decimal.RequireFromString("12.5"), V4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V4":[{"id":{"parents":0,"interior":{"X3":[{"Parachain":1000},{"PalletInstance":50},{"GeneralIndex":"1984"}]}},"fun":{"Fungible":"12500000"}}]}`, toJSON(t, d))

	dot, err := r.Asset("polkadot-NATIVE-DOT")
	require.NoError(t, err)
	d, err = e.BuildMultiAsset(dot, decimal.NewFromInt(1), V2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V2":[{"id":{"Concrete":{"parents":1,"interior":"Here"}},"fun":{"Fungible":"10000000000"}}]}`, toJSON(t, d))

	usdc, err := r.Asset("ethereum-ERC20-USDC")
	require.NoError(t, err)
	_, err = e.BuildMultiAsset(usdc, decimal.NewFromInt(1), V3)
	assert.ErrorIs(t, err, types.ErrEncodingConfiguration)

	bad, err := r.Asset("statemint-LOCAL-BAD")
	require.NoError(t, err)
	_, err = e.BuildMultiAsset(bad, decimal.NewFromInt(1), V3)
	assert.ErrorIs(t, err, types.ErrEncodingConfiguration)

	_, err = e.BuildMultiAsset(usdt, decimal.Zero, V3)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)
}

// Version 3 wraps a single parachain junction bare, version 4 as a one-element
// array, and only version 3 keeps the Concrete wrapper on asset ids.
func TestSingleJunctionShapeV3VersusV4(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)
	origin, dest := mustChain(t, r, "moonbeam"), mustChain(t, r, "statemint")

	v3, err := e.BuildDestination(origin, dest, V3)
	require.NoError(t, err)
	v4, err := e.BuildDestination(origin, dest, V4)
	require.NoError(t, err)

	interior3 := v3["V3"].(map[string]any)["interior"].(map[string]any)["X1"]
	interior4 := v4["V4"].(map[string]any)["interior"].(map[string]any)["X1"]
	assert.IsType(t, map[string]any{}, interior3)
	assert.IsType(t, []any{}, interior4)

	dot, err := r.Asset("polkadot-NATIVE-DOT")
	require.NoError(t, err)
	a3, err := e.BuildMultiAsset(dot, decimal.NewFromInt(1), V3)
	require.NoError(t, err)
	a4, err := e.BuildMultiAsset(dot, decimal.NewFromInt(1), V4)
	require.NoError(t, err)
	assert.Contains(t, a3["V3"].([]any)[0].(map[string]any)["id"], "Concrete")
	assert.NotContains(t, a4["V4"].([]any)[0].(map[string]any)["id"], "Concrete")
}

func TestLocationRoundTrip(t *testing.T) {
	id, _ := hex.DecodeString(aliceID)
	key, _ := hex.DecodeString(evmAddr[2:])

	pool := []Junction{
		Parachain(2004),
		AccountID32(id),
		{Kind: JunctionPalletInstance, PalletInstance: 50},
		{Kind: JunctionGeneralIndex, GeneralIndex: "1984"},
		AccountKey20(key),
	}

	for _, v := range SupportedVersions {
		for parents := uint8(0); parents <= 2; parents++ {
			for n := 0; n <= len(pool); n++ {
				var interior []Junction
				if n > 0 {
					interior = pool[:n]
				}
				loc := Location{Parents: parents, Interior: interior}

				t.Run(fmt.Sprintf("%s/parents=%d/X%d", v.Tag(), parents, n), func(t *testing.T) {
					d, err := EncodeLocation(loc, v)
					require.NoError(t, err)
					raw, err := json.Marshal(d)
					require.NoError(t, err)

					gotV, got, err := DecodeLocation(raw)
					require.NoError(t, err)
					assert.Equal(t, v, gotV)
					assert.Equal(t, loc, got)
				})
			}
		}
	}

	for _, v := range []Version{V3, V4} {
		loc := Location{Parents: 2, Interior: []Junction{GlobalConsensus("Ethereum", 1)}}
		d, err := EncodeLocation(loc, v)
		require.NoError(t, err)
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		_, got, err := DecodeLocation(raw)
		require.NoError(t, err)
		assert.Equal(t, loc, got)
	}
}

func TestDecodeLocationRejectsWrongShape(t *testing.T) {
	tests := []string{
		`{"V3":{"parents":0,"interior":{"X1":[{"Parachain":1000}]}}}`,
		`{"V4":{"parents":0,"interior":{"X1":{"Parachain":1000}}}}`,
		`{"V3":{"parents":0,"interior":{"X2":[{"Parachain":1000}]}}}`,
		`{"V9":{"parents":0,"interior":"Here"}}`,
		`{"V3":{"parents":0,"interior":"There"}}`,
		`{"V3":{"parents":0,"interior":{"X1":{"Unknown":1}}}}`,
	}
	for _, raw := range tests {
		_, _, err := DecodeLocation([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestResolveAccountJunction(t *testing.T) {
	r := testRegistry(t)
	expected, _ := hex.DecodeString(aliceID)

	j, err := ResolveAccountJunction(mustChain(t, r, "statemint"), alice)
	require.NoError(t, err)
	assert.Equal(t, AccountID32(expected), j)

	j, err = ResolveAccountJunction(mustChain(t, r, "statemint"), "0x"+aliceID)
	require.NoError(t, err)
	assert.Equal(t, AccountID32(expected), j)

	_, err = ResolveAccountJunction(mustChain(t, r, "statemint"), evmAddr)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)

	j, err = ResolveAccountJunction(mustChain(t, r, "moonbeam"), evmAddr)
	require.NoError(t, err)
	assert.Equal(t, JunctionAccountKey20, j.Kind)
	assert.Len(t, j.ID, 20)

	_, err = ResolveAccountJunction(mustChain(t, r, "moonbeam"), alice)
	assert.ErrorIs(t, err, types.ErrVenueValidationFailed)

	mapped, err := ResolveAccountJunction(mustChain(t, r, "astar"), evmAddr)
	require.NoError(t, err)
	want, err := chain.EVMToAccountID(evmAddr)
	require.NoError(t, err)
	assert.Equal(t, AccountID32(want), mapped)

	j, err = ResolveAccountJunction(mustChain(t, r, "ethereum"), evmAddr)
	require.NoError(t, err)
	assert.Equal(t, JunctionAccountKey20, j.Kind)
}

func TestBuildMultiAssetFromRelay(t *testing.T) {
	r := testRegistry(t)
	e := NewEncoder(r)
	dot, err := r.Asset("polkadot-NATIVE-DOT")
	require.NoError(t, err)

	d, err := e.BuildMultiAssetFrom(mustChain(t, r, "polkadot"), dot, decimal.NewFromInt(2), V4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V4":[{"id":{"parents":0,"interior":"Here"},"fun":{"Fungible":"20000000000"}}]}`, toJSON(t, d))

	d, err = e.BuildMultiAssetFrom(mustChain(t, r, "moonbeam"), dot, decimal.NewFromInt(2), V4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V4":[{"id":{"parents":1,"interior":"Here"},"fun":{"Fungible":"20000000000"}}]}`, toJSON(t, d))
}
