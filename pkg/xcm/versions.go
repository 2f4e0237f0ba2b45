package xcm

import (
	"fmt"
)

// Version is an XCM protocol version
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
	V4 Version = 4
)

// SupportedVersions lists every version with an encoding strategy
var SupportedVersions = []Version{V1, V2, V3, V4}

// Tag returns the envelope key, e.g. "V3"
func (v Version) Tag() string {
	return fmt.Sprintf("V%d", v)
}

// ParseVersion converts an integer to a supported version
func ParseVersion(n int) (Version, error) {
	v := Version(n)
	if _, ok := strategies[v]; !ok {
		return 0, fmt.Errorf("unsupported xcm version %d", n)
	}
	return v, nil
}

// strategy holds the three encoders of one protocol version
type strategy struct {
	destination func(Location) (map[string]any, error)
	beneficiary func(Location) (map[string]any, error)
	asset       func(id Location, amount string) (map[string]any, error)
}

// version-sensitive decision points
type (
	interiorFn func(js []any) any
	junctionFn func(Junction) (any, error)
	assetIDFn  func(loc map[string]any) any
)

var strategies = map[Version]strategy{
	V1: compose(interiorLegacy, junctionLegacyNetwork, assetIDConcrete),
	V2: compose(interiorLegacy, junctionLegacyNetwork, assetIDConcrete),
	V3: compose(interiorLegacy, junctionOptionalNetwork, assetIDConcrete),
	V4: compose(interiorArray, junctionOptionalNetwork, assetIDPlain),
}

func init() {
	for _, v := range SupportedVersions {
		if _, ok := strategies[v]; !ok {
			panic(fmt.Sprintf("xcm: no encoding strategy for %s", v.Tag()))
		}
	}
}

func strategyFor(v Version) (strategy, error) {
	s, ok := strategies[v]
	if !ok {
		return strategy{}, fmt.Errorf("unsupported xcm version %d", v)
	}
	return s, nil
}

func compose(interior interiorFn, junction junctionFn, assetID assetIDFn) strategy {
	location := func(l Location) (map[string]any, error) {
		encoded := make([]any, len(l.Interior))
		for i, j := range l.Interior {
			e, err := junction(j)
			if err != nil {
				return nil, err
			}
			encoded[i] = e
		}
		return map[string]any{
			"parents":  l.Parents,
			"interior": interior(encoded),
		}, nil
	}
	return strategy{
		destination: location,
		beneficiary: location,
		asset: func(id Location, amount string) (map[string]any, error) {
			loc, err := location(id)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":  assetID(loc),
				"fun": map[string]any{"Fungible": amount},
			}, nil
		},
	}
}

// interiorLegacy wraps a single junction as a bare object and several as an array
func interiorLegacy(js []any) any {
	switch len(js) {
	case 0:
		return "Here"
	case 1:
		return map[string]any{"X1": js[0]}
	default:
		return map[string]any{fmt.Sprintf("X%d", len(js)): js}
	}
}

// interiorArray always uses the array shape, even for one junction
func interiorArray(js []any) any {
	if len(js) == 0 {
		return "Here"
	}
	return map[string]any{fmt.Sprintf("X%d", len(js)): js}
}

func assetIDConcrete(loc map[string]any) any {
	return map[string]any{"Concrete": loc}
}

func assetIDPlain(loc map[string]any) any {
	return loc
}

// junctionLegacyNetwork encodes account networks as "Any"; global consensus
// does not exist before v3.
func junctionLegacyNetwork(j Junction) (any, error) {
	if j.Kind == JunctionGlobalConsensus {
		return nil, fmt.Errorf("global consensus junctions need xcm v3 or later")
	}
	return encodeJunction(j, "Any"), nil
}

// junctionOptionalNetwork encodes account networks as null
func junctionOptionalNetwork(j Junction) (any, error) {
	return encodeJunction(j, nil), nil
}

func encodeJunction(j Junction, network any) any {
	switch j.Kind {
	case JunctionParachain:
		return map[string]any{"Parachain": j.ParaID}
	case JunctionAccountID32:
		return map[string]any{"AccountId32": map[string]any{"network": network, "id": hexBytes(j.ID)}}
	case JunctionAccountKey20:
		return map[string]any{"AccountKey20": map[string]any{"network": network, "key": hexBytes(j.ID)}}
	case JunctionPalletInstance:
		return map[string]any{"PalletInstance": j.PalletInstance}
	case JunctionGeneralIndex:
		return map[string]any{"GeneralIndex": j.GeneralIndex}
	case JunctionGlobalConsensus:
		if j.ChainID != 0 {
			return map[string]any{"GlobalConsensus": map[string]any{j.Network: map[string]any{"chainId": j.ChainID}}}
		}
		return map[string]any{"GlobalConsensus": map[string]any{j.Network: nil}}
	}
	return map[string]any{string(j.Kind): nil}
}
