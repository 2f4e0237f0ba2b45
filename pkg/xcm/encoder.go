package xcm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

// Encoder builds message descriptors for chains of a registry
type Encoder struct {
	registry *chain.Registry
}

// NewEncoder creates an encoder over the chain registry
func NewEncoder(registry *chain.Registry) *Encoder {
	return &Encoder{registry: registry}
}

// Destination computes the logical destination location as seen from origin
func (e *Encoder) Destination(origin, dest *chain.Chain) (Location, error) {
	same, err := e.registry.SameConsensus(origin, dest)
	if err != nil {
		return Location{}, err
	}

	var parents uint8
	if origin.Parachain {
		parents++
	}
	if !same {
		parents++
	}

	interior, err := e.interior(dest, same, "")
	if err != nil {
		return Location{}, err
	}
	return Location{Parents: parents, Interior: interior}, nil
}

// BuildDestination encodes where a transfer from origin to dest lands
func (e *Encoder) BuildDestination(origin, dest *chain.Chain, v Version) (Descriptor, error) {
	loc, err := e.Destination(origin, dest)
	if err != nil {
		return nil, err
	}
	return EncodeLocation(loc, v)
}

// BuildInterior assembles the junctions of a destination: a consensus
// anchor when crossing domains, the parachain id when dest is a parachain,
// then the recipient account when one is given. An empty result encodes as Here.
func (e *Encoder) BuildInterior(dest *chain.Chain, sameDomain bool, v Version, recipient string) ([]Junction, error) {
	s, err := strategyFor(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	js, err := e.interior(dest, sameDomain, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := s.destination(Location{Interior: js}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrEncodingConfiguration, dest.Slug, err)
	}
	return js, nil
}

func (e *Encoder) interior(dest *chain.Chain, sameDomain bool, recipient string) ([]Junction, error) {
	var js []Junction

	if !sameDomain {
		network, err := e.registry.ConsensusOf(dest)
		if err != nil {
			return nil, err
		}
		var chainID int64
		if dest.Kind == chain.KindEVM {
			chainID = dest.EVMChainID
		}
		js = append(js, GlobalConsensus(network, chainID))
	}

	if dest.Parachain {
		if _, err := e.registry.Parent(dest); err != nil {
			return nil, err
		}
		if dest.ParaID == 0 {
			return nil, fmt.Errorf("%w: parachain '%s' declares no para id",
				types.ErrEncodingConfiguration, dest.Slug)
		}
		js = append(js, Parachain(dest.ParaID))
	}

	if recipient != "" {
		acc, err := ResolveAccountJunction(dest, recipient)
		if err != nil {
			return nil, err
		}
		js = append(js, acc)
	}
	return js, nil
}

// BuildBeneficiary encodes who receives the transfer on dest
func (e *Encoder) BuildBeneficiary(dest *chain.Chain, recipient string, v Version) (Descriptor, error) {
	s, err := strategyFor(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	if recipient == "" {
		return nil, types.NewValidationError("beneficiary requires a recipient")
	}
	acc, err := ResolveAccountJunction(dest, recipient)
	if err != nil {
		return nil, err
	}
	enc, err := s.beneficiary(Location{Interior: []Junction{acc}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	return Descriptor{v.Tag(): enc}, nil
}

// BuildMultiAsset encodes what is transferred. amount is in whole units and
// is scaled by the asset's decimals.
func (e *Encoder) BuildMultiAsset(asset *chain.Asset, amount decimal.Decimal, v Version) (Descriptor, error) {
	s, err := strategyFor(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	id, err := AssetLocation(asset)
	if err != nil {
		return nil, err
	}
	return e.encodeAsset(s, asset, id, amount, v)
}

// BuildMultiAssetFrom encodes an asset as seen from origin. Registry
// locations are written from a parachain's view, so a relay origin sits one
// hop lower.
func (e *Encoder) BuildMultiAssetFrom(origin *chain.Chain, asset *chain.Asset, amount decimal.Decimal, v Version) (Descriptor, error) {
	s, err := strategyFor(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	id, err := AssetLocation(asset)
	if err != nil {
		return nil, err
	}
	if !origin.Parachain && origin.IsSubstrate() && id.Parents > 0 {
		id.Parents--
	}
	return e.encodeAsset(s, asset, id, amount, v)
}

func (e *Encoder) encodeAsset(s strategy, asset *chain.Asset, id Location, amount decimal.Decimal, v Version) (Descriptor, error) {
	if !amount.IsPositive() {
		return nil, types.NewValidationError("amount must be positive, got %s", amount)
	}
	base := amount.Shift(asset.Decimals).Truncate(0)

	enc, err := s.asset(id, base.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrEncodingConfiguration, asset.Ref, err)
	}
	return Descriptor{v.Tag(): []any{enc}}, nil
}

// EncodeLocation renders a logical location in the shape of version v
func EncodeLocation(loc Location, v Version) (Descriptor, error) {
	s, err := strategyFor(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	enc, err := s.destination(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncodingConfiguration, err)
	}
	return Descriptor{v.Tag(): enc}, nil
}

// AssetLocation converts an asset's registry location into junctions
func AssetLocation(asset *chain.Asset) (Location, error) {
	if asset.Location == nil {
		return Location{}, fmt.Errorf("%w: asset '%s' has no xcm location",
			types.ErrEncodingConfiguration, asset.Ref)
	}
	loc := Location{Parents: asset.Location.Parents}
	for i, js := range asset.Location.Interior {
		switch {
		case js.Parachain != nil:
			loc.Interior = append(loc.Interior, Parachain(*js.Parachain))
		case js.PalletInstance != nil:
			loc.Interior = append(loc.Interior, Junction{Kind: JunctionPalletInstance, PalletInstance: *js.PalletInstance})
		case js.GeneralIndex != nil:
			if !validGeneralIndex(*js.GeneralIndex) {
				return Location{}, fmt.Errorf("%w: asset '%s' junction %d: invalid general index '%s'",
					types.ErrEncodingConfiguration, asset.Ref, i, *js.GeneralIndex)
			}
			loc.Interior = append(loc.Interior, Junction{Kind: JunctionGeneralIndex, GeneralIndex: *js.GeneralIndex})
		case js.GlobalConsensus != "":
			loc.Interior = append(loc.Interior, GlobalConsensus(js.GlobalConsensus, 0))
		default:
			return Location{}, fmt.Errorf("%w: asset '%s' junction %d is empty",
				types.ErrEncodingConfiguration, asset.Ref, i)
		}
	}
	return loc, nil
}

// validGeneralIndex accepts an unsigned integer written in base 10
func validGeneralIndex(s string) bool {
	if s == "" {
		return false
	}
	n, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	return n.IsInteger() && !n.IsNegative() && n.String() == s
}
