package chain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"swap-router/pkg/types"
)

// Kind is the execution environment of a chain
type Kind string

const (
	KindSubstrate Kind = "substrate"
	KindEVM       Kind = "evm"
	KindSolana    Kind = "solana"
)

// AccountModel decides how a recipient is expressed in a cross-chain message
type AccountModel string

const (
	AccountID32  AccountModel = "account_id32"  // 32-byte public key
	AccountKey20 AccountModel = "account_key20" // 20-byte EVM address
	EVMMapped    AccountModel = "evm_mapped"    // EVM address hashed into a 32-byte native account
)

// Chain describes one chain of the registry
type Chain struct {
	Slug         types.ChainSlug  `yaml:"slug" json:"slug"`
	Name         string           `yaml:"name" json:"name"`
	Kind         Kind             `yaml:"kind" json:"kind"`
	Relay        bool             `yaml:"relay,omitempty" json:"relay,omitempty"`
	Parachain    bool             `yaml:"parachain,omitempty" json:"parachain,omitempty"`
	Parent       types.ChainSlug  `yaml:"parent,omitempty" json:"parent,omitempty"`
	ParaID       uint32           `yaml:"para_id,omitempty" json:"para_id,omitempty"`
	Consensus    string           `yaml:"consensus,omitempty" json:"consensus,omitempty"`
	AccountModel AccountModel     `yaml:"account_model" json:"account_model"`
	SS58Prefix   uint16           `yaml:"ss58_prefix,omitempty" json:"ss58_prefix,omitempty"`
	EVMChainID   int64            `yaml:"evm_chain_id,omitempty" json:"evm_chain_id,omitempty"`
	XCMVersion   int              `yaml:"xcm_version,omitempty" json:"xcm_version,omitempty"`
	NativeAsset  types.AssetRef   `yaml:"native_asset" json:"native_asset"`
	FeeAssets    []types.AssetRef `yaml:"fee_assets,omitempty" json:"fee_assets,omitempty"`
	AMMRouter    string           `yaml:"amm_router,omitempty" json:"amm_router,omitempty"`
	Aggregator   bool             `yaml:"aggregator,omitempty" json:"aggregator,omitempty"`
	OneClick     string           `yaml:"oneclick,omitempty" json:"oneclick,omitempty"`
	XCMFee       string           `yaml:"xcm_fee,omitempty" json:"xcm_fee,omitempty"`
}

// IsSubstrate reports whether XCM can originate or land on the chain
func (c *Chain) IsSubstrate() bool {
	return c.Kind == KindSubstrate
}

// IsEVM reports whether the chain accepts EVM transactions. Substrate chains
// with an EVM pallet carry an evm_chain_id.
func (c *Chain) IsEVM() bool {
	return c.Kind == KindEVM || c.EVMChainID != 0
}

// JunctionSpec is one hop of an asset's location as written in the registry file.
// Exactly one field is set.
type JunctionSpec struct {
	Parachain       *uint32 `yaml:"parachain,omitempty" json:"parachain,omitempty"`
	PalletInstance  *uint8  `yaml:"pallet_instance,omitempty" json:"pallet_instance,omitempty"`
	GeneralIndex    *string `yaml:"general_index,omitempty" json:"general_index,omitempty"`
	GlobalConsensus string  `yaml:"global_consensus,omitempty" json:"global_consensus,omitempty"`
}

// LocationSpec is an asset's location relative to its chain's consensus view
type LocationSpec struct {
	Parents  uint8          `yaml:"parents" json:"parents"`
	Interior []JunctionSpec `yaml:"interior,omitempty" json:"interior,omitempty"`
}

// Asset describes one fungible asset on one chain
type Asset struct {
	Ref        types.AssetRef   `yaml:"ref" json:"ref"`
	Chain      types.ChainSlug  `yaml:"chain" json:"chain"`
	Symbol     string           `yaml:"symbol" json:"symbol"`
	Decimals   int32            `yaml:"decimals" json:"decimals"`
	Native     bool             `yaml:"native,omitempty" json:"native,omitempty"`
	Contract   string           `yaml:"contract,omitempty" json:"contract,omitempty"`
	OneClickID string           `yaml:"oneclick_id,omitempty" json:"oneclick_id,omitempty"`
	Location   *LocationSpec    `yaml:"xcm_location,omitempty" json:"xcm_location,omitempty"`
	Bridges    []types.AssetRef `yaml:"bridges,omitempty" json:"bridges,omitempty"`
	MinAmount  string           `yaml:"min_amount,omitempty" json:"min_amount,omitempty"`
}

// file is the on-disk registry layout
type file struct {
	Chains []*Chain `yaml:"chains"`
	Assets []*Asset `yaml:"assets"`
}

// Registry holds the chain and asset catalog. It is read-only after Load.
type Registry struct {
	chains map[types.ChainSlug]*Chain
	assets map[types.AssetRef]*Asset
}

// LoadFile reads a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain registry: %w", err)
	}
	return New(f.Chains, f.Assets)
}

// New builds a registry from chain and asset lists
func New(chains []*Chain, assets []*Asset) (*Registry, error) {
	r := &Registry{
		chains: make(map[types.ChainSlug]*Chain, len(chains)),
		assets: make(map[types.AssetRef]*Asset, len(assets)),
	}
	for _, c := range chains {
		if c.Slug == "" {
			return nil, fmt.Errorf("chain without slug")
		}
		if _, exists := r.chains[c.Slug]; exists {
			return nil, fmt.Errorf("duplicate chain '%s'", c.Slug)
		}
		r.chains[c.Slug] = c
	}
	for _, a := range assets {
		if _, ok := r.chains[a.Chain]; !ok {
			return nil, fmt.Errorf("asset '%s' references unknown chain '%s'", a.Ref, a.Chain)
		}
		if _, exists := r.assets[a.Ref]; exists {
			return nil, fmt.Errorf("duplicate asset '%s'", a.Ref)
		}
		r.assets[a.Ref] = a
	}
	for _, a := range assets {
		for _, b := range a.Bridges {
			if _, ok := r.assets[b]; !ok {
				return nil, fmt.Errorf("asset '%s' bridges to unknown asset '%s'", a.Ref, b)
			}
		}
	}
	return r, nil
}

// Chain returns a chain by slug
func (r *Registry) Chain(slug types.ChainSlug) (*Chain, error) {
	c, ok := r.chains[slug]
	if !ok {
		return nil, fmt.Errorf("chain '%s': %w", slug, types.ErrNotFound)
	}
	return c, nil
}

// Asset returns an asset by reference
func (r *Registry) Asset(ref types.AssetRef) (*Asset, error) {
	a, ok := r.assets[ref]
	if !ok {
		return nil, fmt.Errorf("asset '%s': %w", ref, types.ErrNotFound)
	}
	return a, nil
}

// ChainOf returns the chain an asset lives on
func (r *Registry) ChainOf(ref types.AssetRef) (*Chain, error) {
	a, err := r.Asset(ref)
	if err != nil {
		return nil, err
	}
	return r.Chain(a.Chain)
}

// Chains returns all chains sorted by slug
func (r *Registry) Chains() []*Chain {
	out := make([]*Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Assets returns all assets, optionally filtered by chain, sorted by ref
func (r *Registry) Assets(chain types.ChainSlug) []*Asset {
	out := make([]*Asset, 0, len(r.assets))
	for _, a := range r.assets {
		if chain == "" || a.Chain == chain {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// FindAsset looks an asset up by symbol on a chain
func (r *Registry) FindAsset(symbol string, chain types.ChainSlug) (*Asset, error) {
	for _, a := range r.Assets(chain) {
		if a.Symbol == symbol {
			return a, nil
		}
	}
	return nil, fmt.Errorf("asset '%s' on chain '%s': %w", symbol, chain, types.ErrNotFound)
}

// Counterpart returns the bridged version of an asset on another chain
func (r *Registry) Counterpart(ref types.AssetRef, chain types.ChainSlug) (*Asset, bool) {
	a, err := r.Asset(ref)
	if err != nil {
		return nil, false
	}
	for _, b := range a.Bridges {
		if other := r.assets[b]; other != nil && other.Chain == chain {
			return other, true
		}
	}
	return nil, false
}

// Parent returns the relay chain a parachain is attached to. A parachain
// without a declared, known parent is a configuration error.
func (r *Registry) Parent(c *Chain) (*Chain, error) {
	if !c.Parachain {
		return nil, nil
	}
	if c.Parent == "" {
		return nil, fmt.Errorf("%w: parachain '%s' declares no parent relay chain",
			types.ErrEncodingConfiguration, c.Slug)
	}
	p, ok := r.chains[c.Parent]
	if !ok {
		return nil, fmt.Errorf("%w: parent '%s' of parachain '%s' is not in the registry",
			types.ErrEncodingConfiguration, c.Parent, c.Slug)
	}
	return p, nil
}

// ConsensusOf returns the global consensus network a chain belongs to
func (r *Registry) ConsensusOf(c *Chain) (string, error) {
	root := c
	if c.Parachain {
		p, err := r.Parent(c)
		if err != nil {
			return "", err
		}
		root = p
	}
	if root.Consensus == "" {
		return "", fmt.Errorf("%w: chain '%s' declares no consensus network",
			types.ErrEncodingConfiguration, root.Slug)
	}
	return root.Consensus, nil
}

// SameConsensus reports whether two chains share relay-chain ancestry
func (r *Registry) SameConsensus(a, b *Chain) (bool, error) {
	ca, err := r.ConsensusOf(a)
	if err != nil {
		return false, err
	}
	cb, err := r.ConsensusOf(b)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}
