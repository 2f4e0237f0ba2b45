// Package deposit signs and broadcasts step artifacts and follows them on
// chain until they are final.
package deposit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"swap-router/config"
	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/session"
	"swap-router/pkg/types"
)

// ChannelNotifier is told about deposits into deposit channels so the
// venue can pick them up sooner
type ChannelNotifier interface {
	SubmitDepositTx(ctx context.Context, depositAddress, txHash string) error
}

// SubstrateSigner signs and submits substrate extrinsics
type SubstrateSigner interface {
	Submit(ctx context.Context, a *types.Artifact) (string, error)
	Status(ctx context.Context, chain types.ChainSlug, hash string) (*client.ExtrinsicStatus, error)
	FeeAsset(ctx context.Context, chain types.ChainSlug, address string) (types.AssetRef, error)
}

type closer interface {
	Close()
}

const solanaSessionKey = "solana"

// Manager signs and broadcasts artifacts for every configured chain.
// Connections and unlocked keys are held in a session store and dropped
// after a period without use.
type Manager struct {
	registry  *chain.Registry
	evm       config.EVMConfig
	solana    config.SolanaConfig
	substrate SubstrateSigner
	notifier  ChannelNotifier
	sessions  *session.Store[closer]
	logger    zerolog.Logger

	dialEVM    func(types.ChainSlug, config.EVMNetwork) (*EVMClient, error)
	dialSolana func(config.SolanaConfig) (*SolanaClient, error)
}

// NewManager creates a manager. substrate and notifier may be nil.
func NewManager(registry *chain.Registry, cfg *config.Config, substrate SubstrateSigner, notifier ChannelNotifier, logger zerolog.Logger) *Manager {
	m := &Manager{
		registry:   registry,
		evm:        cfg.EVM,
		solana:     cfg.Solana,
		substrate:  substrate,
		notifier:   notifier,
		logger:     logger.With().Str("component", "broadcaster").Logger(),
		dialEVM:    NewEVMClient,
		dialSolana: NewSolanaClient,
	}
	ttl := cfg.Session.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	m.sessions = session.New[closer](ttl, func(key string, c closer) {
		m.logger.Debug().Str("session", key).Msg("closing idle session")
		c.Close()
	})
	return m
}

// EVM returns the client of an EVM chain, dialing it on first use
func (m *Manager) EVM(slug types.ChainSlug) (*EVMClient, error) {
	c, err := m.registry.Chain(slug)
	if err != nil {
		return nil, err
	}
	if !c.IsEVM() {
		return nil, fmt.Errorf("chain %s does not run an EVM", slug)
	}
	network, ok := m.evm.Networks[string(slug)]
	if !ok {
		return nil, fmt.Errorf("network %s not configured", slug)
	}
	if network.ChainID == 0 {
		network.ChainID = c.EVMChainID
	}

	v, err := m.sessions.GetOrCreate("evm:"+string(slug), func() (closer, error) {
		return m.dialEVM(slug, network)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EVMClient), nil
}

// Solana returns the Solana client, creating it on first use
func (m *Manager) Solana() (*SolanaClient, error) {
	v, err := m.sessions.GetOrCreate(solanaSessionKey, func() (closer, error) {
		return m.dialSolana(m.solana)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SolanaClient), nil
}

// Broadcast signs and sends artifact a. For transfers into a deposit channel
// the result's TransactionID is the deposit address.
func (m *Manager) Broadcast(ctx context.Context, a *types.Artifact) (*types.TxResult, error) {
	if a == nil || len(a.Calls) == 0 {
		return nil, fmt.Errorf("artifact has no calls")
	}
	c, err := m.registry.Chain(a.Chain)
	if err != nil {
		return nil, err
	}

	var res *types.TxResult
	switch a.Kind {
	case types.ArtifactEVM:
		res, err = m.broadcastEVM(ctx, c, a)
	case types.ArtifactSolana:
		res, err = m.broadcastSolana(ctx, a)
	case types.ArtifactSubstrate:
		res, err = m.broadcastSubstrate(ctx, a)
	case types.ArtifactTransfer:
		res, err = m.broadcastTransfer(ctx, c, a)
	default:
		return nil, fmt.Errorf("unknown artifact kind '%s'", a.Kind)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("chain", string(a.Chain)).Str("kind", string(a.Kind)).Msg("broadcast failed")
		return nil, err
	}
	res.Chain = a.Chain

	m.logger.Info().
		Str("chain", string(a.Chain)).
		Str("kind", string(a.Kind)).
		Str("tx", res.TransactionHash).
		Msg("artifact broadcast")
	return res, nil
}

func (m *Manager) broadcastEVM(ctx context.Context, c *chain.Chain, a *types.Artifact) (*types.TxResult, error) {
	ec, err := m.EVM(c.Slug)
	if err != nil {
		return nil, err
	}
	if a.From != "" && !strings.EqualFold(a.From, ec.Address().Hex()) {
		return nil, fmt.Errorf("artifact must be signed by %s but the configured key is %s", a.From, ec.Address().Hex())
	}
	hashes, err := ec.SendCalls(ctx, a.Calls)
	if err != nil {
		if len(hashes) > 0 {
			return nil, fmt.Errorf("%w (already sent: %s)", err, strings.Join(hashes, ", "))
		}
		return nil, err
	}
	last := hashes[len(hashes)-1]
	return &types.TxResult{TransactionID: last, TransactionHash: last}, nil
}

func (m *Manager) broadcastSolana(ctx context.Context, a *types.Artifact) (*types.TxResult, error) {
	sc, err := m.Solana()
	if err != nil {
		return nil, err
	}
	if a.From != "" && a.From != sc.PublicKey().String() {
		return nil, fmt.Errorf("artifact must be signed by %s but the configured key is %s", a.From, sc.PublicKey())
	}
	if len(a.Calls) != 1 || a.Calls[0].Transaction == "" {
		return nil, fmt.Errorf("solana artifacts carry exactly one transaction")
	}
	sig, err := sc.SendTransaction(ctx, a.Calls[0].Transaction)
	if err != nil {
		return nil, err
	}
	return &types.TxResult{TransactionID: sig, TransactionHash: sig}, nil
}

func (m *Manager) broadcastSubstrate(ctx context.Context, a *types.Artifact) (*types.TxResult, error) {
	if m.substrate == nil {
		return nil, fmt.Errorf("no substrate signer configured for %s", a.Chain)
	}
	hash, err := m.substrate.Submit(ctx, a)
	if err != nil {
		return nil, err
	}
	return &types.TxResult{TransactionID: hash, TransactionHash: hash}, nil
}

func (m *Manager) broadcastTransfer(ctx context.Context, c *chain.Chain, a *types.Artifact) (*types.TxResult, error) {
	call := a.Calls[0]
	asset, err := m.registry.Asset(call.Asset)
	if err != nil {
		return nil, err
	}
	if asset.Chain != c.Slug {
		return nil, fmt.Errorf("asset %s is not on %s", asset.Ref, c.Slug)
	}
	if !call.Amount.IsPositive() {
		return nil, fmt.Errorf("transfer amount must be greater than 0")
	}
	if call.Memo != "" && c.Kind != chain.KindSubstrate {
		return nil, fmt.Errorf("transfers with a memo are not supported on %s", c.Slug)
	}
	amount := call.Amount.Shift(asset.Decimals).Truncate(0).BigInt()
	contract := asset.Contract
	if asset.Native {
		contract = ""
	}

	var hash string
	switch c.Kind {
	case chain.KindEVM:
		ec, err := m.EVM(c.Slug)
		if err != nil {
			return nil, err
		}
		hash, err = ec.SendTransfer(ctx, contract, call.Recipient, amount)
		if err != nil {
			return nil, err
		}
	case chain.KindSolana:
		if !amount.IsUint64() {
			return nil, fmt.Errorf("transfer amount %s is out of range", amount)
		}
		sc, err := m.Solana()
		if err != nil {
			return nil, err
		}
		hash, err = sc.SendTransfer(ctx, contract, call.Recipient, amount.Uint64())
		if err != nil {
			return nil, err
		}
	case chain.KindSubstrate:
		res, err := m.broadcastSubstrate(ctx, a)
		if err != nil {
			return nil, err
		}
		hash = res.TransactionHash
	default:
		return nil, fmt.Errorf("transfers are not supported on %s", c.Slug)
	}

	if m.notifier != nil {
		if err := m.notifier.SubmitDepositTx(ctx, call.Recipient, hash); err != nil {
			m.logger.Warn().Err(err).Str("deposit_address", call.Recipient).Msg("failed to notify deposit")
		}
	}
	return &types.TxResult{TransactionID: call.Recipient, TransactionHash: hash}, nil
}

// FeeAsset returns the fee token configured for address on chain. Only
// substrate chains let accounts choose.
func (m *Manager) FeeAsset(ctx context.Context, slug types.ChainSlug, address string) (types.AssetRef, error) {
	c, err := m.registry.Chain(slug)
	if err != nil {
		return "", err
	}
	if c.Kind == chain.KindSubstrate && m.substrate != nil {
		return m.substrate.FeeAsset(ctx, slug, address)
	}
	return c.NativeAsset, nil
}

// CallContract performs a read-only EVM call on chain
func (m *Manager) CallContract(ctx context.Context, slug types.ChainSlug, to string, data []byte) ([]byte, error) {
	ec, err := m.EVM(slug)
	if err != nil {
		return nil, err
	}
	return ec.CallContract(ctx, to, data)
}

// SupportedChains returns the chains artifacts can be broadcast on
func (m *Manager) SupportedChains() []types.ChainSlug {
	var out []types.ChainSlug
	for _, c := range m.registry.Chains() {
		var ok bool
		switch c.Kind {
		case chain.KindSolana:
			ok = m.solana.PrivateKey != ""
		case chain.KindSubstrate:
			ok = m.substrate != nil
		}
		if !ok && c.IsEVM() {
			n, configured := m.evm.Networks[string(c.Slug)]
			ok = configured && n.PrivateKey != ""
		}
		if ok {
			out = append(out, c.Slug)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every session
func (m *Manager) Close() {
	m.sessions.Close()
}
