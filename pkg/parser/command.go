// Package parser turns short swap commands into swap requests
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"swap-router/pkg/chain"
	"swap-router/pkg/types"
)

// <amount> <asset> to <asset>, where an asset is SYMBOL@chain or a full ref
var commandPattern = regexp.MustCompile(`(?i)^(?:swap\s+)?(\d+(?:\.\d+)?)\s+(\S+)\s+to\s+(\S+)$`)

// ParseSwapCommand parses a swap command against the registry
// Examples:
//   - "swap 10 DOT@polkadot to USDT@statemint"
//   - "1.5 ETH@ethereum to SOL@solana"
//   - "100 statemint-LOCAL-USDT to moonbeam-LOCAL-xcUSDT"
func ParseSwapCommand(registry *chain.Registry, command string) (*types.SwapRequest, error) {
	matches := commandPattern.FindStringSubmatch(strings.TrimSpace(command))
	if matches == nil {
		return nil, fmt.Errorf("invalid swap command format. Expected: 'swap <amount> <SYMBOL@chain> to <SYMBOL@chain>' (e.g., 'swap 10 DOT@polkadot to USDT@statemint')")
	}

	amount, err := decimal.NewFromString(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid amount '%s': %w", matches[1], err)
	}
	from, err := ResolveAsset(registry, matches[2])
	if err != nil {
		return nil, err
	}
	to, err := ResolveAsset(registry, matches[3])
	if err != nil {
		return nil, err
	}

	return &types.SwapRequest{
		From:   from.Ref,
		To:     to.Ref,
		Amount: amount,
	}, nil
}

// ResolveAsset finds an asset by ref or by SYMBOL@chain. Symbols are matched
// case-insensitively.
func ResolveAsset(registry *chain.Registry, s string) (*chain.Asset, error) {
	if a, err := registry.Asset(types.AssetRef(s)); err == nil {
		return a, nil
	}

	symbol, slug, ok := strings.Cut(s, "@")
	if !ok {
		return nil, fmt.Errorf("asset '%s' must be a registry ref or SYMBOL@chain", s)
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if _, err := registry.Chain(types.ChainSlug(slug)); err != nil {
		return nil, err
	}
	for _, a := range registry.Assets(types.ChainSlug(slug)) {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, nil
		}
	}
	return registry.FindAsset(NormalizeTokenSymbol(symbol), types.ChainSlug(slug))
}

// NormalizeTokenSymbol maps wrapped aliases to their native symbol
func NormalizeTokenSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	aliases := map[string]string{
		"WSOL": "SOL",
		"WETH": "ETH",
	}
	if normalized, exists := aliases[symbol]; exists {
		return normalized
	}
	return symbol
}
