package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/types"
)

var (
	filterChain  string
	filterSymbol string
	listOneClick bool
)

var assetsCmd = &cobra.Command{
	Use:     "assets",
	Aliases: []string{"tokens", "ls"},
	Short:   "List the assets of the chain registry",
	Long: `List every asset the router knows, grouped by chain, with the venues that
can move it. Use --oneclick to list the tokens the deposit-channel API supports.

Examples:
  swap-router assets
  swap-router assets --chain statemint
  swap-router assets --symbol USDT
  swap-router assets --oneclick --chain sol`,
	RunE: runListAssets,
}

func init() {
	rootCmd.AddCommand(assetsCmd)

	assetsCmd.Flags().StringVar(&filterChain, "chain", "", "Filter by chain")
	assetsCmd.Flags().StringVar(&filterSymbol, "symbol", "", "Filter by symbol")
	assetsCmd.Flags().BoolVar(&listOneClick, "oneclick", false, "List deposit-channel API tokens instead")
}

func runListAssets(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if listOneClick {
		return listOneClickTokens(cmd, jsonOutput)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	var assets []*chain.Asset
	for _, a := range registry.Assets(types.ChainSlug(strings.ToLower(filterChain))) {
		if filterSymbol != "" && !strings.Contains(strings.ToUpper(a.Symbol), strings.ToUpper(filterSymbol)) {
			continue
		}
		assets = append(assets, a)
	}

	if jsonOutput {
		printJSON(assets)
		return nil
	}
	displayAssets(registry, assets)
	return nil
}

func displayAssets(registry *chain.Registry, assets []*chain.Asset) {
	if len(assets) == 0 {
		fmt.Println("\nNo assets found matching the criteria.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                              REGISTRY ASSETS")
	fmt.Println(strings.Repeat("=", 90))

	byChain := make(map[types.ChainSlug][]*chain.Asset)
	for _, a := range assets {
		byChain[a.Chain] = append(byChain[a.Chain], a)
	}
	chains := make([]string, 0, len(byChain))
	for c := range byChain {
		chains = append(chains, string(c))
	}
	sort.Strings(chains)

	for _, slug := range chains {
		c, err := registry.Chain(types.ChainSlug(slug))
		if err != nil {
			continue
		}
		color.Cyan("\n%s (%s, %s)", c.Name, slug, c.Kind)
		fmt.Println(strings.Repeat("-", 90))

		for _, a := range byChain[c.Slug] {
			var venues []string
			if a.Location != nil && c.IsSubstrate() {
				venues = append(venues, string(types.VenueXCM))
			}
			if a.OneClickID != "" {
				venues = append(venues, string(types.VenueDepositChannel))
			}
			if c.AMMRouter != "" {
				venues = append(venues, string(types.VenueAMM))
			}
			if c.Aggregator {
				venues = append(venues, string(types.VenueAggregator))
			}

			fmt.Printf("  %-10s  %2d decimals  %-32s %s\n",
				color.YellowString(a.Symbol),
				a.Decimals,
				a.Ref,
				color.HiBlackString(strings.Join(venues, ", ")))
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d assets across %d chains\n\n", len(assets), len(chains))
}

func listOneClickTokens(cmd *cobra.Command, jsonOutput bool) error {
	api := client.NewOneClickClient(cfg.OneClick.BaseURL, cfg.OneClick.JWTToken, cfg.OneClick.RPS, logger)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching supported tokens..."
		s.Start()
	}
	tokens, err := api.GetSupportedTokens(cmd.Context())
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	var filtered []oneclick.TokenResponse
	for _, token := range tokens {
		if filterChain != "" && !strings.EqualFold(token.GetBlockchain(), filterChain) {
			continue
		}
		if filterSymbol != "" && !strings.Contains(strings.ToUpper(token.GetSymbol()), strings.ToUpper(filterSymbol)) {
			continue
		}
		filtered = append(filtered, token)
	}

	if jsonOutput {
		printJSON(filtered)
		return nil
	}
	displayTokens(filtered)
	return nil
}

func displayTokens(tokens []oneclick.TokenResponse) {
	if len(tokens) == 0 {
		fmt.Println("\nNo tokens found matching the criteria.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                        DEPOSIT-CHANNEL TOKENS")
	fmt.Println(strings.Repeat("=", 90))

	tokensByChain := make(map[string][]oneclick.TokenResponse)
	for _, token := range tokens {
		c := token.GetBlockchain()
		tokensByChain[c] = append(tokensByChain[c], token)
	}
	chains := make([]string, 0, len(tokensByChain))
	for c := range tokensByChain {
		chains = append(chains, c)
	}
	sort.Strings(chains)

	for _, c := range chains {
		color.Cyan("\n%s", strings.ToUpper(c))
		fmt.Println(strings.Repeat("-", 90))

		for _, token := range tokensByChain[c] {
			address := token.GetContractAddress()
			if len(address) > 40 {
				address = address[:37] + "..."
			}
			fmt.Printf("  %-10s  %2.0f decimals  %-48s %s\n",
				color.YellowString(token.GetSymbol()),
				token.GetDecimals(),
				token.GetAssetId(),
				color.HiBlackString(address))
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d tokens across %d blockchains\n\n", len(tokens), len(chains))
}
