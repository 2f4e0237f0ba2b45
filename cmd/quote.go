package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swap-router/pkg/parser"
	"swap-router/pkg/planner"
	"swap-router/pkg/process"
	"swap-router/pkg/types"
)

var (
	fromAddress   string
	recipientAddr string
	refundAddr    string
	accounts      map[string]string
	execute       bool
	noConfirm     bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote <amount> <asset> to <asset>",
	Short: "Route and quote a swap, optionally executing it",
	Long: `Find a route between two assets and quote it on every venue that covers
its main leg. The best quote (highest output) is selected.

Assets are written SYMBOL@chain or as a full registry ref (see: swap-router assets).

With --execute the selected route is planned and run as a persisted process.
If the command is interrupted, continue it with: swap-router process run <id>

Examples:
  # Bridge then swap on the asset hub
  swap-router quote 10 DOT@polkadot to USDT@statemint --from-address <polkadot-addr>

  # Cross-ecosystem swap through a deposit channel
  swap-router quote 1 ETH@ethereum to SOL@solana --from-address 0x... --recipient <sol-addr> --execute

  # Intermediate chain accounts for multi-hop routes
  swap-router quote 5 DOT@polkadot to xcUSDT@moonbeam --from-address <addr> \
    --recipient 0x... --account statemint=<addr>`,
	Args: cobra.MinimumNArgs(4),
	RunE: runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)

	quoteCmd.Flags().StringVar(&fromAddress, "from-address", "", "Sender address on the source chain (REQUIRED)")
	quoteCmd.Flags().StringVar(&recipientAddr, "recipient", "", "Recipient address on the destination chain (defaults to --from-address)")
	quoteCmd.Flags().StringVar(&refundAddr, "refund-to", "", "Refund address on the source chain (defaults to --from-address)")
	quoteCmd.Flags().StringToStringVar(&accounts, "account", nil, "Your address on an intermediate chain, as chain=address (repeatable)")
	quoteCmd.Flags().BoolVar(&execute, "execute", false, "Plan and execute the selected route")
	quoteCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	_ = quoteCmd.MarkFlagRequired("from-address")
}

func runQuote(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := parser.ParseSwapCommand(a.registry, strings.Join(args, " "))
	if err != nil {
		return err
	}
	req.Address = fromAddress
	req.Recipient = recipientAddr
	req.RefundTo = refundAddr
	req.Accounts = make(map[types.ChainSlug]string, len(accounts))
	for c, addr := range accounts {
		req.Accounts[types.ChainSlug(c)] = addr
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Finding route..."
		s.Start()
	}
	path, quotes, err := quoteRoute(ctx, a, req)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	selected, err := planner.SelectQuote(quotes)
	if err != nil {
		return err
	}

	if !execute {
		if jsonOutput {
			printJSON(map[string]any{"path": path, "quotes": quotes, "selected": selected})
			return nil
		}
		displayQuotes(req, path, quotes, selected)
		fmt.Println("Execute this route with --execute")
		return nil
	}

	if !jsonOutput {
		displayQuotes(req, path, quotes, selected)
	}
	if !noConfirm && !jsonOutput && !confirmSwap() {
		fmt.Println("\nSwap cancelled.")
		return nil
	}

	if !jsonOutput {
		s.Suffix = " Planning steps..."
		s.Start()
	}
	plan, err := a.planner.Plan(ctx, req, path, selected)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	record, err := a.manager.CreateProcess(ctx, plan)
	if err != nil {
		return err
	}
	if !jsonOutput {
		displayPlan(plan)
		color.Green("Process %s created", record.ID)
	}

	id := record.ID
	record, err = runProcess(ctx, a, id, jsonOutput)
	if err != nil {
		if record == nil || !record.Terminal() {
			fmt.Println("Continue it with:")
			color.Cyan("  swap-router process run %s\n", id)
		}
		return err
	}
	if jsonOutput {
		printJSON(record)
	} else {
		displayRecord(record)
	}
	if st := record.Status(); st != process.StatusComplete {
		return fmt.Errorf("process %s ended %s: %s", id, st, record.Reason())
	}
	return nil
}

func quoteRoute(ctx context.Context, a *app, req *types.SwapRequest) (types.Path, []*types.Quote, error) {
	path, err := a.planner.Classify(req)
	if err != nil {
		return nil, nil, err
	}
	quotes, err := a.planner.QuoteRoute(ctx, req, path)
	if err != nil {
		return nil, nil, err
	}
	return path, quotes, nil
}

// runProcess runs a process in the foreground, printing every transition
func runProcess(ctx context.Context, a *app, id string, quiet bool) (*process.ProcessRecord, error) {
	events, unsubscribe := a.engine.Subscribe(id)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if !quiet {
				displayEvent(ev, false)
			}
		}
	}()

	record, err := a.engine.Run(ctx, id)
	unsubscribe()
	<-done
	if record == nil {
		record, _ = a.manager.Get(context.Background(), id)
	}
	return record, err
}

func displayQuotes(req *types.SwapRequest, path types.Path, quotes []*types.Quote, selected *types.Quote) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                            ROUTE QUOTE")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  From:       %s %s\n", req.Amount, color.YellowString(string(req.From)))
	fmt.Printf("  To:         %s\n", color.YellowString(string(req.To)))
	fmt.Printf("  Recipient:  %s\n", color.CyanString(req.RecipientAddress()))
	fmt.Printf("  Path:       %s\n", path)

	fmt.Println()
	for _, q := range quotes {
		marker := "  "
		if q == selected {
			marker = color.GreenString("->")
		}
		fmt.Printf("  %s %-16s %s %s (rate %s, valid until %s)\n",
			marker,
			q.Venue,
			q.ToAmount.StringFixed(6),
			q.Pair.To,
			q.Rate.StringFixed(6),
			q.AliveUntil.Local().Format("15:04:05"))
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func displayPlan(plan *planner.Plan) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                          EXECUTION PLAN")
	fmt.Println(strings.Repeat("=", 70))

	for _, st := range plan.Steps {
		fmt.Printf("\n  [%d] %s via %s\n", st.Detail.ID, st.Detail.Type, color.CyanString(string(st.Detail.Venue)))
		fmt.Printf("      %s %s -> ~%s %s\n", st.AmountIn, st.Detail.Pair.From, st.AmountOut.StringFixed(6), st.Detail.Pair.To)
		displayFee(st.Fee)
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func displayFee(fee types.StepFeeInfo) {
	for _, c := range fee.FeeComponents {
		fmt.Printf("      fee (%s): %s %s\n", c.Kind, c.Amount, c.TokenRef)
	}
	if len(fee.FeeOptions) > 1 {
		fmt.Printf("      fee options: %v (paying in %s)\n", fee.FeeOptions, fee.EffectiveToken())
	}
}

func displayEvent(ev process.Event, withID bool) {
	line := "  " + ev.At.Local().Format("15:04:05")
	if withID {
		line += "  " + ev.ProcessID
	}
	line += fmt.Sprintf("  step %d  %s -> %s", ev.StepID, ev.From, statusColor(ev.To))
	if ev.Reason != "" {
		line += "  " + color.HiBlackString(ev.Reason)
	}
	fmt.Println(line)
}

func confirmSwap() bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nProceed with swap? (y/N): ")

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
