package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"swap-router/pkg/process"
)

var (
	processStatusFilter string
	metricsAddr         string
)

var processCmd = &cobra.Command{
	Use:     "process",
	Aliases: []string{"ps"},
	Short:   "Inspect and drive swap processes",
	Long: `A process is the persisted execution of one planned route. Each step moves
QUEUED -> PREPARE -> SUBMITTING -> PROCESSING -> COMPLETE, or ends as FAILED,
CANCELLED or TIMEOUT with a reason.

Processes survive restarts: run the daemon to pick up every unfinished one.`,
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all processes",
	Long: `List all processes with their status and progress.

Examples:
  swap-router process list
  swap-router process list --status PROCESSING`,
	RunE: runProcessList,
}

var processViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "View the steps of a process",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessView,
}

var processCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a process before its current step is submitted",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessCancel,
}

var processAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Make at most one transition on a process",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessAdvance,
}

var processRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a process in the foreground until it ends",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessRun,
}

var processReconcileCmd = &cobra.Command{
	Use:   "reconcile <id>",
	Short: "Check the chain for a timed out step without changing the process",
	Long: `A step times out when no confirmation arrives in time, but the transaction
may still land. reconcile looks it up on chain and reports what it finds.
The process itself stays TIMEOUT.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcessReconcile,
}

var processDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run every unfinished process in the background",
	Long: `Run the process engine as a long-running daemon.

On start, processes interrupted before submission are queued again and
submitted ones are tracked on chain; nothing is submitted twice. New processes
created from another terminal are picked up periodically.

Metrics are served on --metrics-addr at /metrics.

Example:
  swap-router process daemon --metrics-addr :9464`,
	RunE: runProcessDaemon,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.AddCommand(processListCmd)
	processCmd.AddCommand(processViewCmd)
	processCmd.AddCommand(processCancelCmd)
	processCmd.AddCommand(processAdvanceCmd)
	processCmd.AddCommand(processRunCmd)
	processCmd.AddCommand(processReconcileCmd)
	processCmd.AddCommand(processDaemonCmd)

	processListCmd.Flags().StringVar(&processStatusFilter, "status", "", "Filter by status")
	processDaemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (default from config)")
}

func runProcessList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.manager.List(cmd.Context())
	if err != nil {
		return err
	}
	if processStatusFilter != "" {
		want := process.StepStatus(strings.ToUpper(processStatusFilter))
		var filtered []*process.ProcessRecord
		for _, r := range records {
			if r.Status() == want {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if jsonOutput {
		summaries := make([]*process.Summary, len(records))
		for i, r := range records {
			summaries[i] = r.ToSummary()
		}
		printJSON(summaries)
		return nil
	}

	if len(records) == 0 {
		color.Yellow("No processes found.\n")
		fmt.Println("\nStart one with:")
		color.Cyan("  swap-router quote <amount> <asset> to <asset> --from-address <addr> --execute\n")
		return nil
	}

	fmt.Println("\n" + strings.Repeat("=", 120))
	color.Green("                                                 PROCESSES")
	fmt.Println(strings.Repeat("=", 120))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nID\tROUTE\tAMOUNT\tSHAPE\tPROGRESS\tSTATUS\tUPDATED")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, r := range records {
		s := r.ToSummary()
		fmt.Fprintf(w, "%s\t%s -> %s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.From, s.To, s.Amount, s.Shape, s.Progress, statusColor(s.Status),
			s.LastUpdated.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	fmt.Println("\n" + strings.Repeat("=", 120) + "\n")

	return nil
}

func runProcessView(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.manager.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(r)
		return nil
	}
	displayRecord(r)

	return nil
}

func runProcessCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.engine.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSuccess(color.GreenString("Process %s cancelled at step %d", r.ID, r.CurrentStepID))

	return nil
}

func runProcessAdvance(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.engine.Advance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(r)
		return nil
	}
	displayRecord(r)

	return nil
}

func runProcessRun(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := runProcess(ctx, a, args[0], jsonOutput)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if r == nil {
		return nil
	}
	if jsonOutput {
		printJSON(r)
		return nil
	}
	displayRecord(r)

	return nil
}

func runProcessReconcile(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.engine.Reconcile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(rec)
		return nil
	}

	fmt.Printf("\n  Process:  %s\n", color.CyanString(rec.ProcessID))
	fmt.Printf("  Step:     %d (%s)\n", rec.StepID, statusColor(rec.Status))
	c := rec.Confirmation
	fmt.Printf("  On chain: %s\n", c.State)
	if c.TransactionHash != "" {
		fmt.Printf("  Tx:       %s\n", color.HiBlackString(c.TransactionHash))
	}
	if c.Reason != "" {
		fmt.Printf("  Reason:   %s\n", c.Reason)
	}
	if c.State == process.ConfirmationConfirmed {
		color.Yellow("\n  The step landed after the process timed out. Continue the remaining steps manually.")
	}
	fmt.Println()

	return nil
}

func runProcessDaemon(cmd *cobra.Command, _ []string) error {
	registry := prometheus.NewRegistry()
	a, err := newApp(registry)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := metricsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}

	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                   SWAP-ROUTER PROCESS DAEMON")
	fmt.Println(strings.Repeat("=", 70))
	color.Cyan("• Store:    %s (%s)", cfg.Store.Path, cfg.Store.Driver)
	color.Cyan("• Metrics:  http://%s/metrics", addr)
	color.Cyan("• Chains:   %v", a.deposits.SupportedChains())
	color.Magenta("• You can start or cancel processes in another terminal")
	color.Yellow("• Press Ctrl+C to stop gracefully\n")
	fmt.Println(strings.Repeat("=", 70) + "\n")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := a.engine.Subscribe("")
	defer unsubscribe()
	go func() {
		for ev := range events {
			displayEvent(ev, true)
		}
	}()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	color.Yellow("\nReceived shutdown signal. Stopping engine gracefully...")
	a.engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	color.Green("\n✓ Daemon stopped. Unfinished processes resume on the next start:")
	color.Cyan("  swap-router process daemon\n")

	return nil
}

func displayRecord(r *process.ProcessRecord) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	color.Green("                               PROCESS %s", r.ID)
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n  Route:     %s %s -> %s\n", r.Amount, color.YellowString(string(r.From)), color.YellowString(string(r.To)))
	fmt.Printf("  Shape:     %s\n", r.Shape)
	fmt.Printf("  Recipient: %s\n", color.CyanString(r.Recipient))
	fmt.Printf("  Status:    %s (%d/%d steps complete)\n", statusColor(r.Status()), r.Completed(), len(r.Steps))
	if reason := r.Reason(); reason != "" {
		fmt.Printf("  Reason:    %s\n", color.RedString(reason))
	}
	fmt.Printf("  Created:   %s\n", r.Created.Local().Format("2006-01-02 15:04:05"))

	for _, st := range r.Steps {
		marker := "  "
		if st.ID == r.CurrentStepID && !r.Terminal() {
			marker = color.CyanString("->")
		}
		fmt.Printf("\n  %s [%d] %s via %s  %s\n", marker, st.ID, st.Detail.Type, st.Detail.Venue, statusColor(st.Status))
		fmt.Printf("        %s %s -> ~%s %s\n", st.AmountIn, st.Detail.Pair.From, st.AmountOut.StringFixed(6), st.Detail.Pair.To)
		if st.TransactionHash != "" {
			fmt.Printf("        tx: %s\n", color.HiBlackString(st.TransactionHash))
		}
		if st.TransactionID != "" && st.TransactionID != st.TransactionHash {
			fmt.Printf("        id: %s\n", color.HiBlackString(st.TransactionID))
		}
		if st.Attempt > 1 {
			fmt.Printf("        attempt: %d\n", st.Attempt)
		}
		if st.Reason != "" {
			fmt.Printf("        reason: %s\n", st.Reason)
		}
	}
	fmt.Println("\n" + strings.Repeat("=", 80) + "\n")
}

func statusColor(s process.StepStatus) string {
	switch s {
	case process.StatusComplete:
		return color.GreenString(string(s))
	case process.StatusPrepare, process.StatusSubmitting, process.StatusProcessing:
		return color.YellowString(string(s))
	case process.StatusFailed, process.StatusTimeout:
		return color.RedString(string(s))
	case process.StatusCancelled:
		return color.MagentaString(string(s))
	default:
		return string(s)
	}
}
