package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swap-router/pkg/client"
)

var (
	watchStatus   bool
	watchInterval int
)

var statusCmd = &cobra.Command{
	Use:   "channel-status <deposit-address>",
	Short: "Check the status of a deposit channel",
	Long: `Check the execution status of a deposit-channel swap by its deposit address.
Process steps routed through a deposit channel record the address as their
transaction id (see: swap-router process view <id>).

Examples:
  swap-router channel-status 0x1234...abcd
  swap-router channel-status 0x1234...abcd --watch
  swap-router channel-status 0x1234...abcd --watch --interval 10`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Watch status updates until the channel is final")
	statusCmd.Flags().IntVar(&watchInterval, "interval", 5, "Polling interval in seconds (when watching)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	depositAddress := args[0]
	jsonOutput, _ := cmd.Flags().GetBool("json")

	api := client.NewOneClickClient(cfg.OneClick.BaseURL, cfg.OneClick.JWTToken, cfg.OneClick.RPS, logger)

	if watchStatus {
		if jsonOutput {
			return fmt.Errorf("watch mode not supported with JSON output")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		watchChannelStatus(ctx, api, depositAddress)
		return nil
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking channel status..."
		s.Start()
	}
	status, err := api.GetSwapStatus(cmd.Context(), depositAddress)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(status)
		return nil
	}
	displayStatus(status)
	return nil
}

func watchChannelStatus(ctx context.Context, api *client.OneClickClient, depositAddress string) {
	fmt.Printf("\nWatching deposit channel %s\n", color.CyanString(depositAddress))
	fmt.Printf("Checking every %d seconds. Press Ctrl+C to stop.\n\n", watchInterval)

	ticker := time.NewTicker(time.Duration(watchInterval) * time.Second)
	defer ticker.Stop()

	for {
		status, err := api.GetSwapStatus(ctx, depositAddress)
		if err != nil {
			color.Red("Error: %v", err)
		} else {
			displayStatus(status)
			if status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func displayStatus(status *client.ChannelStatus) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                      DEPOSIT CHANNEL STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Deposit Address: %s\n", color.CyanString(status.DepositAddress))
	fmt.Printf("  Status:          %s\n", getColoredStatus(status.Status))
	fmt.Printf("  Last Updated:    %s\n", status.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	for _, hash := range status.OriginTxHashes {
		fmt.Printf("  Deposit Tx:      %s\n", color.HiBlackString(hash))
	}
	for _, hash := range status.DestinationHashes {
		fmt.Printf("  Withdrawal Tx:   %s\n", color.HiBlackString(hash))
	}
	if status.AmountIn != "" {
		fmt.Printf("  Amount In:       %s\n", status.AmountIn)
	}
	if status.AmountOut != "" {
		fmt.Printf("  Amount Out:      %s\n", status.AmountOut)
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func getColoredStatus(status string) string {
	status = strings.ToUpper(status)

	switch status {
	case client.ChannelSuccess, "COMPLETED":
		return color.GreenString(status)
	case client.ChannelPendingDeposit, "PENDING", client.ChannelProcessing:
		return color.YellowString(status)
	case client.ChannelFailed, client.ChannelRefunded:
		return color.RedString(status)
	case client.ChannelIncompleteDeposit:
		return color.MagentaString(status)
	default:
		return status
	}
}
