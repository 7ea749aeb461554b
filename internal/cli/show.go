package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cap-rebalancer/internal/app"
	"cap-rebalancer/internal/domain"
)

var (
	showLimit int
	showRuns  bool
	showSide  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent audited orders or runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Runs:  showRuns,
		}
		if showSide != "" {
			side, err := domain.ParseSide(showSide)
			if err != nil {
				return err
			}
			opts.Side = side
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "Show rebalance runs instead of orders")
	showCmd.Flags().StringVar(&showSide, "side", "", "Only show orders on this side (buy or sell)")
}
