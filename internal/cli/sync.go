package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cap-rebalancer/internal/app"
)

var (
	syncTickers []string
	syncWorkers int
)

var syncHistoryCmd = &cobra.Command{
	Use:   "sync-history",
	Short: "Fetch and store daily price and index history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWorkers < 0 {
			return fmt.Errorf("--workers cannot be negative")
		}

		tickers := make([]string, 0, len(syncTickers))
		for _, t := range syncTickers {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				tickers = append(tickers, t)
			}
		}

		opts := app.SyncOptions{
			Tickers: tickers,
			Workers: syncWorkers,
		}
		return getApp().SyncHistory(cmd.Context(), opts)
	},
}

func init() {
	syncHistoryCmd.Flags().StringSliceVar(&syncTickers, "tickers", nil, "Tickers to sync (defaults to config, then the current cap tier)")
	syncHistoryCmd.Flags().IntVar(&syncWorkers, "workers", 0, "Concurrent fetches (defaults to config)")
}
