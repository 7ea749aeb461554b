package cli

import (
	"github.com/spf13/cobra"

	"cap-rebalancer/internal/app"
)

var rebalanceDryRun bool

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Run one rebalance cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebalance(cmd.Context(), app.RebalanceOptions{DryRun: rebalanceDryRun})
	},
}

var panicCmd = &cobra.Command{
	Use:   "panic",
	Short: "Print the panic assessment of the reference index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Panic(cmd.Context())
	},
}

func init() {
	rebalanceCmd.Flags().BoolVar(&rebalanceDryRun, "dry-run", false, "Log orders instead of submitting them")
}
