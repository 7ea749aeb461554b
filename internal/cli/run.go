package cli

import (
	"github.com/spf13/cobra"
)

var (
	runEnabled bool
	runNoAPI   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled rebalancer and the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("enabled") {
			a.Config.Scheduler.Enabled = runEnabled
		}
		if runNoAPI {
			a.Config.HTTP.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runEnabled, "enabled", false, "Override scheduler.enabled for this process")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not start the control API")
}
