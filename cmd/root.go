// Package cmd provides the CLI commands for the airtime bot.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ussd-airtime-bot/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "airtime",
	Short: "Buy airtime and data bundles over USSD",
	Long: `airtime dials operator USSD codes through GSM modems or HTTP gateways
to buy data bundles, redeem recharge codes and read SIM balances.

Examples:
  airtime serve
  airtime buy MTN 0964571227 100MB
  airtime import --sim MTN --amount 100MB numbers.csv
  airtime balance`,
	SilenceUsage: true,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "airtime version %s\n", Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and configured SIMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), storeOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		sims, err := a.store.ListSIMs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s ready, %d sims\n", a.cfg.App.Database, len(sims))
		return nil
	},
}
