package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Check and record the balance of every SIM",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), online)
		if err != nil {
			return err
		}
		defer a.Close()

		reports, err := a.updater.UpdateAll(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Fprintln(cmd.OutOrStdout(), r.String())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
