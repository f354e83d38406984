// Package cli implements creditctl, the operator tool for the credit ledger
package cli

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd(wireApp).Execute()
}

func newRootCmd(wire func() (*app, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the PixelMind credit ledger",
		Long:          "creditctl runs schema migrations, audits balances against the ledger, applies manual adjustments and inspects accounts and jobs.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wire()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}
	rootCmd.PersistentPostRun = func(_ *cobra.Command, _ []string) { app.close() }

	rootCmd.AddCommand(
		newMigrateCmd(app),
		newVerifyCmd(app),
		newAdjustCmd(app),
		newAccountCmd(app),
		newJobCmd(app),
		newReconciliationsCmd(app),
	)

	return rootCmd
}
