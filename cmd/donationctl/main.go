package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "donationctl",
		Short:         "Operator commands for the donation database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "donationctl", "config name, read from ./configs/<name>.env")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(receiptsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
