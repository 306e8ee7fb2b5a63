package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operator tooling for the DeCard webhook ledger",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(signCmd(), verifyCmd(), dlqCmd(), balanceCmd(), transactionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}
