package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/store"
)

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDB(); err != nil {
		return nil, err
	}
	return store.NewStore(ctx, cfg.DBSource, cfg.LockTimeout)
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Show a user's committed balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.GetUser(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("User:     %s\n", u.ID)
			fmt.Printf("Balance:  %s (%d minor units)\n", money.Format(u.Balance, u.Currency), u.Balance)
			return nil
		},
	}
}

func transactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions [user-id]",
		Short: "List a user's recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			txs, err := st.ListTransactions(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tAMOUNT\tSTATUS\tUPDATED")
			for _, t := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Direction, money.Format(t.Amount, t.Currency), t.Status, t.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum rows")
	return cmd
}
