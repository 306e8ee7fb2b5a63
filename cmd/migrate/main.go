package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
	"github.com/backendenjoyer/decard-scalable-integration/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the ledger schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("db", "", "Postgres URL (defaults to DB_SOURCE)")

	rootCmd.AddCommand(upCmd(), downCmd(), versionCmd(), forceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openMigrator(cmd *cobra.Command) (*migrate.Migrate, error) {
	dsn, _ := cmd.Flags().GetString("db")
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if err := cfg.RequireDB(); err != nil {
			return nil, err
		}
		dsn = cfg.DBSource
	}
	return store.NewMigrator(dsn)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("Schema is up to date.")
					return nil
				}
				return err
			}
			return printVersion(m)
		},
	}
}

func downCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			m, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if steps <= 0 {
				err = m.Down()
			} else {
				err = m.Steps(-steps)
			}
			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}
			return printVersion(m)
		},
	}
	cmd.Flags().IntP("steps", "n", 1, "Number of migrations to roll back (0 for all)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			return printVersion(m)
		},
	}
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force [version]",
		Short: "Mark a version as applied after a failed migration was fixed by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			m, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Force(v); err != nil {
				return err
			}
			return printVersion(m)
		},
	}
}

func printVersion(m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("Version: none")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Version: %d (dirty: %t)\n", v, dirty)
	return nil
}
