package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backendenjoyer/decard-scalable-integration/internal/events"
)

func openStreams(ctx context.Context) (*events.RedisStreams, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rdb, err := events.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	streams := events.NewRedisStreams(rdb, events.StreamsOptions{
		Topic:      cfg.Topic,
		Partitions: cfg.Partitions,
		Group:      cfg.ConsumerGroup,
	})
	return streams, func() { rdb.Close() }, nil
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered webhook events",
	}
	cmd.AddCommand(dlqListCmd(), dlqReplayCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parked events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			streams, closeFn, err := openStreams(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := streams.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREASON\tTX\tPARTITION\tFAILED AT\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Reason, e.Key, e.Partition, e.FailedAt, e.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64P("limit", "n", 20, "Maximum entries")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [id...]",
		Short: "Republish parked events onto their partition",
		Long: `Republishes each dead letter onto the partition for its transaction and
removes it from the dead-letter stream. Replaying an event that was already
applied is harmless: the ledger ignores terminal transactions.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streams, closeFn, err := openStreams(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, id := range args {
				newID, err := streams.Replay(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("replay %s: %w", id, err)
				}
				fmt.Printf("%s -> %s\n", id, newID)
			}
			return nil
		},
	}
}
