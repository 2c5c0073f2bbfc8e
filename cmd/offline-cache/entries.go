package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/drain"
	"github.com/always-cache/offline-cache/queue"

	"github.com/spf13/cobra"
)

func newEntriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Manage records waiting for delivery",
	}

	var notes string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a new record",
		Args:  cobra.MinimumNArgs(1),
		RunE: withQueue(func(cmd *cobra.Command, args []string, q queue.Store, _ config.Config) error {
			id, err := q.Append(cmd.Context(), queue.Draft{Title: strings.Join(args, " "), Notes: notes})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	add.Flags().StringVar(&notes, "notes", "", "Notes of the record")

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued records, oldest first",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(cmd *cobra.Command, args []string, q queue.Store, _ config.Config) error {
			records, err := q.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tTITLE\tNOTES")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Title, r.Notes)
			}
			return w.Flush()
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all queued records",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(cmd *cobra.Command, args []string, q queue.Store, _ config.Config) error {
			return q.Clear(cmd.Context())
		}),
	}

	cmd.AddCommand(add, list, clearCmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver all queued records once",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(cmd *cobra.Command, args []string, q queue.Store, cfg config.Config) error {
			if cfg.Sync.Endpoint == "" && cfg.Origin == "" {
				return fmt.Errorf("need an origin or a sync endpoint")
			}
			logger, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			d := drain.New(q, drain.HTTPDeliverer{Endpoint: cfg.SyncEndpoint()},
				drain.WithConcurrency(cfg.Sync.Concurrency),
				drain.WithLogger(logger),
			)
			result, err := d.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, delivered %d, failed %d\n", result.Attempted, result.Delivered, result.Failed)
			return err
		}),
	}
}

type queueRunE func(cmd *cobra.Command, args []string, q queue.Store, cfg config.Config) error

// withQueue opens the configured queue database around f.
func withQueue(f queueRunE) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
			cmd.SetContext(ctx)
		}
		q, err := queue.OpenSQLite(ctx, cfg.QueueDBFilename())
		if err != nil {
			return err
		}
		defer q.Close()
		return f(cmd, args, q, cfg)
	}
}
