package main

import (
	"fmt"
	"strings"
	"time"

	saga "github.com/grafikui/steptx"
	"github.com/grafikui/steptx/internal/config"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var (
		active, idle bool
		stale        time.Duration
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, storage, closeFn, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			filter := saga.SnapshotFilter{Limit: limit, Offset: offset}
			switch {
			case active:
				filter.Active = &active
			case idle:
				notActive := false
				filter.Active = &notActive
			}
			if stale > 0 {
				before := time.Now().Add(-stale)
				filter.UpdatedBefore = &before
			}

			result, err := storage.List(ctx, filter)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(result.Snapshots) == 0 {
				fmt.Fprintln(out, "No snapshots found.")
				return nil
			}

			fmt.Fprintf(out, "Showing %d of %d snapshots:\n\n", len(result.Snapshots), result.Total)
			fmt.Fprintf(out, "%-32s %-8s %-12s %-7s %-14s %-20s\n", "NAME", "ACTIVE", "DIRECTION", "STEP", "FAILED STEP", "UPDATED")
			fmt.Fprintln(out, strings.Repeat("-", 98))
			for _, rec := range result.Snapshots {
				failed := "-"
				if rec.Data.Failure != nil {
					failed = string(rec.Data.Failure.StepID)
				}
				fmt.Fprintf(out, "%-32s %-8t %-12s %-7s %-14s %-20s\n",
					truncate(rec.Name, 32),
					rec.Active,
					rec.Data.Direction,
					position(rec.Data),
					truncate(failed, 14),
					rec.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "only sessions that are running")
	cmd.Flags().BoolVar(&idle, "idle", false, "only sessions that are not running")
	cmd.Flags().DurationVar(&stale, "stale", 0, "only snapshots not updated for this long")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")
	cmd.MarkFlagsMutuallyExclusive("active", "idle")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show the snapshot of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, storage, closeFn, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := storage.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch snapshot: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("snapshot not found: %s", args[0])
			}

			out := cmd.OutOrStdout()
			d := rec.Data
			fmt.Fprintf(out, "Transaction: %s\n", rec.Name)
			fmt.Fprintf(out, "Session:     %s\n", rec.SessionID)
			fmt.Fprintf(out, "Active:      %t\n", rec.Active)
			fmt.Fprintf(out, "Direction:   %s\n", d.Direction)
			fmt.Fprintf(out, "Step:        %s\n", position(d))
			fmt.Fprintf(out, "Started:     %s\n", d.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Updated:     %s\n", rec.UpdatedAt.Format(time.RFC3339))

			if len(d.Payload) > 0 {
				fmt.Fprintf(out, "\nPayload:\n")
				for _, key := range sortedKeys(d.Payload) {
					fmt.Fprintf(out, "  %s: %s\n", key, truncate(string(d.Payload[key]), 60))
				}
			}

			if f := d.Failure; f != nil {
				fmt.Fprintf(out, "\nFailure:\n")
				fmt.Fprintf(out, "  Step:      %s (index %d)\n", f.StepID, f.Index)
				fmt.Fprintf(out, "  Error:     %s\n", f.Error)
				if f.CompensationError != "" {
					fmt.Fprintf(out, "  Comp Err:  %s\n", f.CompensationError)
				}
				fmt.Fprintf(out, "  Timestamp: %s\n", f.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newDiscardCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "discard <name>",
		Short: "Drop a snapshot so the next run starts from the first step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, storage, closeFn, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			name := args[0]
			rec, err := storage.Get(ctx, name)
			if err != nil {
				return fmt.Errorf("fetch snapshot: %w", err)
			}
			if rec == nil {
				if !force {
					return fmt.Errorf("snapshot not found: %s", name)
				}
				// Clears an active marker left without a snapshot.
				if err := storage.Discard(ctx, name); err != nil {
					return fmt.Errorf("discard snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No snapshot for %s; active marker cleared.\n", name)
				return nil
			}
			if rec.Active && !force {
				return fmt.Errorf("transaction %s is marked active (session %s); use --force if that session is dead", name, rec.SessionID)
			}
			if rec.Data.Direction == saga.DirectionRollingBack {
				a.log.Warn().Str("transaction", name).Msg("Discarding a snapshot with an unfinished rollback; remaining compensations will not run")
			}

			if err := storage.Discard(ctx, name); err != nil {
				return fmt.Errorf("discard snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s discarded (was at step %s).\n", name, position(rec.Data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard even if a session is marked active")
	return cmd
}

// snapshotStats summarizes every snapshot in a storage.
type snapshotStats struct {
	Total       int
	Active      int
	Idle        int
	RollingBack int
	Failed      int
	Oldest      time.Time
}

func collectStats(list func(saga.SnapshotFilter) (*saga.SnapshotList, error)) (*snapshotStats, error) {
	const pageSize = 100
	stats := &snapshotStats{}
	for offset := 0; ; offset += pageSize {
		page, err := list(saga.SnapshotFilter{Offset: offset, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Snapshots {
			stats.Total++
			if rec.Active {
				stats.Active++
			} else {
				stats.Idle++
			}
			if rec.Data.Direction == saga.DirectionRollingBack {
				stats.RollingBack++
			}
			if rec.Data.Failure != nil {
				stats.Failed++
			}
			if stats.Oldest.IsZero() || rec.UpdatedAt.Before(stats.Oldest) {
				stats.Oldest = rec.UpdatedAt
			}
		}
		if len(page.Snapshots) < pageSize {
			return stats, nil
		}
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, storage, closeFn, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := collectStats(func(f saga.SnapshotFilter) (*saga.SnapshotList, error) {
				return storage.List(ctx, f)
			})
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Snapshot Statistics:")
			fmt.Fprintln(out, strings.Repeat("-", 30))
			fmt.Fprintf(out, "%-15s %d\n", "active:", stats.Active)
			fmt.Fprintf(out, "%-15s %d\n", "idle:", stats.Idle)
			fmt.Fprintf(out, "%-15s %d\n", "rolling_back:", stats.RollingBack)
			fmt.Fprintf(out, "%-15s %d\n", "with failure:", stats.Failed)
			fmt.Fprintln(out, strings.Repeat("-", 30))
			fmt.Fprintf(out, "%-15s %d\n", "Total:", stats.Total)
			if !stats.Oldest.IsZero() {
				fmt.Fprintf(out, "%-15s %s\n", "Oldest:", stats.Oldest.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the PostgreSQL DDL for the snapshot table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(a.cfgFile, a.overrides(cmd))
			if err != nil {
				return err
			}
			table := cfg.Storage.Table
			if table == "" {
				table = saga.DefaultTableName
			}
			// Validates the name without connecting.
			if _, err := saga.NewPostgresStorage(nil, table); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(saga.PostgresSchema(table))+";")
			return nil
		},
	}
}
