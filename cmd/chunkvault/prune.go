package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chunkvault/internal/prune"
)

func newPruneCmd(e *env) *cobra.Command {
	var (
		dsName string
		dryRun bool
		policy prune.Policy
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply a retention policy, removing snapshots it doesn't keep",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runPrune(ctx, e, dsName, policy, dryRun)
		}),
	}

	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().Int64Var(&policy.KeepLast, "keep-last", 0, "keep this many most recent snapshots per group")
	cmd.Flags().Int64Var(&policy.KeepHourly, "keep-hourly", 0, "keep one snapshot per hour, for this many hours")
	cmd.Flags().Int64Var(&policy.KeepDaily, "keep-daily", 0, "keep one snapshot per day, for this many days")
	cmd.Flags().Int64Var(&policy.KeepWeekly, "keep-weekly", 0, "keep one snapshot per ISO week, for this many weeks")
	cmd.Flags().Int64Var(&policy.KeepMonthly, "keep-monthly", 0, "keep one snapshot per month, for this many months")
	cmd.Flags().Int64Var(&policy.KeepYearly, "keep-yearly", 0, "keep one snapshot per year, for this many years")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")

	return cmd
}

func runPrune(ctx context.Context, e *env, dsName string, policy prune.Policy, dryRun bool) error {
	store, _, err := e.openDatastore(ctx, dsName)
	if err != nil {
		return err
	}

	var result prune.Result
	if dryRun {
		groups, err := store.ListGroups()
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		for _, g := range groups {
			snaps, err := store.ListSnapshots(g)
			if err != nil {
				return fmt.Errorf("list snapshots for %s: %w", g.RelPath(), err)
			}
			r := prune.Apply(snaps, policy)
			result.Kept = append(result.Kept, r.Kept...)
			result.Removed = append(result.Removed, r.Removed...)
		}
	} else {
		result, err = prune.Run(store, policy)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}

	e.logger.Info("prune finished",
		"datastore", dsName,
		"dry-run", dryRun,
		"kept", len(result.Kept),
		"removed", len(result.Removed),
	)
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	for _, s := range result.Removed {
		fmt.Printf("%s %s/%s\n", verb, s.Group.RelPath(), s.TimeString())
	}
	fmt.Printf("kept %d, %s %d\n", len(result.Kept), verb, len(result.Removed))
	return nil
}
