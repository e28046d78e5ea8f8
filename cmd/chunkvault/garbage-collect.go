package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chunkvault/internal/gc"
)

func newGarbageCollectCmd(e *env) *cobra.Command {
	var (
		dsName       string
		safetyMargin time.Duration
	)

	cmd := &cobra.Command{
		Use:     "garbage-collect",
		Aliases: []string{"gc"},
		Short:   "Reclaim chunks no longer referenced by any finalized snapshot",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runGarbageCollect(ctx, e, dsName, safetyMargin)
		}),
	}

	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().DurationVar(&safetyMargin, "safety-margin", gc.DefaultSafetyMargin, "minimum age an unreferenced chunk must reach before removal")

	return cmd
}

func runGarbageCollect(ctx context.Context, e *env, dsName string, safetyMargin time.Duration) error {
	store, _, err := e.openDatastore(ctx, dsName)
	if err != nil {
		return err
	}

	runner := gc.NewRunner(store, gc.WithSafetyMargin(safetyMargin), gc.WithLogger(e.logger))
	status, err := runner.Run()
	if err != nil {
		return fmt.Errorf("garbage collect: %w", err)
	}

	e.logger.Info("garbage collection finished",
		"datastore", dsName,
		"disk-chunks", status.DiskChunks,
		"disk-bytes", status.DiskBytes,
		"removed-chunks", status.RemovedChunks,
		"removed-bytes", status.RemovedBytes,
		"removed-bad", status.RemovedBad,
		"still-bad", status.StillBad,
	)
	fmt.Printf("disk: %d chunks, %d bytes\nremoved: %d chunks, %d bytes (%d corrupt)\npending (unreferenced, too young to remove): %d chunks, %d bytes\n",
		status.DiskChunks, status.DiskBytes, status.RemovedChunks, status.RemovedBytes, status.RemovedBad,
		status.PendingChunks, status.PendingBytes)
	return nil
}
