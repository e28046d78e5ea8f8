package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chunkvault/internal/gc"
)

func newStatusCmd(e *env) *cobra.Command {
	var dsName string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a datastore's size and most recent garbage-collection result",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runStatus(ctx, e, dsName)
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	return cmd
}

func runStatus(ctx context.Context, e *env, dsName string) error {
	store, dsCfg, err := e.openDatastore(ctx, dsName)
	if err != nil {
		return err
	}

	groups, err := store.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	var snapshotCount int
	for _, g := range groups {
		snaps, err := store.ListSnapshots(g)
		if err != nil {
			return fmt.Errorf("list snapshots for %s: %w", g.RelPath(), err)
		}
		snapshotCount += len(snaps)
	}

	fmt.Printf("datastore: %s\npath:      %s\ngroups:    %d\nsnapshots: %d\n", dsName, store.Root(), len(groups), snapshotCount)
	if dsCfg.Polynomial != "" {
		fmt.Printf("chunking polynomial: %s\n", dsCfg.Polynomial)
	} else {
		fmt.Println("chunking polynomial: (none yet — set on first backup)")
	}

	status, err := gc.LoadStatus(store)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("garbage collection: never run")
	case err != nil:
		return fmt.Errorf("load gc status: %w", err)
	default:
		fmt.Printf("last garbage collection (upid %s):\n  disk: %d chunks, %d bytes\n  removed: %d chunks, %d bytes (%d corrupt)\n",
			status.UPID, status.DiskChunks, status.DiskBytes, status.RemovedChunks, status.RemovedBytes, status.RemovedBad)
	}
	return nil
}
