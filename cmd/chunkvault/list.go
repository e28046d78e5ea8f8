package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd(e *env) *cobra.Command {
	var dsName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured datastores, or a datastore's groups and snapshots with --datastore",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			if dsName == "" {
				return runListDatastores(ctx, e)
			}
			return runListGroups(ctx, e, dsName)
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "", "show this datastore's groups and snapshots instead of the datastore list")
	return cmd
}

func runListDatastores(ctx context.Context, e *env) error {
	cfg, err := e.cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil || len(cfg.Datastores) == 0 {
		fmt.Println("no datastores configured")
		return nil
	}
	for _, ds := range cfg.Datastores {
		path := ds.Path
		if path == "" {
			path = e.home.DatastoreRoot(ds.ID)
		}
		fmt.Printf("%s\t%s\n", ds.ID, path)
	}
	return nil
}

func runListGroups(ctx context.Context, e *env, dsName string) error {
	store, _, err := e.openDatastore(ctx, dsName)
	if err != nil {
		return err
	}
	groups, err := store.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Println("no backup groups in this datastore")
		return nil
	}
	for _, g := range groups {
		snaps, err := store.ListSnapshots(g)
		if err != nil {
			return fmt.Errorf("list snapshots for %s: %w", g.RelPath(), err)
		}
		fmt.Printf("%s (%d snapshot(s))\n", g.RelPath(), len(snaps))
		for _, s := range snaps {
			fmt.Printf("  %s\n", s.TimeString())
		}
	}
	return nil
}
