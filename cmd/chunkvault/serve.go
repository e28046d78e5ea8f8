package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chunkvault/internal/gc"
	"chunkvault/internal/prune"
	"chunkvault/internal/scheduler"
)

// newServeCmd wires every configured datastore's GC and prune schedules
// into a scheduler and blocks until interrupted. There is no network
// listener here yet (see internal/wire for the message shapes a future
// server would speak) — this is the maintenance half of the server the
// client-facing CLI commands drive directly instead.
func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled garbage collection and pruning for every configured datastore",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runServe(ctx, e)
		}),
	}
}

func runServe(ctx context.Context, e *env) error {
	cfg, err := e.cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil || len(cfg.Datastores) == 0 {
		return fmt.Errorf("no datastores configured; nothing to serve")
	}

	sched, err := scheduler.New(e.logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	var registered int
	for _, dsCfg := range cfg.Datastores {
		store, _, err := e.openDatastore(ctx, dsCfg.ID)
		if err != nil {
			return fmt.Errorf("open datastore %q: %w", dsCfg.ID, err)
		}

		if dsCfg.GCSchedule != nil {
			var opts []gc.Option
			if dsCfg.GCSafetyMargin != nil {
				margin, err := time.ParseDuration(*dsCfg.GCSafetyMargin)
				if err != nil {
					return fmt.Errorf("datastore %q: parse gc-safety-margin: %w", dsCfg.ID, err)
				}
				opts = append(opts, gc.WithSafetyMargin(margin))
			}
			if err := sched.AddGCJob(store, *dsCfg.GCSchedule, opts...); err != nil {
				return fmt.Errorf("datastore %q: schedule gc: %w", dsCfg.ID, err)
			}
			registered++
		}
		if dsCfg.PruneSchedule != nil && !dsCfg.Retention.Empty() {
			policy := prune.PolicyFromConfig(dsCfg.Retention)
			if err := sched.AddPruneJob(store, *dsCfg.PruneSchedule, policy); err != nil {
				return fmt.Errorf("datastore %q: schedule prune: %w", dsCfg.ID, err)
			}
			registered++
		}
	}

	if registered == 0 {
		e.logger.Warn("no datastore has a GC or prune schedule configured; serve will idle")
	}

	sched.Start()
	e.logger.Info("serve started", "scheduled-jobs", registered)

	<-ctx.Done()

	e.logger.Info("serve stopping")
	return sched.Stop()
}
