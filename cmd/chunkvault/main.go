// Command chunkvault is a content-addressed, deduplicating backup client
// and maintenance tool. It drives the same datastore/session/gc/prune
// components a server process would, in-process against a local home
// directory — there is no network hop yet (see internal/wire for the
// message shapes a future server would speak).
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every subcommand via the rootEnv it closes over
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"chunkvault/internal/config"
	configmem "chunkvault/internal/config/memory"
	configsqlite "chunkvault/internal/config/sqlite"
	"chunkvault/internal/datastore"
	"chunkvault/internal/home"
	"chunkvault/internal/logging"
)

var version = "dev"

// env bundles the process-wide state every subcommand needs: the resolved
// home directory, its config store, and a registry shared across
// datastore lookups so repeated commands against the same datastore reuse
// one open chunk-store lock.
type env struct {
	logger   *slog.Logger
	home     home.Dir
	cfgStore config.Store
	registry *datastore.Registry
}

func (e *env) close() {
	if c, ok := e.cfgStore.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// openDatastore loads id's DatastoreConfig and opens (or reuses) its Store
// through the shared registry.
func (e *env) openDatastore(ctx context.Context, id string) (*datastore.Store, *config.DatastoreConfig, error) {
	dsCfg, err := e.cfgStore.GetDatastore(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load datastore %q: %w", id, err)
	}
	if dsCfg == nil {
		return nil, nil, fmt.Errorf("no datastore named %q (use \"chunkvault list\" to see configured datastores)", id)
	}
	root := dsCfg.Path
	if root == "" {
		root = e.home.DatastoreRoot(id)
	}
	store, err := e.registry.Lookup(id, datastore.Config{Path: root, RunDir: e.home.DatastoreRunDir(id)})
	if err != nil {
		return nil, nil, fmt.Errorf("open datastore %q: %w", id, err)
	}
	return store, dsCfg, nil
}

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(logging.NewComponentFilterHandler(handler, slog.LevelInfo))

	e := &env{logger: logger, registry: datastore.NewRegistry()}

	rootCmd := &cobra.Command{
		Use:   "chunkvault",
		Short: "Content-addressed deduplicating backup client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupEnv(cmd, e)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", "sqlite", "config store type: sqlite or memory")

	rootCmd.AddCommand(
		newBackupCmd(e),
		newRestoreCmd(e),
		newPruneCmd(e),
		newGarbageCollectCmd(e),
		newStatusCmd(e),
		newListCmd(e),
		newLoginCmd(e),
		newLogoutCmd(e),
		newSnapshotCmd(e),
		newServeCmd(e),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupEnv resolves the home directory and opens the config store once,
// before any subcommand's RunE runs.
func setupEnv(cmd *cobra.Command, e *env) error {
	homeFlag, _ := cmd.Flags().GetString("home")
	configType, _ := cmd.Flags().GetString("config-type")

	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	e.home = hd

	if configType != "memory" {
		if err := hd.EnsureExists(); err != nil {
			return err
		}
	}

	cfgStore, err := openConfigStore(hd, configType)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	e.cfgStore = cfgStore

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ensureConfig(ctx, e.logger, cfgStore); err != nil {
		return err
	}
	return nil
}

// ensureConfig bootstraps a default configuration the first time a home
// directory is used, mirroring the server's ensureConfig but without a
// --bootstrap flag to gate it: a CLI has no other way to get a first
// datastore without one.
func ensureConfig(ctx context.Context, logger *slog.Logger, cfgStore config.Store) error {
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return err
	}
	if cfg != nil {
		return nil
	}
	logger.Info("no config found, bootstrapping default configuration")
	return config.Bootstrap(ctx, cfgStore)
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// openConfigStore creates a config.Store based on config type and home directory.
func openConfigStore(hd home.Dir, configType string) (config.Store, error) {
	switch configType {
	case "memory":
		return configmem.NewStore(), nil
	case "sqlite":
		return configsqlite.NewStore(hd.ConfigPath("sqlite"))
	default:
		return nil, fmt.Errorf("unknown config store type: %q", configType)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// withSignalContext wraps a RunE so Ctrl-C cancels the context passed to
// long-running subcommands (backup, restore, garbage-collect).
func withSignalContext(fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return fn(ctx, cmd, args)
	}
}
