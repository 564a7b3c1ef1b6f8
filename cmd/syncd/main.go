// Command syncd is a thin CLI wiring two localfs adapters and a state
// store through the engine, for manual verification. Per spec.md §1 this
// is a smoke-test harness, not a product surface, grounded on the
// teacher's cmd/client/main.go (root command with PreRunE config load,
// signal.NotifyContext root, tint/isatty logging setup).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relaysync/syncd/internal/config"
	"github.com/relaysync/syncd/internal/logging"
	"github.com/relaysync/syncd/internal/sync"
	"github.com/relaysync/syncd/pkg/adapter/localfs"
	"github.com/relaysync/syncd/pkg/store"
	"github.com/relaysync/syncd/pkg/store/bolt"
	"github.com/relaysync/syncd/pkg/store/sqlite"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Two-way file sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml/json/toml)")
	root.AddCommand(syncCmd(), planCmd(), watchCmd())
	return root
}

func syncCmd() *cobra.Command {
	var (
		dryRun   bool
		resolve  string
		excludes []string
	)
	cmd := &cobra.Command{
		Use:   "sync <local-dir> <remote-dir>",
		Short: "Run one full two-way sync pass",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			eng, st, err := buildEngine(args[0], args[1])
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := eng.Synchronize(cmd.Context(), sync.SyncOptions{
				DryRun:             dryRun,
				ConflictResolution: resolve,
				ExcludePatterns:    excludes,
			})
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			printResult(result)
			if !result.Success() {
				return fmt.Errorf("sync: completed with errors")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan actions without performing any I/O")
	cmd.Flags().StringVar(&resolve, "conflict-resolution", "", "prefer_newer|prefer_local|prefer_remote|skip")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "extra exclude glob, repeatable")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <local-dir> <remote-dir>",
		Short: "Print the sync plan without performing any I/O",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			eng, st, err := buildEngine(args[0], args[1])
			if err != nil {
				return err
			}
			defer st.Close()

			plan, err := eng.GetSyncPlan(cmd.Context(), sync.SyncOptions{})
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			buf, err := yaml.Marshal(plan)
			if err != nil {
				return fmt.Errorf("plan: marshal: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
			return nil
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <local-dir> <remote-dir>",
		Short: "Run the engine's background lifecycle: initial sync, periodic passes, and a local filesystem watcher",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			eng, st, err := buildEngine(args[0], args[1])
			if err != nil {
				return err
			}
			defer st.Close()

			eng.EnableWatch(args[0])
			sub := eng.Subscribe()
			defer eng.Unsubscribe(sub)
			go logEvents(sub)

			if err := eng.Start(cmd.Context()); err != nil {
				return fmt.Errorf("watch: start: %w", err)
			}
			<-cmd.Context().Done()
			return eng.Stop()
		},
	}
	return cmd
}

func buildEngine(localRoot, remoteRoot string) (*sync.Engine, store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.LocalRoot = localRoot
	cfg.RemoteRoot = remoteRoot
	if cfg.StorePath == "" {
		cfg.StorePath = localRoot + "/.syncd/state.db"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	local, err := localfs.New(cfg.LocalRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("open local adapter: %w", err)
	}
	remote, err := localfs.New(cfg.RemoteRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("open remote adapter: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Init(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}

	eng, err := sync.NewEngine(local, remote, st, sync.EngineConfig{
		Filter:                 sync.NewFilter(cfg.ExcludePatterns),
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		MaxBytesPerSecond:      cfg.MaxBytesPerSecond,
		FullSyncEvery:          cfg.FullSyncEvery,
		WatchImmediate:         cfg.WatchEnabled,
		HistoryRetained:        cfg.HistoryRetained,
	})
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, st, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case "bolt":
		return bolt.New(cfg.StorePath), nil
	default:
		return sqlite.New(cfg.StorePath), nil
	}
}

func setupLogging() {
	logging.SetDefault(logging.New(logging.Options{Level: slog.LevelInfo}))
}

func printResult(r *sync.RunResult) {
	slog.Info("sync complete",
		"synchronized", r.Synchronized,
		"skipped", r.Skipped,
		"conflicted", r.Conflicted,
		"deleted", r.Deleted,
		"failed", r.Failed,
		"cancelled", r.Cancelled,
	)
	for _, w := range r.Warnings {
		slog.Warn("sync warning", "message", w)
	}
}

func logEvents(ch <-chan sync.Event) {
	for ev := range ch {
		switch ev.Kind {
		case sync.EventStateChanged:
			slog.Info("engine state changed", "state", ev.State, "at", ev.OccurredAt.Format(time.RFC3339))
		case sync.EventConflictDetected:
			if ev.Conflict != nil {
				slog.Warn("conflict detected", "path", ev.Conflict.Path, "reason", ev.Conflict.Reason, "resolution", ev.Conflict.Resolution)
			}
		case sync.EventProgressChanged:
			if ev.Overall != nil {
				slog.Debug("progress", "path", ev.Overall.CurrentPath, "index", ev.Overall.CurrentIndex, "total", ev.Overall.TotalActions)
			}
		}
	}
}
