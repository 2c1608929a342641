package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/matsched/internal/config"
	"github.com/me/matsched/internal/cursor"
	"github.com/me/matsched/internal/engine"
	"github.com/me/matsched/internal/logging"
	"github.com/me/matsched/internal/simulate"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// logSink reports requested partitions without launching anything.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) SubmitRequests(ctx context.Context, tickID string, requested map[model.EntityKey]subset.Subset) error {
	for entity, sub := range requested {
		s.logger.Info("materialization requested", "tick_id", tickID, "entity", entity, "partitions", sub.Keys())
	}
	return nil
}

func newDaemonCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon <fixture.yaml>",
		Short: "Run the evaluation loop continuously",
		Long: "Daemon loads a graph, history, and rule policies from a YAML fixture and " +
			"evaluates a tick on every poll interval, persisting the tick cursor to SQLite " +
			"so decisions carry across restarts. Requested partitions are logged; run " +
			"launching lives outside this daemon.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
				logger = logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("interval") {
				cfg.PollInterval = interval
			}

			world, err := simulate.LoadFile(args[0])
			if err != nil {
				return err
			}

			path := cfg.DBPath
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("determine home directory: %w", err)
				}
				dir := filepath.Join(home, ".matsched")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
				path = filepath.Join(dir, "cursor.db")
			}

			store, err := cursor.NewSQLiteStore(path, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("cursor database ready", "path", path)

			opts := engine.Options{
				RespectDataVersions: cfg.RespectDataVersions,
				RunTags:             cfg.RunTags,
			}
			ev := engine.NewEvaluator(world.Graph, world.History, world.Runs, opts, logger)
			policies := world.Policies.WithDefaultCap(cfg.MaxMaterializationsPerTick)
			loop := engine.NewLoop(ev, policies, store, logSink{logger}, engine.Config{PollInterval: cfg.PollInterval}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "Cursor database path (default ~/.matsched/cursor.db)")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between evaluation ticks")

	return cmd
}
