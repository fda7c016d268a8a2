package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"convocache/internal/cache"
	"convocache/internal/config"
	"convocache/internal/logging"
	"convocache/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "convocache",
	Short: "convocache - durable conversation cache diagnostics",
	Long: `convocache inspects and maintains the local conversation cache:
a schema-versioned SQLite store of chat sessions, messages, and in-flight
stream bookkeeping.

All commands operate on the cache database configured in convocache.yaml
(or --db / CONVOCACHE_DB_PATH).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Cache.DatabasePath = dbPath
		}

		return logging.Initialize(cfg.Logging.Directory, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// statsCmd prints diagnostic counts
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session, message, and active-stream counts",
	RunE:  runStats,
}

// sessionsCmd lists cached sessions by recency
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List cached sessions, most recently accessed first",
	RunE:  runSessions,
}

// cleanupCmd runs the retention sweep
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict cold sessions and abandon stale streams",
	RunE:  runCleanup,
}

// exportCmd writes a session's messages as CSV
var exportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Export a session's messages as CSV to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

// sweepCmd runs the periodic sweeper until interrupted
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the periodic retention sweeper until interrupted",
	RunE:  runSweep,
}

func openCache() (*cache.Cache, error) {
	st, err := store.NewWithRecovery(cfg.Cache.DatabasePath)
	if err != nil {
		return nil, err
	}
	if st.InMemory() && cfg.Cache.DatabasePath != ":memory:" {
		logger.Warn("Persistent cache unavailable, using memory-only store",
			zap.String("path", cfg.Cache.DatabasePath))
	}
	return cache.New(st, cache.Options{
		FlushEvery: cfg.Cache.FlushEveryDeltas,
		Retention: cache.RetentionConfig{
			MaxSessions:        cfg.Retention.MaxSessions,
			StaleStreamTimeout: cfg.Retention.StaleTimeout(),
			SweepInterval:      cfg.Retention.Sweep(),
		},
	}), nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Sessions:       %d\n", stats.SessionCount)
	fmt.Printf("Messages:       %d\n", stats.MessageCount)
	fmt.Printf("Active streams: %d\n", stats.ActiveStreamCount)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.Store().ListSessions(0)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		branch := ""
		if s.ParentID != "" {
			branch = fmt.Sprintf("  (branch of %s)", s.ParentID)
		}
		fmt.Printf("%s  %-40q  %3d msgs  last %s%s\n",
			s.ID, s.Title, s.MessageCount, s.LastAccessedAt.Format(time.RFC3339), branch)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Retention().Cleanup(cmd.Context())
	if err != nil {
		return err
	}

	logger.Info("Cleanup complete",
		zap.Int("sessions_evicted", stats.SessionsEvicted),
		zap.Int("messages_deleted", stats.MessagesDeleted),
		zap.Int("streams_abandoned", stats.StreamsAbandoned))
	fmt.Printf("Evicted %d sessions (%d messages), abandoned %d streams\n",
		stats.SessionsEvicted, stats.MessagesDeleted, stats.StreamsAbandoned)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	return c.ExportSessionCSV(os.Stdout, args[0])
}

func runSweep(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Init(ctx); err != nil {
		return err
	}

	// Hot-reload retention limits when the config file changes.
	stop, err := config.Watch(configPath, func(next *config.Config) {
		c.Retention().SetConfig(cache.RetentionConfig{
			MaxSessions:        next.Retention.MaxSessions,
			StaleStreamTimeout: next.Retention.StaleTimeout(),
			SweepInterval:      next.Retention.Sweep(),
		})
		logger.Info("Config reloaded",
			zap.Int("max_sessions", next.Retention.MaxSessions),
			zap.Duration("stale_stream_timeout", next.Retention.StaleTimeout()))
	})
	if err == nil {
		defer stop()
	} else {
		logger.Warn("Config watch unavailable", zap.Error(err))
	}

	logger.Info("Sweeper running", zap.Duration("interval", cfg.Retention.Sweep()))
	c.Retention().RunSweeper(ctx)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "convocache.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Cache database path (overrides config)")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
