package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runwatch/runwatch/internal/config"
	"github.com/runwatch/runwatch/internal/daemon"
	"github.com/runwatch/runwatch/internal/ingest"
	"github.com/runwatch/runwatch/internal/logging"
	"github.com/runwatch/runwatch/internal/reap"
	"github.com/runwatch/runwatch/internal/spool"
	"github.com/runwatch/runwatch/internal/store"
)

var (
	cfg     = config.DefaultConfig()
	verbose bool
)

func main() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "unix socket path")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flags.StringVar(&cfg.SpoolDir, "spool", cfg.SpoolDir, "event spool directory to drain")
	flags.StringVar(&cfg.SnapshotPath, "snapshot", cfg.SnapshotPath, "JSON snapshot path (empty disables)")
	flags.DurationVar(&cfg.StalenessThreshold, "staleness", cfg.StalenessThreshold, "silence after which an active run is presumed lost")
	flags.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "how often to scan for stale runs")
	flags.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "how often to export the snapshot")
	flags.DurationVar(&cfg.SpoolRescanInterval, "spool-rescan", cfg.SpoolRescanInterval, "spool rescan period for NFS-delivered events")
	flags.BoolVar(&verbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runwatchd",
	Short:        "Run dashboard daemon: ingests run events and serves state over a unix socket",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.New(verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		return err
	}
	if err := seedFromSnapshot(ctx, st, log); err != nil {
		return err
	}

	engine := ingest.NewEngine(st, log)

	consumer, err := spool.NewConsumer(cfg.SpoolDir, engine, cfg.SpoolRescanInterval, log)
	if err != nil {
		return err
	}
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("spool consumer stopped", "error", err)
		}
	}()

	reaper := reap.NewReaper(st, engine, cfg.StalenessThreshold, log)
	go reaper.Loop(ctx, cfg.ReapInterval)

	if cfg.SnapshotPath != "" {
		go snapshotLoop(ctx, st, log)
	}

	srv := daemon.NewServer(cfg, st, engine, log)
	return srv.Start(ctx)
}

// seedFromSnapshot restores state from the shared snapshot when the local
// database is empty, e.g. after moving the daemon to a new machine.
func seedFromSnapshot(ctx context.Context, st *store.Store, log *slog.Logger) error {
	if cfg.SnapshotPath == "" {
		return nil
	}
	runs, err := st.ListRuns(ctx, nil)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		return nil
	}
	snap, err := store.LoadSnapshot(cfg.SnapshotPath)
	if err != nil {
		log.Warn("snapshot load failed, starting empty", "path", cfg.SnapshotPath, "error", err)
		return nil
	}
	imported, err := st.ImportSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if imported > 0 {
		log.Info("restored runs from snapshot", "count", imported, "path", cfg.SnapshotPath)
	}
	return nil
}

func snapshotLoop(ctx context.Context, st *store.Store, log *slog.Logger) {
	ticker := time.NewTicker(cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := st.ExportSnapshot(ctx)
			if err != nil {
				log.Warn("snapshot export failed", "error", err)
				continue
			}
			if err := store.WriteSnapshot(cfg.SnapshotPath, snap); err != nil {
				log.Warn("snapshot write failed", "path", cfg.SnapshotPath, "error", err)
			}
		}
	}
}
