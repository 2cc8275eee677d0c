package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/config"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/storage/postgres"
)

var (
	envFile  = flag.String("env-file", ".env", "dotenv file applied before reading the environment")
	days     = flag.Int("days", 0, "Days of audit history to keep (0 uses BASTION_AUDIT_RETENTION_DAYS)")
	schedule = flag.String("schedule", "", "Cron schedule for cleanup (empty uses BASTION_AUDIT_CLEANUP_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run cleanup once and exit")
	timeout  = flag.Duration("timeout", 30*time.Minute, "Upper bound for a single cleanup run")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfigWithEnvFile(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "bastion-retention")

	keep := cfg.Audit.RetentionDays
	if *days > 0 {
		keep = *days
	}
	spec := cfg.Audit.CleanupSchedule
	if *schedule != "" {
		spec = *schedule
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	var opts []audit.Option
	if cfg.Storage.ArchiveEnabled() {
		archive, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			logger.WithError(err).Error("failed to create archive client")
			os.Exit(1)
		}
		opts = append(opts, audit.WithArchiver(archive, cfg.Audit.ArchivePrefix))
	}
	recorder := audit.NewRecorder(audit.NewSQLStore(db.Primary(), db.Replica()), logger, opts...)

	if *runOnce {
		if err := cleanup(ctx, recorder, keep, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	if spec == "" {
		logger.Error("no cleanup schedule configured; pass -schedule or -run-once")
		os.Exit(1)
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		// cleanup logs its own failure; the next run retries
		_ = cleanup(ctx, recorder, keep, logger)
	}); err != nil {
		logger.WithError(err).Error("failed to schedule audit cleanup")
		os.Exit(1)
	}
	c.Start()
	logger.WithFields(map[string]interface{}{
		"schedule":  spec,
		"days_kept": audit.ClampRetention(keep),
	}).Info("audit retention scheduler started")

	<-ctx.Done()
	logger.Info("shutting down gracefully")
	<-c.Stop().Done()
	logger.Info("audit retention scheduler stopped")
}

func cleanup(ctx context.Context, recorder *audit.Recorder, keep int, logger *observability.Logger) error {
	runCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	result, err := recorder.Cleanup(runCtx, nil, keep)
	if err != nil {
		logger.WithError(err).Error("audit cleanup failed")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"cutoff":      result.Cutoff,
		"deleted":     result.Deleted,
		"archive_key": result.ArchiveKey,
	}).Info("audit cleanup finished")
	return nil
}
