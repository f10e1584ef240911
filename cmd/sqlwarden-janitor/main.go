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
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/config"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

var (
	sessionSchedule = flag.String("session-schedule", "*/15 * * * *", "Cron schedule for session cleanup (default: every 15 minutes)")
	sessionGrace    = flag.Duration("session-grace", 24*time.Hour, "How long expired or revoked sessions are kept before deletion")
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit")
)

// janitor runs the periodic hygiene jobs against one storage handle.
type janitor struct {
	retention *audit.Retention
	sessions  *auth.SessionStore
	grace     time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel)
	logger.Info("Starting sqlwarden janitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer db.Close()

	var archiver audit.Archiver
	if cfg.ArchiveEnabled() {
		client, err := audit.NewS3Client(ctx, cfg.S3Config())
		if err != nil {
			logger.Fatalf("Failed to create S3 client: %v", err)
		}
		archiver = audit.NewS3Archiver(client, cfg.Audit.Archive.Bucket, cfg.Audit.Archive.Prefix)
		logger.Infof("Archiving purged audit entries to s3://%s/%s", cfg.Audit.Archive.Bucket, cfg.Audit.Archive.Prefix)
	}

	j := newJanitor(db, archiver, cfg.RetentionPolicy(), *sessionGrace, logger)

	if *runOnce {
		if err := j.runAll(ctx); err != nil {
			logger.Fatalf("Janitor run failed: %v", err)
		}
		logger.Info("Janitor run completed successfully")
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Audit.Schedule, func() {
		if err := j.purgeAudit(ctx); err != nil {
			logger.Errorf("Audit retention failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Failed to schedule audit retention: %v", err)
	}
	if _, err := c.AddFunc(*sessionSchedule, func() {
		if err := j.cleanSessions(ctx); err != nil {
			logger.Errorf("Session cleanup failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Failed to schedule session cleanup: %v", err)
	}

	c.Start()
	logger.Infof("Audit retention schedule: %s (%d days)", cfg.Audit.Schedule, cfg.Audit.RetentionDays)
	logger.Infof("Session cleanup schedule: %s", *sessionSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")
	cancel()

	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Janitor stopped")
}

func newJanitor(db *storage.Handle, archiver audit.Archiver, policy audit.RetentionPolicy, grace time.Duration, logger *logrus.Logger) *janitor {
	recorder := audit.NewRecorder(db, observability.NopLogger())
	return &janitor{
		retention: audit.NewRetention(recorder, archiver, policy),
		sessions:  auth.NewSessionStore(db),
		grace:     grace,
		logger:    logger,
		now:       time.Now,
	}
}

// runAll runs audit retention and session cleanup concurrently.
func (j *janitor) runAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.purgeAudit(gctx) })
	g.Go(func() error { return j.cleanSessions(gctx) })
	return g.Wait()
}

func (j *janitor) purgeAudit(ctx context.Context) error {
	result, err := j.retention.Run(ctx, j.now())
	if err != nil {
		return fmt.Errorf("audit retention: %w", err)
	}
	j.logger.WithFields(logrus.Fields{
		"cutoff":   result.Cutoff,
		"archived": result.Archived,
		"deleted":  result.Deleted,
	}).Info("Audit retention completed")
	for _, location := range result.Locations {
		j.logger.Debugf("  archived to %s", location)
	}
	return nil
}

// cleanSessions revokes sessions of deactivated users, then deletes sessions
// that expired or were revoked more than grace ago.
func (j *janitor) cleanSessions(ctx context.Context) error {
	revoked, err := j.sessions.RevokeInactiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("revoke inactive sessions: %w", err)
	}
	purged, err := j.sessions.PurgeExpired(ctx, j.now().UTC().Add(-j.grace))
	if err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	j.logger.WithFields(logrus.Fields{
		"revoked": revoked,
		"purged":  purged,
	}).Info("Session cleanup completed")
	return nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
