package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/archive"
	"github.com/Xuniverzadmin/remedyq/internal/config"
	"github.com/Xuniverzadmin/remedyq/internal/id"
	"github.com/Xuniverzadmin/remedyq/internal/lock"
	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/maintenance"
	"github.com/Xuniverzadmin/remedyq/internal/metrics"
	"github.com/Xuniverzadmin/remedyq/internal/outbox"
	"github.com/Xuniverzadmin/remedyq/internal/queue"
	"github.com/Xuniverzadmin/remedyq/internal/replay"
	"github.com/Xuniverzadmin/remedyq/internal/server"
	"github.com/Xuniverzadmin/remedyq/internal/store"
	"github.com/Xuniverzadmin/remedyq/internal/stream"
	"github.com/Xuniverzadmin/remedyq/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := store.EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}

	locks := lock.NewManager(db, logger)
	replays := replay.NewLog(db, logger)
	deadLetters := stream.NewDeadLetterStore(db, logger)
	grp := stream.NewGroup(rdb, cfg.StreamKey, cfg.GroupName, cfg.ClaimIdle,
		cfg.MaxReclaimAttempts, cfg.StreamMaxLen, deadLetters, replays, logger)
	if err := grp.EnsureGroup(context.Background()); err != nil {
		logger.Fatal("Failed to create consumer group", zap.Error(err))
	}
	q := queue.New(db, node, logger)

	ob := outbox.NewProcessor(db, node, cfg.RetryBackoff, cfg.RetryBackoffCap, logger)
	if cfg.NotifyURL != "" {
		ob.RegisterTarget("suggestion.applied", &outbox.HTTPTarget{URL: cfg.NotifyURL}, outbox.TargetBudget{
			Timeout: cfg.NotifyTimeout,
			RPS:     rate.Limit(cfg.NotifyRPS),
			Burst:   int(cfg.NotifyRPS),
		})
	}

	archiver, err := archive.NewArchiver(cfg.ArchiveDir, cfg.RetentionWindow)
	if err != nil {
		logger.Fatal("Failed to initialize archiver", zap.Error(err))
	}
	defer archiver.Close()
	retention := maintenance.NewRetention(archiver, deadLetters, ob, q, replays, cfg.RetentionWindow)

	m := metrics.NewCoordMetrics(q, ob, deadLetters, grp, cfg.MetricsAddr, logger)

	tasks := []maintenance.Task{
		{Name: "outbox_drain", Run: func(ctx context.Context) error {
			n, err := ob.Drain(ctx, cfg.DrainBatchSize)
			if err != nil {
				return err
			}
			m.OutboxDelivered.Add(float64(n))
			return nil
		}},
		{Name: "stream_reclaim", Run: func(ctx context.Context) error {
			reclaimed, deadLettered, err := grp.ReclaimStalled(ctx, cfg.WorkerID)
			if err != nil {
				return err
			}
			m.StreamReclaimed.Add(float64(reclaimed))
			m.DeadLettered.Add(float64(deadLettered))
			return nil
		}},
		{Name: "queue_release_stalled", Run: func(ctx context.Context) error {
			n, err := q.ReleaseStalled(ctx, cfg.StallTimeout)
			if err != nil {
				return err
			}
			m.StalledReleased.Add(float64(n))
			return nil
		}},
		{Name: "retention", Run: retention.Run},
		{Name: "lock_cleanup", Run: func(ctx context.Context) error {
			_, err := locks.CleanupExpired(ctx)
			return err
		}},
		{Name: "stream_trim", Run: func(ctx context.Context) error {
			_, err := grp.Trim(ctx)
			return err
		}},
	}
	orchestrator := maintenance.NewOrchestrator(locks, cfg.LockTTL, cfg.LockRenewPeriod,
		cfg.MaintenanceInterval, tasks, logger)

	// Applying a suggestion commits its state change and the
	// notification intent in one transaction; the outbox processor
	// delivers the side effect later.
	registry := worker.NewRegistry()
	registry.Register("suggestion.apply", func(ctx context.Context, payload []byte) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := ob.Add(ctx, tx, "suggestion.applied", payload); err != nil {
			return err
		}
		return tx.Commit()
	})

	streamWorker := worker.NewStreamWorker(grp, cfg.WorkerID, registry,
		int64(cfg.ClaimBatchSize), 5*time.Second, logger)
	queueWorker := worker.NewQueueWorker(q, cfg.WorkerID, registry,
		cfg.ClaimBatchSize, time.Second, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go orchestrator.Run(ctx)
	go streamWorker.Run(ctx)
	go queueWorker.Run(ctx)
	go m.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, db, rdb, locks, q, grp, deadLetters, ob, m)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
