package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	ArchiveDir    string
	JWTSecret     string

	WorkerID string
	NodeID   int64

	HTTPAddr    string
	MetricsAddr string

	// Stream consumer group.
	StreamKey          string
	GroupName          string
	ClaimIdle          time.Duration
	MaxReclaimAttempts int
	StreamMaxLen       int64

	// Fallback queue.
	ClaimBatchSize int
	StallTimeout   time.Duration

	// Outbox.
	DrainBatchSize  int
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
	NotifyURL       string
	NotifyTimeout   time.Duration
	NotifyRPS       float64

	// Maintenance.
	LockTTL             time.Duration
	LockRenewPeriod     time.Duration
	MaintenanceInterval time.Duration
	RetentionWindow     time.Duration
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment.
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		ArchiveDir:    os.Getenv("ARCHIVE_DIR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		WorkerID:      os.Getenv("WORKER_ID"),

		HTTPAddr:    getString("HTTP_ADDR", ":8080"),
		MetricsAddr: getString("METRICS_ADDR", ":2112"),

		StreamKey:          getString("STREAM_KEY", "remedyq:suggestions"),
		GroupName:          getString("GROUP_NAME", "remedyq-workers"),
		ClaimIdle:          getDuration("CLAIM_IDLE", 30*time.Second),
		MaxReclaimAttempts: getInt("MAX_RECLAIM_ATTEMPTS", 3),
		StreamMaxLen:       int64(getInt("STREAM_MAX_LEN", 100000)),

		ClaimBatchSize: getInt("CLAIM_BATCH_SIZE", 10),
		StallTimeout:   getDuration("STALL_TIMEOUT", 5*time.Minute),

		DrainBatchSize:  getInt("DRAIN_BATCH_SIZE", 50),
		RetryBackoff:    getDuration("RETRY_BACKOFF", 1*time.Second),
		RetryBackoffCap: getDuration("RETRY_BACKOFF_CAP", 15*time.Minute),
		NotifyURL:       os.Getenv("NOTIFY_URL"),
		NotifyTimeout:   getDuration("NOTIFY_TIMEOUT", 10*time.Second),
		NotifyRPS:       float64(getInt("NOTIFY_RPS", 10)),

		LockTTL:             getDuration("LOCK_TTL", 60*time.Second),
		LockRenewPeriod:     getDuration("LOCK_RENEW_PERIOD", 20*time.Second),
		MaintenanceInterval: getDuration("MAINTENANCE_INTERVAL", 30*time.Second),
		RetentionWindow:     getDuration("RETENTION_WINDOW", 7*24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.ArchiveDir == "" {
		logger.Error("ARCHIVE_DIR is required")
		return nil, fmt.Errorf("ARCHIVE_DIR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
		logger.Info("Generated worker ID", zap.String("worker_id", cfg.WorkerID))
	}

	nodeID, err := strconv.ParseInt(getString("NODE_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid NODE_ID: %w", err)
	}
	cfg.NodeID = nodeID

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
