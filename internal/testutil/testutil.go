//go:build integration
// +build integration

// Package testutil starts throwaway Postgres and Redis instances for
// integration tests. Set TEST_DB_URL / TEST_REDIS_ADDR to reuse
// existing instances instead of Docker containers.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/Xuniverzadmin/remedyq/internal/store"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// StartPostgres returns a connected *sql.DB with the coordination
// schema applied and all tables empty.
func StartPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		pgContainer, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15"),
			postgres.WithDatabase("remedyq"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("securepassword"),
		)
		if err != nil {
			t.Fatalf("start postgres container: %s", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(ctx) })

		dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("postgres connection string: %s", err)
		}
	}

	db, err := store.Open(dbURL)
	if err != nil {
		t.Fatalf("open postgres: %s", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := store.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %s", err)
	}
	if _, err := db.Exec(`TRUNCATE TABLE locks, replay_log, dead_letter, outbox_events, work_queue`); err != nil {
		t.Fatalf("truncate tables: %s", err)
	}
	return db
}

// StartRedis returns a connected, flushed Redis client.
func StartRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		redisContainer, err := tcredis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("start redis container: %s", err)
		}
		t.Cleanup(func() { redisContainer.Terminate(ctx) })

		addr, err = redisContainer.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("redis endpoint: %s", err)
		}
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	if err := client.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %s", err)
	}
	return client
}
