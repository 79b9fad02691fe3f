//go:build integration
// +build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/testutil"
)

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	ok, err := m.Acquire(ctx, "resource-a", "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = m.Acquire(ctx, "resource-a", "holder-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}
	if ok {
		t.Fatal("second holder must not acquire a live lock")
	}

	// Re-entrant acquire by the current holder refreshes the lease.
	ok, err = m.Acquire(ctx, "resource-a", "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %s", err)
	}
	if !ok {
		t.Fatal("re-entrant acquire by the holder should succeed")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "resource-b", "holder-1", 100*time.Millisecond); !ok {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(150 * time.Millisecond)

	ok, err := m.Acquire(ctx, "resource-b", "holder-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}
	if !ok {
		t.Fatal("expired lock should be acquirable by another holder")
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "resource-c", "holder-1", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}

	ok, err := m.Release(ctx, "resource-c", "holder-2")
	if err != nil {
		t.Fatalf("release: %s", err)
	}
	if ok {
		t.Fatal("mismatched holder must not release the lock")
	}

	// The lock is still intact for holder-1.
	if ok, _ := m.Acquire(ctx, "resource-c", "holder-2", time.Minute); ok {
		t.Fatal("lock should still be held by holder-1")
	}

	ok, err = m.Release(ctx, "resource-c", "holder-1")
	if err != nil {
		t.Fatalf("release: %s", err)
	}
	if !ok {
		t.Fatal("current holder should release the lock")
	}

	if ok, _ := m.Acquire(ctx, "resource-c", "holder-2", time.Minute); !ok {
		t.Fatal("released lock should be acquirable")
	}
}

func TestExtendOnlyWhileHeld(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "resource-d", "holder-1", 200*time.Millisecond); !ok {
		t.Fatal("acquire should succeed")
	}

	ok, err := m.Extend(ctx, "resource-d", "holder-1", time.Minute)
	if err != nil {
		t.Fatalf("extend: %s", err)
	}
	if !ok {
		t.Fatal("holder should extend a live lease")
	}

	if ok, _ := m.Extend(ctx, "resource-d", "holder-2", time.Minute); ok {
		t.Fatal("non-holder must not extend the lease")
	}
}

func TestExtendFailsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "resource-e", "holder-1", 50*time.Millisecond); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(100 * time.Millisecond)

	if ok, _ := m.Extend(ctx, "resource-e", "holder-1", time.Minute); ok {
		t.Fatal("lapsed lease must not be extendable")
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "stale", "holder-1", 50*time.Millisecond); !ok {
		t.Fatal("acquire should succeed")
	}
	if ok, _ := m.Acquire(ctx, "live", "holder-1", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(100 * time.Millisecond)

	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %s", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired lock removed, got %d", n)
	}

	locks, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(locks) != 1 || locks[0].Name != "live" {
		t.Fatalf("expected only the live lock to remain, got %+v", locks)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	const contenders = 8
	results := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		holder := string(rune('a' + i))
		go func() {
			ok, err := m.Acquire(ctx, "contested", holder, time.Minute)
			if err != nil {
				t.Errorf("acquire: %s", err)
			}
			results <- ok
		}()
	}

	wins := 0
	for i := 0; i < contenders; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one contender must win, got %d", wins)
	}
}
