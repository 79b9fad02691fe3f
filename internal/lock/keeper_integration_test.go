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

func TestKeeperExtendsLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "kept", "holder-1", 300*time.Millisecond); !ok {
		t.Fatal("acquire should succeed")
	}
	k := NewKeeper(m, "kept", "holder-1", 300*time.Millisecond, 100*time.Millisecond, log.NewNop())
	go k.Run(ctx)

	// Without renewals the lease would lapse well within this window.
	time.Sleep(700 * time.Millisecond)
	if ok, _ := m.Acquire(ctx, "kept", "holder-2", time.Minute); ok {
		t.Fatal("renewed lease must not be stealable")
	}
	select {
	case <-k.Lost():
		t.Fatal("keeper must not report a loss while renewing")
	default:
	}
}

func TestKeeperReportsLostLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := testutil.StartPostgres(t)
	m := NewManager(db, log.NewNop())

	if ok, _ := m.Acquire(ctx, "preempted", "holder-1", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}
	k := NewKeeper(m, "preempted", "holder-1", time.Minute, 50*time.Millisecond, log.NewNop())
	go k.Run(ctx)

	// Operator force-release hands the lock to someone else.
	if _, err := m.ForceRelease(ctx, "preempted"); err != nil {
		t.Fatalf("force release: %s", err)
	}

	select {
	case <-k.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("keeper should notice the preempted lease")
	}
}
