package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
)

type fakeLocker struct {
	held     bool
	acquires int
	releases int
}

func (f *fakeLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLocker) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return f.held, nil
}

func (f *fakeLocker) Release(ctx context.Context, name, holder string) (bool, error) {
	f.releases++
	released := f.held
	f.held = false
	return released, nil
}

func newTestOrchestrator(locks Locker, tasks []Task) *Orchestrator {
	return &Orchestrator{
		locks:   locks,
		holder:  "maint-test",
		lockTTL: time.Minute,
		tasks:   tasks,
		logger:  log.NewNop(),
	}
}

func TestRunPassExecutesTasksInOrder(t *testing.T) {
	locks := &fakeLocker{}
	var order []string
	o := newTestOrchestrator(locks, []Task{
		{Name: "first", Run: func(ctx context.Context) error {
			order = append(order, "first")
			return nil
		}},
		{Name: "second", Run: func(ctx context.Context) error {
			order = append(order, "second")
			return nil
		}},
	})

	ran, err := o.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %s", err)
	}
	if !ran {
		t.Fatal("pass should run when the lock is free")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected tasks in registration order, got %v", order)
	}
	if locks.releases != 1 {
		t.Fatalf("expected the lock released once, got %d", locks.releases)
	}
	if locks.held {
		t.Fatal("lock should be free after the pass")
	}
}

func TestRunPassSkipsWhenLockHeld(t *testing.T) {
	locks := &fakeLocker{held: true}
	ran := false
	o := newTestOrchestrator(locks, []Task{
		{Name: "noop", Run: func(ctx context.Context) error {
			ran = true
			return nil
		}},
	})

	got, err := o.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %s", err)
	}
	if got {
		t.Fatal("pass must be skipped while another holder has the lock")
	}
	if ran {
		t.Fatal("no task should run on a skipped pass")
	}
	if locks.releases != 0 {
		t.Fatal("a skipped pass must not release another holder's lock")
	}
}

func TestRunPassIsolatesTaskFailures(t *testing.T) {
	locks := &fakeLocker{}
	var order []string
	o := newTestOrchestrator(locks, []Task{
		{Name: "fails", Run: func(ctx context.Context) error {
			order = append(order, "fails")
			return errors.New("broken")
		}},
		{Name: "panics", Run: func(ctx context.Context) error {
			order = append(order, "panics")
			panic("boom")
		}},
		{Name: "survives", Run: func(ctx context.Context) error {
			order = append(order, "survives")
			return nil
		}},
	})

	ran, err := o.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %s", err)
	}
	if !ran {
		t.Fatal("pass should run")
	}
	if len(order) != 3 || order[2] != "survives" {
		t.Fatalf("a failing or panicking task must not stop the pass, got %v", order)
	}
	if locks.releases != 1 {
		t.Fatal("lock should still be released after task failures")
	}
}
