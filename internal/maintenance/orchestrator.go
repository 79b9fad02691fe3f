package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/lock"
	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockName guards the fleet-wide maintenance pass.
const LockName = "remedyq:maintenance"

// Locker is the slice of the lock manager the orchestrator needs.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) (bool, error)
}

// Task is one maintenance step. Tasks run in order; a failing or
// panicking task is logged and does not stop the rest of the pass.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator sequences maintenance tasks under a single lease so
// only one instance runs a pass at a time across the fleet. A pass
// that cannot take the lease is skipped, not an error.
type Orchestrator struct {
	locks    Locker
	keeperFn func(holder string) *lock.Keeper
	holder   string
	lockTTL  time.Duration
	interval time.Duration
	tasks    []Task
	logger   *log.Logger
}

func NewOrchestrator(locks *lock.Manager, lockTTL, renewPeriod, interval time.Duration, tasks []Task, logger *log.Logger) *Orchestrator {
	holder := "maint-" + uuid.NewString()
	return &Orchestrator{
		locks: locks,
		keeperFn: func(holder string) *lock.Keeper {
			return lock.NewKeeper(locks, LockName, holder, lockTTL, renewPeriod, logger)
		},
		holder:   holder,
		lockTTL:  lockTTL,
		interval: interval,
		tasks:    tasks,
		logger:   logger,
	}
}

// Run drives passes on a ticker until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Maintenance orchestrator shutting down")
			return
		case <-ticker.C:
			if _, err := o.RunPass(ctx); err != nil {
				o.logger.Error("Maintenance pass failed", zap.Error(err))
			}
		}
	}
}

// RunPass executes one maintenance pass. Returns false when the lease
// was unavailable and the pass was skipped.
func (o *Orchestrator) RunPass(ctx context.Context) (bool, error) {
	ok, err := o.locks.Acquire(ctx, LockName, o.holder, o.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire maintenance lock: %w", err)
	}
	if !ok {
		// Another instance is running the pass; try again next cycle.
		o.logger.Debug("Maintenance lock held elsewhere, skipping pass")
		return false, nil
	}
	defer func() {
		if _, err := o.locks.Release(ctx, LockName, o.holder); err != nil {
			o.logger.Error("Failed to release maintenance lock", zap.Error(err))
		}
	}()

	keeperCtx, stopKeeper := context.WithCancel(ctx)
	defer stopKeeper()
	if o.keeperFn != nil {
		go o.keeperFn(o.holder).Run(keeperCtx)
	}

	start := time.Now()
	for _, task := range o.tasks {
		o.runTask(ctx, task)
	}
	o.logger.Info("Maintenance pass complete",
		zap.Int("tasks", len(o.tasks)), zap.Duration("duration", time.Since(start)))
	return true, nil
}

// runTask isolates one task: its error or panic is recorded as a
// task-level failure and the pass continues.
func (o *Orchestrator) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic in maintenance task",
				zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		o.logger.Error("Maintenance task failed",
			zap.String("task", task.Name), zap.Error(err))
		return
	}
	o.logger.Debug("Maintenance task complete",
		zap.String("task", task.Name), zap.Duration("duration", time.Since(start)))
}
