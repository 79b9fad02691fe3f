package lock

import (
	"context"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"go.uber.org/zap"
)

// Keeper renews a held lease on a ticker so a long-running task does
// not lose it mid-flight. If an extend fails the holder has been
// preempted; the keeper stops and the task must notice via Lost.
type Keeper struct {
	locks  *Manager
	name   string
	holder string
	ttl    time.Duration
	period time.Duration
	logger *log.Logger

	lost chan struct{}
}

func NewKeeper(locks *Manager, name, holder string, ttl, period time.Duration, logger *log.Logger) *Keeper {
	return &Keeper{
		locks:  locks,
		name:   name,
		holder: holder,
		ttl:    ttl,
		period: period,
		logger: logger,
		lost:   make(chan struct{}),
	}
}

// Lost is closed when the keeper discovers the lease is no longer
// held. Callers must not commit side effects after Lost fires.
func (k *Keeper) Lost() <-chan struct{} {
	return k.lost
}

// Run renews the lease until ctx is canceled or the lease is lost.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := k.locks.Extend(ctx, k.name, k.holder, k.ttl)
			if err != nil {
				k.logger.Error("Failed to extend lease", zap.String("name", k.name), zap.Error(err))
				continue
			}
			if !ok {
				k.logger.Warn("Lease lost, another holder took over",
					zap.String("name", k.name), zap.String("holder", k.holder))
				close(k.lost)
				return
			}
		}
	}
}
