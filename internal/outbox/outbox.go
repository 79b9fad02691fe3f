package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/id"
	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Event is one pending side effect, written atomically with the state
// change that requires it. processed_at is set exactly once, only
// after a confirmed delivery; retry_count never decreases.
type Event struct {
	ID          int64           `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   *string         `json:"last_error,omitempty"`
}

// Processor drains the outbox table and delivers events to their
// registered targets. Drain is invoked under the lock manager so only
// one drainer is active system-wide.
type Processor struct {
	db         *sql.DB
	node       *id.Node
	targets    map[string]*managedTarget
	backoff    time.Duration
	backoffCap time.Duration
	logger     *log.Logger
}

func NewProcessor(db *sql.DB, node *id.Node, backoff, backoffCap time.Duration, logger *log.Logger) *Processor {
	return &Processor{
		db:         db,
		node:       node,
		targets:    make(map[string]*managedTarget),
		backoff:    backoff,
		backoffCap: backoffCap,
		logger:     logger,
	}
}

// Add writes an event inside the caller's transaction so the side
// effect intent commits atomically with the triggering state change.
func (p *Processor) Add(ctx context.Context, tx *sql.Tx, eventType string, payload []byte) (int64, error) {
	eventID := p.node.Generate()
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
        INSERT INTO outbox_events (id, event_type, payload, created_at, next_retry_at)
        VALUES ($1, $2, $3, $4, $4)
    `, eventID, eventType, payload, now)
	if err != nil {
		return 0, fmt.Errorf("add outbox event: %w", err)
	}
	return eventID, nil
}

// Drain delivers up to batchSize due events, oldest first, and returns
// how many were delivered. The locking read skips rows another drainer
// holds; success and failure bookkeeping commit in the same
// transaction as the claim, so a crash mid-delivery leaves every event
// either pending or fully committed, never half-done. Targets must
// tolerate at-least-once delivery.
func (p *Processor) Drain(ctx context.Context, batchSize int) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin drain tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.QueryContext(ctx, `
        SELECT id, event_type, payload, created_at, retry_count, next_retry_at, last_error
        FROM outbox_events
        WHERE processed_at IS NULL AND next_retry_at <= $1
        ORDER BY created_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    `, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select pending events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.CreatedAt,
			&ev.RetryCount, &ev.NextRetryAt, &ev.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending events: %w", err)
	}

	processed := 0
	for _, ev := range events {
		mt, ok := p.targets[ev.EventType]
		if !ok {
			if err := p.markFailed(ctx, tx, ev, fmt.Errorf("no target registered for %s", ev.EventType)); err != nil {
				return processed, err
			}
			continue
		}

		err := mt.deliver(ctx, ev)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
                UPDATE outbox_events SET processed_at = $2, last_error = NULL WHERE id = $1
            `, ev.ID, time.Now()); err != nil {
				return processed, fmt.Errorf("mark event processed: %w", err)
			}
			processed++
		case isThrottled(err):
			// Left untouched for the next drain cycle; not a failure.
			p.logger.Debug("Delivery throttled", zap.Int64("id", ev.ID), zap.String("event_type", ev.EventType))
		default:
			if err := p.markFailed(ctx, tx, ev, err); err != nil {
				return processed, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit drain tx: %w", err)
	}
	return processed, nil
}

// markFailed records a delivery failure: retry count up, next attempt
// pushed out by capped exponential backoff, error kept visible. There
// is no hard cutoff here; operators watch retry_count and intervene.
func (p *Processor) markFailed(ctx context.Context, tx *sql.Tx, ev Event, cause error) error {
	retries := ev.RetryCount + 1
	backoff := p.backoffFor(retries)
	_, err := tx.ExecContext(ctx, `
        UPDATE outbox_events
        SET retry_count = $2, next_retry_at = $3, last_error = $4
        WHERE id = $1
    `, ev.ID, retries, time.Now().Add(backoff), cause.Error())
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	p.logger.Warn("Delivery failed",
		zap.Int64("id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.Int("retries", retries),
		zap.Duration("backoff", backoff),
		zap.Error(cause))
	return nil
}

// backoffFor computes the delay before attempt retries+1: exponential
// from the configured base, ±20% jitter against thundering herds,
// capped at the configured maximum interval.
func (p *Processor) backoffFor(retries int) time.Duration {
	if retries > 30 {
		retries = 30
	}
	backoff := p.backoff * time.Duration(1<<retries)
	if backoff > p.backoffCap || backoff <= 0 {
		backoff = p.backoffCap
	}
	jitter := 0.8 + rand.Float64()*0.4
	backoff = time.Duration(float64(backoff) * jitter)
	if backoff > p.backoffCap {
		backoff = p.backoffCap
	}
	return backoff
}

// Pending lists undelivered events oldest first, for operator
// inspection.
func (p *Processor) Pending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT id, event_type, payload, created_at, retry_count, next_retry_at, last_error
        FROM outbox_events WHERE processed_at IS NULL ORDER BY created_at LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.CreatedAt,
			&ev.RetryCount, &ev.NextRetryAt, &ev.LastError); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PendingCount reports the number of undelivered events.
func (p *Processor) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL
    `).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// ProcessedOlderThan returns delivered events past the retention
// cutoff for archival before deletion.
func (p *Processor) ProcessedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT id, event_type, payload, created_at, processed_at, retry_count, next_retry_at, last_error
        FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < $1
        ORDER BY processed_at LIMIT $2
    `, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list processed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.CreatedAt,
			&ev.ProcessedAt, &ev.RetryCount, &ev.NextRetryAt, &ev.LastError); err != nil {
			return nil, fmt.Errorf("scan processed event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteByIDs removes archived events.
func (p *Processor) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
        DELETE FROM outbox_events WHERE id = ANY($1)
    `, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func isThrottled(err error) bool {
	return errors.Is(err, errRateLimited) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
