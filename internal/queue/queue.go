package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/id"
	"github.com/Xuniverzadmin/remedyq/internal/log"

	"go.uber.org/zap"
)

// Item is one unit of fallback work. An item with claimed_at set and
// processed_at null is in-flight and invisible to other claimers until
// it stalls.
type Item struct {
	ID           int64      `json:"id"`
	Method       string     `json:"method"`
	Payload      []byte     `json:"payload"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Queue is the relational-store-backed work queue used when the
// primary broker is unavailable, and as the persistent source of truth
// for at-least-once delivery.
type Queue struct {
	db     *sql.DB
	node   *id.Node
	logger *log.Logger
}

func New(db *sql.DB, node *id.Node, logger *log.Logger) *Queue {
	return &Queue{db: db, node: node, logger: logger}
}

// Enqueue inserts a ready item and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, method string, payload []byte) (int64, error) {
	itemID := q.node.Generate()
	_, err := q.db.ExecContext(ctx, `
        INSERT INTO work_queue (id, method, payload, created_at)
        VALUES ($1, $2, $3, $4)
    `, itemID, method, payload, time.Now())
	if err != nil {
		return 0, fmt.Errorf("enqueue item: %w", err)
	}
	return itemID, nil
}

// EnqueueTx inserts the item inside the caller's transaction so the
// work record commits atomically with the state change that
// necessitated it.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, method string, payload []byte) (int64, error) {
	itemID := q.node.Generate()
	_, err := tx.ExecContext(ctx, `
        INSERT INTO work_queue (id, method, payload, created_at)
        VALUES ($1, $2, $3, $4)
    `, itemID, method, payload, time.Now())
	if err != nil {
		return 0, fmt.Errorf("enqueue item in tx: %w", err)
	}
	return itemID, nil
}

// Claim marks up to batchSize unclaimed items as owned by workerID and
// returns them, oldest first. Concurrent claimers get disjoint batches:
// the locking read skips rows already locked by another in-flight
// transaction.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
        UPDATE work_queue
        SET claimed_by = $1, claimed_at = $2
        WHERE id IN (
            SELECT id FROM work_queue
            WHERE processed_at IS NULL AND claimed_at IS NULL
            ORDER BY created_at
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, method, payload, claimed_by, claimed_at, processed_at, error_message, created_at
    `, workerID, time.Now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		err := rows.Scan(&item.ID, &item.Method, &item.Payload, &item.ClaimedBy,
			&item.ClaimedAt, &item.ProcessedAt, &item.ErrorMessage, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Complete finishes an in-flight item. Success sets processed_at;
// failure clears the claim fields so the item is immediately
// reclaimable and records the error. Retry pacing is the caller's
// responsibility.
func (q *Queue) Complete(ctx context.Context, itemID int64, success bool, errMsg string) error {
	if success {
		_, err := q.db.ExecContext(ctx, `
            UPDATE work_queue SET processed_at = $2
            WHERE id = $1 AND processed_at IS NULL
        `, itemID, time.Now())
		if err != nil {
			return fmt.Errorf("complete item: %w", err)
		}
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
        UPDATE work_queue SET claimed_by = NULL, claimed_at = NULL, error_message = $2
        WHERE id = $1 AND processed_at IS NULL
    `, itemID, errMsg)
	if err != nil {
		return fmt.Errorf("fail item: %w", err)
	}
	return nil
}

// ReleaseStalled clears claims older than timeout on unprocessed items,
// covering worker crash or hang without the crashed worker's
// cooperation. Returns the number of items released.
func (q *Queue) ReleaseStalled(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
        UPDATE work_queue SET claimed_by = NULL, claimed_at = NULL
        WHERE processed_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < $1
    `, time.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("release stalled items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stalled rows affected: %w", err)
	}
	if n > 0 {
		q.logger.Info("Released stalled queue items", zap.Int64("count", n))
	}
	return n, nil
}

// Depth reports ready and in-flight counts for operator inspection.
func (q *Queue) Depth(ctx context.Context) (ready, inflight int64, err error) {
	err = q.db.QueryRowContext(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE claimed_at IS NULL),
            COUNT(*) FILTER (WHERE claimed_at IS NOT NULL)
        FROM work_queue WHERE processed_at IS NULL
    `).Scan(&ready, &inflight)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready, inflight, nil
}

// PurgeProcessed deletes completed items older than cutoff. Returns
// the number of rows removed.
func (q *Queue) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
        DELETE FROM work_queue WHERE processed_at IS NOT NULL AND processed_at < $1
    `, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge processed rows affected: %w", err)
	}
	return n, nil
}
