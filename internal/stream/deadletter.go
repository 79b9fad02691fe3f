package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/lib/pq"
)

// DeadLetterEntry is a stream entry that exceeded its reclaim bound.
// The original payload fields are kept intact for inspection and
// replay.
type DeadLetterEntry struct {
	ID              int64           `json:"id"`
	OriginalMsgID   string          `json:"original_msg_id"`
	Payload         json.RawMessage `json:"payload"`
	FailureReason   string          `json:"failure_reason"`
	FailedAt        time.Time       `json:"failed_at"`
	ReclaimAttempts int             `json:"reclaim_attempts"`
}

// DeadLetterStore persists dead letters in Postgres so they survive
// broker data loss and stay visible to operators.
type DeadLetterStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewDeadLetterStore(db *sql.DB, logger *log.Logger) *DeadLetterStore {
	return &DeadLetterStore{db: db, logger: logger}
}

func (s *DeadLetterStore) Insert(ctx context.Context, originalMsgID string, payload []byte, reason string, attempts int) (int64, error) {
	var dlID int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO dead_letter (original_msg_id, payload, failure_reason, failed_at, reclaim_attempts)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `, originalMsgID, payload, reason, time.Now(), attempts).Scan(&dlID)
	if err != nil {
		return 0, fmt.Errorf("insert dead letter: %w", err)
	}
	return dlID, nil
}

// FindByOriginal returns the dead letter for the original message ID,
// or nil when none exists.
func (s *DeadLetterStore) FindByOriginal(ctx context.Context, originalMsgID string) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	err := s.db.QueryRowContext(ctx, `
        SELECT id, original_msg_id, payload, failure_reason, failed_at, reclaim_attempts
        FROM dead_letter WHERE original_msg_id = $1
        ORDER BY failed_at DESC LIMIT 1
    `, originalMsgID).Scan(&e.ID, &e.OriginalMsgID, &e.Payload, &e.FailureReason, &e.FailedAt, &e.ReclaimAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find dead letter: %w", err)
	}
	return &e, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, dlID int64) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM dead_letter WHERE id = $1
    `, dlID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// List returns dead letters oldest first, for operator inspection.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, original_msg_id, payload, failure_reason, failed_at, reclaim_attempts
        FROM dead_letter ORDER BY failed_at LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

// ListOlderThan returns dead letters past the retention cutoff for
// archival before deletion.
func (s *DeadLetterStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, original_msg_id, payload, failure_reason, failed_at, reclaim_attempts
        FROM dead_letter WHERE failed_at < $1 ORDER BY failed_at LIMIT $2
    `, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list old dead letters: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

func (s *DeadLetterStore) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM dead_letter WHERE id = ANY($1)
    `, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete dead letters: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetters(rows *sql.Rows) ([]DeadLetterEntry, error) {
	var entries []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		err := rows.Scan(&e.ID, &e.OriginalMsgID, &e.Payload, &e.FailureReason, &e.FailedAt, &e.ReclaimAttempts)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
