package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/lib/pq"
)

// Entry records the outcome of replaying one dead-lettered message.
// Exactly one row ever exists per original message ID; rows are never
// mutated, only deleted by retention.
type Entry struct {
	ID              int64     `json:"id"`
	OriginalMsgID   string    `json:"original_msg_id"`
	DeadLetterMsgID int64     `json:"dead_letter_msg_id"`
	NewMsgID        string    `json:"new_msg_id"`
	ReplayedBy      string    `json:"replayed_by"`
	ReplayedAt      time.Time `json:"replayed_at"`
}

// Log is the idempotency ledger for dead-letter replays. Any
// reprocessing of an original message is a lookup-or-create against
// this ledger, keyed by the message's broker-assigned identity.
type Log struct {
	db     *sql.DB
	logger *log.Logger
}

func NewLog(db *sql.DB, logger *log.Logger) *Log {
	return &Log{db: db, logger: logger}
}

// Record inserts the replay entry for originalMsgID, or returns the
// existing one. The second return is true when a prior replay already
// claimed the identity; callers must then use the returned entry's
// NewMsgID instead of their own.
func (l *Log) Record(ctx context.Context, originalMsgID string, deadLetterMsgID int64, newMsgID, replayedBy string) (Entry, bool, error) {
	e := Entry{
		OriginalMsgID:   originalMsgID,
		DeadLetterMsgID: deadLetterMsgID,
		NewMsgID:        newMsgID,
		ReplayedBy:      replayedBy,
	}
	err := l.db.QueryRowContext(ctx, `
        INSERT INTO replay_log (original_msg_id, dead_letter_msg_id, new_msg_id, replayed_by, replayed_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (original_msg_id) DO NOTHING
        RETURNING id, replayed_at
    `, originalMsgID, deadLetterMsgID, newMsgID, replayedBy, time.Now()).Scan(&e.ID, &e.ReplayedAt)
	if err == nil {
		return e, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("record replay: %w", err)
	}

	// Conflict: a replay for this identity already exists. The row is
	// immutable, so reading it back after the failed insert is safe.
	existing, err := l.Find(ctx, originalMsgID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("find existing replay: %w", err)
	}
	if existing == nil {
		return Entry{}, false, fmt.Errorf("replay row for %s vanished after conflict", originalMsgID)
	}
	return *existing, true, nil
}

// Find returns the replay entry for originalMsgID, or nil when none
// exists.
func (l *Log) Find(ctx context.Context, originalMsgID string) (*Entry, error) {
	var e Entry
	err := l.db.QueryRowContext(ctx, `
        SELECT id, original_msg_id, dead_letter_msg_id, new_msg_id, replayed_by, replayed_at
        FROM replay_log WHERE original_msg_id = $1
    `, originalMsgID).Scan(&e.ID, &e.OriginalMsgID, &e.DeadLetterMsgID, &e.NewMsgID, &e.ReplayedBy, &e.ReplayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find replay: %w", err)
	}
	return &e, nil
}

// ListOlderThan returns entries past the retention cutoff, oldest
// first, for archival before deletion.
func (l *Log) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT id, original_msg_id, dead_letter_msg_id, new_msg_id, replayed_by, replayed_at
        FROM replay_log WHERE replayed_at < $1 ORDER BY replayed_at LIMIT $2
    `, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list old replays: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OriginalMsgID, &e.DeadLetterMsgID, &e.NewMsgID, &e.ReplayedBy, &e.ReplayedAt); err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteByIDs removes archived entries.
func (l *Log) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
        DELETE FROM replay_log WHERE id = ANY($1)
    `, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete replays: %w", err)
	}
	return nil
}
