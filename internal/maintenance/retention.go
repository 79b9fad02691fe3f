package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/archive"
	"github.com/Xuniverzadmin/remedyq/internal/outbox"
	"github.com/Xuniverzadmin/remedyq/internal/queue"
	"github.com/Xuniverzadmin/remedyq/internal/replay"
	"github.com/Xuniverzadmin/remedyq/internal/stream"
)

// retentionBatch bounds how many rows one pass archives per table.
const retentionBatch = 500

// Retention archives and removes rows past the retention window:
// resolved dead letters, delivered outbox events, completed queue
// items, and old replay-ledger entries. Everything deleted is written
// to the archive first.
type Retention struct {
	archiver    *archive.Archiver
	deadLetters *stream.DeadLetterStore
	outbox      *outbox.Processor
	queue       *queue.Queue
	replays     *replay.Log
	window      time.Duration
}

func NewRetention(archiver *archive.Archiver, deadLetters *stream.DeadLetterStore, ob *outbox.Processor,
	q *queue.Queue, replays *replay.Log, window time.Duration) *Retention {
	return &Retention{
		archiver:    archiver,
		deadLetters: deadLetters,
		outbox:      ob,
		queue:       q,
		replays:     replays,
		window:      window,
	}
}

// Run performs one retention sweep.
func (r *Retention) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-r.window)

	if err := r.archiveDeadLetters(ctx, cutoff); err != nil {
		return err
	}
	if err := r.archiveOutbox(ctx, cutoff); err != nil {
		return err
	}
	if err := r.archiveReplays(ctx, cutoff); err != nil {
		return err
	}
	if _, err := r.queue.PurgeProcessed(ctx, cutoff); err != nil {
		return err
	}
	if err := r.archiver.Cleanup(); err != nil {
		return fmt.Errorf("cleanup archive files: %w", err)
	}
	return nil
}

func (r *Retention) archiveDeadLetters(ctx context.Context, cutoff time.Time) error {
	entries, err := r.deadLetters.ListOlderThan(ctx, cutoff, retentionBatch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := r.archiver.Append("dead_letter", e); err != nil {
			return err
		}
		ids = append(ids, e.ID)
	}
	return r.deadLetters.DeleteByIDs(ctx, ids)
}

func (r *Retention) archiveOutbox(ctx context.Context, cutoff time.Time) error {
	events, err := r.outbox.ProcessedOlderThan(ctx, cutoff, retentionBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		if err := r.archiver.Append("outbox_event", ev); err != nil {
			return err
		}
		ids = append(ids, ev.ID)
	}
	return r.outbox.DeleteByIDs(ctx, ids)
}

func (r *Retention) archiveReplays(ctx context.Context, cutoff time.Time) error {
	entries, err := r.replays.ListOlderThan(ctx, cutoff, retentionBatch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := r.archiver.Append("replay_log", e); err != nil {
			return err
		}
		ids = append(ids, e.ID)
	}
	return r.replays.DeleteByIDs(ctx, ids)
}
