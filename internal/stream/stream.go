package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/replay"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Group is a broker-assisted, at-least-once queue over one Redis
// stream and one consumer group. The broker tracks per-entry pending
// state and delivery counts; this type layers stall recovery, bounded
// reclaim, dead-lettering, and idempotent replay on top.
type Group struct {
	rdb         *redis.Client
	stream      string
	group       string
	claimIdle   time.Duration
	maxReclaim  int
	maxLen      int64
	deadLetters *DeadLetterStore
	replays     *replay.Log
	logger      *log.Logger
}

func NewGroup(rdb *redis.Client, stream, group string, claimIdle time.Duration, maxReclaim int,
	maxLen int64, deadLetters *DeadLetterStore, replays *replay.Log, logger *log.Logger) *Group {
	return &Group{
		rdb:         rdb,
		stream:      stream,
		group:       group,
		claimIdle:   claimIdle,
		maxReclaim:  maxReclaim,
		maxLen:      maxLen,
		deadLetters: deadLetters,
		replays:     replays,
		logger:      logger,
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (g *Group) EnsureGroup(ctx context.Context) error {
	err := g.rdb.XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Append adds an entry to the primary stream and returns its
// broker-assigned ID. Within one producer, append order is preserved.
func (g *Group) Append(ctx context.Context, values map[string]interface{}) (string, error) {
	msgID, err := g.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: g.stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream: %w", err)
	}
	return msgID, nil
}

// Read fetches up to count unassigned entries for consumer, blocking
// up to block. An empty slice means nothing arrived in time.
func (g *Group) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: consumer,
		Streams:  []string{g.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// Ack marks entries as successfully processed, removing them from the
// group's pending set. Failing to ack is failure, never implicit
// success; unacked entries take the stall/reclaim path.
func (g *Group) Ack(ctx context.Context, msgIDs ...string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	if err := g.rdb.XAck(ctx, g.stream, g.group, msgIDs...).Err(); err != nil {
		return fmt.Errorf("ack entries: %w", err)
	}
	return nil
}

// ReclaimStalled reassigns entries pending longer than the idle bound
// to consumer, and dead-letters any entry whose reclaim count has
// exceeded the bound. Returns (reclaimed, deadLettered).
func (g *Group) ReclaimStalled(ctx context.Context, consumer string) (int, int, error) {
	pending, err := g.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: g.stream,
		Group:  g.group,
		Idle:   g.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read pending entries: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	var reclaimed, deadLettered int
	for _, pe := range pending {
		// The broker counts deliveries starting at 1 for the first
		// read; everything after that was a reclaim.
		reclaims := int(pe.RetryCount) - 1
		if reclaims > g.maxReclaim {
			if err := g.deadLetter(ctx, pe.ID, reclaims); err != nil {
				g.logger.Error("Failed to dead-letter entry", zap.String("msg_id", pe.ID), zap.Error(err))
				continue
			}
			deadLettered++
			continue
		}

		msgs, err := g.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   g.stream,
			Group:    g.group,
			Consumer: consumer,
			MinIdle:  g.claimIdle,
			Messages: []string{pe.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			g.logger.Error("Failed to claim idle entry", zap.String("msg_id", pe.ID), zap.Error(err))
			continue
		}
		reclaimed += len(msgs)
	}

	if reclaimed > 0 || deadLettered > 0 {
		g.logger.Info("Reclaimed stalled stream entries",
			zap.Int("reclaimed", reclaimed), zap.Int("dead_lettered", deadLettered))
	}
	return reclaimed, deadLettered, nil
}

// deadLetter copies the entry's original fields into the dead-letter
// store, then removes it from the primary group's pending set. The
// entry is never silently discarded: the payload and failure reason
// stay inspectable until an operator replays or retention archives it.
func (g *Group) deadLetter(ctx context.Context, msgID string, reclaims int) error {
	msgs, err := g.rdb.XRangeN(ctx, g.stream, msgID, msgID, 1).Result()
	if err != nil {
		return fmt.Errorf("fetch entry for dead letter: %w", err)
	}

	values := map[string]interface{}{}
	if len(msgs) > 0 {
		values = msgs[0].Values
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}

	reason := fmt.Sprintf("exceeded %d reclaim attempts", g.maxReclaim)
	if _, err := g.deadLetters.Insert(ctx, msgID, payload, reason, reclaims); err != nil {
		return err
	}

	if err := g.rdb.XAck(ctx, g.stream, g.group, msgID).Err(); err != nil {
		return fmt.Errorf("ack dead-lettered entry: %w", err)
	}
	if err := g.rdb.XDel(ctx, g.stream, msgID).Err(); err != nil {
		return fmt.Errorf("delete dead-lettered entry: %w", err)
	}
	return nil
}

// ReplayDeadLetter re-appends the original fields of a dead-lettered
// entry to the primary stream and removes the dead-letter record. The
// replay ledger makes the call idempotent: a second call with the same
// original ID returns the first call's new message ID without
// re-appending.
func (g *Group) ReplayDeadLetter(ctx context.Context, originalMsgID, replayedBy string) (string, bool, error) {
	if existing, err := g.replays.Find(ctx, originalMsgID); err != nil {
		return "", false, err
	} else if existing != nil {
		return existing.NewMsgID, true, nil
	}

	dl, err := g.deadLetters.FindByOriginal(ctx, originalMsgID)
	if err != nil {
		return "", false, err
	}
	if dl == nil {
		return "", false, fmt.Errorf("no dead letter for %s", originalMsgID)
	}

	var values map[string]interface{}
	if err := json.Unmarshal(dl.Payload, &values); err != nil {
		return "", false, fmt.Errorf("unmarshal dead letter payload: %w", err)
	}

	newMsgID, err := g.Append(ctx, values)
	if err != nil {
		return "", false, err
	}

	entry, already, err := g.replays.Record(ctx, originalMsgID, dl.ID, newMsgID, replayedBy)
	if err != nil {
		return "", false, err
	}
	if already {
		// Lost a race with a concurrent replay. The ledger's entry
		// wins; our duplicate append is tolerated by at-least-once
		// consumers.
		g.logger.Warn("Concurrent replay detected, using recorded message ID",
			zap.String("original_msg_id", originalMsgID), zap.String("new_msg_id", entry.NewMsgID))
		return entry.NewMsgID, true, nil
	}

	if err := g.deadLetters.Delete(ctx, dl.ID); err != nil {
		return "", false, err
	}
	g.logger.Info("Replayed dead letter",
		zap.String("original_msg_id", originalMsgID),
		zap.String("new_msg_id", newMsgID),
		zap.String("replayed_by", replayedBy))
	return newMsgID, false, nil
}

// Trim caps the primary stream to approximately maxLen entries. This
// is a capacity policy only; delivery semantics never depend on it.
func (g *Group) Trim(ctx context.Context) (int64, error) {
	n, err := g.rdb.XTrimMaxLenApprox(ctx, g.stream, g.maxLen, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("trim stream: %w", err)
	}
	return n, nil
}

// PendingCount reports the size of the group's pending set.
func (g *Group) PendingCount(ctx context.Context) (int64, error) {
	p, err := g.rdb.XPending(ctx, g.stream, g.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return p.Count, nil
}
