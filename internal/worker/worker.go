package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/queue"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HandlerFunc processes one work item payload. A returned error leaves
// the item unacknowledged/failed so the stall-reclaim path can retry
// it elsewhere.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps item methods to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(method string, h HandlerFunc) {
	r.handlers[method] = h
}

// Dispatch routes payload to the handler for method.
func (r *Registry) Dispatch(ctx context.Context, method string, payload []byte) error {
	h, ok := r.handlers[method]
	if !ok {
		return fmt.Errorf("no handler for method %s", method)
	}
	return h(ctx, payload)
}

// StreamSource is the slice of the stream group a worker consumes.
type StreamSource interface {
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]redis.XMessage, error)
	Ack(ctx context.Context, msgIDs ...string) error
}

// StreamWorker reads its share of the consumer group, dispatches each
// entry by method, and acks exactly the entries that processed
// successfully. Everything else stays pending for reclaim.
type StreamWorker struct {
	source   StreamSource
	consumer string
	registry *Registry
	count    int64
	block    time.Duration
	logger   *log.Logger
}

func NewStreamWorker(source StreamSource, consumer string, registry *Registry, count int64, block time.Duration, logger *log.Logger) *StreamWorker {
	return &StreamWorker{
		source:   source,
		consumer: consumer,
		registry: registry,
		count:    count,
		block:    block,
		logger:   logger,
	}
}

func (w *StreamWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stream worker shutting down", zap.String("consumer", w.consumer))
			return
		default:
		}

		msgs, err := w.source.Read(ctx, w.consumer, w.count, w.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to read stream entries", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.process(ctx, msg)
		}
	}
}

func (w *StreamWorker) process(ctx context.Context, msg redis.XMessage) {
	method, _ := msg.Values["method"].(string)
	payload, _ := msg.Values["payload"].(string)

	if err := w.registry.Dispatch(ctx, method, []byte(payload)); err != nil {
		// No ack: the entry stays pending until the idle-claim path
		// hands it to another consumer or dead-letters it.
		w.logger.Warn("Stream entry processing failed",
			zap.String("msg_id", msg.ID), zap.String("method", method), zap.Error(err))
		return
	}
	if err := w.source.Ack(ctx, msg.ID); err != nil {
		w.logger.Error("Failed to ack stream entry", zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

// Claimer is the slice of the fallback queue a worker consumes.
type Claimer interface {
	Claim(ctx context.Context, workerID string, batchSize int) ([]queue.Item, error)
	Complete(ctx context.Context, itemID int64, success bool, errMsg string) error
}

// QueueWorker drains the durable fallback queue: claim a batch,
// dispatch each item, and complete it exactly once. A failed item has
// its claim cleared immediately so another worker can retry it.
type QueueWorker struct {
	queue    Claimer
	workerID string
	registry *Registry
	batch    int
	interval time.Duration
	logger   *log.Logger
}

func NewQueueWorker(q Claimer, workerID string, registry *Registry, batch int, interval time.Duration, logger *log.Logger) *QueueWorker {
	return &QueueWorker{
		queue:    q,
		workerID: workerID,
		registry: registry,
		batch:    batch,
		interval: interval,
		logger:   logger,
	}
}

func (w *QueueWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Queue worker shutting down", zap.String("worker_id", w.workerID))
			return
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.Error("Queue drain failed", zap.Error(err))
			}
		}
	}
}

func (w *QueueWorker) drainOnce(ctx context.Context) error {
	items, err := w.queue.Claim(ctx, w.workerID, w.batch)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	for _, item := range items {
		err := w.registry.Dispatch(ctx, item.Method, item.Payload)
		if err != nil {
			w.logger.Warn("Queue item processing failed",
				zap.Int64("id", item.ID), zap.String("method", item.Method), zap.Error(err))
		}
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if cerr := w.queue.Complete(ctx, item.ID, err == nil, errMsg); cerr != nil {
			w.logger.Error("Failed to complete queue item", zap.Int64("id", item.ID), zap.Error(cerr))
		}
	}
	return nil
}
