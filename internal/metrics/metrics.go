package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/outbox"
	"github.com/Xuniverzadmin/remedyq/internal/queue"
	"github.com/Xuniverzadmin/remedyq/internal/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type CoordMetrics struct {
	OutboxDelivered prometheus.Counter
	QueueEnqueued   prometheus.Counter
	StalledReleased prometheus.Counter
	StreamReclaimed prometheus.Counter
	DeadLettered    prometheus.Counter
	Replayed        prometheus.Counter

	QueueReady      prometheus.Gauge
	QueueInflight   prometheus.Gauge
	OutboxPending   prometheus.Gauge
	DeadLetterDepth prometheus.Gauge
	StreamPending   prometheus.Gauge

	queue       *queue.Queue
	outbox      *outbox.Processor
	deadLetters *stream.DeadLetterStore
	group       *stream.Group
	addr        string
	logger      *log.Logger
}

func NewCoordMetrics(q *queue.Queue, ob *outbox.Processor, dl *stream.DeadLetterStore, g *stream.Group, addr string, logger *log.Logger) *CoordMetrics {
	m := &CoordMetrics{
		OutboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_outbox_delivered_total", Help: "Outbox events delivered successfully",
		}),
		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_queue_enqueued_total", Help: "Items enqueued to the fallback queue",
		}),
		StalledReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_queue_stalled_released_total", Help: "Stalled claims released back to the queue",
		}),
		StreamReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_stream_reclaimed_total", Help: "Idle stream entries reclaimed",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_dead_lettered_total", Help: "Stream entries moved to the dead-letter store",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedyq_replayed_total", Help: "Dead letters replayed to the primary stream",
		}),

		QueueReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyq_queue_ready", Help: "Unclaimed fallback queue items",
		}),
		QueueInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyq_queue_inflight", Help: "Claimed, unprocessed fallback queue items",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyq_outbox_pending", Help: "Undelivered outbox events",
		}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyq_dead_letter_depth", Help: "Entries in the dead-letter store",
		}),
		StreamPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedyq_stream_pending", Help: "Entries pending in the consumer group",
		}),

		queue:       q,
		outbox:      ob,
		deadLetters: dl,
		group:       g,
		addr:        addr,
		logger:      logger,
	}

	prometheus.MustRegister(
		m.OutboxDelivered, m.QueueEnqueued, m.StalledReleased,
		m.StreamReclaimed, m.DeadLettered, m.Replayed,
		m.QueueReady, m.QueueInflight, m.OutboxPending, m.DeadLetterDepth, m.StreamPending,
	)
	return m
}

// Run serves /metrics and polls depth gauges until ctx is canceled.
func (m *CoordMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: m.addr, Handler: mux}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *CoordMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ready, inflight, err := m.queue.Depth(ctx); err == nil {
				m.QueueReady.Set(float64(ready))
				m.QueueInflight.Set(float64(inflight))
			}
			if n, err := m.outbox.PendingCount(ctx); err == nil {
				m.OutboxPending.Set(float64(n))
			}
			if n, err := m.deadLetters.Count(ctx); err == nil {
				m.DeadLetterDepth.Set(float64(n))
			}
			if n, err := m.group.PendingCount(ctx); err == nil {
				m.StreamPending.Set(float64(n))
			}
		}
	}
}
