package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// errRateLimited marks an attempt skipped by the per-target rate
// budget. The event is left untouched for the next drain cycle.
var errRateLimited = errors.New("target rate limit exceeded")

// Target delivers one event to a downstream endpoint. Implementations
// must be safe for at-least-once delivery.
type Target interface {
	Deliver(ctx context.Context, ev Event) error
}

// TargetBudget is the throughput/timeout budget a target type
// declares. It lives in configuration, never in the durable event
// schema.
type TargetBudget struct {
	Timeout time.Duration
	RPS     rate.Limit
	Burst   int
}

// managedTarget wraps a target with its budget: a per-call timeout, a
// rate limiter, and a circuit breaker that backs off a degraded
// endpoint instead of hammering it.
type managedTarget struct {
	target  Target
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// RegisterTarget binds a target (and its budget) to an event type.
// Not safe to call concurrently with Drain; register everything at
// startup.
func (p *Processor) RegisterTarget(eventType string, target Target, budget TargetBudget) {
	if budget.Timeout <= 0 {
		budget.Timeout = 10 * time.Second
	}
	if budget.RPS <= 0 {
		budget.RPS = rate.Inf
	}
	if budget.Burst <= 0 {
		budget.Burst = 1
	}
	p.targets[eventType] = &managedTarget{
		target:  target,
		timeout: budget.Timeout,
		limiter: rate.NewLimiter(budget.RPS, budget.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    eventType,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		}),
	}
}

func (m *managedTarget) deliver(ctx context.Context, ev Event) error {
	if !m.limiter.Allow() {
		return errRateLimited
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return nil, m.target.Deliver(callCtx, ev)
	})
	return err
}

// HTTPTarget posts the event payload as JSON to a webhook-style
// endpoint. Any non-2xx status is a transient delivery failure.
type HTTPTarget struct {
	URL    string
	Client *http.Client
}

func (t *HTTPTarget) Deliver(ctx context.Context, ev Event) error {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(ev.Payload))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.EventType)
	req.Header.Set("X-Event-ID", fmt.Sprintf("%d", ev.ID))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
