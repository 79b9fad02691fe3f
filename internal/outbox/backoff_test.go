package outbox

import (
	"testing"
	"time"
)

func TestBackoffForGrowsExponentially(t *testing.T) {
	p := &Processor{backoff: time.Second, backoffCap: time.Hour}

	for retries := 1; retries <= 5; retries++ {
		got := p.backoffFor(retries)
		base := time.Second * time.Duration(1<<retries)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("retries=%d: backoff %s outside jitter window [%s, %s]", retries, got, lo, hi)
		}
	}
}

func TestBackoffForIsCapped(t *testing.T) {
	p := &Processor{backoff: time.Second, backoffCap: time.Minute}

	for _, retries := range []int{10, 30, 100} {
		if got := p.backoffFor(retries); got > time.Minute {
			t.Fatalf("retries=%d: backoff %s exceeds cap", retries, got)
		}
	}
}

func TestBackoffForLargeRetryCountDoesNotOverflow(t *testing.T) {
	p := &Processor{backoff: time.Second, backoffCap: 15 * time.Minute}

	// A shift past 62 would wrap negative without the clamp.
	if got := p.backoffFor(1 << 20); got <= 0 || got > 15*time.Minute {
		t.Fatalf("expected capped positive backoff, got %s", got)
	}
}
