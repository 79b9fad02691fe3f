package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/queue"

	"github.com/redis/go-redis/v9"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	var got []byte
	r.Register("suggestion.apply", func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})

	if err := r.Dispatch(context.Background(), "suggestion.apply", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("dispatch: %s", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("handler received %q", got)
	}

	if err := r.Dispatch(context.Background(), "unknown.method", nil); err == nil {
		t.Fatal("unknown method must error")
	}
}

type fakeSource struct {
	msgs  []redis.XMessage
	acked []string
}

func (f *fakeSource) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	out := f.msgs
	f.msgs = nil
	return out, nil
}

func (f *fakeSource) Ack(ctx context.Context, msgIDs ...string) error {
	f.acked = append(f.acked, msgIDs...)
	return nil
}

func TestStreamWorkerAcksOnlySuccesses(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(ctx context.Context, payload []byte) error { return nil })
	r.Register("bad", func(ctx context.Context, payload []byte) error { return errors.New("handler failed") })

	src := &fakeSource{}
	w := NewStreamWorker(src, "consumer-1", r, 10, time.Second, log.NewNop())

	w.process(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"method": "ok", "payload": `{}`},
	})
	w.process(context.Background(), redis.XMessage{
		ID:     "2-0",
		Values: map[string]interface{}{"method": "bad", "payload": `{}`},
	})
	w.process(context.Background(), redis.XMessage{
		ID:     "3-0",
		Values: map[string]interface{}{"method": "unregistered", "payload": `{}`},
	})

	if len(src.acked) != 1 || src.acked[0] != "1-0" {
		t.Fatalf("only the successful entry should be acked, got %v", src.acked)
	}
}

type fakeClaimer struct {
	items     []queue.Item
	completed map[int64]bool
	errMsgs   map[int64]string
}

func (f *fakeClaimer) Claim(ctx context.Context, workerID string, batchSize int) ([]queue.Item, error) {
	out := f.items
	f.items = nil
	return out, nil
}

func (f *fakeClaimer) Complete(ctx context.Context, itemID int64, success bool, errMsg string) error {
	if f.completed == nil {
		f.completed = make(map[int64]bool)
		f.errMsgs = make(map[int64]string)
	}
	f.completed[itemID] = success
	f.errMsgs[itemID] = errMsg
	return nil
}

func TestQueueWorkerCompletesEveryClaimedItem(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(ctx context.Context, payload []byte) error { return nil })
	r.Register("bad", func(ctx context.Context, payload []byte) error { return errors.New("downstream timeout") })

	cl := &fakeClaimer{items: []queue.Item{
		{ID: 1, Method: "ok", Payload: []byte(`{}`)},
		{ID: 2, Method: "bad", Payload: []byte(`{}`)},
	}}
	w := NewQueueWorker(cl, "worker-a", r, 10, time.Second, log.NewNop())

	if err := w.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain once: %s", err)
	}

	if success, ok := cl.completed[1]; !ok || !success {
		t.Fatal("successful item should be completed with success")
	}
	if success, ok := cl.completed[2]; !ok || success {
		t.Fatal("failed item should be completed with failure")
	}
	if cl.errMsgs[2] != "downstream timeout" {
		t.Fatalf("failure message should be recorded, got %q", cl.errMsgs[2])
	}
	if cl.errMsgs[1] != "" {
		t.Fatalf("successful item should carry no error message, got %q", cl.errMsgs[1])
	}
}
