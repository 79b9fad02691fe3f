//go:build integration
// +build integration

package replay

import (
	"context"
	"testing"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/testutil"
)

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	l := NewLog(db, log.NewNop())

	first, already, err := l.Record(ctx, "1700000000000-0", 42, "1700000099999-0", "operator-a")
	if err != nil {
		t.Fatalf("record: %s", err)
	}
	if already {
		t.Fatal("first record must not report an existing entry")
	}
	if first.ID == 0 {
		t.Fatal("first record should return a row ID")
	}

	// A second replay attempt for the same original identity is a
	// no-op returning the existing row, even with different inputs.
	second, already, err := l.Record(ctx, "1700000000000-0", 43, "1700000100000-0", "operator-b")
	if err != nil {
		t.Fatalf("record: %s", err)
	}
	if !already {
		t.Fatal("second record must report the existing entry")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row ID, got %d and %d", first.ID, second.ID)
	}
	if second.NewMsgID != "1700000099999-0" {
		t.Fatalf("expected the original new_msg_id, got %s", second.NewMsgID)
	}
	if second.ReplayedBy != "operator-a" {
		t.Fatalf("expected the original replayed_by, got %s", second.ReplayedBy)
	}
}

func TestFindMissing(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	l := NewLog(db, log.NewNop())

	e, err := l.Find(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("find: %s", err)
	}
	if e != nil {
		t.Fatalf("expected nil, got %+v", e)
	}
}

func TestRetentionListAndDelete(t *testing.T) {
	ctx := context.Background()
	db := testutil.StartPostgres(t)
	l := NewLog(db, log.NewNop())

	if _, _, err := l.Record(ctx, "old-entry", 1, "new-1", "op"); err != nil {
		t.Fatalf("record: %s", err)
	}
	if _, err := db.Exec(`UPDATE replay_log SET replayed_at = $1 WHERE original_msg_id = 'old-entry'`,
		time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("age entry: %s", err)
	}
	if _, _, err := l.Record(ctx, "fresh-entry", 2, "new-2", "op"); err != nil {
		t.Fatalf("record: %s", err)
	}

	old, err := l.ListOlderThan(ctx, time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("list older than: %s", err)
	}
	if len(old) != 1 || old[0].OriginalMsgID != "old-entry" {
		t.Fatalf("expected only the aged entry, got %+v", old)
	}

	if err := l.DeleteByIDs(ctx, []int64{old[0].ID}); err != nil {
		t.Fatalf("delete: %s", err)
	}
	if e, _ := l.Find(ctx, "old-entry"); e != nil {
		t.Fatal("aged entry should be deleted")
	}
	if e, _ := l.Find(ctx, "fresh-entry"); e == nil {
		t.Fatal("fresh entry should remain")
	}
}
