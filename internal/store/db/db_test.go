package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens a database with the schema initialized.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testMood(user string, mood int) *schema.MoodEntry {
	return &schema.MoodEntry{
		Meta:       schema.Meta{UserID: user},
		Mood:       mood,
		Note:       "walked outside",
		Tags:       []string{"outside"},
		RecordedAt: time.UnixMilli(1_700_000_000_000),
	}
}

func remoteMood(serverID string, created int64, score int) *schema.MoodEntry {
	return &schema.MoodEntry{
		Meta: schema.Meta{
			ServerID:        serverID,
			UserID:          "u1",
			SyncStatus:      schema.StatusSynced,
			ServerCreatedAt: created,
		},
		Mood:       score,
		RecordedAt: time.UnixMilli(created),
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("path = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_CreatesTables(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"mood_entries", "progress_entries", "chat_messages", "outbox", "dead_letters", "sync_cursors"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestOutbox_FIFOPerCollection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var moodIDs []int64
	for i := 0; i < 3; i++ {
		id, err := db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{}`))
		if err != nil {
			t.Fatalf("AppendOutbox() failed: %v", err)
		}
		moodIDs = append(moodIDs, id)
		if _, err := db.AppendOutbox(ctx, schema.Progress, schema.OpUpsert, []byte(`{}`)); err != nil {
			t.Fatalf("AppendOutbox() failed: %v", err)
		}
	}

	ops, err := db.ListOutbox(ctx, schema.Moods, 0)
	if err != nil {
		t.Fatalf("ListOutbox() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("len(ops) = %d, want 3", len(ops))
	}
	for i, op := range ops {
		if op.ID != moodIDs[i] {
			t.Errorf("ops[%d].ID = %d, want %d", i, op.ID, moodIDs[i])
		}
		if op.Collection != schema.Moods {
			t.Errorf("ops[%d].Collection = %q", i, op.Collection)
		}
	}

	limited, err := db.ListOutbox(ctx, schema.Moods, 2)
	if err != nil {
		t.Fatalf("ListOutbox(limit) failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != moodIDs[0] {
		t.Errorf("ListOutbox(limit=2) = %+v", limited)
	}
}

func TestOutbox_RejectsUnknownCollection(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.AppendOutbox(context.Background(), "widgets", schema.OpUpsert, []byte(`{}`)); err == nil {
		t.Error("AppendOutbox() should reject an unknown collection")
	}
}

func TestOutbox_IncrementAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{}`))
	if err != nil {
		t.Fatalf("AppendOutbox() failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		tries, err := db.IncrementTries(ctx, id)
		if err != nil {
			t.Fatalf("IncrementTries() failed: %v", err)
		}
		if tries != want {
			t.Errorf("tries = %d, want %d", tries, want)
		}
	}

	if err := db.DeleteOutbox(ctx, id); err != nil {
		t.Fatalf("DeleteOutbox() failed: %v", err)
	}
	if _, err := db.IncrementTries(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementTries() after delete = %v, want ErrNotFound", err)
	}

	count, err := db.CountOutbox(ctx, schema.Moods)
	if err != nil {
		t.Fatalf("CountOutbox() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("CountOutbox() = %d, want 0", count)
	}
}

func TestFailOperation_DeadLettersAtLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{"localId":"l1"}`))
	ops, _ := db.ListOutbox(ctx, schema.Moods, 0)

	for want := 1; want <= 2; want++ {
		tries, dead, err := db.FailOperation(ctx, ops[0], "timeout", 3)
		if err != nil {
			t.Fatalf("FailOperation() failed: %v", err)
		}
		if tries != want || dead {
			t.Errorf("FailOperation() = (%d, %v), want (%d, false)", tries, dead, want)
		}
	}

	tries, dead, err := db.FailOperation(ctx, ops[0], "timeout", 3)
	if err != nil {
		t.Fatalf("FailOperation() failed: %v", err)
	}
	if tries != 3 || !dead {
		t.Errorf("FailOperation() = (%d, %v), want (3, true)", tries, dead)
	}

	outboxCount, _ := db.CountOutbox(ctx, schema.Moods)
	dlqCount, _ := db.CountDeadLetter(ctx, schema.Moods)
	if outboxCount != 0 || dlqCount != 1 {
		t.Errorf("outbox=%d dead letters=%d, want 0 and 1", outboxCount, dlqCount)
	}
	entries, _ := db.ListDeadLetters(ctx, DeadLetterFilter{Collection: schema.Moods})
	if len(entries) != 1 || entries[0].Tries != 3 || entries[0].OpID != id || entries[0].LastError != "timeout" {
		t.Errorf("dead letters = %+v", entries)
	}

	if _, _, err := db.FailOperation(ctx, ops[0], "again", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailOperation() after dead-letter = %v, want ErrNotFound", err)
	}
}

func TestListOutboxAfter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, _ := db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{}`))
		ids = append(ids, id)
	}
	_, _ = db.AppendOutbox(ctx, schema.Progress, schema.OpUpsert, []byte(`{}`))

	page, err := db.ListOutboxAfter(ctx, schema.Moods, ids[1], 0)
	if err != nil {
		t.Fatalf("ListOutboxAfter() failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[3] {
		t.Errorf("ListOutboxAfter(%d) = %+v", ids[1], page)
	}

	page, _ = db.ListOutboxAfter(ctx, schema.Moods, ids[0], 1)
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("ListOutboxAfter(limit=1) = %+v", page)
	}
}

func TestMoveToDeadLetter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{"localId":"l1"}`))
	_, _ = db.IncrementTries(ctx, id)
	ops, _ := db.ListOutbox(ctx, schema.Moods, 0)

	if err := db.MoveToDeadLetter(ctx, ops[0], "server said no"); err != nil {
		t.Fatalf("MoveToDeadLetter() failed: %v", err)
	}
	if err := db.MoveToDeadLetter(ctx, ops[0], "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second MoveToDeadLetter() = %v, want ErrNotFound", err)
	}

	outboxCount, _ := db.CountOutbox(ctx, schema.Moods)
	dlqCount, _ := db.CountDeadLetter(ctx, schema.Moods)
	if outboxCount != 0 || dlqCount != 1 {
		t.Errorf("outbox=%d dead letters=%d, want 0 and 1", outboxCount, dlqCount)
	}

	entries, err := db.ListDeadLetters(ctx, DeadLetterFilter{Collection: schema.Moods})
	if err != nil {
		t.Fatalf("ListDeadLetters() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].LastError != "server said no" || entries[0].Tries != 1 || entries[0].OpID != id {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestPurgeStaleDeadLetter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-30 * 24 * time.Hour)
	db.SetClock(func() time.Time { return clock })

	deadLetter := func(c schema.Collection) {
		id, err := db.AppendOutbox(ctx, c, schema.OpUpsert, []byte(`{}`))
		if err != nil {
			t.Fatalf("AppendOutbox() failed: %v", err)
		}
		ops, _ := db.ListOutbox(ctx, c, 0)
		for _, op := range ops {
			if op.ID == id {
				if err := db.MoveToDeadLetter(ctx, op, "boom"); err != nil {
					t.Fatalf("MoveToDeadLetter() failed: %v", err)
				}
			}
		}
	}

	// One old entry, then four recent ones for moods and one for progress.
	deadLetter(schema.Moods)
	clock = now.Add(-time.Hour)
	for i := 0; i < 4; i++ {
		clock = clock.Add(time.Minute)
		deadLetter(schema.Moods)
	}
	deadLetter(schema.Progress)
	clock = now

	purged, err := db.PurgeStaleDeadLetter(ctx, PurgePolicy{MaxAge: 7 * 24 * time.Hour, MaxPerCollection: 2})
	if err != nil {
		t.Fatalf("PurgeStaleDeadLetter() failed: %v", err)
	}
	if purged != 3 {
		t.Errorf("purged = %d, want 3", purged)
	}

	moods, _ := db.CountDeadLetter(ctx, schema.Moods)
	progress, _ := db.CountDeadLetter(ctx, schema.Progress)
	if moods != 2 || progress != 1 {
		t.Errorf("moods=%d progress=%d, want 2 and 1", moods, progress)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _ = db.AppendOutbox(ctx, schema.Moods, schema.OpUpsert, []byte(`{"localId":"l1"}`))
	ops, _ := db.ListOutbox(ctx, schema.Moods, 0)
	_, _ = db.IncrementTries(ctx, ops[0].ID)
	if err := db.MoveToDeadLetter(ctx, ops[0], "boom"); err != nil {
		t.Fatalf("MoveToDeadLetter() failed: %v", err)
	}
	entries, _ := db.ListDeadLetters(ctx, DeadLetterFilter{})

	n, err := db.RequeueDeadLetter(ctx, []int64{entries[0].ID, 9999})
	if err != nil {
		t.Fatalf("RequeueDeadLetter() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	requeued, _ := db.ListOutbox(ctx, schema.Moods, 0)
	if len(requeued) != 1 || requeued[0].Tries != 0 || string(requeued[0].Payload) != `{"localId":"l1"}` {
		t.Errorf("requeued outbox = %+v", requeued)
	}
	if count, _ := db.CountDeadLetter(ctx, schema.Moods); count != 0 {
		t.Errorf("dead letters after requeue = %d, want 0", count)
	}
}

func TestCursor_Monotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetCursor(ctx, schema.Moods); err != nil || ok {
		t.Fatalf("GetCursor() on empty = ok %v err %v", ok, err)
	}

	steps := []struct {
		set  int64
		want int64
	}{
		{1000, 1000},
		{1075, 1075},
		{900, 1075},
		{1075, 1075},
		{2000, 2000},
	}
	for _, step := range steps {
		if err := db.SetCursor(ctx, schema.Moods, step.set); err != nil {
			t.Fatalf("SetCursor(%d) failed: %v", step.set, err)
		}
		got, ok, err := db.GetCursor(ctx, schema.Moods)
		if err != nil || !ok {
			t.Fatalf("GetCursor() = ok %v err %v", ok, err)
		}
		if got != step.want {
			t.Errorf("after SetCursor(%d): watermark = %d, want %d", step.set, got, step.want)
		}
	}

	if err := db.ResetCursor(ctx, schema.Moods); err != nil {
		t.Fatalf("ResetCursor() failed: %v", err)
	}
	if _, ok, _ := db.GetCursor(ctx, schema.Moods); ok {
		t.Error("cursor still present after reset")
	}
}

func TestCursor_SurvivesReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_ = db.InitSchema()
	_ = db.SetCursor(ctx, schema.Progress, 4242)
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	_ = db.SetCursor(ctx, schema.Progress, 10)

	got, _, _ := db.GetCursor(ctx, schema.Progress)
	if got != 4242 {
		t.Errorf("watermark after reopen = %d, want 4242", got)
	}
}

func TestSaveRecord_QueuesUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mood := testMood("u1", 4)
	opID, err := db.SaveRecord(ctx, mood)
	if err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}
	if mood.LocalID == "" {
		t.Fatal("SaveRecord() did not assign a local id")
	}

	ops, _ := db.ListOutbox(ctx, schema.Moods, 0)
	if len(ops) != 1 || ops[0].ID != opID || ops[0].Kind != schema.OpUpsert {
		t.Fatalf("outbox = %+v", ops)
	}
	payload, err := schema.DecodePayload(schema.Moods, schema.OpUpsert, ops[0].Payload)
	if err != nil {
		t.Fatalf("queued payload does not decode: %v", err)
	}
	if payload.LocalID() != mood.LocalID || payload.Owner() != "u1" {
		t.Errorf("payload = %+v", payload)
	}

	rec, err := db.GetRecord(ctx, schema.Moods, mood.LocalID)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Metadata().SyncStatus != schema.StatusPending {
		t.Errorf("status = %q, want pending", rec.Metadata().SyncStatus)
	}
}

func TestSaveRecord_Invalid(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.SaveRecord(context.Background(), testMood("u1", 0)); err == nil {
		t.Error("SaveRecord() should reject mood 0")
	}
}

func TestAcknowledgeSynced(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mood := testMood("u1", 3)
	if _, err := db.SaveRecord(ctx, mood); err != nil {
		t.Fatalf("SaveRecord() failed: %v", err)
	}

	found, err := db.AcknowledgeSynced(ctx, schema.Moods, mood.LocalID, "m1", time.Now())
	if err != nil || !found {
		t.Fatalf("AcknowledgeSynced() = %v, %v", found, err)
	}

	rec, _ := db.GetRecord(ctx, schema.Moods, mood.LocalID)
	meta := rec.Metadata()
	if meta.ServerID != "m1" || meta.SyncStatus != schema.StatusSynced || meta.LastSynced == nil {
		t.Errorf("meta = %+v", meta)
	}

	found, err = db.AcknowledgeSynced(ctx, schema.Moods, "missing", "m2", time.Now())
	if err != nil || found {
		t.Errorf("AcknowledgeSynced(missing) = %v, %v", found, err)
	}
}

func TestSaveRecord_EditAfterSyncQueuesDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mood := testMood("u1", 3)
	firstOp, _ := db.SaveRecord(ctx, mood)
	_ = db.DeleteOutbox(ctx, firstOp)
	_, _ = db.AcknowledgeSynced(ctx, schema.Moods, mood.LocalID, "m1", time.Now())

	mood.Mood = 5
	if _, err := db.SaveRecord(ctx, mood); err != nil {
		t.Fatalf("SaveRecord() edit failed: %v", err)
	}

	ops, _ := db.ListOutbox(ctx, schema.Moods, 0)
	if len(ops) != 2 || ops[0].Kind != schema.OpDelete || ops[1].Kind != schema.OpUpsert {
		t.Fatalf("outbox = %+v", ops)
	}
	rec, _ := db.GetRecord(ctx, schema.Moods, mood.LocalID)
	if rec.Metadata().ServerID != "" {
		t.Errorf("server id = %q, want cleared", rec.Metadata().ServerID)
	}
}

func TestDeleteRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("never synced cancels pending upsert", func(t *testing.T) {
		mood := testMood("u1", 2)
		_, _ = db.SaveRecord(ctx, mood)

		opID, err := db.DeleteRecord(ctx, schema.Moods, mood.LocalID)
		if err != nil {
			t.Fatalf("DeleteRecord() failed: %v", err)
		}
		if opID != 0 {
			t.Errorf("opID = %d, want 0", opID)
		}
		if count, _ := db.CountOutbox(ctx, schema.Moods); count != 0 {
			t.Errorf("outbox count = %d, want 0", count)
		}
	})

	t.Run("synced queues remote delete", func(t *testing.T) {
		mood := testMood("u1", 2)
		op, _ := db.SaveRecord(ctx, mood)
		_ = db.DeleteOutbox(ctx, op)
		_, _ = db.AcknowledgeSynced(ctx, schema.Moods, mood.LocalID, "m9", time.Now())

		opID, err := db.DeleteRecord(ctx, schema.Moods, mood.LocalID)
		if err != nil {
			t.Fatalf("DeleteRecord() failed: %v", err)
		}
		ops, _ := db.ListOutbox(ctx, schema.Moods, 0)
		if len(ops) != 1 || ops[0].ID != opID || ops[0].Kind != schema.OpDelete {
			t.Fatalf("outbox = %+v", ops)
		}
		p, err := schema.DecodePayload(schema.Moods, schema.OpDelete, ops[0].Payload)
		if err != nil {
			t.Fatalf("delete payload does not decode: %v", err)
		}
		if p.(*schema.DeletePayload).ServerID != "m9" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		if _, err := db.DeleteRecord(ctx, schema.Moods, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteRecord(nope) = %v, want ErrNotFound", err)
		}
	})
}

func TestImportRecords_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	batch := []schema.Record{remoteMood("m1", 1050, 4), remoteMood("m2", 1075, 2)}

	changed, err := db.ImportRecords(ctx, schema.Moods, batch)
	if err != nil {
		t.Fatalf("ImportRecords() failed: %v", err)
	}
	if changed != 2 {
		t.Errorf("first import changed = %d, want 2", changed)
	}
	first, _ := db.GetRecordByServerID(ctx, schema.Moods, "m1")

	changed, err = db.ImportRecords(ctx, schema.Moods, []schema.Record{remoteMood("m1", 1050, 4), remoteMood("m2", 1075, 2)})
	if err != nil {
		t.Fatalf("second ImportRecords() failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("re-import changed = %d, want 0", changed)
	}

	count, _ := db.CountRecords(ctx, schema.Moods)
	if count != 2 {
		t.Errorf("CountRecords() = %d, want 2", count)
	}
	again, _ := db.GetRecordByServerID(ctx, schema.Moods, "m1")
	if again.Metadata().LocalID != first.Metadata().LocalID {
		t.Errorf("local id changed on re-import: %q -> %q", first.Metadata().LocalID, again.Metadata().LocalID)
	}
	if !again.Metadata().LastSynced.Equal(*first.Metadata().LastSynced) {
		t.Error("re-import touched last_synced")
	}

	changed, _ = db.ImportRecords(ctx, schema.Moods, []schema.Record{remoteMood("m1", 1050, 5)})
	if changed != 1 {
		t.Errorf("import of changed content = %d, want 1", changed)
	}
	updated, _ := db.GetRecordByServerID(ctx, schema.Moods, "m1")
	if updated.(*schema.MoodEntry).Mood != 5 {
		t.Errorf("mood = %d, want 5", updated.(*schema.MoodEntry).Mood)
	}
}

func TestImportRecords_ChatScopedByType(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	msg := func(id, chatType string) schema.Record {
		return &schema.ChatMessage{
			Meta:     schema.Meta{ServerID: id, UserID: "u1", ServerCreatedAt: 10},
			ChatType: chatType,
			Role:     "assistant",
			Content:  "hello",
			SentAt:   time.UnixMilli(10),
		}
	}

	if _, err := db.ImportRecords(ctx, schema.ChatCollection("coach"), []schema.Record{msg("c1", "coach"), msg("c2", "coach")}); err != nil {
		t.Fatalf("ImportRecords(coach) failed: %v", err)
	}
	if _, err := db.ImportRecords(ctx, schema.ChatCollection("journal"), []schema.Record{msg("j1", "journal")}); err != nil {
		t.Fatalf("ImportRecords(journal) failed: %v", err)
	}
	if _, err := db.ImportRecords(ctx, schema.ChatCollection("journal"), []schema.Record{msg("x1", "coach")}); err == nil {
		t.Error("ImportRecords() should reject a coach message in the journal collection")
	}

	coach, _ := db.CountRecords(ctx, schema.ChatCollection("coach"))
	journal, _ := db.CountRecords(ctx, schema.ChatCollection("journal"))
	if coach != 2 || journal != 1 {
		t.Errorf("coach=%d journal=%d, want 2 and 1", coach, journal)
	}
}

func TestClearOutbox(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _ = db.SaveRecord(ctx, testMood("u1", 3))
	_, _ = db.AppendOutbox(ctx, schema.Progress, schema.OpUpsert, []byte(`{}`))

	n, err := db.ClearOutbox(ctx)
	if err != nil {
		t.Fatalf("ClearOutbox() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	all, _ := db.ListAllOutbox(ctx)
	if len(all) != 0 {
		t.Errorf("outbox after clear = %d rows", len(all))
	}
}
