package db

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

var itemSeq int

// enqueue queues one field change with a unique item id and returns it.
func enqueue(t *testing.T, db *DB, entityType, entityID, field string) models.OutboxItem {
	t.Helper()
	itemSeq++
	it := models.OutboxItem{
		ID:             fmt.Sprintf("item-%d", itemSeq),
		EntityType:     entityType,
		EntityID:       entityID,
		FieldName:      field,
		NewValue:       json.RawMessage(fmt.Sprintf("%q", field+"-value")),
		FieldTimestamp: time.Now().UnixMilli(),
	}
	if err := db.EnqueueMutation([]models.OutboxItem{it}); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	return it
}

func TestEnqueueMutation_MergesIntoMirror(t *testing.T) {
	db := newTestDB(t)

	err := db.Upsert(models.Entity{Type: "accounts", ID: "a-1", Fields: rawFields(t, map[string]any{
		"name":  "Old",
		"phone": "555",
	})})
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Now().UnixMilli()
	items := []models.OutboxItem{
		{ID: "i-1", EntityType: "accounts", EntityID: "a-1", FieldName: "name", NewValue: json.RawMessage(`"New"`), FieldTimestamp: ts, UserID: "u-1"},
		{ID: "i-2", EntityType: "accounts", EntityID: "a-1", FieldName: "city", NewValue: json.RawMessage(`"Lima"`), FieldTimestamp: ts, UserID: "u-1"},
	}
	if err := db.EnqueueMutation(items); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}

	e, err := db.Get("accounts", "a-1")
	if err != nil {
		t.Fatal(err)
	}
	for field, want := range map[string]string{"name": "New", "phone": "555", "city": "Lima"} {
		var got string
		if _, err := e.Field(field, &got); err != nil || got != want {
			t.Errorf("%s = %q (err %v), want %q", field, got, err, want)
		}
	}

	queued, err := db.ListOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued %d items, want 2", len(queued))
	}
	if string(queued[0].OldValue) != `"Old"` {
		t.Errorf("old value = %s, want \"Old\"", queued[0].OldValue)
	}
	if queued[1].OldValue != nil {
		t.Errorf("old value of new field = %s, want nil", queued[1].OldValue)
	}
	for _, it := range queued {
		if it.Status != models.OutboxPending || it.RetryCount != 0 || it.Error != nil {
			t.Errorf("fresh item %s = %+v", it.ID, it)
		}
		if it.FieldTimestamp != ts || it.UserID != "u-1" {
			t.Errorf("item %s lost timestamp or user: %+v", it.ID, it)
		}
	}
}

func TestEnqueueMutation_CreatesMissingEntity(t *testing.T) {
	db := newTestDB(t)

	enqueue(t, db, "opportunities", "new-opp", "stage")
	if _, err := db.Get("opportunities", "new-opp"); err != nil {
		t.Errorf("entity not created optimistically: %v", err)
	}
}

func TestEnqueueMutation_AtomicOnFailure(t *testing.T) {
	db := newTestDB(t)

	enqueue(t, db, "accounts", "a-1", "name")
	dup, _ := db.ListOutbox()

	// Reusing an existing item id violates the unique constraint and rolls back everything.
	err := db.EnqueueMutation([]models.OutboxItem{
		{ID: "fresh", EntityType: "accounts", EntityID: "a-2", FieldName: "name", NewValue: json.RawMessage(`"x"`)},
		{ID: dup[0].ID, EntityType: "accounts", EntityID: "a-2", FieldName: "phone", NewValue: json.RawMessage(`"y"`)},
	})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if _, err := db.Get("accounts", "a-2"); err != ErrNotFound {
		t.Error("mirror write committed despite outbox failure")
	}
	if n, _ := db.CountPending(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestEnqueueMutation_RejectsInvalidItems(t *testing.T) {
	db := newTestDB(t)

	err := db.EnqueueMutation([]models.OutboxItem{{ID: "i", EntityType: "accounts", FieldName: "name"}})
	if err == nil {
		t.Error("expected error for missing entity id")
	}
}

func TestSelectReady_OrderAndStatus(t *testing.T) {
	db := newTestDB(t)

	a := enqueue(t, db, "accounts", "a-1", "name")
	b := enqueue(t, db, "contacts", "c-1", "email")
	c := enqueue(t, db, "accounts", "a-1", "phone")
	d := enqueue(t, db, "quotes", "q-1", "total")

	if err := db.MarkSyncing([]string{b.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkFailed([]string{c.ID}, "boom", 0); err != nil {
		t.Fatal(err)
	}

	ready, err := db.SelectReady(50)
	if err != nil {
		t.Fatal(err)
	}
	got := ItemIDs(ready)
	want := []string{a.ID, c.ID, d.ID}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("SelectReady = %v, want %v (SYNCING excluded, FAILED included, oldest first)", got, want)
	}

	limited, _ := db.SelectReady(2)
	if len(limited) != 2 || limited[0].ID != a.ID {
		t.Errorf("SelectReady(2) = %v", ItemIDs(limited))
	}
}

func TestMarkFailed_RetryCountAndError(t *testing.T) {
	db := newTestDB(t)

	it := enqueue(t, db, "accounts", "a-1", "name")
	for i := 0; i < 3; i++ {
		dead, err := db.MarkFailed([]string{it.ID}, fmt.Sprintf("attempt %d", i), 0)
		if err != nil {
			t.Fatal(err)
		}
		if dead != 0 {
			t.Fatalf("unlimited retries should never dead-letter")
		}
	}

	items, _ := db.ListOutbox(models.OutboxFailed)
	if len(items) != 1 {
		t.Fatalf("failed items = %d, want 1", len(items))
	}
	if items[0].RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", items[0].RetryCount)
	}
	if items[0].Error == nil || *items[0].Error != "attempt 2" {
		t.Errorf("error = %v, want last attempt", items[0].Error)
	}
}

func TestMarkFailed_DeadLetter(t *testing.T) {
	db := newTestDB(t)

	it := enqueue(t, db, "accounts", "a-1", "name")
	other := enqueue(t, db, "accounts", "a-1", "phone")

	if dead, _ := db.MarkFailed([]string{it.ID}, "e1", 2); dead != 0 {
		t.Fatalf("dead after first failure = %d", dead)
	}
	dead, err := db.MarkFailed([]string{it.ID}, "e2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if dead != 1 {
		t.Fatalf("dead = %d, want 1", dead)
	}

	ready, _ := db.SelectReady(50)
	if len(ready) != 1 || ready[0].ID != other.ID {
		t.Errorf("dead item reselected: %v", ItemIDs(ready))
	}
	if n, _ := db.CountPending(); n != 1 {
		t.Errorf("pending = %d, want 1 (dead items not counted)", n)
	}

	revived, err := db.RetryDead()
	if err != nil {
		t.Fatal(err)
	}
	if revived != 1 {
		t.Errorf("RetryDead = %d, want 1", revived)
	}
	items, _ := db.ListOutbox(models.OutboxPending)
	if len(items) != 2 {
		t.Fatalf("pending items = %d, want 2", len(items))
	}
	for _, i := range items {
		if i.ID == it.ID && (i.RetryCount != 0 || i.Error != nil) {
			t.Errorf("revived item keeps retry state: %+v", i)
		}
	}
}

func TestMarkPendingAndDelete(t *testing.T) {
	db := newTestDB(t)

	a := enqueue(t, db, "accounts", "a-1", "name")
	b := enqueue(t, db, "accounts", "a-1", "phone")

	ids := []string{a.ID, b.ID}
	if err := db.MarkSyncing(ids); err != nil {
		t.Fatal(err)
	}
	if ready, _ := db.SelectReady(50); len(ready) != 0 {
		t.Fatalf("SYNCING items reselected: %v", ItemIDs(ready))
	}
	if err := db.MarkPending(ids); err != nil {
		t.Fatal(err)
	}
	if ready, _ := db.SelectReady(50); len(ready) != 2 {
		t.Fatalf("reverted items not ready: %d", len(ready))
	}

	if err := db.DeleteOutboxItems([]string{a.ID}); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountPending(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestRequeueStuck(t *testing.T) {
	db := newTestDB(t)

	a := enqueue(t, db, "accounts", "a-1", "name")
	b := enqueue(t, db, "accounts", "a-1", "phone")
	if err := db.MarkSyncing([]string{a.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkFailed([]string{b.ID}, "x", 0); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueStuck()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("RequeueStuck = %d, want 1", n)
	}
	counts, _ := db.CountByStatus()
	if counts[models.OutboxPending] != 1 || counts[models.OutboxFailed] != 1 || counts[models.OutboxSyncing] != 0 {
		t.Errorf("counts after requeue = %v", counts)
	}
}

func TestClearOutbox(t *testing.T) {
	db := newTestDB(t)

	enqueue(t, db, "accounts", "a-1", "name")
	it := enqueue(t, db, "accounts", "a-1", "phone")
	if _, err := db.MarkFailed([]string{it.ID}, "x", 1); err != nil {
		t.Fatal(err)
	}

	n, err := db.ClearOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ClearOutbox removed %d, want 2", n)
	}
	if pending, _ := db.CountPending(); pending != 0 {
		t.Errorf("pending after clear = %d", pending)
	}
	// The optimistic mirror write is kept.
	if _, err := db.Get("accounts", "a-1"); err != nil {
		t.Errorf("mirror entity dropped by ClearOutbox: %v", err)
	}
}
