package db

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func rawFields(t *testing.T, fields map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", k, err)
		}
		out[k] = b
	}
	return out
}

func TestInitialize(t *testing.T) {
	dir := t.TempDir()

	db, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, ".crmsync", "mirror.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file not created")
	}

	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpen_RequiresInit(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected error opening uninitialized store")
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := newTestDB(t)

	n, err := db.RunMigrations()
	if err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if n != 0 {
		t.Errorf("second RunMigrations ran %d migrations, want 0", n)
	}
}

func TestUpsertAndGet(t *testing.T) {
	db := newTestDB(t)

	e := models.Entity{
		Type:   "accounts",
		ID:     "acc-1",
		Fields: rawFields(t, map[string]any{"name": "Acme", "employees": 40}),
	}
	if err := db.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := db.Get("accounts", "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var name string
	if ok, err := got.Field("name", &name); !ok || err != nil {
		t.Fatalf("Field(name) ok=%v err=%v", ok, err)
	}
	if name != "Acme" {
		t.Errorf("name = %q, want Acme", name)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get("accounts", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpsertMany_IdempotentReplace(t *testing.T) {
	db := newTestDB(t)

	batch := []models.Entity{
		{Type: "contacts", ID: "c-1", Fields: rawFields(t, map[string]any{"account_id": "acc-1", "name": "Ana"})},
		{Type: "contacts", ID: "c-2", Fields: rawFields(t, map[string]any{"account_id": "acc-1", "name": "Luis"})},
	}
	for i := 0; i < 2; i++ {
		if err := db.UpsertMany(batch); err != nil {
			t.Fatalf("UpsertMany pass %d: %v", i, err)
		}
	}

	list, err := db.List("contacts", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d entities, want 2", len(list))
	}

	// Full-document replace drops fields missing from the new document.
	if err := db.Upsert(models.Entity{Type: "contacts", ID: "c-1", Fields: rawFields(t, map[string]any{"name": "Ana M."})}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ := db.Get("contacts", "c-1")
	if _, ok := got.Fields["account_id"]; ok {
		t.Error("account_id should be gone after full replace")
	}
}

func TestUpsertMany_RejectsMissingKey(t *testing.T) {
	db := newTestDB(t)

	err := db.UpsertMany([]models.Entity{
		{Type: "accounts", ID: "ok"},
		{Type: "accounts"},
	})
	if err == nil {
		t.Fatal("expected error for entity without id")
	}
	if _, err := db.Get("accounts", "ok"); !errors.Is(err, ErrNotFound) {
		t.Error("failed batch should not commit any entity")
	}
}

func TestListByField(t *testing.T) {
	db := newTestDB(t)

	err := db.UpsertMany([]models.Entity{
		{Type: "opportunities", ID: "o-1", Fields: rawFields(t, map[string]any{"account_id": "acc-1"})},
		{Type: "opportunities", ID: "o-2", Fields: rawFields(t, map[string]any{"account_id": "acc-2"})},
		{Type: "opportunities", ID: "o-3", Fields: rawFields(t, map[string]any{"account_id": "acc-1"})},
		{Type: "contacts", ID: "c-1", Fields: rawFields(t, map[string]any{"account_id": "acc-1"})},
	})
	if err != nil {
		t.Fatalf("UpsertMany: %v", err)
	}

	got, err := db.ListByField("opportunities", "account_id", "acc-1")
	if err != nil {
		t.Fatalf("ListByField: %v", err)
	}
	if len(got) != 2 || got[0].ID != "o-1" || got[1].ID != "o-3" {
		t.Errorf("ListByField = %+v, want o-1 and o-3", got)
	}

	if _, err := db.ListByField("opportunities", "account_id'); DROP TABLE entities; --", "x"); err == nil {
		t.Error("expected invalid field name to be rejected")
	}
}

func TestListByField_UsesForeignKeyIndex(t *testing.T) {
	db := newTestDB(t)

	rows, err := db.Conn().Query(`EXPLAIN QUERY PLAN SELECT id FROM entities WHERE entity_type = ? AND `+fieldExpr("account_id")+` = ?`, "contacts", "acc-1")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer rows.Close()

	var plan string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan: %v", err)
		}
		plan += detail + "\n"
	}
	if !strings.Contains(plan, "idx_entities_fk_account_id") {
		t.Errorf("query plan does not use fk index:\n%s", plan)
	}
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)

	if err := db.Upsert(models.Entity{Type: "quotes", ID: "q-1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := db.Delete("quotes", "q-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get("quotes", "q-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
	if err := db.Delete("quotes", "q-1"); err != nil {
		t.Errorf("Delete of missing entity should not fail: %v", err)
	}
}

func TestSubscribe_ReceivesCommittedChanges(t *testing.T) {
	db := newTestDB(t)

	all := db.Subscribe(Filter{})
	defer all.Close()
	accounts := db.Subscribe(Filter{EntityType: "accounts"})
	defer accounts.Close()

	if err := db.Upsert(models.Entity{Type: "contacts", ID: "c-1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Upsert(models.Entity{Type: "accounts", ID: "a-1"}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"c-1", "a-1"} {
		select {
		case c := <-all.C:
			if c.EntityID != want || c.Op != ChangeUpsert {
				t.Errorf("all: got %+v, want upsert %s", c, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("all: no change for %s", want)
		}
	}

	select {
	case c := <-accounts.C:
		if c.EntityID != "a-1" {
			t.Errorf("filtered subscription got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscription received nothing")
	}
	select {
	case c := <-accounts.C:
		t.Errorf("filtered subscription got unexpected %+v", c)
	default:
	}
}

func TestSubscribe_FailedWritePublishesNothing(t *testing.T) {
	db := newTestDB(t)

	sub := db.Subscribe(Filter{})
	defer sub.Close()

	_ = db.UpsertMany([]models.Entity{{Type: "accounts", ID: "a-1"}, {ID: "bad"}})

	select {
	case c := <-sub.C:
		t.Errorf("rolled-back write published %+v", c)
	default:
	}
}

func TestSubscribe_CloseIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	sub := db.Subscribe(Filter{})
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}
	// Publishing after close must not panic.
	if err := db.Upsert(models.Entity{Type: "accounts", ID: "a-1"}); err != nil {
		t.Fatal(err)
	}
}

func TestClose_ClosesSubscriptions(t *testing.T) {
	db, err := Initialize(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sub := db.Subscribe(Filter{})
	db.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed with store")
	}
}

func TestConcurrentWriters(t *testing.T) {
	db := newTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e := models.Entity{Type: "activities", ID: "act", Fields: rawFields(t, map[string]any{"n": i*10 + j})}
				if err := db.Upsert(e); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if _, err := db.Get("activities", "act"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestRemoteMisses(t *testing.T) {
	db := newTestDB(t)

	if _, ok, err := db.RemoteMissingSince("accounts", "gone"); err != nil || ok {
		t.Fatalf("RemoteMissingSince before mark: ok=%v err=%v", ok, err)
	}

	at := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	if err := db.MarkRemoteMissing("accounts", "gone", at); err != nil {
		t.Fatalf("MarkRemoteMissing: %v", err)
	}
	got, ok, err := db.RemoteMissingSince("accounts", "gone")
	if err != nil || !ok {
		t.Fatalf("RemoteMissingSince: ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("checked_at = %v, want %v", got, at)
	}

	// Upserting the entity clears the mark.
	if err := db.Upsert(models.Entity{Type: "accounts", ID: "gone"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.RemoteMissingSince("accounts", "gone"); ok {
		t.Error("upsert should clear not-found mark")
	}
}

func TestSyncState(t *testing.T) {
	db := newTestDB(t)

	s, err := db.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if s.Paused || s.LastSyncAt != nil || s.LastError != "" {
		t.Errorf("fresh state = %+v", s)
	}

	if err := db.SetPaused(true); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Truncate(time.Millisecond)
	if err := db.RecordSyncResult(&now, "boom"); err != nil {
		t.Fatal(err)
	}

	s, _ = db.GetSyncState()
	if !s.Paused {
		t.Error("paused not persisted")
	}
	if s.LastSyncAt == nil || !s.LastSyncAt.Equal(now) {
		t.Errorf("LastSyncAt = %v, want %v", s.LastSyncAt, now)
	}
	if s.LastError != "boom" {
		t.Errorf("LastError = %q", s.LastError)
	}

	// nil time keeps last_sync_at and clears the error.
	if err := db.RecordSyncResult(nil, ""); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSyncState()
	if s.LastSyncAt == nil || s.LastError != "" {
		t.Errorf("after clear: %+v", s)
	}
}

func TestResetLocalStore(t *testing.T) {
	db := newTestDB(t)

	if err := db.Upsert(models.Entity{Type: "accounts", ID: "a-1"}); err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "accounts", "a-1", "name")
	if err := db.MarkRemoteMissing("accounts", "x", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPaused(true); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := db.RecordSyncResult(&now, "err"); err != nil {
		t.Fatal(err)
	}

	sub := db.Subscribe(Filter{EntityType: "quotes"})
	defer sub.Close()

	if err := db.ResetLocalStore(); err != nil {
		t.Fatalf("ResetLocalStore: %v", err)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Entities) != 0 || len(stats.Outbox) != 0 {
		t.Errorf("store not empty after reset: %+v", stats)
	}
	if _, ok, _ := db.RemoteMissingSince("accounts", "x"); ok {
		t.Error("not-found marks survive reset")
	}
	s, _ := db.GetSyncState()
	if !s.Paused {
		t.Error("reset should keep the paused flag")
	}
	if s.LastSyncAt != nil || s.LastError != "" {
		t.Errorf("sync result survives reset: %+v", s)
	}

	select {
	case c := <-sub.C:
		if c.Op != ChangeReset {
			t.Errorf("got %+v, want reset", c)
		}
	case <-time.After(time.Second):
		t.Fatal("reset not published to filtered subscriber")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "accounts", "a-1", "name")
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	n, err := db.CountPending()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending after reopen = %d, want 1", n)
	}
	if _, err := db.Get("accounts", "a-1"); err != nil {
		t.Errorf("optimistic write lost across reopen: %v", err)
	}
}

func TestInsertIfAbsent_KeepsExisting(t *testing.T) {
	db := newTestDB(t)

	local := models.Entity{Type: "accounts", ID: "a-1", Fields: rawFields(t, map[string]any{"name": "local"})}
	if err := db.Upsert(local); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRemoteMissing("accounts", "a-2", time.Now()); err != nil {
		t.Fatal(err)
	}

	remote := models.Entity{Type: "accounts", ID: "a-1", Fields: rawFields(t, map[string]any{"name": "remote"})}
	inserted, err := db.InsertIfAbsent(remote)
	if err != nil || inserted {
		t.Fatalf("InsertIfAbsent over existing = %v, %v", inserted, err)
	}
	got, _ := db.Get("accounts", "a-1")
	if string(got.Fields["name"]) != `"local"` {
		t.Errorf("existing document replaced: %s", got.Fields["name"])
	}

	inserted, err = db.InsertIfAbsent(models.Entity{Type: "accounts", ID: "a-2", Fields: rawFields(t, map[string]any{"name": "new"})})
	if err != nil || !inserted {
		t.Fatalf("InsertIfAbsent new = %v, %v", inserted, err)
	}
	if _, ok, _ := db.RemoteMissingSince("accounts", "a-2"); ok {
		t.Error("miss marker not cleared by insert")
	}
}
