package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/mutation"
	"github.com/marcus/crmsync/internal/serverdb"
	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncclient"
	"github.com/marcus/crmsync/internal/syncstate"
)

func TestHealthz(t *testing.T) {
	h := newTestHarness(t)
	var body map[string]string
	h.ReadJSON(h.Do("GET", "/healthz", "", nil), http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	h := newTestHarness(t)
	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"invalid", "crm_live_nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertError(h.Do("GET", "/v1/me", tt.token, nil), http.StatusUnauthorized, ErrCodeUnauthorized)
		})
	}
}

func TestMe(t *testing.T) {
	h := newTestHarness(t)
	uid, key := h.CreateUser("Rep@Example.com")

	var me meResponse
	h.ReadJSON(h.Do("GET", "/v1/me", key, nil), http.StatusOK, &me)
	assert.Equal(t, uid, me.UserID)
	assert.Equal(t, "rep@example.com", me.Email)
}

func TestBatchUpsert_AppliesAndReadsBack(t *testing.T) {
	h := newTestHarness(t)
	uid, key := h.CreateUser("rep@example.com")

	req := batchUpsertRequest{
		TableName: "accounts",
		Updates: []fieldUpdateInput{
			{ID: "a-1", Field: "name", Value: json.RawMessage(`"Acme"`), Timestamp: 100},
			{ID: "a-1", Field: "phone", Value: json.RawMessage(`"555"`), Timestamp: 100},
		},
		ActingUserID: uid,
	}
	var res batchUpsertResponse
	h.ReadJSON(h.Do("POST", "/v1/rpc/batch_upsert", key, req), http.StatusOK, &res)
	assert.Equal(t, 2, res.Applied)

	var rec recordResponse
	h.ReadJSON(h.Do("GET", "/v1/tables/accounts/a-1", key, nil), http.StatusOK, &rec)
	assert.Equal(t, `"Acme"`, string(rec.Fields["name"]))
	assert.NotEmpty(t, rec.UpdatedAt)

	// Resending is a no-op.
	h.ReadJSON(h.Do("POST", "/v1/rpc/batch_upsert", key, req), http.StatusOK, &res)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 2, res.Skipped)

	snap := h.Server.metrics.Snapshot()
	assert.EqualValues(t, 2, snap.UpdatesApplied)
	assert.EqualValues(t, 2, snap.UpdatesSkipped)
}

func TestBatchUpsert_Validation(t *testing.T) {
	h := newTestHarness(t, func(c *Config) { c.MaxBatchUpdates = 2 })
	_, key := h.CreateUser("rep@example.com")

	ok := fieldUpdateInput{ID: "a-1", Field: "name", Value: json.RawMessage(`"x"`), Timestamp: 1}
	tests := []struct {
		name   string
		req    batchUpsertRequest
		status int
		code   string
	}{
		{"bad table", batchUpsertRequest{TableName: "drop table", Updates: []fieldUpdateInput{ok}}, 400, ErrCodeBadRequest},
		{"empty updates", batchUpsertRequest{TableName: "accounts"}, 400, ErrCodeBadRequest},
		{"missing id", batchUpsertRequest{TableName: "accounts", Updates: []fieldUpdateInput{{Field: "name", Timestamp: 1}}}, 400, ErrCodeBadRequest},
		{"bad field", batchUpsertRequest{TableName: "accounts", Updates: []fieldUpdateInput{{ID: "a", Field: "a.b", Timestamp: 1}}}, 400, ErrCodeBadRequest},
		{"no timestamp", batchUpsertRequest{TableName: "accounts", Updates: []fieldUpdateInput{{ID: "a", Field: "n"}}}, 400, ErrCodeBadRequest},
		{"too many", batchUpsertRequest{TableName: "accounts", Updates: []fieldUpdateInput{ok, ok, ok}}, 413, ErrCodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertError(h.Do("POST", "/v1/rpc/batch_upsert", key, tt.req), tt.status, tt.code)
		})
	}

	rec, err := h.Store.GetRecord("accounts", "a-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "rejected batches must not apply anything")
}

func TestGetRecord_NotFound(t *testing.T) {
	h := newTestHarness(t)
	_, key := h.CreateUser("rep@example.com")
	h.AssertError(h.Do("GET", "/v1/tables/accounts/ghost", key, nil), http.StatusNotFound, ErrCodeNotFound)
}

func TestRateLimit(t *testing.T) {
	h := newTestHarness(t, func(c *Config) { c.RateLimitOther = 2 })
	_, key := h.CreateUser("rep@example.com")

	for range 2 {
		h.ReadJSON(h.Do("GET", "/v1/me", key, nil), http.StatusOK, nil)
	}
	resp := h.Do("GET", "/v1/me", key, nil)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	h.AssertError(resp, http.StatusTooManyRequests, ErrCodeRateLimited)
}

func TestPrometheusEndpoint(t *testing.T) {
	h := newTestHarness(t)
	_, key := h.CreateUser("rep@example.com")
	h.ReadJSON(h.Do("POST", "/v1/rpc/batch_upsert", key, batchUpsertRequest{
		TableName: "quotes",
		Updates:   []fieldUpdateInput{{ID: "q-1", Field: "total", Value: json.RawMessage(`5`), Timestamp: 1}},
	}), http.StatusOK, nil)

	resp := h.Do("GET", "/metrics", "", nil)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `crmsync_batch_updates_total{result="applied",table="quotes"} 1`)
}

type keyUser string

func (u keyUser) ActingUser(context.Context) (string, error) { return string(u), nil }

// Two offline sessions edit different fields of one record; after both drain
// through the real client and server, both edits survive.
func TestEndToEnd_TwoSessionsFieldIsolation(t *testing.T) {
	h := newTestHarness(t)
	uidA, keyA := h.CreateUser("a@example.com")
	uidB, keyB := h.CreateUser("b@example.com")

	session := func(uid, key string) (*mutation.Gateway, *csync.Engine) {
		store, err := db.Initialize(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		state := syncstate.New(syncstate.Snapshot{})
		client := syncclient.New(h.BaseURL, key, 0)
		return mutation.New(store, state, keyUser(uid), nil),
			csync.NewEngine(store, client, keyUser(uid), nil, state, csync.Config{})
	}
	gwA, engA := session(uidA, keyA)
	gwB, engB := session(uidB, keyB)

	ctx := context.Background()
	require.NoError(t, gwA.QueueMutation(ctx, "opportunities", "o-1", map[string]any{"stage": "won"}))
	require.NoError(t, gwB.QueueMutation(ctx, "opportunities", "o-1", map[string]any{"amount": 5000}))

	repB := engB.Sync(ctx)
	repA := engA.Sync(ctx)
	require.Equal(t, 1, repA.Delivered, "%+v", repA)
	require.Equal(t, 1, repB.Delivered, "%+v", repB)

	rec, err := h.Store.GetRecord("opportunities", "o-1")
	require.NoError(t, err)
	assert.Equal(t, `"won"`, string(rec.Fields["stage"]))
	assert.Equal(t, "5000", strings.TrimSpace(string(rec.Fields["amount"])))
}

func TestEndToEnd_SameMillisecondEditsKeepLatest(t *testing.T) {
	h := newTestHarness(t)
	uid, key := h.CreateUser("a@example.com")

	store, err := db.Initialize(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	state := syncstate.New(syncstate.Snapshot{})
	frozen := time.UnixMilli(1_700_000_000_000)
	gw := mutation.New(store, state, keyUser(uid), nil, mutation.WithClock(func() time.Time { return frozen }))
	eng := csync.NewEngine(store, syncclient.New(h.BaseURL, key, 0), keyUser(uid), nil, state, csync.Config{})
	ctx := context.Background()

	remotePhone := func() string {
		rec, err := h.Store.GetRecord("accounts", "a-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		return string(rec.Fields["phone"])
	}

	require.NoError(t, gw.QueueMutation(ctx, "accounts", "a-1", map[string]any{"phone": "111"}))
	require.NoError(t, gw.QueueMutation(ctx, "accounts", "a-1", map[string]any{"phone": "222"}))
	rep := eng.Sync(ctx)
	require.Equal(t, 2, rep.Delivered, "%+v", rep)
	assert.Equal(t, `"222"`, remotePhone(), "same cycle")

	require.NoError(t, gw.QueueMutation(ctx, "accounts", "a-1", map[string]any{"phone": "333"}))
	rep = eng.Sync(ctx)
	require.Equal(t, 1, rep.Delivered, "%+v", rep)
	assert.Equal(t, `"333"`, remotePhone(), "next cycle")

	local, err := store.Get("accounts", "a-1")
	require.NoError(t, err)
	assert.Equal(t, `"333"`, string(local.Fields["phone"]))
	n, err := store.CountPending()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEndToEnd_RejectedBatchMarksFailed(t *testing.T) {
	h := newTestHarness(t, func(c *Config) { c.MaxBatchUpdates = 1 })
	uid, key := h.CreateUser("a@example.com")

	store, err := db.Initialize(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	state := syncstate.New(syncstate.Snapshot{})
	gw := mutation.New(store, state, keyUser(uid), nil)
	eng := csync.NewEngine(store, syncclient.New(h.BaseURL, key, 0), keyUser(uid), nil, state, csync.Config{})

	require.NoError(t, gw.QueueMutation(context.Background(), "quotes", "q-1", map[string]any{"a": 1, "b": 2}))
	rep := eng.Sync(context.Background())
	assert.Equal(t, 2, rep.Failed)
	assert.Contains(t, state.Snapshot().Error, "too_large")

	n, err := store.CountPending()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRequestIDEchoedOrGenerated(t *testing.T) {
	h := newTestHarness(t)

	resp := h.Do("GET", "/healthz", "", nil)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get(requestIDHeader), 36, "generated uuid")

	req, err := http.NewRequest("GET", h.BaseURL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(requestIDHeader))
}

func TestMalformedAuthorization(t *testing.T) {
	h := newTestHarness(t)
	req, err := http.NewRequest("GET", h.BaseURL+"/v1/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	h.AssertError(resp, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store, err := serverdb.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	srv := NewServer(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
