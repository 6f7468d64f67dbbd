package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/crmsync/internal/models"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

func TestBatchUpsert_SendsRequest(t *testing.T) {
	var got BatchUpsertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/rpc/batch_upsert", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(BatchUpsertResponse{Applied: len(got.Updates)})
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", time.Second)
	resp, err := c.BatchUpsert(context.Background(), BatchUpsertRequest{
		TableName:    "accounts",
		ActingUserID: "u-1",
		Updates: []FieldUpdate{
			{ID: "a-1", Field: "name", Value: json.RawMessage(`"Acme"`), Timestamp: 42},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, "accounts", got.TableName)
	assert.Equal(t, "u-1", got.ActingUserID)
	require.Len(t, got.Updates, 1)
	assert.Equal(t, int64(42), got.Updates[0].Timestamp)
	assert.JSONEq(t, `"Acme"`, string(got.Updates[0].Value))
}

func TestDoRequest_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "unauthorized", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "forbidden", ErrForbidden},
		{"not found", http.StatusNotFound, "not_found", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeErr(w, tt.status, tt.code, "nope")
			}))
			defer srv.Close()

			_, err := New(srv.URL, "k", time.Second).Me(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDoRequest_ServerErrorKeepsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusBadRequest, "bad_request", "unknown field")
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", time.Second).BatchUpsert(context.Background(), BatchUpsertRequest{TableName: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "bad_request", se.Code)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestHealthCheck_SendsNoKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "secret", time.Second).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestDoRequest_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, "", 50*time.Millisecond).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tables/accounts/a-1" {
			writeErr(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		json.NewEncoder(w).Encode(EntityResponse{
			TableName: "accounts",
			ID:        "a-1",
			Fields:    map[string]json.RawMessage{"name": json.RawMessage(`"Acme"`)},
			UpdatedAt: "2026-01-02T03:04:05Z",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second)
	e, err := c.FetchByID(context.Background(), "accounts", "a-1")
	require.NoError(t, err)
	assert.Equal(t, "accounts", e.Type)
	assert.JSONEq(t, `"Acme"`, string(e.Fields["name"]))
	assert.Equal(t, 2026, e.UpdatedAt.Year())

	_, err = c.FetchByID(context.Background(), "accounts", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type stubFetcher struct {
	calls atomic.Int32
	err   error
}

func (s *stubFetcher) FetchByID(ctx context.Context, table, id string) (*models.Entity, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &models.Entity{Type: table, ID: id}, nil
}

func TestBreakerFetcher_OpensOnFailures(t *testing.T) {
	stub := &stubFetcher{err: errors.New("connection refused")}
	b := NewBreakerFetcher(stub, BreakerConfig{Name: "t", FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := b.FetchByID(context.Background(), "accounts", "a")
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.FetchByID(context.Background(), "accounts", "a")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), stub.calls.Load(), "open breaker must not call through")
}

func TestBreakerFetcher_NotFoundDoesNotTrip(t *testing.T) {
	stub := &stubFetcher{err: ErrNotFound}
	b := NewBreakerFetcher(stub, BreakerConfig{Name: "t", FailureThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := b.FetchByID(context.Background(), "accounts", "gone")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, int32(5), stub.calls.Load())
}
