package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcus/crmsync/internal/serverdb"
)

// testHarness runs a Server behind httptest against a file-backed store.
type testHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.Store
	BaseURL string
}

func newTestHarness(t *testing.T, opts ...func(*Config)) *testHarness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(path)
	require.NoError(t, err, "open server db")

	cfg := DefaultConfig()
	cfg.ServerDBPath = path
	cfg.MaxBodyBytes = 1 << 20
	cfg.RateLimitPush, cfg.RateLimitFetch, cfg.RateLimitOther = 100000, 100000, 100000
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewServer(cfg, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})

	return &testHarness{t: t, Server: srv, Store: store, BaseURL: ts.URL}
}

// CreateUser registers email and returns its id and a fresh API key.
func (h *testHarness) CreateUser(email string) (string, string) {
	h.t.Helper()
	u, err := h.Store.CreateUser(email)
	require.NoError(h.t, err, "create user")
	key, _, err := h.Store.IssueKey(u.ID, "test", nil)
	require.NoError(h.t, err, "issue key")
	return u.ID, key
}

// Do sends a request with an optional bearer token and JSON body. The
// caller owns resp.Body unless it goes through ReadJSON or AssertError.
func (h *testHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err, "marshal body")
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, payload)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// ReadJSON checks the status and decodes the body into v when v is non-nil.
func (h *testHarness) ReadJSON(resp *http.Response, status int, v any) {
	h.t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	require.Equal(h.t, status, resp.StatusCode, "body: %s", raw)
	if v != nil {
		require.NoError(h.t, json.Unmarshal(raw, v), "decode: %s", raw)
	}
}

// AssertError checks for a structured error with the given status and code.
func (h *testHarness) AssertError(resp *http.Response, status int, code string) {
	h.t.Helper()
	var er ErrorResponse
	h.ReadJSON(resp, status, &er)
	require.Equal(h.t, code, er.Error.Code, "message: %s", er.Error.Message)
}
