package syncclient

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

// Errors matched with errors.Is against a *StatusError.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// DefaultTimeout bounds every request so a hung server fails the call
// instead of holding a sync cycle open.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the crmsync server.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New creates a new sync client. A zero timeout uses DefaultTimeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// FieldUpdate is one field-level change in a batched upsert.
type FieldUpdate struct {
	ID        string          `json:"id"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// BatchUpsertRequest is the body for POST /v1/rpc/batch_upsert.
type BatchUpsertRequest struct {
	TableName    string        `json:"table_name"`
	Updates      []FieldUpdate `json:"updates"`
	ActingUserID string        `json:"acting_user_id,omitempty"`
}

// BatchUpsertResponse reports how many updates changed stored state.
// Updates older than the stored field timestamp are skipped, not rejected.
type BatchUpsertResponse struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// EntityResponse is the response from GET /v1/tables/{table}/{id}.
type EntityResponse struct {
	TableName string                     `json:"table_name"`
	ID        string                     `json:"id"`
	Fields    map[string]json.RawMessage `json:"fields"`
	UpdatedAt string                     `json:"updated_at"`
}

// MeResponse is the response from GET /v1/me.
type MeResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck reports whether the server answers at all. It sends no key.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.send(ctx, call{method: http.MethodGet, path: "/healthz", anonymous: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the user owning the configured API key.
func (c *Client) Me(ctx context.Context) (*MeResponse, error) {
	var out MeResponse
	if err := c.send(ctx, call{method: http.MethodGet, path: "/v1/me"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchUpsert sends one per-table batch of field updates. Any error means the
// whole batch was not applied.
func (c *Client) BatchUpsert(ctx context.Context, req BatchUpsertRequest) (*BatchUpsertResponse, error) {
	var out BatchUpsertResponse
	if err := c.send(ctx, call{method: http.MethodPost, path: "/v1/rpc/batch_upsert", body: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchByID fetches one entity. Returns ErrNotFound when the server has no such record.
func (c *Client) FetchByID(ctx context.Context, table, id string) (*models.Entity, error) {
	var out EntityResponse
	path := "/v1/tables/" + url.PathEscape(table) + "/" + url.PathEscape(id)
	if err := c.send(ctx, call{method: http.MethodGet, path: path}, &out); err != nil {
		return nil, err
	}

	e := &models.Entity{Type: cmp.Or(out.TableName, table), ID: out.ID, Fields: out.Fields}
	if e.Fields == nil {
		e.Fields = map[string]json.RawMessage{}
	}
	if t, err := time.Parse(time.RFC3339Nano, out.UpdatedAt); err == nil {
		e.UpdatedAt = t
	}
	return e, nil
}

// StatusError is a non-2xx answer. Code and Message come from the server's
// {"error":{...}} envelope when it sent one; otherwise Message holds the raw
// body.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the status onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

const maxErrorBody = 4 << 10

type call struct {
	method    string
	path      string
	body      any
	anonymous bool
}

// send performs one JSON round trip and decodes a 2xx body into out.
func (c *Client) send(ctx context.Context, in call, out any) error {
	var payload io.Reader
	if in.body != nil {
		data, err := json.Marshal(in.body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", in.path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, in.method, c.BaseURL+in.path, payload)
	if err != nil {
		return fmt.Errorf("build %s: %w", in.path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !in.anonymous && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", in.method, in.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", in.path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		return &StatusError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
