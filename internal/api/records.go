package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/serverdb"
)

// fieldUpdateInput is one update in a batch upsert request.
type fieldUpdateInput struct {
	ID        string          `json:"id"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// batchUpsertRequest is the JSON body for POST /v1/rpc/batch_upsert.
type batchUpsertRequest struct {
	TableName    string             `json:"table_name"`
	Updates      []fieldUpdateInput `json:"updates"`
	ActingUserID string             `json:"acting_user_id,omitempty"`
}

// batchUpsertResponse is the JSON response for POST /v1/rpc/batch_upsert.
type batchUpsertResponse struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// recordResponse is the JSON response for GET /v1/tables/{table}/{id}.
type recordResponse struct {
	TableName string                     `json:"table_name"`
	ID        string                     `json:"id"`
	Fields    map[string]json.RawMessage `json:"fields"`
	UpdatedAt string                     `json:"updated_at"`
}

// handleBatchUpsert handles POST /v1/rpc/batch_upsert. The batch is applied
// in one transaction; any non-2xx answer means nothing was applied.
func (s *Server) handleBatchUpsert(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	log := logFor(r.Context())

	var req batchUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	updates, err := validateBatch(req, s.cfg.MaxBatchUpdates)
	if err != nil {
		s.metrics.RecordBatchFailure(req.TableName, len(req.Updates))
		status := http.StatusBadRequest
		code := ErrCodeBadRequest
		if errors.Is(err, errBatchTooLarge) {
			status, code = http.StatusRequestEntityTooLarge, ErrCodeTooLarge
		}
		writeError(w, status, code, "%s", err.Error())
		return
	}

	if req.ActingUserID != "" && req.ActingUserID != p.ID {
		log.Warn("batch: acting user differs from key owner", "acting_user_id", req.ActingUserID)
	}

	start := time.Now()
	res, err := s.store.ApplyBatch(req.TableName, updates, p.ID)
	if err != nil {
		s.metrics.RecordBatchFailure(req.TableName, len(updates))
		log.Error("apply batch", "table", req.TableName, "updates", len(updates), "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to apply batch")
		return
	}
	s.metrics.RecordBatch(req.TableName, res.Applied, res.Skipped, time.Since(start))

	log.Info("batch applied", "table", req.TableName, "applied", res.Applied, "skipped", res.Skipped)
	writeJSON(w, http.StatusOK, batchUpsertResponse{Applied: res.Applied, Skipped: res.Skipped})
}

var errBatchTooLarge = errors.New("too many updates in batch")

func validateBatch(req batchUpsertRequest, max int) ([]serverdb.FieldUpdate, error) {
	if !models.ValidIdentifier(req.TableName) {
		return nil, fmt.Errorf("invalid table_name %q", req.TableName)
	}
	if len(req.Updates) == 0 {
		return nil, errors.New("updates must not be empty")
	}
	if max > 0 && len(req.Updates) > max {
		return nil, fmt.Errorf("%w: %d > %d", errBatchTooLarge, len(req.Updates), max)
	}

	out := make([]serverdb.FieldUpdate, len(req.Updates))
	for i, u := range req.Updates {
		if u.ID == "" {
			return nil, fmt.Errorf("updates[%d]: id is required", i)
		}
		if !models.ValidIdentifier(u.Field) {
			return nil, fmt.Errorf("updates[%d]: invalid field %q", i, u.Field)
		}
		if u.Timestamp <= 0 {
			return nil, fmt.Errorf("updates[%d]: timestamp is required", i)
		}
		value := u.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		out[i] = serverdb.FieldUpdate{ID: u.ID, Field: u.Field, Value: value, Timestamp: u.Timestamp}
	}
	return out, nil
}

// handleGetRecord handles GET /v1/tables/{table}/{id}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	table, id := r.PathValue("table"), r.PathValue("id")
	if !models.ValidIdentifier(table) || id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid table or id")
		return
	}

	rec, err := s.store.GetRecord(table, id)
	if err != nil {
		logFor(r.Context()).Error("get record", "table", table, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "%s/%s not found", table, id)
		return
	}

	writeJSON(w, http.StatusOK, recordResponse{
		TableName: rec.Table,
		ID:        rec.ID,
		Fields:    rec.Fields,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}
