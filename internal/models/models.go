package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// OutboxStatus represents the lifecycle state of a queued field mutation
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSyncing OutboxStatus = "SYNCING"
	OutboxFailed  OutboxStatus = "FAILED"
	OutboxDead    OutboxStatus = "DEAD" // exceeded max retries, never reselected
)

// Valid reports whether s is a known outbox status
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxSyncing, OutboxFailed, OutboxDead:
		return true
	}
	return false
}

// OutboxItem is a single pending field-level mutation.
// One item exists per changed field, never per changed record.
type OutboxItem struct {
	ID             string          `json:"id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	FieldName      string          `json:"field_name"`
	OldValue       json.RawMessage `json:"old_value,omitempty"` // informational only
	NewValue       json.RawMessage `json:"new_value"`
	FieldTimestamp int64           `json:"field_timestamp"` // unix ms at enqueue
	UserID         string          `json:"user_id,omitempty"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retry_count"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Entity is a locally mirrored backend record, keyed by the remote identifier
type Entity struct {
	Type      string                     `json:"table_name"`
	ID        string                     `json:"id"`
	Fields    map[string]json.RawMessage `json:"fields"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Field decodes a single field into v. Returns false if the field is absent.
func (e *Entity) Field(name string, v any) (bool, error) {
	raw, ok := e.Fields[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Collection describes a known mirrored collection and its foreign keys
type Collection struct {
	Name        string
	ForeignKeys []string
}

// Collections lists the CRM collections the mirror indexes by foreign key.
// Tables not listed here can still be mirrored; they just get no extra indexes.
var Collections = []Collection{
	{Name: "accounts"},
	{Name: "contacts", ForeignKeys: []string{"account_id"}},
	{Name: "opportunities", ForeignKeys: []string{"account_id", "owner_id"}},
	{Name: "quotes", ForeignKeys: []string{"opportunity_id"}},
	{Name: "quote_line_items", ForeignKeys: []string{"quote_id", "product_id"}},
	{Name: "activities", ForeignKeys: []string{"opportunity_id", "account_id", "contact_id"}},
	{Name: "products"},
	{Name: "price_lists"},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidIdentifier reports whether s is usable as a table or field name.
// Names are embedded in JSON paths and index names, so they are restricted.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// SyncHistoryEntry records the outcome of one delivered or failed type-batch
type SyncHistoryEntry struct {
	ID         int64
	EntityType string
	Items      int
	Outcome    string // "delivered" or "failed"
	Error      string
	Timestamp  time.Time
}
