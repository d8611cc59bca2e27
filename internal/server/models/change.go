package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a change performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// AllFields marks a change touching the whole entity (deletes).
const AllFields = "*"

// Change is a client mutation as submitted in a push batch.
type Change struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	BudgetID       string          `json:"budget_id"`
	Operation      Operation       `json:"operation"`
	BaseRevision   int64           `json:"base_revision"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// ClientTimestamp is informational; the server append time is authoritative.
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Key returns the identity of the entity the change targets.
func (c *Change) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// ChangeRecord is an immutable ledger entry describing an applied mutation.
type ChangeRecord struct {
	// Sequence is assigned on append, globally monotonic and used as the pull cursor.
	Sequence     int64      `json:"sequence"`
	EntityType   EntityType `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	BudgetID     string     `json:"budget_id"`
	Operation    Operation  `json:"operation"`
	BaseRevision int64      `json:"base_revision"`
	// Revision is the entity revision produced by this change.
	Revision int64 `json:"revision"`
	// Payload is the full entity state after the change; empty for deletes.
	Payload         json.RawMessage `json:"payload,omitempty"`
	ChangedFields   []string        `json:"changed_fields"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	DeviceID        string          `json:"device_id"`
	UserID          string          `json:"user_id"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
