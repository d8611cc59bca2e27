// Package models defines server-side data models persisted in the database
// and exchanged by the sync core.
package models

import (
	"encoding/json"
	"time"
)

// EntityType names a syncable record kind.
type EntityType string

const (
	EntityBudget               EntityType = "budget"
	EntityTransaction          EntityType = "transaction"
	EntityRecurringTransaction EntityType = "recurring_transaction"
	EntityCategory             EntityType = "category"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityBudget, EntityTransaction, EntityRecurringTransaction, EntityCategory:
		return true
	}
	return false
}

// EntityKey identifies an entity across types.
type EntityKey struct {
	Type EntityType
	ID   string
}

func (k EntityKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// Entity is the current server state of a syncable record.
type Entity struct {
	Type     EntityType      `json:"entity_type"`
	ID       string          `json:"entity_id"`
	BudgetID string          `json:"budget_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// Revision starts at 1 on creation and grows by one on every write,
	// deletes included.
	Revision  int64     `json:"revision"`
	Deleted   bool      `json:"deleted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the entity's identity.
func (e *Entity) Key() EntityKey {
	return EntityKey{Type: e.Type, ID: e.ID}
}
