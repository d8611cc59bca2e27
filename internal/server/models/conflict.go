package models

import "time"

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	ConflictPending        ConflictStatus = "pending"
	ConflictResolvedAuto   ConflictStatus = "resolved_auto"
	ConflictResolvedManual ConflictStatus = "resolved_manual"
)

// Resolution is the choice made when a conflict is resolved manually.
type Resolution string

const (
	AcceptIncoming Resolution = "accept_incoming"
	KeepServer     Resolution = "keep_server"
	MergedPayload  Resolution = "merged_payload"
)

func (r Resolution) Valid() bool {
	return r == AcceptIncoming || r == KeepServer || r == MergedPayload
}

// ConflictReason explains why a change could not be applied cleanly.
type ConflictReason string

const (
	ReasonMissing          ConflictReason = "missing"
	ReasonResurrect        ConflictReason = "resurrect"
	ReasonUnknownBase      ConflictReason = "unknown_base"
	ReasonHistoryCompacted ConflictReason = "history_compacted"
	ReasonOverlap          ConflictReason = "overlap"
	ReasonRetryExhausted   ConflictReason = "retry_exhausted"
)

// Conflict records a change that could not be cleanly applied. Conflicts are
// never deleted and double as an audit trail.
type Conflict struct {
	ID       string         `json:"id"`
	BudgetID string         `json:"budget_id"`
	UserID   string         `json:"user_id"`
	DeviceID string         `json:"device_id"`
	Change   Change         `json:"change"`
	Reason   ConflictReason `json:"reason"`
	// Server is the entity snapshot at detection time; nil when the entity
	// never existed.
	Server    *Entity        `json:"server,omitempty"`
	Status    ConflictStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`

	Resolution       Resolution `json:"resolution,omitempty"`
	ResolvedRevision int64      `json:"resolved_revision,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}
