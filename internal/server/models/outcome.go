package models

// OutcomeStatus is the per-item result kind of a push.
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeConflict OutcomeStatus = "conflict"
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome reports what happened to one pushed change.
type Outcome struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Status         OutcomeStatus `json:"status"`
	Revision       int64         `json:"revision,omitempty"`
	Sequence       int64         `json:"sequence,omitempty"`
	ConflictID     string        `json:"conflict_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	// Merged is set when the change was auto-merged with concurrent edits.
	Merged bool `json:"merged,omitempty"`
}

// Applied builds an applied outcome.
func Applied(key string, revision, sequence int64) Outcome {
	return Outcome{IdempotencyKey: key, Status: OutcomeApplied, Revision: revision, Sequence: sequence}
}

// Conflicted builds a conflict outcome.
func Conflicted(key, conflictID string) Outcome {
	return Outcome{IdempotencyKey: key, Status: OutcomeConflict, ConflictID: conflictID}
}

// Rejected builds a rejected outcome with a reason code.
func Rejected(key, reason string) Outcome {
	return Outcome{IdempotencyKey: key, Status: OutcomeRejected, Reason: reason}
}
