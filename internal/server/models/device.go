package models

import "time"

// DeviceState tracks how far a device has consumed the ledger.
type DeviceState struct {
	UserID       string
	DeviceID     string
	LastSequence int64
	LastSyncAt   time.Time
}

// IdempotencyRecord stores the outcome of a previously processed change.
type IdempotencyRecord struct {
	UserID    string
	Key       string
	Outcome   Outcome
	CreatedAt time.Time
}
