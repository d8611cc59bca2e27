// Package common defines shared constants and sentinel errors used across
// the sync server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")

	// Sync-level errors.
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrCursorInvalid           = errors.New("cursor invalid")
	ErrInvalidChange           = errors.New("invalid change")

	// Authorization errors.
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	ErrInternal = errors.New("internal error")
)
